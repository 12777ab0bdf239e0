package pipeline

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/Fohen-Wade/ls2k0300-myo/internal/myo"
	"github.com/Fohen-Wade/ls2k0300-myo/internal/store"
	"github.com/Fohen-Wade/ls2k0300-myo/internal/testutil/testlog"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

type fixedClassifier struct {
	label int
	conf  float64
}

func (f fixedClassifier) Classify([8]uint16) (int, float64, error) { return f.label, f.conf, nil }

// scriptClassifier returns labels in order, repeating the last one.
type scriptClassifier struct {
	labels []int
	calls  int
}

func (s *scriptClassifier) Classify([8]uint16) (int, float64, error) {
	i := s.calls
	if i >= len(s.labels) {
		i = len(s.labels) - 1
	}
	s.calls++
	return s.labels[i], 1, nil
}

type failingClassifier struct{}

func (failingClassifier) Classify([8]uint16) (int, float64, error) {
	return 7, 1, errors.New("no model")
}

type memSink struct {
	rows map[int]int
	err  error
}

func (m *memSink) Store(class int, _ [8]uint16) error {
	if m.err != nil {
		return m.err
	}
	if m.rows == nil {
		m.rows = make(map[int]int)
	}
	m.rows[class]++
	return nil
}

func newTestPipeline(t *testing.T, cfg Config, c Classifier, sink Sink) (*Pipeline, *fakeClock) {
	t.Helper()
	p, err := New(cfg, c, sink)
	if err != nil {
		t.Fatalf("new pipeline: %v", err)
	}
	clk := &fakeClock{t: time.Unix(1700000000, 0)}
	p.SetClock(clk.now)
	return p, clk
}

func emg(v int) myo.EMGSample {
	return myo.EMGSample{Channels: [8]int{v, v, v, v, v, v, v, v}}
}

func TestVotingWindowStartsFullOfZero(t *testing.T) {
	testlog.Start(t)
	w, err := NewVotingWindow(25)
	if err != nil {
		t.Fatalf("new window: %v", err)
	}
	if label, count := w.Winner(); label != 0 || count != 25 {
		t.Fatalf("winner got=%d/%d want=0/25", label, count)
	}
	w.Push(4)
	w.Push(4)
	if w.Count(0) != 23 || w.Count(4) != 2 {
		t.Fatalf("counts got=%v", w.Counts())
	}
	sum := 0
	for _, c := range w.Counts() {
		sum += c
	}
	if sum != 25 {
		t.Fatalf("sum got=%d want=25", sum)
	}
	if _, err := NewVotingWindow(0); !errors.Is(err, ErrInvalidWindow) {
		t.Fatalf("err got=%v want=%v", err, ErrInvalidWindow)
	}
}

func TestVotingWindowEvictsOldestAndBreaksTiesLow(t *testing.T) {
	testlog.Start(t)
	w, _ := NewVotingWindow(4)
	for _, l := range []int{5, 2, 5, 2} {
		w.Push(l)
	}
	if label, count := w.Winner(); label != 2 || count != 2 {
		t.Fatalf("winner got=%d/%d want=2/2", label, count)
	}
	w.Push(9)
	if w.Count(5) != 1 || w.Count(9) != 1 {
		t.Fatalf("counts after eviction got=%v", w.Counts())
	}
	w.Push(42)
	if w.Count(0) != 1 {
		t.Fatalf("out of range label should count as 0 got=%v", w.Counts())
	}
	w.Reset()
	if label, count := w.Winner(); label != 0 || count != 4 {
		t.Fatalf("winner after reset got=%d/%d", label, count)
	}
}

func TestHysteresisThresholds(t *testing.T) {
	testlog.Start(t)
	h := Hysteresis{Margin: 3, Window: 25}
	cases := []struct {
		name                   string
		current, winner, count int
		want                   bool
	}{
		{"no decision yet", -1, 1, 1, true},
		{"clear winner", 1, 20, 2, true},
		{"inside margin", 1, 9, 7, false},
		{"exactly margin", 1, 10, 7, false},
		{"below third", 1, 8, 1, false},
		{"just above third", 1, 9, 1, true},
	}
	for _, tc := range cases {
		if got := h.Changes(tc.current, tc.winner, tc.count); got != tc.want {
			t.Fatalf("%s got=%v want=%v", tc.name, got, tc.want)
		}
	}
}

func TestPipelineHysteresisKeepsDecisionAgainstNarrowLead(t *testing.T) {
	testlog.Start(t)
	// 25 votes of 2, then alternate 5 and 2 so label 5 never clears the margin.
	labels := make([]int, 0, 60)
	for i := 0; i < 25; i++ {
		labels = append(labels, 2)
	}
	for i := 0; i < 30; i++ {
		if i%2 == 0 {
			labels = append(labels, 5)
		} else {
			labels = append(labels, 2)
		}
	}
	c := &scriptClassifier{labels: labels}
	p, clk := newTestPipeline(t, DefaultConfig(), c, nil)

	for i := 0; i < len(labels); i++ {
		if err := p.HandleEMG(emg(i)); err != nil {
			t.Fatalf("handle: %v", err)
		}
		clk.advance(100 * time.Millisecond)
		if i >= 24 {
			if got := p.Label(); got != 2 {
				t.Fatalf("sample %d decision got=%d want=2", i, got)
			}
		}
	}
}

func TestPipelineSwitchesOnClearWinner(t *testing.T) {
	testlog.Start(t)
	c := &fixedClassifier{label: 6, conf: 0.8}
	p, clk := newTestPipeline(t, DefaultConfig(), c, nil)

	if err := p.HandleEMG(emg(1)); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if got := p.Label(); got != 0 {
		t.Fatalf("first decision got=%d want=0", got)
	}
	// Label 6 needs count > (25-count)+3, i.e. 15 votes.
	for i := 2; i <= 15; i++ {
		clk.advance(100 * time.Millisecond)
		_ = p.HandleEMG(emg(i))
		if i < 15 && p.Label() != 0 {
			t.Fatalf("vote %d switched early to %d", i, p.Label())
		}
	}
	d := p.Decision()
	if d.Label != 6 || d.Confidence != 0.8 {
		t.Fatalf("decision got=%+v want label=6 confidence=0.8", d)
	}
	if d.Text() != "6,0.80" {
		t.Fatalf("text got=%q want=%q", d.Text(), "6,0.80")
	}
}

func TestPipelineClassifyGate(t *testing.T) {
	testlog.Start(t)
	c := &scriptClassifier{labels: []int{1}}
	p, clk := newTestPipeline(t, DefaultConfig(), c, nil)
	for i := 0; i < 50; i++ {
		_ = p.HandleEMG(emg(i))
		clk.advance(20 * time.Millisecond)
	}
	// 50 samples over 1s at a 100ms gate.
	if c.calls != 10 {
		t.Fatalf("classifications got=%d want=10", c.calls)
	}
}

func TestPipelineSensorPublishInterval(t *testing.T) {
	testlog.Start(t)
	p, clk := newTestPipeline(t, DefaultConfig(), nil, nil)
	for i := 0; i < 50; i++ {
		_ = p.HandleEMG(emg(i))
		clk.advance(20 * time.Millisecond)
	}
	snap, _, writes := p.SensorSlot().Load()
	if writes != 5 {
		t.Fatalf("sensor writes got=%d want=5", writes)
	}
	if snap.Channels[0] != 40 {
		t.Fatalf("last published got=%v want channel0=40", snap.Channels)
	}
	if snap.Text() != "40 40 40 40 40 40 40 40" {
		t.Fatalf("text got=%q", snap.Text())
	}
}

func TestPipelineRepublishesDecision(t *testing.T) {
	testlog.Start(t)
	p, clk := newTestPipeline(t, DefaultConfig(), fixedClassifier{label: 0, conf: 1}, nil)
	_ = p.HandleEMG(emg(1))
	_, _, first := p.DecisionSlot().Load()
	if first != 1 {
		t.Fatalf("decision writes got=%d want=1", first)
	}
	clk.advance(200 * time.Millisecond)
	_ = p.HandleEMG(emg(1))
	if _, _, n := p.DecisionSlot().Load(); n != 1 {
		t.Fatalf("writes before interval got=%d want=1", n)
	}
	clk.advance(100 * time.Millisecond)
	_ = p.HandleEMG(emg(1))
	if _, _, n := p.DecisionSlot().Load(); n != 2 {
		t.Fatalf("writes after interval got=%d want=2", n)
	}
}

func TestPipelineClassifierFailureVotesZero(t *testing.T) {
	testlog.Start(t)
	p, clk := newTestPipeline(t, DefaultConfig(), failingClassifier{}, nil)
	for i := 0; i < 30; i++ {
		_ = p.HandleEMG(emg(i))
		clk.advance(100 * time.Millisecond)
	}
	if got := p.Label(); got != 0 {
		t.Fatalf("decision got=%d want=0", got)
	}
	p.SetClassifier(nil)
	_ = p.HandleEMG(emg(1))
	if d := p.Decision(); d.Label != 0 {
		t.Fatalf("decision with nil classifier got=%+v", d)
	}
}

func TestRecordingTap(t *testing.T) {
	testlog.Start(t)
	sink := &memSink{}
	p, clk := newTestPipeline(t, DefaultConfig(), nil, sink)

	feed := func(n int) {
		for i := 0; i < n; i++ {
			_ = p.HandleEMG(emg(i))
			clk.advance(20 * time.Millisecond)
		}
	}
	feed(3)
	if len(sink.rows) != 0 {
		t.Fatalf("stored while idle got=%v", sink.rows)
	}
	if err := p.Record(4); err != nil {
		t.Fatalf("record: %v", err)
	}
	feed(5)
	if !p.TogglePause() {
		t.Fatalf("expected paused")
	}
	feed(5)
	if p.TogglePause() {
		t.Fatalf("expected resumed")
	}
	feed(2)
	p.StopRecording()
	feed(4)
	if sink.rows[4] != 7 {
		t.Fatalf("stored got=%d want=7", sink.rows[4])
	}
	if class, paused := p.Recording(); class != -1 || paused {
		t.Fatalf("recording got=%d paused=%v", class, paused)
	}
	if err := p.Record(10); !errors.Is(err, ErrInvalidClass) {
		t.Fatalf("err got=%v want=%v", err, ErrInvalidClass)
	}
}

func TestRecordingSinkErrorReturned(t *testing.T) {
	testlog.Start(t)
	sink := &memSink{err: errors.New("disk full")}
	p, _ := newTestPipeline(t, DefaultConfig(), fixedClassifier{label: 2, conf: 1}, sink)
	_ = p.Record(1)
	if err := p.HandleEMG(emg(1)); err == nil {
		t.Fatalf("expected sink error")
	}
	if got := p.Label(); got != 0 {
		t.Fatalf("classification still runs; decision got=%d want=0", got)
	}
}

func TestResetRestoresInitialValues(t *testing.T) {
	testlog.Start(t)
	p, clk := newTestPipeline(t, DefaultConfig(), fixedClassifier{label: 3, conf: 1}, nil)
	for i := 0; i < 30; i++ {
		_ = p.HandleEMG(emg(9))
		clk.advance(100 * time.Millisecond)
	}
	if p.Label() != 3 {
		t.Fatalf("decision got=%d want=3", p.Label())
	}
	p.Reset()
	if got := p.Decision().Text(); got != InitialGestureText {
		t.Fatalf("gesture text got=%q want=%q", got, InitialGestureText)
	}
	if got := p.Sensor().Text(); got != InitialSensorText {
		t.Fatalf("sensor text got=%q want=%q", got, InitialSensorText)
	}
}

func TestMirrorWritesTextFiles(t *testing.T) {
	testlog.Start(t)
	dir := t.TempDir()
	cfg := DefaultConfig()
	cfg.PublishDir = dir
	p, clk := newTestPipeline(t, cfg, fixedClassifier{label: 0, conf: 0.5}, nil)

	read := func(name string) string {
		b, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			t.Fatalf("read %s: %v", name, err)
		}
		return string(b)
	}
	if got := read(GestureFile); got != InitialGestureText {
		t.Fatalf("initial gesture got=%q", got)
	}
	if got := read(SensorFile); got != InitialSensorText {
		t.Fatalf("initial sensor got=%q", got)
	}
	_ = p.HandleEMG(myo.EMGSample{Channels: [8]int{1, 2, 3, 4, 5, 6, 7, 8}})
	clk.advance(time.Millisecond)
	if got := read(GestureFile); got != "0,0.50" {
		t.Fatalf("gesture got=%q want=%q", got, "0,0.50")
	}
	if got := read(SensorFile); got != "1 2 3 4 5 6 7 8" {
		t.Fatalf("sensor got=%q", got)
	}
}

func TestEndToEndRecordingAndDecision(t *testing.T) {
	testlog.Start(t)
	cfg := store.DefaultConfig()
	cfg.Dir = t.TempDir()
	st, err := store.Open(cfg)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	p, clk := newTestPipeline(t, DefaultConfig(), fixedClassifier{label: 3, conf: 1}, st)
	if err := p.Record(3); err != nil {
		t.Fatalf("record: %v", err)
	}
	for i := 0; i < 100; i++ {
		if err := p.HandleEMG(emg(100 + i)); err != nil {
			t.Fatalf("handle %d: %v", i, err)
		}
		clk.advance(20 * time.Millisecond)
	}
	if err := st.FlushAll(); err != nil {
		t.Fatalf("flush all: %v", err)
	}
	if got := p.Label(); got != 3 {
		t.Fatalf("decision got=%d want=3", got)
	}
	for k := 0; k < store.Classes; k++ {
		info, err := os.Stat(st.Path(k))
		if err != nil {
			t.Fatalf("stat class %d: %v", k, err)
		}
		want := int64(0)
		if k == 3 {
			want = 100 * store.RecordSize
		}
		if info.Size() != want {
			t.Fatalf("class %d size got=%d want=%d", k, info.Size(), want)
		}
	}
}
