// Package pipeline turns EMG samples into a smoothed gesture decision.
//
// Samples are classified at a bounded rate, the labels vote in a fixed window,
// and the decision only moves when the new winner clears a hysteresis margin.
// The latest sensor reading and decision are published to Slots that readers
// poll independently.
package pipeline

import (
	"errors"
	"fmt"
	"sync"
	"time"

	logs "github.com/Fohen-Wade/ls2k0300-myo/internal/logging"
	"github.com/Fohen-Wade/ls2k0300-myo/internal/myo"
	"github.com/Fohen-Wade/ls2k0300-myo/internal/observability"
)

var ErrInvalidClass = errors.New("pipeline: recording class out of range")

// Classifier maps one sample to a label in [0, Labels) and a confidence in
// [0, 1]. Implementations must be deterministic and free of side effects.
type Classifier interface {
	Classify(sample [8]uint16) (label int, confidence float64, err error)
}

// Sink receives labeled samples while recording is armed.
type Sink interface {
	Store(class int, sample [8]uint16) error
}

type Config struct {
	VoteWindow       int
	HysteresisMargin int
	ClassifyInterval time.Duration
	SensorInterval   time.Duration
	DecisionInterval time.Duration
	PublishDir       string
}

func DefaultConfig() Config {
	return Config{
		VoteWindow:       25,
		HysteresisMargin: 3,
		ClassifyInterval: 100 * time.Millisecond,
		SensorInterval:   200 * time.Millisecond,
		DecisionInterval: 300 * time.Millisecond,
	}
}

// Pipeline is driven inline by the EMG handler; it is the only writer of its
// slots.
type Pipeline struct {
	cfg        Config
	hysteresis Hysteresis
	sink       Sink
	mirror     *Mirror

	classifierMu sync.RWMutex
	classifier   Classifier

	mu           sync.Mutex
	now          func() time.Time
	window       *VotingWindow
	current      int
	confidence   float64
	lastClassify time.Time
	lastSensor   time.Time
	lastDecision time.Time
	recording    int
	paused       bool

	decision *Slot[Decision]
	sensor   *Slot[SensorSnapshot]
}

// New builds a pipeline. classifier and sink may be nil.
func New(cfg Config, classifier Classifier, sink Sink) (*Pipeline, error) {
	d := DefaultConfig()
	if cfg.VoteWindow == 0 {
		cfg.VoteWindow = d.VoteWindow
	}
	if cfg.HysteresisMargin < 0 {
		cfg.HysteresisMargin = d.HysteresisMargin
	}
	window, err := NewVotingWindow(cfg.VoteWindow)
	if err != nil {
		return nil, err
	}
	p := &Pipeline{
		cfg:        cfg,
		hysteresis: Hysteresis{Margin: cfg.HysteresisMargin, Window: cfg.VoteWindow},
		sink:       sink,
		classifier: classifier,
		now:        time.Now,
		window:     window,
		current:    -1,
		recording:  -1,
		decision:   NewSlot(NoDecision()),
		sensor:     NewSlot(SensorSnapshot{}),
	}
	if cfg.PublishDir != "" {
		m, err := NewMirror(cfg.PublishDir)
		if err != nil {
			return nil, err
		}
		p.mirror = m
		p.writeMirror(NoDecision(), SensorSnapshot{}, true, true)
	}
	return p, nil
}

// SetClock replaces the time source. Tests drive the pipeline with a fake
// clock.
func (p *Pipeline) SetClock(now func() time.Time) {
	if now == nil {
		return
	}
	p.mu.Lock()
	p.now = now
	p.mu.Unlock()
}

// SetClassifier swaps the classifier, for example after retraining.
func (p *Pipeline) SetClassifier(c Classifier) {
	p.classifierMu.Lock()
	p.classifier = c
	p.classifierMu.Unlock()
}

func (p *Pipeline) DecisionSlot() *Slot[Decision]     { return p.decision }
func (p *Pipeline) SensorSlot() *Slot[SensorSnapshot] { return p.sensor }
func (p *Pipeline) Decision() Decision                { return p.decision.Get() }
func (p *Pipeline) Sensor() SensorSnapshot            { return p.sensor.Get() }

// Label returns the current decision label, -1 when none.
func (p *Pipeline) Label() int { return p.decision.Get().Label }

// HandleEMG runs one sample through the pipeline. It has the EMG handler
// signature so it can subscribe directly to a session.
func (p *Pipeline) HandleEMG(s myo.EMGSample) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	snap := SensorSnapshot{Channels: s.Channels, At: now}
	if p.lastSensor.IsZero() || now.Sub(p.lastSensor) >= p.cfg.SensorInterval {
		p.sensor.Set(snap, now)
		p.lastSensor = now
		p.writeMirror(Decision{}, snap, false, true)
	}

	sample := s.Unsigned()
	var sinkErr error
	if p.recording >= 0 && !p.paused && p.sink != nil {
		if err := p.sink.Store(p.recording, sample); err != nil {
			sinkErr = fmt.Errorf("pipeline: store class %d: %w", p.recording, err)
			logs.Warnf("pipeline.Pipeline.HandleEMG store failed class=%d err=%v", p.recording, err)
		}
	}

	if !p.lastClassify.IsZero() && now.Sub(p.lastClassify) < p.cfg.ClassifyInterval {
		return sinkErr
	}
	p.lastClassify = now

	label, confidence := p.classify(sample)
	p.window.Push(label)

	winner, count := p.window.Winner()
	if p.hysteresis.Changes(p.current, count, p.window.Count(p.current)) && winner != p.current {
		p.current = winner
		p.confidence = confidence
		observability.RecordDecisionChange(winner)
		logs.Debugf("pipeline.Pipeline.decide label=%d votes=%d confidence=%.2f", winner, count, confidence)
		p.publishDecision(now)
		return sinkErr
	}
	if p.current >= 0 && now.Sub(p.lastDecision) >= p.cfg.DecisionInterval {
		p.publishDecision(now)
	}
	return sinkErr
}

func (p *Pipeline) classify(sample [8]uint16) (int, float64) {
	p.classifierMu.RLock()
	c := p.classifier
	p.classifierMu.RUnlock()
	if c == nil {
		return 0, 0
	}
	observability.RecordClassification()
	label, confidence, err := c.Classify(sample)
	if err != nil {
		logs.Debugf("pipeline.Pipeline.classify failed err=%v", err)
		return 0, 0
	}
	if label < 0 || label >= Labels {
		return 0, 0
	}
	return label, confidence
}

func (p *Pipeline) publishDecision(now time.Time) {
	d := Decision{Label: p.current, Confidence: p.confidence, At: now}
	p.decision.Set(d, now)
	p.lastDecision = now
	p.writeMirror(d, SensorSnapshot{}, true, false)
}

func (p *Pipeline) writeMirror(d Decision, s SensorSnapshot, gesture, sensor bool) {
	if p.mirror == nil {
		return
	}
	if gesture {
		if err := p.mirror.WriteGesture(d.Text()); err != nil {
			logs.Warnf("pipeline.Pipeline.mirror gesture write failed err=%v", err)
		}
	}
	if sensor {
		if err := p.mirror.WriteSensor(s.Text()); err != nil {
			logs.Warnf("pipeline.Pipeline.mirror sensor write failed err=%v", err)
		}
	}
}

// Record arms recording for class k and clears any pause.
func (p *Pipeline) Record(k int) error {
	if k < 0 || k >= Labels {
		return fmt.Errorf("%w: %d", ErrInvalidClass, k)
	}
	p.mu.Lock()
	p.recording = k
	p.paused = false
	p.mu.Unlock()
	logs.Infof("pipeline.Pipeline.Record class=%d", k)
	return nil
}

// TogglePause flips the pause flag and returns the new value.
func (p *Pipeline) TogglePause() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.paused = !p.paused
	logs.Infof("pipeline.Pipeline.TogglePause paused=%t class=%d", p.paused, p.recording)
	return p.paused
}

func (p *Pipeline) StopRecording() {
	p.mu.Lock()
	p.recording = -1
	p.paused = false
	p.mu.Unlock()
	logs.Infof("pipeline.Pipeline.StopRecording")
}

// Recording returns the armed class (-1 when idle) and the pause flag.
func (p *Pipeline) Recording() (class int, paused bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.recording, p.paused
}

// Reset clears the vote window and restores the initial published values.
// Recording state is kept.
func (p *Pipeline) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.now()
	p.window.Reset()
	p.current = -1
	p.confidence = 0
	p.lastClassify = time.Time{}
	p.lastSensor = time.Time{}
	p.lastDecision = time.Time{}
	p.decision.Set(NoDecision(), now)
	p.sensor.Set(SensorSnapshot{}, now)
	p.writeMirror(NoDecision(), SensorSnapshot{}, true, true)
}
