// Package service owns the armband runtime: the connect supervisor with retry,
// the ingestion loop feeding the classification pipeline, the periodic store
// flush, and the telemetry broadcaster lifecycle.
package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Fohen-Wade/ls2k0300-myo/internal/bus"
	"github.com/Fohen-Wade/ls2k0300-myo/internal/knn"
	logs "github.com/Fohen-Wade/ls2k0300-myo/internal/logging"
	"github.com/Fohen-Wade/ls2k0300-myo/internal/myo"
	"github.com/Fohen-Wade/ls2k0300-myo/internal/pipeline"
	"github.com/Fohen-Wade/ls2k0300-myo/internal/protocol/link"
	"github.com/Fohen-Wade/ls2k0300-myo/internal/store"
	"github.com/Fohen-Wade/ls2k0300-myo/internal/telemetry"
)

var (
	ErrNotConnected     = errors.New("service: device not connected")
	ErrBusy             = errors.New("service: device already connected or connecting")
	ErrConnectExhausted = errors.New("service: connect attempts exhausted")
	ErrIngestPanic      = errors.New("service: ingestion loop panicked")
)

// State is the supervisor's view of the device connection.
type State string

const (
	StateIdle       State = "idle"
	StateConnecting State = "connecting"
	StateConnected  State = "connected"
	StateFailed     State = "failed"
)

// shutdownTimeout bounds the disconnect sent to the dongle while stopping.
const shutdownTimeout = time.Second

// Port is an opened dongle transport.
type Port interface {
	link.Transport
	io.Closer
}

// Opener opens the dongle transport at name.
type Opener func(name string, cfg link.Config) (Port, error)

// SerialOpener opens a real serial port.
func SerialOpener(name string, cfg link.Config) (Port, error) {
	t, err := link.OpenSerial(name, cfg)
	if err != nil {
		return nil, err
	}
	return t, nil
}

// Status is the snapshot served to the control surface.
type Status struct {
	State     State     `json:"state"`
	Attempts  int       `json:"attempts"`
	LastError string    `json:"last_error,omitempty"`
	Port      string    `json:"port,omitempty"`
	SessionID string    `json:"session_id,omitempty"`
	Handle    int       `json:"handle"`
	Legacy    bool      `json:"legacy"`
	Firmware  string    `json:"firmware,omitempty"`
	Name      string    `json:"name,omitempty"`
	Mode      string    `json:"mode"`
	Since     time.Time `json:"since,omitzero"`
	Battery   int       `json:"battery"`
	Recording int       `json:"recording"`
	Paused    bool      `json:"paused"`
	Telemetry bool      `json:"telemetry"`
	Trained   int       `json:"trained"`
}

type attachment struct {
	port    Port
	session *myo.Session
}

// Service wires the device session to the pipeline, store and broadcaster.
type Service struct {
	cfg    Config
	addr   *myo.Address
	open   Opener
	detect func() (string, error)
	sleep  func(context.Context, time.Duration) error

	store      *store.Store
	classifier *knn.Classifier
	pipe       *pipeline.Pipeline
	sender     *telemetry.UDPSender
	bcast      *telemetry.Broadcaster

	connectReq chan struct{}
	battery    atomic.Int64

	mu       sync.RWMutex
	state    State
	attempts int
	lastErr  error
	portName string
	current  *attachment
	cancel   context.CancelFunc
	userStop bool
}

// New opens the store, trains the classifier from it, and prepares the
// pipeline and broadcaster. Nothing touches the dongle until Run.
func New(cfg Config) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg.Link = cfg.Link.WithDefaults()
	if cfg.Store.FlushInterval <= 0 {
		cfg.Store.FlushInterval = store.DefaultConfig().FlushInterval
	}
	addr, err := cfg.address()
	if err != nil {
		return nil, err
	}

	st, err := store.Open(cfg.Store)
	if err != nil {
		return nil, err
	}
	clf := knn.New(cfg.KNN)
	m := st.Matrix()
	if err := clf.Train(m.Samples, m.Labels); err != nil {
		return nil, err
	}
	pipe, err := pipeline.New(cfg.Pipeline, clf, st)
	if err != nil {
		return nil, err
	}
	sender, err := telemetry.DialUDP(cfg.Telemetry.Addr)
	if err != nil {
		return nil, err
	}
	bcast, err := telemetry.New(cfg.Telemetry, pipe.Label, sender)
	if err != nil {
		_ = sender.Close()
		return nil, err
	}

	s := &Service{
		cfg:        cfg,
		addr:       addr,
		open:       SerialOpener,
		detect:     myo.DetectPort,
		sleep:      sleepCtx,
		store:      st,
		classifier: clf,
		pipe:       pipe,
		sender:     sender,
		bcast:      bcast,
		connectReq: make(chan struct{}, 1),
		state:      StateIdle,
	}
	s.battery.Store(-1)
	logs.Infof("service.New data_dir=%s trained=%d mode=%s telemetry=%s",
		cfg.Store.Dir, clf.Len(), cfg.Mode, cfg.Telemetry.Addr)
	return s, nil
}

// SetOpener replaces the transport opener. Call before Run.
func (s *Service) SetOpener(o Opener) {
	if o != nil {
		s.open = o
	}
}

// SetSleep replaces the wait used between connect attempts. Call before Run.
func (s *Service) SetSleep(sleep func(context.Context, time.Duration) error) {
	if sleep != nil {
		s.sleep = sleep
	}
}

func (s *Service) Config() Config                      { return s.cfg }
func (s *Service) Store() *store.Store                 { return s.store }
func (s *Service) Pipeline() *pipeline.Pipeline        { return s.pipe }
func (s *Service) Broadcaster() *telemetry.Broadcaster { return s.bcast }

// Run blocks until ctx is done, supervising the device connection and
// flushing the store. On return the broadcaster is stopped, published values
// are reset, and buffered samples are flushed.
func (s *Service) Run(ctx context.Context) error {
	if s.cfg.AutoConnect {
		_ = s.RequestConnect()
	}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.supervise(gctx) })
	g.Go(func() error { return s.flushLoop(gctx) })
	err := g.Wait()
	s.shutdown()
	return err
}

// RequestConnect asks the supervisor to connect. It fails while a connection
// is up or being attempted.
func (s *Service) RequestConnect() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateConnected || s.state == StateConnecting {
		return ErrBusy
	}
	select {
	case s.connectReq <- struct{}{}:
	default:
	}
	return nil
}

// Disconnect ends the current connection or connect attempt. The supervisor
// then waits for the next RequestConnect.
func (s *Service) Disconnect() error {
	s.mu.Lock()
	cancel := s.cancel
	if cancel != nil {
		s.userStop = true
	}
	s.mu.Unlock()
	if cancel == nil {
		return ErrNotConnected
	}
	cancel()
	return nil
}

// Vibrate runs a short, medium or long vibration on the connected armband.
func (s *Service) Vibrate(ctx context.Context, length int) error {
	sess := s.session()
	if sess == nil {
		return ErrNotConnected
	}
	return sess.Vibrate(ctx, length)
}

// SetLEDs sets the logo and bar colors on the connected armband.
func (s *Service) SetLEDs(ctx context.Context, logo, line [3]byte) error {
	sess := s.session()
	if sess == nil {
		return ErrNotConnected
	}
	return sess.SetLEDs(ctx, logo, line)
}

func (s *Service) SetSleepMode(ctx context.Context, mode myo.SleepMode) error {
	sess := s.session()
	if sess == nil {
		return ErrNotConnected
	}
	return sess.SleepMode(ctx, mode)
}

// PowerOff sends the armband into deep sleep and ends the session without
// reconnecting.
func (s *Service) PowerOff(ctx context.Context) error {
	sess := s.session()
	if sess == nil {
		return ErrNotConnected
	}
	if err := sess.PowerOff(ctx); err != nil {
		return err
	}
	return s.Disconnect()
}

// Retrain flushes buffered samples, reloads every class file, and retrains
// the classifier from the rebuilt matrix. It returns the trained row count.
func (s *Service) Retrain() (int, error) {
	if err := s.store.FlushAll(); err != nil {
		return 0, err
	}
	if err := s.store.Load(); err != nil {
		return 0, err
	}
	m := s.store.Matrix()
	if err := s.classifier.Train(m.Samples, m.Labels); err != nil {
		return 0, err
	}
	s.pipe.SetClassifier(s.classifier)
	n := s.classifier.Len()
	logs.Infof("service.Service.Retrain rows=%d trained=%d", m.Len(), n)
	return n, nil
}

// Wipe empties every class file and retrains on the empty set.
func (s *Service) Wipe() error {
	if err := s.store.Wipe(); err != nil {
		return err
	}
	_, err := s.Retrain()
	return err
}

func (s *Service) Status() Status {
	s.mu.RLock()
	st := Status{
		State:    s.state,
		Attempts: s.attempts,
		Port:     s.portName,
		Mode:     s.cfg.Mode.String(),
	}
	if s.lastErr != nil {
		st.LastError = s.lastErr.Error()
	}
	cur := s.current
	s.mu.RUnlock()

	if cur != nil {
		info := cur.session.Info()
		st.SessionID = info.ID
		st.Handle = int(info.Handle)
		st.Legacy = info.Legacy
		st.Firmware = fmt.Sprintf("%d.%d.%d.%d", info.Firmware[0], info.Firmware[1], info.Firmware[2], info.Firmware[3])
		st.Name = info.Name
		st.Since = info.Since
	}
	st.Battery = int(s.battery.Load())
	st.Recording, st.Paused = s.pipe.Recording()
	st.Telemetry = s.bcast.Running()
	st.Trained = s.classifier.Len()
	return st
}

func (s *Service) session() *myo.Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.current == nil {
		return nil
	}
	return s.current.session
}

func (s *Service) supervise(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.connectReq:
		}

		sessCtx, cancel := context.WithCancel(ctx)
		s.mu.Lock()
		s.cancel = cancel
		s.userStop = false
		s.mu.Unlock()

		att, err := s.connectWithRetry(sessCtx)
		if err != nil {
			cancel()
			s.finish(ctx, err)
			if ctx.Err() != nil {
				return nil
			}
			continue
		}

		err = s.ingest(sessCtx, att.session.Link())
		s.detach(att)
		cancel()
		if ctx.Err() != nil {
			s.farewell(att)
			return nil
		}
		if s.stoppedByUser() {
			s.farewell(att)
			s.finish(ctx, nil)
			continue
		}
		_ = att.port.Close()
		logs.Warnf("service.Service.supervise session lost err=%v", err)
		s.setState(StateIdle, err)
		_ = s.RequestConnect()
	}
}

// finish records the outcome of a session or connect attempt once the
// supervisor is idle again.
func (s *Service) finish(ctx context.Context, err error) {
	s.mu.Lock()
	stopped := s.userStop
	s.cancel = nil
	s.mu.Unlock()
	switch {
	case err == nil || stopped || ctx.Err() != nil:
		s.setState(StateIdle, nil)
	default:
		logs.Errf("service.Service.supervise giving up err=%v", err)
		s.setState(StateFailed, err)
	}
}

func (s *Service) stoppedByUser() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	stopped := s.userStop
	s.cancel = nil
	return stopped
}

func (s *Service) setState(state State, err error) {
	s.mu.Lock()
	s.state = state
	s.lastErr = err
	s.mu.Unlock()
}

func (s *Service) connectWithRetry(ctx context.Context) (*attachment, error) {
	retry := s.cfg.Link.Retry
	s.mu.Lock()
	s.state = StateConnecting
	s.attempts = 0
	s.mu.Unlock()

	for attempt := 1; ; attempt++ {
		s.mu.Lock()
		s.attempts = attempt
		s.mu.Unlock()

		att, err := s.connectOnce(ctx)
		if err == nil {
			return att, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		s.mu.Lock()
		s.lastErr = err
		s.mu.Unlock()
		if retry.Exhausted(attempt) {
			return nil, fmt.Errorf("%w: attempts=%d: %v", ErrConnectExhausted, attempt, err)
		}
		delay := link.NextBackoffDelay(retry, attempt, nil)
		logs.Warnf("service.Service.connect failed attempt=%d retry_in=%s err=%v", attempt, delay, err)
		if err := s.sleep(ctx, delay); err != nil {
			return nil, err
		}
	}
}

func (s *Service) connectOnce(ctx context.Context) (*attachment, error) {
	name := s.cfg.Port
	if name == "" {
		detected, err := s.detect()
		if err != nil {
			return nil, err
		}
		name = detected
	}
	port, err := s.open(name, s.cfg.Link)
	if err != nil {
		return nil, err
	}
	l, err := link.New(port, s.cfg.Link)
	if err != nil {
		_ = port.Close()
		return nil, err
	}
	sess := myo.New(l, s.cfg.Mode)
	sess.OnEMG(s.pipe.HandleEMG)
	sess.OnBattery(bus.Func(func(b myo.BatteryEvent) {
		s.battery.Store(int64(b.Level))
	}))
	sess.OnArm(bus.Func(func(a myo.ArmEvent) {
		logs.Debugf("service.Service arm=%d x_direction=%d", a.Arm, a.XDir)
	}))
	sess.OnPose(bus.Func(func(p myo.PoseEvent) {
		logs.Debugf("service.Service pose=%s", p.Pose)
	}))

	if err := sess.Connect(ctx, s.addr); err != nil {
		_ = port.Close()
		return nil, err
	}

	att := &attachment{port: port, session: sess}
	s.pipe.Reset()
	if err := s.bcast.Start(ctx); err != nil {
		logs.Warnf("service.Service.connect broadcaster err=%v", err)
	}
	s.mu.Lock()
	s.current = att
	s.portName = name
	s.state = StateConnected
	s.lastErr = nil
	s.mu.Unlock()
	logs.Infof("service.Service.connect connected port=%s session=%s", name, sess.Info().ID)
	return att, nil
}

// ingest reads packets until the link fails or ctx ends. Decoding and the
// pipeline run inline on this goroutine through the session handlers.
func (s *Service) ingest(ctx context.Context, l *link.Link) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrIngestPanic, r)
		}
	}()
	for {
		if _, err := l.ReadPacket(ctx); err != nil {
			return err
		}
	}
}

// detach stops the broadcaster and forgets the current attachment.
func (s *Service) detach(att *attachment) {
	if err := s.bcast.Stop(); err != nil {
		logs.Warnf("service.Service.detach broadcaster err=%v", err)
	}
	s.mu.Lock()
	if s.current == att {
		s.current = nil
	}
	s.mu.Unlock()
}

// farewell disconnects the armband cleanly and closes the port.
func (s *Service) farewell(att *attachment) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := att.session.Disconnect(ctx); err != nil {
		logs.Warnf("service.Service.disconnect err=%v", err)
	}
	if err := att.port.Close(); err != nil {
		logs.Warnf("service.Service.disconnect close port err=%v", err)
	}
}

func (s *Service) flushLoop(ctx context.Context) error {
	t := time.NewTicker(s.cfg.Store.FlushInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if err := s.store.FlushAll(); err != nil {
				logs.Warnf("service.Service.flushLoop err=%v", err)
			}
		}
	}
}

func (s *Service) shutdown() {
	if err := s.bcast.Stop(); err != nil {
		logs.Warnf("service.Service.shutdown broadcaster err=%v", err)
	}
	s.pipe.Reset()
	if err := s.store.FlushAll(); err != nil {
		logs.Errf("service.Service.shutdown flush err=%v", err)
	}
	if err := s.sender.Close(); err != nil {
		logs.Warnf("service.Service.shutdown telemetry close err=%v", err)
	}
	s.setState(StateIdle, nil)
	logs.Infof("service.Service.shutdown done")
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
