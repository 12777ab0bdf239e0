// Package telemetry rebroadcasts the current gesture label as a one-byte UDP
// datagram at a fixed rate.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	logs "github.com/Fohen-Wade/ls2k0300-myo/internal/logging"
	"github.com/Fohen-Wade/ls2k0300-myo/internal/observability"
)

var (
	ErrRunning     = errors.New("telemetry: broadcaster already running")
	ErrNoSource    = errors.New("telemetry: label source is required")
	ErrNoSender    = errors.New("telemetry: sender is required")
	ErrStopTimeout = errors.New("telemetry: broadcaster did not stop in time")
)

// Sender delivers one datagram.
type Sender interface {
	Send(b []byte) error
}

// UDPSender sends datagrams to one fixed peer.
type UDPSender struct {
	conn *net.UDPConn
}

func DialUDP(addr string) (*UDPSender, error) {
	raddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("telemetry: resolve %s: %w", addr, err)
	}
	conn, err := net.DialUDP("udp", nil, raddr)
	if err != nil {
		return nil, fmt.Errorf("telemetry: dial %s: %w", addr, err)
	}
	return &UDPSender{conn: conn}, nil
}

func (s *UDPSender) Send(b []byte) error {
	_, err := s.conn.Write(b)
	return err
}

func (s *UDPSender) Close() error {
	return s.conn.Close()
}

type Config struct {
	Addr        string
	Hz          float64
	StopTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		Addr:        "127.0.0.1:8888",
		Hz:          10,
		StopTimeout: 500 * time.Millisecond,
	}
}

// Clamp maps a label onto the single datagram byte.
func Clamp(label int) byte {
	switch {
	case label < 0:
		return 0
	case label > 255:
		return 255
	default:
		return byte(label)
	}
}

// Broadcaster reads the latest label once per tick and sends it.
type Broadcaster struct {
	cfg      Config
	interval time.Duration
	source   func() int
	sender   Sender
	now      func() time.Time
	sleep    func(context.Context, time.Duration) error

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}

	sent   atomic.Uint64
	failed atomic.Uint64
}

func New(cfg Config, source func() int, sender Sender) (*Broadcaster, error) {
	if source == nil {
		return nil, ErrNoSource
	}
	if sender == nil {
		return nil, ErrNoSender
	}
	d := DefaultConfig()
	if cfg.Hz <= 0 {
		cfg.Hz = d.Hz
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = d.StopTimeout
	}
	return &Broadcaster{
		cfg:      cfg,
		interval: time.Duration(float64(time.Second) / cfg.Hz),
		source:   source,
		sender:   sender,
		now:      time.Now,
		sleep:    sleepCtx,
	}, nil
}

// SetClock replaces the time source and the sleep used between ticks.
func (b *Broadcaster) SetClock(now func() time.Time, sleep func(context.Context, time.Duration) error) {
	if now != nil {
		b.now = now
	}
	if sleep != nil {
		b.sleep = sleep
	}
}

func (b *Broadcaster) Interval() time.Duration { return b.interval }
func (b *Broadcaster) Sent() uint64            { return b.sent.Load() }
func (b *Broadcaster) Failed() uint64          { return b.failed.Load() }

func (b *Broadcaster) Running() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.done != nil
}

// Start launches the send loop. It runs until Stop or until ctx is done.
func (b *Broadcaster) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.done != nil {
		return ErrRunning
	}
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	b.cancel = cancel
	b.done = done
	go b.run(runCtx, done)
	logs.Infof("telemetry.Broadcaster.Start hz=%.1f interval=%s", b.cfg.Hz, b.interval)
	return nil
}

// Stop cancels the loop and waits up to the stop timeout for it to exit.
// Stopping an idle broadcaster is a no-op.
func (b *Broadcaster) Stop() error {
	b.mu.Lock()
	cancel, done := b.cancel, b.done
	b.cancel, b.done = nil, nil
	b.mu.Unlock()
	if done == nil {
		return nil
	}
	cancel()
	select {
	case <-done:
		logs.Infof("telemetry.Broadcaster.Stop sent=%d failed=%d", b.Sent(), b.Failed())
		return nil
	case <-time.After(b.cfg.StopTimeout):
		logs.Warnf("telemetry.Broadcaster.Stop timeout=%s", b.cfg.StopTimeout)
		return ErrStopTimeout
	}
}

func (b *Broadcaster) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	for ctx.Err() == nil {
		start := b.now()
		payload := []byte{Clamp(b.source())}
		err := b.sender.Send(payload)
		if err != nil {
			b.failed.Add(1)
			logs.Debugf("telemetry.Broadcaster.run send failed err=%v", err)
		} else {
			b.sent.Add(1)
		}
		elapsed := b.now().Sub(start)
		observability.RecordTelemetrySend(err == nil, elapsed)

		wait := b.interval - elapsed
		if wait < 0 {
			wait = 0
		}
		if err := b.sleep(ctx, wait); err != nil {
			return
		}
	}
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
