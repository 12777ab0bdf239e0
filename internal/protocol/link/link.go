// Package link runs the command/response exchange with the BLE dongle and
// dispatches asynchronous event packets to registered handlers.
//
// There is no protocol timeout. A wait ends on a matching packet, a transport
// error, or cancellation of the caller's context; the transport read is bounded
// so cancellation is observed promptly.
package link

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/Fohen-Wade/ls2k0300-myo/internal/bus"
	logs "github.com/Fohen-Wade/ls2k0300-myo/internal/logging"
	"github.com/Fohen-Wade/ls2k0300-myo/internal/observability"
	"github.com/Fohen-Wade/ls2k0300-myo/internal/protocol/frame"
)

var (
	ErrNilTransport = errors.New("link: nil transport")
	ErrClosed       = errors.New("link: transport closed")
)

// Transport is the dongle byte stream. Read may return (0, nil) when its
// bounded read timeout elapses without data.
type Transport interface {
	io.Reader
	io.Writer
}

// Backlogger is implemented by transports that can report and discard
// received-but-unread bytes.
type Backlogger interface {
	Backlog() int
	Discard() error
}

// Matcher narrows an event wait beyond class/command.
type Matcher func(frame.Packet) bool

type eventSpec struct {
	class   byte
	command byte
	match   Matcher
}

type waiter struct {
	class   byte
	command byte
	match   Matcher
	ch      chan frame.Packet
}

// Link owns the framer and serializes synchronous commands.
type Link struct {
	cfg Config
	tr  Transport

	cmdMu sync.Mutex

	readMu    sync.Mutex
	framer    *frame.Framer
	buf       []byte
	ready     []frame.Packet
	discarded uint64

	waitMu   sync.Mutex
	response chan frame.Packet
	waiters  []*waiter

	events *bus.Bus[frame.Packet]
}

func New(tr Transport, cfg Config) (*Link, error) {
	if tr == nil {
		return nil, ErrNilTransport
	}
	cfg = cfg.WithDefaults()
	return &Link{
		cfg:    cfg,
		tr:     tr,
		framer: frame.NewFramer(),
		buf:    make([]byte, cfg.ReadBufferSize),
		events: bus.New[frame.Packet]("link.events"),
	}, nil
}

// AddHandler registers h for every dispatched event packet. Handlers run on the
// reading goroutine and must not issue commands on the same link.
func (l *Link) AddHandler(h bus.Handler[frame.Packet]) bus.HandlerID {
	return l.events.Subscribe(h)
}

func (l *Link) RemoveHandler(id bus.HandlerID) bool {
	return l.events.Unsubscribe(id)
}

// SendCommand writes one command and returns the next response-kind packet.
// Events read while waiting are dispatched.
func (l *Link) SendCommand(ctx context.Context, class, command byte, payload []byte) (frame.Packet, error) {
	resp, _, err := l.exchange(ctx, class, command, payload, nil)
	return resp, err
}

// WaitEvent reads until an event with class/command arrives and returns it
// without dispatching it. Other events are dispatched; responses are dropped.
func (l *Link) WaitEvent(ctx context.Context, class, command byte) (frame.Packet, error) {
	w := l.addWaiter(class, command, nil)
	defer l.removeWaiter(w)
	return l.await(ctx, w.ch)
}

// ReadPacket is one ingestion step: it returns the next framed packet after it
// has been routed. Event packets have already been dispatched when returned.
func (l *Link) ReadPacket(ctx context.Context) (frame.Packet, error) {
	for {
		l.readMu.Lock()
		if len(l.ready) > 0 {
			p := l.ready[0]
			l.ready = l.ready[1:]
			l.readMu.Unlock()
			return p, nil
		}
		pkts, err := l.stepLocked(ctx)
		l.ready = append(l.ready, pkts...)
		l.readMu.Unlock()
		if err != nil {
			return frame.Packet{}, err
		}
	}
}

// exchange sends a command and, when want is set, also waits for the event that
// completes the procedure. The event waiter is registered before the write so
// a fast reply cannot be dispatched away.
func (l *Link) exchange(ctx context.Context, class, command byte, payload []byte, want *eventSpec) (resp, event frame.Packet, err error) {
	msg, err := frame.EncodeCommand(class, command, payload)
	if err != nil {
		return frame.Packet{}, frame.Packet{}, err
	}

	l.cmdMu.Lock()
	defer l.cmdMu.Unlock()

	respCh := make(chan frame.Packet, 1)
	l.waitMu.Lock()
	l.response = respCh
	l.waitMu.Unlock()
	defer func() {
		l.waitMu.Lock()
		if l.response == respCh {
			l.response = nil
		}
		l.waitMu.Unlock()
	}()

	var ev *waiter
	if want != nil {
		ev = l.addWaiter(want.class, want.command, want.match)
		defer l.removeWaiter(ev)
	}

	logs.Debugf("link.Link.exchange send class=%d command=%d len=%d", class, command, len(payload))
	if _, err := l.tr.Write(msg); err != nil {
		return frame.Packet{}, frame.Packet{}, fmt.Errorf("link: write class=%d command=%d: %w", class, command, err)
	}
	resp, err = l.await(ctx, respCh)
	if err != nil || ev == nil {
		return resp, frame.Packet{}, err
	}
	event, err = l.await(ctx, ev.ch)
	return resp, event, err
}

func (l *Link) await(ctx context.Context, ch <-chan frame.Packet) (frame.Packet, error) {
	for {
		select {
		case p := <-ch:
			return p, nil
		default:
		}
		if err := ctx.Err(); err != nil {
			return frame.Packet{}, err
		}
		l.readMu.Lock()
		_, err := l.stepLocked(ctx)
		l.readMu.Unlock()
		if err != nil {
			select {
			case p := <-ch:
				return p, nil
			default:
			}
			return frame.Packet{}, err
		}
	}
}

// stepLocked performs one bounded transport read and routes every packet it
// completes. Caller holds readMu.
func (l *Link) stepLocked(ctx context.Context) ([]frame.Packet, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	n, err := l.tr.Read(l.buf)
	var out []frame.Packet
	if n > 0 {
		out = l.framer.Write(l.buf[:n])
		if d := l.framer.Discarded(); d > l.discarded {
			observability.RecordResync(int(d - l.discarded))
			logs.Debugf("link.Link.step resync discarded=%d", d-l.discarded)
			l.discarded = d
		}
		for _, p := range out {
			l.route(p)
		}
	}
	if err != nil {
		if errors.Is(err, io.EOF) {
			return out, ErrClosed
		}
		return out, fmt.Errorf("link: read: %w", err)
	}
	return out, nil
}

func (l *Link) route(p frame.Packet) {
	observability.RecordPacket(p.IsEvent())
	if !p.IsEvent() {
		l.waitMu.Lock()
		ch := l.response
		l.response = nil
		l.waitMu.Unlock()
		if ch == nil {
			logs.Debugf("link.Link.route drop unsolicited response %s", p)
			return
		}
		ch <- p
		return
	}

	if w := l.takeWaiter(p); w != nil {
		w.ch <- p
		return
	}
	l.events.Publish(p)
	l.checkBacklog()
}

func (l *Link) checkBacklog() {
	bl, ok := l.tr.(Backlogger)
	if !ok {
		return
	}
	n := bl.Backlog()
	if n < l.cfg.BacklogHighWater {
		return
	}
	if err := bl.Discard(); err != nil {
		logs.Warnf("link.Link.checkBacklog discard failed backlog=%d err=%v", n, err)
		return
	}
	l.framer.Reset()
	observability.RecordBacklogDrop()
	logs.Warnf("link.Link.checkBacklog dropped backlog=%d high_water=%d", n, l.cfg.BacklogHighWater)
}

func (l *Link) addWaiter(class, command byte, match Matcher) *waiter {
	w := &waiter{class: class, command: command, match: match, ch: make(chan frame.Packet, 1)}
	l.waitMu.Lock()
	l.waiters = append(l.waiters, w)
	l.waitMu.Unlock()
	return w
}

func (l *Link) removeWaiter(w *waiter) {
	l.waitMu.Lock()
	defer l.waitMu.Unlock()
	for i, cur := range l.waiters {
		if cur == w {
			l.waiters = append(l.waiters[:i:i], l.waiters[i+1:]...)
			return
		}
	}
}

// takeWaiter removes and returns the oldest waiter matching p.
func (l *Link) takeWaiter(p frame.Packet) *waiter {
	l.waitMu.Lock()
	defer l.waitMu.Unlock()
	for i, w := range l.waiters {
		if !p.Is(w.class, w.command) {
			continue
		}
		if w.match != nil && !w.match(p) {
			continue
		}
		l.waiters = append(l.waiters[:i:i], l.waiters[i+1:]...)
		return w
	}
	return nil
}
