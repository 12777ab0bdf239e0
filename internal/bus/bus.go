// Package bus is an ordered observer list with per-handler failure isolation.
//
// Handlers run synchronously on the publishing goroutine in registration order.
// A handler that returns an error or panics is logged and counted; the remaining
// handlers still run.
package bus

import (
	"fmt"
	"sync"
	"sync/atomic"

	logs "github.com/Fohen-Wade/ls2k0300-myo/internal/logging"
	"github.com/Fohen-Wade/ls2k0300-myo/internal/observability"
)

// HandlerID identifies one registration for removal.
type HandlerID uint64

// Handler consumes one published value.
type Handler[T any] func(T) error

type entry[T any] struct {
	id HandlerID
	h  Handler[T]
}

// Bus fans a value out to every registered handler.
type Bus[T any] struct {
	name     string
	mu       sync.RWMutex
	handlers []entry[T]
	seq      atomic.Uint64
}

func New[T any](name string) *Bus[T] {
	return &Bus[T]{name: name}
}

// Subscribe appends h and returns its registration id.
func (b *Bus[T]) Subscribe(h Handler[T]) HandlerID {
	if h == nil {
		return 0
	}
	id := HandlerID(b.seq.Add(1))
	b.mu.Lock()
	b.handlers = append(b.handlers, entry[T]{id: id, h: h})
	b.mu.Unlock()
	return id
}

// Func adapts fn into a handler that never fails.
func Func[T any](fn func(T)) Handler[T] {
	if fn == nil {
		return nil
	}
	return func(v T) error {
		fn(v)
		return nil
	}
}

// Unsubscribe removes id. Unknown ids are ignored.
func (b *Bus[T]) Unsubscribe(id HandlerID) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, e := range b.handlers {
		if e.id == id {
			b.handlers = append(b.handlers[:i:i], b.handlers[i+1:]...)
			return true
		}
	}
	return false
}

func (b *Bus[T]) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.handlers)
}

// Publish calls every handler with v and returns how many failed.
// Handlers registered or removed during Publish take effect on the next call.
func (b *Bus[T]) Publish(v T) int {
	b.mu.RLock()
	snapshot := b.handlers
	b.mu.RUnlock()

	failed := 0
	for _, e := range snapshot {
		if err := b.call(e, v); err != nil {
			failed++
			observability.RecordHandlerFailure(b.name)
			logs.Warnf("bus.Bus.Publish handler failed bus=%s handler=%d err=%v", b.name, e.id, err)
		}
	}
	return failed
}

func (b *Bus[T]) call(e entry[T], v T) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return e.h(v)
}
