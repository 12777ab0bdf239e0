package pipeline

import (
	"sync"
	"time"
)

// Slot is a last-write-wins cell with a single writer and any number of
// readers.
type Slot[T any] struct {
	mu      sync.RWMutex
	v       T
	updated time.Time
	writes  uint64
}

func NewSlot[T any](initial T) *Slot[T] {
	return &Slot[T]{v: initial}
}

func (s *Slot[T]) Set(v T, at time.Time) {
	s.mu.Lock()
	s.v = v
	s.updated = at
	s.writes++
	s.mu.Unlock()
}

func (s *Slot[T]) Get() T {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.v
}

// Load returns the value with its write time and write count.
func (s *Slot[T]) Load() (T, time.Time, uint64) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.v, s.updated, s.writes
}
