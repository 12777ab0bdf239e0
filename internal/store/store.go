// Package store buffers labeled EMG samples per gesture class and appends them
// to flat binary files, one per class.
//
// Each file is a sequence of 16-byte records: eight little-endian uint16
// channels, no header. A class's count is the rows on disk plus the rows still
// buffered.
package store

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	logs "github.com/Fohen-Wade/ls2k0300-myo/internal/logging"
	"github.com/Fohen-Wade/ls2k0300-myo/internal/observability"
)

const (
	Classes    = 10
	Channels   = 8
	RecordSize = Channels * 2
)

var (
	ErrInvalidClass = errors.New("store: class out of range")
	ErrNoDir        = errors.New("store: data dir is required")
)

// Sample is one 8-channel record.
type Sample = [Channels]uint16

// Matrix is the training set rebuilt by Load: Samples[i] carries Labels[i].
type Matrix struct {
	Samples []Sample
	Labels  []int
}

func (m Matrix) Len() int { return len(m.Samples) }

type Config struct {
	Dir           string
	BufferSize    int
	FlushInterval time.Duration
}

func DefaultConfig() Config {
	return Config{
		Dir:           "data",
		BufferSize:    20,
		FlushInterval: time.Second,
	}
}

type class struct {
	mu    sync.Mutex
	buf   []Sample
	count int
}

// Store owns the per-class buffers and the training matrix.
type Store struct {
	cfg Config
	now func() time.Time

	classes [Classes]*class

	flushMu   sync.Mutex
	lastFlush time.Time

	matrixMu sync.RWMutex
	matrix   Matrix
}

// Open creates missing class files under cfg.Dir and loads them.
func Open(cfg Config) (*Store, error) {
	d := DefaultConfig()
	if cfg.Dir == "" {
		return nil, ErrNoDir
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = d.BufferSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = d.FlushInterval
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("store: create dir %s: %w", cfg.Dir, err)
	}
	s := &Store{cfg: cfg, now: time.Now}
	for i := range s.classes {
		s.classes[i] = &class{}
		f, err := os.OpenFile(s.Path(i), os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, fmt.Errorf("store: create %s: %w", s.Path(i), err)
		}
		_ = f.Close()
	}
	s.lastFlush = s.now()
	if err := s.Load(); err != nil {
		return nil, err
	}
	return s, nil
}

// SetClock replaces the time source used by the flush interval.
func (s *Store) SetClock(now func() time.Time) {
	if now == nil {
		return
	}
	s.flushMu.Lock()
	s.now = now
	s.lastFlush = now()
	s.flushMu.Unlock()
}

// Path returns the sample file for class k.
func (s *Store) Path(k int) string {
	return filepath.Join(s.cfg.Dir, fmt.Sprintf("vals%d.dat", k))
}

func (s *Store) Dir() string { return s.cfg.Dir }

// Store buffers one sample for class k and flushes that class when its buffer
// is full or the flush interval has passed since the last flush. A failed
// flush keeps the buffer and returns the error; the sample is still counted.
func (s *Store) Store(k int, ch Sample) error {
	c, err := s.class(k)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.buf = append(c.buf, ch)
	c.count++
	observability.RecordStored(k)

	now := s.clock()
	if len(c.buf) < s.cfg.BufferSize && !s.flushDue(now) {
		return nil
	}
	err = s.flushLocked(k, c)
	if err == nil {
		s.markFlushed(now)
	}
	return err
}

// Flush writes class k's buffer. An empty buffer is a no-op.
func (s *Store) Flush(k int) error {
	c, err := s.class(k)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return s.flushLocked(k, c)
}

// FlushAll flushes every class and joins the failures.
func (s *Store) FlushAll() error {
	var errs []error
	for k := range s.classes {
		if err := s.Flush(k); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) == 0 {
		s.markFlushed(s.clock())
	}
	return errors.Join(errs...)
}

func (s *Store) flushLocked(k int, c *class) error {
	if len(c.buf) == 0 {
		return nil
	}
	data := make([]byte, 0, len(c.buf)*RecordSize)
	for _, row := range c.buf {
		for _, v := range row {
			data = binary.LittleEndian.AppendUint16(data, v)
		}
	}
	if err := appendRecords(s.Path(k), data); err != nil {
		observability.RecordFlush(k, false)
		logs.Warnf("store.Store.flush failed class=%d buffered=%d err=%v", k, len(c.buf), err)
		return fmt.Errorf("store: flush class %d: %w", k, err)
	}
	observability.RecordFlush(k, true)
	logs.Debugf("store.Store.flush class=%d rows=%d", k, len(c.buf))
	c.buf = c.buf[:0]
	return nil
}

// appendRecords appends data and rolls the file back to its previous size if
// the write fails part way, so the file stays a whole number of records.
func appendRecords(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return err
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Truncate(info.Size())
		_ = f.Close()
		return err
	}
	return f.Close()
}

// Load rereads every class file, drops trailing partial records, resets the
// counts and rebuilds the training matrix. Buffered rows stay buffered.
func (s *Store) Load() error {
	var m Matrix
	for k, c := range s.classes {
		c.mu.Lock()
		rows, err := readRecords(s.Path(k))
		if err == nil {
			c.count = len(rows) + len(c.buf)
		}
		c.mu.Unlock()
		if err != nil {
			return fmt.Errorf("store: load class %d: %w", k, err)
		}
		m.Samples = append(m.Samples, rows...)
		for range rows {
			m.Labels = append(m.Labels, k)
		}
	}
	s.matrixMu.Lock()
	s.matrix = m
	s.matrixMu.Unlock()
	logs.Infof("store.Store.Load dir=%s rows=%d", s.cfg.Dir, m.Len())
	return nil
}

func readRecords(path string) ([]Sample, error) {
	raw, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if tail := len(raw) % RecordSize; tail != 0 {
		logs.Warnf("store.readRecords truncated partial record path=%s bytes=%d", path, tail)
		raw = raw[:len(raw)-tail]
	}
	rows := make([]Sample, len(raw)/RecordSize)
	for i := range rows {
		rec := raw[i*RecordSize:]
		for j := 0; j < Channels; j++ {
			rows[i][j] = binary.LittleEndian.Uint16(rec[2*j:])
		}
	}
	return rows, nil
}

// Wipe empties every class file and buffer, then reloads.
func (s *Store) Wipe() error {
	for k, c := range s.classes {
		c.mu.Lock()
		err := os.WriteFile(s.Path(k), nil, 0o644)
		if err == nil {
			c.buf = c.buf[:0]
			c.count = 0
		}
		c.mu.Unlock()
		if err != nil {
			return fmt.Errorf("store: wipe class %d: %w", k, err)
		}
	}
	logs.Infof("store.Store.Wipe dir=%s", s.cfg.Dir)
	return s.Load()
}

// Count returns rows on disk plus buffered rows for class k.
func (s *Store) Count(k int) int {
	c, err := s.class(k)
	if err != nil {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.count
}

func (s *Store) Counts() [Classes]int {
	var out [Classes]int
	for k := range out {
		out[k] = s.Count(k)
	}
	return out
}

// Matrix returns the training set from the last Load. Flushes do not update it.
func (s *Store) Matrix() Matrix {
	s.matrixMu.RLock()
	defer s.matrixMu.RUnlock()
	return s.matrix
}

func (s *Store) class(k int) (*class, error) {
	if k < 0 || k >= Classes {
		return nil, fmt.Errorf("%w: %d", ErrInvalidClass, k)
	}
	return s.classes[k], nil
}

func (s *Store) clock() time.Time {
	s.flushMu.Lock()
	defer s.flushMu.Unlock()
	return s.now()
}

func (s *Store) flushDue(now time.Time) bool {
	s.flushMu.Lock()
	defer s.flushMu.Unlock()
	return now.Sub(s.lastFlush) >= s.cfg.FlushInterval
}

func (s *Store) markFlushed(now time.Time) {
	s.flushMu.Lock()
	s.lastFlush = now
	s.flushMu.Unlock()
}
