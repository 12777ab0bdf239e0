package link

import (
	"bytes"
	"fmt"
	"sync"
	"time"

	logs "github.com/Fohen-Wade/ls2k0300-myo/internal/logging"
	"go.bug.st/serial"
)

// SerialTransport reads the dongle port on a pump goroutine so the receive
// backlog can be measured and discarded.
type SerialTransport struct {
	port    serial.Port
	timeout time.Duration

	mu     sync.Mutex
	buf    bytes.Buffer
	err    error
	notify chan struct{}
	done   chan struct{}
	once   sync.Once
}

// OpenSerial opens name at cfg.BaudRate and starts the pump.
func OpenSerial(name string, cfg Config) (*SerialTransport, error) {
	cfg = cfg.WithDefaults()
	port, err := serial.Open(name, &serial.Mode{BaudRate: cfg.BaudRate})
	if err != nil {
		return nil, fmt.Errorf("link: open %s: %w", name, err)
	}
	if err := port.SetReadTimeout(cfg.ReadTimeout); err != nil {
		_ = port.Close()
		return nil, fmt.Errorf("link: set read timeout %s: %w", name, err)
	}
	t := &SerialTransport{
		port:    port,
		timeout: cfg.ReadTimeout,
		notify:  make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	go t.pump(cfg.ReadBufferSize)
	logs.Infof("link.OpenSerial port=%s baud=%d read_timeout=%s", name, cfg.BaudRate, cfg.ReadTimeout)
	return t, nil
}

func (t *SerialTransport) pump(size int) {
	chunk := make([]byte, size)
	for {
		n, err := t.port.Read(chunk)
		t.mu.Lock()
		if n > 0 {
			t.buf.Write(chunk[:n])
		}
		if err != nil && t.err == nil {
			t.err = err
		}
		stop := t.err != nil
		t.mu.Unlock()
		if n > 0 || stop {
			select {
			case t.notify <- struct{}{}:
			default:
			}
		}
		if stop {
			return
		}
		select {
		case <-t.done:
			return
		default:
		}
	}
}

// Read waits up to the read timeout for buffered bytes and returns (0, nil)
// when none arrive.
func (t *SerialTransport) Read(p []byte) (int, error) {
	timer := time.NewTimer(t.timeout)
	defer timer.Stop()
	for {
		t.mu.Lock()
		if t.buf.Len() > 0 {
			n, _ := t.buf.Read(p)
			t.mu.Unlock()
			return n, nil
		}
		err := t.err
		t.mu.Unlock()
		if err != nil {
			return 0, err
		}
		select {
		case <-t.notify:
		case <-timer.C:
			return 0, nil
		case <-t.done:
			return 0, ErrClosed
		}
	}
}

func (t *SerialTransport) Write(p []byte) (int, error) {
	return t.port.Write(p)
}

// Backlog returns the number of received bytes not yet read.
func (t *SerialTransport) Backlog() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.buf.Len()
}

// Discard drops every received byte, including the driver's input buffer.
func (t *SerialTransport) Discard() error {
	t.mu.Lock()
	t.buf.Reset()
	t.mu.Unlock()
	return t.port.ResetInputBuffer()
}

func (t *SerialTransport) Close() error {
	var err error
	t.once.Do(func() {
		close(t.done)
		err = t.port.Close()
	})
	return err
}
