// Package dongletest provides a scripted in-memory dongle transport.
package dongletest

import (
	"encoding/binary"
	"io"
	"sync"
	"time"

	"github.com/Fohen-Wade/ls2k0300-myo/internal/protocol/frame"
)

// Reply builds the packets the dongle emits in answer to cmd.
type Reply func(cmd frame.Packet) []frame.Packet

type key struct{ class, command byte }

// Dongle answers written commands with scripted packets. Commands without a
// script get an empty success response.
type Dongle struct {
	mu       sync.Mutex
	rx       []byte
	writes   []frame.Packet
	replies  map[key]Reply
	chunk    int
	closed   bool
	discards int
}

func New() *Dongle {
	return &Dongle{replies: make(map[key]Reply)}
}

// Handle scripts the reply for class/command.
func (d *Dongle) Handle(class, command byte, r Reply) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.replies[key{class, command}] = r
}

// SetChunk limits each Read to n bytes; zero means unlimited.
func (d *Dongle) SetChunk(n int) {
	d.mu.Lock()
	d.chunk = n
	d.mu.Unlock()
}

// Push queues packets for reading.
func (d *Dongle) Push(pkts ...frame.Packet) {
	for _, p := range pkts {
		b, err := frame.Encode(p)
		if err != nil {
			panic(err)
		}
		d.PushRaw(b)
	}
}

// PushRaw queues raw bytes for reading.
func (d *Dongle) PushRaw(b []byte) {
	d.mu.Lock()
	d.rx = append(d.rx, b...)
	d.mu.Unlock()
}

func (d *Dongle) Read(p []byte) (int, error) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return 0, io.EOF
	}
	if len(d.rx) == 0 {
		d.mu.Unlock()
		time.Sleep(time.Millisecond)
		return 0, nil
	}
	n := len(p)
	if d.chunk > 0 && n > d.chunk {
		n = d.chunk
	}
	n = copy(p[:n], d.rx)
	d.rx = d.rx[n:]
	d.mu.Unlock()
	return n, nil
}

func (d *Dongle) Write(b []byte) (int, error) {
	p, err := frame.Decode(b)
	if err != nil {
		return 0, err
	}
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return 0, io.ErrClosedPipe
	}
	d.writes = append(d.writes, p)
	r := d.replies[key{p.Class, p.Command}]
	d.mu.Unlock()

	if r == nil {
		d.Push(Response(p.Class, p.Command, []byte{0, 0}))
		return len(b), nil
	}
	d.Push(r(p)...)
	return len(b), nil
}

// Backlog reports unread bytes.
func (d *Dongle) Backlog() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.rx)
}

// Discard drops unread bytes.
func (d *Dongle) Discard() error {
	d.mu.Lock()
	d.rx = nil
	d.discards++
	d.mu.Unlock()
	return nil
}

func (d *Dongle) Discards() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.discards
}

// Writes returns every command written so far.
func (d *Dongle) Writes() []frame.Packet {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]frame.Packet, len(d.writes))
	copy(out, d.writes)
	return out
}

func (d *Dongle) Close() error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	return nil
}

func Response(class, command byte, payload []byte) frame.Packet {
	return frame.Packet{Kind: frame.KindBLEResponse, Class: class, Command: command, Payload: payload}
}

func Event(class, command byte, payload []byte) frame.Packet {
	return frame.Packet{Kind: frame.KindBLEEvent, Class: class, Command: command, Payload: payload}
}

// AttrEvent builds an attribute value event (4/5) carrying value for attr.
func AttrEvent(conn byte, attr uint16, value []byte) frame.Packet {
	payload := make([]byte, 0, 5+len(value))
	payload = append(payload, conn)
	payload = binary.LittleEndian.AppendUint16(payload, attr)
	payload = append(payload, 1, byte(len(value)))
	payload = append(payload, value...)
	return Event(4, 5, payload)
}

// ProcCompleted builds the attribute procedure-completed event (4/1).
func ProcCompleted(conn byte, attr uint16) frame.Packet {
	payload := []byte{conn, 0, 0}
	payload = binary.LittleEndian.AppendUint16(payload, attr)
	return Event(4, 1, payload)
}

// Armband attribute handles answered by ScriptArmband.
const (
	armbandName     uint16 = 0x03
	armbandFirmware uint16 = 0x17
)

// ScriptArmband answers the connect handshake like an armband on handle with
// the given firmware version: connect plus status event, attribute reads for
// firmware and name, and acknowledged attribute writes.
func ScriptArmband(d *Dongle, handle byte, firmware [4]uint16) {
	d.Handle(6, 3, func(frame.Packet) []frame.Packet {
		return []frame.Packet{
			Response(6, 3, []byte{0, 0, handle}),
			Event(3, 0, []byte{handle, 5}),
		}
	})
	d.Handle(4, 4, func(cmd frame.Packet) []frame.Packet {
		conn := cmd.Payload[0]
		attr := binary.LittleEndian.Uint16(cmd.Payload[1:3])
		var val []byte
		switch attr {
		case armbandFirmware:
			for _, v := range firmware {
				val = binary.LittleEndian.AppendUint16(val, v)
			}
		case armbandName:
			val = []byte("Myo\x00")
		}
		return []frame.Packet{
			Response(4, 4, []byte{conn, 0, 0}),
			AttrEvent(conn, attr, val),
		}
	})
	d.Handle(4, 5, func(cmd frame.Packet) []frame.Packet {
		conn := cmd.Payload[0]
		attr := binary.LittleEndian.Uint16(cmd.Payload[1:3])
		return []frame.Packet{
			Response(4, 5, []byte{conn, 0, 0}),
			ProcCompleted(conn, attr),
		}
	})
}
