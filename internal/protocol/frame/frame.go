// Package frame reconstructs dongle packets from a raw byte stream.
//
// Wire layout: [kind, lengthField, class, command, payload...] with total length
// 4 + (kind & 0x07) + lengthField. Only the four known kind bytes start a packet;
// anything else seen while waiting for a header is dropped.
package frame

import (
	"errors"
	"fmt"
	"strings"
)

const (
	HeaderLen = 4

	KindBLEResponse  byte = 0x00
	KindBLEEvent     byte = 0x80
	KindWiFiResponse byte = 0x08
	KindWiFiEvent    byte = 0x88

	eventBit   byte = 0x80
	lengthHigh byte = 0x07

	MaxCommandPayload = 0xFF
)

var (
	ErrPayloadTooLarge = errors.New("frame: payload too large")
	ErrShortPacket     = errors.New("frame: short packet")
	ErrInvalidKind     = errors.New("frame: invalid kind byte")
	ErrLengthMismatch  = errors.New("frame: length mismatch")
)

// Packet is one complete wire message.
type Packet struct {
	Kind    byte
	Class   byte
	Command byte
	Payload []byte
}

// IsEvent reports whether the packet is an asynchronous event rather than a command response.
func (p Packet) IsEvent() bool {
	return p.Kind&eventBit != 0
}

// Is reports whether the packet carries the given class/command pair.
func (p Packet) Is(class, command byte) bool {
	return p.Class == class && p.Command == command
}

func (p Packet) String() string {
	hex := make([]string, len(p.Payload))
	for i, b := range p.Payload {
		hex[i] = fmt.Sprintf("%02X", b)
	}
	return fmt.Sprintf("Packet(%02X, %02X, %02X, [%s])", p.Kind, p.Class, p.Command, strings.Join(hex, " "))
}

// ValidKind reports whether b may start a packet.
func ValidKind(b byte) bool {
	switch b {
	case KindBLEResponse, KindBLEEvent, KindWiFiResponse, KindWiFiEvent:
		return true
	default:
		return false
	}
}

// TotalLen returns the full frame length implied by the first two bytes.
func TotalLen(kind, lengthField byte) int {
	return HeaderLen + int(kind&lengthHigh) + int(lengthField)
}

// EncodeCommand builds a BLE command frame.
func EncodeCommand(class, command byte, payload []byte) ([]byte, error) {
	if len(payload) > MaxCommandPayload {
		return nil, ErrPayloadTooLarge
	}
	buf := make([]byte, 0, HeaderLen+len(payload))
	buf = append(buf, KindBLEResponse, byte(len(payload)), class, command)
	return append(buf, payload...), nil
}

// Encode serializes p. The payload length must fit the kind's length field.
func Encode(p Packet) ([]byte, error) {
	if !ValidKind(p.Kind) {
		return nil, ErrInvalidKind
	}
	high := int(p.Kind & lengthHigh)
	if len(p.Payload) < high || len(p.Payload)-high > MaxCommandPayload {
		return nil, ErrPayloadTooLarge
	}
	buf := make([]byte, 0, HeaderLen+len(p.Payload))
	buf = append(buf, p.Kind, byte(len(p.Payload)-high), p.Class, p.Command)
	return append(buf, p.Payload...), nil
}

// Decode parses exactly one complete frame.
func Decode(b []byte) (Packet, error) {
	if len(b) < HeaderLen {
		return Packet{}, ErrShortPacket
	}
	if !ValidKind(b[0]) {
		return Packet{}, ErrInvalidKind
	}
	if TotalLen(b[0], b[1]) != len(b) {
		return Packet{}, fmt.Errorf("%w: header=%d got=%d", ErrLengthMismatch, TotalLen(b[0], b[1]), len(b))
	}
	payload := make([]byte, len(b)-HeaderLen)
	copy(payload, b[HeaderLen:])
	return Packet{Kind: b[0], Class: b[2], Command: b[3], Payload: payload}, nil
}
