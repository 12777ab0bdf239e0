package myo

import (
	"context"
	"fmt"
	"strings"

	logs "github.com/Fohen-Wade/ls2k0300-myo/internal/logging"
)

// SleepMode values for the set-sleep-mode command.
type SleepMode byte

const (
	SleepNormal SleepMode = 0
	SleepNever  SleepMode = 1
)

func (m SleepMode) String() string {
	switch m {
	case SleepNormal:
		return "normal"
	case SleepNever:
		return "never"
	default:
		return fmt.Sprintf("sleep(%d)", byte(m))
	}
}

func ParseSleepMode(raw string) (SleepMode, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "normal", "0":
		return SleepNormal, nil
	case "never", "1":
		return SleepNever, nil
	default:
		return SleepNormal, fmt.Errorf("%w: %q", ErrInvalidSleep, raw)
	}
}

const (
	cmdVibrate   byte = 0x03
	cmdDeepSleep byte = 0x04
	cmdSetLEDs   byte = 0x06
	cmdSleepMode byte = 0x09
)

func sleepCommand(mode SleepMode) []byte {
	return []byte{cmdSleepMode, 0x01, byte(mode)}
}

// Vibrate pulses the motor for a short (1), medium (2) or long (3) time.
// Other lengths and calls while disconnected are ignored.
func (s *Session) Vibrate(ctx context.Context, length int) error {
	if length < 1 || length > 3 {
		logs.Debugf("myo.Session.Vibrate ignore length=%d", length)
		return nil
	}
	return s.command(ctx, "vibrate", []byte{cmdVibrate, 0x01, byte(length)})
}

// SetLEDs sets the logo and bar LED colors as RGB triples.
func (s *Session) SetLEDs(ctx context.Context, logo, line [3]byte) error {
	payload := []byte{cmdSetLEDs, 0x06}
	payload = append(payload, logo[:]...)
	payload = append(payload, line[:]...)
	return s.command(ctx, "set_leds", payload)
}

func (s *Session) SleepMode(ctx context.Context, mode SleepMode) error {
	return s.command(ctx, "sleep_mode", sleepCommand(mode))
}

// PowerOff puts the armband into deep sleep. It wakes again on USB power.
func (s *Session) PowerOff(ctx context.Context) error {
	return s.command(ctx, "power_off", []byte{cmdDeepSleep, 0x00})
}

func (s *Session) command(ctx context.Context, name string, payload []byte) error {
	s.mu.RLock()
	conn := s.conn
	s.mu.RUnlock()
	if conn == nil {
		logs.Debugf("myo.Session.command skip name=%s reason=not_connected", name)
		return nil
	}
	if err := s.write(ctx, *conn, AttrCommand, payload); err != nil {
		return fmt.Errorf("myo: %s: %w", name, err)
	}
	return nil
}
