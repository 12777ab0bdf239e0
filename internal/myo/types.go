package myo

import (
	"fmt"
	"strings"
	"time"
)

// Mode selects which EMG stream the armband sends after connect.
type Mode int

const (
	ModeNoData Mode = iota
	ModePreprocessed
	ModeFiltered
	ModeRaw
)

func (m Mode) String() string {
	switch m {
	case ModeNoData:
		return "none"
	case ModePreprocessed:
		return "preprocessed"
	case ModeFiltered:
		return "filtered"
	case ModeRaw:
		return "raw"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// ParseMode accepts the names printed by Mode.String and the numeric codes.
// An empty name selects ModePreprocessed.
func ParseMode(raw string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "none", "nodata", "no_data", "0":
		return ModeNoData, nil
	case "preprocessed", "1", "":
		return ModePreprocessed, nil
	case "filtered", "2":
		return ModeFiltered, nil
	case "raw", "3":
		return ModeRaw, nil
	default:
		return ModeNoData, fmt.Errorf("%w: %q", ErrInvalidMode, raw)
	}
}

type Arm byte

const (
	ArmUnknown Arm = 0
	ArmRight   Arm = 1
	ArmLeft    Arm = 2
)

type XDirection byte

const (
	XUnknown     XDirection = 0
	XTowardWrist XDirection = 1
	XTowardElbow XDirection = 2
)

type Pose byte

const (
	PoseRest          Pose = 0
	PoseFist          Pose = 1
	PoseWaveIn        Pose = 2
	PoseWaveOut       Pose = 3
	PoseFingersSpread Pose = 4
	PoseThumbToPinky  Pose = 5
	PoseUnknown       Pose = 255
)

func (p Pose) String() string {
	switch p {
	case PoseRest:
		return "rest"
	case PoseFist:
		return "fist"
	case PoseWaveIn:
		return "wave_in"
	case PoseWaveOut:
		return "wave_out"
	case PoseFingersSpread:
		return "fingers_spread"
	case PoseThumbToPinky:
		return "thumb_to_pinky"
	case PoseUnknown:
		return "unknown"
	default:
		return fmt.Sprintf("pose(%d)", byte(p))
	}
}

// EMGSample is one 8-channel reading. Legacy firmware reports unsigned values
// plus a moving bitmask; modern firmware reports signed 8-bit values.
type EMGSample struct {
	Channels [8]int
	Moving   byte
	At       time.Time
}

// Unsigned returns the channels clamped into the uint16 range used for
// classification and storage.
func (s EMGSample) Unsigned() [8]uint16 {
	var out [8]uint16
	for i, v := range s.Channels {
		switch {
		case v < 0:
			out[i] = 0
		case v > 0xFFFF:
			out[i] = 0xFFFF
		default:
			out[i] = uint16(v)
		}
	}
	return out
}

type IMUSample struct {
	Quat [4]int16
	Acc  [3]int16
	Gyro [3]int16
	At   time.Time
}

// ArmEvent reports sync state; Arm is ArmUnknown after removal.
type ArmEvent struct {
	Arm  Arm
	XDir XDirection
	At   time.Time
}

type PoseEvent struct {
	Pose Pose
	At   time.Time
}

type BatteryEvent struct {
	Level int
	At    time.Time
}

// Address is a 6-byte BLE device address in dongle byte order.
type Address [6]byte

func (a Address) String() string {
	parts := make([]string, len(a))
	for i := range a {
		parts[i] = fmt.Sprintf("%02X", a[len(a)-1-i])
	}
	return strings.Join(parts, ":")
}

// ParseAddress accepts "AA:BB:CC:DD:EE:FF" in display order.
func ParseAddress(raw string) (Address, error) {
	var a Address
	parts := strings.Split(strings.TrimSpace(raw), ":")
	if len(parts) != len(a) {
		return a, fmt.Errorf("%w: %q", ErrInvalidAddress, raw)
	}
	for i, p := range parts {
		var b byte
		if _, err := fmt.Sscanf(p, "%02X", &b); err != nil || len(p) != 2 {
			return a, fmt.Errorf("%w: %q", ErrInvalidAddress, raw)
		}
		a[len(a)-1-i] = b
	}
	return a, nil
}
