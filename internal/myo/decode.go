package myo

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/Fohen-Wade/ls2k0300-myo/internal/protocol/frame"
	"github.com/Fohen-Wade/ls2k0300-myo/internal/protocol/link"
)

// Notification attribute handles.
const (
	AttrBattery    uint16 = 0x11
	AttrIMU        uint16 = 0x1c
	AttrClassifier uint16 = 0x23
	AttrLegacyEMG  uint16 = 0x27
	AttrEMG0       uint16 = 0x2b
	AttrEMG1       uint16 = 0x2e
	AttrEMG2       uint16 = 0x31
	AttrEMG3       uint16 = 0x34
)

const (
	legacyEMGLen  = 17
	modernEMGLen  = 16
	imuLen        = 20
	classifierLen = 6
	batteryLen    = 1
)

// classifier event types carried in the first value byte of 0x23.
const (
	classifierArmSynced   = 1
	classifierArmUnsynced = 2
	classifierPose        = 3
)

// Kind tags which field of a Notification is set.
type Kind int

const (
	KindNone Kind = iota
	KindEMG
	KindIMU
	KindArm
	KindPose
	KindBattery
)

func (k Kind) String() string {
	switch k {
	case KindEMG:
		return "emg"
	case KindIMU:
		return "imu"
	case KindArm:
		return "arm"
	case KindPose:
		return "pose"
	case KindBattery:
		return "battery"
	default:
		return "none"
	}
}

// Notification is one decoded attribute value event. Modern EMG
// characteristics carry two consecutive samples.
type Notification struct {
	Kind    Kind
	Attr    uint16
	EMG     []EMGSample
	IMU     IMUSample
	Arm     ArmEvent
	Pose    PoseEvent
	Battery BatteryEvent
}

// Decode turns an attribute value event into a typed notification. Packets
// that are not attribute value events return KindNone and no error.
func Decode(p frame.Packet, at time.Time) (Notification, error) {
	if !p.Is(link.ClassAttrClient, link.EvtAttrValue) {
		return Notification{}, nil
	}
	_, attr, val, ok := link.AttrValue(p)
	if !ok {
		return Notification{}, fmt.Errorf("%w: header len=%d", ErrShape, len(p.Payload))
	}
	n := Notification{Attr: attr}

	switch attr {
	case AttrLegacyEMG:
		if err := expectLen(attr, val, legacyEMGLen); err != nil {
			return n, err
		}
		var s EMGSample
		for i := range s.Channels {
			s.Channels[i] = int(binary.LittleEndian.Uint16(val[2*i:]))
		}
		s.Moving = val[16]
		s.At = at
		n.Kind = KindEMG
		n.EMG = []EMGSample{s}

	case AttrEMG0, AttrEMG1, AttrEMG2, AttrEMG3:
		if err := expectLen(attr, val, modernEMGLen); err != nil {
			return n, err
		}
		n.Kind = KindEMG
		n.EMG = make([]EMGSample, 2)
		for j := range n.EMG {
			for i := 0; i < 8; i++ {
				n.EMG[j].Channels[i] = int(int8(val[8*j+i]))
			}
			n.EMG[j].At = at
		}

	case AttrIMU:
		if err := expectLen(attr, val, imuLen); err != nil {
			return n, err
		}
		var vals [10]int16
		for i := range vals {
			vals[i] = int16(binary.LittleEndian.Uint16(val[2*i:]))
		}
		n.Kind = KindIMU
		copy(n.IMU.Quat[:], vals[0:4])
		copy(n.IMU.Acc[:], vals[4:7])
		copy(n.IMU.Gyro[:], vals[7:10])
		n.IMU.At = at

	case AttrClassifier:
		if err := expectLen(attr, val, classifierLen); err != nil {
			return n, err
		}
		switch val[0] {
		case classifierArmSynced:
			n.Kind = KindArm
			n.Arm = ArmEvent{Arm: Arm(val[1]), XDir: XDirection(val[2]), At: at}
		case classifierArmUnsynced:
			n.Kind = KindArm
			n.Arm = ArmEvent{Arm: ArmUnknown, XDir: XUnknown, At: at}
		case classifierPose:
			n.Kind = KindPose
			n.Pose = PoseEvent{Pose: Pose(val[1]), At: at}
		}

	case AttrBattery:
		if err := expectLen(attr, val, batteryLen); err != nil {
			return n, err
		}
		n.Kind = KindBattery
		n.Battery = BatteryEvent{Level: int(val[0]), At: at}

	default:
		return n, fmt.Errorf("%w: attr=%#02x", ErrUnknownAttr, attr)
	}
	return n, nil
}

func expectLen(attr uint16, val []byte, want int) error {
	if len(val) != want {
		return fmt.Errorf("%w: attr=%#02x got=%d want=%d", ErrShape, attr, len(val), want)
	}
	return nil
}
