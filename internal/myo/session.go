// Package myo drives an EMG armband through the dongle link: connection
// handshake, stream configuration, and decoding of attribute notifications into
// typed events.
package myo

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Fohen-Wade/ls2k0300-myo/internal/bus"
	logs "github.com/Fohen-Wade/ls2k0300-myo/internal/logging"
	"github.com/Fohen-Wade/ls2k0300-myo/internal/observability"
	"github.com/Fohen-Wade/ls2k0300-myo/internal/protocol/frame"
	"github.com/Fohen-Wade/ls2k0300-myo/internal/protocol/link"
)

var (
	ErrShape          = errors.New("myo: notification shape mismatch")
	ErrUnknownAttr    = errors.New("myo: unknown notification attribute")
	ErrInvalidMode    = errors.New("myo: invalid emg mode")
	ErrInvalidSleep   = errors.New("myo: invalid sleep mode")
	ErrInvalidAddress = errors.New("myo: invalid device address")
	ErrNotConnected   = errors.New("myo: not connected")
	ErrBadResponse    = errors.New("myo: malformed dongle response")
	ErrNoPort         = errors.New("myo: dongle port not found")
)

// Configuration attributes written during the handshake.
const (
	AttrName     uint16 = 0x03
	AttrBattCCCD uint16 = 0x12
	AttrFirmware uint16 = 0x17
	AttrCommand  uint16 = 0x19
	AttrIMUCCCD  uint16 = 0x1d
	AttrArmCCCD  uint16 = 0x24
	AttrEMGCCCD  uint16 = 0x28
)

// emgCCCDs enable notifications on the four modern EMG characteristics.
var emgCCCDs = []uint16{0x2c, 0x2f, 0x32, 0x35}

// scanSuffix ends every advertisement payload from the armband.
var scanSuffix = []byte{0x06, 0x42, 0x48, 0x12, 0x4A, 0x7F, 0x2C, 0x48, 0x47, 0xB9, 0xDE, 0x04, 0xA9, 0x01, 0x00, 0x06, 0xD5}

var (
	notifyOn    = []byte{0x01, 0x00}
	indicateOn  = []byte{0x02, 0x00}
	batteryOn   = []byte{0x01, 0x10}
	legacyStart = []byte{0x01, 0x02, 0x00, 0x00}
)

// Legacy stream parameters: sensor rate cap, smoothing, EMG and IMU rates.
const (
	legacyRateCap = 1000
	legacySmooth  = 100
	legacyEMGHz   = 50
	legacyIMUHz   = 50
)

// Info is a snapshot of the connection state.
type Info struct {
	ID        string
	Connected bool
	Handle    byte
	Legacy    bool
	Firmware  [4]uint16
	Name      string
	Mode      Mode
	Since     time.Time
}

// Session owns one armband connection on a link.
type Session struct {
	link *link.Link
	mode Mode
	now  func() time.Time

	mu       sync.RWMutex
	conn     *byte
	legacy   bool
	firmware [4]uint16
	name     string
	id       string
	since    time.Time
	decoder  bus.HandlerID

	emg     *bus.Bus[EMGSample]
	imu     *bus.Bus[IMUSample]
	arm     *bus.Bus[ArmEvent]
	pose    *bus.Bus[PoseEvent]
	battery *bus.Bus[BatteryEvent]
}

func New(l *link.Link, mode Mode) *Session {
	return &Session{
		link:    l,
		mode:    mode,
		now:     time.Now,
		emg:     bus.New[EMGSample]("myo.emg"),
		imu:     bus.New[IMUSample]("myo.imu"),
		arm:     bus.New[ArmEvent]("myo.arm"),
		pose:    bus.New[PoseEvent]("myo.pose"),
		battery: bus.New[BatteryEvent]("myo.battery"),
	}
}

// SetClock replaces the timestamp source for decoded events.
func (s *Session) SetClock(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

func (s *Session) OnEMG(h bus.Handler[EMGSample]) bus.HandlerID        { return s.emg.Subscribe(h) }
func (s *Session) OnIMU(h bus.Handler[IMUSample]) bus.HandlerID        { return s.imu.Subscribe(h) }
func (s *Session) OnArm(h bus.Handler[ArmEvent]) bus.HandlerID         { return s.arm.Subscribe(h) }
func (s *Session) OnPose(h bus.Handler[PoseEvent]) bus.HandlerID       { return s.pose.Subscribe(h) }
func (s *Session) OnBattery(h bus.Handler[BatteryEvent]) bus.HandlerID { return s.battery.Subscribe(h) }


func (s *Session) Link() *link.Link { return s.link }

func (s *Session) Connected() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.conn != nil
}

func (s *Session) Info() Info {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.infoLocked()
}

// Connect clears stale dongle connections, optionally scans for an armband,
// connects, and configures the streams for the session mode. A nil addr scans.
func (s *Session) Connect(ctx context.Context, addr *Address) error {
	s.detach()

	l := s.link
	if _, err := l.EndScan(ctx); err != nil {
		return fmt.Errorf("myo: end scan: %w", err)
	}
	for h := byte(0); h < 3; h++ {
		if _, err := l.Disconnect(ctx, h); err != nil {
			return fmt.Errorf("myo: clear connection %d: %w", h, err)
		}
	}

	if addr == nil {
		found, err := s.scan(ctx)
		if err != nil {
			return err
		}
		addr = &found
	}

	resp, err := l.Connect(ctx, *addr)
	if err != nil {
		return fmt.Errorf("myo: connect %s: %w", addr, err)
	}
	if len(resp.Payload) == 0 {
		return fmt.Errorf("%w: empty connect response", ErrBadResponse)
	}
	handle := resp.Payload[len(resp.Payload)-1]

	s.mu.Lock()
	s.conn = &handle
	s.id = uuid.NewString()
	s.since = s.now()
	s.mu.Unlock()

	if err := s.handshake(ctx, handle); err != nil {
		s.clear()
		return err
	}

	id := l.AddHandler(s.handleData)
	s.mu.Lock()
	s.decoder = id
	info := s.infoLocked()
	s.mu.Unlock()

	logs.Infof("myo.Session.Connect session=%s addr=%s handle=%d legacy=%t firmware=%d.%d.%d.%d mode=%s",
		info.ID, addr, handle, info.Legacy,
		info.Firmware[0], info.Firmware[1], info.Firmware[2], info.Firmware[3], info.Mode)
	return nil
}

func (s *Session) scan(ctx context.Context) (Address, error) {
	found := make(chan Address, 1)
	id := s.link.AddHandler(func(p frame.Packet) error {
		if !p.Is(link.ClassGAP, link.EvtScanResult) || len(p.Payload) < 8 || !bytes.HasSuffix(p.Payload, scanSuffix) {
			return nil
		}
		var a Address
		copy(a[:], p.Payload[2:8])
		select {
		case found <- a:
		default:
		}
		return nil
	})
	defer s.link.RemoveHandler(id)

	logs.Infof("myo.Session.scan start")
	if _, err := s.link.Discover(ctx); err != nil {
		return Address{}, fmt.Errorf("myo: discover: %w", err)
	}
	for {
		select {
		case a := <-found:
			if _, err := s.link.EndScan(ctx); err != nil {
				return Address{}, fmt.Errorf("myo: end scan: %w", err)
			}
			logs.Infof("myo.Session.scan found addr=%s", a)
			return a, nil
		default:
		}
		p, err := s.link.ReadPacket(ctx)
		if err != nil {
			return Address{}, fmt.Errorf("myo: scan: %w", err)
		}
		logs.Debugf("myo.Session.scan packet=%s", p)
	}
}

func (s *Session) handshake(ctx context.Context, handle byte) error {
	fw, err := s.link.ReadAttr(ctx, handle, AttrFirmware)
	if err != nil {
		return fmt.Errorf("myo: read firmware: %w", err)
	}
	_, _, val, _ := link.AttrValue(fw)
	if len(val) < 8 {
		return fmt.Errorf("%w: firmware value len=%d", ErrBadResponse, len(val))
	}
	var version [4]uint16
	for i := range version {
		version[i] = binary.LittleEndian.Uint16(val[2*i:])
	}
	legacy := version[0] == 0

	s.mu.Lock()
	s.firmware = version
	s.legacy = legacy
	s.mu.Unlock()

	if legacy {
		return s.configureLegacy(ctx, handle)
	}
	return s.configureModern(ctx, handle)
}

func (s *Session) configureLegacy(ctx context.Context, handle byte) error {
	steps := []struct {
		attr uint16
		val  []byte
	}{
		{AttrCommand, legacyStart},
		{0x2f, notifyOn},
		{0x2c, notifyOn},
		{0x32, notifyOn},
		{0x35, notifyOn},
		{AttrEMGCCCD, notifyOn},
		{AttrIMUCCCD, notifyOn},
		{AttrCommand, legacyRatePacket()},
	}
	for _, st := range steps {
		if err := s.write(ctx, handle, st.attr, st.val); err != nil {
			return err
		}
	}
	return nil
}

// legacyRatePacket is the sensor parameter block legacy firmware needs before
// it streams anything.
func legacyRatePacket() []byte {
	b := []byte{2, 9, 2, 1}
	b = binary.LittleEndian.AppendUint16(b, legacyRateCap)
	return append(b, legacySmooth, legacyRateCap/legacyEMGHz, legacyIMUHz, 0, 0)
}

func (s *Session) configureModern(ctx context.Context, handle byte) error {
	name, err := s.link.ReadAttr(ctx, handle, AttrName)
	if err != nil {
		return fmt.Errorf("myo: read name: %w", err)
	}
	_, _, val, _ := link.AttrValue(name)
	s.mu.Lock()
	s.name = string(bytes.TrimRight(val, "\x00"))
	s.mu.Unlock()

	if err := s.write(ctx, handle, AttrIMUCCCD, notifyOn); err != nil {
		return err
	}
	if err := s.write(ctx, handle, AttrArmCCCD, indicateOn); err != nil {
		return err
	}

	switch s.mode {
	case ModePreprocessed:
		if err := s.write(ctx, handle, AttrEMGCCCD, notifyOn); err != nil {
			return err
		}
		if err := s.write(ctx, handle, AttrCommand, setMode(0x01, 0x01, 0x00)); err != nil {
			return err
		}
	case ModeFiltered, ModeRaw:
		for _, attr := range emgCCCDs {
			if err := s.write(ctx, handle, attr, notifyOn); err != nil {
				return err
			}
		}
		cmd := setMode(0x02, 0x01, 0x01)
		if s.mode == ModeRaw {
			cmd = setMode(0x03, 0x01, 0x00)
		}
		if err := s.write(ctx, handle, AttrCommand, cmd); err != nil {
			return err
		}
	default:
		logs.Infof("myo.Session.configureModern no emg stream mode=%s", s.mode)
	}

	if err := s.write(ctx, handle, AttrCommand, sleepCommand(SleepNever)); err != nil {
		return err
	}
	return s.write(ctx, handle, AttrBattCCCD, batteryOn)
}

// setMode builds the set-mode command: emg, imu, classifier.
func setMode(emg, imu, classifier byte) []byte {
	return []byte{0x01, 0x03, emg, imu, classifier}
}

func (s *Session) write(ctx context.Context, handle byte, attr uint16, val []byte) error {
	if _, err := s.link.WriteAttr(ctx, handle, attr, val); err != nil {
		return fmt.Errorf("myo: write attr=%#02x: %w", attr, err)
	}
	return nil
}

// Disconnect drops the current connection. Calling it while disconnected is a
// no-op.
func (s *Session) Disconnect(ctx context.Context) error {
	s.mu.RLock()
	conn := s.conn
	id := s.id
	s.mu.RUnlock()
	if conn == nil {
		return nil
	}
	s.detach()
	if _, err := s.link.Disconnect(ctx, *conn); err != nil {
		return fmt.Errorf("myo: disconnect handle=%d: %w", *conn, err)
	}
	logs.Infof("myo.Session.Disconnect session=%s handle=%d", id, *conn)
	return nil
}

// detach removes the decoder and forgets the handle without talking to the
// dongle.
func (s *Session) detach() {
	s.mu.Lock()
	id := s.decoder
	s.decoder = 0
	s.mu.Unlock()
	if id != 0 {
		s.link.RemoveHandler(id)
	}
	s.clear()
}

func (s *Session) clear() {
	s.mu.Lock()
	s.conn = nil
	s.mu.Unlock()
}

func (s *Session) infoLocked() Info {
	info := Info{ID: s.id, Legacy: s.legacy, Firmware: s.firmware, Name: s.name, Mode: s.mode, Since: s.since}
	if s.conn != nil {
		info.Connected = true
		info.Handle = *s.conn
	}
	return info
}

// handleData is the link handler that decodes and fans out notifications.
func (s *Session) handleData(p frame.Packet) error {
	if !p.Is(link.ClassAttrClient, link.EvtAttrValue) {
		return nil
	}
	n, err := Decode(p, s.now())
	if err != nil {
		reason := "shape"
		if errors.Is(err, ErrUnknownAttr) {
			reason = "unknown_attr"
		}
		observability.RecordDecodeDrop(reason)
		logs.Debugf("myo.Session.handleData drop reason=%s err=%v packet=%s", reason, err, p)
		return nil
	}
	if n.Kind == KindNone {
		return nil
	}
	observability.RecordDecoded(n.Kind.String())

	switch n.Kind {
	case KindEMG:
		for _, sample := range n.EMG {
			s.emg.Publish(sample)
		}
	case KindIMU:
		s.imu.Publish(n.IMU)
	case KindArm:
		s.arm.Publish(n.Arm)
	case KindPose:
		s.pose.Publish(n.Pose)
	case KindBattery:
		s.battery.Publish(n.Battery)
	}
	return nil
}
