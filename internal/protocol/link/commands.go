package link

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/Fohen-Wade/ls2k0300-myo/internal/protocol/frame"
)

// Dongle command classes.
const (
	ClassSystem     byte = 0
	ClassConnection byte = 3
	ClassAttrClient byte = 4
	ClassGAP        byte = 6
)

// Command and event ids within their class.
const (
	CmdGetConnections byte = 6

	CmdDisconnect   byte = 0
	EvtConnStatus   byte = 0
	EvtDisconnected byte = 4

	CmdReadByHandle  byte = 4
	CmdAttrWrite     byte = 5
	EvtProcCompleted byte = 1
	EvtAttrValue     byte = 5

	CmdDiscover   byte = 2
	CmdConnect    byte = 3
	CmdEndProc    byte = 4
	EvtScanResult byte = 0
)

// Connection parameters requested on Connect.
const (
	ConnIntervalMin uint16 = 6
	ConnIntervalMax uint16 = 6
	ConnTimeout     uint16 = 64
	ConnLatency     uint16 = 0
)

// EndScan stops any running GAP procedure.
func (l *Link) EndScan(ctx context.Context) (frame.Packet, error) {
	return l.SendCommand(ctx, ClassGAP, CmdEndProc, nil)
}

// Discover starts a generic discovery scan. Scan results arrive as GAP events.
func (l *Link) Discover(ctx context.Context) (frame.Packet, error) {
	return l.SendCommand(ctx, ClassGAP, CmdDiscover, []byte{0x01})
}

// Connect requests a direct connection to addr and waits for the connection
// status event. The returned response payload ends with the connection handle.
func (l *Link) Connect(ctx context.Context, addr [6]byte) (frame.Packet, error) {
	payload := make([]byte, 0, 15)
	payload = append(payload, addr[:]...)
	payload = append(payload, 0)
	payload = binary.LittleEndian.AppendUint16(payload, ConnIntervalMin)
	payload = binary.LittleEndian.AppendUint16(payload, ConnIntervalMax)
	payload = binary.LittleEndian.AppendUint16(payload, ConnTimeout)
	payload = binary.LittleEndian.AppendUint16(payload, ConnLatency)
	resp, _, err := l.exchange(ctx, ClassGAP, CmdConnect, payload, &eventSpec{
		class:   ClassConnection,
		command: EvtConnStatus,
	})
	return resp, err
}

func (l *Link) GetConnections(ctx context.Context) (frame.Packet, error) {
	return l.SendCommand(ctx, ClassSystem, CmdGetConnections, nil)
}

func (l *Link) Disconnect(ctx context.Context, handle byte) (frame.Packet, error) {
	return l.SendCommand(ctx, ClassConnection, CmdDisconnect, []byte{handle})
}

// ReadAttr reads attribute attr on connection conn and returns the attribute
// value event for that handle.
func (l *Link) ReadAttr(ctx context.Context, conn byte, attr uint16) (frame.Packet, error) {
	payload := binary.LittleEndian.AppendUint16([]byte{conn}, attr)
	_, ev, err := l.exchange(ctx, ClassAttrClient, CmdReadByHandle, payload, &eventSpec{
		class:   ClassAttrClient,
		command: EvtAttrValue,
		match:   attrMatcher(conn, attr),
	})
	return ev, err
}

// WriteAttr writes val to attribute attr and waits for the procedure-completed
// event on conn.
func (l *Link) WriteAttr(ctx context.Context, conn byte, attr uint16, val []byte) (frame.Packet, error) {
	if len(val) > frame.MaxCommandPayload-4 {
		return frame.Packet{}, fmt.Errorf("%w: attribute value len=%d", frame.ErrPayloadTooLarge, len(val))
	}
	payload := make([]byte, 0, 4+len(val))
	payload = append(payload, conn)
	payload = binary.LittleEndian.AppendUint16(payload, attr)
	payload = append(payload, byte(len(val)))
	payload = append(payload, val...)
	_, ev, err := l.exchange(ctx, ClassAttrClient, CmdAttrWrite, payload, &eventSpec{
		class:   ClassAttrClient,
		command: EvtProcCompleted,
		match:   connMatcher(conn),
	})
	return ev, err
}

// AttrValue splits an attribute value event payload into its handle and value.
func AttrValue(p frame.Packet) (conn byte, attr uint16, value []byte, ok bool) {
	if len(p.Payload) < 5 {
		return 0, 0, nil, false
	}
	return p.Payload[0], binary.LittleEndian.Uint16(p.Payload[1:3]), p.Payload[5:], true
}

func attrMatcher(conn byte, attr uint16) Matcher {
	return func(p frame.Packet) bool {
		c, a, _, ok := AttrValue(p)
		return ok && c == conn && a == attr
	}
}

func connMatcher(conn byte) Matcher {
	return func(p frame.Packet) bool {
		return len(p.Payload) > 0 && p.Payload[0] == conn
	}
}
