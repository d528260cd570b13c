// Package wire implements the fixed binary message codec exchanged with the
// headset client, and the fragmentation of outbound video frames.
//
// Every message starts with a 4-byte little-endian type discriminant. Field
// layouts below follow spec.md §4.4 exactly.
package wire

import (
	"encoding/binary"
	"errors"
	"math"
)

// Message type discriminants.
const (
	TypeHello           uint32 = 1
	TypeTracking        uint32 = 2
	TypeTimeSync        uint32 = 3
	TypeChangeSettings  uint32 = 4
	TypeConnectionAck   uint32 = 6
	TypeStreamControl   uint32 = 7
)

// StreamControl modes.
const (
	StreamModeStart uint32 = 1
	StreamModeStop  uint32 = 2
)

// Fixed sizes, per spec.md §4.4.
const (
	DeviceNameLen = 32 // includes NUL terminator slot at index 31

	helloMinLen          = 4 + DeviceNameLen
	trackingControllerLen = 128
	trackingLen          = 4 + 8 + 4*4 + trackingControllerLen
	timeSyncLen          = 4 + 4 + 4 + 8 + 8
	changeSettingsLen    = 4 + 4 + 4
	connectionAckLen     = 4
	streamControlLen     = 4 + 4
)

var (
	// ErrTooShort is returned when a buffer is smaller than the message it
	// is decoded as, or smaller than it is encoded into.
	ErrTooShort = errors.New("wire: buffer too short")
	// ErrWrongType is returned when a buffer's discriminant does not match
	// the type being decoded.
	ErrWrongType = errors.New("wire: type mismatch")
)

// Type reads just the 4-byte discriminant from buf.
func Type(buf []byte) (uint32, error) {
	if len(buf) < 4 {
		return 0, ErrTooShort
	}
	return binary.LittleEndian.Uint32(buf), nil
}

// Hello is msg type 1, client to server. Only deviceName is consumed; any
// trailing client-specific fields are ignored per spec.md §4.4.
type Hello struct {
	DeviceName [DeviceNameLen]byte
}

// DecodeHello parses a Hello message. buf must be at least helloMinLen bytes.
func DecodeHello(buf []byte) (Hello, error) {
	var h Hello
	if len(buf) < helloMinLen {
		return h, ErrTooShort
	}
	t, err := Type(buf)
	if err != nil {
		return h, err
	}
	if t != TypeHello {
		return h, ErrWrongType
	}
	copy(h.DeviceName[:], buf[4:4+DeviceNameLen])
	return h, nil
}

// Tracking is msg type 2, client to server.
type Tracking struct {
	FrameIndex uint64
	// HeadOrientation is the head pose quaternion, (x, y, z, w).
	HeadOrientation [4]float32
	// Controller is opaque controller-state bytes, beyond the spec's
	// concern other than its fixed size.
	Controller [trackingControllerLen]byte
}

// DecodeTracking parses a Tracking message.
func DecodeTracking(buf []byte) (Tracking, error) {
	var tr Tracking
	if len(buf) < trackingLen {
		return tr, ErrTooShort
	}
	t, err := Type(buf)
	if err != nil {
		return tr, err
	}
	if t != TypeTracking {
		return tr, ErrWrongType
	}
	off := 4
	tr.FrameIndex = binary.LittleEndian.Uint64(buf[off : off+8])
	off += 8
	for i := 0; i < 4; i++ {
		bits := binary.LittleEndian.Uint32(buf[off : off+4])
		tr.HeadOrientation[i] = math.Float32frombits(bits)
		off += 4
	}
	copy(tr.Controller[:], buf[off:off+trackingControllerLen])
	return tr, nil
}

// TimeSync is msg type 3, exchanged in both directions.
type TimeSync struct {
	Mode       uint32
	Sequence   uint32
	ServerTime uint64
	ClientTime uint64
}

// DecodeTimeSync parses a TimeSync message.
func DecodeTimeSync(buf []byte) (TimeSync, error) {
	var ts TimeSync
	if len(buf) < timeSyncLen {
		return ts, ErrTooShort
	}
	t, err := Type(buf)
	if err != nil {
		return ts, err
	}
	if t != TypeTimeSync {
		return ts, ErrWrongType
	}
	ts.Mode = binary.LittleEndian.Uint32(buf[4:8])
	ts.Sequence = binary.LittleEndian.Uint32(buf[8:12])
	ts.ServerTime = binary.LittleEndian.Uint64(buf[12:20])
	ts.ClientTime = binary.LittleEndian.Uint64(buf[20:28])
	return ts, nil
}

// Encode writes ts as-is as a TimeSync message into buf, which must be
// >= timeSyncLen. Callers set Mode and ServerTime on ts before encoding.
func (ts TimeSync) Encode(buf []byte) (int, error) {
	if len(buf) < timeSyncLen {
		return 0, ErrTooShort
	}
	binary.LittleEndian.PutUint32(buf[0:4], TypeTimeSync)
	binary.LittleEndian.PutUint32(buf[4:8], ts.Mode)
	binary.LittleEndian.PutUint32(buf[8:12], ts.Sequence)
	binary.LittleEndian.PutUint64(buf[12:20], ts.ServerTime)
	binary.LittleEndian.PutUint64(buf[20:28], ts.ClientTime)
	return timeSyncLen, nil
}

// StreamControl is msg type 7, client to server.
type StreamControl struct {
	Mode uint32
}

// DecodeStreamControl parses a StreamControl message.
func DecodeStreamControl(buf []byte) (StreamControl, error) {
	var sc StreamControl
	if len(buf) < streamControlLen {
		return sc, ErrTooShort
	}
	t, err := Type(buf)
	if err != nil {
		return sc, err
	}
	if t != TypeStreamControl {
		return sc, ErrWrongType
	}
	sc.Mode = binary.LittleEndian.Uint32(buf[4:8])
	return sc, nil
}

// ChangeSettings is msg type 4, server to client.
type ChangeSettings struct {
	TestMode int32
	Suspend  int32
}

// Encode writes the ChangeSettings message into buf (>= changeSettingsLen).
func (cs ChangeSettings) Encode(buf []byte) (int, error) {
	if len(buf) < changeSettingsLen {
		return 0, ErrTooShort
	}
	binary.LittleEndian.PutUint32(buf[0:4], TypeChangeSettings)
	binary.LittleEndian.PutUint32(buf[4:8], uint32(cs.TestMode))
	binary.LittleEndian.PutUint32(buf[8:12], uint32(cs.Suspend))
	return changeSettingsLen, nil
}

// EncodeConnectionAck writes the 4-byte ConnectionAck datagram into buf.
func EncodeConnectionAck(buf []byte) (int, error) {
	if len(buf) < connectionAckLen {
		return 0, ErrTooShort
	}
	binary.LittleEndian.PutUint32(buf[0:4], TypeConnectionAck)
	return connectionAckLen, nil
}
