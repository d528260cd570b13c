package wire

import (
	"encoding/binary"
)

// Video fragment subtypes, per spec.md §4.4.
const (
	FragFirst      uint32 = 1
	FragContinue   uint32 = 2
	firstFragHdr          = 4 + 4 + 8 + 8 // subtype + packetCounter + presentationTime + frameIndex
	contFragHdr           = 4 + 4         // subtype + packetCounter
	trailerLen            = 4
)

// Payload is the max video payload carried per fragment, per spec.md §4.4.
const Payload = 1000

// endOfFrameTrailer is appended to the final fragment of every frame so the
// client can detect the frame boundary.
var endOfFrameTrailer = [trailerLen]byte{0x00, 0x00, 0x00, 0x02}

// Packetizer fragments video byte buffers into outbound datagrams and stamps
// a process-lifetime-monotonic packet counter on each one. Grounded on
// fpv-sender/sender/sender.go's Packetizer, adapted to this spec's header
// layout and trailer.
type Packetizer struct {
	counter uint32 // next packetCounter to stamp; advanced by Fragment once per fragment
}

// NewPacketizer returns a Packetizer starting its packet counter at zero.
func NewPacketizer() *Packetizer {
	return &Packetizer{}
}

// Counter returns the next packetCounter value that will be stamped.
func (p *Packetizer) Counter() uint32 { return p.counter }

// SetCounter seeds the packet counter (used when resuming state in tests).
func (p *Packetizer) SetCounter(c uint32) { p.counter = c }

// Fragment is one outbound video datagram, ready to send as-is.
type Fragment struct {
	Bytes []byte
}

// Fragment splits frame into PAYLOAD-sized fragments and returns them in
// send order. A zero-length frame still produces exactly one fragment
// (first-fragment header plus the end-of-frame trailer, no payload), per
// spec.md §4.4.
func (p *Packetizer) Fragment(frame []byte, presentationTimeUs, frameIndex uint64) []Fragment {
	n := len(frame)
	count := (n + Payload - 1) / Payload
	if count == 0 {
		count = 1
	}

	frags := make([]Fragment, 0, count)
	for i := 0; i < count; i++ {
		start := i * Payload
		end := start + Payload
		if end > n {
			end = n
		}
		chunk := frame[start:end]
		last := i == count-1

		var hdr int
		if i == 0 {
			hdr = firstFragHdr
		} else {
			hdr = contFragHdr
		}
		total := hdr + len(chunk)
		if last {
			total += trailerLen
		}

		out := make([]byte, total)
		pos := 0
		if i == 0 {
			binary.LittleEndian.PutUint32(out[pos:], FragFirst)
			pos += 4
			binary.LittleEndian.PutUint32(out[pos:], p.counter)
			pos += 4
			binary.LittleEndian.PutUint64(out[pos:], presentationTimeUs)
			pos += 8
			binary.LittleEndian.PutUint64(out[pos:], frameIndex)
			pos += 8
		} else {
			binary.LittleEndian.PutUint32(out[pos:], FragContinue)
			pos += 4
			binary.LittleEndian.PutUint32(out[pos:], p.counter)
			pos += 4
		}
		p.counter++

		pos += copy(out[pos:], chunk)
		if last {
			copy(out[pos:], endOfFrameTrailer[:])
			pos += trailerLen
		}

		frags = append(frags, Fragment{Bytes: out[:pos]})
	}
	return frags
}
