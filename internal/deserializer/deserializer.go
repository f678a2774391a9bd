// Package deserializer implements traced's buffered frame deserializer:
// it turns a stream of bytes read off a socket into a sequence of whole,
// contiguous protocol frames, per §4.1.
package deserializer

import (
	"encoding/binary"
	"fmt"

	"github.com/tracedaemon/traced/internal/fifo"
	"github.com/tracedaemon/traced/internal/framing"
)

// ErrOversizeFrame is the sole fatal error this package produces: a
// declared frame size exceeding maxCapacity. The caller must close the
// connection on seeing it.
var ErrOversizeFrame = fmt.Errorf("deserializer: frame exceeds max capacity")

// minRecv is the minimum writable region BeginReceive guarantees, per
// §4.1.
const minRecv = 1024

// Deserializer buffers bytes read from a stream and extracts whole,
// contiguous frame payloads. It is not safe for concurrent use; like the
// rest of the IPC stack it is meant to be driven from a single event-loop
// goroutine (§5).
type Deserializer struct {
	maxCapacity int

	buf       []byte
	readPos   int // end of valid, written bytes in buf
	parsedPos int // bytes at [0, parsedPos) have been scanned into decoded frames

	decoded fifo.Queue[framing.Frame]
}

// New constructs a Deserializer with the given cap on a single frame's
// payload size. A maxCapacity of 0 selects framing.DefaultMaxFrameSize.
func New(maxCapacity int) *Deserializer {
	if maxCapacity <= 0 {
		maxCapacity = framing.DefaultMaxFrameSize
	}
	return &Deserializer{
		maxCapacity: maxCapacity,
		decoded:     fifo.MakeQueue[framing.Frame](),
	}
}

// BeginReceive returns a writable region of at least minRecv bytes at the
// tail of the internal buffer, and its capacity. The caller performs one
// transport read into the returned slice and then calls EndReceive with
// the number of bytes actually read.
func (d *Deserializer) BeginReceive() ([]byte, int) {
	need := d.readPos + minRecv
	if need > len(d.buf) {
		// Grow geometrically so that a steady stream of small frames does
		// not reallocate on every read once the buffer has reached its
		// working size, per the "no reallocation after the first
		// buffer creation" design goal.
		newCap := len(d.buf) * 2
		if newCap < need {
			newCap = need
		}
		if newCap > d.maxCapacity+minRecv {
			newCap = d.maxCapacity + minRecv
		}
		grown := make([]byte, newCap)
		copy(grown, d.buf[:d.readPos])
		d.buf = grown
	}
	return d.buf[d.readPos:], len(d.buf) - d.readPos
}

// EndReceive records that n bytes were written into the region returned by
// the preceding BeginReceive, and scans the buffer for newly complete
// frames. It returns ErrOversizeFrame if a frame header declares a
// payload larger than maxCapacity; no other error is fatal.
func (d *Deserializer) EndReceive(n int) error {
	d.readPos += n

	for {
		unparsed := d.readPos - d.parsedPos
		if unparsed < framing.HeaderSize {
			break
		}
		size := binary.LittleEndian.Uint32(d.buf[d.parsedPos : d.parsedPos+framing.HeaderSize])
		if int(size) > d.maxCapacity {
			return ErrOversizeFrame
		}
		if unparsed < framing.HeaderSize+int(size) {
			break
		}
		payloadStart := d.parsedPos + framing.HeaderSize
		payloadEnd := payloadStart + int(size)
		payload := d.buf[payloadStart:payloadEnd]

		if f, err := framing.Decode(payload); err == nil {
			d.decoded.PushBack(*f)
		} else {
			// A malformed payload fails only this one frame: the size
			// prefix already delimited it, so the stream position is not
			// corrupted. We simply drop it and keep scanning.
			d.decoded.PushBack(framing.Frame{Kind: framing.KindUnknown})
		}
		d.parsedPos = payloadEnd
	}

	d.compact()
	return nil
}

// compact slides unparsed bytes to the front of the buffer once the
// parsed prefix has slid past the midpoint, bounding the buffer's growth
// to the largest single frame rather than to the total bytes ever
// received.
func (d *Deserializer) compact() {
	if d.parsedPos == 0 || d.parsedPos < len(d.buf)/2 {
		return
	}
	remaining := d.readPos - d.parsedPos
	copy(d.buf, d.buf[d.parsedPos:d.readPos])
	d.readPos = remaining
	d.parsedPos = 0
}

// PopNextFrame removes and returns the next fully-received frame, if any.
// Frames that failed to decode are surfaced with Kind == KindUnknown
// rather than being silently skipped, so callers can log them.
func (d *Deserializer) PopNextFrame() (framing.Frame, bool) {
	if d.decoded.Len() == 0 {
		return framing.Frame{}, false
	}
	f := *d.decoded.PeekFront()
	d.decoded.PopFront()
	return f, true
}

// Reset discards any buffered bytes and fully-decoded-but-undelivered
// frames, for reuse on a fresh connection after the old one tore down.
// discarded, if non-nil, is invoked with each dropped frame so a caller
// can log what it's throwing away.
func (d *Deserializer) Reset(discarded func(framing.Frame)) {
	if discarded == nil {
		discarded = func(framing.Frame) {}
	}
	d.decoded.Drain(discarded)
	d.buf = d.buf[:0]
	d.readPos = 0
	d.parsedPos = 0
}
