package heapprofd

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"

	"github.com/rs/zerolog"

	"github.com/tracedaemon/traced/internal/fifo"
)

// recordKindAlloc and recordKindFree discriminate the two wire record
// shapes the listener decodes off a client connection.
const (
	recordKindAlloc byte = 1
	recordKindFree  byte = 2
)

// listener accepts allocation/free records over a listening socket and
// routes each one to unwinderQueues[pid % N], per §4.5's "callback
// on_record(r) routes each record to unwinder_queues[pid % N]."
type listener struct {
	log            zerolog.Logger
	unwinderQueues []*fifo.BoundedQueue[UnwindingRecord]
}

func newListener(unwinderQueues []*fifo.BoundedQueue[UnwindingRecord], log zerolog.Logger) *listener {
	return &listener{
		log:            log.With().Str("component", "heapprofd.listener").Logger(),
		unwinderQueues: unwinderQueues,
	}
}

// serve accepts connections on ln until it is closed, handling each one
// on its own goroutine. One client connection may deliver records for
// many pids sharing that channel (a forked client keeps the parent's
// connection in some configurations), so routing is per-record, not
// per-connection.
func (l *listener) serve(ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return err
		}
		go l.handleConn(conn)
	}
}

func (l *listener) handleConn(conn net.Conn) {
	defer conn.Close()
	for {
		rec, err := l.readRecord(conn)
		if err != nil {
			if err != io.EOF {
				l.log.Warn().Err(err).Msg("heapprofd: read record")
			}
			return
		}
		l.onRecord(rec)
	}
}

// onRecord implements the listener's routing callback: shard by pid
// modulo the unwinder pool size. Pushing blocks if the target shard's
// queue is full, which is exactly the backpressure §4.5 calls for: "if
// a shard is saturated, the listener blocks, which propagates pressure
// back to the producing process."
func (l *listener) onRecord(rec UnwindingRecord) {
	var pid int32
	switch {
	case rec.Alloc != nil:
		pid = rec.Alloc.Pid
	case rec.Free != nil:
		pid = rec.Free.Pid
	}
	shard := int(uint32(pid)) % len(l.unwinderQueues)
	l.unwinderQueues[shard].Push(rec)
}

// Wire format (host byte order assumed for the local-machine profiling
// socket, little-endian on the wire):
//
//	byte    kind
//	int32   pid
//	int32   tid            (alloc only)
//	uint64  address
//	uint64  size           (alloc only)
//	uint64  seq_number
//	uint32  frame_count    (alloc only)
//	frame_count * (uint64 pc, uint64 fp)
func (l *listener) readRecord(r io.Reader) (UnwindingRecord, error) {
	var kind [1]byte
	if _, err := io.ReadFull(r, kind[:]); err != nil {
		return UnwindingRecord{}, err
	}

	switch kind[0] {
	case recordKindFree:
		var buf [4 + 8 + 8]byte
		if _, err := io.ReadFull(r, buf[:]); err != nil {
			return UnwindingRecord{}, fmt.Errorf("heapprofd: read free record: %w", err)
		}
		return UnwindingRecord{Free: &FreeRecord{
			Pid:       int32(binary.LittleEndian.Uint32(buf[0:4])),
			Address:   uintptr(binary.LittleEndian.Uint64(buf[4:12])),
			SeqNumber: binary.LittleEndian.Uint64(buf[12:20]),
		}}, nil

	case recordKindAlloc:
		var head [4 + 4 + 8 + 8 + 8 + 4]byte
		if _, err := io.ReadFull(r, head[:]); err != nil {
			return UnwindingRecord{}, fmt.Errorf("heapprofd: read alloc header: %w", err)
		}
		frameCount := binary.LittleEndian.Uint32(head[32:36])
		if frameCount > maxStackFrames {
			return UnwindingRecord{}, fmt.Errorf("heapprofd: alloc record claims %d frames, max %d", frameCount, maxStackFrames)
		}
		frames := make([]RawFrame, frameCount)
		frameBuf := make([]byte, 16)
		for i := range frames {
			if _, err := io.ReadFull(r, frameBuf); err != nil {
				return UnwindingRecord{}, fmt.Errorf("heapprofd: read alloc frame %d: %w", i, err)
			}
			frames[i] = RawFrame{
				PC: uintptr(binary.LittleEndian.Uint64(frameBuf[0:8])),
				FP: uintptr(binary.LittleEndian.Uint64(frameBuf[8:16])),
			}
		}
		return UnwindingRecord{Alloc: &AllocRecord{
			Pid:       int32(binary.LittleEndian.Uint32(head[0:4])),
			Tid:       int32(binary.LittleEndian.Uint32(head[4:8])),
			Address:   uintptr(binary.LittleEndian.Uint64(head[8:16])),
			Size:      binary.LittleEndian.Uint64(head[16:24]),
			SeqNumber: binary.LittleEndian.Uint64(head[24:32]),
			Frames:    frames,
		}}, nil

	default:
		return UnwindingRecord{}, fmt.Errorf("heapprofd: unknown record kind %d", kind[0])
	}
}
