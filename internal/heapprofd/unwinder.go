package heapprofd

import (
	"github.com/rs/zerolog"

	"github.com/tracedaemon/traced/internal/fifo"
)

// unwindWorker drains one pid shard's inbound queue and forwards
// resolved work to the single bookkeeping queue, per §4.5's
// "unwind_main_loop(inbound_queue, bookkeeping_queue)." Adapts a
// frame-pointer-chain walkStack shape to walk frames the client
// already copied into the record instead of dereferencing another
// process's live memory (see records.go's RawFrame doc comment for
// why).
type unwindWorker struct {
	shard      int
	inbound    *fifo.BoundedQueue[UnwindingRecord]
	bookkeeper *fifo.BoundedQueue[BookkeepingRecord]
	log        zerolog.Logger
}

func newUnwindWorker(shard int, inbound *fifo.BoundedQueue[UnwindingRecord], bookkeeper *fifo.BoundedQueue[BookkeepingRecord], log zerolog.Logger) *unwindWorker {
	return &unwindWorker{
		shard:      shard,
		inbound:    inbound,
		bookkeeper: bookkeeper,
		log:        log.With().Int("shard", shard).Str("component", "heapprofd.unwinder").Logger(),
	}
}

// run dequeues records until inbound is closed and drained, per §4.5's
// shutdown sequence ("drains queues by sending a terminal sentinel,
// joins unwinders"). It never returns an error: malformed individual
// records are logged and skipped, since one bad record must not bring
// down a whole shard.
func (w *unwindWorker) run() {
	for {
		rec, ok := w.inbound.Pop()
		if !ok {
			return
		}
		out, ok := w.processRecovered(rec)
		if !ok {
			continue
		}
		if !w.bookkeeper.Push(out) {
			// bookkeeping queue closed; shutting down.
			return
		}
	}
}

// processRecovered isolates one record's processing from the worker
// loop: a panic while resolving a malformed record is logged and the
// record is dropped, rather than taking the whole shard down. A
// bookkeeping panic, by contrast, is left fatal (see bookkeeper.run).
func (w *unwindWorker) processRecovered(rec UnwindingRecord) (out BookkeepingRecord, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			w.log.Error().Interface("panic", r).Msg("unwind worker: recovered panic processing record")
			ok = false
		}
	}()
	out = w.process(rec)
	return out, true
}

func (w *unwindWorker) process(rec UnwindingRecord) BookkeepingRecord {
	switch {
	case rec.Alloc != nil:
		return BookkeepingRecord{ResolvedAlloc: w.resolve(rec.Alloc)}
	case rec.Free != nil:
		return BookkeepingRecord{Free: rec.Free}
	default:
		w.log.Warn().Msg("unwind worker: empty UnwindingRecord")
		return BookkeepingRecord{}
	}
}

// resolve walks alloc's frame-pointer chain into a flat PC sequence.
// The chain is already fully materialized in alloc.Frames (the client
// copied it in before sending), so this is a straight walk rather than
// a pointer-chasing read through another process's memory: stop when
// the chain runs out, is truncated at maxStackFrames, or hits a zero
// frame pointer (the base of the stack).
func (w *unwindWorker) resolve(alloc *AllocRecord) *ResolvedAlloc {
	pcs := make([]uintptr, 0, len(alloc.Frames))
	for i, f := range alloc.Frames {
		if i >= maxStackFrames {
			break
		}
		if f.PC == 0 {
			break
		}
		pcs = append(pcs, f.PC)
		if f.FP == 0 {
			break
		}
	}
	return &ResolvedAlloc{
		Pid:       alloc.Pid,
		Address:   alloc.Address,
		Size:      alloc.Size,
		SeqNumber: alloc.SeqNumber,
		PCs:       pcs,
	}
}
