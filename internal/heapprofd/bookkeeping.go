package heapprofd

import (
	"encoding/binary"
	"fmt"
	"os"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/tracedaemon/traced/internal/fifo"
)

// bookkeeper owns the callsite trie and per-callsite totals exclusively
// (§5: "the callsite trie is owned exclusively by the bookkeeping
// thread"). It drains the single shared bookkeeping queue and serves
// dump requests, coalescing concurrent ones into a single pending dump
// via a singleflight.Group, the same way a cachedSnapshotFetcher
// deduplicates concurrent fetches of the same key; here every dump
// request shares one key regardless of path, since §4.5 says "dump is
// idempotent; concurrent dump requests coalesce into one pending
// dump" rather than coalescing per-path.
type bookkeeper struct {
	log   zerolog.Logger
	queue *fifo.BoundedQueue[BookkeepingRecord]

	dumpGroup singleflight.Group

	mu struct {
		sync.Mutex
		liveAddr  map[addrKey]*liveAlloc
		callsites map[callsiteKey]*Callsite
		totals    map[uint64]*CallsiteTotals
		nextID    uint64
		rootIDs   map[uintptr]uint64 // pc of frame 0 -> Callsite id, for building the trie top-down
	}
}

type addrKey struct {
	pid  int32
	addr uintptr
}

type callsiteKey struct {
	parent uint64
	pc     uintptr
}

type liveAlloc struct {
	callsite uint64
	size     uint64
}

func newBookkeeper(queue *fifo.BoundedQueue[BookkeepingRecord], log zerolog.Logger) *bookkeeper {
	b := &bookkeeper{
		log:   log.With().Str("component", "heapprofd.bookkeeper").Logger(),
		queue: queue,
	}
	b.mu.liveAddr = make(map[addrKey]*liveAlloc)
	b.mu.callsites = make(map[callsiteKey]*Callsite)
	b.mu.totals = make(map[uint64]*CallsiteTotals)
	return b
}

// run drains the bookkeeping queue until it is closed and drained, per
// §4.5's shutdown sequence ("joins bookkeeping" last).
func (b *bookkeeper) run() {
	for {
		rec, ok := b.queue.Pop()
		if !ok {
			return
		}
		switch {
		case rec.ResolvedAlloc != nil:
			b.applyAlloc(rec.ResolvedAlloc)
		case rec.Free != nil:
			b.applyFree(rec.Free)
		case rec.Dump != nil:
			b.applyDump(rec.Dump)
		}
	}
}

func (b *bookkeeper) applyAlloc(a *ResolvedAlloc) {
	b.mu.Lock()
	defer b.mu.Unlock()

	csID := b.internCallsiteLocked(a.PCs)
	b.mu.liveAddr[addrKey{a.Pid, a.Address}] = &liveAlloc{callsite: csID, size: a.Size}

	totals := b.totalsForLocked(csID)
	totals.LiveBytes += int64(a.Size)
	totals.LiveCount++
	totals.AllocBytes += a.Size
	totals.AllocCount++
}

func (b *bookkeeper) applyFree(f *FreeRecord) {
	b.mu.Lock()
	defer b.mu.Unlock()

	key := addrKey{f.Pid, f.Address}
	live, ok := b.mu.liveAddr[key]
	if !ok {
		return
	}
	delete(b.mu.liveAddr, key)

	totals := b.totalsForLocked(live.callsite)
	totals.LiveBytes -= int64(live.size)
	totals.LiveCount--
	totals.FreedBytes += live.size
	totals.FreedCount++
}

// internCallsiteLocked deduplicates pcs into the callsite trie,
// returning the id of the leaf (deepest frame) callsite. Must be called
// with mu held.
func (b *bookkeeper) internCallsiteLocked(pcs []uintptr) uint64 {
	var parent uint64
	var cs *Callsite
	for _, pc := range pcs {
		key := callsiteKey{parent: parent, pc: pc}
		existing, ok := b.mu.callsites[key]
		if !ok {
			b.mu.nextID++
			existing = &Callsite{id: b.mu.nextID, pcs: append([]uintptr(nil), pcs...), parent: cs}
			b.mu.callsites[key] = existing
		}
		cs = existing
		parent = cs.id
	}
	if cs == nil {
		// an allocation with no resolved frames still needs a callsite
		// bucket; use id 0 as the "unknown stack" sentinel.
		return 0
	}
	return cs.id
}

func (b *bookkeeper) totalsForLocked(id uint64) *CallsiteTotals {
	t, ok := b.mu.totals[id]
	if !ok {
		t = &CallsiteTotals{}
		b.mu.totals[id] = t
	}
	return t
}

// Totals returns a snapshot of the current per-callsite aggregate.
func (b *bookkeeper) Totals() map[uint64]CallsiteTotals {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[uint64]CallsiteTotals, len(b.mu.totals))
	for id, t := range b.mu.totals {
		out[id] = *t
	}
	return out
}

// dumpCoalesceKey is the single singleflight key every dump shares, per
// the "coalesce regardless of path" note above.
const dumpCoalesceKey = "dump"

// RequestDump is called from outside the bookkeeping goroutine (via
// Pipeline.RequestDump, from cmd/heapprofd's SIGUSR1 handler goroutine)
// to ask for a dump; it pushes a DumpRequest onto the bookkeeping queue.
// It blocks until the dump this call either started or coalesced into
// has completed.
func (b *bookkeeper) RequestDump(path string) error {
	_, err, _ := b.dumpGroup.Do(dumpCoalesceKey, func() (any, error) {
		done := make(chan struct{})
		req := &DumpRequest{Path: path, Done: done}
		if !b.queue.Push(BookkeepingRecord{Dump: req}) {
			return nil, fmt.Errorf("heapprofd: bookkeeping queue closed")
		}
		<-done
		return nil, req.Err
	})
	return err
}

func (b *bookkeeper) applyDump(req *DumpRequest) {
	if req.Done != nil {
		defer close(req.Done)
	}
	req.Err = b.writeDump(req.Path)
}

// writeDump serializes the current aggregate to path as a sequence of
// fixed records: this is intentionally a simple flat encoding (id,
// parent id, pc, live bytes, live count, alloc bytes, alloc count,
// freed bytes, freed count per callsite) rather than the ftrace
// translator's protowire records, since a heap dump has no counterpart
// kernel schema to translate against.
func (b *bookkeeper) writeDump(path string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("heapprofd: create dump file: %w", err)
	}
	defer f.Close()

	var buf [9 * 8]byte
	for key, cs := range b.mu.callsites {
		totals := b.mu.totals[cs.id]
		if totals == nil {
			continue
		}
		var parentID uint64
		if cs.parent != nil {
			parentID = cs.parent.id
		}
		binary.LittleEndian.PutUint64(buf[0:8], cs.id)
		binary.LittleEndian.PutUint64(buf[8:16], parentID)
		binary.LittleEndian.PutUint64(buf[16:24], uint64(key.pc))
		binary.LittleEndian.PutUint64(buf[24:32], uint64(totals.LiveBytes))
		binary.LittleEndian.PutUint64(buf[32:40], uint64(totals.LiveCount))
		binary.LittleEndian.PutUint64(buf[40:48], totals.AllocBytes)
		binary.LittleEndian.PutUint64(buf[48:56], totals.AllocCount)
		binary.LittleEndian.PutUint64(buf[56:64], totals.FreedBytes)
		binary.LittleEndian.PutUint64(buf[64:72], totals.FreedCount)
		if _, err := f.Write(buf[:]); err != nil {
			return fmt.Errorf("heapprofd: write dump record: %w", err)
		}
	}
	return nil
}
