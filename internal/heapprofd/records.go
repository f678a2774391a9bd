// Package heapprofd implements the allocation-profiling pipeline from
// §4.5: a socket listener feeds N pid-sharded unwinder workers over
// bounded queues, which in turn feed a single bookkeeping actor that
// owns the callsite trie and serves dumps.
package heapprofd

const maxStackFrames = 64

// RawFrame is one frame-pointer-chain entry as read off the wire: the
// client writes its own (pc, fp) pairs into the allocation record, so
// the daemon unwinds off a snapshot of the client's stack without
// touching the client's memory directly, unlike a cross-process
// stop-the-world memory peek through a signal-suspended remote read;
// heapprofd's client cooperates by copying its own frames into the
// record before sending it, since stopping another process's world is
// not on the table for a profiling hook running inside that same
// process.
type RawFrame struct {
	PC uintptr
	FP uintptr
}

// AllocRecord is one allocation event from a client, as decoded off the
// heapprofd listening socket.
type AllocRecord struct {
	Pid       int32
	Tid       int32
	Address   uintptr
	Size      uint64
	SeqNumber uint64
	Frames    []RawFrame // the client's own frame-pointer chain, base frame first
}

// FreeRecord is one free event from a client.
type FreeRecord struct {
	Pid       int32
	Address   uintptr
	SeqNumber uint64
}

// UnwindingRecord is what the listener enqueues per pid shard: exactly
// one of Alloc or Free is set, per §4.5's "dequeue an UnwindingRecord,
// perform stack unwinding if the record is an allocation, or forward a
// free directly."
type UnwindingRecord struct {
	Alloc *AllocRecord
	Free  *FreeRecord
}

// Callsite is a resolved, deduplicated call stack: one entry per unique
// sequence of PCs seen, built incrementally as the bookkeeping actor's
// callsite trie.
type Callsite struct {
	id     uint64
	pcs    []uintptr
	parent *Callsite
}

// CallsiteKey is the flattened (parent id, pc) form of a Callsite. The
// bookkeeping actor's trie uses its own unexported key of the same
// shape, and aggregate totals are keyed by callsite id, not by
// CallsiteKey.
type CallsiteKey struct {
	ParentID uint64
	PC       uintptr
}

// CallsiteTotals is the bookkeeping actor's running aggregate for one
// callsite: current live bytes/count, and lifetime allocated
// bytes/count.
type CallsiteTotals struct {
	LiveBytes    int64
	LiveCount    int64
	AllocBytes   uint64
	AllocCount   uint64
	FreedBytes   uint64
	FreedCount   uint64
}

// BookkeepingRecord is what unwinder workers enqueue on the single
// bookkeeping queue: either a resolved allocation (with its callsite
// PCs already unwound) or a free, or a dump request injected by the
// SIGUSR1 handler.
type BookkeepingRecord struct {
	ResolvedAlloc *ResolvedAlloc
	Free          *FreeRecord
	Dump          *DumpRequest
}

// ResolvedAlloc is an AllocRecord after its frame-pointer chain has been
// walked into a flat PC sequence by an unwinder worker.
type ResolvedAlloc struct {
	Pid       int32
	Address   uintptr
	Size      uint64
	SeqNumber uint64
	PCs       []uintptr
}

// DumpRequest asks the bookkeeping actor to serialize its current
// aggregate to Path. Done, if non-nil, is closed once the dump
// completes (successfully or not), with Err set accordingly; this is
// how concurrent dump requests are coalesced into one pending dump (see
// bookkeeping.go).
type DumpRequest struct {
	Path string
	Done chan struct{}
	Err  error
}
