package broker

import "sync/atomic"

// SharedMemoryRegion models one producer<->broker shared memory buffer,
// per §5's "Shared resources": single-writer (producer), single-reader
// (broker), synchronized through monotonic write indices rather than a
// lock. The commit protocol itself (how a writer publishes a range as
// readable) is deliberately left open-ended; this type exposes only
// the write-index invariant.
type SharedMemoryRegion struct {
	Producer ProducerID
	Size     int

	// writeIndex is advanced only by the producer (conceptually a
	// different process; here a placeholder for same-process tests and
	// simulated producers) and observed by the broker to know how much
	// of the region is safe to read.
	writeIndex atomic.Uint64
}

// NewSharedMemoryRegion constructs a region of the given size for
// producer.
func NewSharedMemoryRegion(producer ProducerID, size int) *SharedMemoryRegion {
	return &SharedMemoryRegion{Producer: producer, Size: size}
}

// WriteIndex returns the last index the producer committed as safe to
// read.
func (r *SharedMemoryRegion) WriteIndex() uint64 {
	return r.writeIndex.Load()
}

// Commit advances the write index to idx. idx must be monotonically
// non-decreasing across calls; callers on the producer side are
// expected to enforce this themselves, since the region has no
// writer-side lock to check it for them.
func (r *SharedMemoryRegion) Commit(idx uint64) {
	r.writeIndex.Store(idx)
}
