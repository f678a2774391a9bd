package broker

// ProducerID identifies one connected producer. The id space is 16 bits
// wide, per §4.6; id 0 is reserved and never assigned.
type ProducerID uint16

// ConsumerID identifies one connected consumer.
type ConsumerID uint32

// producerIDAllocator hands out ProducerIDs from a 16-bit space,
// wrapping and skipping in-use ids on overflow, per §4.6: "increments,
// skips zero, and probes until a free id is found."
type producerIDAllocator struct {
	next ProducerID
}

// newProducerIDAllocator starts the counter at 0; allocate increments
// before probing, so the first id handed out is 1 (0 is reserved).
func newProducerIDAllocator() *producerIDAllocator {
	return &producerIDAllocator{next: 0}
}

// allocate returns the next free ProducerID not present in inUse. It is
// the caller's responsibility to reserve the returned id (e.g. by
// inserting it into the same map) before the allocator is asked again.
func (a *producerIDAllocator) allocate(inUse map[ProducerID]struct{}) ProducerID {
	for {
		a.next++
		if a.next == 0 {
			a.next = 1
		}
		if _, taken := inUse[a.next]; !taken {
			return a.next
		}
	}
}

// setNext overrides the allocator's next candidate id, used by tests to
// exercise the wraparound-skip-in-use scenario deterministically.
func (a *producerIDAllocator) setNext(id ProducerID) {
	a.next = id
}
