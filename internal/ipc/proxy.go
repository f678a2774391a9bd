package ipc

import "sync"

// proxyRef is a weak, generation-tagged reference to a ServiceProxy held
// inside a Dispatcher's proxy table. Per §9's design note, the
// Dispatcher never holds a strong pointer to a ServiceProxy: it stores a
// proxyRef in each QueuedRequest instead, so that releasing a proxy (via
// Dispatcher.ReleaseProxy) invalidates every reference to it at once
// without the Dispatcher needing to walk its request table.
type proxyRef struct {
	index      uint32
	generation uint32
}

// ServiceProxy is the client-side handle to a remote service: it holds
// the negotiated service id and the method name -> method id table
// learned from a BindServiceReply.
type ServiceProxy struct {
	ServiceName string

	ref        proxyRef
	serviceID  uint32
	bound      bool
	methods    map[string]uint32
	methodHash uint64 // highwayhash of the sorted method table, see hash.go

	onConnect func(ok bool)
}

// Bound reports whether BindService has completed successfully for this
// proxy.
func (p *ServiceProxy) Bound() bool { return p.bound }

// ServiceID returns the negotiated service id. Only meaningful once
// Bound() is true.
func (p *ServiceProxy) ServiceID() uint32 { return p.serviceID }

// MethodID looks up the remote id for a method name, as learned from the
// BindServiceReply.
func (p *ServiceProxy) MethodID(name string) (uint32, bool) {
	id, ok := p.methods[name]
	return id, ok
}

// proxySlot is one entry in a Dispatcher's proxy table.
type proxySlot struct {
	generation uint32
	proxy      *ServiceProxy // nil if the slot is free or the proxy was released
}

// proxyTable is the generation-tagged slab backing every proxyRef issued
// by a Dispatcher.
type proxyTable struct {
	mu    sync.Mutex
	slots []proxySlot
	free  []uint32
}

func (t *proxyTable) register(p *ServiceProxy) proxyRef {
	t.mu.Lock()
	defer t.mu.Unlock()

	var idx uint32
	if n := len(t.free); n > 0 {
		idx = t.free[n-1]
		t.free = t.free[:n-1]
	} else {
		idx = uint32(len(t.slots))
		t.slots = append(t.slots, proxySlot{})
	}
	t.slots[idx].proxy = p
	ref := proxyRef{index: idx, generation: t.slots[idx].generation}
	return ref
}

// release invalidates ref: any outstanding proxyRef with the old
// generation will miss on lookup from this point on. It is what stands
// in, in this Go port, for the "proxy destruction cancels pending
// replies without dangling state" — Dispatcher.ReleaseProxy invokes it.
func (t *proxyTable) release(ref proxyRef) {
	t.mu.Lock()
	defer t.mu.Unlock()
	slot := &t.slots[ref.index]
	if slot.generation != ref.generation {
		return
	}
	slot.proxy = nil
	slot.generation++
	t.free = append(t.free, ref.index)
}

// lookup resolves a proxyRef to its ServiceProxy, or reports ok=false if
// the proxy has since been released.
func (t *proxyTable) lookup(ref proxyRef) (*ServiceProxy, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if int(ref.index) >= len(t.slots) {
		return nil, false
	}
	slot := t.slots[ref.index]
	if slot.generation != ref.generation || slot.proxy == nil {
		return nil, false
	}
	return slot.proxy, true
}

// forEach invokes f on every live proxy in the table. Used on connection
// teardown to fan out on_disconnect.
func (t *proxyTable) forEach(f func(*ServiceProxy)) {
	t.mu.Lock()
	live := make([]*ServiceProxy, 0, len(t.slots))
	for _, s := range t.slots {
		if s.proxy != nil {
			live = append(live, s.proxy)
		}
	}
	t.mu.Unlock()
	for _, p := range live {
		f(p)
	}
}
