package ipc

import "sync"

// AsyncResult is the reply envelope delivered to a Deferred's callback.
// Success reports whether Payload is present; a false HasMore on a
// non-nil Payload, or any Reject, is the terminal reply for the request.
type AsyncResult[T any] struct {
	Payload *T
	HasMore bool
}

// Success reports whether this result carries a payload.
func (r AsyncResult[T]) Success() bool {
	return r.Payload != nil
}

// Deferred is a single-use (or streaming) response slot: at most one
// callback may be bound at a time; Resolve with HasMore=true may be
// followed by further Resolve/Reject calls, but a Resolve with
// HasMore=false or a Reject is terminal and clears the slot. Go has no
// destructors, so a "drop rejects exactly once" contract is realized by
// Close, which callers are expected to defer immediately after
// constructing or receiving a Deferred, the same way a sync.Once-backed
// field guarantees exactly-once execution when a destructor isn't
// available to do it implicitly.
type Deferred[T any] struct {
	mu       sync.Mutex
	callback func(AsyncResult[T])
	armed    bool
	fired    bool
}

// NewDeferred constructs an unarmed Deferred. Bind must be called before
// Resolve/Reject have any effect.
func NewDeferred[T any]() *Deferred[T] {
	return &Deferred[T]{}
}

// Bind attaches cb as the slot's callback, arming it. Re-binding before
// any terminal fire discards the prior callback without invoking it, per
// §4.3's "Re-binding a callback onto an already-bound Deferred
// releases the prior callback without invoking it."
func (d *Deferred[T]) Bind(cb func(AsyncResult[T])) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.callback = cb
	d.armed = true
}

// Resolve invokes the bound callback with a successful result. If
// r.HasMore is true the slot remains armed for further Resolve/Reject
// calls; otherwise it is cleared and becomes terminal.
func (d *Deferred[T]) Resolve(payload T, hasMore bool) {
	d.mu.Lock()
	cb, ok := d.fire(hasMore)
	d.mu.Unlock()
	if ok {
		cb(AsyncResult[T]{Payload: &payload, HasMore: hasMore})
	}
}

// Reject invokes the bound callback once with a failure marker (a
// payload-less AsyncResult) and clears the slot. It is a no-op if the
// slot is already cleared (e.g. a previous terminal Resolve already
// fired).
func (d *Deferred[T]) Reject() {
	d.mu.Lock()
	cb, ok := d.fire(false)
	d.mu.Unlock()
	if ok {
		cb(AsyncResult[T]{})
	}
}

// fire must be called with d.mu held. It reports whether a callback
// should run, and clears the slot when the fire is terminal.
func (d *Deferred[T]) fire(hasMore bool) (func(AsyncResult[T]), bool) {
	if !d.armed || d.callback == nil {
		return nil, false
	}
	cb := d.callback
	if !hasMore {
		d.armed = false
		d.callback = nil
		d.fired = true
	}
	return cb, true
}

// Close rejects the slot exactly once if it is still armed and was never
// fired to a terminal state. Callers own a Deferred exactly as long as
// they might still need to reply to it; deferring Close at the point a
// Deferred is handed to a handler is the Go-idiomatic substitute for
// the destructor-driven reject.
func (d *Deferred[T]) Close() {
	d.mu.Lock()
	cb, ok := d.fire(false)
	d.mu.Unlock()
	if ok {
		cb(AsyncResult[T]{})
	}
}

// Armed reports whether the slot currently has a bound, un-fired
// callback.
func (d *Deferred[T]) Armed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.armed
}
