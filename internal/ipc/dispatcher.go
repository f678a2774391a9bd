package ipc

import (
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/tracedaemon/traced/internal/framing"
)

// requestKind distinguishes the two outstanding-request shapes a
// Dispatcher tracks: a pending BindService and a pending InvokeMethod.
type requestKind uint8

const (
	requestBindService requestKind = iota
	requestInvokeMethod
)

// decodeFunc decodes an InvokeMethod reply payload for one method.
type decodeFunc func([]byte) (any, error)

// queuedRequest is an outstanding outbound request awaiting its reply.
type queuedRequest struct {
	kind       requestKind
	methodName string
	decode     decodeFunc
	proxy      proxyRef
	deferred   *Deferred[any]
}

// Sender abstracts the transport: Dispatcher only needs to push encoded
// frames onto a connection, not own one.
type Sender interface {
	Send(f *framing.Frame) error
}

// Dispatcher is the client side of the method-invocation layer (
// §4.2): it owns the outstanding-request table and dispatches incoming
// frames to per-request callbacks.
type Dispatcher struct {
	sender Sender
	log    zerolog.Logger

	mu       sync.Mutex
	nextID   uint64
	requests map[uint64]*queuedRequest
	proxies  proxyTable
	closed   bool
}

// NewDispatcher constructs a Dispatcher that sends frames through sender.
func NewDispatcher(sender Sender, log zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		sender:   sender,
		log:      log.With().Str("component", "ipc.dispatcher").Logger(),
		requests: make(map[uint64]*queuedRequest),
	}
}

// NewProxy allocates a ServiceProxy for serviceName and registers it in
// the dispatcher's weak-reference table. onConnect is invoked once per
// BindService outcome, with true on success or false on failure, and
// with false again for every bound proxy when OnDisconnect runs.
func (d *Dispatcher) NewProxy(serviceName string, onConnect func(ok bool)) *ServiceProxy {
	p := &ServiceProxy{ServiceName: serviceName, onConnect: onConnect}
	p.ref = d.proxies.register(p)
	return p
}

// ReleaseProxy invalidates p's weak reference. Any QueuedRequest still
// outstanding for p will be dropped (logged) when its reply, if any,
// eventually arrives, rather than delivered to a dangling proxy.
func (d *Dispatcher) ReleaseProxy(p *ServiceProxy) {
	d.proxies.release(p.ref)
}

func (d *Dispatcher) nextRequestID() uint64 {
	return atomic.AddUint64(&d.nextID, 1)
}

// BindService sends a BindService frame for p and enqueues a
// queuedRequest. A send failure calls p's onConnect(false) synchronously
// and queues nothing, per §4.2.
func (d *Dispatcher) BindService(p *ServiceProxy) {
	reqID := d.nextRequestID()
	f := &framing.Frame{
		RequestID:   reqID,
		Kind:        framing.KindBindService,
		BindService: &framing.BindService{ServiceName: p.ServiceName},
	}

	// Register the request before sending: a reply can arrive
	// re-entrantly from within Send (e.g. an in-process Sender, or a
	// transport that flushes synchronously), and HandleFrame must find
	// the entry already there.
	d.mu.Lock()
	d.requests[reqID] = &queuedRequest{kind: requestBindService, proxy: p.ref}
	d.mu.Unlock()

	if err := d.sender.Send(f); err != nil {
		d.mu.Lock()
		delete(d.requests, reqID)
		d.mu.Unlock()
		d.log.Warn().Err(err).Str("service", p.ServiceName).Msg("bind service: send failed")
		if p.onConnect != nil {
			p.onConnect(false)
		}
	}
}

// BeginInvoke sends an InvokeMethod frame carrying args as opaque bytes
// and enqueues a queuedRequest. It returns 0, after rejecting deferred,
// when p has no method named methodName or the send fails; otherwise a
// monotonically increasing non-zero request id, per §4.2.
func (d *Dispatcher) BeginInvoke(
	p *ServiceProxy,
	methodName string,
	args []byte,
	decode decodeFunc,
	deferred *Deferred[any],
) uint64 {
	methodID, ok := p.MethodID(methodName)
	if !ok {
		deferred.Reject()
		return 0
	}

	reqID := d.nextRequestID()
	f := &framing.Frame{
		RequestID: reqID,
		Kind:      framing.KindInvokeMethod,
		InvokeMethod: &framing.InvokeMethod{
			ServiceID: p.ServiceID(),
			MethodID:  methodID,
			ArgsProto: args,
		},
	}

	// See BindService: register before Send so a re-entrant reply finds
	// the entry already in place.
	d.mu.Lock()
	d.requests[reqID] = &queuedRequest{
		kind:       requestInvokeMethod,
		methodName: methodName,
		decode:     decode,
		proxy:      p.ref,
		deferred:   deferred,
	}
	d.mu.Unlock()

	if err := d.sender.Send(f); err != nil {
		d.mu.Lock()
		delete(d.requests, reqID)
		d.mu.Unlock()
		d.log.Warn().Err(err).Str("method", methodName).Msg("invoke method: send failed")
		deferred.Reject()
		return 0
	}
	return reqID
}

// HandleFrame dispatches one incoming frame to the request it replies
// to. Unknown request ids are logged and dropped; a kind mismatch
// between the queued request and the incoming reply is logged and the
// request dropped (neither desynchronizes the connection).
func (d *Dispatcher) HandleFrame(f *framing.Frame) error {
	d.mu.Lock()
	req, ok := d.requests[f.RequestID]
	if !ok {
		d.mu.Unlock()
		err := ErrUnknownRequestID{RequestID: f.RequestID}
		d.log.Warn().Err(err).Send()
		return err
	}

	var hasMore bool
	switch {
	case req.kind == requestBindService && f.Kind == framing.KindBindServiceReply:
		hasMore = false
	case req.kind == requestInvokeMethod && f.Kind == framing.KindInvokeMethodReply:
		hasMore = f.InvokeMethodReply.HasMore
	default:
		delete(d.requests, f.RequestID)
		d.mu.Unlock()
		err := ErrReplyKindMismatch{RequestID: f.RequestID, Want: requestKindString(req.kind), Got: f.Kind.String()}
		d.log.Warn().Err(err).Send()
		return err
	}
	if !hasMore {
		delete(d.requests, f.RequestID)
	}
	d.mu.Unlock()

	proxy, proxyOK := d.proxies.lookup(req.proxy)
	if !proxyOK {
		d.log.Debug().Uint64("request_id", f.RequestID).Msg("reply for released proxy dropped")
		return nil
	}

	switch req.kind {
	case requestBindService:
		reply := f.BindServiceReply
		if !reply.Success {
			if proxy.onConnect != nil {
				proxy.onConnect(false)
			}
			return nil
		}
		methods := make(map[string]uint32, len(reply.Methods))
		for _, m := range reply.Methods {
			if m.Name == "" || m.ID == 0 {
				continue
			}
			methods[m.Name] = m.ID
		}
		newHash := hashMethodTable(methods)
		if proxy.bound && proxy.methodHash != newHash {
			d.log.Warn().Str("service", proxy.ServiceName).Msg("bind service: method table changed since last bind, server likely restarted with renumbered methods")
		}
		proxy.serviceID = reply.ServiceID
		proxy.methods = methods
		proxy.methodHash = newHash
		proxy.bound = true
		if proxy.onConnect != nil {
			proxy.onConnect(true)
		}

	case requestInvokeMethod:
		reply := f.InvokeMethodReply
		if req.deferred == nil {
			return nil
		}
		if !reply.Success {
			req.deferred.Reject()
			return nil
		}
		if req.decode == nil {
			req.deferred.Resolve(any(reply.ReplyProto), hasMore)
			return nil
		}
		decoded, err := req.decode(reply.ReplyProto)
		if err != nil {
			d.log.Warn().Err(err).Str("method", req.methodName).Msg("decode reply")
			req.deferred.Reject()
			return nil
		}
		req.deferred.Resolve(decoded, hasMore)
	}
	return nil
}

// OnDisconnect fails every outstanding request with a failure reject and
// notifies every bound proxy, per §5 "Cancellation" and §7's
// ConnectionClosed handling.
func (d *Dispatcher) OnDisconnect() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	reqs := d.requests
	d.requests = make(map[uint64]*queuedRequest)
	d.mu.Unlock()

	for _, req := range reqs {
		if req.deferred != nil {
			req.deferred.Reject()
		}
	}
	d.proxies.forEach(func(p *ServiceProxy) {
		p.bound = false
		if p.onConnect != nil {
			p.onConnect(false)
		}
	})
}

func requestKindString(k requestKind) string {
	if k == requestBindService {
		return "BindServiceReply"
	}
	return "InvokeMethodReply"
}
