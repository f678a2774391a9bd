package ipc

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/tracedaemon/traced/internal/framing"
)

// Handler implements one method of a bound service. It must resolve or
// reject reply zero or more times; reply is closed by the Binder after
// the handler returns if the handler itself never reached a terminal
// state, per §4.2's "a sink dropped without a terminal
// has_more=false resolution produces one final InvokeMethodReply{success=false}".
type Handler func(args []byte, reply *Deferred[[]byte])

type boundMethod struct {
	id      uint32
	name    string
	handler Handler
}

// ServiceDescriptor is a server-side service registration: a name and an
// ordered set of methods, each assigned a stable id at registration
// time.
type ServiceDescriptor struct {
	id      uint32
	name    string
	methods []boundMethod
	byID    map[uint32]*boundMethod
}

// AddMethod registers a method under this descriptor, assigning it the
// next stable id (ids start at 1; 0 is reserved, matching §6's
// "id == 0 are dropped by the client").
func (s *ServiceDescriptor) AddMethod(name string, h Handler) {
	id := uint32(len(s.methods) + 1)
	s.methods = append(s.methods, boundMethod{id: id, name: name, handler: h})
	if s.byID == nil {
		s.byID = make(map[uint32]*boundMethod)
	}
	s.byID[id] = &s.methods[len(s.methods)-1]
}

// Sender is shared with dispatcher.go.

// Binder is the server-side mirror of the method-invocation layer
// (§4.2): it resolves BindService by name, assigns service and
// method ids, and dispatches InvokeMethod to registered Handlers.
type Binder struct {
	sender Sender
	log    zerolog.Logger

	mu       sync.Mutex
	byName   map[string]*ServiceDescriptor
	byID     map[uint32]*ServiceDescriptor
	nextID   uint32
	inflight map[uint64]*Deferred[[]byte]
}

// NewBinder constructs a Binder that sends frames through sender.
func NewBinder(sender Sender, log zerolog.Logger) *Binder {
	return &Binder{
		sender:   sender,
		log:      log.With().Str("component", "ipc.binder").Logger(),
		byName:   make(map[string]*ServiceDescriptor),
		byID:     make(map[uint32]*ServiceDescriptor),
		inflight: make(map[uint64]*Deferred[[]byte]),
	}
}

// RegisterService registers a new service by name, returning its
// descriptor so the caller can AddMethod on it before any client binds.
func (b *Binder) RegisterService(name string) *ServiceDescriptor {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	d := &ServiceDescriptor{id: b.nextID, name: name}
	b.byName[name] = d
	b.byID[d.id] = d
	return d
}

// HandleFrame processes one incoming BindService or InvokeMethod frame,
// sending the appropriate reply frame(s).
func (b *Binder) HandleFrame(f *framing.Frame) {
	switch f.Kind {
	case framing.KindBindService:
		b.handleBindService(f)
	case framing.KindInvokeMethod:
		b.handleInvokeMethod(f)
	default:
		b.log.Warn().Str("kind", f.Kind.String()).Msg("binder: unexpected frame kind")
	}
}

func (b *Binder) handleBindService(f *framing.Frame) {
	b.mu.Lock()
	d, ok := b.byName[f.BindService.ServiceName]
	b.mu.Unlock()

	reply := &framing.BindServiceReply{Success: ok}
	if ok {
		reply.ServiceID = d.id
		reply.Methods = make([]framing.Method, len(d.methods))
		for i, m := range d.methods {
			reply.Methods[i] = framing.Method{Name: m.name, ID: m.id}
		}
	}
	b.send(f.RequestID, framing.KindBindServiceReply, reply, nil)
}

func (b *Binder) handleInvokeMethod(f *framing.Frame) {
	inv := f.InvokeMethod
	b.mu.Lock()
	d, ok := b.byID[inv.ServiceID]
	var m *boundMethod
	if ok {
		m, ok = d.byID[inv.MethodID]
	}
	b.mu.Unlock()
	if !ok {
		b.send(f.RequestID, framing.KindInvokeMethodReply, nil, &framing.InvokeMethodReply{Success: false})
		return
	}

	reqID := f.RequestID
	deferred := NewDeferred[[]byte]()
	deferred.Bind(func(r AsyncResult[[]byte]) {
		reply := &framing.InvokeMethodReply{Success: r.Success(), HasMore: r.HasMore}
		if r.Payload != nil {
			reply.ReplyProto = *r.Payload
		}
		b.send(reqID, framing.KindInvokeMethodReply, nil, reply)
	})

	b.mu.Lock()
	b.inflight[reqID] = deferred
	b.mu.Unlock()

	// The handler is run synchronously from the event-loop goroutine that
	// delivered this frame, per §5: callbacks run to completion
	// between suspension points.
	m.handler(inv.ArgsProto, deferred)

	b.mu.Lock()
	delete(b.inflight, reqID)
	b.mu.Unlock()

	// If the handler returned without ever reaching a terminal state,
	// Close produces the final failing reply.
	deferred.Close()
}

func (b *Binder) send(reqID uint64, kind framing.Kind, bindReply *framing.BindServiceReply, invokeReply *framing.InvokeMethodReply) {
	f := &framing.Frame{RequestID: reqID, Kind: kind, BindServiceReply: bindReply, InvokeMethodReply: invokeReply}
	if err := b.sender.Send(f); err != nil {
		b.log.Warn().Err(err).Uint64("request_id", reqID).Msg("binder: send reply failed")
	}
}

// OnDisconnect closes every in-flight Deferred, which produces a final
// failing InvokeMethodReply attempt for each (the attempt itself will
// typically fail to send, since the connection is already gone, but the
// handler-side Deferred contract is still honored).
func (b *Binder) OnDisconnect() {
	b.mu.Lock()
	inflight := b.inflight
	b.inflight = make(map[uint64]*Deferred[[]byte])
	b.mu.Unlock()
	for _, d := range inflight {
		d.Close()
	}
}
