package ipc_test

import (
	"bytes"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/tracedaemon/traced/internal/framing"
	"github.com/tracedaemon/traced/internal/ipc"
)

// frameSink is a Sender whose destination can be wired up after
// construction, which is what lets a Dispatcher and a Binder be linked
// to each other without either existing first.
type frameSink struct {
	handle func(*framing.Frame) error
}

func (s *frameSink) Send(f *framing.Frame) error { return s.handle(f) }

// linkedPair wires a Dispatcher directly to a Binder over two in-memory
// Senders: every frame one side sends is delivered synchronously to the
// other side's HandleFrame, the same way a real connection would
// deliver it asynchronously but without needing a socket or goroutines
// to drive the test.
func linkedPair(t *testing.T, dispatcherLog, binderLog zerolog.Logger) (*ipc.Dispatcher, *ipc.Binder) {
	t.Helper()
	toBinder := &frameSink{}
	toDispatcher := &frameSink{}

	d := ipc.NewDispatcher(toBinder, dispatcherLog)
	b := ipc.NewBinder(toDispatcher, binderLog)

	toBinder.handle = func(f *framing.Frame) error {
		b.HandleFrame(f)
		return nil
	}
	toDispatcher.handle = func(f *framing.Frame) error {
		return d.HandleFrame(f)
	}
	return d, b
}

func TestBindInvokeRoundTrip(t *testing.T) {
	d, b := linkedPair(t, zerolog.Nop(), zerolog.Nop())

	svc := b.RegisterService("heapprofd.Produce")
	svc.AddMethod("Echo", func(args []byte, reply *ipc.Deferred[[]byte]) {
		reply.Resolve(append([]byte("echo:"), args...), false)
	})

	var connected []bool
	p := d.NewProxy("heapprofd.Produce", func(ok bool) { connected = append(connected, ok) })
	d.BindService(p)

	require.Equal(t, []bool{true}, connected)
	require.True(t, p.Bound())
	methodID, ok := p.MethodID("Echo")
	require.True(t, ok)
	require.NotZero(t, methodID)

	var results []ipc.AsyncResult[any]
	deferred := ipc.NewDeferred[any]()
	deferred.Bind(func(r ipc.AsyncResult[any]) { results = append(results, r) })

	reqID := d.BeginInvoke(p, "Echo", []byte("hi"), nil, deferred)
	require.NotZero(t, reqID)

	require.Len(t, results, 1)
	require.True(t, results[0].Success())
	require.Equal(t, []byte("echo:hi"), (*results[0].Payload).([]byte))
}

func TestInvokeWithDecodeFunc(t *testing.T) {
	d, b := linkedPair(t, zerolog.Nop(), zerolog.Nop())

	svc := b.RegisterService("svc")
	svc.AddMethod("Upper", func(args []byte, reply *ipc.Deferred[[]byte]) {
		out := bytes.ToUpper(args)
		reply.Resolve(out, false)
	})

	p := d.NewProxy("svc", nil)
	d.BindService(p)
	require.True(t, p.Bound())

	var decodedCalls int
	decode := func(payload []byte) (any, error) {
		decodedCalls++
		return string(payload), nil
	}

	var results []ipc.AsyncResult[any]
	deferred := ipc.NewDeferred[any]()
	deferred.Bind(func(r ipc.AsyncResult[any]) { results = append(results, r) })

	d.BeginInvoke(p, "Upper", []byte("hi"), decode, deferred)

	require.Equal(t, 1, decodedCalls)
	require.Len(t, results, 1)
	require.Equal(t, "HI", (*results[0].Payload).(string))
}

func TestStreamingInvokeKeepsSlotAliveUntilTerminal(t *testing.T) {
	d, b := linkedPair(t, zerolog.Nop(), zerolog.Nop())

	svc := b.RegisterService("svc")
	svc.AddMethod("Stream", func(args []byte, reply *ipc.Deferred[[]byte]) {
		reply.Resolve([]byte("one"), true)
		reply.Resolve([]byte("two"), true)
		reply.Resolve([]byte("three"), false)
	})

	p := d.NewProxy("svc", nil)
	d.BindService(p)
	require.True(t, p.Bound())

	var results []ipc.AsyncResult[any]
	deferred := ipc.NewDeferred[any]()
	deferred.Bind(func(r ipc.AsyncResult[any]) { results = append(results, r) })

	d.BeginInvoke(p, "Stream", nil, nil, deferred)

	require.Len(t, results, 3)
	require.True(t, results[0].HasMore)
	require.True(t, results[1].HasMore)
	require.False(t, results[2].HasMore)
	require.False(t, deferred.Armed(), "terminal reply must clear the slot")
	require.Equal(t, []byte("three"), (*results[2].Payload).([]byte))
}

func TestBinderDropClosesWithFailure(t *testing.T) {
	d, b := linkedPair(t, zerolog.Nop(), zerolog.Nop())

	svc := b.RegisterService("svc")
	svc.AddMethod("Forgetful", func(args []byte, reply *ipc.Deferred[[]byte]) {
		// Never resolves or rejects; the Binder must close the slot
		// itself once the handler returns.
	})

	p := d.NewProxy("svc", nil)
	d.BindService(p)
	require.True(t, p.Bound())

	var results []ipc.AsyncResult[any]
	deferred := ipc.NewDeferred[any]()
	deferred.Bind(func(r ipc.AsyncResult[any]) { results = append(results, r) })

	d.BeginInvoke(p, "Forgetful", nil, nil, deferred)

	require.Len(t, results, 1)
	require.False(t, results[0].Success())
}

func TestBindServiceReplyFiltersEmptyNameAndZeroIDMethods(t *testing.T) {
	toBinder := &frameSink{handle: func(f *framing.Frame) error { return nil }}
	d := ipc.NewDispatcher(toBinder, zerolog.Nop())

	p := d.NewProxy("svc", nil)
	d.BindService(p)

	// BindService always sends RequestID 1 for the first request issued
	// by a fresh Dispatcher.
	reply := &framing.Frame{
		RequestID: 1,
		Kind:      framing.KindBindServiceReply,
		BindServiceReply: &framing.BindServiceReply{
			Success:   true,
			ServiceID: 7,
			Methods: []framing.Method{
				{Name: "Valid", ID: 1},
				{Name: "", ID: 2},
				{Name: "ZeroID", ID: 0},
			},
		},
	}
	require.NoError(t, d.HandleFrame(reply))

	require.True(t, p.Bound())
	require.Equal(t, uint32(7), p.ServiceID())

	id, ok := p.MethodID("Valid")
	require.True(t, ok)
	require.Equal(t, uint32(1), id)

	_, ok = p.MethodID("")
	require.False(t, ok)
	_, ok = p.MethodID("ZeroID")
	require.False(t, ok)
}

func TestHandleFrameDropsUnknownRequestID(t *testing.T) {
	toBinder := &frameSink{handle: func(f *framing.Frame) error { return nil }}
	d := ipc.NewDispatcher(toBinder, zerolog.Nop())

	f := &framing.Frame{
		RequestID:         999,
		Kind:              framing.KindInvokeMethodReply,
		InvokeMethodReply: &framing.InvokeMethodReply{Success: true},
	}
	err := d.HandleFrame(f)
	require.Error(t, err)
	require.ErrorAs(t, err, new(ipc.ErrUnknownRequestID))
}

func TestHandleFrameDropsOnReplyKindMismatch(t *testing.T) {
	toBinder := &frameSink{handle: func(f *framing.Frame) error { return nil }}
	d := ipc.NewDispatcher(toBinder, zerolog.Nop())

	p := d.NewProxy("svc", nil)
	d.BindService(p)
	mismatched := &framing.Frame{
		RequestID:         1,
		Kind:              framing.KindInvokeMethodReply,
		InvokeMethodReply: &framing.InvokeMethodReply{Success: true},
	}
	err := d.HandleFrame(mismatched)
	require.Error(t, err)
	require.ErrorAs(t, err, new(ipc.ErrReplyKindMismatch))

	// The mismatched reply dropped the request; replaying the correct
	// reply kind for the same id now finds nothing queued.
	correctKind := &framing.Frame{
		RequestID:        1,
		Kind:             framing.KindBindServiceReply,
		BindServiceReply: &framing.BindServiceReply{Success: true},
	}
	err = d.HandleFrame(correctKind)
	require.Error(t, err)
	require.ErrorAs(t, err, new(ipc.ErrUnknownRequestID))
}

func TestOnDisconnectRejectsOutstandingAndNotifiesProxies(t *testing.T) {
	toBinder := &frameSink{handle: func(f *framing.Frame) error { return nil }}
	d := ipc.NewDispatcher(toBinder, zerolog.Nop())

	var connectEvents []bool
	p := d.NewProxy("svc", func(ok bool) { connectEvents = append(connectEvents, ok) })
	d.BindService(p)
	bound := &framing.Frame{
		RequestID:        1,
		Kind:             framing.KindBindServiceReply,
		BindServiceReply: &framing.BindServiceReply{Success: true, ServiceID: 1, Methods: []framing.Method{{Name: "M", ID: 1}}},
	}
	require.NoError(t, d.HandleFrame(bound))
	require.True(t, p.Bound())

	var results []ipc.AsyncResult[any]
	deferred := ipc.NewDeferred[any]()
	deferred.Bind(func(r ipc.AsyncResult[any]) { results = append(results, r) })
	reqID := d.BeginInvoke(p, "M", nil, nil, deferred)
	require.NotZero(t, reqID)

	d.OnDisconnect()

	require.Len(t, results, 1)
	require.False(t, results[0].Success())
	require.Equal(t, []bool{true, false}, connectEvents)
}

func TestBindServiceRenumberingLogsWarning(t *testing.T) {
	var logBuf bytes.Buffer
	d, b := linkedPair(t, zerolog.New(&logBuf), zerolog.Nop())

	svc := b.RegisterService("svc")
	svc.AddMethod("Foo", func(args []byte, reply *ipc.Deferred[[]byte]) { reply.Resolve(nil, false) })

	p := d.NewProxy("svc", nil)
	d.BindService(p)
	require.True(t, p.Bound())
	require.Empty(t, logBuf.String(), "first bind has nothing to compare against")

	// A second registration under the same name, as would happen after
	// a server restart, assigns Foo a different id than before: the
	// method table's fingerprint changes even though the proxy is
	// binding against the same service name.
	svc = b.RegisterService("svc")
	svc.AddMethod("Bar", func(args []byte, reply *ipc.Deferred[[]byte]) { reply.Resolve(nil, false) })
	svc.AddMethod("Foo", func(args []byte, reply *ipc.Deferred[[]byte]) { reply.Resolve(nil, false) })

	d.BindService(p)
	require.True(t, p.Bound())
	require.Contains(t, logBuf.String(), "method table changed since last bind")
}
