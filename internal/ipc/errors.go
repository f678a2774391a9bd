package ipc

import "fmt"

// Error kinds from §7 that are specific to the method-invocation
// layer. OversizeFrame is produced by the deserializer, not here; it is
// handled by the caller closing the connection before frames ever reach
// a Dispatcher/Binder.

// ErrUnknownRequestID is logged and the frame dropped; it is not fatal to
// the connection.
type ErrUnknownRequestID struct {
	RequestID uint64
}

func (e ErrUnknownRequestID) Error() string {
	return fmt.Sprintf("ipc: no outstanding request with id %d", e.RequestID)
}

// ErrReplyKindMismatch is logged and the offending QueuedRequest dropped.
type ErrReplyKindMismatch struct {
	RequestID uint64
	Want, Got string
}

func (e ErrReplyKindMismatch) Error() string {
	return fmt.Sprintf("ipc: request %d expected %s reply, got %s", e.RequestID, e.Want, e.Got)
}

// ErrSerialize describes a failure to serialize a request's args.
// Dispatcher does not return it: args travel as opaque bytes, and a
// failed request is reported by BeginInvoke returning 0 and rejecting
// its Deferred.
type ErrSerialize struct {
	Cause error
}

func (e ErrSerialize) Error() string { return fmt.Sprintf("ipc: serialize args: %v", e.Cause) }
func (e ErrSerialize) Unwrap() error { return e.Cause }

// ErrSend describes a failure to send a request frame. Dispatcher does
// not return it: a send failure is reported by BeginInvoke returning 0
// and rejecting its Deferred, or by BindService calling onConnect(false).
type ErrSend struct {
	Cause error
}

func (e ErrSend) Error() string { return fmt.Sprintf("ipc: send frame: %v", e.Cause) }
func (e ErrSend) Unwrap() error { return e.Cause }

// ErrConnectionClosed names the teardown of the underlying connection.
// Dispatcher.OnDisconnect does not deliver this value: it rejects every
// outstanding Deferred (an AsyncResult with no payload) and calls
// onConnect(false) on every proxy.
var ErrConnectionClosed = fmt.Errorf("ipc: connection closed")

// ErrServiceNotFound describes a BindService that names an unregistered
// service. Binder does not return it; it answers such a request with a
// BindServiceReply whose Success is false.
type ErrServiceNotFound struct {
	ServiceName string
}

func (e ErrServiceNotFound) Error() string {
	return fmt.Sprintf("ipc: no such service %q", e.ServiceName)
}

// ErrMethodNotFound describes an InvokeMethod that names a service or
// method id that is not registered. Binder does not return it; it
// answers such a request with an InvokeMethodReply whose Success is
// false.
type ErrMethodNotFound struct {
	ServiceID, MethodID uint32
}

func (e ErrMethodNotFound) Error() string {
	return fmt.Sprintf("ipc: service %d has no method %d", e.ServiceID, e.MethodID)
}
