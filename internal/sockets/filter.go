package sockets

import "net"

// FilteredListener wraps a net.Listener and rejects accepted
// connections a predicate refuses, closing them before they ever reach
// the caller. Embeds a net.Listener and overrides only Accept to run a
// side effect on every accepted connection, same shape as a
// header-writing dialer wrapper; here the side effect is a reject
// instead of a header write.
type FilteredListener struct {
	net.Listener
	// Allow decides whether to keep a just-accepted connection. A
	// connection it rejects is closed and Accept retries with the next
	// one, rather than returning an error to the caller.
	Allow func(net.Conn) bool
}

// Accept implements net.Listener.
func (f *FilteredListener) Accept() (net.Conn, error) {
	for {
		conn, err := f.Listener.Accept()
		if err != nil {
			return nil, err
		}
		if f.Allow == nil || f.Allow(conn) {
			return conn, nil
		}
		_ = conn.Close()
	}
}

var _ net.Listener = (*FilteredListener)(nil)
