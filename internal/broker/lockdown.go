package broker

import (
	"fmt"
	"net"
	"syscall"
)

// LockdownMode controls whether a TracingSession restricts producer
// acceptance to same-uid peers, per §4.6.
type LockdownMode int

const (
	// LockdownClear accepts producers regardless of peer uid.
	LockdownClear LockdownMode = iota
	// LockdownSet accepts only producers whose peer uid matches the
	// broker's effective uid.
	LockdownSet
)

// PeerCredentials is the subset of SO_PEERCRED the lockdown policy
// needs.
type PeerCredentials struct {
	UID uint32
	GID uint32
	PID int32
}

// PeerCredentialsOf reads the peer credentials of a connected Unix
// domain socket. Grounded on DataDog's pkg/process/net/uds.go
// IsUnixNetConnValid, which reads SO_PEERCRED the same way through
// SyscallConn + syscall.GetsockoptUcred; that function also special-cases
// root:root as always rejected, a policy choice specific to their
// debug-endpoint use case that §4.6's lockdown policy does not carry
// (lockdown here is a pure same-uid check against the broker's own
// effective uid).
func PeerCredentialsOf(conn *net.UnixConn) (PeerCredentials, error) {
	sysConn, err := conn.SyscallConn()
	if err != nil {
		return PeerCredentials{}, fmt.Errorf("broker: syscall conn: %w", err)
	}

	var ucred *syscall.Ucred
	var ucredErr error
	err = sysConn.Control(func(fd uintptr) {
		ucred, ucredErr = syscall.GetsockoptUcred(int(fd), syscall.SOL_SOCKET, syscall.SO_PEERCRED)
	})
	if err != nil {
		return PeerCredentials{}, fmt.Errorf("broker: control: %w", err)
	}
	if ucredErr != nil {
		return PeerCredentials{}, fmt.Errorf("broker: getsockopt SO_PEERCRED: %w", ucredErr)
	}
	return PeerCredentials{UID: ucred.Uid, GID: ucred.Gid, PID: ucred.Pid}, nil
}

// allowed reports whether a producer connecting with peerUID may
// receive on_connect under mode, given the broker's own effective uid.
func (mode LockdownMode) allowed(brokerUID, peerUID uint32) bool {
	if mode == LockdownClear {
		return true
	}
	return peerUID == brokerUID
}
