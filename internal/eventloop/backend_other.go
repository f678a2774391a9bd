//go:build !linux
// +build !linux

package eventloop

import (
	"fmt"
	"time"
)

// noFDBackend services Defer/Schedule-only loops on platforms other
// than Linux; the daemon's fd-readiness needs (unix socket listeners,
// signal fds) are Linux-specific, so no fd support is implemented
// here.
type noFDBackend struct{}

func newPollBackend() (pollBackend, error) {
	return noFDBackend{}, nil
}

func (noFDBackend) add(fd int, events uint32) error {
	return fmt.Errorf("eventloop: fd registration is not supported on this platform")
}

func (noFDBackend) remove(fd int) error {
	return fmt.Errorf("eventloop: fd registration is not supported on this platform")
}

func (noFDBackend) wait(timeout time.Duration) ([]readyEvent, error) {
	time.Sleep(timeout)
	return nil, nil
}

func (noFDBackend) close() error { return nil }
