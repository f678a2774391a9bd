//go:build linux
// +build linux

package eventloop

import (
	"fmt"
	"time"

	"golang.org/x/sys/unix"
)

type epollBackend struct {
	fd int
}

func newPollBackend() (pollBackend, error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("epoll_create1: %w", err)
	}
	return &epollBackend{fd: fd}, nil
}

func (b *epollBackend) add(fd int, events uint32) error {
	ev := unix.EpollEvent{Events: events, Fd: int32(fd)}
	if err := unix.EpollCtl(b.fd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return fmt.Errorf("epoll_ctl(ADD, %d): %w", fd, err)
	}
	return nil
}

func (b *epollBackend) remove(fd int) error {
	if err := unix.EpollCtl(b.fd, unix.EPOLL_CTL_DEL, fd, nil); err != nil {
		return fmt.Errorf("epoll_ctl(DEL, %d): %w", fd, err)
	}
	return nil
}

func (b *epollBackend) wait(timeout time.Duration) ([]readyEvent, error) {
	var raw [64]unix.EpollEvent
	ms := int(timeout / time.Millisecond)
	if timeout > 0 && ms == 0 {
		ms = 1
	}
	n, err := unix.EpollWait(b.fd, raw[:], ms)
	if err != nil {
		if err == unix.EINTR {
			return nil, nil
		}
		return nil, fmt.Errorf("epoll_wait: %w", err)
	}
	events := make([]readyEvent, n)
	for i := 0; i < n; i++ {
		events[i] = readyEvent{fd: int(raw[i].Fd), events: raw[i].Events}
	}
	return events, nil
}

func (b *epollBackend) close() error {
	return unix.Close(b.fd)
}
