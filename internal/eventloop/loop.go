// Package eventloop implements the cooperative single-threaded event
// loop described in §5: one goroutine drains a FIFO of deferred
// tasks, fires delayed tasks whose deadline has passed, and polls
// registered file descriptors for readiness, in that priority order,
// on every iteration. Handlers run to completion before the loop moves
// on; nothing here hands work to another goroutine on the caller's
// behalf.
package eventloop

import (
	"container/heap"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tracedaemon/traced/internal/fifo"
)

// maxPollWait bounds how long a single Wait call blocks when no delayed
// task is pending, so a newly Deferred task from another goroutine
// (Loop.Defer is safe to call from any goroutine) is never starved for
// more than this long.
const maxPollWait = 250 * time.Millisecond

// pollBackend abstracts the platform-specific fd-readiness mechanism;
// backend_linux.go backs it with epoll, backend_other.go with a backend that
// rejects fd registration (the daemon only needs fd polling on Linux,
// per the target platform).
type pollBackend interface {
	add(fd int, events uint32) error
	remove(fd int) error
	wait(timeout time.Duration) ([]readyEvent, error)
	close() error
}

type readyEvent struct {
	fd     int
	events uint32
}

type delayedTask struct {
	deadline time.Time
	fn       func()
	index    int
}

type delayedQueue []*delayedTask

func (q delayedQueue) Len() int            { return len(q) }
func (q delayedQueue) Less(i, j int) bool  { return q[i].deadline.Before(q[j].deadline) }
func (q delayedQueue) Swap(i, j int)       { q[i], q[j] = q[j], q[i]; q[i].index = i; q[j].index = j }
func (q *delayedQueue) Push(x any) {
	t := x.(*delayedTask)
	t.index = len(*q)
	*q = append(*q, t)
}
func (q *delayedQueue) Pop() any {
	old := *q
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return t
}

// Loop is one cooperative event loop instance. It is not safe to call
// Run concurrently from more than one goroutine; Defer and Schedule are
// safe from any goroutine.
type Loop struct {
	log zerolog.Logger

	mu       sync.Mutex
	deferred fifo.Queue[func()]
	delayed  delayedQueue
	handlers map[int]func(events uint32)
	wake     chan struct{}

	backend pollBackend
}

// New constructs a Loop. On Linux it registers fd readiness through
// epoll; elsewhere, Register always fails, since this platform build
// has no poll backend.
func New(log zerolog.Logger) (*Loop, error) {
	backend, err := newPollBackend()
	if err != nil {
		return nil, fmt.Errorf("eventloop: new poll backend: %w", err)
	}
	return &Loop{
		log:      log.With().Str("component", "eventloop").Logger(),
		handlers: make(map[int]func(events uint32)),
		wake:     make(chan struct{}, 1),
		backend:  backend,
	}, nil
}

// Defer enqueues fn to run on the loop goroutine's next iteration, in
// FIFO order relative to other deferred tasks. Safe from any goroutine.
func (l *Loop) Defer(fn func()) {
	l.mu.Lock()
	l.deferred.PushBack(fn)
	l.mu.Unlock()
	l.nudge()
}

// Schedule enqueues fn to run once at least d has elapsed. Safe from
// any goroutine.
func (l *Loop) Schedule(d time.Duration, fn func()) {
	l.mu.Lock()
	heap.Push(&l.delayed, &delayedTask{deadline: time.Now().Add(d), fn: fn})
	l.mu.Unlock()
	l.nudge()
}

// Register arranges for fn to be called, on the loop goroutine, whenever
// fd reports any of events (an epoll event mask). Only one handler per
// fd may be registered at a time.
func (l *Loop) Register(fd int, events uint32, fn func(events uint32)) error {
	l.mu.Lock()
	l.handlers[fd] = fn
	l.mu.Unlock()
	if err := l.backend.add(fd, events); err != nil {
		l.mu.Lock()
		delete(l.handlers, fd)
		l.mu.Unlock()
		return fmt.Errorf("eventloop: register fd %d: %w", fd, err)
	}
	return nil
}

// Unregister removes fd from the poll set.
func (l *Loop) Unregister(fd int) error {
	l.mu.Lock()
	delete(l.handlers, fd)
	l.mu.Unlock()
	if err := l.backend.remove(fd); err != nil {
		return fmt.Errorf("eventloop: unregister fd %d: %w", fd, err)
	}
	return nil
}

func (l *Loop) nudge() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Run drives the loop until ctx is canceled. Each iteration: drain every
// currently-queued deferred task, fire every delayed task whose deadline
// has passed, then poll for fd readiness until the next delayed
// deadline (or maxPollWait, or a Defer/Schedule from another goroutine
// wakes it early).
func (l *Loop) Run(ctx context.Context) error {
	defer l.backend.close()

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		l.runDeferred()
		l.runDue()

		timeout := l.nextTimeout()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.wake:
			continue
		default:
		}

		events, err := l.backend.wait(timeout)
		if err != nil {
			return fmt.Errorf("eventloop: poll wait: %w", err)
		}
		l.dispatch(events)
	}
}

func (l *Loop) runDeferred() {
	for {
		l.mu.Lock()
		if l.deferred.Len() == 0 {
			l.mu.Unlock()
			return
		}
		fn := *l.deferred.PeekFront()
		l.deferred.PopFront()
		l.mu.Unlock()
		fn()
	}
}

func (l *Loop) runDue() {
	now := time.Now()
	for {
		l.mu.Lock()
		if len(l.delayed) == 0 || l.delayed[0].deadline.After(now) {
			l.mu.Unlock()
			return
		}
		task := heap.Pop(&l.delayed).(*delayedTask)
		l.mu.Unlock()
		task.fn()
	}
}

func (l *Loop) nextTimeout() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.delayed) == 0 {
		return maxPollWait
	}
	d := time.Until(l.delayed[0].deadline)
	if d < 0 {
		return 0
	}
	if d > maxPollWait {
		return maxPollWait
	}
	return d
}

func (l *Loop) dispatch(events []readyEvent) {
	for _, ev := range events {
		l.mu.Lock()
		fn := l.handlers[ev.fd]
		l.mu.Unlock()
		if fn == nil {
			continue
		}
		fn(ev.events)
	}
}
