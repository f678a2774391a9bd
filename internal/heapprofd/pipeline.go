package heapprofd

import (
	"context"
	"fmt"
	"net"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/tracedaemon/traced/internal/fifo"
)

// defaultShardCount and defaultQueueCapacity match §4.5's defaults: "N
// unwinder worker threads (default 5)" and "bounded queues (default
// 1000 each way)."
const (
	defaultShardCount    = 5
	defaultQueueCapacity = 1000
)

// Option configures a Pipeline at construction, via the functional-
// options pattern used throughout this codebase.
type Option interface{ apply(*pipelineConfig) }

type pipelineConfig struct {
	shardCount    int
	queueCapacity int
}

type optionFunc func(*pipelineConfig)

func (f optionFunc) apply(c *pipelineConfig) { f(c) }

// WithShardCount overrides the default unwinder worker count.
func WithShardCount(n int) Option {
	return optionFunc(func(c *pipelineConfig) { c.shardCount = n })
}

// WithQueueCapacity overrides the default per-queue capacity.
func WithQueueCapacity(n int) Option {
	return optionFunc(func(c *pipelineConfig) { c.queueCapacity = n })
}

// Pipeline assembles the socket listener, N unwinder workers, and the
// bookkeeping actor around bounded queues, per §4.5's topology.
// errgroup is the idiomatic complement to singleflight from the same
// golang.org/x/sync module for exactly this shape: N goroutines that
// must all be joined on shutdown.
type Pipeline struct {
	log            zerolog.Logger
	listener       *listener
	unwinders      []*unwindWorker
	unwinderQueues []*fifo.BoundedQueue[UnwindingRecord]
	bookQueue      *fifo.BoundedQueue[BookkeepingRecord]
	book           *bookkeeper
}

// New assembles a Pipeline. Call Run to start it against an accepted
// listener socket.
func New(log zerolog.Logger, opts ...Option) *Pipeline {
	cfg := pipelineConfig{shardCount: defaultShardCount, queueCapacity: defaultQueueCapacity}
	for _, o := range opts {
		o.apply(&cfg)
	}

	log = log.With().Str("component", "heapprofd.pipeline").Logger()

	unwinderQueues := make([]*fifo.BoundedQueue[UnwindingRecord], cfg.shardCount)
	for i := range unwinderQueues {
		unwinderQueues[i] = fifo.NewBoundedQueue[UnwindingRecord](cfg.queueCapacity)
	}
	bookQueue := fifo.NewBoundedQueue[BookkeepingRecord](cfg.queueCapacity)

	unwinders := make([]*unwindWorker, cfg.shardCount)
	for i := range unwinders {
		unwinders[i] = newUnwindWorker(i, unwinderQueues[i], bookQueue, log)
	}

	return &Pipeline{
		log:            log,
		listener:       newListener(unwinderQueues, log),
		unwinders:      unwinders,
		unwinderQueues: unwinderQueues,
		bookQueue:      bookQueue,
		book:           newBookkeeper(bookQueue, log),
	}
}

// Run starts the bookkeeping actor and every unwinder worker, then
// serves ln until ctx is canceled or ln.Accept fails. On return it
// follows §4.5's shutdown sequence exactly: close the listener, send
// the unwinder queues their terminal sentinel (Close) and join them,
// then send the bookkeeping queue its sentinel and join it last —
// never the reverse, since a joined-too-early bookkeeper would drop
// work an unwinder is still about to enqueue.
func (p *Pipeline) Run(ctx context.Context, ln net.Listener) error {
	bookDone := make(chan struct{})
	go func() {
		p.book.run()
		close(bookDone)
	}()

	var unwindGroup errgroup.Group
	for _, w := range p.unwinders {
		w := w
		unwindGroup.Go(func() error {
			w.run()
			return nil
		})
	}

	serveErr := make(chan error, 1)
	go func() { serveErr <- p.listener.serve(ln) }()

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-serveErr:
	}

	_ = ln.Close()
	if runErr == nil {
		// Close() above makes Accept() return an error momentarily;
		// that's expected shutdown, not a pipeline failure, so drain it
		// without surfacing it.
		<-serveErr
	}

	for _, q := range p.unwinderQueues {
		q.Close()
	}
	_ = unwindGroup.Wait() // unwindWorker.run never returns an error

	p.bookQueue.Close()
	<-bookDone

	if runErr != nil {
		return fmt.Errorf("heapprofd: pipeline: %w", runErr)
	}
	return nil
}

// RequestDump asks the bookkeeping actor to serialize its current
// aggregate to path, coalescing with any dump already in flight.
func (p *Pipeline) RequestDump(path string) error {
	return p.book.RequestDump(path)
}

// Totals returns a snapshot of the current per-callsite aggregate, for
// tests and diagnostics.
func (p *Pipeline) Totals() map[uint64]CallsiteTotals {
	return p.book.Totals()
}
