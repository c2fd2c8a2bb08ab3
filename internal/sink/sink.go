// Package sink composes ledger.Sink implementations: Fanout delivers a delta
// to several sinks at once, Worker decouples a slow sink from the ledger with
// a bounded queue and retry.
package sink

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/evetabi/yesno/internal/ledger"
	"golang.org/x/sync/errgroup"
)

// ErrQueueFull is returned by Worker.Commit when the queue has no room.
var ErrQueueFull = errors.New("sink: queue full")

// ErrClosed is returned by Worker.Commit after Run has returned.
var ErrClosed = errors.New("sink: worker stopped")

// Observer is told the fate of every delta a Worker handles.
type Observer interface {
	Delivered(sink string, op ledger.Op, attempts int)
	Failed(sink string, op ledger.Op)
	Dropped(sink string)
}

// ──────────────────────────────────────────────────────────────────────────────
// Fanout
// ──────────────────────────────────────────────────────────────────────────────

// Fanout commits a delta to every sink concurrently and returns the first
// error.
type Fanout []ledger.Sink

// Commit implements ledger.Sink.
func (f Fanout) Commit(ctx context.Context, d *ledger.Delta) error {
	switch len(f) {
	case 0:
		return nil
	case 1:
		return f[0].Commit(ctx, d)
	}
	g, gctx := errgroup.WithContext(ctx)
	for _, s := range f {
		g.Go(func() error { return s.Commit(gctx, d) })
	}
	return g.Wait()
}

// Filter passes only deltas whose Op is listed.
func Filter(next ledger.Sink, ops ...ledger.Op) ledger.Sink {
	allowed := make(map[ledger.Op]bool, len(ops))
	for _, op := range ops {
		allowed[op] = true
	}
	return ledger.SinkFunc(func(ctx context.Context, d *ledger.Delta) error {
		if !allowed[d.Op] {
			return nil
		}
		return next.Commit(ctx, d)
	})
}

// Primary commits to primary and, only when it accepts the delta, hands it
// to followers. Follower errors are logged and never returned, so a caller in
// two-phase mode fails only when primary does.
func Primary(primary, followers ledger.Sink, logger *slog.Logger) ledger.Sink {
	if logger == nil {
		logger = slog.Default()
	}
	return ledger.SinkFunc(func(ctx context.Context, d *ledger.Delta) error {
		if err := primary.Commit(ctx, d); err != nil {
			return err
		}
		if err := followers.Commit(ctx, d); err != nil {
			logger.Warn("follower sink rejected delta", "seq", d.Seq, "op", d.Op, "err", err)
		}
		return nil
	})
}

// ──────────────────────────────────────────────────────────────────────────────
// Worker
// ──────────────────────────────────────────────────────────────────────────────

// WorkerOptions tunes a Worker. Zero values select the defaults noted.
type WorkerOptions struct {
	QueueSize  int           // default 1024
	MaxRetries int           // retries after the first attempt; default 5, negative = forever
	RetryBase  time.Duration // default 100ms, doubled per retry
	RetryMax   time.Duration // default 30s
	Timeout    time.Duration // per attempt; default 5s
	Observer   Observer
	Logger     *slog.Logger
}

// Worker delivers deltas to next from a single goroutine, in commit order.
// Commit never blocks: a full queue drops the delta and reports it.
type Worker struct {
	name  string
	next  ledger.Sink
	opts  WorkerOptions
	log   *slog.Logger
	queue chan *ledger.Delta

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

// NewWorker creates a Worker. Call Run to start delivery.
func NewWorker(name string, next ledger.Sink, opts WorkerOptions) *Worker {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 1024
	}
	if opts.MaxRetries == 0 {
		opts.MaxRetries = 5
	}
	if opts.RetryBase <= 0 {
		opts.RetryBase = 100 * time.Millisecond
	}
	if opts.RetryMax <= 0 {
		opts.RetryMax = 30 * time.Second
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Worker{
		name:  name,
		next:  next,
		opts:  opts,
		log:   opts.Logger.With("component", "sink", "sink", name),
		queue: make(chan *ledger.Delta, opts.QueueSize),
		done:  make(chan struct{}),
	}
}

// Name returns the worker's label.
func (w *Worker) Name() string { return w.name }

// Pending returns the number of queued deltas.
func (w *Worker) Pending() int { return len(w.queue) }

// Commit enqueues d.
func (w *Worker) Commit(_ context.Context, d *ledger.Delta) error {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		return ErrClosed
	}
	select {
	case w.queue <- d:
		return nil
	default:
		if w.opts.Observer != nil {
			w.opts.Observer.Dropped(w.name)
		}
		return fmt.Errorf("%s: %w", w.name, ErrQueueFull)
	}
}

// Run delivers queued deltas until ctx is cancelled, then delivers what is
// still queued once, without retry, and returns.
func (w *Worker) Run(ctx context.Context) error {
	defer close(w.done)
	for {
		select {
		case <-ctx.Done():
			w.drain()
			return nil
		case d := <-w.queue:
			w.deliver(ctx, d)
		}
	}
}

// Done is closed when Run has returned.
func (w *Worker) Done() <-chan struct{} { return w.done }

func (w *Worker) drain() {
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()

	for {
		select {
		case d := <-w.queue:
			ctx, cancel := context.WithTimeout(context.Background(), w.opts.Timeout)
			if err := w.next.Commit(ctx, d); err != nil {
				w.log.Error("final delivery failed", "seq", d.Seq, "op", d.Op, "err", err)
				w.failed(d)
			}
			cancel()
		default:
			return
		}
	}
}

// deliver commits d with exponential backoff.
func (w *Worker) deliver(ctx context.Context, d *ledger.Delta) {
	backoff := w.opts.RetryBase
	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			w.log.Warn("sink retry", "attempt", attempt, "backoff", backoff, "seq", d.Seq, "op", d.Op)
			select {
			case <-ctx.Done():
				// shutdown: drain() gets one more try at the rest of the queue
				w.failed(d)
				return
			case <-time.After(backoff):
			}
			backoff = min(backoff*2, w.opts.RetryMax)
		}

		actx, cancel := context.WithTimeout(ctx, w.opts.Timeout)
		err := w.next.Commit(actx, d)
		cancel()
		if err == nil {
			if w.opts.Observer != nil {
				w.opts.Observer.Delivered(w.name, d.Op, attempt+1)
			}
			return
		}
		if w.opts.MaxRetries >= 0 && attempt >= w.opts.MaxRetries {
			w.log.Error("sink delivery abandoned", "attempts", attempt+1, "seq", d.Seq, "op", d.Op, "err", err)
			w.failed(d)
			return
		}
	}
}

func (w *Worker) failed(d *ledger.Delta) {
	if w.opts.Observer != nil {
		w.opts.Observer.Failed(w.name, d.Op)
	}
}
