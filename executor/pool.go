// Package executor provides bounded, device-pinned worker pools and the
// policy that maps model versions onto them. Pools isolate inference
// compute from HTTP concurrency and enforce per-call timeouts.
package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/panjf2000/ants/v2"
	"github.com/pitabwire/util"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/pitabwire/inference/metrics"
)

// Task is a unit of pool work. The supplied context is cancelled when
// the submit timeout elapses; long running tasks should poll it. The
// worker itself is never forcibly killed.
type Task func(ctx context.Context) (any, error)

// Options defines configurable options for an execution pool.
type Options struct {
	MaxWorkers     int
	MaxWaiting     int
	ExpiryDuration time.Duration
	Logger         *util.LogEntry
}

// Option defines a function that configures pool options.
type Option func(*Options)

// WithMaxWaiting bounds the number of callers blocked waiting for a
// worker; zero means unbounded.
func WithMaxWaiting(n int) Option {
	return func(opts *Options) {
		opts.MaxWaiting = n
	}
}

// WithExpiryDuration sets the idle worker expiry duration.
func WithExpiryDuration(d time.Duration) Option {
	return func(opts *Options) {
		opts.ExpiryDuration = d
	}
}

// WithPoolLogger sets a logger for the pool.
func WithPoolLogger(logger *util.LogEntry) Option {
	return func(opts *Options) {
		opts.Logger = logger
	}
}

// Pool is a bounded group of workers pinned to a logical device. At
// most MaxWorkers pipeline executions run concurrently per device.
type Pool struct {
	device string
	pool   *ants.Pool
	log    *util.LogEntry

	inflight prometheus.Gauge
	timeouts prometheus.Counter
}

type outcome struct {
	value any
	err   error
}

// NewPool creates a pool of maxWorkers workers for the named device.
func NewPool(ctx context.Context, device string, maxWorkers int, collector *metrics.Collector, opts ...Option) (*Pool, error) {
	wopts := &Options{
		MaxWorkers: maxWorkers,
		Logger:     util.Log(ctx).WithField("device", device),
	}
	for _, opt := range opts {
		opt(wopts)
	}

	antsOpts := []ants.Option{
		ants.WithNonblocking(false),
		ants.WithLogger(wopts.Logger),
	}
	if wopts.MaxWaiting > 0 {
		antsOpts = append(antsOpts, ants.WithMaxBlockingTasks(wopts.MaxWaiting))
	}
	if wopts.ExpiryDuration > 0 {
		antsOpts = append(antsOpts, ants.WithExpiryDuration(wopts.ExpiryDuration))
	}

	p, err := ants.NewPool(wopts.MaxWorkers, antsOpts...)
	if err != nil {
		return nil, fmt.Errorf("creating pool for device %q: %w", device, err)
	}

	return &Pool{
		device:   device,
		pool:     p,
		log:      wopts.Logger,
		inflight: collector.Inflight.WithLabelValues(device),
		timeouts: collector.Timeouts.WithLabelValues(device),
	}, nil
}

// Device returns the logical device label of this pool.
func (p *Pool) Device() string {
	return p.device
}

// Running returns the number of currently executing workers.
func (p *Pool) Running() int {
	return p.pool.Running()
}

// Submit hands fn to the pool and blocks until it returns, the timeout
// elapses, or capacity is permanently unavailable. The timeout covers
// queue wait plus execution. On timeout the eventual result of fn is
// discarded and the worker completes naturally.
func (p *Pool) Submit(ctx context.Context, fn Task, timeout time.Duration) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	workCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	defer cancel()

	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	done := make(chan outcome, 1)
	task := func() {
		p.inflight.Inc()
		defer p.inflight.Dec()

		value, err := fn(workCtx)
		done <- outcome{value: value, err: err}
	}

	// The blocking enqueue runs off-thread so the timeout clock covers
	// queue wait as well as execution. A task that only gets a worker
	// after the deadline runs against the already cancelled workCtx.
	submitted := make(chan error, 1)
	go func() {
		submitted <- p.pool.Submit(task)
	}()

	if expired == nil {
		if err := <-submitted; err != nil {
			return nil, p.submitError(err)
		}
		res := <-done
		return res.value, res.err
	}

	select {
	case err := <-submitted:
		if err != nil {
			return nil, p.submitError(err)
		}
	case <-expired:
		p.timeouts.Inc()
		cancel()
		return nil, ErrExecutionTimeout
	}

	select {
	case res := <-done:
		return res.value, res.err
	case <-expired:
		p.timeouts.Inc()
		cancel()
		return nil, ErrExecutionTimeout
	}
}

func (p *Pool) submitError(err error) error {
	if errors.Is(err, ants.ErrPoolClosed) || errors.Is(err, ants.ErrPoolOverload) {
		return fmt.Errorf("%w: %s", ErrExecutorSaturated, err)
	}
	return err
}

// SubmitBatch is semantically identical to Submit; batching belongs to
// the pipeline, not the pool. A batch occupies one worker slot for its
// full duration.
func (p *Pool) SubmitBatch(ctx context.Context, fn Task, timeout time.Duration) (any, error) {
	return p.Submit(ctx, fn, timeout)
}

// SubmitBackground enqueues fn without blocking the caller and
// discards its result. Work is dropped silently when the pool is
// shutting down.
//
// The closure does not occupy a worker slot: the max_workers bound
// covers pipeline executions, which reach the workers through Submit.
// Running the dispatch loop on a worker slot would deadlock a
// single-worker pool against its own attempts.
func (p *Pool) SubmitBackground(fn func(ctx context.Context)) {
	if p.pool.IsClosed() {
		p.log.Debug("pool shutting down, dropping background task")
		return
	}

	go fn(context.Background())
}

// Shutdown releases the pool. Queued work is abandoned; running workers
// complete naturally.
func (p *Pool) Shutdown() {
	p.pool.Release()
}
