// Package worker claims jobs from the queue and runs them under a lease.
//
// A Worker serves one named queue. Each of its concurrency slots claims one
// job at a time, renews the lease while the handler runs and reports the
// outcome back to the queue, which retries with backoff or parks the job.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/rendis/runway/internal/logging"
	"github.com/rendis/runway/internal/queue"
	"github.com/rendis/runway/pkg/schema"
)

// Handler processes one claimed job.
type Handler interface {
	Handle(ctx context.Context, job *queue.Job) error
}

// ExhaustedHandler is implemented by handlers that need to know when a job
// failed for good (non-retryable error or attempts used up).
type ExhaustedHandler interface {
	OnExhausted(ctx context.Context, job *queue.Job, cause error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, job *queue.Job) error

func (f HandlerFunc) Handle(ctx context.Context, job *queue.Job) error { return f(ctx, job) }

// Options tune a Worker. Zero fields take defaults.
type Options struct {
	Concurrency int           `mapstructure:"concurrency"`
	Lease       time.Duration `mapstructure:"lease"`
	// Timeout applies to jobs enqueued without one.
	Timeout      time.Duration `mapstructure:"timeout"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
}

const (
	defaultLease        = 30 * time.Second
	defaultTimeout      = 5 * time.Minute
	defaultPollInterval = 500 * time.Millisecond
)

func (o Options) withDefaults() Options {
	if o.Concurrency <= 0 {
		o.Concurrency = 1
	}
	if o.Lease <= 0 {
		o.Lease = defaultLease
	}
	if o.Timeout <= 0 {
		o.Timeout = defaultTimeout
	}
	if o.PollInterval <= 0 {
		o.PollInterval = defaultPollInterval
	}
	return o
}

// Stats counts job outcomes seen by a worker.
type Stats struct {
	Active    int64 `json:"active"`
	Claimed   int64 `json:"claimed"`
	Succeeded int64 `json:"succeeded"`
	Retried   int64 `json:"retried"`
	Exhausted int64 `json:"exhausted"`
	Abandoned int64 `json:"abandoned"`
}

// Worker runs jobs from a single queue.
type Worker struct {
	queue   string
	backend queue.Backend
	handler Handler
	opts    Options
	logger  zerolog.Logger

	active    atomic.Int64
	claimed   atomic.Int64
	succeeded atomic.Int64
	retried   atomic.Int64
	exhausted atomic.Int64
	abandoned atomic.Int64
}

// New builds a worker for queueName.
func New(backend queue.Backend, queueName string, handler Handler, opts Options, logger zerolog.Logger) *Worker {
	opts = opts.withDefaults()
	return &Worker{
		queue:   queueName,
		backend: backend,
		handler: handler,
		opts:    opts,
		logger:  logger.With().Str("component", "worker").Str("queue", queueName).Logger(),
	}
}

// Queue is the queue this worker serves.
func (w *Worker) Queue() string { return w.queue }

// Stats returns the outcome counters.
func (w *Worker) Stats() Stats {
	return Stats{
		Active:    w.active.Load(),
		Claimed:   w.claimed.Load(),
		Succeeded: w.succeeded.Load(),
		Retried:   w.retried.Load(),
		Exhausted: w.exhausted.Load(),
		Abandoned: w.abandoned.Load(),
	}
}

// Run claims and processes jobs on up to Concurrency slots until ctx is
// done, then waits for the jobs in flight to return. Jobs interrupted by
// shutdown are not reported to the queue; their lease expires and another
// worker picks them up.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info().
		Int("concurrency", w.opts.Concurrency).
		Dur("lease", w.opts.Lease).
		Msg("worker started")

	slots := make(chan struct{}, w.opts.Concurrency)
	var wg sync.WaitGroup
	defer func() {
		wg.Wait()
		w.logger.Info().Msg("worker stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case slots <- struct{}{}:
		}
		wg.Add(1)
		w.active.Add(1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					w.logger.Error().Interface("panic", r).Msg("worker slot panicked")
				}
				w.active.Add(-1)
				<-slots
				wg.Done()
			}()
			_ = w.poll(ctx)
		}()
	}
}

// poll claims one job and runs it, or idles for PollInterval when the queue
// is empty.
func (w *Worker) poll(ctx context.Context) error {
	if ctx.Err() != nil {
		return nil
	}
	job, err := w.backend.Claim(ctx, w.queue, w.opts.Lease)
	if err != nil {
		if !errors.Is(err, queue.ErrNoJob) && ctx.Err() == nil {
			w.logger.Error().Err(err).Msg("claim failed")
		}
		sleep(ctx, w.opts.PollInterval)
		if errors.Is(err, queue.ErrNoJob) {
			return nil
		}
		return err
	}
	w.claimed.Add(1)
	return w.process(ctx, job)
}

func (w *Worker) process(ctx context.Context, job *queue.Job) error {
	ctx = logging.WithJob(ctx, job.Queue, job.ID)
	logger := logging.LogWith(ctx, w.logger).With().Str("job", job.Name).Int("attempt", job.Attempts+1).Logger()

	timeout := job.Timeout
	if timeout <= 0 {
		timeout = w.opts.Timeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var lost atomic.Bool
	done := make(chan struct{})
	var hb sync.WaitGroup
	hb.Add(1)
	go func() {
		defer hb.Done()
		w.heartbeat(runCtx, job, done, func() {
			lost.Store(true)
			cancel()
		}, logger)
	}()

	started := time.Now()
	err := w.invoke(runCtx, job)
	close(done)
	hb.Wait()
	elapsed := time.Since(started)

	detached := context.WithoutCancel(ctx)
	switch {
	case lost.Load():
		w.abandoned.Add(1)
		logger.Warn().Err(err).Msg("lease lost, job left to its new owner")
		return err
	case err == nil:
		if cerr := w.backend.Complete(detached, job); cerr != nil {
			logger.Error().Err(cerr).Msg("could not mark job completed")
			return cerr
		}
		w.succeeded.Add(1)
		logger.Info().Dur("duration", elapsed).Msg("job completed")
		return nil
	case ctx.Err() != nil:
		w.abandoned.Add(1)
		logger.Warn().Err(err).Msg("worker stopping, job released to lease expiry")
		return err
	}

	if errors.Is(runCtx.Err(), context.DeadlineExceeded) && !schema.HasCode(err, schema.ErrCodeTimeout) {
		err = schema.NewErrorf(schema.ErrCodeTimeout, "job exceeded its %s timeout", timeout).WithCause(err)
	}

	retrying, ferr := w.backend.Fail(detached, job, err)
	if ferr != nil {
		logger.Error().Err(ferr).AnErr("cause", err).Msg("could not record job failure")
		return ferr
	}
	if retrying {
		w.retried.Add(1)
		logger.Warn().Err(err).Dur("duration", elapsed).Msg("job failed, will retry")
		return err
	}

	w.exhausted.Add(1)
	logger.Error().Err(err).Dur("duration", elapsed).Msg("job failed permanently")
	if ex, ok := w.handler.(ExhaustedHandler); ok {
		ex.OnExhausted(detached, job, err)
	}
	return err
}

// invoke runs the handler, turning a panic into an error.
func (w *Worker) invoke(ctx context.Context, job *queue.Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = schema.NewError(schema.ErrCodeExecution, fmt.Sprintf("handler panic: %v", r))
		}
	}()
	return w.handler.Handle(ctx, job)
}

// heartbeat renews the lease every Lease/2 until done is closed. onLost is
// called once if the queue reports the lease has moved on.
func (w *Worker) heartbeat(ctx context.Context, job *queue.Job, done <-chan struct{}, onLost func(), logger zerolog.Logger) {
	t := time.NewTicker(w.opts.Lease / 2)
	defer t.Stop()
	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-t.C:
			err := w.backend.Extend(ctx, job, w.opts.Lease)
			if err == nil {
				continue
			}
			if errors.Is(err, queue.ErrLeaseLost) || errors.Is(err, queue.ErrJobNotFound) {
				onLost()
				return
			}
			if ctx.Err() == nil {
				logger.Warn().Err(err).Msg("lease renewal failed")
			}
		}
	}
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
