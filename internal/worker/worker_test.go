package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/runway/internal/queue"
	"github.com/rendis/runway/pkg/schema"
)

const testQueue = "test-queue"

// exhaustRecorder is a Handler that also records OnExhausted calls.
type exhaustRecorder struct {
	handle func(ctx context.Context, job *queue.Job) error

	mu     sync.Mutex
	causes []error
}

func (h *exhaustRecorder) Handle(ctx context.Context, job *queue.Job) error { return h.handle(ctx, job) }

func (h *exhaustRecorder) OnExhausted(_ context.Context, _ *queue.Job, cause error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.causes = append(h.causes, cause)
}

func (h *exhaustRecorder) exhausted() []error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]error(nil), h.causes...)
}

func fastOptions() Options {
	return Options{Concurrency: 1, Lease: time.Second, PollInterval: 5 * time.Millisecond}
}

// start runs w until the test ends and returns a stop func that waits for Run.
func start(t *testing.T, w *Worker) func() {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	stopped := false
	stop := func() {
		if stopped {
			return
		}
		stopped = true
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Fatal("worker did not stop")
		}
	}
	t.Cleanup(stop)
	return stop
}

func jobState(t *testing.T, q queue.Backend, id string) queue.JobState {
	t.Helper()
	job, err := q.GetJob(context.Background(), testQueue, id)
	require.NoError(t, err)
	return job.State
}

func enqueue(t *testing.T, q queue.Backend, opts queue.JobOptions) string {
	t.Helper()
	id, err := q.Enqueue(context.Background(), testQueue, "test-job", map[string]any{"n": 1}, opts)
	require.NoError(t, err)
	return id
}

func TestWorker_CompletesJob(t *testing.T) {
	q := queue.NewMemoryQueue()
	var got map[string]any
	var mu sync.Mutex
	h := HandlerFunc(func(_ context.Context, job *queue.Job) error {
		mu.Lock()
		defer mu.Unlock()
		return job.Decode(&got)
	})
	w := New(q, testQueue, h, fastOptions(), zerolog.Nop())
	assert.Equal(t, testQueue, w.Queue())
	start(t, w)

	id := enqueue(t, q, queue.JobOptions{Attempts: 3})
	require.Eventually(t, func() bool { return jobState(t, q, id) == queue.StateCompleted }, 2*time.Second, 5*time.Millisecond)

	mu.Lock()
	assert.Equal(t, map[string]any{"n": float64(1)}, got)
	mu.Unlock()
	assert.Equal(t, int64(1), w.Stats().Succeeded)
	assert.Equal(t, int64(1), w.Stats().Claimed)
}

func TestWorker_RetriesThenExhausts(t *testing.T) {
	q := queue.NewMemoryQueue()
	h := &exhaustRecorder{handle: func(context.Context, *queue.Job) error {
		return schema.NewError(schema.ErrCodeStore, "database unavailable")
	}}
	w := New(q, testQueue, h, fastOptions(), zerolog.Nop())
	start(t, w)

	id := enqueue(t, q, queue.JobOptions{Attempts: 2, Backoff: queue.Backoff{Base: time.Millisecond, Max: time.Millisecond}})
	require.Eventually(t, func() bool { return jobState(t, q, id) == queue.StateFailed }, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return len(h.exhausted()) == 1 }, time.Second, 5*time.Millisecond)

	assert.True(t, schema.HasCode(h.exhausted()[0], schema.ErrCodeStore))
	st := w.Stats()
	assert.Equal(t, int64(2), st.Claimed)
	assert.Equal(t, int64(1), st.Retried)
	assert.Equal(t, int64(1), st.Exhausted)
}

func TestWorker_BoundsConcurrency(t *testing.T) {
	q := queue.NewMemoryQueue()
	var running, peak atomic.Int64
	release := make(chan struct{})
	h := HandlerFunc(func(context.Context, *queue.Job) error {
		n := running.Add(1)
		for {
			old := peak.Load()
			if n <= old || peak.CompareAndSwap(old, n) {
				break
			}
		}
		<-release
		running.Add(-1)
		return nil
	})
	opts := fastOptions()
	opts.Concurrency = 2
	w := New(q, testQueue, h, opts, zerolog.Nop())
	start(t, w)

	ids := make([]string, 5)
	for i := range ids {
		ids[i] = enqueue(t, q, queue.JobOptions{Attempts: 1})
	}
	require.Eventually(t, func() bool { return w.Stats().Active == 2 && running.Load() == 2 }, time.Second, 5*time.Millisecond)
	close(release)

	require.Eventually(t, func() bool { return w.Stats().Succeeded == 5 }, 2*time.Second, 5*time.Millisecond)
	for _, id := range ids {
		assert.Equal(t, queue.StateCompleted, jobState(t, q, id))
	}
	assert.Equal(t, int64(2), peak.Load())
}

func TestWorker_NonRetryableErrorIsNotRetried(t *testing.T) {
	q := queue.NewMemoryQueue()
	h := &exhaustRecorder{handle: func(context.Context, *queue.Job) error {
		return schema.NewError(schema.ErrCodeStepFailed, "node failed")
	}}
	w := New(q, testQueue, h, fastOptions(), zerolog.Nop())
	start(t, w)

	id := enqueue(t, q, queue.JobOptions{Attempts: 5, Backoff: queue.Backoff{Base: time.Millisecond}})
	require.Eventually(t, func() bool { return len(h.exhausted()) == 1 }, 2*time.Second, 5*time.Millisecond)

	job, err := q.GetJob(context.Background(), testQueue, id)
	require.NoError(t, err)
	assert.Equal(t, queue.StateFailed, job.State)
	assert.Equal(t, 1, job.Attempts)
	assert.Contains(t, job.LastError, "node failed")
}

func TestWorker_TimeoutIsQueueFailure(t *testing.T) {
	q := queue.NewMemoryQueue()
	h := &exhaustRecorder{handle: func(ctx context.Context, _ *queue.Job) error {
		<-ctx.Done()
		return ctx.Err()
	}}
	w := New(q, testQueue, h, fastOptions(), zerolog.Nop())
	start(t, w)

	enqueue(t, q, queue.JobOptions{Attempts: 1, Timeout: 20 * time.Millisecond})
	require.Eventually(t, func() bool { return len(h.exhausted()) == 1 }, 2*time.Second, 5*time.Millisecond)

	cause := h.exhausted()[0]
	assert.True(t, schema.HasCode(cause, schema.ErrCodeTimeout), "got %v", cause)
	assert.ErrorIs(t, cause, context.DeadlineExceeded)
}

func TestWorker_PanicBecomesFailure(t *testing.T) {
	q := queue.NewMemoryQueue()
	h := &exhaustRecorder{handle: func(context.Context, *queue.Job) error { panic("bad handler") }}
	w := New(q, testQueue, h, fastOptions(), zerolog.Nop())
	start(t, w)

	id := enqueue(t, q, queue.JobOptions{Attempts: 1})
	require.Eventually(t, func() bool { return jobState(t, q, id) == queue.StateFailed }, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return len(h.exhausted()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Contains(t, h.exhausted()[0].Error(), "bad handler")
}

func TestWorker_LeaseLostAbandonsJob(t *testing.T) {
	q := queue.NewMemoryQueue()
	stolen := make(chan *queue.Job, 1)
	h := &exhaustRecorder{handle: func(ctx context.Context, _ *queue.Job) error {
		// Jump past the lease and let another consumer take the job.
		q.SetClock(func() time.Time { return time.Now().Add(time.Hour) })
		thief, err := q.Claim(context.Background(), testQueue, time.Minute)
		if err != nil {
			return err
		}
		stolen <- thief
		<-ctx.Done()
		return ctx.Err()
	}}
	opts := fastOptions()
	opts.Lease = 40 * time.Millisecond
	w := New(q, testQueue, h, opts, zerolog.Nop())
	start(t, w)

	id := enqueue(t, q, queue.JobOptions{Attempts: 3})
	var thief *queue.Job
	select {
	case thief = <-stolen:
	case <-time.After(2 * time.Second):
		t.Fatal("job was never stolen")
	}
	require.Eventually(t, func() bool { return w.Stats().Abandoned == 1 }, 2*time.Second, 5*time.Millisecond)

	assert.Empty(t, h.exhausted())
	assert.Equal(t, queue.StateActive, jobState(t, q, id))
	require.NoError(t, q.Complete(context.Background(), thief))
}

func TestWorker_ShutdownReleasesJob(t *testing.T) {
	q := queue.NewMemoryQueue()
	running := make(chan struct{})
	h := &exhaustRecorder{handle: func(ctx context.Context, _ *queue.Job) error {
		close(running)
		<-ctx.Done()
		return ctx.Err()
	}}
	w := New(q, testQueue, h, fastOptions(), zerolog.Nop())
	stop := start(t, w)

	id := enqueue(t, q, queue.JobOptions{Attempts: 3})
	<-running
	stop()

	assert.Equal(t, queue.StateActive, jobState(t, q, id))
	assert.Equal(t, int64(1), w.Stats().Abandoned)
	assert.Empty(t, h.exhausted())
}

func TestWorker_ClaimErrorsDoNotStopTheLoop(t *testing.T) {
	q := queue.NewMemoryQueue()
	require.NoError(t, q.Close())
	w := New(q, testQueue, HandlerFunc(func(context.Context, *queue.Job) error { return nil }), fastOptions(), zerolog.Nop())
	stop := start(t, w)

	time.Sleep(30 * time.Millisecond)
	stop()
	assert.Zero(t, w.Stats().Claimed)
}

func TestOptions_Defaults(t *testing.T) {
	o := Options{}.withDefaults()
	assert.Equal(t, 1, o.Concurrency)
	assert.Equal(t, 30*time.Second, o.Lease)
	assert.Equal(t, 5*time.Minute, o.Timeout)
	assert.Equal(t, 500*time.Millisecond, o.PollInterval)
}

func TestHandlerFunc(t *testing.T) {
	want := errors.New("x")
	err := HandlerFunc(func(context.Context, *queue.Job) error { return want }).Handle(context.Background(), &queue.Job{})
	assert.ErrorIs(t, err, want)
}
