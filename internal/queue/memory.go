package queue

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/xid"
)

// MaxPriority bounds priority values; lower values are claimed first.
const MaxPriority = 1000

func normalizeOptions(opts JobOptions) JobOptions {
	if opts.Attempts <= 0 {
		opts.Attempts = 1
	}
	if opts.Priority < 0 {
		opts.Priority = 0
	}
	if opts.Priority > MaxPriority {
		opts.Priority = MaxPriority
	}
	if opts.JobID == "" {
		opts.JobID = xid.New().String()
	}
	return opts
}

type memJob struct {
	job        Job
	seq        int64
	readyAt    time.Time
	leaseUntil time.Time
}

// MemoryQueue is an in-process Backend with the same semantics as RedisQueue.
// It backs tests and the single-binary dev mode; jobs do not survive restarts.
type MemoryQueue struct {
	mu     sync.Mutex
	now    func() time.Time
	queues map[string]map[string]*memJob
	seq    int64
	closed bool
}

var _ Backend = (*MemoryQueue)(nil)

// NewMemoryQueue creates an empty in-memory queue.
func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{
		now:    time.Now,
		queues: make(map[string]map[string]*memJob),
	}
}

// SetClock replaces the time source. Tests use it to move leases and backoff forward.
func (q *MemoryQueue) SetClock(now func() time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.now = now
}

func (q *MemoryQueue) jobs(queue string) map[string]*memJob {
	jobs, ok := q.queues[queue]
	if !ok {
		jobs = make(map[string]*memJob)
		q.queues[queue] = jobs
	}
	return jobs
}

func (q *MemoryQueue) Enqueue(ctx context.Context, queue, name string, payload any, opts JobOptions) (string, error) {
	data, err := marshalPayload(payload)
	if err != nil {
		return "", err
	}
	opts = normalizeOptions(opts)

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return "", ErrClosed
	}
	jobs := q.jobs(queue)
	if _, exists := jobs[opts.JobID]; exists {
		return opts.JobID, nil
	}
	q.seq++
	jobs[opts.JobID] = &memJob{
		seq: q.seq,
		job: Job{
			ID:          opts.JobID,
			Queue:       queue,
			Name:        name,
			Payload:     data,
			Priority:    opts.Priority,
			Timeout:     opts.Timeout,
			MaxAttempts: opts.Attempts,
			Backoff:     opts.Backoff,
			State:       StateWaiting,
			EnqueuedAt:  q.now(),
		},
	}
	return opts.JobID, nil
}

func (q *MemoryQueue) Claim(ctx context.Context, queue string, lease time.Duration) (*Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil, ErrClosed
	}
	now := q.now()
	jobs := q.jobs(queue)

	var next *memJob
	for _, mj := range jobs {
		switch {
		case mj.job.State == StateDelayed && !mj.readyAt.After(now):
			mj.job.State = StateWaiting
		case mj.job.State == StateActive && !mj.leaseUntil.After(now):
			mj.job.State = StateWaiting
			mj.job.Token = ""
			mj.job.Stalled++
		}
		if mj.job.State != StateWaiting {
			continue
		}
		if next == nil || mj.job.Priority < next.job.Priority ||
			(mj.job.Priority == next.job.Priority && mj.seq < next.seq) {
			next = mj
		}
	}
	if next == nil {
		return nil, ErrNoJob
	}

	next.job.State = StateActive
	next.job.Token = xid.New().String()
	next.leaseUntil = now.Add(lease)
	out := next.job
	return &out, nil
}

// owned returns the stored job if job still holds its lease.
func (q *MemoryQueue) owned(job *Job) (*memJob, error) {
	mj, ok := q.jobs(job.Queue)[job.ID]
	if !ok {
		return nil, ErrJobNotFound
	}
	if mj.job.State != StateActive || mj.job.Token != job.Token {
		return nil, ErrLeaseLost
	}
	return mj, nil
}

func (q *MemoryQueue) Extend(ctx context.Context, job *Job, lease time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	mj, err := q.owned(job)
	if err != nil {
		return err
	}
	mj.leaseUntil = q.now().Add(lease)
	return nil
}

func (q *MemoryQueue) Complete(ctx context.Context, job *Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	mj, err := q.owned(job)
	if err != nil {
		return err
	}
	now := q.now()
	mj.job.State = StateCompleted
	mj.job.Token = ""
	mj.job.FinishedAt = &now
	return nil
}

func (q *MemoryQueue) Fail(ctx context.Context, job *Job, cause error) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	mj, err := q.owned(job)
	if err != nil {
		return false, err
	}
	now := q.now()
	mj.job.Attempts++
	mj.job.Token = ""
	if cause != nil {
		mj.job.LastError = cause.Error()
	}
	if ShouldRetry(cause) && mj.job.Attempts < mj.job.MaxAttempts {
		mj.job.State = StateDelayed
		mj.readyAt = now.Add(ComputeBackoff(mj.job.Backoff, mj.job.Attempts))
		return true, nil
	}
	mj.job.State = StateFailed
	mj.job.FinishedAt = &now
	return false, nil
}

func (q *MemoryQueue) GetJob(ctx context.Context, queue, id string) (*Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	mj, ok := q.jobs(queue)[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	out := mj.job
	out.Token = ""
	return &out, nil
}

func (q *MemoryQueue) Prune(ctx context.Context, queue string, policy RetentionPolicy) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	jobs := q.jobs(queue)
	now := q.now()
	removed := 0
	for state, keep := range map[JobState]Retention{StateCompleted: policy.Completed, StateFailed: policy.Failed} {
		var finished []*memJob
		for _, mj := range jobs {
			if mj.job.State == state && mj.job.FinishedAt != nil {
				finished = append(finished, mj)
			}
		}
		// Newest first, so the tail beyond Count is the oldest.
		sortByFinishedDesc(finished)
		for i, mj := range finished {
			tooOld := keep.Age > 0 && now.Sub(*mj.job.FinishedAt) > keep.Age
			tooMany := keep.Count > 0 && i >= keep.Count
			if tooOld || tooMany {
				delete(jobs, mj.job.ID)
				removed++
			}
		}
	}
	return removed, nil
}

func (q *MemoryQueue) Stats(ctx context.Context, queue string) (Counts, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var c Counts
	for _, mj := range q.jobs(queue) {
		switch mj.job.State {
		case StateWaiting:
			c.Waiting++
		case StateActive:
			c.Active++
		case StateDelayed:
			c.Delayed++
		case StateCompleted:
			c.Completed++
		case StateFailed:
			c.Failed++
		}
	}
	return c, nil
}

func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	return nil
}

func sortByFinishedDesc(jobs []*memJob) {
	sort.Slice(jobs, func(i, j int) bool {
		return jobs[i].job.FinishedAt.After(*jobs[j].job.FinishedAt)
	})
}
