// Package queue provides the durable, at-least-once job queue that feeds the
// worker pool. Each job family has its own named queue so concurrency limits
// and failure isolation are independent per family.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// Named queues, one per job family.
const (
	WorkflowExecution   = "workflow-execution"
	SpedImport          = "sped-import"
	EmbeddingGeneration = "embedding-generation"
)

// Job names used on the queues above.
const (
	JobExecuteWorkflow   = "execute-workflow"
	JobImportSped        = "import-sped"
	JobGenerateEmbedding = "generate-embedding"
)

var (
	// ErrNoJob is returned by Claim when nothing is ready.
	ErrNoJob = errors.New("queue: no job available")
	// ErrJobNotFound is returned when a job id is unknown.
	ErrJobNotFound = errors.New("queue: job not found")
	// ErrLeaseLost is returned when a worker acts on a job whose lease expired
	// and was handed to someone else.
	ErrLeaseLost = errors.New("queue: job lease lost")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("queue: closed")
)

// JobState is where a job currently sits.
type JobState string

const (
	StateWaiting   JobState = "waiting"
	StateActive    JobState = "active"
	StateDelayed   JobState = "delayed"
	StateCompleted JobState = "completed"
	StateFailed    JobState = "failed"
)

// Backoff is an exponential retry delay starting at Base, capped at Max.
type Backoff struct {
	Base time.Duration `json:"base" mapstructure:"base"`
	Max  time.Duration `json:"max" mapstructure:"max"`
}

// JobOptions configure a single enqueue. Zero values fall back to the queue's
// Config defaults when enqueued through a Manager.
type JobOptions struct {
	// JobID makes enqueue idempotent: a second enqueue with the same id is a no-op.
	JobID    string
	Priority int
	Timeout  time.Duration
	Attempts int
	Backoff  Backoff
}

// Job is a unit of work handed to a worker.
type Job struct {
	ID          string          `json:"id"`
	Queue       string          `json:"queue"`
	Name        string          `json:"name"`
	Payload     json.RawMessage `json:"payload"`
	Priority    int             `json:"priority"`
	Timeout     time.Duration   `json:"timeout"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"max_attempts"`
	Backoff     Backoff         `json:"backoff"`
	State       JobState        `json:"state"`
	LastError   string          `json:"last_error,omitempty"`
	Stalled     int             `json:"stalled,omitempty"`
	EnqueuedAt  time.Time       `json:"enqueued_at"`
	FinishedAt  *time.Time      `json:"finished_at,omitempty"`

	// Token identifies the current lease holder; set by Claim.
	Token string `json:"-"`
}

// Decode unmarshals the payload into v.
func (j *Job) Decode(v any) error {
	return json.Unmarshal(j.Payload, v)
}

// Retention bounds how many finished jobs are kept and for how long. Zero
// fields mean "no bound".
type Retention struct {
	Count int           `mapstructure:"count"`
	Age   time.Duration `mapstructure:"age"`
}

// RetentionPolicy keeps failed jobs longer than completed ones for diagnosis.
type RetentionPolicy struct {
	Completed Retention `mapstructure:"completed"`
	Failed    Retention `mapstructure:"failed"`
}

// Counts summarizes a queue.
type Counts struct {
	Waiting   int64 `json:"waiting"`
	Active    int64 `json:"active"`
	Delayed   int64 `json:"delayed"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
}

// Backend is a durable queue with leases, retry/backoff and retention.
type Backend interface {
	// Enqueue adds a job and returns its id.
	Enqueue(ctx context.Context, queue, name string, payload any, opts JobOptions) (string, error)
	// Claim leases the next ready job (lowest priority value first, FIFO among
	// equals). Due delayed jobs and jobs with expired leases are made ready
	// first. Returns ErrNoJob when idle.
	Claim(ctx context.Context, queue string, lease time.Duration) (*Job, error)
	// Extend renews the lease of a claimed job.
	Extend(ctx context.Context, job *Job, lease time.Duration) error
	// Complete marks a claimed job done.
	Complete(ctx context.Context, job *Job) error
	// Fail records a failed attempt. It reports whether the job will be
	// retried (after backoff) or was parked in the failed set.
	Fail(ctx context.Context, job *Job, cause error) (retrying bool, err error)
	// GetJob returns a job by id.
	GetJob(ctx context.Context, queue, id string) (*Job, error)
	// Prune removes finished jobs beyond the retention policy.
	Prune(ctx context.Context, queue string, policy RetentionPolicy) (int, error)
	// Stats counts jobs per state.
	Stats(ctx context.Context, queue string) (Counts, error)
	Close() error
}

func marshalPayload(payload any) (json.RawMessage, error) {
	switch p := payload.(type) {
	case json.RawMessage:
		return p, nil
	case []byte:
		return json.RawMessage(p), nil
	default:
		return json.Marshal(payload)
	}
}
