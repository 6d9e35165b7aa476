package queue

import (
	"context"
	"errors"
	"time"

	"github.com/rendis/runway/pkg/schema"
)

// permanentError marks a cause the queue must not retry.
type permanentError struct{ err error }

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// Permanent wraps err so Fail parks the job instead of retrying it.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// ShouldRetry classifies a job failure. Deadline overruns are retried: the
// timeout is a queue-level failure and the attempt budget bounds it.
func ShouldRetry(err error) bool {
	if err == nil {
		return false
	}
	var p *permanentError
	if errors.As(err, &p) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	return schema.IsRetryable(err)
}

// ComputeBackoff returns the delay before retry number attempt (1-based):
// Base * 2^(attempt-1), capped at Max.
func ComputeBackoff(b Backoff, attempt int) time.Duration {
	if b.Base <= 0 {
		return 0
	}
	if attempt < 1 {
		attempt = 1
	}
	delay := b.Base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if b.Max > 0 && delay >= b.Max {
			return b.Max
		}
	}
	if b.Max > 0 && delay > b.Max {
		delay = b.Max
	}
	return delay
}

// WaitForBackoff sleeps for delay or returns early if ctx is done.
func WaitForBackoff(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
