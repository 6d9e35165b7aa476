// Package streaming exposes execution status to clients: point-in-time
// snapshots read from the store, and a stream that re-reads the store until
// the execution is terminal. A Hub carries status-change events between the
// workers and the stream so a change is pushed without waiting for the next
// poll.
package streaming

import (
	"context"
	"slices"

	"github.com/rendis/runway/pkg/schema"
)

// Filter selects the events a subscriber receives. Empty fields match all.
type Filter struct {
	ExecutionID string                   `json:"execution_id,omitempty"`
	Statuses    []schema.ExecutionStatus `json:"statuses,omitempty"`
}

// Hub is a pub/sub channel for status events. Events are hints that the
// store changed; delivery is best effort.
type Hub interface {
	Publish(ctx context.Context, event schema.StatusEvent) error
	// Subscribe returns a channel of matching events and a cancel func that
	// ends the subscription and closes the channel.
	Subscribe(ctx context.Context, filter Filter) (<-chan schema.StatusEvent, func(), error)
}

func (f Filter) match(e schema.StatusEvent) bool {
	if f.ExecutionID != "" && f.ExecutionID != e.ExecutionID {
		return false
	}
	if len(f.Statuses) > 0 && !slices.Contains(f.Statuses, e.Status) {
		return false
	}
	return true
}
