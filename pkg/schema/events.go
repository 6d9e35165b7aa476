package schema

import "time"

// StatusEvent announces that an execution's stored state changed. Streams use
// it as a hint to re-read the store; it never replaces the stored snapshot.
type StatusEvent struct {
	ExecutionID string          `json:"execution_id"`
	Status      ExecutionStatus `json:"status"`
	CurrentStep int             `json:"current_step"`
	Timestamp   time.Time       `json:"timestamp"`
}
