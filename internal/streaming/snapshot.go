package streaming

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/rendis/runway/pkg/schema"
)

// Snapshot is the client-facing view of an execution. Counters are decimal
// strings and unset fields are JSON null, matching the stream wire format.
type Snapshot struct {
	ID          string                 `json:"id"`
	Status      schema.ExecutionStatus `json:"status"`
	Progress    string                 `json:"progress"`
	CurrentStep string                 `json:"currentStep"`
	TotalSteps  string                 `json:"totalSteps"`
	Error       *string                `json:"error"`
	Output      json.RawMessage        `json:"output"`
	CreatedAt   time.Time              `json:"createdAt"`
	StartedAt   *time.Time             `json:"startedAt"`
	CompletedAt *time.Time             `json:"completedAt"`
}

// SnapshotOf converts a stored execution.
func SnapshotOf(exec *schema.Execution) Snapshot {
	s := Snapshot{
		ID:          exec.ID,
		Status:      exec.Status,
		Progress:    strconv.Itoa(exec.Progress),
		CurrentStep: strconv.Itoa(exec.CurrentStep),
		TotalSteps:  strconv.Itoa(exec.TotalSteps),
		Error:       exec.Error,
		CreatedAt:   exec.CreatedAt,
		StartedAt:   exec.StartedAt,
		CompletedAt: exec.CompletedAt,
	}
	if len(exec.Output) > 0 {
		s.Output = exec.Output
	}
	return s
}

// Terminal reports whether the snapshot is the last one a stream sends.
func (s Snapshot) Terminal() bool { return s.Status.IsTerminal() }
