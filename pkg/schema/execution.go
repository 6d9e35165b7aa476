package schema

import (
	"encoding/json"
	"time"
)

// ExecutionStatus is the lifecycle state of an Execution.
type ExecutionStatus string

const (
	ExecutionPending   ExecutionStatus = "pending"
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionFailed    ExecutionStatus = "failed"
	ExecutionCancelled ExecutionStatus = "cancelled"
)

// IsTerminal reports whether no further transition is possible.
func (s ExecutionStatus) IsTerminal() bool {
	switch s {
	case ExecutionCompleted, ExecutionFailed, ExecutionCancelled:
		return true
	}
	return false
}

// Valid reports whether s is a known status.
func (s ExecutionStatus) Valid() bool {
	switch s {
	case ExecutionPending, ExecutionRunning, ExecutionCompleted, ExecutionFailed, ExecutionCancelled:
		return true
	}
	return false
}

// ValidExecutionTransitions lists the allowed moves. pending->failed covers
// executions whose job could never be enqueued.
var ValidExecutionTransitions = map[ExecutionStatus][]ExecutionStatus{
	ExecutionPending:   {ExecutionRunning, ExecutionFailed, ExecutionCancelled},
	ExecutionRunning:   {ExecutionCompleted, ExecutionFailed, ExecutionCancelled},
	ExecutionCompleted: {},
	ExecutionFailed:    {},
	ExecutionCancelled: {},
}

// CanTransition reports whether from -> to is allowed.
func CanTransition(from, to ExecutionStatus) bool {
	for _, a := range ValidExecutionTransitions[from] {
		if a == to {
			return true
		}
	}
	return false
}

// ValidateExecutionTransition returns INVALID_TRANSITION for a disallowed move.
func ValidateExecutionTransition(from, to ExecutionStatus) error {
	if CanTransition(from, to) {
		return nil
	}
	return NewErrorf(ErrCodeInvalidTransition, "invalid execution transition: %s -> %s", from, to).
		WithDetails(map[string]any{"from": string(from), "to": string(to)})
}

// Metadata keys recorded on executions.
const (
	MetaMode     = "mode"
	MetaPriority = "priority"
	MetaJobID    = "job_id"
)

// Execution is one run of a template against a concrete input.
type Execution struct {
	ID             string          `json:"id"`
	TemplateID     string          `json:"template_id"`
	OrganizationID *string         `json:"organization_id"`
	UserID         string          `json:"user_id"`
	Status         ExecutionStatus `json:"status"`
	Input          json.RawMessage `json:"input,omitempty"`
	Output         json.RawMessage `json:"output,omitempty"`
	Error          *string         `json:"error"`
	ErrorStack     *string         `json:"error_stack,omitempty"`
	Progress       int             `json:"progress"`
	CurrentStep    int             `json:"current_step"`
	TotalSteps     int             `json:"total_steps"`
	TokensUsed     int             `json:"tokens_used"`
	Cost           float64         `json:"cost"`
	Metadata       map[string]any  `json:"metadata,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	StartedAt      *time.Time      `json:"started_at"`
	CompletedAt    *time.Time      `json:"completed_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// OrgID returns the owning organization, or "" for personal runs.
func (e *Execution) OrgID() string {
	if e.OrganizationID == nil {
		return ""
	}
	return *e.OrganizationID
}

// StepStatus is the state of one ExecutionStep.
type StepStatus string

const (
	StepRunning   StepStatus = "running"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
)

// ExecutionStep records one node invocation. Index is 1-based and follows
// traversal order.
type ExecutionStep struct {
	ID          string          `json:"id"`
	ExecutionID string          `json:"execution_id"`
	Index       int             `json:"index"`
	NodeID      string          `json:"node_id"`
	Name        string          `json:"name"`
	Kind        NodeKind        `json:"kind"`
	Status      StepStatus      `json:"status"`
	Input       json.RawMessage `json:"input,omitempty"`
	Output      json.RawMessage `json:"output,omitempty"`
	Error       *string         `json:"error"`
	ToolName    string          `json:"tool_name,omitempty"`
	Model       string          `json:"model,omitempty"`
	TokensUsed  int             `json:"tokens_used"`
	Cost        float64         `json:"cost"`
	DurationMs  int64           `json:"duration_ms"`
	StartedAt   time.Time       `json:"started_at"`
	CompletedAt *time.Time      `json:"completed_at"`
}

// StrPtr returns a pointer to s, or nil for "".
func StrPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
