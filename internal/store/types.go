package store

import (
	"encoding/json"
	"time"

	"github.com/rendis/runway/pkg/schema"
)

// MaxListLimit caps every list query to keep payloads bounded.
const MaxListLimit = 50

// ExecutionUpdate lists the fields UpdateExecutionStatus overwrites. Nil
// fields are left untouched. When IfStatus is set the whole write applies
// only while the stored status still equals it.
type ExecutionUpdate struct {
	IfStatus    schema.ExecutionStatus
	Output      json.RawMessage
	Error       *string
	ErrorStack  *string
	CurrentStep *int
	TotalSteps  *int
	Progress    *int
	TokensUsed  *int
	Cost        *float64
	Metadata    map[string]any
	StartedAt   *time.Time
	CompletedAt *time.Time
}

// AccessScope restricts listings to rows a non-privileged caller may see:
// their own executions, or executions owned by their organization.
type AccessScope struct {
	UserID         string
	OrganizationID string
}

// ExecutionFilter selects executions. All set fields are combined with AND.
type ExecutionFilter struct {
	TemplateID     string
	OrganizationID string
	UserID         string
	Status         *schema.ExecutionStatus
	Scope          *AccessScope
	Limit          int
}

// StepUpdate lists the fields UpdateExecutionStep overwrites.
type StepUpdate struct {
	Output      json.RawMessage
	Error       *string
	TokensUsed  *int
	Cost        *float64
	DurationMs  *int64
	CompletedAt *time.Time
}

// TemplateUpdate specifies mutable fields of a template.
type TemplateUpdate struct {
	Name         *string
	Description  *string
	Graph        *schema.Graph
	InputSchema  json.RawMessage
	OutputSchema json.RawMessage
	Version      *string
	Active       *bool
}

// TemplateFilter selects templates. With OrganizationID and IncludeShared set,
// both the organization's templates and shared ones are returned.
type TemplateFilter struct {
	OrganizationID string
	IncludeShared  bool
	ActiveOnly     bool
	Limit          int
}

// Schedule is a cron-triggered template run, executed on behalf of its owner.
type Schedule struct {
	ID             string          `json:"id"`
	TemplateID     string          `json:"template_id"`
	CronExpression string          `json:"cron_expression"`
	Input          json.RawMessage `json:"input,omitempty"`
	OwnerID        string          `json:"owner_id"`
	OrganizationID string          `json:"organization_id,omitempty"`
	OwnerRole      string          `json:"owner_role"`
	Enabled        bool            `json:"enabled"`
	LastRunAt      *time.Time      `json:"last_run_at,omitempty"`
	NextRunAt      *time.Time      `json:"next_run_at,omitempty"`
	LastRunStatus  string          `json:"last_run_status,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

// ScheduleUpdate specifies mutable fields of a schedule.
type ScheduleUpdate struct {
	Enabled       *bool
	LastRunAt     *time.Time
	NextRunAt     *time.Time
	LastRunStatus *string
}

// ScheduleFilter selects schedules.
type ScheduleFilter struct {
	Enabled        *bool
	OwnerID        string
	OrganizationID string
	Limit          int
}

func clampLimit(n int) int {
	if n <= 0 || n > MaxListLimit {
		return MaxListLimit
	}
	return n
}
