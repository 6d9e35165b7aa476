package store

import (
	"context"
	"time"

	"github.com/rendis/runway/pkg/schema"
)

// Store is the persistence contract for templates, executions, their steps and
// schedules. It performs no status-transition validation: the engine is the
// sole writer and owns the state machine. Implementations must be safe for
// concurrent use.
type Store interface {
	// Templates
	CreateTemplate(ctx context.Context, tpl *schema.WorkflowTemplate) (*schema.WorkflowTemplate, error)
	GetTemplate(ctx context.Context, id string) (*schema.WorkflowTemplate, error)
	UpdateTemplate(ctx context.Context, id string, update TemplateUpdate) (*schema.WorkflowTemplate, error)
	ListTemplates(ctx context.Context, filter TemplateFilter) ([]*schema.WorkflowTemplate, error)

	// Executions
	CreateExecution(ctx context.Context, exec *schema.Execution) (*schema.Execution, error)
	GetExecution(ctx context.Context, id string) (*schema.Execution, error)
	UpdateExecutionStatus(ctx context.Context, id string, status schema.ExecutionStatus, update ExecutionUpdate) (*schema.Execution, error)
	ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*schema.Execution, error)

	// Steps (append-only history)
	AddExecutionStep(ctx context.Context, step *schema.ExecutionStep) (*schema.ExecutionStep, error)
	UpdateExecutionStep(ctx context.Context, id string, status schema.StepStatus, update StepUpdate) (*schema.ExecutionStep, error)
	ListExecutionSteps(ctx context.Context, executionID string) ([]*schema.ExecutionStep, error)

	// Schedules
	CreateSchedule(ctx context.Context, s *Schedule) (*Schedule, error)
	GetSchedule(ctx context.Context, id string) (*Schedule, error)
	UpdateSchedule(ctx context.Context, id string, update ScheduleUpdate) error
	ListSchedules(ctx context.Context, filter ScheduleFilter) ([]*Schedule, error)
	ListDueSchedules(ctx context.Context, now time.Time) ([]*Schedule, error)
	DeleteSchedule(ctx context.Context, id string) error

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}
