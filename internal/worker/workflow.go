package worker

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/rendis/runway/internal/engine"
	"github.com/rendis/runway/internal/logging"
	"github.com/rendis/runway/internal/queue"
	"github.com/rendis/runway/internal/store"
	"github.com/rendis/runway/pkg/schema"
)

// Executor runs one execution to completion.
type Executor interface {
	Execute(ctx context.Context, executionID string) (*engine.Result, error)
}

// Transitioner changes execution status.
type Transitioner interface {
	Transition(ctx context.Context, id string, to schema.ExecutionStatus, update store.ExecutionUpdate) (*schema.Execution, error)
}

// WorkflowHandler runs execute-workflow jobs.
type WorkflowHandler struct {
	exec   Executor
	fsm    Transitioner
	logger zerolog.Logger
}

// NewWorkflowHandler builds the handler for the workflow-execution queue.
func NewWorkflowHandler(exec Executor, fsm Transitioner, logger zerolog.Logger) *WorkflowHandler {
	return &WorkflowHandler{
		exec:   exec,
		fsm:    fsm,
		logger: logger.With().Str("component", "workflow_handler").Logger(),
	}
}

// Handle decodes the job and runs its execution. A payload that cannot be
// decoded is never retried.
func (h *WorkflowHandler) Handle(ctx context.Context, job *queue.Job) error {
	var wj queue.WorkflowJob
	if err := job.Decode(&wj); err != nil {
		return queue.Permanent(schema.NewError(schema.ErrCodeValidation, "malformed workflow job payload").WithCause(err))
	}
	if wj.ExecutionID == "" {
		return queue.Permanent(schema.NewError(schema.ErrCodeValidation, "workflow job has no execution id"))
	}

	ctx = logging.WithExecutionID(ctx, wj.ExecutionID)
	res, err := h.exec.Execute(ctx, wj.ExecutionID)
	if err != nil {
		return err
	}
	h.logger.Debug().Ctx(ctx).
		Str("status", string(res.Status)).
		Int("steps", res.Steps).
		Int("tokens_used", res.TokensUsed).
		Msg("execution finished")
	return nil
}

// OnExhausted fails the execution once the queue gives up on its job, so a
// run that kept timing out does not stay running forever.
func (h *WorkflowHandler) OnExhausted(ctx context.Context, job *queue.Job, cause error) {
	var wj queue.WorkflowJob
	if err := job.Decode(&wj); err != nil || wj.ExecutionID == "" {
		return
	}
	ctx = logging.WithExecutionID(ctx, wj.ExecutionID)

	msg := cause.Error()
	_, err := h.fsm.Transition(ctx, wj.ExecutionID, schema.ExecutionFailed, store.ExecutionUpdate{Error: &msg})
	switch {
	case err == nil:
		h.logger.Warn().Ctx(ctx).Err(cause).Msg("execution failed after queue gave up")
	case schema.HasCode(err, schema.ErrCodeInvalidTransition), schema.IsNotFound(err):
		// Already terminal, or gone.
	default:
		h.logger.Error().Ctx(ctx).Err(err).Msg("could not fail exhausted execution")
	}
}

var (
	_ Handler          = (*WorkflowHandler)(nil)
	_ ExhaustedHandler = (*WorkflowHandler)(nil)
)
