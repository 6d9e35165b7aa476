package service

import (
	"context"
	"encoding/json"

	"github.com/rendis/runway/internal/access"
	"github.com/rendis/runway/internal/logging"
	"github.com/rendis/runway/internal/queue"
	"github.com/rendis/runway/internal/store"
	"github.com/rendis/runway/pkg/schema"
)

// Execution modes recorded in metadata.
const (
	ModeAsync     = "async"
	ModeScheduled = "scheduled"
)

// ExecuteRequest starts a run of a template.
type ExecuteRequest struct {
	TemplateID string          `json:"template_id"`
	Input      json.RawMessage `json:"input,omitempty"`
	// Priority overrides the queue default; lower runs first.
	Priority int    `json:"priority,omitempty"`
	Mode     string `json:"mode,omitempty"`
}

// ExecuteResult is returned as soon as the run is queued.
type ExecuteResult struct {
	Execution *schema.Execution `json:"execution"`
	JobID     string            `json:"job_id"`
}

// Execute records a pending execution and enqueues it. Nothing runs on the
// caller's goroutine. If the enqueue fails the execution is failed and
// ENQUEUE_FAILED is returned.
func (s *Service) Execute(ctx context.Context, p *access.Principal, req ExecuteRequest) (*ExecuteResult, error) {
	if err := requirePrincipal(p); err != nil {
		return nil, err
	}
	if req.Priority < 0 || req.Priority > queue.MaxPriority {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "priority must be between 0 and %d", queue.MaxPriority)
	}
	mode := req.Mode
	switch mode {
	case "":
		mode = ModeAsync
	case ModeAsync, ModeScheduled:
	default:
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "unknown execution mode %q", req.Mode)
	}

	tpl, err := s.store.GetTemplate(ctx, req.TemplateID)
	if err != nil {
		return nil, err
	}
	if err := access.CanUseTemplate(p, tpl); err != nil {
		return nil, err
	}
	if !tpl.Active {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "workflow %q is not active", tpl.Name)
	}
	if len(req.Input) > 0 && !json.Valid(req.Input) {
		return nil, schema.NewError(schema.ErrCodeValidation, "input is not valid JSON")
	}
	if err := s.validator.ValidateInput(tpl.InputSchema, req.Input); err != nil {
		return nil, err
	}

	meta := map[string]any{schema.MetaMode: mode}
	if req.Priority > 0 {
		meta[schema.MetaPriority] = req.Priority
	}
	exec, err := s.store.CreateExecution(ctx, &schema.Execution{
		TemplateID:     tpl.ID,
		OrganizationID: schema.StrPtr(p.OrganizationID),
		UserID:         p.ID,
		Input:          req.Input,
		Metadata:       meta,
	})
	if err != nil {
		return nil, err
	}
	ctx = logging.WithExecutionID(ctx, exec.ID)

	jobID, err := s.queue.EnqueueWorkflow(ctx, queue.WorkflowJob{
		ExecutionID:        exec.ID,
		WorkflowTemplateID: tpl.ID,
		WorkflowName:       tpl.Name,
		UserID:             p.ID,
		OrganizationID:     exec.OrganizationID,
		Input:              req.Input,
	}, queue.JobOptions{Priority: req.Priority})
	if err != nil {
		msg, stack := schema.Describe(err), schema.CauseChain(err)
		if _, ferr := s.fsm.Transition(ctx, exec.ID, schema.ExecutionFailed, store.ExecutionUpdate{
			Error:      &msg,
			ErrorStack: &stack,
		}); ferr != nil {
			s.logger.Error().Ctx(ctx).Err(ferr).Msg("could not fail execution after enqueue error")
		}
		return nil, err
	}

	s.logger.Info().Ctx(ctx).
		Str("template_id", tpl.ID).
		Str("job_id", jobID).
		Str("mode", mode).
		Msg("execution queued")
	return &ExecuteResult{Execution: exec, JobID: jobID}, nil
}

// GetExecution returns an execution. Unknown ids are NOT_FOUND; executions the
// caller may not see are FORBIDDEN.
func (s *Service) GetExecution(ctx context.Context, p *access.Principal, id string) (*schema.Execution, error) {
	if err := requirePrincipal(p); err != nil {
		return nil, err
	}
	exec, err := s.store.GetExecution(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := access.CanAccessExecution(p, exec); err != nil {
		return nil, err
	}
	return exec, nil
}

// Steps returns the step history of an execution.
func (s *Service) Steps(ctx context.Context, p *access.Principal, id string) ([]*schema.ExecutionStep, error) {
	if _, err := s.GetExecution(ctx, p, id); err != nil {
		return nil, err
	}
	return s.store.ListExecutionSteps(ctx, id)
}

// ListOptions narrows ListExecutions.
type ListOptions struct {
	TemplateID string
	Status     schema.ExecutionStatus
	Limit      int
}

// ListExecutions lists what the caller may see, newest first.
func (s *Service) ListExecutions(ctx context.Context, p *access.Principal, opts ListOptions) ([]*schema.Execution, error) {
	if err := requirePrincipal(p); err != nil {
		return nil, err
	}
	filter := store.ExecutionFilter{
		TemplateID: opts.TemplateID,
		Scope:      access.ScopeFor(p),
		Limit:      opts.Limit,
	}
	if opts.Status != "" {
		if !opts.Status.Valid() {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "unknown status %q", opts.Status)
		}
		st := opts.Status
		filter.Status = &st
	}
	return s.store.ListExecutions(ctx, filter)
}

// Cancel moves a pending or running execution to cancelled. A running
// execution stops before its next node. Cancelling a terminal execution is
// INVALID_TRANSITION.
func (s *Service) Cancel(ctx context.Context, p *access.Principal, id string) (*schema.Execution, error) {
	if _, err := s.GetExecution(ctx, p, id); err != nil {
		return nil, err
	}
	ctx = logging.WithExecutionID(ctx, id)
	for attempt := 1; ; attempt++ {
		exec, err := s.fsm.Transition(ctx, id, schema.ExecutionCancelled, store.ExecutionUpdate{})
		if err == nil {
			s.logger.Info().Ctx(ctx).Str("by", p.ID).Msg("execution cancelled")
			return exec, nil
		}
		// A worker starting the execution between the read and the guarded
		// write loses nothing: cancel again from the new status.
		if attempt < cancelAttempts && exec != nil && !exec.Status.IsTerminal() &&
			schema.HasCode(err, schema.ErrCodeInvalidTransition) {
			continue
		}
		return nil, err
	}
}

const cancelAttempts = 3
