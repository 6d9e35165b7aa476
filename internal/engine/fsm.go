package engine

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/rendis/runway/internal/store"
	"github.com/rendis/runway/pkg/schema"
)

// StatusPublisher receives a StatusEvent after every stored status or
// progress change.
type StatusPublisher interface {
	Publish(ctx context.Context, event schema.StatusEvent) error
}

// ExecutionFSM is the only path through which execution status changes. It
// re-reads the stored status before each write and guards the write on that
// status, so a transition never overwrites a state set elsewhere (cancel,
// exhaustion) in between.
type ExecutionFSM struct {
	store     store.Store
	publisher StatusPublisher
	logger    zerolog.Logger
	now       func() time.Time
}

// NewExecutionFSM creates an FSM. publisher may be nil.
func NewExecutionFSM(st store.Store, publisher StatusPublisher, logger zerolog.Logger) *ExecutionFSM {
	return &ExecutionFSM{
		store:     st,
		publisher: publisher,
		logger:    logger,
		now:       time.Now,
	}
}

// Transition moves execution id to status to, writing update alongside.
// It returns INVALID_TRANSITION, together with the stored execution, when the
// move is not allowed from the current stored status.
func (f *ExecutionFSM) Transition(ctx context.Context, id string, to schema.ExecutionStatus, update store.ExecutionUpdate) (*schema.Execution, error) {
	cur, err := f.store.GetExecution(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := schema.ValidateExecutionTransition(cur.Status, to); err != nil {
		return cur, err
	}

	if to.IsTerminal() && update.CompletedAt == nil {
		now := f.now().UTC()
		update.CompletedAt = &now
	}

	update.IfStatus = cur.Status
	exec, err := f.store.UpdateExecutionStatus(ctx, id, to, update)
	if err != nil {
		return exec, err
	}

	f.logger.Info().Ctx(ctx).
		Str("execution_id", id).
		Str("from", string(cur.Status)).
		Str("to", string(to)).
		Msg("execution transition")

	f.publish(ctx, exec)
	return exec, nil
}

// Record writes progress fields on a running execution without changing its
// status. If the execution is no longer running, at the read or at the
// write, nothing is written and the stored execution is returned with
// INVALID_TRANSITION.
func (f *ExecutionFSM) Record(ctx context.Context, id string, update store.ExecutionUpdate) (*schema.Execution, error) {
	cur, err := f.store.GetExecution(ctx, id)
	if err != nil {
		return nil, err
	}
	if cur.Status != schema.ExecutionRunning {
		return cur, schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"execution %s is %s, not running", id, cur.Status)
	}

	update.IfStatus = schema.ExecutionRunning
	exec, err := f.store.UpdateExecutionStatus(ctx, id, schema.ExecutionRunning, update)
	if err != nil {
		return exec, err
	}
	f.publish(ctx, exec)
	return exec, nil
}

func (f *ExecutionFSM) publish(ctx context.Context, exec *schema.Execution) {
	if f.publisher == nil {
		return
	}
	event := schema.StatusEvent{
		ExecutionID: exec.ID,
		Status:      exec.Status,
		CurrentStep: exec.CurrentStep,
		Timestamp:   f.now().UTC(),
	}
	// Events are hints; the store stays authoritative.
	if err := f.publisher.Publish(context.WithoutCancel(ctx), event); err != nil {
		f.logger.Warn().Ctx(ctx).Err(err).Str("execution_id", exec.ID).Msg("publish status event")
	}
}
