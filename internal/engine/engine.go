// Package engine runs workflow executions: it walks a template graph node by
// node, records each step, and drives the execution through its lifecycle.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/rendis/runway/internal/expressions"
	"github.com/rendis/runway/internal/llm"
	"github.com/rendis/runway/internal/logging"
	"github.com/rendis/runway/internal/store"
	"github.com/rendis/runway/internal/tools"
	"github.com/rendis/runway/internal/validation"
	"github.com/rendis/runway/pkg/schema"
)

// Deps wires an Engine.
type Deps struct {
	Store     store.Store
	Tools     *tools.Registry
	LLMs      *llm.Registry
	Schemas   *validation.SchemaValidator
	CEL       *expressions.CELEngine
	JQ        *expressions.GoJQEngine
	Publisher StatusPublisher // optional
	Breakers  CircuitBreakerConfig
	Logger    zerolog.Logger
}

// Engine executes workflow runs.
type Engine struct {
	store    store.Store
	tools    *tools.Registry
	llms     *llm.Registry
	schemas  *validation.SchemaValidator
	cel      *expressions.CELEngine
	jq       *expressions.GoJQEngine
	fsm      *ExecutionFSM
	breakers *CircuitBreakerRegistry
	logger   zerolog.Logger
	now      func() time.Time
}

func New(d Deps) *Engine {
	logger := d.Logger.With().Str("component", "engine").Logger()
	return &Engine{
		store:    d.Store,
		tools:    d.Tools,
		llms:     d.LLMs,
		schemas:  d.Schemas,
		cel:      d.CEL,
		jq:       d.JQ,
		fsm:      NewExecutionFSM(d.Store, d.Publisher, logger),
		breakers: NewCircuitBreakerRegistry(d.Breakers),
		logger:   logger,
		now:      time.Now,
	}
}

// FSM exposes the status writer so other components (cancel, enqueue
// failure, queue exhaustion) change status through the same path.
func (e *Engine) FSM() *ExecutionFSM { return e.fsm }

// Result summarizes a finished (or already finished) execution.
type Result struct {
	ExecutionID string                 `json:"execution_id"`
	Status      schema.ExecutionStatus `json:"status"`
	Output      json.RawMessage        `json:"output,omitempty"`
	TokensUsed  int                    `json:"tokens_used"`
	Cost        float64                `json:"cost"`
	Steps       int                    `json:"steps"`
}

func resultOf(exec *schema.Execution) *Result {
	return &Result{
		ExecutionID: exec.ID,
		Status:      exec.Status,
		Output:      exec.Output,
		TokensUsed:  exec.TokensUsed,
		Cost:        exec.Cost,
		Steps:       exec.CurrentStep,
	}
}

// haltError signals that the stored execution left the running state
// underneath the walk (cancelled, or failed by the queue).
type haltError struct {
	exec *schema.Execution
}

func (h *haltError) Error() string {
	return fmt.Sprintf("execution %s is %s", h.exec.ID, h.exec.Status)
}

// run is the per-execution walk state.
type run struct {
	exec      *schema.Execution
	tpl       *schema.WorkflowTemplate
	plan      *Plan
	scope     *expressions.Scope
	activated map[string]bool
	done      map[string]*schema.ExecutionStep
	nextIndex int
	executed  int
	tokens    int
	cost      float64
	output    any
	hasOutput bool
}

// Execute runs execution executionID to a terminal state.
//
// A terminal execution is left untouched, so redelivered jobs are harmless.
// A running execution is resumed: completed steps are reused by node ID and
// steps left running by a lost worker are marked failed. A node failure fails
// the execution and returns STEP_FAILED, which the queue does not retry.
// Context expiry returns TIMEOUT (or CANCELLED) and leaves the execution
// running for redelivery.
func (e *Engine) Execute(ctx context.Context, executionID string) (*Result, error) {
	ctx = logging.WithExecutionID(ctx, executionID)

	exec, err := e.store.GetExecution(ctx, executionID)
	if err != nil {
		return nil, err
	}
	if exec.Status.IsTerminal() {
		e.logger.Info().Ctx(ctx).Str("status", string(exec.Status)).Msg("execution already terminal, skipping")
		return resultOf(exec), nil
	}
	if org := exec.OrgID(); org != "" {
		ctx = logging.WithOrgID(ctx, org)
	}

	tpl, err := e.store.GetTemplate(ctx, exec.TemplateID)
	if err != nil {
		if schema.IsNotFound(err) {
			return e.abort(ctx, exec, err)
		}
		return nil, err
	}
	plan, err := ParseGraph(tpl.Graph)
	if err != nil {
		return e.abort(ctx, exec, err)
	}
	input, err := expressions.DecodeInput(exec.Input)
	if err != nil {
		return e.abort(ctx, exec, schema.NewError(schema.ErrCodeValidation, "execution input is not valid JSON").WithCause(err))
	}

	r := &run{
		tpl:  tpl,
		plan: plan,
		scope: expressions.NewScope(input, map[string]any{
			"id":              exec.ID,
			"template_id":     exec.TemplateID,
			"user_id":         exec.UserID,
			"organization_id": exec.OrgID(),
		}),
		exec:      exec,
		activated: map[string]bool{plan.Input: true},
		done:      make(map[string]*schema.ExecutionStep),
	}

	switch exec.Status {
	case schema.ExecutionPending:
		now := e.now().UTC()
		total, zero := plan.TotalSteps(), 0
		exec, err = e.fsm.Transition(ctx, exec.ID, schema.ExecutionRunning, store.ExecutionUpdate{
			StartedAt:   &now,
			TotalSteps:  &total,
			CurrentStep: &zero,
			Progress:    &zero,
		})
		if err != nil {
			return e.halted(ctx, exec, err)
		}
		r.exec = exec
	case schema.ExecutionRunning:
		if err := e.resume(ctx, r); err != nil {
			return nil, err
		}
	}

	return e.walk(ctx, r)
}

func (e *Engine) walk(ctx context.Context, r *run) (*Result, error) {
	for _, id := range r.plan.Order {
		if !r.activated[id] {
			continue
		}
		node := r.plan.Nodes[id]

		if err := e.checkpoint(ctx, r, node); err != nil {
			return e.halted(ctx, nil, err)
		}

		if prev, ok := r.done[id]; ok {
			var out any
			if len(prev.Output) > 0 {
				if err := json.Unmarshal(prev.Output, &out); err != nil {
					return nil, schema.NewErrorf(schema.ErrCodeStore, "decode output of step %s", id).WithCause(err)
				}
			}
			r.record(node, out, prev.TokensUsed, prev.Cost)
		} else if err := e.runStep(ctx, r, node); err != nil {
			return e.halted(ctx, nil, err)
		}

		if err := e.activate(ctx, r, id); err != nil {
			return e.halted(ctx, nil, e.fail(ctx, r, node, err))
		}
	}
	return e.complete(ctx, r)
}

// checkpoint stops the walk when the stored execution is no longer running
// (cooperative cancel) or ctx is done.
func (e *Engine) checkpoint(ctx context.Context, r *run, node *schema.Node) error {
	if err := ctx.Err(); err != nil {
		return interrupted(ctx, node, err)
	}
	cur, err := e.store.GetExecution(ctx, r.exec.ID)
	if err != nil {
		return err
	}
	if cur.Status != schema.ExecutionRunning {
		return &haltError{exec: cur}
	}
	return nil
}

// halted turns a stop caused by another writer into a clean result and passes
// every other error through.
func (e *Engine) halted(ctx context.Context, cur *schema.Execution, err error) (*Result, error) {
	var h *haltError
	if errors.As(err, &h) {
		cur = h.exec
	} else if !schema.HasCode(err, schema.ErrCodeInvalidTransition) || cur == nil || !cur.Status.IsTerminal() {
		return nil, err
	}
	e.logger.Info().Ctx(ctx).Str("status", string(cur.Status)).Msg("execution stopped by external status change")
	return resultOf(cur), nil
}

// asHalt converts a rejected status write on an execution that another
// writer already moved on into a haltError.
func asHalt(cur *schema.Execution, err error) error {
	if err != nil && cur != nil && cur.Status != schema.ExecutionRunning &&
		schema.HasCode(err, schema.ErrCodeInvalidTransition) {
		return &haltError{exec: cur}
	}
	return err
}

func (r *run) record(node *schema.Node, out any, tokens int, cost float64) {
	r.scope.Set(node.ID, out)
	r.executed++
	r.tokens += tokens
	r.cost += cost
	if node.Kind == schema.NodeKindOutput {
		r.output = out
		r.hasOutput = true
	}
}

func (r *run) progress() int {
	total := r.plan.TotalSteps()
	if total == 0 {
		return 0
	}
	p := r.executed * 100 / total
	if p > 100 {
		p = 100
	}
	return p
}

// resume prepares a redelivered running execution.
func (e *Engine) resume(ctx context.Context, r *run) error {
	steps, err := e.store.ListExecutionSteps(ctx, r.exec.ID)
	if err != nil {
		return err
	}
	msg := "interrupted: execution was redelivered after its worker lost the lease"
	now := e.now().UTC()
	for _, s := range steps {
		if s.Index > r.nextIndex {
			r.nextIndex = s.Index
		}
		switch s.Status {
		case schema.StepCompleted:
			r.done[s.NodeID] = s
		case schema.StepRunning:
			if _, err := e.store.UpdateExecutionStep(ctx, s.ID, schema.StepFailed, store.StepUpdate{
				Error:       &msg,
				CompletedAt: &now,
			}); err != nil {
				return err
			}
		}
	}
	e.logger.Info().Ctx(ctx).
		Int("completed_steps", len(r.done)).
		Int("recorded_steps", len(steps)).
		Msg("resuming execution")
	return nil
}

func (e *Engine) runStep(ctx context.Context, r *run, node *schema.Node) error {
	ctx = logging.WithStepID(ctx, node.ID)
	r.nextIndex++

	step := &schema.ExecutionStep{
		ExecutionID: r.exec.ID,
		Index:       r.nextIndex,
		NodeID:      node.ID,
		Name:        node.DisplayName(),
		Kind:        node.Kind,
		Status:      schema.StepRunning,
		Input:       stepInput(r, node),
		StartedAt:   e.now().UTC(),
	}
	switch node.Kind {
	case schema.NodeKindTool:
		if node.Tool != nil {
			step.ToolName = node.Tool.Name
		}
	case schema.NodeKindLLM:
		if node.LLM != nil {
			step.Model = node.LLM.Model
		}
	}

	step, err := e.store.AddExecutionStep(ctx, step)
	if err != nil {
		return err
	}

	start := e.now()
	out, use, err := e.dispatch(ctx, r, node)
	var raw json.RawMessage
	if err == nil {
		out, raw, err = normalize(out)
	}
	duration := e.now().Sub(start).Milliseconds()
	finished := e.now().UTC()

	if err != nil {
		msg := err.Error()
		bg := context.WithoutCancel(ctx)
		if ctx.Err() != nil {
			msg = "interrupted: " + msg
		}
		if _, uerr := e.store.UpdateExecutionStep(bg, step.ID, schema.StepFailed, store.StepUpdate{
			Error:       &msg,
			TokensUsed:  &use.tokens,
			Cost:        &use.cost,
			DurationMs:  &duration,
			CompletedAt: &finished,
		}); uerr != nil {
			e.logger.Error().Ctx(ctx).Err(uerr).Msg("record failed step")
		}
		if ctx.Err() != nil {
			return interrupted(ctx, node, err)
		}
		e.logger.Warn().Ctx(ctx).Err(err).Str("kind", string(node.Kind)).Int64("duration_ms", duration).Msg("step failed")
		return e.fail(bg, r, node, err)
	}

	if _, err := e.store.UpdateExecutionStep(ctx, step.ID, schema.StepCompleted, store.StepUpdate{
		Output:      raw,
		TokensUsed:  &use.tokens,
		Cost:        &use.cost,
		DurationMs:  &duration,
		CompletedAt: &finished,
	}); err != nil {
		return err
	}
	r.record(node, out, use.tokens, use.cost)

	e.logger.Info().Ctx(ctx).
		Str("kind", string(node.Kind)).
		Int("index", step.Index).
		Int64("duration_ms", duration).
		Int("tokens", use.tokens).
		Msg("step completed")

	progress := r.progress()
	cur, err := e.fsm.Record(ctx, r.exec.ID, store.ExecutionUpdate{
		CurrentStep: &r.executed,
		Progress:    &progress,
		TokensUsed:  &r.tokens,
		Cost:        &r.cost,
	})
	return asHalt(cur, err)
}

// activate marks the successors of id whose edge condition holds.
func (e *Engine) activate(ctx context.Context, r *run, id string) error {
	edges := r.plan.Out[id]
	if len(edges) == 0 {
		return nil
	}
	data := r.scope.Data()
	for _, edge := range edges {
		if edge.Condition == "" {
			r.activated[edge.To] = true
			continue
		}
		ok, err := e.cel.EvaluateBool(ctx, edge.Condition, data)
		if err != nil {
			return schema.NewErrorf(schema.ErrCodeExecution, "condition on edge %s -> %s: %s", edge.From, edge.To, err.Error()).
				WithCause(err)
		}
		if ok {
			r.activated[edge.To] = true
		}
	}
	return nil
}

// fail moves the execution to failed for a node error and returns STEP_FAILED.
func (e *Engine) fail(ctx context.Context, r *run, node *schema.Node, cause error) error {
	msg := cause.Error()
	stack := errorStack(r, node, cause)
	cur, err := e.fsm.Transition(ctx, r.exec.ID, schema.ExecutionFailed, store.ExecutionUpdate{
		Error:       &msg,
		ErrorStack:  &stack,
		CurrentStep: &r.executed,
		Progress:    ptr(r.progress()),
		TokensUsed:  &r.tokens,
		Cost:        &r.cost,
	})
	if err != nil {
		return asHalt(cur, err)
	}
	return schema.NewErrorf(schema.ErrCodeStepFailed, "node %s failed: %s", node.ID, msg).
		WithStep(node.ID).
		WithCause(cause)
}

// abort fails an execution that cannot start (missing template, bad graph).
func (e *Engine) abort(ctx context.Context, exec *schema.Execution, cause error) (*Result, error) {
	msg := cause.Error()
	stack := schema.CauseChain(cause)
	cur, err := e.fsm.Transition(ctx, exec.ID, schema.ExecutionFailed, store.ExecutionUpdate{
		Error:      &msg,
		ErrorStack: &stack,
	})
	if err != nil {
		return e.halted(ctx, cur, err)
	}
	e.logger.Warn().Ctx(ctx).Err(cause).Msg("execution aborted before start")
	return nil, cause
}

func (e *Engine) complete(ctx context.Context, r *run) (*Result, error) {
	out := r.output
	if !r.hasOutput {
		out = r.scope.State()
	}
	raw, err := json.Marshal(out)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeExecution, "encode execution output").WithCause(err)
	}

	hundred := 100
	exec, err := e.fsm.Transition(ctx, r.exec.ID, schema.ExecutionCompleted, store.ExecutionUpdate{
		Output:      raw,
		CurrentStep: &r.executed,
		Progress:    &hundred,
		TokensUsed:  &r.tokens,
		Cost:        &r.cost,
	})
	if err != nil {
		return e.halted(ctx, exec, err)
	}
	e.logger.Info().Ctx(ctx).
		Int("steps", r.executed).
		Int("tokens", r.tokens).
		Float64("cost", r.cost).
		Msg("execution completed")
	return resultOf(exec), nil
}

func interrupted(ctx context.Context, node *schema.Node, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return schema.NewErrorf(schema.ErrCodeTimeout, "execution timed out at node %s", node.ID).
			WithStep(node.ID).WithCause(err)
	}
	return schema.NewErrorf(schema.ErrCodeCancelled, "execution interrupted at node %s", node.ID).
		WithStep(node.ID).WithCause(err)
}

// errorStack renders the failing node and the cause chain, one line each.
func errorStack(r *run, node *schema.Node, cause error) string {
	head := fmt.Sprintf("node %s (%s, step %d)", node.ID, node.Kind, r.nextIndex)
	switch {
	case node.Kind == schema.NodeKindTool && node.Tool != nil:
		head = fmt.Sprintf("node %s (tool %s, step %d)", node.ID, node.Tool.Name, r.nextIndex)
	case node.Kind == schema.NodeKindLLM && node.LLM != nil:
		head = fmt.Sprintf("node %s (llm %s/%s, step %d)", node.ID, node.LLM.Provider, node.LLM.Model, r.nextIndex)
	}
	return head + "\n" + schema.CauseChain(cause)
}

// normalize round-trips a node output through JSON so the scope only holds
// plain JSON values.
func normalize(out any) (any, json.RawMessage, error) {
	raw, err := json.Marshal(out)
	if err != nil {
		return nil, nil, schema.NewError(schema.ErrCodeExecution, "node output is not JSON encodable").WithCause(err)
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, nil, schema.NewError(schema.ErrCodeExecution, "node output is not JSON encodable").WithCause(err)
	}
	return v, raw, nil
}

// stepInput records the node's unresolved configuration on its step.
func stepInput(r *run, node *schema.Node) json.RawMessage {
	var v any
	switch node.Kind {
	case schema.NodeKindInput:
		if len(r.exec.Input) > 0 {
			return r.exec.Input
		}
		return nil
	case schema.NodeKindTool:
		v = node.Tool
	case schema.NodeKindLLM:
		v = node.LLM
	case schema.NodeKindOutput:
		v = node.Output
	}
	raw, err := json.Marshal(v)
	if err != nil || string(raw) == "null" {
		return nil
	}
	return raw
}

func ptr[T any](v T) *T { return &v }
