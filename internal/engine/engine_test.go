package engine

import (
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/runway/internal/expressions"
	"github.com/rendis/runway/internal/llm"
	"github.com/rendis/runway/internal/store"
	"github.com/rendis/runway/internal/tools"
	"github.com/rendis/runway/internal/validation"
	"github.com/rendis/runway/pkg/schema"
)

// --- fixtures ---

type recorder struct {
	mu     sync.Mutex
	events []schema.StatusEvent
}

func (r *recorder) Publish(_ context.Context, ev schema.StatusEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *recorder) statuses() []schema.ExecutionStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]schema.ExecutionStatus, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Status
	}
	return out
}

// funcTool adapts a function to tools.Tool.
type funcTool struct {
	name string
	fn   func(ctx context.Context, in tools.Input) (any, error)
}

func (f funcTool) Name() string        { return f.name }
func (f funcTool) Description() string { return "test tool" }
func (f funcTool) Call(ctx context.Context, in tools.Input) (any, error) {
	return f.fn(ctx, in)
}

type fixture struct {
	store  *store.SQLStore
	tools  *tools.Registry
	events *recorder
	deps   Deps
	engine *Engine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st, err := store.OpenLibSQL("file:" + filepath.Join(t.TempDir(), "engine.db"))
	require.NoError(t, err)
	require.NoError(t, st.Migrate(context.Background()))
	t.Cleanup(func() { _ = st.Close() })

	schemas, err := validation.NewSchemaValidator()
	require.NoError(t, err)
	cel, err := expressions.NewCELEngine()
	require.NoError(t, err)

	reg := tools.NewRegistry()
	require.NoError(t, tools.RegisterBuiltins(reg, tools.Deps{
		Schemas: schemas,
		JQ:      expressions.NewGoJQEngine(),
		Expr:    expressions.NewExprEngine(),
	}))
	llms := llm.NewRegistry()
	llms.Register(llm.NewStatic())

	events := &recorder{}
	deps := Deps{
		Store:     st,
		Tools:     reg,
		LLMs:      llms,
		Schemas:   schemas,
		CEL:       cel,
		JQ:        expressions.NewGoJQEngine(),
		Publisher: events,
		Logger:    zerolog.Nop(),
	}
	return &fixture{store: st, tools: reg, events: events, deps: deps, engine: New(deps)}
}

// cancelBeforeProgress cancels the execution right before the first progress
// write reaches the store, after the FSM has already read it as running.
type cancelBeforeProgress struct {
	store.Store
	once sync.Once
}

func (c *cancelBeforeProgress) UpdateExecutionStatus(ctx context.Context, id string, status schema.ExecutionStatus, update store.ExecutionUpdate) (*schema.Execution, error) {
	if status == schema.ExecutionRunning && update.CurrentStep != nil && *update.CurrentStep == 1 {
		c.once.Do(func() {
			_, _ = c.Store.UpdateExecutionStatus(ctx, id, schema.ExecutionCancelled, store.ExecutionUpdate{})
		})
	}
	return c.Store.UpdateExecutionStatus(ctx, id, status, update)
}

func (f *fixture) template(t *testing.T, g schema.Graph, inputSchema string) *schema.WorkflowTemplate {
	t.Helper()
	tpl := &schema.WorkflowTemplate{
		Name:       "tpl",
		Visibility: schema.Scoped("org-1"),
		AuthorID:   "user-1",
		Active:     true,
		Graph:      g,
	}
	if inputSchema != "" {
		tpl.InputSchema = json.RawMessage(inputSchema)
	}
	out, err := f.store.CreateTemplate(context.Background(), tpl)
	require.NoError(t, err)
	return out
}

func (f *fixture) execution(t *testing.T, templateID, input string) *schema.Execution {
	t.Helper()
	org := "org-1"
	exec, err := f.store.CreateExecution(context.Background(), &schema.Execution{
		TemplateID:     templateID,
		UserID:         "user-1",
		OrganizationID: &org,
		Input:          json.RawMessage(input),
	})
	require.NoError(t, err)
	return exec
}

func (f *fixture) get(t *testing.T, id string) *schema.Execution {
	t.Helper()
	exec, err := f.store.GetExecution(context.Background(), id)
	require.NoError(t, err)
	return exec
}

func (f *fixture) steps(t *testing.T, id string) []*schema.ExecutionStep {
	t.Helper()
	steps, err := f.store.ListExecutionSteps(context.Background(), id)
	require.NoError(t, err)
	return steps
}

const textSchema = `{"type":"object","required":["text"],"properties":{"text":{"type":"string"}}}`

// summarizeGraph is [input] → [tool:validate] → [llm:summarize] → [output].
func summarizeGraph() schema.Graph {
	return schema.Graph{
		Nodes: []schema.Node{
			{ID: "in", Kind: schema.NodeKindInput},
			{ID: "validate", Kind: schema.NodeKindTool, Tool: &schema.ToolConfig{
				Name: "json.validate",
				Params: map[string]any{
					"data":   "${{input}}",
					"schema": textSchema,
				},
			}},
			{ID: "summarize", Kind: schema.NodeKindLLM, LLM: &schema.LLMConfig{
				Provider: "static", Model: "static-1", Prompt: "Summarize: ${{input.text}}",
			}},
			{ID: "out", Kind: schema.NodeKindOutput, Output: &schema.OutputConfig{
				Expression: `{summary: .state.summarize.text}`,
			}},
		},
		Edges: []schema.Edge{
			{From: "in", To: "validate"},
			{From: "validate", To: "summarize", Condition: "state.validate.valid == true"},
			{From: "summarize", To: "out"},
		},
	}
}

func nodeIDs(steps []*schema.ExecutionStep) []string {
	ids := make([]string, len(steps))
	for i, s := range steps {
		ids[i] = s.NodeID
	}
	return ids
}

// --- scenarios ---

func TestExecute_HappyPath(t *testing.T) {
	f := newFixture(t)
	tpl := f.template(t, summarizeGraph(), textSchema)
	exec := f.execution(t, tpl.ID, `{"text":"hello world"}`)

	res, err := f.engine.Execute(context.Background(), exec.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionCompleted, res.Status)
	assert.JSONEq(t, `{"summary":"Summary: Summarize: hello world"}`, string(res.Output))

	got := f.get(t, exec.ID)
	assert.Equal(t, schema.ExecutionCompleted, got.Status)
	assert.Equal(t, 4, got.TotalSteps)
	assert.Equal(t, 4, got.CurrentStep)
	assert.Equal(t, 100, got.Progress)
	assert.Equal(t, 7, got.TokensUsed)
	assert.Nil(t, got.Error)
	require.NotNil(t, got.StartedAt)
	require.NotNil(t, got.CompletedAt)

	steps := f.steps(t, exec.ID)
	assert.Equal(t, []string{"in", "validate", "summarize", "out"}, nodeIDs(steps))
	for i, s := range steps {
		assert.Equal(t, i+1, s.Index)
		assert.Equal(t, schema.StepCompleted, s.Status, s.NodeID)
		assert.NotNil(t, s.CompletedAt)
	}
	assert.Equal(t, "json.validate", steps[1].ToolName)
	assert.Equal(t, "static-1", steps[2].Model)
	assert.Equal(t, 7, steps[2].TokensUsed)

	statuses := f.events.statuses()
	require.NotEmpty(t, statuses)
	assert.Equal(t, schema.ExecutionRunning, statuses[0])
	assert.Equal(t, schema.ExecutionCompleted, statuses[len(statuses)-1])
}

func TestExecute_MidGraphFailure(t *testing.T) {
	f := newFixture(t)
	tpl := f.template(t, summarizeGraph(), "")
	exec := f.execution(t, tpl.ID, `{"text":42}`)

	_, err := f.engine.Execute(context.Background(), exec.ID)
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeStepFailed))
	assert.False(t, schema.IsRetryable(err))

	got := f.get(t, exec.ID)
	assert.Equal(t, schema.ExecutionFailed, got.Status)
	require.NotNil(t, got.Error)
	assert.Contains(t, *got.Error, "VALIDATION")
	require.NotNil(t, got.ErrorStack)
	assert.Contains(t, *got.ErrorStack, "node validate (tool json.validate, step 2)")
	assert.NotNil(t, got.CompletedAt)

	steps := f.steps(t, exec.ID)
	assert.Equal(t, []string{"in", "validate"}, nodeIDs(steps))
	failed := 0
	for _, s := range steps {
		if s.Status == schema.StepFailed {
			failed++
		}
		assert.NotEqual(t, schema.NodeKindLLM, s.Kind)
	}
	assert.Equal(t, 1, failed)
}

func TestExecute_InputSchemaViolation(t *testing.T) {
	f := newFixture(t)
	tpl := f.template(t, summarizeGraph(), textSchema)
	exec := f.execution(t, tpl.ID, `{}`)

	_, err := f.engine.Execute(context.Background(), exec.ID)
	assert.True(t, schema.HasCode(err, schema.ErrCodeStepFailed))

	steps := f.steps(t, exec.ID)
	require.Len(t, steps, 1)
	assert.Equal(t, schema.StepFailed, steps[0].Status)
}

func TestExecute_IdempotentRedelivery(t *testing.T) {
	f := newFixture(t)
	tpl := f.template(t, summarizeGraph(), textSchema)
	exec := f.execution(t, tpl.ID, `{"text":"hello"}`)

	first, err := f.engine.Execute(context.Background(), exec.ID)
	require.NoError(t, err)
	events := len(f.events.statuses())

	second, err := f.engine.Execute(context.Background(), exec.ID)
	require.NoError(t, err)
	assert.Equal(t, first.Status, second.Status)
	assert.JSONEq(t, string(first.Output), string(second.Output))
	assert.Len(t, f.steps(t, exec.ID), 4)
	assert.Len(t, f.events.statuses(), events)
}

func TestExecute_ResumeAfterLostLease(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tpl := f.template(t, summarizeGraph(), textSchema)
	exec := f.execution(t, tpl.ID, `{"text":"hello world"}`)

	started := time.Now().UTC()
	total := 4
	_, err := f.store.UpdateExecutionStatus(ctx, exec.ID, schema.ExecutionRunning, store.ExecutionUpdate{
		StartedAt: &started, TotalSteps: &total,
	})
	require.NoError(t, err)
	_, err = f.store.AddExecutionStep(ctx, &schema.ExecutionStep{
		ExecutionID: exec.ID, Index: 1, NodeID: "in", Name: "in", Kind: schema.NodeKindInput,
		Status: schema.StepCompleted, Output: json.RawMessage(`{"text":"hello world"}`),
	})
	require.NoError(t, err)
	_, err = f.store.AddExecutionStep(ctx, &schema.ExecutionStep{
		ExecutionID: exec.ID, Index: 2, NodeID: "validate", Name: "validate", Kind: schema.NodeKindTool,
		Status: schema.StepRunning,
	})
	require.NoError(t, err)

	res, err := f.engine.Execute(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionCompleted, res.Status)

	steps := f.steps(t, exec.ID)
	assert.Equal(t, []string{"in", "validate", "validate", "summarize", "out"}, nodeIDs(steps))
	assert.Equal(t, schema.StepFailed, steps[1].Status)
	require.NotNil(t, steps[1].Error)
	assert.Contains(t, *steps[1].Error, "interrupted")
	assert.Equal(t, 5, steps[4].Index)

	got := f.get(t, exec.ID)
	assert.Equal(t, 4, got.CurrentStep)
	assert.Equal(t, started.Unix(), got.StartedAt.Unix())
}

func TestExecute_CancelBetweenReadAndWriteSticks(t *testing.T) {
	f := newFixture(t)
	tpl := f.template(t, summarizeGraph(), textSchema)
	exec := f.execution(t, tpl.ID, `{"text":"hello world"}`)

	d := f.deps
	d.Store = &cancelBeforeProgress{Store: f.store}
	res, err := New(d).Execute(context.Background(), exec.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionCancelled, res.Status)

	got := f.get(t, exec.ID)
	assert.Equal(t, schema.ExecutionCancelled, got.Status)
	assert.Equal(t, 0, got.CurrentStep)
	assert.Equal(t, []string{"in"}, nodeIDs(f.steps(t, exec.ID)))
	assert.Equal(t, []schema.ExecutionStatus{schema.ExecutionRunning}, f.events.statuses())
}

func TestExecute_CooperativeCancel(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.tools.Register(funcTool{name: "cancel.self", fn: func(ctx context.Context, in tools.Input) (any, error) {
		id := in.Scope["execution"].(map[string]any)["id"].(string)
		_, err := f.store.UpdateExecutionStatus(ctx, id, schema.ExecutionCancelled, store.ExecutionUpdate{})
		return map[string]any{"ok": true}, err
	}}))

	tpl := f.template(t, schema.Graph{
		Nodes: []schema.Node{
			{ID: "in", Kind: schema.NodeKindInput},
			{ID: "stop", Kind: schema.NodeKindTool, Tool: &schema.ToolConfig{Name: "cancel.self"}},
			{ID: "out", Kind: schema.NodeKindOutput},
		},
		Edges: []schema.Edge{{From: "in", To: "stop"}, {From: "stop", To: "out"}},
	}, "")
	exec := f.execution(t, tpl.ID, `{}`)

	res, err := f.engine.Execute(context.Background(), exec.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionCancelled, res.Status)

	assert.Equal(t, schema.ExecutionCancelled, f.get(t, exec.ID).Status)
	assert.Equal(t, []string{"in", "stop"}, nodeIDs(f.steps(t, exec.ID)))
}

func TestExecute_ConditionalBranchSkipped(t *testing.T) {
	f := newFixture(t)
	tpl := f.template(t, schema.Graph{
		Nodes: []schema.Node{
			{ID: "in", Kind: schema.NodeKindInput},
			{ID: "gate", Kind: schema.NodeKindTool, Tool: &schema.ToolConfig{
				Name: "expr", Params: map[string]any{"expression": "input.n > 5"},
			}},
			{ID: "big", Kind: schema.NodeKindTool, Tool: &schema.ToolConfig{
				Name: "expr", Params: map[string]any{"expression": `"big"`},
			}},
			{ID: "out", Kind: schema.NodeKindOutput},
		},
		Edges: []schema.Edge{
			{From: "in", To: "gate"},
			{From: "gate", To: "big", Condition: "state.gate == true"},
			{From: "gate", To: "out"},
			{From: "big", To: "out"},
		},
	}, "")
	exec := f.execution(t, tpl.ID, `{"n":1}`)

	res, err := f.engine.Execute(context.Background(), exec.ID)
	require.NoError(t, err)
	assert.JSONEq(t, `{"in":{"n":1},"gate":false}`, string(res.Output))

	assert.Equal(t, []string{"in", "gate", "out"}, nodeIDs(f.steps(t, exec.ID)))
	got := f.get(t, exec.ID)
	assert.Equal(t, 4, got.TotalSteps)
	assert.Equal(t, 3, got.CurrentStep)
	assert.Equal(t, 100, got.Progress)
}

func TestExecute_TimeoutLeavesExecutionRunning(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.tools.Register(funcTool{name: "block", fn: func(ctx context.Context, _ tools.Input) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}))
	tpl := f.template(t, schema.Graph{
		Nodes: []schema.Node{
			{ID: "in", Kind: schema.NodeKindInput},
			{ID: "wait", Kind: schema.NodeKindTool, Tool: &schema.ToolConfig{Name: "block"}},
		},
		Edges: []schema.Edge{{From: "in", To: "wait"}},
	}, "")
	exec := f.execution(t, tpl.ID, `{}`)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err := f.engine.Execute(ctx, exec.ID)
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeTimeout))
	assert.True(t, schema.IsRetryable(err))

	assert.Equal(t, schema.ExecutionRunning, f.get(t, exec.ID).Status)
	steps := f.steps(t, exec.ID)
	require.Len(t, steps, 2)
	assert.Equal(t, schema.StepFailed, steps[1].Status)
	assert.True(t, strings.HasPrefix(*steps[1].Error, "interrupted: "))
}

func TestExecute_CyclicTemplateFails(t *testing.T) {
	f := newFixture(t)
	tpl := f.template(t, schema.Graph{
		Nodes: []schema.Node{
			{ID: "in", Kind: schema.NodeKindInput},
			{ID: "a", Kind: schema.NodeKindOutput},
			{ID: "b", Kind: schema.NodeKindOutput},
		},
		Edges: []schema.Edge{{From: "in", To: "a"}, {From: "a", To: "b"}, {From: "b", To: "a"}},
	}, "")
	exec := f.execution(t, tpl.ID, `{}`)

	_, err := f.engine.Execute(context.Background(), exec.ID)
	assert.True(t, schema.HasCode(err, schema.ErrCodeCycleDetected))

	got := f.get(t, exec.ID)
	assert.Equal(t, schema.ExecutionFailed, got.Status)
	assert.Empty(t, f.steps(t, exec.ID))
}

func TestExecute_UnknownExecution(t *testing.T) {
	f := newFixture(t)
	_, err := f.engine.Execute(context.Background(), "00000000-0000-0000-0000-000000000000")
	assert.True(t, schema.IsNotFound(err))
}

func TestExecutionFSM(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tpl := f.template(t, summarizeGraph(), "")
	exec := f.execution(t, tpl.ID, `{}`)
	fsm := f.engine.FSM()

	_, err := fsm.Record(ctx, exec.ID, store.ExecutionUpdate{})
	assert.True(t, schema.HasCode(err, schema.ErrCodeInvalidTransition), "pending is not running")

	got, err := fsm.Transition(ctx, exec.ID, schema.ExecutionRunning, store.ExecutionUpdate{})
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionRunning, got.Status)

	got, err = fsm.Transition(ctx, exec.ID, schema.ExecutionCancelled, store.ExecutionUpdate{})
	require.NoError(t, err)
	assert.NotNil(t, got.CompletedAt)

	cur, err := fsm.Transition(ctx, exec.ID, schema.ExecutionCompleted, store.ExecutionUpdate{})
	assert.True(t, schema.HasCode(err, schema.ErrCodeInvalidTransition))
	require.NotNil(t, cur)
	assert.Equal(t, schema.ExecutionCancelled, cur.Status)

	assert.Equal(t, []schema.ExecutionStatus{schema.ExecutionRunning, schema.ExecutionCancelled}, f.events.statuses())
}
