package store

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/runway/pkg/schema"
)

// runStoreSuite exercises the Store contract against any dialect.
func runStoreSuite(t *testing.T, newStore func(t *testing.T) *SQLStore) {
	t.Run("TemplateRoundTrip", func(t *testing.T) { testTemplateRoundTrip(t, newStore(t)) })
	t.Run("TemplateVisibilityFilter", func(t *testing.T) { testTemplateVisibilityFilter(t, newStore(t)) })
	t.Run("CreateExecutionStartsPending", func(t *testing.T) { testCreateExecutionStartsPending(t, newStore(t)) })
	t.Run("CreateExecutionMalformedTemplate", func(t *testing.T) { testCreateExecutionMalformedTemplate(t, newStore(t)) })
	t.Run("UpdateExecutionStatus", func(t *testing.T) { testUpdateExecutionStatus(t, newStore(t)) })
	t.Run("UpdateExecutionNotFound", func(t *testing.T) { testUpdateExecutionNotFound(t, newStore(t)) })
	t.Run("UpdateExecutionIfStatus", func(t *testing.T) { testUpdateExecutionIfStatus(t, newStore(t)) })
	t.Run("ListExecutionsFiltersAndOrder", func(t *testing.T) { testListExecutionsFiltersAndOrder(t, newStore(t)) })
	t.Run("ListExecutionsLimitCap", func(t *testing.T) { testListExecutionsLimitCap(t, newStore(t)) })
	t.Run("ListExecutionsScope", func(t *testing.T) { testListExecutionsScope(t, newStore(t)) })
	t.Run("Steps", func(t *testing.T) { testSteps(t, newStore(t)) })
	t.Run("Schedules", func(t *testing.T) { testSchedules(t, newStore(t)) })
}

func seedTemplate(t *testing.T, s *SQLStore, vis schema.Visibility) *schema.WorkflowTemplate {
	t.Helper()
	tpl, err := s.CreateTemplate(context.Background(), &schema.WorkflowTemplate{
		Name:       "summarize-" + uuid.NewString()[:8],
		Visibility: vis,
		AuthorID:   "user-a",
		Active:     true,
		Graph: schema.Graph{
			Nodes: []schema.Node{
				{ID: "in", Kind: schema.NodeKindInput},
				{ID: "out", Kind: schema.NodeKindOutput, Output: &schema.OutputConfig{Expression: ".input"}},
			},
			Edges: []schema.Edge{{From: "in", To: "out"}},
		},
	})
	require.NoError(t, err)
	return tpl
}

func seedExecution(t *testing.T, s *SQLStore, templateID, userID string, orgID *string) *schema.Execution {
	t.Helper()
	exec, err := s.CreateExecution(context.Background(), &schema.Execution{
		TemplateID:     templateID,
		UserID:         userID,
		OrganizationID: orgID,
		Input:          json.RawMessage(`{"text":"abc"}`),
	})
	require.NoError(t, err)
	return exec
}

func testTemplateRoundTrip(t *testing.T, s *SQLStore) {
	ctx := context.Background()
	tpl := seedTemplate(t, s, schema.Scoped("org-x"))
	assert.Equal(t, "1", tpl.Version)

	got, err := s.GetTemplate(ctx, tpl.ID)
	require.NoError(t, err)
	assert.Equal(t, tpl.Name, got.Name)
	assert.Equal(t, schema.Scoped("org-x"), got.Visibility)
	assert.True(t, got.Active)
	require.Len(t, got.Graph.Nodes, 2)
	assert.Equal(t, ".input", got.Graph.Nodes[1].Output.Expression)

	inactive := false
	version := "2"
	updated, err := s.UpdateTemplate(ctx, tpl.ID, TemplateUpdate{Active: &inactive, Version: &version})
	require.NoError(t, err)
	assert.False(t, updated.Active)
	assert.Equal(t, "2", updated.Version)

	_, err = s.GetTemplate(ctx, uuid.NewString())
	assert.True(t, schema.IsNotFound(err))

	_, err = s.CreateTemplate(ctx, &schema.WorkflowTemplate{Name: "bad", Visibility: schema.Scoped("")})
	assert.Equal(t, schema.ErrCodeValidation, schema.CodeOf(err))
}

func testTemplateVisibilityFilter(t *testing.T, s *SQLStore) {
	ctx := context.Background()
	seedTemplate(t, s, schema.Scoped("org-x"))
	seedTemplate(t, s, schema.Scoped("org-y"))
	shared := seedTemplate(t, s, schema.Shared())

	visible, err := s.ListTemplates(ctx, TemplateFilter{OrganizationID: "org-x", IncludeShared: true})
	require.NoError(t, err)
	assert.Len(t, visible, 2)

	onlyShared, err := s.ListTemplates(ctx, TemplateFilter{IncludeShared: true})
	require.NoError(t, err)
	require.Len(t, onlyShared, 1)
	assert.Equal(t, shared.ID, onlyShared[0].ID)

	all, err := s.ListTemplates(ctx, TemplateFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func testCreateExecutionStartsPending(t *testing.T, s *SQLStore) {
	ctx := context.Background()
	tpl := seedTemplate(t, s, schema.Shared())

	exec, err := s.CreateExecution(ctx, &schema.Execution{
		TemplateID: tpl.ID,
		UserID:     "user-a",
		Status:     schema.ExecutionCompleted,
		Input:      json.RawMessage(`{"text":"abc"}`),
		Metadata:   map[string]any{schema.MetaMode: "async", schema.MetaPriority: float64(3)},
	})
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionPending, exec.Status)

	got, err := s.GetExecution(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionPending, got.Status)
	assert.Nil(t, got.OrganizationID)
	assert.Nil(t, got.CompletedAt)
	assert.Nil(t, got.Error)
	assert.JSONEq(t, `{"text":"abc"}`, string(got.Input))
	assert.Equal(t, "async", got.Metadata[schema.MetaMode])
	assert.Equal(t, float64(3), got.Metadata[schema.MetaPriority])
}

func testCreateExecutionMalformedTemplate(t *testing.T, s *SQLStore) {
	_, err := s.CreateExecution(context.Background(), &schema.Execution{TemplateID: "not-a-uuid", UserID: "u"})
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeValidation, schema.CodeOf(err))
}

func testUpdateExecutionStatus(t *testing.T, s *SQLStore) {
	ctx := context.Background()
	tpl := seedTemplate(t, s, schema.Shared())
	exec := seedExecution(t, s, tpl.ID, "user-a", schema.StrPtr("org-x"))

	started := time.Now().UTC()
	step, total, progress := 2, 5, 40
	got, err := s.UpdateExecutionStatus(ctx, exec.ID, schema.ExecutionRunning, ExecutionUpdate{
		StartedAt:   &started,
		CurrentStep: &step,
		TotalSteps:  &total,
		Progress:    &progress,
	})
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionRunning, got.Status)
	assert.Equal(t, 2, got.CurrentStep)
	assert.Equal(t, 5, got.TotalSteps)
	assert.Equal(t, 40, got.Progress)
	require.NotNil(t, got.StartedAt)
	assert.WithinDuration(t, started, *got.StartedAt, time.Second)
	assert.Equal(t, "org-x", got.OrgID())

	done := time.Now().UTC()
	tokens, cost := 120, 0.0042
	got, err = s.UpdateExecutionStatus(ctx, exec.ID, schema.ExecutionCompleted, ExecutionUpdate{
		Output:      json.RawMessage(`{"summary":"short"}`),
		CompletedAt: &done,
		TokensUsed:  &tokens,
		Cost:        &cost,
	})
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionCompleted, got.Status)
	assert.JSONEq(t, `{"summary":"short"}`, string(got.Output))
	assert.Equal(t, 120, got.TokensUsed)
	assert.InDelta(t, 0.0042, got.Cost, 1e-9)
	require.NotNil(t, got.CompletedAt)

	// The store is a dumb facade: it does not police transitions.
	got, err = s.UpdateExecutionStatus(ctx, exec.ID, schema.ExecutionRunning, ExecutionUpdate{})
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionRunning, got.Status)
	assert.Equal(t, 2, got.CurrentStep, "unlisted fields are untouched")
}

func testUpdateExecutionNotFound(t *testing.T, s *SQLStore) {
	_, err := s.UpdateExecutionStatus(context.Background(), uuid.NewString(), schema.ExecutionRunning, ExecutionUpdate{})
	assert.True(t, schema.IsNotFound(err))

	_, err = s.GetExecution(context.Background(), uuid.NewString())
	assert.True(t, schema.IsNotFound(err))
}

func testUpdateExecutionIfStatus(t *testing.T, s *SQLStore) {
	ctx := context.Background()
	tpl := seedTemplate(t, s, schema.Shared())
	exec := seedExecution(t, s, tpl.ID, "user-a", schema.StrPtr("org-x"))

	got, err := s.UpdateExecutionStatus(ctx, exec.ID, schema.ExecutionRunning, ExecutionUpdate{IfStatus: schema.ExecutionPending})
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionRunning, got.Status)

	_, err = s.UpdateExecutionStatus(ctx, exec.ID, schema.ExecutionCancelled, ExecutionUpdate{})
	require.NoError(t, err)

	step := 3
	cur, err := s.UpdateExecutionStatus(ctx, exec.ID, schema.ExecutionRunning, ExecutionUpdate{
		IfStatus:    schema.ExecutionRunning,
		CurrentStep: &step,
	})
	assert.True(t, schema.HasCode(err, schema.ErrCodeInvalidTransition), "got %v", err)
	require.NotNil(t, cur)
	assert.Equal(t, schema.ExecutionCancelled, cur.Status)
	assert.Equal(t, 0, cur.CurrentStep, "a rejected write changes nothing")

	_, err = s.UpdateExecutionStatus(ctx, uuid.NewString(), schema.ExecutionRunning, ExecutionUpdate{IfStatus: schema.ExecutionPending})
	assert.True(t, schema.IsNotFound(err))
}

func testListExecutionsFiltersAndOrder(t *testing.T, s *SQLStore) {
	ctx := context.Background()
	tplA := seedTemplate(t, s, schema.Shared())
	tplB := seedTemplate(t, s, schema.Shared())

	first := seedExecution(t, s, tplA.ID, "user-a", schema.StrPtr("org-x"))
	second := seedExecution(t, s, tplA.ID, "user-b", schema.StrPtr("org-x"))
	seedExecution(t, s, tplB.ID, "user-a", nil)

	byTemplate, err := s.ListExecutions(ctx, ExecutionFilter{TemplateID: tplA.ID})
	require.NoError(t, err)
	require.Len(t, byTemplate, 2)
	assert.Equal(t, second.ID, byTemplate[0].ID, "newest first")
	assert.Equal(t, first.ID, byTemplate[1].ID)

	conj, err := s.ListExecutions(ctx, ExecutionFilter{TemplateID: tplA.ID, UserID: "user-a"})
	require.NoError(t, err)
	require.Len(t, conj, 1)
	assert.Equal(t, first.ID, conj[0].ID)

	pending := schema.ExecutionPending
	byStatus, err := s.ListExecutions(ctx, ExecutionFilter{OrganizationID: "org-x", Status: &pending})
	require.NoError(t, err)
	assert.Len(t, byStatus, 2)
}

func testListExecutionsLimitCap(t *testing.T, s *SQLStore) {
	ctx := context.Background()
	tpl := seedTemplate(t, s, schema.Shared())
	for i := 0; i < MaxListLimit+5; i++ {
		seedExecution(t, s, tpl.ID, "user-a", nil)
	}

	def, err := s.ListExecutions(ctx, ExecutionFilter{})
	require.NoError(t, err)
	assert.Len(t, def, MaxListLimit)

	over, err := s.ListExecutions(ctx, ExecutionFilter{Limit: 500})
	require.NoError(t, err)
	assert.Len(t, over, MaxListLimit)

	small, err := s.ListExecutions(ctx, ExecutionFilter{Limit: 3})
	require.NoError(t, err)
	assert.Len(t, small, 3)
}

func testListExecutionsScope(t *testing.T, s *SQLStore) {
	ctx := context.Background()
	tpl := seedTemplate(t, s, schema.Shared())

	ownPersonal := seedExecution(t, s, tpl.ID, "user-a", nil)
	sameOrg := seedExecution(t, s, tpl.ID, "user-c", schema.StrPtr("org-x"))
	seedExecution(t, s, tpl.ID, "user-b", schema.StrPtr("org-y"))
	seedExecution(t, s, tpl.ID, "user-b", nil)

	got, err := s.ListExecutions(ctx, ExecutionFilter{Scope: &AccessScope{UserID: "user-a", OrganizationID: "org-x"}})
	require.NoError(t, err)
	ids := make([]string, 0, len(got))
	for _, e := range got {
		ids = append(ids, e.ID)
		if e.UserID != "user-a" {
			assert.Equal(t, "org-x", e.OrgID())
		}
	}
	assert.ElementsMatch(t, []string{ownPersonal.ID, sameOrg.ID}, ids)

	noOrg, err := s.ListExecutions(ctx, ExecutionFilter{Scope: &AccessScope{UserID: "user-a"}})
	require.NoError(t, err)
	require.Len(t, noOrg, 1)
	assert.Equal(t, ownPersonal.ID, noOrg[0].ID)
}

func testSteps(t *testing.T, s *SQLStore) {
	ctx := context.Background()
	tpl := seedTemplate(t, s, schema.Shared())
	exec := seedExecution(t, s, tpl.ID, "user-a", nil)

	second, err := s.AddExecutionStep(ctx, &schema.ExecutionStep{
		ExecutionID: exec.ID, Index: 2, NodeID: "validate", Name: "tool:validate",
		Kind: schema.NodeKindTool, ToolName: "assert", Input: json.RawMessage(`{"text":"abc"}`),
	})
	require.NoError(t, err)
	assert.Equal(t, schema.StepRunning, second.Status)

	_, err = s.AddExecutionStep(ctx, &schema.ExecutionStep{
		ExecutionID: exec.ID, Index: 1, NodeID: "in", Name: "input:in", Kind: schema.NodeKindInput,
		Status: schema.StepCompleted,
	})
	require.NoError(t, err)

	_, err = s.AddExecutionStep(ctx, &schema.ExecutionStep{
		ExecutionID: exec.ID, Index: 2, NodeID: "dup", Name: "dup", Kind: schema.NodeKindTool,
	})
	assert.Equal(t, schema.ErrCodeConflict, schema.CodeOf(err))

	done := time.Now().UTC()
	dur := int64(15)
	msg := "text must not be empty"
	updated, err := s.UpdateExecutionStep(ctx, second.ID, schema.StepFailed, StepUpdate{
		Error: &msg, DurationMs: &dur, CompletedAt: &done,
	})
	require.NoError(t, err)
	assert.Equal(t, schema.StepFailed, updated.Status)
	require.NotNil(t, updated.Error)
	assert.Equal(t, msg, *updated.Error)
	assert.Equal(t, int64(15), updated.DurationMs)
	assert.Equal(t, "assert", updated.ToolName)

	steps, err := s.ListExecutionSteps(ctx, exec.ID)
	require.NoError(t, err)
	require.Len(t, steps, 2)
	assert.Equal(t, 1, steps[0].Index)
	assert.Equal(t, 2, steps[1].Index)

	_, err = s.UpdateExecutionStep(ctx, uuid.NewString(), schema.StepCompleted, StepUpdate{})
	assert.True(t, schema.IsNotFound(err))
}

func testSchedules(t *testing.T, s *SQLStore) {
	ctx := context.Background()
	tpl := seedTemplate(t, s, schema.Shared())
	now := time.Now().UTC()
	past := now.Add(-time.Minute)
	future := now.Add(time.Hour)

	due, err := s.CreateSchedule(ctx, &Schedule{
		TemplateID: tpl.ID, CronExpression: "*/5 * * * *", OwnerID: "user-a", OwnerRole: "member",
		Enabled: true, NextRunAt: &past,
	})
	require.NoError(t, err)
	_, err = s.CreateSchedule(ctx, &Schedule{
		TemplateID: tpl.ID, CronExpression: "0 * * * *", OwnerID: "user-a", OwnerRole: "member",
		Enabled: true, NextRunAt: &future,
	})
	require.NoError(t, err)
	_, err = s.CreateSchedule(ctx, &Schedule{
		TemplateID: tpl.ID, CronExpression: "0 * * * *", OwnerID: "user-a", OwnerRole: "member",
		Enabled: false, NextRunAt: &past,
	})
	require.NoError(t, err)

	list, err := s.ListDueSchedules(ctx, now)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, due.ID, list[0].ID)

	status := "completed"
	require.NoError(t, s.UpdateSchedule(ctx, due.ID, ScheduleUpdate{NextRunAt: &future, LastRunAt: &now, LastRunStatus: &status}))
	list, err = s.ListDueSchedules(ctx, now)
	require.NoError(t, err)
	assert.Empty(t, list)

	got, err := s.GetSchedule(ctx, due.ID)
	require.NoError(t, err)
	assert.Equal(t, "completed", got.LastRunStatus)

	enabled := true
	all, err := s.ListSchedules(ctx, ScheduleFilter{Enabled: &enabled})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	require.NoError(t, s.DeleteSchedule(ctx, due.ID))
	assert.True(t, schema.IsNotFound(s.DeleteSchedule(ctx, due.ID)))
}
