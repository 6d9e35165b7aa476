package service

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/runway/pkg/schema"
)

func TestTemplateDiagram(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tpl := f.template(t, alice, schema.Scoped("org-a"))

	m, err := f.svc.TemplateDiagram(ctx, alice, tpl.ID)
	require.NoError(t, err)
	assert.Equal(t, "summarize", m.Title)
	assert.Equal(t, [][]string{{"in"}, {"summarize"}, {"out"}}, m.Levels)
	assert.Equal(t, "static", m.Node("summarize").Detail)

	_, err = f.svc.TemplateDiagram(ctx, bob, tpl.ID)
	assert.True(t, schema.HasCode(err, schema.ErrCodeForbidden))
}

func TestExecutionDiagram(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tpl := f.template(t, alice, schema.Scoped("org-a"))
	res, err := f.svc.Execute(ctx, alice, ExecuteRequest{TemplateID: tpl.ID, Input: json.RawMessage(`{"text":"x"}`)})
	require.NoError(t, err)
	id := res.Execution.ID

	_, err = f.store.AddExecutionStep(ctx, &schema.ExecutionStep{
		ExecutionID: id,
		Index:       0,
		NodeID:      "in",
		Name:        "in",
		Kind:        schema.NodeKindInput,
		Status:      schema.StepCompleted,
		StartedAt:   f.svc.now(),
	})
	require.NoError(t, err)

	m, err := f.svc.ExecutionDiagram(ctx, alice, id)
	require.NoError(t, err)
	assert.Equal(t, "summarize / "+id, m.Title)
	require.NotNil(t, m.Node("in").Status)
	assert.Equal(t, schema.StepCompleted, m.Node("in").Status.Status)
	assert.Nil(t, m.Node("summarize").Status)

	_, err = f.svc.ExecutionDiagram(ctx, bob, id)
	assert.True(t, schema.HasCode(err, schema.ErrCodeForbidden))
}
