package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/runway/pkg/schema"
)

func node(id string, kind schema.NodeKind) schema.Node {
	return schema.Node{ID: id, Kind: kind}
}

func TestParseGraph_Order(t *testing.T) {
	g := schema.Graph{
		Nodes: []schema.Node{
			node("in", schema.NodeKindInput),
			node("b", schema.NodeKindTool),
			node("a", schema.NodeKindTool),
			node("out", schema.NodeKindOutput),
			node("orphan", schema.NodeKindTool),
		},
		Edges: []schema.Edge{
			{From: "in", To: "a"},
			{From: "in", To: "b"},
			{From: "a", To: "out"},
			{From: "b", To: "out"},
		},
	}

	p, err := ParseGraph(g)
	require.NoError(t, err)
	assert.Equal(t, "in", p.Input)
	// Ties follow declaration order: b is declared before a.
	assert.Equal(t, []string{"in", "b", "a", "out", "orphan"}, p.Order)
	assert.Equal(t, 4, p.TotalSteps())
	assert.False(t, p.Reachable["orphan"])
	assert.ElementsMatch(t, []string{"a", "b"}, p.In["out"])
	assert.Len(t, p.Out["in"], 2)
}

func TestParseGraph_Errors(t *testing.T) {
	cases := []struct {
		name string
		g    schema.Graph
		code string
	}{
		{"empty", schema.Graph{}, schema.ErrCodeValidation},
		{"no input", schema.Graph{Nodes: []schema.Node{node("a", schema.NodeKindTool)}}, schema.ErrCodeValidation},
		{"two inputs", schema.Graph{Nodes: []schema.Node{node("a", schema.NodeKindInput), node("b", schema.NodeKindInput)}}, schema.ErrCodeValidation},
		{"duplicate id", schema.Graph{Nodes: []schema.Node{node("a", schema.NodeKindInput), node("a", schema.NodeKindTool)}}, schema.ErrCodeValidation},
		{"empty id", schema.Graph{Nodes: []schema.Node{node("", schema.NodeKindInput)}}, schema.ErrCodeValidation},
		{"bad kind", schema.Graph{Nodes: []schema.Node{node("a", "shell")}}, schema.ErrCodeValidation},
		{"unknown edge", schema.Graph{
			Nodes: []schema.Node{node("in", schema.NodeKindInput)},
			Edges: []schema.Edge{{From: "in", To: "ghost"}},
		}, schema.ErrCodeValidation},
		{"self loop", schema.Graph{
			Nodes: []schema.Node{node("in", schema.NodeKindInput), node("a", schema.NodeKindTool)},
			Edges: []schema.Edge{{From: "in", To: "a"}, {From: "a", To: "a"}},
		}, schema.ErrCodeCycleDetected},
		{"cycle", schema.Graph{
			Nodes: []schema.Node{node("in", schema.NodeKindInput), node("a", schema.NodeKindTool), node("b", schema.NodeKindTool)},
			Edges: []schema.Edge{{From: "in", To: "a"}, {From: "a", To: "b"}, {From: "b", To: "a"}},
		}, schema.ErrCodeCycleDetected},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseGraph(tc.g)
			require.Error(t, err)
			assert.Equal(t, tc.code, schema.CodeOf(err))
		})
	}
}
