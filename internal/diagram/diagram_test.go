package diagram

import (
	"context"
	"strings"
	"testing"

	"github.com/goccy/go-graphviz"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/runway/pkg/schema"
)

// branching: in -> classify -> {urgent, routine} -> out, plus an orphan.
func branching() *schema.WorkflowTemplate {
	return &schema.WorkflowTemplate{
		Name: "triage",
		Graph: schema.Graph{
			Nodes: []schema.Node{
				{ID: "in", Kind: schema.NodeKindInput},
				{ID: "classify", Kind: schema.NodeKindLLM, LLM: &schema.LLMConfig{Provider: "openai", Model: "gpt-4o-mini", Prompt: "x"}},
				{ID: "urgent", Kind: schema.NodeKindTool, Tool: &schema.ToolConfig{Name: "http.request"}},
				{ID: "routine", Kind: schema.NodeKindTool, Tool: &schema.ToolConfig{Name: "jq"}},
				{ID: "out", Kind: schema.NodeKindOutput},
				{ID: "orphan", Kind: schema.NodeKindTool, Tool: &schema.ToolConfig{Name: "assert"}},
			},
			Edges: []schema.Edge{
				{From: "in", To: "classify"},
				{From: "classify", To: "urgent", Condition: `state.classify.text == "urgent"`},
				{From: "classify", To: "routine", Condition: `state.classify.text != "urgent"`},
				{From: "urgent", To: "out"},
				{From: "routine", To: "out"},
			},
		},
	}
}

func TestBuild_Layout(t *testing.T) {
	m, err := Build(branching(), nil)
	require.NoError(t, err)

	assert.Equal(t, "triage", m.Title)
	assert.Equal(t, [][]string{{"in", "orphan"}, {"classify"}, {"urgent", "routine"}, {"out"}}, m.Levels)
	assert.Len(t, m.Edges, 5)
	assert.Equal(t, `state.classify.text == "urgent"`, m.Edges[1].Label)

	assert.Equal(t, "openai/gpt-4o-mini", m.Node("classify").Detail)
	assert.Equal(t, "http.request", m.Node("urgent").Detail)
	assert.True(t, m.Node("orphan").Unreachable)
	assert.False(t, m.Node("out").Unreachable)
	assert.Nil(t, m.Node("missing"))
}

func TestBuild_StatusOverlay(t *testing.T) {
	steps := []*schema.ExecutionStep{
		{NodeID: "in", Index: 0, Status: schema.StepCompleted, DurationMs: 1},
		{NodeID: "classify", Index: 1, Status: schema.StepFailed, Error: schema.StrPtr("rate limited")},
		{NodeID: "classify", Index: 2, Status: schema.StepCompleted, DurationMs: 840},
		{NodeID: "urgent", Index: 3, Status: schema.StepRunning},
	}
	m, err := Build(branching(), steps)
	require.NoError(t, err)

	cls := m.Node("classify").Status
	require.NotNil(t, cls)
	assert.Equal(t, schema.StepCompleted, cls.Status)
	assert.Equal(t, int64(840), cls.DurationMs)
	assert.Empty(t, cls.Error)
	assert.Equal(t, schema.StepRunning, m.Node("urgent").Status.Status)
	assert.Nil(t, m.Node("routine").Status)
}

func TestBuild_InvalidGraph(t *testing.T) {
	tpl := branching()
	tpl.Graph.Edges = append(tpl.Graph.Edges, schema.Edge{From: "out", To: "classify"})
	_, err := Build(tpl, nil)
	assert.True(t, schema.HasCode(err, schema.ErrCodeCycleDetected))
}

func TestRenderASCII(t *testing.T) {
	m, err := Build(branching(), []*schema.ExecutionStep{
		{NodeID: "classify", Status: schema.StepCompleted, DurationMs: 12},
	})
	require.NoError(t, err)

	out := RenderASCII(m)
	assert.True(t, strings.HasPrefix(out, "=== triage ===\n"))
	assert.Contains(t, out, "│ classify             │")
	assert.Contains(t, out, "[OK] 12ms")
	assert.Contains(t, out, "(unreachable)")
	assert.Contains(t, out, `classify ─→ urgent  if state.classify.text == "urgent"`)
	assert.Contains(t, out, "in ─→ classify\n")
}

func TestRenderMermaid(t *testing.T) {
	m, err := Build(branching(), []*schema.ExecutionStep{
		{NodeID: "in", Status: schema.StepCompleted},
	})
	require.NoError(t, err)

	out := RenderMermaid(m)
	assert.True(t, strings.HasPrefix(out, "flowchart TD\n"))
	assert.Contains(t, out, `n_in(["in"])`)
	assert.Contains(t, out, `n_classify{{"classify<br/>openai/gpt-4o-mini"}}`)
	assert.Contains(t, out, `n_out[/"out"/]`)
	assert.Contains(t, out, `n_classify -->|"state.classify.text == #quot;urgent#quot;"| n_urgent`)
	assert.Contains(t, out, "n_urgent --> n_out")
	assert.Contains(t, out, "class n_in completed")
	assert.Contains(t, out, "class n_orphan unreachable")
}

func TestRenderMermaid_NoStatusNoClassDefs(t *testing.T) {
	tpl := branching()
	tpl.Graph.Nodes = tpl.Graph.Nodes[:5]
	m, err := Build(tpl, nil)
	require.NoError(t, err)
	assert.NotContains(t, RenderMermaid(m), "classDef")
}

func TestRenderImage(t *testing.T) {
	m, err := Build(branching(), []*schema.ExecutionStep{
		{NodeID: "in", Status: schema.StepCompleted},
		{NodeID: "classify", Status: schema.StepFailed},
	})
	require.NoError(t, err)
	ctx := context.Background()

	svg, err := RenderImage(ctx, m, graphviz.SVG)
	require.NoError(t, err)
	assert.Contains(t, string(svg), "<svg")
	assert.Contains(t, string(svg), "classify")

	png, err := RenderImage(ctx, m, graphviz.PNG)
	require.NoError(t, err)
	require.Greater(t, len(png), 8)
	assert.Equal(t, []byte{0x89, 'P', 'N', 'G'}, png[:4])
}

func TestParseFormat(t *testing.T) {
	f, err := ParseFormat("")
	require.NoError(t, err)
	assert.Equal(t, FormatMermaid, f)

	for _, name := range []string{"ascii", "mermaid", "svg", "png"} {
		f, err := ParseFormat(name)
		require.NoError(t, err)
		assert.Equal(t, Format(name), f)
	}

	_, err = ParseFormat("pdf")
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))

	assert.Equal(t, "image/svg+xml", FormatSVG.ContentType())
	assert.Equal(t, "image/png", FormatPNG.ContentType())
	assert.Equal(t, "text/plain; charset=utf-8", FormatMermaid.ContentType())
}

func TestRender_Dispatch(t *testing.T) {
	m, err := Build(branching(), nil)
	require.NoError(t, err)
	ctx := context.Background()

	out, err := Render(ctx, m, FormatASCII)
	require.NoError(t, err)
	assert.Equal(t, RenderASCII(m), string(out))

	out, err = Render(ctx, m, FormatMermaid)
	require.NoError(t, err)
	assert.Equal(t, RenderMermaid(m), string(out))
}
