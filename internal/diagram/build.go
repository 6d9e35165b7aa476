package diagram

import (
	"fmt"

	"github.com/rendis/runway/internal/engine"
	"github.com/rendis/runway/pkg/schema"
)

// Build lays out tpl's graph. steps may be nil; otherwise each node carries
// the status of its highest-index step.
func Build(tpl *schema.WorkflowTemplate, steps []*schema.ExecutionStep) (*Model, error) {
	plan, err := engine.ParseGraph(tpl.Graph)
	if err != nil {
		return nil, err
	}

	latest := make(map[string]*schema.ExecutionStep, len(steps))
	for _, s := range steps {
		if cur, ok := latest[s.NodeID]; !ok || s.Index > cur.Index {
			latest[s.NodeID] = s
		}
	}

	m := &Model{Title: tpl.Name}
	if m.Title == "" {
		m.Title = "workflow"
	}

	level := make(map[string]int, len(plan.Order))
	depth := 0
	for _, id := range plan.Order {
		for _, pred := range plan.In[id] {
			if l := level[pred] + 1; l > level[id] {
				level[id] = l
			}
		}
		depth = max(depth, level[id])

		n := plan.Nodes[id]
		node := &Node{
			ID:          id,
			Label:       label(n),
			Detail:      detail(n),
			Kind:        n.Kind,
			Unreachable: !plan.Reachable[id],
		}
		if s, ok := latest[id]; ok {
			node.Status = &StatusOverlay{Status: s.Status, DurationMs: s.DurationMs}
			if s.Error != nil {
				node.Status.Error = *s.Error
			}
		}
		m.Nodes = append(m.Nodes, node)
	}

	m.Levels = make([][]string, depth+1)
	for _, id := range plan.Order {
		m.Levels[level[id]] = append(m.Levels[level[id]], id)
	}

	for _, id := range plan.Order {
		for _, e := range plan.Out[id] {
			m.Edges = append(m.Edges, Edge{From: e.From, To: e.To, Label: e.Condition})
		}
	}
	return m, nil
}

func label(n *schema.Node) string {
	if n.Name != "" {
		return n.Name
	}
	return n.ID
}

func detail(n *schema.Node) string {
	switch {
	case n.Tool != nil:
		return n.Tool.Name
	case n.LLM != nil && n.LLM.Model != "":
		return fmt.Sprintf("%s/%s", n.LLM.Provider, n.LLM.Model)
	case n.LLM != nil:
		return n.LLM.Provider
	}
	return ""
}
