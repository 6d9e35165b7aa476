package validation

import (
	"fmt"
	"sort"

	"github.com/rendis/runway/pkg/schema"
)

// validateGraph detects cycles (Kahn's algorithm) and nodes unreachable from
// the input node. Edges with unknown endpoints were reported by the semantic
// stage and are ignored here.
func validateGraph(g schema.Graph) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	ids := make(map[string]bool, len(g.Nodes))
	for _, n := range g.Nodes {
		ids[n.ID] = true
	}

	inDegree := make(map[string]int, len(ids))
	successors := make(map[string][]string, len(ids))
	for id := range ids {
		inDegree[id] = 0
	}
	for i, e := range g.Edges {
		if !ids[e.From] || !ids[e.To] {
			continue
		}
		if e.From == e.To {
			result.AddError(fmt.Sprintf("graph.edges[%d]", i), schema.ErrCodeCycleDetected,
				fmt.Sprintf("node %q has an edge to itself", e.From))
			continue
		}
		successors[e.From] = append(successors[e.From], e.To)
		inDegree[e.To]++
	}

	queue := make([]string, 0, len(ids))
	for id, deg := range inDegree {
		if deg == 0 {
			queue = append(queue, id)
		}
	}
	sort.Strings(queue)

	visited := 0
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		visited++
		for _, next := range successors[node] {
			inDegree[next]--
			if inDegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}
	if visited != len(ids) {
		var stuck []string
		for id, deg := range inDegree {
			if deg > 0 {
				stuck = append(stuck, id)
			}
		}
		sort.Strings(stuck)
		result.AddError("graph.edges", schema.ErrCodeCycleDetected,
			fmt.Sprintf("graph contains a cycle through %v", stuck))
		return result
	}

	var input string
	hasOutput := false
	for _, n := range g.Nodes {
		switch n.Kind {
		case schema.NodeKindInput:
			if input == "" {
				input = n.ID
			}
		case schema.NodeKindOutput:
			hasOutput = true
		}
	}
	if !hasOutput {
		result.AddWarning("graph.nodes", schema.ErrCodeValidation,
			"graph has no output node; the run result will be the accumulated state")
	}
	if input == "" {
		return result
	}

	reachable := map[string]bool{input: true}
	bfs := []string{input}
	for len(bfs) > 0 {
		node := bfs[0]
		bfs = bfs[1:]
		for _, next := range successors[node] {
			if !reachable[next] {
				reachable[next] = true
				bfs = append(bfs, next)
			}
		}
	}
	for i, n := range g.Nodes {
		if !reachable[n.ID] {
			result.AddWarning(fmt.Sprintf("graph.nodes[%d]", i), schema.ErrCodeValidation,
				fmt.Sprintf("node %q is unreachable from the input node", n.ID))
		}
	}
	return result
}
