package engine

import (
	"github.com/rendis/runway/pkg/schema"
)

// Plan is the executable form of a template graph.
type Plan struct {
	Nodes     map[string]*schema.Node
	Input     string                   // the single input node
	Order     []string                 // topological order, ties broken by declaration order
	Out       map[string][]schema.Edge // node ID → outgoing edges, in declaration order
	In        map[string][]string      // node ID → predecessors
	Reachable map[string]bool          // nodes reachable from Input
}

// TotalSteps is the number of nodes a run can visit.
func (p *Plan) TotalSteps() int { return len(p.Reachable) }

// ParseGraph validates g and computes its topological order with Kahn's
// algorithm. Cycles yield CYCLE_DETECTED.
func ParseGraph(g schema.Graph) (*Plan, error) {
	if len(g.Nodes) == 0 {
		return nil, schema.NewError(schema.ErrCodeValidation, "graph has no nodes")
	}

	p := &Plan{
		Nodes:     make(map[string]*schema.Node, len(g.Nodes)),
		Out:       make(map[string][]schema.Edge, len(g.Nodes)),
		In:        make(map[string][]string, len(g.Nodes)),
		Reachable: make(map[string]bool, len(g.Nodes)),
	}
	position := make(map[string]int, len(g.Nodes))

	for i := range g.Nodes {
		n := &g.Nodes[i]
		if n.ID == "" {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "node at index %d has empty id", i)
		}
		if _, dup := p.Nodes[n.ID]; dup {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "duplicate node id: %s", n.ID)
		}
		if !n.Kind.Valid() {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "node %s has unknown kind: %s", n.ID, n.Kind)
		}
		if n.Kind == schema.NodeKindInput {
			if p.Input != "" {
				return nil, schema.NewErrorf(schema.ErrCodeValidation,
					"graph has more than one input node: %s, %s", p.Input, n.ID)
			}
			p.Input = n.ID
		}
		p.Nodes[n.ID] = n
		position[n.ID] = i
	}
	if p.Input == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "graph has no input node")
	}

	inDegree := make(map[string]int, len(p.Nodes))
	for _, e := range g.Edges {
		if _, ok := p.Nodes[e.From]; !ok {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "edge references unknown node: %s", e.From)
		}
		if _, ok := p.Nodes[e.To]; !ok {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "edge references unknown node: %s", e.To)
		}
		if e.From == e.To {
			return nil, schema.NewErrorf(schema.ErrCodeCycleDetected, "node %s has an edge to itself", e.From)
		}
		p.Out[e.From] = append(p.Out[e.From], e)
		p.In[e.To] = append(p.In[e.To], e.From)
		inDegree[e.To]++
	}

	var ready []string
	for id := range p.Nodes {
		if inDegree[id] == 0 {
			ready = insertByPosition(ready, id, position)
		}
	}

	order := make([]string, 0, len(p.Nodes))
	for len(ready) > 0 {
		id := ready[0]
		ready = ready[1:]
		order = append(order, id)
		for _, e := range p.Out[id] {
			inDegree[e.To]--
			if inDegree[e.To] == 0 {
				ready = insertByPosition(ready, e.To, position)
			}
		}
	}
	if len(order) != len(p.Nodes) {
		return nil, schema.NewError(schema.ErrCodeCycleDetected, "graph contains a cycle")
	}
	p.Order = order

	queue := []string{p.Input}
	p.Reachable[p.Input] = true
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		for _, e := range p.Out[id] {
			if !p.Reachable[e.To] {
				p.Reachable[e.To] = true
				queue = append(queue, e.To)
			}
		}
	}

	return p, nil
}

// insertByPosition keeps ready sorted by declaration index.
func insertByPosition(ready []string, id string, position map[string]int) []string {
	i := len(ready)
	for i > 0 && position[ready[i-1]] > position[id] {
		i--
	}
	ready = append(ready, "")
	copy(ready[i+1:], ready[i:])
	ready[i] = id
	return ready
}
