// Package diagram renders a template graph, optionally overlaid with the
// step history of one execution, as ASCII, Mermaid, SVG or PNG.
package diagram

import "github.com/rendis/runway/pkg/schema"

// Model is the renderer-independent form of a diagram.
type Model struct {
	Title string
	Nodes []*Node
	Edges []Edge
	// Levels groups node IDs by longest distance from a source node.
	Levels [][]string
}

// Node is one graph node.
type Node struct {
	ID     string
	Label  string
	Detail string // tool name or provider/model
	Kind   schema.NodeKind
	// Unreachable nodes can never run: no path leads to them from the input.
	Unreachable bool
	Status      *StatusOverlay
}

// StatusOverlay is the latest recorded step for a node.
type StatusOverlay struct {
	Status     schema.StepStatus
	DurationMs int64
	Error      string
}

// Edge is a graph edge. Label carries the edge condition, if any.
type Edge struct {
	From  string
	To    string
	Label string
}

// Node returns the node with the given id, or nil.
func (m *Model) Node(id string) *Node {
	for _, n := range m.Nodes {
		if n.ID == id {
			return n
		}
	}
	return nil
}
