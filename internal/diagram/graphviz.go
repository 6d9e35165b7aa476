package diagram

import (
	"bytes"
	"context"
	"fmt"

	"github.com/goccy/go-graphviz"
	"github.com/goccy/go-graphviz/cgraph"

	"github.com/rendis/runway/pkg/schema"
)

// RenderImage lays the model out with graphviz dot and encodes it as SVG or
// PNG.
func RenderImage(ctx context.Context, m *Model, format graphviz.Format) ([]byte, error) {
	gv, err := graphviz.New(ctx)
	if err != nil {
		return nil, fmt.Errorf("diagram: create graphviz: %w", err)
	}
	defer gv.Close()
	gv.SetLayout(graphviz.DOT)

	graph, err := gv.Graph()
	if err != nil {
		return nil, fmt.Errorf("diagram: create graph: %w", err)
	}
	defer graph.Close()

	graph.SetRankDir(cgraph.TBRank)
	graph.SetLabel(m.Title)

	nodes := make(map[string]*cgraph.Node, len(m.Nodes))
	for _, n := range m.Nodes {
		gn, err := graph.CreateNodeByName(n.ID)
		if err != nil {
			return nil, fmt.Errorf("diagram: create node %s: %w", n.ID, err)
		}
		label := n.Label
		if n.Detail != "" {
			label += "\n" + n.Detail
		}
		gn.SetLabel(label)
		styleNode(gn, n)
		nodes[n.ID] = gn
	}

	for _, e := range m.Edges {
		ge, err := graph.CreateEdgeByName("", nodes[e.From], nodes[e.To])
		if err != nil {
			return nil, fmt.Errorf("diagram: create edge %s->%s: %w", e.From, e.To, err)
		}
		if e.Label != "" {
			ge.SetLabel(e.Label)
		}
	}

	var buf bytes.Buffer
	if err := gv.Render(ctx, graph, format, &buf); err != nil {
		return nil, fmt.Errorf("diagram: render %s: %w", format, err)
	}
	return buf.Bytes(), nil
}

func styleNode(gn *cgraph.Node, n *Node) {
	switch n.Kind {
	case schema.NodeKindInput, schema.NodeKindOutput:
		gn.SetShape(cgraph.EllipseShape)
	case schema.NodeKindLLM:
		gn.SetShape(cgraph.HexagonShape)
	default:
		gn.SetShape(cgraph.BoxShape)
	}

	if n.Unreachable {
		gn.SetStyle(cgraph.DashedNodeStyle)
		gn.SetFontColor("#888888")
		return
	}
	if n.Status == nil {
		return
	}
	gn.SetStyle(cgraph.FilledNodeStyle)
	gn.SetFontColor("white")
	switch n.Status.Status {
	case schema.StepCompleted:
		gn.SetFillColor("#2d6a2d")
	case schema.StepFailed:
		gn.SetFillColor("#8b1a1a")
	case schema.StepRunning:
		gn.SetFillColor("#1a5276")
	default:
		gn.SetFillColor("#6b6b6b")
	}
}
