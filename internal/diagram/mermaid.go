package diagram

import (
	"fmt"
	"strings"

	"github.com/rendis/runway/pkg/schema"
)

// RenderMermaid renders a Mermaid flowchart. Step status and unreachable
// nodes are shown with classDef styles.
func RenderMermaid(m *Model) string {
	var b strings.Builder
	b.WriteString("flowchart TD\n")
	fmt.Fprintf(&b, "    %%%% %s\n", m.Title)

	for _, n := range m.Nodes {
		fmt.Fprintf(&b, "    %s\n", mermaidNode(n))
	}
	for _, e := range m.Edges {
		if e.Label != "" {
			fmt.Fprintf(&b, "    %s -->|\"%s\"| %s\n", mermaidID(e.From), mermaidText(e.Label), mermaidID(e.To))
		} else {
			fmt.Fprintf(&b, "    %s --> %s\n", mermaidID(e.From), mermaidID(e.To))
		}
	}

	var classes []string
	for _, n := range m.Nodes {
		switch {
		case n.Status != nil:
			classes = append(classes, fmt.Sprintf("    class %s %s\n", mermaidID(n.ID), n.Status.Status))
		case n.Unreachable:
			classes = append(classes, fmt.Sprintf("    class %s unreachable\n", mermaidID(n.ID)))
		}
	}
	if len(classes) > 0 {
		b.WriteString("    classDef completed fill:#2d6a2d,stroke:#1a4a1a,color:#fff\n")
		b.WriteString("    classDef failed fill:#8b1a1a,stroke:#5c0e0e,color:#fff\n")
		b.WriteString("    classDef running fill:#1a5276,stroke:#0e3a52,color:#fff\n")
		b.WriteString("    classDef unreachable fill:#e8e8e8,color:#888,stroke-dasharray:5 5\n")
		for _, c := range classes {
			b.WriteString(c)
		}
	}
	return b.String()
}

func mermaidNode(n *Node) string {
	id := mermaidID(n.ID)
	label := mermaidText(n.Label)
	if n.Detail != "" {
		label += "<br/>" + mermaidText(n.Detail)
	}
	switch n.Kind {
	case schema.NodeKindInput:
		return fmt.Sprintf("%s([\"%s\"])", id, label)
	case schema.NodeKindOutput:
		return fmt.Sprintf("%s[/\"%s\"/]", id, label)
	case schema.NodeKindLLM:
		return fmt.Sprintf("%s{{\"%s\"}}", id, label)
	default:
		return fmt.Sprintf("%s[\"%s\"]", id, label)
	}
}

var idReplacer = strings.NewReplacer(".", "_", "-", "_", " ", "_", ":", "_")

// mermaidID maps a node ID onto the characters Mermaid accepts unquoted.
// The n_ prefix keeps IDs such as "end" from colliding with keywords.
func mermaidID(id string) string {
	return "n_" + idReplacer.Replace(id)
}

var textReplacer = strings.NewReplacer(`"`, "#quot;", "<", "#lt;", ">", "#gt;")

func mermaidText(s string) string {
	return textReplacer.Replace(s)
}
