package diagram

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

func statusTag(o *StatusOverlay) string {
	if o == nil {
		return ""
	}
	switch o.Status {
	case "completed":
		return "[OK]"
	case "failed":
		return "[FAIL]"
	case "running":
		return "[RUN]"
	}
	return "[" + strings.ToUpper(string(o.Status)) + "]"
}

// RenderASCII draws one row of boxes per level, then lists the edges with
// their conditions.
func RenderASCII(m *Model) string {
	var b strings.Builder
	fmt.Fprintf(&b, "=== %s ===\n\n", m.Title)

	for i, level := range m.Levels {
		boxes := make([]box, 0, len(level))
		for _, id := range level {
			if n := m.Node(id); n != nil {
				boxes = append(boxes, makeBox(n))
			}
		}
		writeRow(&b, boxes)
		if i < len(m.Levels)-1 {
			b.WriteString("    │\n    ▼\n")
		}
	}

	if len(m.Edges) > 0 {
		b.WriteString("\nedges:\n")
		for _, e := range m.Edges {
			fmt.Fprintf(&b, "  %s ─→ %s", e.From, e.To)
			if e.Label != "" {
				fmt.Fprintf(&b, "  if %s", e.Label)
			}
			b.WriteByte('\n')
		}
	}
	return b.String()
}

type box struct {
	lines []string
	width int
}

func makeBox(n *Node) box {
	content := []string{n.Label}
	if n.Detail != "" {
		content = append(content, "("+n.Detail+")")
	}
	if tag := statusTag(n.Status); tag != "" {
		if n.Status.DurationMs > 0 {
			tag += fmt.Sprintf(" %dms", n.Status.DurationMs)
		}
		content = append(content, tag)
	}
	if n.Unreachable {
		content = append(content, "(unreachable)")
	}

	inner := 0
	for _, l := range content {
		inner = max(inner, utf8.RuneCountInString(l))
	}
	lines := make([]string, 0, len(content)+2)
	lines = append(lines, "┌"+strings.Repeat("─", inner+2)+"┐")
	for _, l := range content {
		lines = append(lines, "│ "+l+strings.Repeat(" ", inner-utf8.RuneCountInString(l))+" │")
	}
	lines = append(lines, "└"+strings.Repeat("─", inner+2)+"┘")
	return box{lines: lines, width: inner + 4}
}

func writeRow(b *strings.Builder, boxes []box) {
	height := 0
	for _, bx := range boxes {
		height = max(height, len(bx.lines))
	}
	for row := 0; row < height; row++ {
		var line strings.Builder
		for i, bx := range boxes {
			if i > 0 {
				line.WriteString("  ")
			}
			if row < len(bx.lines) {
				line.WriteString(bx.lines[row])
			} else {
				line.WriteString(strings.Repeat(" ", bx.width))
			}
		}
		b.WriteString(strings.TrimRight(line.String(), " "))
		b.WriteByte('\n')
	}
}
