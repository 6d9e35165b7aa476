package diagram

import (
	"context"

	"github.com/goccy/go-graphviz"

	"github.com/rendis/runway/pkg/schema"
)

// Format names an output encoding.
type Format string

const (
	FormatASCII   Format = "ascii"
	FormatMermaid Format = "mermaid"
	FormatSVG     Format = "svg"
	FormatPNG     Format = "png"
)

// ParseFormat accepts a format name; empty means mermaid.
func ParseFormat(s string) (Format, error) {
	switch f := Format(s); f {
	case "":
		return FormatMermaid, nil
	case FormatASCII, FormatMermaid, FormatSVG, FormatPNG:
		return f, nil
	}
	return "", schema.NewErrorf(schema.ErrCodeValidation, "unknown diagram format %q (want ascii, mermaid, svg or png)", s)
}

// ContentType is the HTTP media type of f.
func (f Format) ContentType() string {
	switch f {
	case FormatSVG:
		return "image/svg+xml"
	case FormatPNG:
		return "image/png"
	}
	return "text/plain; charset=utf-8"
}

// Render encodes m as f.
func Render(ctx context.Context, m *Model, f Format) ([]byte, error) {
	switch f {
	case FormatASCII:
		return []byte(RenderASCII(m)), nil
	case FormatSVG:
		return RenderImage(ctx, m, graphviz.SVG)
	case FormatPNG:
		return RenderImage(ctx, m, graphviz.PNG)
	default:
		return []byte(RenderMermaid(m)), nil
	}
}
