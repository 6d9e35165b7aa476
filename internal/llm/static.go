package llm

import (
	"context"
	"strings"
)

const staticSummaryWords = 12

// Static is an offline provider. It answers with the first words of the
// prompt and counts whitespace-separated words as tokens, so runs are
// reproducible without network access.
type Static struct{}

func NewStatic() *Static { return &Static{} }

func (s *Static) Name() string { return "static" }

func (s *Static) Complete(ctx context.Context, req Request) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, providerError(s.Name(), err)
	}

	words := strings.Fields(req.Prompt)
	in := len(words) + len(strings.Fields(req.System))
	if len(words) > staticSummaryWords {
		words = words[:staticSummaryWords]
	}
	text := "Summary: " + strings.Join(words, " ")

	model := req.Model
	if model == "" {
		model = "static"
	}
	out := len(strings.Fields(text))
	return &Response{
		Text:         text,
		Model:        model,
		InputTokens:  in,
		OutputTokens: out,
		Cost:         EstimateCost(model, in, out),
	}, nil
}
