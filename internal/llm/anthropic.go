package llm

import (
	"context"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/rs/zerolog"
)

const (
	defaultAnthropicModel     = "claude-3-5-haiku-latest"
	defaultAnthropicMaxTokens = 4096
)

// Anthropic calls the Messages API.
type Anthropic struct {
	client anthropic.Client
	cfg    ProviderConfig
	logger zerolog.Logger
}

func NewAnthropic(cfg ProviderConfig, logger zerolog.Logger) *Anthropic {
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = defaultAnthropicModel
	}
	return &Anthropic{
		client: anthropic.NewClient(opts...),
		cfg:    cfg,
		logger: logger.With().Str("provider", "anthropic").Logger(),
	}
}

func (p *Anthropic) Name() string { return "anthropic" }

func (p *Anthropic) Complete(ctx context.Context, req Request) (*Response, error) {
	model := req.Model
	if model == "" {
		model = p.cfg.DefaultModel
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		Messages:  []anthropic.MessageParam{anthropic.NewUserMessage(anthropic.NewTextBlock(req.Prompt))},
		MaxTokens: int64(firstPositive(req.MaxTokens, p.cfg.MaxTokens, defaultAnthropicMaxTokens)),
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}
	if req.Temperature != nil {
		params.Temperature = anthropic.Float(*req.Temperature)
	}

	p.logger.Debug().Str("model", model).Int("prompt_len", len(req.Prompt)).Msg("messages.new")

	resp, err := p.client.Messages.New(ctx, params)
	if err != nil {
		return nil, providerError(p.Name(), err)
	}

	var text strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}

	if resp.Model != "" {
		model = string(resp.Model)
	}
	in, out := int(resp.Usage.InputTokens), int(resp.Usage.OutputTokens)
	return &Response{
		Text:         text.String(),
		Model:        model,
		InputTokens:  in,
		OutputTokens: out,
		Cost:         EstimateCost(model, in, out),
	}, nil
}
