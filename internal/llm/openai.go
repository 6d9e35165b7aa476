package llm

import (
	"context"
	"errors"

	"github.com/rs/zerolog"
	"github.com/sashabaranov/go-openai"
)

const defaultOpenAIModel = openai.GPT4oMini

// OpenAI calls the chat completions API.
type OpenAI struct {
	client *openai.Client
	cfg    ProviderConfig
	logger zerolog.Logger
}

func NewOpenAI(cfg ProviderConfig, logger zerolog.Logger) *OpenAI {
	clientConfig := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientConfig.BaseURL = cfg.BaseURL
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = defaultOpenAIModel
	}
	return &OpenAI{
		client: openai.NewClientWithConfig(clientConfig),
		cfg:    cfg,
		logger: logger.With().Str("provider", "openai").Logger(),
	}
}

func (p *OpenAI) Name() string { return "openai" }

func (p *OpenAI) Complete(ctx context.Context, req Request) (*Response, error) {
	model := req.Model
	if model == "" {
		model = p.cfg.DefaultModel
	}

	var messages []openai.ChatCompletionMessage
	if req.System != "" {
		messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: req.System})
	}
	messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: req.Prompt})

	chatReq := openai.ChatCompletionRequest{
		Model:    model,
		Messages: messages,
	}
	if maxTokens := firstPositive(req.MaxTokens, p.cfg.MaxTokens); maxTokens > 0 {
		chatReq.MaxTokens = maxTokens
	}
	if req.Temperature != nil {
		chatReq.Temperature = float32(*req.Temperature)
	}

	p.logger.Debug().Str("model", model).Int("prompt_len", len(req.Prompt)).Msg("chat completion")

	resp, err := p.client.CreateChatCompletion(ctx, chatReq)
	if err != nil {
		return nil, providerError(p.Name(), err)
	}
	if len(resp.Choices) == 0 {
		return nil, providerError(p.Name(), errors.New("empty response"))
	}

	if resp.Model != "" {
		model = resp.Model
	}
	in, out := resp.Usage.PromptTokens, resp.Usage.CompletionTokens
	return &Response{
		Text:         resp.Choices[0].Message.Content,
		Model:        model,
		InputTokens:  in,
		OutputTokens: out,
		Cost:         EstimateCost(model, in, out),
	}, nil
}

func firstPositive(vals ...int) int {
	for _, v := range vals {
		if v > 0 {
			return v
		}
	}
	return 0
}
