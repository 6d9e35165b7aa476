// Package llm wraps the language-model backends an llm node can call.
package llm

import (
	"context"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/rendis/runway/pkg/schema"
)

// Request is one single-turn completion.
type Request struct {
	Model       string
	System      string
	Prompt      string
	MaxTokens   int
	Temperature *float64
}

// Response is the provider's answer plus usage.
type Response struct {
	Text         string  `json:"text"`
	Model        string  `json:"model"`
	InputTokens  int     `json:"input_tokens"`
	OutputTokens int     `json:"output_tokens"`
	Cost         float64 `json:"cost"`
}

// TotalTokens is input plus output tokens.
func (r *Response) TotalTokens() int { return r.InputTokens + r.OutputTokens }

// Provider is a language-model backend.
type Provider interface {
	Name() string
	Complete(ctx context.Context, req Request) (*Response, error)
}

// ProviderConfig configures one hosted provider.
type ProviderConfig struct {
	APIKey       string `mapstructure:"api_key"`
	BaseURL      string `mapstructure:"base_url"`
	DefaultModel string `mapstructure:"default_model"`
	MaxTokens    int    `mapstructure:"max_tokens"`
}

// Config selects the providers to register. Hosted providers without an API
// key are skipped.
type Config struct {
	OpenAI    ProviderConfig `mapstructure:"openai"`
	Anthropic ProviderConfig `mapstructure:"anthropic"`
	Static    bool           `mapstructure:"static"`
}

// Registry maps provider names to providers.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
}

func NewRegistry() *Registry {
	return &Registry{providers: make(map[string]Provider)}
}

// NewRegistryFromConfig registers the providers cfg enables.
func NewRegistryFromConfig(cfg Config, logger zerolog.Logger) *Registry {
	r := NewRegistry()
	if cfg.Static {
		r.Register(NewStatic())
	}
	if cfg.OpenAI.APIKey != "" {
		r.Register(NewOpenAI(cfg.OpenAI, logger))
	}
	if cfg.Anthropic.APIKey != "" {
		r.Register(NewAnthropic(cfg.Anthropic, logger))
	}
	logger.Info().Strs("providers", r.Names()).Msg("llm providers registered")
	return r
}

// Register adds or replaces p.
func (r *Registry) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.Name()] = p
}

// Get returns the named provider.
func (r *Registry) Get(name string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[name]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "llm provider %q is not configured", name)
	}
	return p, nil
}

func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.providers[name]
	return ok
}

// Names lists the registered providers, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.providers))
	for n := range r.providers {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func providerError(provider string, err error) error {
	return schema.NewErrorf(schema.ErrCodeProvider, "%s: %s", provider, err.Error()).WithCause(err)
}
