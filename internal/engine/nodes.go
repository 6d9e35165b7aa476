package engine

import (
	"context"

	"github.com/rendis/runway/internal/expressions"
	"github.com/rendis/runway/internal/llm"
	"github.com/rendis/runway/internal/tools"
	"github.com/rendis/runway/pkg/schema"
)

type usage struct {
	tokens int
	cost   float64
}

func (e *Engine) dispatch(ctx context.Context, r *run, node *schema.Node) (any, usage, error) {
	switch node.Kind {
	case schema.NodeKindInput:
		out, err := e.runInput(r)
		return out, usage{}, err
	case schema.NodeKindTool:
		out, err := e.runTool(ctx, r, node)
		return out, usage{}, err
	case schema.NodeKindLLM:
		return e.runLLM(ctx, r, node)
	case schema.NodeKindOutput:
		out, err := e.runOutput(ctx, r, node)
		return out, usage{}, err
	default:
		return nil, usage{}, schema.NewErrorf(schema.ErrCodeValidation, "node %s has unknown kind %q", node.ID, node.Kind)
	}
}

func (e *Engine) runInput(r *run) (any, error) {
	input := r.scope.Input()
	if err := e.schemas.Validate(r.tpl.InputSchema, input); err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "input does not match the template input schema").
			WithCause(err)
	}
	return input, nil
}

func (e *Engine) runTool(ctx context.Context, r *run, node *schema.Node) (any, error) {
	cfg := node.Tool
	if cfg == nil || cfg.Name == "" {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "tool node %s has no tool name", node.ID)
	}
	tool, err := e.tools.Get(cfg.Name)
	if err != nil {
		return nil, err
	}

	data := r.scope.Data()
	resolved, err := expressions.Interpolate(cfg.Params, data)
	if err != nil {
		return nil, err
	}
	params, _ := resolved.(map[string]any)
	if params == nil {
		params = map[string]any{}
	}

	key := "tool:" + cfg.Name
	if err := e.breakers.Allow(key); err != nil {
		return nil, err
	}
	out, err := tool.Call(ctx, tools.Input{Params: params, Scope: data})
	e.observe(ctx, key, err)
	return out, err
}

func (e *Engine) runLLM(ctx context.Context, r *run, node *schema.Node) (any, usage, error) {
	cfg := node.LLM
	if cfg == nil {
		return nil, usage{}, schema.NewErrorf(schema.ErrCodeValidation, "llm node %s has no config", node.ID)
	}
	provider, err := e.llms.Get(cfg.Provider)
	if err != nil {
		return nil, usage{}, err
	}

	data := r.scope.Data()
	prompt, err := expressions.InterpolateString(cfg.Prompt, data)
	if err != nil {
		return nil, usage{}, err
	}
	system, err := expressions.InterpolateString(cfg.System, data)
	if err != nil {
		return nil, usage{}, err
	}

	req := llm.Request{
		Model:     cfg.Model,
		System:    system,
		Prompt:    prompt,
		MaxTokens: cfg.MaxTokens,
	}
	if cfg.Temperature != 0 {
		req.Temperature = ptr(cfg.Temperature)
	}

	key := "llm:" + cfg.Provider
	if err := e.breakers.Allow(key); err != nil {
		return nil, usage{}, err
	}
	resp, err := provider.Complete(ctx, req)
	e.observe(ctx, key, err)
	if err != nil {
		return nil, usage{}, err
	}

	out := map[string]any{
		"text":          resp.Text,
		"model":         resp.Model,
		"input_tokens":  resp.InputTokens,
		"output_tokens": resp.OutputTokens,
	}
	return out, usage{tokens: resp.TotalTokens(), cost: resp.Cost}, nil
}

// runOutput evaluates the jq expression over {input, state}. Without an
// expression the whole state is the result.
func (e *Engine) runOutput(ctx context.Context, r *run, node *schema.Node) (any, error) {
	data := map[string]any{
		"input": r.scope.Input(),
		"state": r.scope.State(),
	}

	var out any = data["state"]
	if node.Output != nil && node.Output.Expression != "" {
		v, err := e.jq.Evaluate(ctx, node.Output.Expression, data)
		if err != nil {
			return nil, err
		}
		out = v
	}

	if err := e.schemas.Validate(r.tpl.OutputSchema, out); err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "output does not match the template output schema").
			WithCause(err)
	}
	return out, nil
}

// observe feeds the circuit breaker. Rejections by the callee's own rules
// (validation, assertions) and interrupted calls do not count as failures.
func (e *Engine) observe(ctx context.Context, key string, err error) {
	switch {
	case err == nil:
		e.breakers.Success(key)
	case ctx.Err() != nil, schema.HasCode(err, schema.ErrCodeValidation), schema.HasCode(err, schema.ErrCodeCircuitOpen):
	default:
		if e.breakers.Failure(key) == CircuitOpen {
			e.logger.Warn().Ctx(ctx).Str("breaker", key).Msg("circuit opened")
		}
	}
}
