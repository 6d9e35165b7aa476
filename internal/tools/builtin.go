package tools

import (
	"context"

	"github.com/rendis/runway/internal/expressions"
	"github.com/rendis/runway/internal/validation"
	"github.com/rendis/runway/pkg/schema"
)

// Deps are the shared engines the builtin tools run on.
type Deps struct {
	Schemas *validation.SchemaValidator
	JQ      *expressions.GoJQEngine
	Expr    *expressions.ExprEngine
	HTTP    HTTPConfig
}

// RegisterBuiltins registers json.validate, assert, jq, expr and http.request.
func RegisterBuiltins(reg *Registry, deps Deps) error {
	all := []Tool{
		&jsonValidateTool{schemas: deps.Schemas},
		&assertTool{engine: deps.Expr},
		&jqTool{engine: deps.JQ},
		&exprTool{engine: deps.Expr},
		NewHTTPRequestTool(deps.HTTP),
	}
	for _, t := range all {
		if err := reg.Register(t); err != nil {
			return err
		}
	}
	return nil
}

// --- json.validate ---

// jsonValidateTool checks params.data against params.schema. By default a
// mismatch fails the node; with fail=false it reports {"valid": false, ...}.
type jsonValidateTool struct {
	schemas *validation.SchemaValidator
}

func (t *jsonValidateTool) Name() string { return "json.validate" }

func (t *jsonValidateTool) Description() string {
	return "Validate params.data (default: the execution input) against a JSON Schema"
}

func (t *jsonValidateTool) Call(ctx context.Context, in Input) (any, error) {
	s, err := schemaParam(t.Name(), in.Params, "schema")
	if err != nil {
		return nil, err
	}
	if err := t.schemas.Compile(s); err != nil {
		return nil, err
	}
	data, ok := in.Params["data"]
	if !ok {
		data = in.Scope["input"]
	}

	verr := t.schemas.Validate(s, data)
	if verr == nil {
		return map[string]any{"valid": true, "errors": []any{}}, nil
	}
	if boolParam(in.Params, "fail", true) {
		return nil, verr
	}
	violations := validation.Violations(verr)
	errs := make([]any, len(violations))
	for i, v := range violations {
		errs[i] = v
	}
	return map[string]any{"valid": false, "errors": errs}, nil
}

// --- assert ---

type assertTool struct {
	engine *expressions.ExprEngine
}

func (t *assertTool) Name() string { return "assert" }

func (t *assertTool) Description() string {
	return "Fail the node unless an expr-lang boolean expression holds"
}

func (t *assertTool) Call(ctx context.Context, in Input) (any, error) {
	expression, err := requireString(t.Name(), in.Params, "expression")
	if err != nil {
		return nil, err
	}
	out, err := t.engine.Evaluate(ctx, expression, expressionEnv(in))
	if err != nil {
		return nil, err
	}
	pass, ok := out.(bool)
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "assert: %q evaluated to %T, not bool", expression, out)
	}
	if !pass {
		msg := stringParam(in.Params, "message", "assertion failed: "+expression)
		return nil, schema.NewError(schema.ErrCodeValidation, msg).
			WithDetails(map[string]any{"expression": expression})
	}
	return map[string]any{"pass": true}, nil
}

// --- jq ---

type jqTool struct {
	engine *expressions.GoJQEngine
}

func (t *jqTool) Name() string { return "jq" }

func (t *jqTool) Description() string {
	return "Transform params.data (default: the run scope) with a jq program"
}

func (t *jqTool) Call(ctx context.Context, in Input) (any, error) {
	expression, err := requireString(t.Name(), in.Params, "expression")
	if err != nil {
		return nil, err
	}
	data, ok := in.Params["data"]
	if !ok {
		data = in.Scope
	}
	return t.engine.Run(ctx, expression, data)
}

// --- expr ---

type exprTool struct {
	engine *expressions.ExprEngine
}

func (t *exprTool) Name() string { return "expr" }

func (t *exprTool) Description() string {
	return "Evaluate an expr-lang expression over the run scope"
}

func (t *exprTool) Call(ctx context.Context, in Input) (any, error) {
	expression, err := requireString(t.Name(), in.Params, "expression")
	if err != nil {
		return nil, err
	}
	return t.engine.Evaluate(ctx, expression, expressionEnv(in))
}
