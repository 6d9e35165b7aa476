package expressions

import "context"

// Engine evaluates expressions against a workflow scope.
// Three implementations: CEL (edge conditions), GoJQ (output assembly and the
// jq tool), Expr (expr and assert tools).
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
	// Compile reports whether expression is well formed without running it.
	Compile(expression string) error
}
