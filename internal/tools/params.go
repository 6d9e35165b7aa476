package tools

import (
	"encoding/json"

	"github.com/rendis/runway/pkg/schema"
)

func stringParam(m map[string]any, key, defaultVal string) string {
	s, ok := m[key].(string)
	if !ok {
		return defaultVal
	}
	return s
}

func boolParam(m map[string]any, key string, defaultVal bool) bool {
	b, ok := m[key].(bool)
	if !ok {
		return defaultVal
	}
	return b
}

func intParam(m map[string]any, key string, defaultVal int) int {
	switch n := m[key].(type) {
	case int:
		return n
	case float64:
		return int(n)
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return defaultVal
		}
		return int(i)
	default:
		return defaultVal
	}
}

func requireString(tool string, m map[string]any, key string) (string, error) {
	s := stringParam(m, key, "")
	if s == "" {
		return "", schema.NewErrorf(schema.ErrCodeValidation, "%s: missing required param %q", tool, key)
	}
	return s, nil
}

// schemaParam accepts a JSON Schema given inline as an object or as a JSON string.
func schemaParam(tool string, m map[string]any, key string) ([]byte, error) {
	switch v := m[key].(type) {
	case nil:
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "%s: missing required param %q", tool, key)
	case string:
		return []byte(v), nil
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "%s: param %q is not JSON", tool, key).WithCause(err)
		}
		return b, nil
	}
}

// expressionEnv is the variable set an expr program sees: the run scope plus
// the node's own params under "params".
func expressionEnv(in Input) map[string]any {
	env := make(map[string]any, len(in.Scope)+1)
	for k, v := range in.Scope {
		env[k] = v
	}
	env["params"] = in.Params
	return env
}

func toolError(tool string, err error) error {
	return schema.NewErrorf(schema.ErrCodeExecution, "%s: %s", tool, err.Error()).WithCause(err)
}
