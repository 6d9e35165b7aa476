package expressions

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/rendis/runway/pkg/schema"
)

// Namespaces resolvable inside ${{...}}.
var namespaces = []string{"input", "state", "execution"}

// Interpolate resolves ${{path}} references inside v, which is a decoded JSON
// value (params map, prompt string, ...). A string that is exactly one
// reference is replaced by the referenced value with its type preserved; a
// reference embedded in a longer string is rendered inline.
//
// Paths are dot separated and start with a namespace: input.customer.name,
// state.fetch.items.0, execution.id.
func Interpolate(v any, data map[string]any) (any, error) {
	switch val := v.(type) {
	case string:
		return interpolateString(val, data)
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			resolved, err := Interpolate(item, data)
			if err != nil {
				return nil, err
			}
			out[k] = resolved
		}
		return out, nil
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			resolved, err := Interpolate(item, data)
			if err != nil {
				return nil, err
			}
			out[i] = resolved
		}
		return out, nil
	default:
		return v, nil
	}
}

// InterpolateString is Interpolate for templates that must stay strings,
// such as LLM prompts.
func InterpolateString(s string, data map[string]any) (string, error) {
	out, err := interpolateString(s, data)
	if err != nil {
		return "", err
	}
	if str, ok := out.(string); ok {
		return str, nil
	}
	return marshalInline(out), nil
}

// HasInterpolation reports whether s contains a ${{ marker.
func HasInterpolation(s string) bool {
	return strings.Contains(s, "${{")
}

func interpolateString(input string, data map[string]any) (any, error) {
	if !HasInterpolation(input) {
		return input, nil
	}

	trimmed := strings.TrimSpace(input)
	if strings.HasPrefix(trimmed, "${{") && strings.HasSuffix(trimmed, "}}") &&
		strings.Count(trimmed, "${{") == 1 {
		path := strings.TrimSpace(trimmed[3 : len(trimmed)-2])
		return resolvePath(path, data)
	}

	var b strings.Builder
	b.Grow(len(input))
	i := 0
	for i < len(input) {
		idx := strings.Index(input[i:], "${{")
		if idx == -1 {
			b.WriteString(input[i:])
			break
		}
		b.WriteString(input[i : i+idx])
		start := i + idx + 3

		end := strings.Index(input[start:], "}}")
		if end == -1 {
			return nil, schema.NewError(schema.ErrCodeExecution, "unclosed ${{ expression")
		}
		end += start

		path := strings.TrimSpace(input[start:end])
		if strings.Contains(path, "${{") {
			return nil, schema.NewError(schema.ErrCodeExecution, "nested ${{ references are not allowed")
		}
		val, err := resolvePath(path, data)
		if err != nil {
			return nil, err
		}
		b.WriteString(marshalInline(val))
		i = end + 2
	}
	return b.String(), nil
}

func resolvePath(path string, data map[string]any) (any, error) {
	if path == "" {
		return nil, schema.NewError(schema.ErrCodeExecution, "empty ${{ }} reference")
	}
	segments := strings.Split(path, ".")
	root, ok := data[segments[0]]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeExecution,
			"unknown namespace %q in ${{%s}}; available: %s", segments[0], path, strings.Join(namespaces, ", ")).
			WithDetails(map[string]any{"expression": path})
	}

	current := root
	for _, seg := range segments[1:] {
		if seg == "" {
			return nil, schema.NewErrorf(schema.ErrCodeExecution, "empty segment in ${{%s}}", path).
				WithDetails(map[string]any{"expression": path})
		}
		switch v := current.(type) {
		case map[string]any:
			next, ok := v[seg]
			if !ok {
				return nil, schema.NewErrorf(schema.ErrCodeExecution,
					"field %q not found in ${{%s}}; available: [%s]", seg, path, strings.Join(mapKeys(v), ", ")).
					WithDetails(map[string]any{"expression": path})
			}
			current = next
		case []any:
			n, err := strconv.Atoi(seg)
			if err != nil || n < 0 || n >= len(v) {
				return nil, schema.NewErrorf(schema.ErrCodeExecution,
					"index %q out of range in ${{%s}} (len %d)", seg, path, len(v)).
					WithDetails(map[string]any{"expression": path})
			}
			current = v[n]
		default:
			return nil, schema.NewErrorf(schema.ErrCodeExecution,
				"cannot traverse into %T at %q in ${{%s}}", current, seg, path).
				WithDetails(map[string]any{"expression": path})
		}
	}
	return current, nil
}

func marshalInline(val any) string {
	switch v := val.(type) {
	case string:
		return v
	case nil:
		return "null"
	case bool:
		return strconv.FormatBool(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case int:
		return strconv.Itoa(v)
	case json.RawMessage:
		return string(v)
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(b)
	}
}

func mapKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
