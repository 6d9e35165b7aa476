package tools

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/runway/internal/expressions"
	"github.com/rendis/runway/internal/validation"
	"github.com/rendis/runway/pkg/schema"
)

func newRegistry(t *testing.T) *Registry {
	t.Helper()
	schemas, err := validation.NewSchemaValidator()
	require.NoError(t, err)
	reg := NewRegistry()
	require.NoError(t, RegisterBuiltins(reg, Deps{
		Schemas: schemas,
		JQ:      expressions.NewGoJQEngine(),
		Expr:    expressions.NewExprEngine(),
	}))
	return reg
}

func call(t *testing.T, reg *Registry, name string, params map[string]any, scope map[string]any) (any, error) {
	t.Helper()
	tool, err := reg.Get(name)
	require.NoError(t, err)
	return tool.Call(context.Background(), Input{Params: params, Scope: scope})
}

func scope() map[string]any {
	return map[string]any{
		"input":     map[string]any{"text": "hello", "count": float64(2)},
		"state":     map[string]any{"fetch": map[string]any{"items": []any{"a", "b", "c"}}},
		"execution": map[string]any{"id": "exec-1"},
	}
}

func TestRegistry(t *testing.T) {
	reg := newRegistry(t)

	names := make([]string, 0)
	for _, info := range reg.List() {
		names = append(names, info.Name)
	}
	assert.Equal(t, []string{"assert", "expr", "http.request", "jq", "json.validate"}, names)
	assert.True(t, reg.Has("jq"))
	assert.False(t, reg.Has("shell"))

	_, err := reg.Get("shell")
	assert.True(t, schema.HasCode(err, schema.ErrCodeToolNotFound))

	err = reg.Register(&exprTool{})
	assert.True(t, schema.HasCode(err, schema.ErrCodeConflict))
	assert.Error(t, reg.Register(nil))
}

func TestJSONValidate(t *testing.T) {
	reg := newRegistry(t)
	s := map[string]any{
		"type":     "object",
		"required": []any{"text"},
		"properties": map[string]any{
			"text": map[string]any{"type": "string"},
		},
	}

	out, err := call(t, reg, "json.validate", map[string]any{"schema": s}, scope())
	require.NoError(t, err)
	assert.Equal(t, true, out.(map[string]any)["valid"])

	_, err = call(t, reg, "json.validate", map[string]any{"schema": s, "data": map[string]any{"text": 1}}, scope())
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))

	out, err = call(t, reg, "json.validate", map[string]any{"schema": s, "data": map[string]any{}, "fail": false}, scope())
	require.NoError(t, err)
	res := out.(map[string]any)
	assert.Equal(t, false, res["valid"])
	assert.NotEmpty(t, res["errors"])

	out, err = call(t, reg, "json.validate", map[string]any{"schema": `{"type":"string"}`, "data": "x"}, nil)
	require.NoError(t, err)
	assert.Equal(t, true, out.(map[string]any)["valid"])
}

func TestJSONValidate_BadSchema(t *testing.T) {
	reg := newRegistry(t)
	_, err := call(t, reg, "json.validate", map[string]any{"data": 1}, nil)
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))

	_, err = call(t, reg, "json.validate", map[string]any{"schema": `{"type":"banana"}`, "data": 1, "fail": false}, nil)
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))
}

func TestAssert(t *testing.T) {
	reg := newRegistry(t)

	out, err := call(t, reg, "assert", map[string]any{"expression": `input.count == 2 && len(state.fetch.items) == 3`}, scope())
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"pass": true}, out)

	_, err = call(t, reg, "assert", map[string]any{"expression": `input.count > 10`, "message": "too few"}, scope())
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))
	assert.Contains(t, err.Error(), "too few")

	_, err = call(t, reg, "assert", map[string]any{"expression": `input.text`}, scope())
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))

	_, err = call(t, reg, "assert", map[string]any{}, scope())
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))
}

func TestExpr(t *testing.T) {
	reg := newRegistry(t)
	out, err := call(t, reg, "expr", map[string]any{"expression": `params.factor * input.count`, "factor": float64(5)}, scope())
	require.NoError(t, err)
	assert.Equal(t, float64(10), out)
}

func TestJQ(t *testing.T) {
	reg := newRegistry(t)

	out, err := call(t, reg, "jq", map[string]any{"expression": `.state.fetch.items | length`}, scope())
	require.NoError(t, err)
	assert.Equal(t, 3, out)

	out, err = call(t, reg, "jq", map[string]any{"expression": `map(. * 2)`, "data": []any{float64(1), float64(2)}}, scope())
	require.NoError(t, err)
	assert.Equal(t, []any{float64(2), float64(4)}, out)
}

func TestHTTPRequest_JSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		assert.Equal(t, "yes", r.Header.Get("X-Trace"))
		body, _ := io.ReadAll(r.Body)
		assert.JSONEq(t, `{"q":"hello"}`, string(body))

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true})
	}))
	defer srv.Close()

	reg := newRegistry(t)
	out, err := call(t, reg, "http.request", map[string]any{
		"method":  "post",
		"url":     srv.URL,
		"headers": map[string]any{"X-Trace": "yes"},
		"auth":    map[string]any{"type": "bearer", "token": "tok"},
		"body":    map[string]any{"q": "hello"},
	}, nil)
	require.NoError(t, err)

	res := out.(map[string]any)
	assert.Equal(t, float64(200), res["status_code"])
	assert.Equal(t, map[string]any{"ok": true}, res["body"])
}

func TestHTTPRequest_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing" {
			http.Error(w, "nope", http.StatusNotFound)
			return
		}
		http.Error(w, "down", http.StatusBadGateway)
	}))
	defer srv.Close()

	reg := newRegistry(t)

	_, err := call(t, reg, "http.request", map[string]any{"url": srv.URL + "/missing"}, nil)
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))

	_, err = call(t, reg, "http.request", map[string]any{"url": srv.URL + "/flaky"}, nil)
	assert.True(t, schema.HasCode(err, schema.ErrCodeExecution))

	out, err := call(t, reg, "http.request", map[string]any{"url": srv.URL + "/missing", "fail_on_error_status": false}, nil)
	require.NoError(t, err)
	assert.Equal(t, float64(404), out.(map[string]any)["status_code"])
}

func TestHTTPRequest_InvalidURL(t *testing.T) {
	reg := newRegistry(t)
	_, err := call(t, reg, "http.request", map[string]any{"url": "ftp://example.com"}, nil)
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))
	_, err = call(t, reg, "http.request", map[string]any{}, nil)
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))
}
