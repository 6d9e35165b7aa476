package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rendis/runway/pkg/schema"
)

// HTTPConfig configures http.request.
type HTTPConfig struct {
	MaxResponseBody int64         `mapstructure:"max_response_body"`
	DefaultTimeout  time.Duration `mapstructure:"default_timeout"`
	// Client overrides the transport; tests point it at httptest servers.
	Client *http.Client `mapstructure:"-"`
}

const (
	defaultMaxResponseBody = 10 * 1024 * 1024
	defaultHTTPTimeout     = 30 * time.Second
)

// HTTPRequestTool implements "http.request".
//
// Params: method (GET), url, headers, body (JSON encoded unless
// body_encoding is "text" or "form"), auth {type: bearer|basic, ...},
// timeout ("10s") or timeout_ms, fail_on_error_status (true).
type HTTPRequestTool struct {
	config HTTPConfig
}

func NewHTTPRequestTool(cfg HTTPConfig) *HTTPRequestTool {
	if cfg.MaxResponseBody <= 0 {
		cfg.MaxResponseBody = defaultMaxResponseBody
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = defaultHTTPTimeout
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{}
	}
	return &HTTPRequestTool{config: cfg}
}

func (t *HTTPRequestTool) Name() string { return "http.request" }

func (t *HTTPRequestTool) Description() string {
	return "Perform an HTTP request and return status, headers and the decoded body"
}

func (t *HTTPRequestTool) Call(ctx context.Context, in Input) (any, error) {
	params := in.Params
	if params == nil {
		params = map[string]any{}
	}

	rawURL, err := requireString(t.Name(), params, "url")
	if err != nil {
		return nil, err
	}
	u, err := url.ParseRequestURI(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "http.request: invalid url %q", rawURL)
	}

	method := strings.ToUpper(stringParam(params, "method", http.MethodGet))
	timeout := t.config.DefaultTimeout
	if ts := stringParam(params, "timeout", ""); ts != "" {
		if d, err := time.ParseDuration(ts); err == nil {
			timeout = d
		}
	} else if ms := intParam(params, "timeout_ms", 0); ms > 0 {
		timeout = time.Duration(ms) * time.Millisecond
	}

	body, contentType, err := encodeBody(params)
	if err != nil {
		return nil, err
	}

	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, method, rawURL, body)
	if err != nil {
		return nil, toolError(t.Name(), err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if hm, ok := params["headers"].(map[string]any); ok {
		for k, v := range hm {
			req.Header.Set(k, fmt.Sprintf("%v", v))
		}
	}
	if auth, ok := params["auth"].(map[string]any); ok {
		switch stringParam(auth, "type", "") {
		case "bearer":
			req.Header.Set("Authorization", "Bearer "+stringParam(auth, "token", ""))
		case "basic":
			req.SetBasicAuth(stringParam(auth, "username", ""), stringParam(auth, "password", ""))
		}
	}

	start := time.Now()
	resp, err := t.config.Client.Do(req)
	if err != nil {
		return nil, toolError(t.Name(), err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, t.config.MaxResponseBody))
	if err != nil {
		return nil, toolError(t.Name(), err)
	}

	respType := resp.Header.Get("Content-Type")
	var parsed any
	if len(raw) > 0 {
		parsed = string(raw)
		if strings.Contains(respType, "json") {
			var v any
			if json.Unmarshal(raw, &v) == nil {
				parsed = v
			}
		}
	}

	headers := make(map[string]any, len(resp.Header))
	for k := range resp.Header {
		headers[k] = resp.Header.Get(k)
	}
	result := map[string]any{
		"status_code":  float64(resp.StatusCode),
		"headers":      headers,
		"body":         parsed,
		"content_type": respType,
		"duration_ms":  float64(time.Since(start).Milliseconds()),
	}

	if boolParam(params, "fail_on_error_status", true) && resp.StatusCode >= 400 {
		// 4xx will not get better on retry; 5xx might.
		code := schema.ErrCodeValidation
		if resp.StatusCode >= 500 {
			code = schema.ErrCodeExecution
		}
		return nil, schema.NewErrorf(code, "http.request: %s %s returned %d", method, u.Host, resp.StatusCode).
			WithDetails(map[string]any{"status_code": resp.StatusCode})
	}
	return result, nil
}

func encodeBody(params map[string]any) (io.Reader, string, error) {
	rawBody, ok := params["body"]
	if !ok || rawBody == nil {
		return nil, "", nil
	}
	switch stringParam(params, "body_encoding", "json") {
	case "text":
		return strings.NewReader(fmt.Sprintf("%v", rawBody)), "text/plain", nil
	case "form":
		form, ok := rawBody.(map[string]any)
		if !ok {
			return nil, "", schema.NewError(schema.ErrCodeValidation, "http.request: form body must be an object")
		}
		vals := url.Values{}
		for k, v := range form {
			vals.Set(k, fmt.Sprintf("%v", v))
		}
		return strings.NewReader(vals.Encode()), "application/x-www-form-urlencoded", nil
	default:
		b, err := json.Marshal(rawBody)
		if err != nil {
			return nil, "", schema.NewError(schema.ErrCodeValidation, "http.request: body is not JSON").WithCause(err)
		}
		return strings.NewReader(string(b)), "application/json", nil
	}
}
