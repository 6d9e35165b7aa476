package schema

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Error codes for structured error reporting.
const (
	ErrCodeValidation        = "VALIDATION"
	ErrCodeCycleDetected     = "CYCLE_DETECTED"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeUnauthenticated   = "UNAUTHENTICATED"
	ErrCodeForbidden         = "FORBIDDEN"
	ErrCodeEnqueueFailed     = "ENQUEUE_FAILED"
	ErrCodeStepFailed        = "STEP_FAILED"
	ErrCodeStreamTransport   = "STREAM_TRANSPORT"
	ErrCodeInvalidTransition = "INVALID_TRANSITION"
	ErrCodeConflict          = "CONFLICT"
	ErrCodeStore             = "STORE_ERROR"
	ErrCodeTimeout           = "TIMEOUT"
	ErrCodeCancelled         = "CANCELLED"
	ErrCodeCircuitOpen       = "CIRCUIT_OPEN"
	ErrCodeProvider          = "PROVIDER_ERROR"
	ErrCodeToolNotFound      = "TOOL_NOT_FOUND"
	ErrCodeExecution         = "EXECUTION_ERROR"
)

// Error is the structured error type shared by every runway component.
type Error struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	StepID  string         `json:"step_id,omitempty"`
	Cause   error          `json:"-"`
}

func (e *Error) Error() string {
	if e.StepID != "" {
		return fmt.Sprintf("[%s] step %s: %s", e.Code, e.StepID, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates a new Error.
func NewError(code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// NewErrorf creates a new Error with a formatted message.
func NewErrorf(code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithStep attaches a step (node) ID to the error.
func (e *Error) WithStep(stepID string) *Error {
	e.StepID = stepID
	return e
}

// WithCause attaches an underlying cause.
func (e *Error) WithCause(err error) *Error {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *Error) WithDetails(details map[string]any) *Error {
	e.Details = details
	return e
}

// CauseChain renders err and every wrapped cause, one per line. Causes whose
// text the previous line already ends with are skipped.
func CauseChain(err error) string {
	var lines []string
	for e := err; e != nil; e = errors.Unwrap(e) {
		line := e.Error()
		if len(lines) > 0 {
			if line == lines[len(lines)-1] || strings.HasSuffix(lines[len(lines)-1], line) {
				continue
			}
			line = "caused by: " + line
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n")
}

// Describe is err's message followed by its innermost cause, for places that
// keep a single line.
func Describe(err error) string {
	msg := err.Error()
	root := err
	for next := errors.Unwrap(root); next != nil; next = errors.Unwrap(root) {
		root = next
	}
	if root == err || strings.HasSuffix(msg, root.Error()) {
		return msg
	}
	return msg + ": " + root.Error()
}

// CodeOf returns the code of the first *Error in err's chain, or "" if none.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// HasCode reports whether err carries the given code.
func HasCode(err error, code string) bool {
	return err != nil && CodeOf(err) == code
}

// IsNotFound reports whether err is a NOT_FOUND error.
func IsNotFound(err error) bool { return HasCode(err, ErrCodeNotFound) }

// IsRetryable decides whether a job that failed with err should be re-run by the queue.
// Client-side and deterministic failures are permanent; infrastructure failures are not.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	switch CodeOf(err) {
	case ErrCodeValidation, ErrCodeCycleDetected, ErrCodeNotFound, ErrCodeForbidden,
		ErrCodeUnauthenticated, ErrCodeStepFailed, ErrCodeCancelled,
		ErrCodeInvalidTransition, ErrCodeConflict, ErrCodeToolNotFound:
		return false
	}
	return true
}

// HTTPStatus maps an error code to the HTTP status surfaced to clients.
func HTTPStatus(code string) int {
	switch code {
	case ErrCodeValidation, ErrCodeCycleDetected:
		return http.StatusBadRequest
	case ErrCodeNotFound, ErrCodeToolNotFound:
		return http.StatusNotFound
	case ErrCodeUnauthenticated:
		return http.StatusUnauthorized
	case ErrCodeForbidden:
		return http.StatusForbidden
	case ErrCodeInvalidTransition, ErrCodeConflict:
		return http.StatusConflict
	case ErrCodeEnqueueFailed, ErrCodeCircuitOpen:
		return http.StatusServiceUnavailable
	case ErrCodeTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
