package logging

import (
	"context"

	"github.com/rs/zerolog"
)

type ctxKey int

const (
	executionIDKey ctxKey = iota
	stepIDKey
	jobIDKey
	queueKey
	orgIDKey
)

// WithExecutionID returns a context with the execution ID set.
func WithExecutionID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, executionIDKey, id)
}

// WithStepID returns a context with the step (node) ID set.
func WithStepID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, stepIDKey, id)
}

// WithJob returns a context carrying the queue name and job ID.
func WithJob(ctx context.Context, queue, jobID string) context.Context {
	ctx = context.WithValue(ctx, queueKey, queue)
	return context.WithValue(ctx, jobIDKey, jobID)
}

// WithOrgID returns a context with the organization ID set.
func WithOrgID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, orgIDKey, id)
}

func ExecutionID(ctx context.Context) string { return value(ctx, executionIDKey) }
func StepID(ctx context.Context) string      { return value(ctx, stepIDKey) }
func JobID(ctx context.Context) string       { return value(ctx, jobIDKey) }
func Queue(ctx context.Context) string       { return value(ctx, queueKey) }
func OrgID(ctx context.Context) string       { return value(ctx, orgIDKey) }

func value(ctx context.Context, key ctxKey) string {
	if ctx == nil {
		return ""
	}
	v, _ := ctx.Value(key).(string)
	return v
}

// correlationFields lists the IDs found in ctx in a fixed order.
func correlationFields(ctx context.Context) [][2]string {
	var out [][2]string
	for _, f := range []struct {
		name string
		key  ctxKey
	}{
		{"execution_id", executionIDKey},
		{"step_id", stepIDKey},
		{"job_id", jobIDKey},
		{"queue", queueKey},
		{"org_id", orgIDKey},
	} {
		if v := value(ctx, f.key); v != "" {
			out = append(out, [2]string{f.name, v})
		}
	}
	return out
}

// LogWith returns a logger enriched with the correlation IDs in ctx.
func LogWith(ctx context.Context, logger zerolog.Logger) zerolog.Logger {
	fields := correlationFields(ctx)
	if len(fields) == 0 {
		return logger
	}
	lc := logger.With()
	for _, f := range fields {
		lc = lc.Str(f[0], f[1])
	}
	return lc.Logger()
}

// CorrelationHook adds correlation IDs from the event's context to every
// record, so logger.Info().Ctx(ctx).Msg(...) carries them automatically.
type CorrelationHook struct{}

func (CorrelationHook) Run(e *zerolog.Event, _ zerolog.Level, _ string) {
	for _, f := range correlationFields(e.GetCtx()) {
		e.Str(f[0], f[1])
	}
}
