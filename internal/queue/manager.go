package queue

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/rendis/runway/pkg/schema"
)

// WorkflowJob is the payload of an execute-workflow job.
type WorkflowJob struct {
	ExecutionID        string          `json:"executionId"`
	WorkflowTemplateID string          `json:"workflowTemplateId"`
	WorkflowName       string          `json:"workflowName"`
	UserID             string          `json:"userId"`
	OrganizationID     *string         `json:"organizationId"`
	Input              json.RawMessage `json:"input,omitempty"`
}

// Manager enqueues jobs on their family queues with the family's configured
// priority, timeout and retry budget.
type Manager struct {
	backend Backend
	configs map[string]Config
	logger  zerolog.Logger
}

// NewManager builds a Manager. configs may be partial; missing families and
// zero fields take the defaults.
func NewManager(backend Backend, configs map[string]Config, logger zerolog.Logger) *Manager {
	resolved := make(map[string]Config, len(Families))
	for _, f := range Families {
		resolved[f] = Resolve(f, configs[f])
	}
	return &Manager{
		backend: backend,
		configs: resolved,
		logger:  logger.With().Str("component", "queue").Logger(),
	}
}

// Backend returns the underlying queue.
func (m *Manager) Backend() Backend { return m.backend }

// Config returns the resolved config for a family.
func (m *Manager) Config(queue string) Config {
	if cfg, ok := m.configs[queue]; ok {
		return cfg
	}
	return DefaultConfig(queue)
}

// Enqueue adds a job to a family queue. Any backend error is reported as
// ENQUEUE_FAILED.
func (m *Manager) Enqueue(ctx context.Context, queue, name string, payload any, opts JobOptions) (string, error) {
	opts = m.Config(queue).apply(opts)
	id, err := m.backend.Enqueue(ctx, queue, name, payload, opts)
	if err != nil {
		m.logger.Error().Err(err).Str("queue", queue).Str("job", name).Msg("enqueue failed")
		return "", schema.NewErrorf(schema.ErrCodeEnqueueFailed, "enqueue %s on %s", name, queue).WithCause(err)
	}
	m.logger.Debug().Str("queue", queue).Str("job", name).Str("job_id", id).Int("priority", opts.Priority).Msg("job enqueued")
	return id, nil
}

// EnqueueWorkflow enqueues an execution. The execution id doubles as the job
// id, so enqueueing the same execution twice yields one job.
func (m *Manager) EnqueueWorkflow(ctx context.Context, job WorkflowJob, opts JobOptions) (string, error) {
	if job.ExecutionID == "" {
		return "", schema.NewError(schema.ErrCodeValidation, "workflow job requires an execution id")
	}
	opts.JobID = job.ExecutionID
	return m.Enqueue(ctx, WorkflowExecution, JobExecuteWorkflow, job, opts)
}

// EnqueueSpedImport enqueues a document import job.
func (m *Manager) EnqueueSpedImport(ctx context.Context, payload any, opts JobOptions) (string, error) {
	return m.Enqueue(ctx, SpedImport, JobImportSped, payload, opts)
}

// EnqueueEmbedding enqueues an embedding generation job.
func (m *Manager) EnqueueEmbedding(ctx context.Context, payload any, opts JobOptions) (string, error) {
	return m.Enqueue(ctx, EmbeddingGeneration, JobGenerateEmbedding, payload, opts)
}

// Stats returns counts for one family.
func (m *Manager) Stats(ctx context.Context, queue string) (Counts, error) {
	if _, ok := m.configs[queue]; !ok {
		return Counts{}, schema.NewErrorf(schema.ErrCodeNotFound, "unknown queue %q", queue)
	}
	counts, err := m.backend.Stats(ctx, queue)
	if err != nil {
		return Counts{}, fmt.Errorf("queue stats: %w", err)
	}
	return counts, nil
}

// PruneAll applies each family's retention policy and returns the number of
// jobs removed.
func (m *Manager) PruneAll(ctx context.Context) (int, error) {
	total := 0
	for _, f := range Families {
		n, err := m.backend.Prune(ctx, f, m.configs[f].Retention)
		if err != nil {
			return total, fmt.Errorf("prune %s: %w", f, err)
		}
		if n > 0 {
			m.logger.Info().Str("queue", f).Int("removed", n).Msg("pruned finished jobs")
		}
		total += n
	}
	return total, nil
}
