package main

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/runway/internal/access"
	"github.com/rendis/runway/internal/config"
	"github.com/rendis/runway/internal/queue"
	"github.com/rendis/runway/internal/service"
	"github.com/rendis/runway/pkg/schema"
)

func memoryConfig(t *testing.T) *config.Config {
	t.Helper()
	t.Chdir(t.TempDir())
	t.Setenv("RUNWAY_QUEUE_BACKEND", "memory")
	t.Setenv("RUNWAY_DATABASE_DSN", "file:"+filepath.Join(t.TempDir(), "runway.db"))
	t.Setenv("RUNWAY_LLM_STATIC", "true")
	t.Setenv("RUNWAY_WORKER_POLL_INTERVAL", "5ms")

	cfg, err := config.Load("")
	require.NoError(t, err)
	return cfg
}

func TestApp_ExecutesQueuedWorkflow(t *testing.T) {
	ctx := context.Background()
	a, err := newApp(ctx, memoryConfig(t), zerolog.Nop())
	require.NoError(t, err)
	defer a.Close()

	require.NotNil(t, a.scheduler())
	wm := a.workers()
	require.Len(t, wm.Workers(), 1)
	assert.Equal(t, queue.WorkflowExecution, wm.Workers()[0].Queue())

	p := &access.Principal{ID: "alice", OrganizationID: "org-a", Role: access.RoleMember}
	tpl, err := parseTemplateFile([]byte(`
name: echo
graph:
  nodes:
    - id: in
      kind: input
    - id: say
      kind: llm
      llm:
        provider: static
        prompt: "${{input.text}}"
    - id: out
      kind: output
  edges:
    - {from: in, to: say}
    - {from: say, to: out}
`), *p)
	require.NoError(t, err)
	tpl, err = a.service.CreateTemplate(ctx, p, tpl)
	require.NoError(t, err)

	res, err := a.service.Execute(ctx, p, service.ExecuteRequest{
		TemplateID: tpl.ID,
		Input:      json.RawMessage(`{"text":"hello"}`),
	})
	require.NoError(t, err)

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- wm.Run(runCtx) }()

	require.Eventually(t, func() bool {
		snap, err := a.publisher.Snapshot(ctx, res.Execution.ID)
		return err == nil && snap.Status == schema.ExecutionCompleted
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}

func TestApp_UnknownDriver(t *testing.T) {
	cfg := memoryConfig(t)
	cfg.Database.Driver = "oracle"
	_, err := newApp(context.Background(), cfg, zerolog.Nop())
	assert.Error(t, err)
}
