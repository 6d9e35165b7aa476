package mcp

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/runway/internal/streaming"
)

func TestNewServer(t *testing.T) {
	s := NewServer(Deps{Logger: zerolog.Nop()})
	require.NotNil(t, s.MCPServer())
	assert.Nil(t, s.notifier)

	s = NewServer(Deps{Hub: streaming.NewMemoryHub(), Logger: zerolog.Nop()})
	assert.NotNil(t, s.notifier)
}

func TestToolDefinitions(t *testing.T) {
	tests := []struct {
		toolName    string
		description string
	}{
		{"runway.execute", "Queue a run of a workflow template and return its execution id"},
		{"runway.status", "Get the current status snapshot of an execution"},
		{"runway.steps", "List the step history of an execution"},
		{"runway.cancel", "Cancel a pending or running execution"},
		{"runway.list_executions", "List recent executions, newest first"},
		{"runway.list_templates", "List workflow templates available to run"},
		{"runway.validate", "Validate a workflow template without storing it"},
	}

	s := NewServer(Deps{Logger: zerolog.Nop()})
	require.Len(t, s.MCPServer().ListTools(), len(tests))

	for _, tc := range tests {
		t.Run(tc.toolName, func(t *testing.T) {
			tool := s.MCPServer().GetTool(tc.toolName)
			require.NotNil(t, tool)
			assert.Equal(t, tc.description, tool.Tool.Description)
		})
	}
}
