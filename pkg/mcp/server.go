// Package mcp serves runway operations as MCP tools. All calls run as a
// single configured principal.
package mcp

import (
	"context"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/rs/zerolog"

	"github.com/rendis/runway/internal/access"
	"github.com/rendis/runway/internal/service"
	"github.com/rendis/runway/internal/streaming"
)

// Deps holds the dependencies for creating a Server.
type Deps struct {
	Service   *service.Service
	Principal access.Principal
	// Hub, when set, lets the server notify the session that started an
	// execution once it finishes.
	Hub     streaming.Hub
	Version string
	Logger  zerolog.Logger
}

// Server wraps an MCP server with runway tool handlers.
type Server struct {
	svc       *service.Service
	principal access.Principal
	sessions  *SessionRegistry
	notifier  *Notifier
	logger    zerolog.Logger
	mcpServer *server.MCPServer
}

// NewServer creates a Server with every runway tool registered.
func NewServer(d Deps) *Server {
	version := d.Version
	if version == "" {
		version = "dev"
	}
	s := &Server{
		svc:       d.Service,
		principal: d.Principal,
		sessions:  NewSessionRegistry(),
		logger:    d.Logger.With().Str("component", "mcp").Logger(),
	}

	hooks := &server.Hooks{}
	hooks.AddOnUnregisterSession(func(_ context.Context, session server.ClientSession) {
		s.sessions.Remove(session.SessionID())
	})

	s.mcpServer = server.NewMCPServer(
		"runway",
		version,
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithHooks(hooks),
		server.WithInstructions("Runway runs workflow templates asynchronously. Use runway.list_templates to find a template, "+
			"runway.execute to queue a run, then runway.status or runway.steps to follow it."),
	)
	s.mcpServer.AddTools(s.tools()...)
	if d.Hub != nil {
		s.notifier = NewNotifier(s.mcpServer, s.sessions, d.Hub, s.logger)
	}
	return s
}

// Serve runs the stdio transport until ctx is cancelled or stdin closes.
func (s *Server) Serve(ctx context.Context) error {
	if s.notifier != nil {
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()
		go func() {
			if err := s.notifier.Run(ctx); err != nil {
				s.logger.Warn().Err(err).Msg("completion notifications disabled")
			}
		}()
	}
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for tests or other transports.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcpServer
}

func (s *Server) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: executeTool(), Handler: s.handleExecute},
		{Tool: statusTool(), Handler: s.handleStatus},
		{Tool: stepsTool(), Handler: s.handleSteps},
		{Tool: cancelTool(), Handler: s.handleCancel},
		{Tool: listExecutionsTool(), Handler: s.handleListExecutions},
		{Tool: listTemplatesTool(), Handler: s.handleListTemplates},
		{Tool: validateTool(), Handler: s.handleValidate},
	}
}

func executeTool() mcp.Tool {
	return mcp.NewTool("runway.execute",
		mcp.WithDescription("Queue a run of a workflow template and return its execution id"),
		mcp.WithString("template_id", mcp.Required(), mcp.Description("ID of the workflow template")),
		mcp.WithObject("input", mcp.Description("Input document, checked against the template input schema")),
		mcp.WithNumber("priority", mcp.Description("Queue priority, lower runs first (0-1000)")),
	)
}

func statusTool() mcp.Tool {
	return mcp.NewTool("runway.status",
		mcp.WithDescription("Get the current status snapshot of an execution"),
		mcp.WithString("execution_id", mcp.Required(), mcp.Description("ID of the execution")),
	)
}

func stepsTool() mcp.Tool {
	return mcp.NewTool("runway.steps",
		mcp.WithDescription("List the step history of an execution"),
		mcp.WithString("execution_id", mcp.Required(), mcp.Description("ID of the execution")),
	)
}

func cancelTool() mcp.Tool {
	return mcp.NewTool("runway.cancel",
		mcp.WithDescription("Cancel a pending or running execution"),
		mcp.WithString("execution_id", mcp.Required(), mcp.Description("ID of the execution")),
	)
}

func listExecutionsTool() mcp.Tool {
	return mcp.NewTool("runway.list_executions",
		mcp.WithDescription("List recent executions, newest first"),
		mcp.WithString("status",
			mcp.Enum("pending", "running", "completed", "failed", "cancelled"),
			mcp.Description("Only executions in this status"),
		),
		mcp.WithString("template_id", mcp.Description("Only executions of this template")),
		mcp.WithNumber("limit", mcp.Description("Maximum results (default 50)")),
	)
}

func listTemplatesTool() mcp.Tool {
	return mcp.NewTool("runway.list_templates",
		mcp.WithDescription("List workflow templates available to run"),
		mcp.WithBoolean("active_only", mcp.Description("Hide deactivated templates (default true)")),
		mcp.WithNumber("limit", mcp.Description("Maximum results (default 50)")),
	)
}

func validateTool() mcp.Tool {
	return mcp.NewTool("runway.validate",
		mcp.WithDescription("Validate a workflow template without storing it"),
		mcp.WithObject("template", mcp.Required(), mcp.Description("Template document with name, visibility and graph")),
	)
}
