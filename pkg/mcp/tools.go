package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/runway/internal/service"
	"github.com/rendis/runway/internal/streaming"
	"github.com/rendis/runway/pkg/schema"
)

const defaultLimit = 50

func (s *Server) handleExecute(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	templateID, err := req.RequireString("template_id")
	if err != nil {
		return mcp.NewToolResultError("template_id is required"), nil
	}
	var input json.RawMessage
	if v, ok := req.GetArguments()["input"]; ok && v != nil {
		if input, err = json.Marshal(v); err != nil {
			return mcp.NewToolResultError("input must be a JSON object"), nil
		}
	}

	res, err := s.svc.Execute(ctx, &s.principal, service.ExecuteRequest{
		TemplateID: templateID,
		Input:      input,
		Priority:   intArg(req, "priority", 0),
	})
	if err != nil {
		return s.toolError(err), nil
	}
	s.captureSession(ctx, res.Execution.ID)

	return marshalResult(map[string]any{
		"executionId": res.Execution.ID,
		"jobId":       res.JobID,
		"status":      res.Execution.Status,
	})
}

func (s *Server) handleStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("execution_id")
	if err != nil {
		return mcp.NewToolResultError("execution_id is required"), nil
	}
	exec, err := s.svc.GetExecution(ctx, &s.principal, id)
	if err != nil {
		return s.toolError(err), nil
	}
	return marshalResult(streaming.SnapshotOf(exec))
}

func (s *Server) handleSteps(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("execution_id")
	if err != nil {
		return mcp.NewToolResultError("execution_id is required"), nil
	}
	steps, err := s.svc.Steps(ctx, &s.principal, id)
	if err != nil {
		return s.toolError(err), nil
	}
	if steps == nil {
		steps = []*schema.ExecutionStep{}
	}
	return marshalResult(map[string]any{"steps": steps})
}

func (s *Server) handleCancel(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("execution_id")
	if err != nil {
		return mcp.NewToolResultError("execution_id is required"), nil
	}
	exec, err := s.svc.Cancel(ctx, &s.principal, id)
	if err != nil {
		return s.toolError(err), nil
	}
	return marshalResult(streaming.SnapshotOf(exec))
}

func (s *Server) handleListExecutions(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	list, err := s.svc.ListExecutions(ctx, &s.principal, service.ListOptions{
		TemplateID: req.GetString("template_id", ""),
		Status:     schema.ExecutionStatus(req.GetString("status", "")),
		Limit:      intArg(req, "limit", defaultLimit),
	})
	if err != nil {
		return s.toolError(err), nil
	}
	snaps := make([]streaming.Snapshot, len(list))
	for i, e := range list {
		snaps[i] = streaming.SnapshotOf(e)
	}
	return marshalResult(map[string]any{"executions": snaps, "total": len(snaps)})
}

// templateSummary keeps list output small; the graph is omitted.
type templateSummary struct {
	ID          string            `json:"id"`
	Name        string            `json:"name"`
	Description string            `json:"description,omitempty"`
	Version     string            `json:"version"`
	Visibility  schema.Visibility `json:"visibility"`
	Active      bool              `json:"active"`
	Nodes       int               `json:"nodes"`
	InputSchema json.RawMessage   `json:"input_schema,omitempty"`
}

func (s *Server) handleListTemplates(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	list, err := s.svc.ListTemplates(ctx, &s.principal, service.TemplateListOptions{
		ActiveOnly: req.GetBool("active_only", true),
		Limit:      intArg(req, "limit", defaultLimit),
	})
	if err != nil {
		return s.toolError(err), nil
	}
	out := make([]templateSummary, len(list))
	for i, t := range list {
		out[i] = templateSummary{
			ID:          t.ID,
			Name:        t.Name,
			Description: t.Description,
			Version:     t.Version,
			Visibility:  t.Visibility,
			Active:      t.Active,
			Nodes:       len(t.Graph.Nodes),
			InputSchema: t.InputSchema,
		}
	}
	return marshalResult(map[string]any{"templates": out, "total": len(out)})
}

func (s *Server) handleValidate(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, ok := req.GetArguments()["template"]
	if !ok || raw == nil {
		return mcp.NewToolResultError("template is required"), nil
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return mcp.NewToolResultError("template must be a JSON object"), nil
	}
	var tpl schema.WorkflowTemplate
	if err := json.Unmarshal(data, &tpl); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("template does not decode: %v", err)), nil
	}

	res, err := s.svc.ValidateTemplate(ctx, &s.principal, &tpl)
	if err != nil {
		return s.toolError(err), nil
	}
	return marshalResult(map[string]any{
		"valid":    res.Valid(),
		"errors":   res.Errors,
		"warnings": res.Warnings,
	})
}

// intArg reads a numeric argument. JSON numbers arrive as float64.
func intArg(req mcp.CallToolRequest, key string, def int) int {
	switch v := req.GetArguments()[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	}
	return def
}

// captureSession remembers which session started an execution so the
// notifier can report its outcome.
func (s *Server) captureSession(ctx context.Context, executionID string) {
	if session := server.ClientSessionFromContext(ctx); session != nil {
		s.sessions.Register(executionID, session.SessionID())
	}
}

// toolError renders a service error as "CODE: message". Internal failures
// are logged and reported without detail.
func (s *Server) toolError(err error) *mcp.CallToolResult {
	var se *schema.Error
	if !errors.As(err, &se) || schema.HTTPStatus(se.Code) == http.StatusInternalServerError {
		s.logger.Error().Err(err).Msg("tool call failed")
		return mcp.NewToolResultError("INTERNAL: internal error")
	}
	return mcp.NewToolResultError(se.Code + ": " + se.Message)
}

func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
