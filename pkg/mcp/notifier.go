package mcp

import (
	"context"
	"errors"

	"github.com/mark3labs/mcp-go/server"
	"github.com/rs/zerolog"

	"github.com/rendis/runway/internal/streaming"
	"github.com/rendis/runway/pkg/schema"
)

// NotificationMethod is the MCP method used for completion notices.
const NotificationMethod = "notifications/message"

// sender is the part of *server.MCPServer the notifier uses.
type sender interface {
	SendNotificationToSpecificClient(sessionID, method string, params map[string]any) error
}

// Notifier tells the session that started an execution when it reaches a
// terminal status. Delivery is best effort.
type Notifier struct {
	sender   sender
	sessions *SessionRegistry
	hub      streaming.Hub
	logger   zerolog.Logger
}

func NewNotifier(mcpServer *server.MCPServer, sessions *SessionRegistry, hub streaming.Hub, logger zerolog.Logger) *Notifier {
	return &Notifier{sender: mcpServer, sessions: sessions, hub: hub, logger: logger}
}

// Run forwards terminal status events until ctx is done.
func (n *Notifier) Run(ctx context.Context) error {
	events, cancel, err := n.hub.Subscribe(ctx, streaming.Filter{Statuses: []schema.ExecutionStatus{
		schema.ExecutionCompleted, schema.ExecutionFailed, schema.ExecutionCancelled,
	}})
	if err != nil {
		return err
	}
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			n.notify(ev)
		}
	}
}

func (n *Notifier) notify(ev schema.StatusEvent) {
	sessionID, ok := n.sessions.SessionFor(ev.ExecutionID)
	if !ok {
		return
	}
	n.sessions.Forget(ev.ExecutionID)

	err := n.sender.SendNotificationToSpecificClient(sessionID, NotificationMethod, map[string]any{
		"level":  "info",
		"logger": "runway",
		"data": map[string]any{
			"executionId": ev.ExecutionID,
			"status":      ev.Status,
			"currentStep": ev.CurrentStep,
			"timestamp":   ev.Timestamp,
		},
	})
	switch {
	case errors.Is(err, server.ErrSessionNotFound):
		n.sessions.Remove(sessionID)
	case err != nil:
		n.logger.Warn().Err(err).Str("execution_id", ev.ExecutionID).Msg("completion notification failed")
	}
}
