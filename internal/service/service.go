// Package service is the application layer shared by the HTTP API, the MCP
// server and the scheduler. Every operation takes the calling principal and
// applies the access gate before touching data.
package service

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/rendis/runway/internal/access"
	"github.com/rendis/runway/internal/queue"
	"github.com/rendis/runway/internal/store"
	"github.com/rendis/runway/internal/validation"
	"github.com/rendis/runway/pkg/schema"
)

// Transitioner changes execution status through the state machine.
type Transitioner interface {
	Transition(ctx context.Context, id string, to schema.ExecutionStatus, update store.ExecutionUpdate) (*schema.Execution, error)
}

// Deps wires a Service.
type Deps struct {
	Store     store.Store
	Queue     *queue.Manager
	Validator *validation.TemplateValidator
	FSM       Transitioner
	Logger    zerolog.Logger
}

// Service implements workflow, execution and schedule operations.
type Service struct {
	store     store.Store
	queue     *queue.Manager
	validator *validation.TemplateValidator
	fsm       Transitioner
	logger    zerolog.Logger
	now       func() time.Time
}

func New(d Deps) *Service {
	return &Service{
		store:     d.Store,
		queue:     d.Queue,
		validator: d.Validator,
		fsm:       d.FSM,
		logger:    d.Logger.With().Str("component", "service").Logger(),
		now:       time.Now,
	}
}

func requirePrincipal(p *access.Principal) error {
	if p == nil {
		return schema.NewError(schema.ErrCodeUnauthenticated, "authentication required")
	}
	return nil
}

// QueueStats returns job counts for a queue family. Admins only.
func (s *Service) QueueStats(ctx context.Context, p *access.Principal, name string) (queue.Counts, error) {
	if err := access.RequireRole(p, access.RoleAdmin); err != nil {
		return queue.Counts{}, err
	}
	return s.queue.Stats(ctx, name)
}
