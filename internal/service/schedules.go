package service

import (
	"context"
	"encoding/json"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/rendis/runway/internal/access"
	"github.com/rendis/runway/internal/store"
	"github.com/rendis/runway/pkg/schema"
)

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// NextRun returns the first activation of a five-field cron expression
// strictly after from.
func NextRun(expr string, from time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return time.Time{}, schema.NewErrorf(schema.ErrCodeValidation, "invalid cron expression %q", expr).WithCause(err)
	}
	return sched.Next(from).UTC(), nil
}

// ScheduleRequest creates a recurring run of a template.
type ScheduleRequest struct {
	TemplateID     string          `json:"template_id"`
	CronExpression string          `json:"cron_expression"`
	Input          json.RawMessage `json:"input,omitempty"`
}

// CreateSchedule stores an enabled schedule owned by p. Scheduled runs are
// executed with p's identity and role as they were at creation.
func (s *Service) CreateSchedule(ctx context.Context, p *access.Principal, req ScheduleRequest) (*store.Schedule, error) {
	if err := requirePrincipal(p); err != nil {
		return nil, err
	}
	next, err := NextRun(req.CronExpression, s.now())
	if err != nil {
		return nil, err
	}
	tpl, err := s.store.GetTemplate(ctx, req.TemplateID)
	if err != nil {
		return nil, err
	}
	if err := access.CanUseTemplate(p, tpl); err != nil {
		return nil, err
	}
	if !tpl.Active {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "workflow %q is not active", tpl.Name)
	}
	if len(req.Input) > 0 && !json.Valid(req.Input) {
		return nil, schema.NewError(schema.ErrCodeValidation, "input is not valid JSON")
	}
	if err := s.validator.ValidateInput(tpl.InputSchema, req.Input); err != nil {
		return nil, err
	}

	sc, err := s.store.CreateSchedule(ctx, &store.Schedule{
		TemplateID:     tpl.ID,
		CronExpression: req.CronExpression,
		Input:          req.Input,
		OwnerID:        p.ID,
		OrganizationID: p.OrganizationID,
		OwnerRole:      string(p.Role),
		Enabled:        true,
		NextRunAt:      &next,
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info().Ctx(ctx).
		Str("schedule_id", sc.ID).
		Str("template_id", tpl.ID).
		Time("next_run_at", next).
		Msg("schedule created")
	return sc, nil
}

// ListSchedules returns the caller's schedules. Super admins see all.
func (s *Service) ListSchedules(ctx context.Context, p *access.Principal, limit int) ([]*store.Schedule, error) {
	if err := requirePrincipal(p); err != nil {
		return nil, err
	}
	filter := store.ScheduleFilter{Limit: limit}
	if !p.IsSuperAdmin() {
		filter.OwnerID = p.ID
	}
	return s.store.ListSchedules(ctx, filter)
}

// SetScheduleEnabled pauses or resumes a schedule. Resuming plans the next
// run from now so missed activations are skipped.
func (s *Service) SetScheduleEnabled(ctx context.Context, p *access.Principal, id string, enabled bool) (*store.Schedule, error) {
	sc, err := s.ownedSchedule(ctx, p, id)
	if err != nil {
		return nil, err
	}
	update := store.ScheduleUpdate{Enabled: &enabled}
	if enabled {
		next, err := NextRun(sc.CronExpression, s.now())
		if err != nil {
			return nil, err
		}
		update.NextRunAt = &next
	}
	if err := s.store.UpdateSchedule(ctx, id, update); err != nil {
		return nil, err
	}
	return s.store.GetSchedule(ctx, id)
}

// DeleteSchedule removes a schedule. Executions it already started are kept.
func (s *Service) DeleteSchedule(ctx context.Context, p *access.Principal, id string) error {
	if _, err := s.ownedSchedule(ctx, p, id); err != nil {
		return err
	}
	if err := s.store.DeleteSchedule(ctx, id); err != nil {
		return err
	}
	s.logger.Info().Ctx(ctx).Str("schedule_id", id).Msg("schedule deleted")
	return nil
}

func (s *Service) ownedSchedule(ctx context.Context, p *access.Principal, id string) (*store.Schedule, error) {
	if err := requirePrincipal(p); err != nil {
		return nil, err
	}
	sc, err := s.store.GetSchedule(ctx, id)
	if err != nil {
		return nil, err
	}
	if sc.OwnerID != p.ID && !p.IsSuperAdmin() {
		return nil, schema.NewError(schema.ErrCodeForbidden, "not allowed to manage this schedule")
	}
	return sc, nil
}
