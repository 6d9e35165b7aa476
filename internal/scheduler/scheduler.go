// Package scheduler starts template runs on cron schedules and performs
// periodic queue maintenance.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/rendis/runway/internal/access"
	"github.com/rendis/runway/internal/service"
	"github.com/rendis/runway/internal/store"
)

// Runner starts an execution. Satisfied by *service.Service.
type Runner interface {
	Execute(ctx context.Context, p *access.Principal, req service.ExecuteRequest) (*service.ExecuteResult, error)
}

// Pruner applies queue retention. Satisfied by *queue.Manager.
type Pruner interface {
	PruneAll(ctx context.Context) (int, error)
}

// Last-run statuses recorded on a schedule.
const (
	RunQueued = "queued"
	RunError  = "error"
)

// Config tunes the loops. Zero fields take the defaults.
type Config struct {
	TickInterval  time.Duration `mapstructure:"tick_interval"`
	PruneInterval time.Duration `mapstructure:"prune_interval"`
}

func DefaultConfig() Config {
	return Config{TickInterval: 15 * time.Second, PruneInterval: time.Hour}
}

// Scheduler polls the store for due schedules and starts their runs.
type Scheduler struct {
	store  store.Store
	runner Runner
	pruner Pruner
	cfg    Config
	logger zerolog.Logger
	now    func() time.Time

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}

	inflightMu sync.Mutex
	inflight   map[string]struct{}
}

// New creates a Scheduler. pruner may be nil to skip maintenance.
func New(st store.Store, runner Runner, pruner Pruner, cfg Config, logger zerolog.Logger) *Scheduler {
	d := DefaultConfig()
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = d.TickInterval
	}
	if cfg.PruneInterval <= 0 {
		cfg.PruneInterval = d.PruneInterval
	}
	return &Scheduler{
		store:    st,
		runner:   runner,
		pruner:   pruner,
		cfg:      cfg,
		logger:   logger.With().Str("component", "scheduler").Logger(),
		now:      time.Now,
		inflight: make(map[string]struct{}),
	}
}

// Start launches the background loop. Schedules missed while no scheduler was
// running are due immediately and run once.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done != nil {
		return errors.New("scheduler already started")
	}

	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.loop(loopCtx, s.done)

	s.logger.Info().Dur("tick", s.cfg.TickInterval).Msg("scheduler started")
	return nil
}

// Stop cancels the loop and waits for the current tick to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	s.cancel = nil
	s.done = nil
	s.logger.Info().Msg("scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()
	var prune <-chan time.Time
	if s.pruner != nil {
		pt := time.NewTicker(s.cfg.PruneInterval)
		defer pt.Stop()
		prune = pt.C
	}

	s.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		case <-prune:
			s.prune(ctx)
		}
	}
}

// tick runs every due schedule once.
func (s *Scheduler) tick(ctx context.Context) int {
	now := s.now().UTC()
	due, err := s.store.ListDueSchedules(ctx, now)
	if err != nil {
		s.logger.Error().Err(err).Msg("list due schedules")
		return 0
	}

	ran := 0
	for _, sc := range due {
		if ctx.Err() != nil {
			break
		}
		if !s.tryAcquire(sc.ID) {
			continue
		}
		if err := s.run(ctx, sc, now); err != nil {
			s.logger.Error().Err(err).Str("schedule_id", sc.ID).Msg("scheduled run failed")
		}
		s.release(sc.ID)
		ran++
	}
	return ran
}

// run starts one execution as the schedule's owner and plans the next one.
// The next run is planned even when the start fails so a broken schedule does
// not fire on every tick.
func (s *Scheduler) run(ctx context.Context, sc *store.Schedule, now time.Time) error {
	owner := &access.Principal{ID: sc.OwnerID, OrganizationID: sc.OrganizationID, Role: sc.OwnerRole}
	res, runErr := s.runner.Execute(ctx, owner, service.ExecuteRequest{
		TemplateID: sc.TemplateID,
		Input:      sc.Input,
		Mode:       service.ModeScheduled,
	})

	status := RunQueued
	if runErr != nil {
		status = RunError
	} else {
		s.logger.Info().
			Str("schedule_id", sc.ID).
			Str("execution_id", res.Execution.ID).
			Msg("scheduled run queued")
	}

	update := store.ScheduleUpdate{LastRunAt: &now, LastRunStatus: &status}
	if next, err := service.NextRun(sc.CronExpression, now); err == nil {
		update.NextRunAt = &next
	} else {
		disabled := false
		update.Enabled = &disabled
		s.logger.Warn().Err(err).Str("schedule_id", sc.ID).Msg("disabling schedule with invalid cron expression")
	}
	if err := s.store.UpdateSchedule(ctx, sc.ID, update); err != nil {
		return fmt.Errorf("update schedule %s: %w", sc.ID, err)
	}
	return runErr
}

func (s *Scheduler) prune(ctx context.Context) {
	if _, err := s.pruner.PruneAll(ctx); err != nil {
		s.logger.Error().Err(err).Msg("queue maintenance failed")
	}
}

func (s *Scheduler) tryAcquire(id string) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if _, ok := s.inflight[id]; ok {
		return false
	}
	s.inflight[id] = struct{}{}
	return true
}

func (s *Scheduler) release(id string) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	delete(s.inflight, id)
}
