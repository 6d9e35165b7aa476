package worker

import (
	"context"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/rendis/runway/internal/queue"
)

// Manager runs one Worker per registered queue family.
type Manager struct {
	workers []*Worker
	logger  zerolog.Logger
}

// NewManager builds a worker for every family in handlers, sized from the
// queue manager's resolved family config. pollInterval of zero uses the
// default.
func NewManager(qm *queue.Manager, handlers map[string]Handler, pollInterval time.Duration, logger zerolog.Logger) *Manager {
	families := make([]string, 0, len(handlers))
	for f := range handlers {
		families = append(families, f)
	}
	sort.Strings(families)

	m := &Manager{logger: logger.With().Str("component", "worker_manager").Logger()}
	for _, f := range families {
		cfg := qm.Config(f)
		m.workers = append(m.workers, New(qm.Backend(), f, handlers[f], Options{
			Concurrency:  cfg.Concurrency,
			Lease:        cfg.Lease,
			Timeout:      cfg.Timeout,
			PollInterval: pollInterval,
		}, logger))
	}
	return m
}

// Workers returns the managed workers, ordered by queue name.
func (m *Manager) Workers() []*Worker { return m.workers }

// Run starts every worker and blocks until ctx is done and all of them have
// drained.
func (m *Manager) Run(ctx context.Context) error {
	if len(m.workers) == 0 {
		m.logger.Warn().Msg("no queue handlers registered")
		<-ctx.Done()
		return nil
	}
	g, gctx := errgroup.WithContext(ctx)
	for _, w := range m.workers {
		g.Go(func() error { return w.Run(gctx) })
	}
	return g.Wait()
}
