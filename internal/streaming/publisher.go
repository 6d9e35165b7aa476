package streaming

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/rendis/runway/pkg/schema"
)

// ExecutionReader is the store read the publisher needs.
type ExecutionReader interface {
	GetExecution(ctx context.Context, id string) (*schema.Execution, error)
}

// Config tunes streams. Zero fields take the defaults.
type Config struct {
	PollInterval time.Duration `mapstructure:"poll_interval"`
	CloseGrace   time.Duration `mapstructure:"close_grace"`
}

func DefaultConfig() Config {
	return Config{PollInterval: time.Second, CloseGrace: time.Second}
}

// Sink receives each snapshot of a stream. An error ends the stream.
type Sink func(Snapshot) error

// Publisher serves execution snapshots and snapshot streams.
type Publisher struct {
	store  ExecutionReader
	hub    Hub
	cfg    Config
	logger zerolog.Logger
}

// NewPublisher builds a Publisher. hub may be nil, in which case streams
// rely on polling alone.
func NewPublisher(st ExecutionReader, hub Hub, cfg Config, logger zerolog.Logger) *Publisher {
	d := DefaultConfig()
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = d.PollInterval
	}
	if cfg.CloseGrace <= 0 {
		cfg.CloseGrace = d.CloseGrace
	}
	return &Publisher{
		store:  st,
		hub:    hub,
		cfg:    cfg,
		logger: logger.With().Str("component", "status_publisher").Logger(),
	}
}

// Snapshot returns the current snapshot of execution id.
func (p *Publisher) Snapshot(ctx context.Context, id string) (*Snapshot, error) {
	exec, err := p.store.GetExecution(ctx, id)
	if err != nil {
		return nil, err
	}
	s := SnapshotOf(exec)
	return &s, nil
}

// Stream sends the current snapshot, then a full snapshot on every poll tick
// or hub event, until the execution is terminal. After the terminal snapshot
// it waits CloseGrace and returns nil. A stream opened on a terminal
// execution sends exactly one snapshot.
//
// If ctx ends first, or sink fails, Stream returns STREAM_TRANSPORT.
func (p *Publisher) Stream(ctx context.Context, id string, sink Sink) error {
	var nudges <-chan schema.StatusEvent
	if p.hub != nil {
		ch, cancel, err := p.hub.Subscribe(ctx, Filter{ExecutionID: id})
		if err != nil {
			p.logger.Warn().Err(err).Str("execution_id", id).Msg("hub subscribe failed, polling only")
		} else {
			defer cancel()
			nudges = ch
		}
	}

	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	for {
		snap, err := p.Snapshot(ctx, id)
		if err != nil {
			if ctx.Err() != nil {
				return transportError(ctx.Err())
			}
			return err
		}
		if err := sink(*snap); err != nil {
			return transportError(err)
		}
		if snap.Terminal() {
			p.grace(ctx)
			return nil
		}

		select {
		case <-ctx.Done():
			return transportError(ctx.Err())
		case <-ticker.C:
		case _, ok := <-nudges:
			if !ok {
				nudges = nil
			}
		}
	}
}

func (p *Publisher) grace(ctx context.Context) {
	t := time.NewTimer(p.cfg.CloseGrace)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

func transportError(cause error) error {
	return schema.NewError(schema.ErrCodeStreamTransport, "status stream closed").WithCause(cause)
}
