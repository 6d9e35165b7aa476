package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/rendis/runway/internal/config"
	"github.com/rendis/runway/internal/engine"
	"github.com/rendis/runway/internal/expressions"
	"github.com/rendis/runway/internal/llm"
	"github.com/rendis/runway/internal/queue"
	"github.com/rendis/runway/internal/scheduler"
	"github.com/rendis/runway/internal/service"
	"github.com/rendis/runway/internal/store"
	"github.com/rendis/runway/internal/streaming"
	"github.com/rendis/runway/internal/tools"
	"github.com/rendis/runway/internal/validation"
	"github.com/rendis/runway/internal/worker"
)

// app is the wired process: every component a subcommand may need.
type app struct {
	cfg    *config.Config
	logger zerolog.Logger

	store     *store.SQLStore
	redis     *redis.Client
	queue     *queue.Manager
	hub       streaming.Hub
	engine    *engine.Engine
	service   *service.Service
	publisher *streaming.Publisher
}

// newApp opens the store (running migrations), connects the queue backend
// and builds the engine and service on top of them.
func newApp(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger}

	st, err := store.Open(ctx, cfg.Database.Driver, cfg.Database.DSN, cfg.Database.Postgres)
	if err != nil {
		return nil, err
	}
	a.store = st
	if err := st.Migrate(ctx); err != nil {
		a.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	var backend queue.Backend
	switch cfg.Queue.Backend {
	case "redis":
		client, err := queue.NewRedisClient(ctx, cfg.Redis)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.redis = client
		backend = queue.NewRedisQueue(client, cfg.Redis.Prefix)
		a.hub = streaming.NewRedisHub(client, cfg.Redis.Prefix, logger)
	default:
		logger.Warn().Msg("in-memory queue: jobs are lost on restart and only this process runs them")
		backend = queue.NewMemoryQueue()
		a.hub = streaming.NewMemoryHub()
	}
	a.queue = queue.NewManager(backend, cfg.Queue.Families, logger)

	schemas, err := validation.NewSchemaValidator()
	if err != nil {
		a.Close()
		return nil, err
	}
	cel, err := expressions.NewCELEngine()
	if err != nil {
		a.Close()
		return nil, err
	}
	jq := expressions.NewGoJQEngine()

	registry := tools.NewRegistry()
	if err := tools.RegisterBuiltins(registry, tools.Deps{
		Schemas: schemas,
		JQ:      jq,
		Expr:    expressions.NewExprEngine(),
		HTTP:    cfg.HTTPTool,
	}); err != nil {
		a.Close()
		return nil, err
	}
	llms := llm.NewRegistryFromConfig(cfg.LLM, logger)

	a.engine = engine.New(engine.Deps{
		Store:     st,
		Tools:     registry,
		LLMs:      llms,
		Schemas:   schemas,
		CEL:       cel,
		JQ:        jq,
		Publisher: a.hub,
		Breakers:  cfg.Breakers,
		Logger:    logger,
	})
	a.service = service.New(service.Deps{
		Store:     st,
		Queue:     a.queue,
		Validator: validation.NewTemplateValidator(schemas, cel, jq, validation.Options{Tools: registry, Providers: llms}),
		FSM:       a.engine.FSM(),
		Logger:    logger,
	})
	a.publisher = streaming.NewPublisher(st, a.hub, cfg.Stream, logger)
	return a, nil
}

// workers builds the worker manager for every queue family with a handler.
func (a *app) workers() *worker.Manager {
	handlers := map[string]worker.Handler{
		queue.WorkflowExecution: worker.NewWorkflowHandler(a.engine, a.engine.FSM(), a.logger),
	}
	return worker.NewManager(a.queue, handlers, a.cfg.Worker.PollInterval, a.logger)
}

// scheduler returns nil when scheduling is disabled.
func (a *app) scheduler() *scheduler.Scheduler {
	if !a.cfg.Scheduler.Enabled {
		return nil
	}
	return scheduler.New(a.store, a.service, a.queue, a.cfg.Scheduler.Config, a.logger)
}

func (a *app) Close() {
	var errs []error
	if a.redis != nil {
		errs = append(errs, a.redis.Close())
	}
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	if err := errors.Join(errs...); err != nil {
		a.logger.Warn().Err(err).Msg("close")
	}
}
