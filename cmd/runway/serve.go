package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/rendis/runway/internal/api"
	"github.com/rendis/runway/internal/auth"
)

func newServeCommand(c *cli) *cobra.Command {
	var noWorkers bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API, workers and scheduler",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), c, noWorkers)
		},
	}
	cmd.Flags().BoolVar(&noWorkers, "no-workers", false, "do not run queue workers in this process")
	return cmd
}

func runServe(ctx context.Context, c *cli, noWorkers bool) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	verifier, err := auth.NewVerifier(c.cfg.Auth)
	if err != nil {
		return err
	}
	a, err := newApp(ctx, c.cfg, c.logger)
	if err != nil {
		return err
	}
	defer a.Close()

	if noWorkers && c.cfg.Queue.Backend == "memory" {
		c.logger.Warn().Msg("--no-workers with the memory queue: queued executions will never run")
	}

	srv := api.New(api.Deps{
		Service:   a.service,
		Publisher: a.publisher,
		Verifier:  verifier,
		Logger:    c.logger,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		c.logger.Info().Str("addr", c.cfg.Server.Addr).Msg("http server listening")
		return srv.Run(gctx, c.cfg.Server)
	})
	if !noWorkers {
		workers := a.workers()
		g.Go(func() error { return workers.Run(gctx) })
	}
	if sched := a.scheduler(); sched != nil {
		if err := sched.Start(gctx); err != nil {
			return err
		}
		defer sched.Stop()
	}

	err = g.Wait()
	c.logger.Info().Msg("shutdown complete")
	return err
}
