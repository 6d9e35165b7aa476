package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/rendis/runway/pkg/mcp"
)

func newMCPCommand(c *cli) *cobra.Command {
	var workers bool
	cmd := &cobra.Command{
		Use:   "mcp",
		Short: "Serve the MCP tool surface over stdio",
		Long: `Serve runway tools to an MCP client over stdin/stdout. Every call runs as
the principal configured under mcp. Logs go to stderr.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, c.cfg, c.logger)
			if err != nil {
				return err
			}
			defer a.Close()

			srv := mcp.NewServer(mcp.Deps{
				Service:   a.service,
				Principal: c.cfg.MCP.Principal(),
				Hub:       a.hub,
				Version:   version,
				Logger:    c.logger,
			})

			g, gctx := errgroup.WithContext(ctx)
			if workers || c.cfg.Queue.Backend == "memory" {
				wm := a.workers()
				g.Go(func() error { return wm.Run(gctx) })
			}
			g.Go(func() error {
				defer stop()
				return srv.Serve(gctx)
			})
			return g.Wait()
		},
	}
	cmd.Flags().BoolVar(&workers, "workers", false, "also run queue workers (always on with the memory queue)")
	return cmd
}
