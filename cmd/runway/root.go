package main

import (
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/rendis/runway/internal/config"
	"github.com/rendis/runway/internal/logging"
)

// cli carries state shared by every subcommand.
type cli struct {
	configPath string
	logLevel   string

	cfg    *config.Config
	logger zerolog.Logger
}

func newRootCommand() *cobra.Command {
	c := &cli{}
	root := &cobra.Command{
		Use:   "runway",
		Short: "Asynchronous workflow execution service",
		Long: `Runway stores workflow templates, queues executions and runs them on
background workers, reporting progress over HTTP, SSE and MCP.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if cmd.Name() == "version" {
				return nil
			}
			return c.load()
		},
	}

	root.PersistentFlags().StringVarP(&c.configPath, "config", "c", "", "config file (default ./runway.yaml)")
	root.PersistentFlags().StringVar(&c.logLevel, "log-level", "", "override log.level")

	root.AddCommand(
		newServeCommand(c),
		newWorkerCommand(c),
		newMigrateCommand(c),
		newTokenCommand(c),
		newTemplateCommand(c),
		newMCPCommand(c),
		newVersionCommand(),
	)
	return root
}

func (c *cli) load() error {
	cfg, err := config.Load(c.configPath)
	if err != nil {
		return err
	}
	if c.logLevel != "" {
		cfg.Log.Level = c.logLevel
	}
	c.cfg = cfg
	c.logger = logging.New(cfg.Log)
	return nil
}
