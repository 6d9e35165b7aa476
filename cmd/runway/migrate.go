package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rendis/runway/internal/store"
)

func newMigrateCommand(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			db := c.cfg.Database
			st, err := store.Open(ctx, db.Driver, db.DSN, db.Postgres)
			if err != nil {
				return err
			}
			defer st.Close()

			if err := st.Migrate(ctx); err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
			c.logger.Info().Str("dialect", st.Dialect().String()).Msg("migrations applied")
			return nil
		},
	}
}
