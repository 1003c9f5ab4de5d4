package main

import (
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/layer-3/attendance/adapters/store"
	"github.com/layer-3/attendance/config"
	"github.com/spf13/cobra"
)

func newMigrateCmd() *cobra.Command {
	var databaseURL string

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Create the Postgres schema and the activate_session function",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if databaseURL == "" {
				cfg, err := config.Load()
				if err != nil {
					return err
				}
				databaseURL = cfg.DatabaseURL
			}
			if databaseURL == "" {
				return errors.New("a database url is required: pass --database-url or set ATTEND_DATABASE_URL")
			}

			logger := NewLogger("info")
			ctx := cmd.Context()

			pool, err := pgxpool.New(ctx, databaseURL)
			if err != nil {
				return fmt.Errorf("failed to connect to postgres: %w", err)
			}
			defer pool.Close()

			pg, err := store.NewPostgresStore(pool)
			if err != nil {
				return err
			}

			logger.Info("migrate.start")
			if err := pg.Migrate(ctx); err != nil {
				return err
			}
			logger.Info("migrate.done")
			return nil
		},
	}

	cmd.Flags().StringVar(&databaseURL, "database-url", "", "Postgres connection URL, defaults to ATTEND_DATABASE_URL")
	return cmd
}
