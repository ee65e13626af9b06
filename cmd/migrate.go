package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
)

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Creates or updates the postgres schema",
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := resolveRuntime(cmd.Context())
			if err != nil {
				return err
			}
			if rt.cfg.DB.DSN == "" {
				return errors.New("db.dsn is required (set JOBINTAKE_DB_DSN)")
			}
			m, err := newMigrator(cmd.Context(), rt.cfg)
			if err != nil {
				return fmt.Errorf("open database: %w", err)
			}
			defer m.Close()

			if err := m.Migrate(cmd.Context()); err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
			rt.logger.Info("schema is up to date")
			return nil
		},
	}
}
