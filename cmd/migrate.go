package cmd

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/user/scanrelay/pkg/config"
	"github.com/user/scanrelay/pkg/store"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or upgrade the postgres snapshot schema",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd, config.WithDryRun(), config.Offline())
		if err != nil {
			return err
		}
		if cfg.Store.Backend != "postgres" {
			return fmt.Errorf("migrate needs the postgres store backend, configured: %s", cfg.Store.Backend)
		}

		ctx := cmd.Context()
		ps, err := store.ConnectPostgres(ctx, cfg.Store.DatabaseURL)
		if err != nil {
			return err
		}
		defer ps.Close()

		if err := ps.Migrate(ctx); err != nil {
			return err
		}
		slog.Info("snapshot schema is up to date")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}
