package cmd

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/user/scanrelay/pkg/config"
	"github.com/user/scanrelay/pkg/engine"
	"github.com/user/scanrelay/pkg/relay"
)

var reconcileCmd = &cobra.Command{
	Use:   "reconcile <findings.json>",
	Short: "Plan batches for a saved finding set without publishing",
	Long: `Reads a finding set (a JSON array of {"subject": ..., "findings": [...]})
and prints the batches a scan would publish, using the configured snapshot
store and tracker for prior state.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd, config.WithDryRun(), config.Offline())
		if err != nil {
			return err
		}

		data, err := os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("read findings: %w", err)
		}
		var current engine.FindingSet
		if err := json.Unmarshal(data, &current); err != nil {
			return fmt.Errorf("parse findings %s: %w", args[0], err)
		}

		ctx := cmd.Context()
		logger := slog.Default()
		st, release, err := openStore(ctx, cfg)
		if err != nil {
			return err
		}
		defer release()
		tr, err := openTracker(ctx, cfg, logger)
		if err != nil {
			return err
		}

		r := &relay.Relay{
			Scope:      cfg.Scope,
			Store:      st,
			Tracker:    tr,
			Reconciler: engine.NewReconciler(logger),
			Logger:     logger,
			DryRun:     true,
		}
		report, err := r.Publish(ctx, current)
		if err != nil {
			return err
		}
		printReport(cmd.OutOrStdout(), report)
		return nil
	},
}

func init() {
	reconcileCmd.Flags().String("scope", "", "Tracker label that scopes batch numbering")
	rootCmd.AddCommand(reconcileCmd)
}
