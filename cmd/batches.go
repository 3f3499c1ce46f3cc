package cmd

import (
	"fmt"
	"log/slog"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/user/scanrelay/pkg/config"
	"github.com/user/scanrelay/pkg/engine"
)

var batchesCmd = &cobra.Command{
	Use:   "batches",
	Short: "List stored snapshots for a scope",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd, config.WithDryRun(), config.Offline())
		if err != nil {
			return err
		}
		ctx := cmd.Context()
		st, release, err := openStore(ctx, cfg)
		if err != nil {
			return err
		}
		defer release()

		refs, err := st.List(ctx, cfg.Scope)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if len(refs) == 0 {
			fmt.Fprintf(out, "No snapshots stored for %q.\n", cfg.Scope)
			return nil
		}

		verbose, _ := cmd.Flags().GetBool("verbose")
		w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		if verbose {
			fmt.Fprintln(w, "BATCH\tSUBJECTS\tFINDINGS\tCREATED\tREF")
		} else {
			fmt.Fprintln(w, "BATCH\tREF")
		}
		for _, ref := range refs {
			if !verbose {
				fmt.Fprintf(w, "%d\t%s\n", ref.Number, ref.URI)
				continue
			}
			snap, err := st.Fetch(ctx, ref)
			if err != nil {
				slog.Warn("snapshot unavailable", "ref", ref.URI, "error", err)
				fmt.Fprintf(w, "%d\t-\t-\t-\t%s\n", ref.Number, ref.URI)
				continue
			}
			findings := engine.FindingSet(snap.Subjects).CountFindings()
			fmt.Fprintf(w, "%d\t%d\t%d\t%s\t%s\n", ref.Number, len(snap.Subjects), findings, snap.CreatedAt.Format("2006-01-02 15:04"), ref.URI)
		}
		return w.Flush()
	},
}

func init() {
	batchesCmd.Flags().String("scope", "", "Tracker label that scopes batch numbering")
	batchesCmd.Flags().BoolP("verbose", "v", false, "Fetch each snapshot and show its size")
	rootCmd.AddCommand(batchesCmd)
}
