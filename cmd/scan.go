package cmd

import (
	"fmt"
	"io"
	"log/slog"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/user/scanrelay/pkg/config"
	"github.com/user/scanrelay/pkg/relay"
)

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Upload artifacts, wait for the scan and publish new findings",
	RunE: func(cmd *cobra.Command, args []string) error {
		var opts []config.Option
		if dry, _ := cmd.Flags().GetBool("dry-run"); dry {
			opts = append(opts, config.WithDryRun())
		}
		cfg, err := loadConfig(cmd, opts...)
		if err != nil {
			return err
		}
		if len(cfg.Inputs) == 0 {
			return fmt.Errorf("no inputs configured")
		}

		ctx := cmd.Context()
		logger := slog.Default()
		r, release, err := buildRelay(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer release()

		report, err := r.Run(ctx)
		if err != nil {
			return err
		}
		printReport(cmd.OutOrStdout(), report)
		return nil
	},
}

func printReport(out io.Writer, report *relay.Report) {
	if report.JobID != "" {
		fmt.Fprintf(out, "Job %s finished after %d status checks (%s)\n", report.JobID, report.Attempts, report.Elapsed.Round(time.Millisecond))
	}
	fmt.Fprintf(out, "%d subjects, %d findings", report.Subjects, report.Findings)
	if report.Unavailable > 0 {
		fmt.Fprintf(out, ", %d prior snapshots unavailable", report.Unavailable)
	}
	if report.Orphaned > 0 {
		fmt.Fprintf(out, ", %d unpublished snapshots ignored", report.Orphaned)
	}
	fmt.Fprintln(out)

	if len(report.Batches) == 0 {
		fmt.Fprintln(out, "No new findings to publish.")
		return
	}
	verb := "Published"
	if report.DryRun {
		verb = "Would publish"
	}
	fmt.Fprintf(out, "%s %d batches:\n", verb, len(report.Batches))
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "BATCH\tSUBJECTS\tFINDINGS\tISSUE\tSNAPSHOT")
	for _, b := range report.Batches {
		fmt.Fprintf(w, "%d of %d\t%d\t%d\t%s\t%s\n", b.Number, b.Total, b.Subjects, b.Findings, dash(b.IssueID), dash(b.Ref))
	}
	w.Flush()
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func init() {
	scanCmd.Flags().String("scope", "", "Tracker label that scopes batch numbering")
	scanCmd.Flags().Bool("dry-run", false, "Reconcile without storing snapshots or publishing")
	rootCmd.AddCommand(scanCmd)
}
