package cmd

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/user/scanrelay/pkg/config"
)

var rootCmd = &cobra.Command{
	Use:   "scanrelay",
	Short: "Relay CI security scan results to an issue tracker",
	Long: `scanrelay submits CI artifacts (Dockerfiles, Terraform plans, Helm charts)
to the analysis service, waits for the scan to finish and publishes only the
new findings as numbered issue batches.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		setupLogging(DebugMode)
	},
	SilenceUsage:  true,
	SilenceErrors: true,
}

var (
	DebugMode  bool
	ConfigPath string
)

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	cobra.CheckErr(err)
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&DebugMode, "debug", false, "Enable debug logging")
	rootCmd.PersistentFlags().StringVarP(&ConfigPath, "config", "c", "", "Config file (default "+config.DefaultPath+")")
}

func setupLogging(debug bool) {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	slog.SetDefault(slog.New(handler))
}

// loadConfig reads the config and applies the scope flag when a command has one
func loadConfig(cmd *cobra.Command, opts ...config.Option) (*config.Config, error) {
	if f := cmd.Flags().Lookup("scope"); f != nil && f.Changed {
		os.Setenv(config.EnvPrefix+"_SCOPE", f.Value.String())
	}
	return config.Load(ConfigPath, opts...)
}
