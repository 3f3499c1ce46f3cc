package cmd

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/user/scanrelay/pkg/adk"
	"github.com/user/scanrelay/pkg/analysis"
	"github.com/user/scanrelay/pkg/config"
	"github.com/user/scanrelay/pkg/engine"
	"github.com/user/scanrelay/pkg/metrics"
	"github.com/user/scanrelay/pkg/poller"
	"github.com/user/scanrelay/pkg/relay"
	"github.com/user/scanrelay/pkg/store"
	"github.com/user/scanrelay/pkg/tracker"
	"github.com/user/scanrelay/pkg/wrappers"
)

// openStore returns the configured backend and a release func
func openStore(ctx context.Context, cfg *config.Config) (store.Store, func(), error) {
	noop := func() {}
	switch cfg.Store.Backend {
	case "file":
		fs := store.NewFileStore(cfg.Store.Dir)
		fs.MaxBytes = cfg.Store.MaxBytes
		return fs, noop, nil
	case "memory":
		ms := store.NewMemoryStore()
		ms.MaxBytes = cfg.Store.MaxBytes
		return ms, noop, nil
	case "gcs":
		gs, err := store.NewGCSStore(ctx, store.GCSOptions{
			Bucket:          cfg.Store.Bucket,
			Prefix:          cfg.Store.Prefix,
			CredentialsFile: cfg.Store.CredentialsFile,
			Endpoint:        cfg.Store.Endpoint,
		})
		if err != nil {
			return nil, nil, err
		}
		gs.MaxBytes = cfg.Store.MaxBytes
		return gs, noop, nil
	case "postgres":
		ps, err := store.ConnectPostgres(ctx, cfg.Store.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		ps.MaxBytes = cfg.Store.MaxBytes
		return ps, ps.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}
}

// openTracker returns nil when no tracker is configured
func openTracker(ctx context.Context, cfg *config.Config, logger *slog.Logger) (relay.Publisher, error) {
	if cfg.Tracker.Provider != "github" {
		return nil, nil
	}
	ts, err := tracker.NewTokenSource(ctx, tracker.AuthOptions{
		Token:          cfg.Tracker.Token,
		AppID:          cfg.Tracker.AppID,
		InstallationID: cfg.Tracker.InstallationID,
		PrivateKeyFile: cfg.Tracker.PrivateKeyFile,
		BaseURL:        cfg.Tracker.BaseURL,
	})
	if err != nil {
		if cfg.DryRun {
			// dry runs may read public repos anonymously
			logger.Warn("tracker credentials missing, reading anonymously", "error", err)
			ts = nil
		} else {
			return nil, err
		}
	}

	opts := tracker.GitHubOptions{
		BaseURL:     cfg.Tracker.BaseURL,
		Repo:        cfg.Tracker.Repo,
		TitlePrefix: cfg.Tracker.TitlePrefix,
		Logger:      logger,
	}
	summarizer, err := adk.NewSummarizer(ctx, cfg.Digest.Provider, cfg.Digest.APIKey, cfg.Digest.Model, logger)
	if err != nil {
		return nil, err
	}
	if summarizer != nil {
		opts.Summarizer = summarizer
	}
	gh, err := tracker.NewGitHub(opts, ts)
	if err != nil {
		return nil, err
	}
	return gh, nil
}

func buildRelay(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*relay.Relay, func(), error) {
	collectors := make([]wrappers.Collector, 0, len(cfg.Inputs))
	for _, in := range cfg.Inputs {
		c, err := wrappers.FromInput(in, nil)
		if err != nil {
			return nil, nil, err
		}
		collectors = append(collectors, c)
	}

	client, err := analysis.New(analysis.Options{
		BaseURL:     cfg.Analysis.URL,
		Token:       cfg.Analysis.Token,
		Timeout:     cfg.Analysis.Timeout,
		Concurrency: cfg.Analysis.Concurrency,
	})
	if err != nil {
		return nil, nil, err
	}

	st, release, err := openStore(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	tr, err := openTracker(ctx, cfg, logger)
	if err != nil {
		release()
		return nil, nil, err
	}

	return &relay.Relay{
		Scope:      cfg.Scope,
		Collectors: collectors,
		Analyzer:   client,
		Poller:     poller.New(cfg.Poll.Interval, cfg.Poll.Timeout, logger),
		Store:      st,
		Tracker:    tr,
		Reconciler: engine.NewReconciler(logger),
		Metrics:    metrics.New(),
		Logger:     logger,
		DryRun:     cfg.DryRun,
		PushURL:    cfg.Metrics.PushURL,
		MetricsJob: cfg.Metrics.Job,
	}, release, nil
}
