package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sample = `
scope: security
inputs:
  - kind: dockerfile
    path: Dockerfile
  - kind: helm
    path: charts/web
    values: [prod.yaml]
analysis:
  url: https://analysis.example.com
  concurrency: 2
poll:
  interval: 5s
  timeout: 10m
store:
  backend: gcs
  bucket: ci-snapshots
tracker:
  repo: acme/infra
  token: ghp_example
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "scanrelay.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadFile(t *testing.T) {
	cfg, err := Load(writeConfig(t, sample))
	require.NoError(t, err)

	assert.Equal(t, "security", cfg.Scope)
	require.Len(t, cfg.Inputs, 2)
	assert.Equal(t, []string{"prod.yaml"}, cfg.Inputs[1].Values)
	assert.Equal(t, 5*time.Second, cfg.Poll.Interval)
	assert.Equal(t, 10*time.Minute, cfg.Poll.Timeout)
	assert.Equal(t, "gcs", cfg.Store.Backend)
	// defaults survive a partial file
	assert.Equal(t, 30*time.Second, cfg.Analysis.Timeout)
	assert.Equal(t, "[scanrelay]", cfg.Tracker.TitlePrefix)
}

func TestEnvOverridesFile(t *testing.T) {
	t.Setenv("SCANRELAY_SCOPE", "platform")
	t.Setenv("SCANRELAY_POLL_INTERVAL", "30s")
	t.Setenv("SCANRELAY_TRACKER_TOKEN", "from-env")

	cfg, err := Load(writeConfig(t, sample))
	require.NoError(t, err)
	assert.Equal(t, "platform", cfg.Scope)
	assert.Equal(t, 30*time.Second, cfg.Poll.Interval)
	assert.Equal(t, "from-env", cfg.Tracker.Token)
	assert.Equal(t, "acme/infra", cfg.Tracker.Repo)
}

func TestLoadExplicitMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestValidationCollectsFields(t *testing.T) {
	_, err := Load(writeConfig(t, `
store:
  backend: postgres
tracker:
  provider: github
poll:
  interval: 10s
  timeout: 1s
`))
	var verr *ValidationError
	require.True(t, errors.As(err, &verr))
	joined := strings.Join(verr.Fields, "\n")
	assert.Contains(t, joined, "Config.Scope")
	assert.Contains(t, joined, "Config.Analysis.URL")
	assert.Contains(t, joined, "Config.Poll.Timeout")
	assert.Contains(t, joined, "Config.Store.DatabaseURL")
	assert.Contains(t, joined, "Config.Tracker.Repo")
	assert.Contains(t, joined, "token or app_id")
}

func TestDryRunNeedsNoTrackerCredentials(t *testing.T) {
	cfg := Default()
	cfg.Scope = "security"
	cfg.DryRun = true
	cfg.Analysis.URL = "http://localhost:8080"
	cfg.Tracker.Repo = "acme/infra"
	assert.NoError(t, cfg.Validate())
}

func TestRedacted(t *testing.T) {
	cfg, err := Load(writeConfig(t, sample))
	require.NoError(t, err)

	out, err := cfg.Redacted().YAML()
	require.NoError(t, err)
	assert.NotContains(t, string(out), "ghp_example")
	assert.Equal(t, "ghp_example", cfg.Tracker.Token)
}

func TestLoadOfflineDryRun(t *testing.T) {
	path := writeConfig(t, `
scope: security
tracker:
  repo: acme/infra
`)
	_, err := Load(path)
	var verr *ValidationError
	require.True(t, errors.As(err, &verr))
	joined := strings.Join(verr.Fields, "\n")
	assert.Contains(t, joined, "Config.Analysis.URL")
	assert.Contains(t, joined, "token or app_id")

	cfg, err := Load(path, WithDryRun(), Offline())
	require.NoError(t, err)
	assert.True(t, cfg.DryRun)

	// dry run alone still needs the analysis service
	_, err = Load(path, WithDryRun())
	require.True(t, errors.As(err, &verr))
	assert.Len(t, verr.Fields, 1)
	assert.Contains(t, verr.Fields[0], "Config.Analysis.URL")
}

func TestYAMLRoundTripsDurations(t *testing.T) {
	cfg, err := Load(writeConfig(t, sample))
	require.NoError(t, err)

	out, err := cfg.YAML()
	require.NoError(t, err)
	assert.Contains(t, string(out), "interval: 5s")
	assert.Contains(t, string(out), "timeout: 10m0s")
	assert.Contains(t, string(out), "timeout: 30s")

	again, err := Load(writeConfig(t, string(out)))
	require.NoError(t, err)
	assert.Equal(t, cfg.Poll, again.Poll)
	assert.Equal(t, cfg.Analysis, again.Analysis)
}
