// Package config loads scanrelay settings from a YAML file overlaid by
// SCANRELAY_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"github.com/user/scanrelay/pkg/wrappers"
)

// DefaultPath is read when no --config is given
const DefaultPath = ".scanrelay.yaml"

// EnvPrefix prefixes every environment override
const EnvPrefix = "SCANRELAY"

type AnalysisConfig struct {
	URL         string        `yaml:"url" envconfig:"URL" validate:"required,url"`
	Token       string        `yaml:"token,omitempty" envconfig:"TOKEN"`
	Timeout     time.Duration `yaml:"timeout" envconfig:"TIMEOUT" validate:"gt=0"`
	Concurrency int           `yaml:"concurrency" envconfig:"CONCURRENCY" validate:"min=1,max=32"`
}

// MarshalYAML writes the timeout as a duration string
func (a AnalysisConfig) MarshalYAML() (any, error) {
	return struct {
		URL         string `yaml:"url"`
		Token       string `yaml:"token,omitempty"`
		Timeout     string `yaml:"timeout"`
		Concurrency int    `yaml:"concurrency"`
	}{a.URL, a.Token, a.Timeout.String(), a.Concurrency}, nil
}

type PollConfig struct {
	Interval time.Duration `yaml:"interval" envconfig:"INTERVAL" validate:"gt=0"`
	Timeout  time.Duration `yaml:"timeout" envconfig:"TIMEOUT" validate:"gtfield=Interval"`
}

// MarshalYAML writes durations as strings Load can read back
func (p PollConfig) MarshalYAML() (any, error) {
	return struct {
		Interval string `yaml:"interval"`
		Timeout  string `yaml:"timeout"`
	}{p.Interval.String(), p.Timeout.String()}, nil
}

type StoreConfig struct {
	Backend         string `yaml:"backend" envconfig:"BACKEND" validate:"oneof=file gcs postgres memory"`
	Dir             string `yaml:"dir,omitempty" envconfig:"DIR" validate:"required_if=Backend file"`
	Bucket          string `yaml:"bucket,omitempty" envconfig:"BUCKET" validate:"required_if=Backend gcs"`
	Prefix          string `yaml:"prefix,omitempty" envconfig:"PREFIX"`
	CredentialsFile string `yaml:"credentials_file,omitempty" envconfig:"CREDENTIALS_FILE"`
	Endpoint        string `yaml:"endpoint,omitempty" envconfig:"ENDPOINT" validate:"omitempty,url"`
	DatabaseURL     string `yaml:"database_url,omitempty" envconfig:"DATABASE_URL" validate:"required_if=Backend postgres"`
	MaxBytes        int    `yaml:"max_bytes" envconfig:"MAX_BYTES" validate:"min=1024"`
}

type TrackerConfig struct {
	Provider       string `yaml:"provider" envconfig:"PROVIDER" validate:"oneof=github none"`
	Repo           string `yaml:"repo,omitempty" envconfig:"REPO" validate:"required_if=Provider github"`
	BaseURL        string `yaml:"base_url,omitempty" envconfig:"BASE_URL" validate:"omitempty,url"`
	Token          string `yaml:"token,omitempty" envconfig:"TOKEN"`
	AppID          int64  `yaml:"app_id,omitempty" envconfig:"APP_ID"`
	InstallationID int64  `yaml:"installation_id,omitempty" envconfig:"INSTALLATION_ID"`
	PrivateKeyFile string `yaml:"private_key_file,omitempty" envconfig:"PRIVATE_KEY_FILE"`
	TitlePrefix    string `yaml:"title_prefix" envconfig:"TITLE_PREFIX"`
}

type DigestConfig struct {
	Provider string `yaml:"provider" envconfig:"PROVIDER" validate:"omitempty,oneof=none gemini"`
	APIKey   string `yaml:"api_key,omitempty" envconfig:"API_KEY" validate:"required_if=Provider gemini"`
	Model    string `yaml:"model,omitempty" envconfig:"MODEL"`
}

type MetricsConfig struct {
	PushURL string `yaml:"push_url,omitempty" envconfig:"PUSH_URL" validate:"omitempty,url"`
	Job     string `yaml:"job" envconfig:"JOB" validate:"required"`
}

// Config is the full run configuration
type Config struct {
	Scope    string           `yaml:"scope" envconfig:"SCOPE" validate:"required"`
	DryRun   bool             `yaml:"dry_run" envconfig:"DRY_RUN"`
	Inputs   []wrappers.Input `yaml:"inputs" ignored:"true" validate:"dive"`
	Analysis AnalysisConfig   `yaml:"analysis" envconfig:"ANALYSIS"`
	Poll     PollConfig       `yaml:"poll" envconfig:"POLL"`
	Store    StoreConfig      `yaml:"store" envconfig:"STORE"`
	Tracker  TrackerConfig    `yaml:"tracker" envconfig:"TRACKER"`
	Digest   DigestConfig     `yaml:"digest" envconfig:"DIGEST"`
	Metrics  MetricsConfig    `yaml:"metrics" envconfig:"METRICS"`
}

// Default returns the settings used when nothing overrides them
func Default() *Config {
	return &Config{
		Analysis: AnalysisConfig{Timeout: 30 * time.Second, Concurrency: 4},
		Poll:     PollConfig{Interval: 10 * time.Second, Timeout: 30 * time.Minute},
		Store:    StoreConfig{Backend: "file", Dir: ".scanrelay/snapshots", MaxBytes: 64 * 1024},
		Tracker:  TrackerConfig{Provider: "github", TitlePrefix: "[scanrelay]"},
		Digest:   DigestConfig{Provider: "none"},
		Metrics:  MetricsConfig{Job: "scanrelay"},
	}
}

type loadOptions struct {
	dryRun  bool
	offline bool
}

// Option adjusts how Load validates
type Option func(*loadOptions)

// WithDryRun marks the run as dry before validation, so tracker write
// credentials are not required.
func WithDryRun() Option {
	return func(o *loadOptions) { o.dryRun = true }
}

// Offline skips the analysis service checks for commands that never call it.
func Offline() Option {
	return func(o *loadOptions) { o.offline = true }
}

// Load reads path (or DefaultPath when empty), applies environment overrides
// and validates the result. A missing default file is not an error.
func Load(path string, opts ...Option) (*Config, error) {
	var lo loadOptions
	for _, opt := range opts {
		opt(&lo)
	}
	cfg := Default()

	explicit := path != ""
	if !explicit {
		path = DefaultPath
	}
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist) && !explicit:
	case err != nil:
		return nil, fmt.Errorf("read config %s: %w", path, err)
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return nil, fmt.Errorf("failed to process environment variables: %w", err)
	}
	if lo.dryRun {
		cfg.DryRun = true
	}
	if err := cfg.check(lo.offline); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ValidationError lists every field that failed validation
type ValidationError struct {
	Fields []string
}

func (e *ValidationError) Error() string {
	return "invalid configuration: " + strings.Join(e.Fields, "; ")
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks field constraints and the tracker credentials
func (c *Config) Validate() error {
	return c.check(false)
}

func (c *Config) check(offline bool) error {
	var fields []string
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return fmt.Errorf("validate config: %w", err)
		}
		for _, fe := range verrs {
			if offline && strings.HasPrefix(fe.Namespace(), "Config.Analysis.") {
				continue
			}
			fields = append(fields, fmt.Sprintf("%s failed on '%s' validation", fe.Namespace(), fe.Tag()))
		}
	}
	if c.Tracker.Provider == "github" && !c.DryRun && c.Tracker.Token == "" &&
		(c.Tracker.AppID == 0 || c.Tracker.InstallationID == 0 || c.Tracker.PrivateKeyFile == "") {
		fields = append(fields, "Config.Tracker needs a token or app_id, installation_id and private_key_file")
	}
	if len(fields) > 0 {
		return &ValidationError{Fields: fields}
	}
	return nil
}

// Redacted returns a copy safe to print
func (c *Config) Redacted() *Config {
	out := *c
	out.Analysis.Token = mask(out.Analysis.Token)
	out.Tracker.Token = mask(out.Tracker.Token)
	out.Digest.APIKey = mask(out.Digest.APIKey)
	out.Store.DatabaseURL = mask(out.Store.DatabaseURL)
	return &out
}

func mask(s string) string {
	if s == "" {
		return ""
	}
	return "********"
}

// YAML renders the configuration as YAML
func (c *Config) YAML() ([]byte, error) {
	return yaml.Marshal(c)
}
