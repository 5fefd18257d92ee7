package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

const (
	// DefaultLogLevel is the default logging level.
	DefaultLogLevel = "info"

	// DefaultLookback is the default scrape lookback window.
	DefaultLookback = "24h"

	// DefaultConcurrency is the default number of scrape workers.
	DefaultConcurrency = 4

	// DefaultJobPrefix is the default artifact prefix for Prow job logs.
	DefaultJobPrefix = "logs/"

	// DefaultJobsIndex is the default document store index for job results.
	DefaultJobsIndex = "prow-jobs"

	// DefaultMaxAttempts is the default retry attempt count for
	// transient failures.
	DefaultMaxAttempts = 4

	// DefaultInitialBackoff is the default first retry delay.
	DefaultInitialBackoff = "500ms"

	// DefaultMaxBackoff is the default cap on the retry delay.
	DefaultMaxBackoff = "8s"

	// DefaultAttemptTimeout is the default deadline for one network
	// call; on expiry the call fails transiently and may be retried.
	DefaultAttemptTimeout = "30s"

	// DefaultStoreRateLimit is the default document store operations
	// budget per second.
	DefaultStoreRateLimit = 20

	// envPrefix namespaces environment overrides, e.g.
	// PROWDEX_INDEX_PASSWORD.
	envPrefix = "PROWDEX"
)

// Config is the root configuration for prowdex.
type Config struct {
	Global    GlobalConfig    `yaml:"global" mapstructure:"global"`
	Scraper   ScraperConfig   `yaml:"scraper" mapstructure:"scraper"`
	Artifacts ArtifactsConfig `yaml:"artifacts" mapstructure:"artifacts"`
	Index     IndexConfig     `yaml:"index" mapstructure:"index"`
	Retry     RetryConfig     `yaml:"retry,omitempty" mapstructure:"retry"`
}

// GlobalConfig contains global application settings.
type GlobalConfig struct {
	LogLevel string `yaml:"log_level" mapstructure:"log_level"`
}

// ScraperConfig contains settings for one scrape invocation.
type ScraperConfig struct {
	Lookback         string `yaml:"lookback,omitempty" mapstructure:"lookback"`
	Concurrency      int    `yaml:"concurrency,omitempty" mapstructure:"concurrency"`
	FailureThreshold int    `yaml:"failure_threshold,omitempty" mapstructure:"failure_threshold"`
	JobPrefix        string `yaml:"job_prefix,omitempty" mapstructure:"job_prefix"`
}

// ArtifactsConfig contains S3-compatible artifact bucket settings.
type ArtifactsConfig struct {
	EndpointURL     string `yaml:"endpoint_url,omitempty" mapstructure:"endpoint_url"`
	Region          string `yaml:"region,omitempty" mapstructure:"region"`
	Bucket          string `yaml:"bucket" mapstructure:"bucket"`
	AccessKeyID     string `yaml:"access_key_id,omitempty" mapstructure:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key,omitempty" mapstructure:"secret_access_key"`
	ForcePathStyle  bool   `yaml:"force_path_style" mapstructure:"force_path_style"`
}

// IndexConfig contains document store connection settings.
type IndexConfig struct {
	Addresses []string `yaml:"addresses" mapstructure:"addresses"`
	Username  string   `yaml:"username,omitempty" mapstructure:"username"`
	Password  string   `yaml:"password,omitempty" mapstructure:"password"`
	JobsIndex string   `yaml:"jobs_index,omitempty" mapstructure:"jobs_index"`

	// RateLimit bounds document store operations per second across all
	// workers. Zero uses the default.
	RateLimit int `yaml:"rate_limit,omitempty" mapstructure:"rate_limit"`
}

// RetryConfig contains the retry policy for transient failures.
type RetryConfig struct {
	MaxAttempts    int    `yaml:"max_attempts,omitempty" mapstructure:"max_attempts"`
	InitialBackoff string `yaml:"initial_backoff,omitempty" mapstructure:"initial_backoff"`
	MaxBackoff     string `yaml:"max_backoff,omitempty" mapstructure:"max_backoff"`
	AttemptTimeout string `yaml:"attempt_timeout,omitempty" mapstructure:"attempt_timeout"`
}

// Load reads and parses a configuration file from the given path, applies
// defaults and overlays credential fields from the environment.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.applyDefaults()
	cfg.applyEnvOverrides()

	return &cfg, nil
}

// applyDefaults sets default values for unspecified configuration options.
func (c *Config) applyDefaults() {
	if c.Global.LogLevel == "" {
		c.Global.LogLevel = DefaultLogLevel
	}

	if c.Scraper.Lookback == "" {
		c.Scraper.Lookback = DefaultLookback
	}

	if c.Scraper.Concurrency <= 0 {
		c.Scraper.Concurrency = DefaultConcurrency
	}

	if c.Scraper.JobPrefix == "" {
		c.Scraper.JobPrefix = DefaultJobPrefix
	}

	if c.Index.JobsIndex == "" {
		c.Index.JobsIndex = DefaultJobsIndex
	}

	if c.Index.RateLimit <= 0 {
		c.Index.RateLimit = DefaultStoreRateLimit
	}

	if c.Retry.MaxAttempts <= 0 {
		c.Retry.MaxAttempts = DefaultMaxAttempts
	}

	if c.Retry.InitialBackoff == "" {
		c.Retry.InitialBackoff = DefaultInitialBackoff
	}

	if c.Retry.MaxBackoff == "" {
		c.Retry.MaxBackoff = DefaultMaxBackoff
	}

	if c.Retry.AttemptTimeout == "" {
		c.Retry.AttemptTimeout = DefaultAttemptTimeout
	}
}

// applyEnvOverrides overlays secret fields from PROWDEX_* environment
// variables so credentials can stay out of config files.
func (c *Config) applyEnvOverrides() {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if s := v.GetString("artifacts.access_key_id"); s != "" {
		c.Artifacts.AccessKeyID = s
	}

	if s := v.GetString("artifacts.secret_access_key"); s != "" {
		c.Artifacts.SecretAccessKey = s
	}

	if s := v.GetString("index.username"); s != "" {
		c.Index.Username = s
	}

	if s := v.GetString("index.password"); s != "" {
		c.Index.Password = s
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Artifacts.Bucket == "" {
		return fmt.Errorf("artifacts.bucket is required")
	}

	if len(c.Index.Addresses) == 0 {
		return fmt.Errorf("index.addresses is required")
	}

	if _, err := time.ParseDuration(c.Scraper.Lookback); err != nil {
		return fmt.Errorf("invalid scraper.lookback %q: %w", c.Scraper.Lookback, err)
	}

	if c.Scraper.FailureThreshold < 0 {
		return fmt.Errorf("scraper.failure_threshold must not be negative")
	}

	if _, err := time.ParseDuration(c.Retry.InitialBackoff); err != nil {
		return fmt.Errorf("invalid retry.initial_backoff %q: %w", c.Retry.InitialBackoff, err)
	}

	if _, err := time.ParseDuration(c.Retry.MaxBackoff); err != nil {
		return fmt.Errorf("invalid retry.max_backoff %q: %w", c.Retry.MaxBackoff, err)
	}

	if _, err := time.ParseDuration(c.Retry.AttemptTimeout); err != nil {
		return fmt.Errorf("invalid retry.attempt_timeout %q: %w", c.Retry.AttemptTimeout, err)
	}

	return nil
}

// LookbackDuration returns the parsed scrape lookback window.
func (c *ScraperConfig) LookbackDuration() time.Duration {
	d, err := time.ParseDuration(c.Lookback)
	if err != nil {
		return 24 * time.Hour
	}

	return d
}

// InitialBackoffDuration returns the parsed first retry delay.
func (c *RetryConfig) InitialBackoffDuration() time.Duration {
	d, err := time.ParseDuration(c.InitialBackoff)
	if err != nil {
		return 500 * time.Millisecond
	}

	return d
}

// MaxBackoffDuration returns the parsed retry delay cap.
func (c *RetryConfig) MaxBackoffDuration() time.Duration {
	d, err := time.ParseDuration(c.MaxBackoff)
	if err != nil {
		return 8 * time.Second
	}

	return d
}

// AttemptTimeoutDuration returns the parsed per-call deadline.
func (c *RetryConfig) AttemptTimeoutDuration() time.Duration {
	d, err := time.ParseDuration(c.AttemptTimeout)
	if err != nil {
		return 30 * time.Second
	}

	return d
}
