// Package config handles loading and validating the loon.yaml configuration.
// loond runs with zero config (sensible defaults); loon.yaml overrides
// individual knobs, and a handful of env vars override the file.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/loon-data/loon/platform/internal/domain"
)

// Config represents the top-level loon.yaml configuration.
type Config struct {
	// StoreURL is the Postgres connection string. DATABASE_URL overrides it.
	StoreURL string `yaml:"store_url"`

	// ListenAddr is the control-plane bind address. LOON_LISTEN_ADDR overrides.
	ListenAddr string `yaml:"listen_addr"`

	// ScrapersPath is the root directory scanned for scraper descriptors.
	ScrapersPath string `yaml:"scrapers_path"`

	// ProgressPath is the directory for durable progress snapshots.
	ProgressPath string `yaml:"progress_path"`

	MinWorkers            int     `yaml:"min_workers"`
	MaxWorkers            int     `yaml:"max_workers"`
	DefaultTimeoutSeconds int     `yaml:"default_timeout_seconds"`
	MaxRetryAttempts      int     `yaml:"max_retry_attempts"`
	RateLimitPerHostRPS   float64 `yaml:"rate_limit_per_host_rps"`
	StreamBufferSeconds   int     `yaml:"stream_buffer_seconds"`

	// PerCategoryConcurrency caps simultaneous runs per scraper category.
	PerCategoryConcurrency map[domain.Category]int `yaml:"per_category_concurrency"`

	// Strategy is the default loading strategy for phased sessions.
	Strategy domain.Strategy `yaml:"strategy"`

	// InactiveAfterMisses marks a representative inactive after this many
	// consecutive runs stop observing them.
	InactiveAfterMisses int `yaml:"inactive_after_misses"`

	// S3 settings for the optional raw-payload archive. Archival is enabled
	// when Endpoint is non-empty (or S3_ENDPOINT is set).
	S3 S3Config `yaml:"s3"`

	Retention RetentionConfig `yaml:"retention"`
}

// S3Config describes the optional S3-compatible archive target.
type S3Config struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Bucket    string `yaml:"bucket"`
	UseSSL    bool   `yaml:"use_ssl"`
}

// RetentionConfig tunes the reaper.
type RetentionConfig struct {
	RunsMaxAgeDays        int `yaml:"runs_max_age_days"`
	ResolvedIssuesMaxDays int `yaml:"resolved_issues_max_days"`
	AuditMaxAgeDays       int `yaml:"audit_max_age_days"`
	ReaperIntervalMinutes int `yaml:"reaper_interval_minutes"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() *Config {
	return &Config{
		ListenAddr:            ":8080",
		ScrapersPath:          "scrapers",
		ProgressPath:          "progress",
		MinWorkers:            10,
		MaxWorkers:            20,
		DefaultTimeoutSeconds: 300,
		MaxRetryAttempts:      3,
		RateLimitPerHostRPS:   2.0,
		StreamBufferSeconds:   300,
		PerCategoryConcurrency: map[domain.Category]int{
			domain.CategoryParliamentary: 2,
			domain.CategoryProvincial:    8,
			domain.CategoryMunicipal:     20,
			domain.CategoryCivic:         4,
			domain.CategoryUpdate:        4,
		},
		Strategy:            domain.StrategyBalanced,
		InactiveAfterMisses: 3,
		Retention: RetentionConfig{
			RunsMaxAgeDays:        90,
			ResolvedIssuesMaxDays: 30,
			AuditMaxAgeDays:       365,
			ReaperIntervalMinutes: 15,
		},
	}
}

// Load parses a loon.yaml file over the defaults and applies env overrides.
// If path is empty, returns defaults (plus env overrides).
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	cfg.applyEnv()

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ResolvePath finds the config file path.
// Priority: LOON_CONFIG env var > ./loon.yaml > "" (no config).
func ResolvePath() string {
	if p := os.Getenv("LOON_CONFIG"); p != "" {
		return p
	}
	if _, err := os.Stat("loon.yaml"); err == nil {
		return "loon.yaml"
	}
	return ""
}

// applyEnv overlays the env vars that override file settings.
func (c *Config) applyEnv() {
	if v := os.Getenv("DATABASE_URL"); v != "" {
		c.StoreURL = v
	}
	if v := os.Getenv("LOON_LISTEN_ADDR"); v != "" {
		c.ListenAddr = v
	}
	if v := os.Getenv("LOON_SCRAPERS_PATH"); v != "" {
		c.ScrapersPath = v
	}
	if v := os.Getenv("LOON_PROGRESS_PATH"); v != "" {
		c.ProgressPath = v
	}
	if v := os.Getenv("S3_ENDPOINT"); v != "" {
		c.S3.Endpoint = v
	}
	if v := os.Getenv("S3_ACCESS_KEY"); v != "" {
		c.S3.AccessKey = v
	}
	if v := os.Getenv("S3_SECRET_KEY"); v != "" {
		c.S3.SecretKey = v
	}
	if v := os.Getenv("S3_BUCKET"); v != "" {
		c.S3.Bucket = v
	}
}

// validate checks cross-field constraints. A violation here is a
// configuration error (exit code 2).
func (c *Config) validate() error {
	if c.StoreURL == "" {
		return fmt.Errorf("store_url is required (or set DATABASE_URL)")
	}
	if c.MinWorkers < 1 {
		return fmt.Errorf("min_workers must be >= 1, got %d", c.MinWorkers)
	}
	if c.MaxWorkers < c.MinWorkers {
		return fmt.Errorf("max_workers (%d) must be >= min_workers (%d)", c.MaxWorkers, c.MinWorkers)
	}
	if c.DefaultTimeoutSeconds < 1 {
		return fmt.Errorf("default_timeout_seconds must be >= 1, got %d", c.DefaultTimeoutSeconds)
	}
	if c.MaxRetryAttempts < 1 {
		return fmt.Errorf("max_retry_attempts must be >= 1, got %d", c.MaxRetryAttempts)
	}
	if c.RateLimitPerHostRPS <= 0 {
		return fmt.Errorf("rate_limit_per_host_rps must be > 0, got %g", c.RateLimitPerHostRPS)
	}
	if c.StreamBufferSeconds < 1 {
		return fmt.Errorf("stream_buffer_seconds must be >= 1, got %d", c.StreamBufferSeconds)
	}
	if !domain.ValidStrategy(string(c.Strategy)) {
		return fmt.Errorf("strategy %q is not one of conservative, balanced, aggressive", c.Strategy)
	}
	for cat, n := range c.PerCategoryConcurrency {
		if !domain.ValidCategory(string(cat)) {
			return fmt.Errorf("per_category_concurrency: unknown category %q", cat)
		}
		if n < 1 {
			return fmt.Errorf("per_category_concurrency[%s] must be >= 1, got %d", cat, n)
		}
	}
	if c.InactiveAfterMisses < 1 {
		return fmt.Errorf("inactive_after_misses must be >= 1, got %d", c.InactiveAfterMisses)
	}
	return nil
}
