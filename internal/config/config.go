// Package config loads and validates the pipeline configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrInvalid marks configuration errors. They are fatal before any network
// call is made.
var ErrInvalid = errors.New("invalid configuration")

// Config is the full pipeline configuration.
type Config struct {
	Feed       FeedConfig        `yaml:"feed"`
	Partitions []PartitionConfig `yaml:"partitions"`
	Ingest     IngestConfig      `yaml:"ingest"`
	Transform  TransformConfig   `yaml:"transform"`
	Warehouse  WarehouseConfig   `yaml:"warehouse"`
	Cursor     CursorConfig      `yaml:"cursor"`
	Archive    ArchiveConfig     `yaml:"archive"`
	Metrics    MetricsConfig     `yaml:"metrics"`
	Logging    LoggingConfig     `yaml:"logging"`
}

// FeedConfig configures the remote feed client.
type FeedConfig struct {
	BaseURL        string `yaml:"base_url"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
	MaxRetries     int    `yaml:"max_retries"`
	RetryBackoffMs int    `yaml:"retry_backoff_ms"`
	PageSize       int    `yaml:"page_size"`
	MaxPageSize    int    `yaml:"max_page_size"`
	RequestDelayMs int    `yaml:"request_delay_ms"`
}

// Timeout returns the per-request timeout.
func (f FeedConfig) Timeout() time.Duration {
	return time.Duration(f.TimeoutSeconds) * time.Second
}

// RetryBackoff returns the initial retry backoff.
func (f FeedConfig) RetryBackoff() time.Duration {
	return time.Duration(f.RetryBackoffMs) * time.Millisecond
}

// RequestDelay returns the cooperative inter-request delay.
func (f FeedConfig) RequestDelay() time.Duration {
	return time.Duration(f.RequestDelayMs) * time.Millisecond
}

// PartitionConfig names one feed partition (a ledger migration epoch) and
// optionally overrides the shared policy for it. Zero values inherit the
// global settings; each partition gets its own resolved policy instance so
// one slow partition's backoff never stalls the others.
type PartitionConfig struct {
	ID             int64 `yaml:"id"`
	PageSize       int   `yaml:"page_size"`
	MaxPages       int   `yaml:"max_pages"`
	BatchSize      int   `yaml:"batch_size"`
	MaxRetries     int   `yaml:"max_retries"`
	RetryBackoffMs int   `yaml:"retry_backoff_ms"`
}

// IngestConfig bounds a single ingestion run.
type IngestConfig struct {
	MaxPagesPerRun int `yaml:"max_pages_per_run"`
}

// TransformConfig controls the transform stage and its auto-trigger.
type TransformConfig struct {
	Auto             bool  `yaml:"auto"`
	BatchSize        int   `yaml:"batch_size"`
	MaxBatchesPerRun int   `yaml:"max_batches_per_run"`
	BacklogThreshold int64 `yaml:"backlog_threshold"`
}

// WarehouseConfig selects the raw/parsed store backend.
type WarehouseConfig struct {
	Backend string `yaml:"backend"` // "postgres" | "memory"
	DSN     string `yaml:"dsn"`
}

// CursorConfig selects the cursor store backend.
type CursorConfig struct {
	Backend string `yaml:"backend"` // "postgres" | "file" | "memory"
	DSN     string `yaml:"dsn"`
	Dir     string `yaml:"dir"`
}

// ArchiveConfig controls the optional raw page archive.
type ArchiveConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Backend  string `yaml:"backend"` // "local" | "gcs" | "s3"
	Bucket   string `yaml:"bucket"`
	LocalDir string `yaml:"local_dir"`
	Prefix   string `yaml:"prefix"`
	Format   string `yaml:"format"` // "jsonl" | "parquet"
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}

// LoggingConfig controls structured logging.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads a YAML config file, applies environment overrides and defaults,
// and validates the result.
func Load(path string) (*Config, error) {
	var cfg Config

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	cfg.applyEnv()
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyEnv overlays environment variables on the loaded file.
func (c *Config) applyEnv() {
	c.Feed.BaseURL = getenvDefault("FEED_BASE_URL", c.Feed.BaseURL)
	c.Warehouse.DSN = getenvDefault("WAREHOUSE_DSN", c.Warehouse.DSN)
	c.Warehouse.Backend = getenvDefault("WAREHOUSE_BACKEND", c.Warehouse.Backend)
	c.Cursor.DSN = getenvDefault("CURSOR_DSN", c.Cursor.DSN)
	c.Cursor.Backend = getenvDefault("CURSOR_BACKEND", c.Cursor.Backend)
	c.Metrics.Address = getenvDefault("METRICS_ADDRESS", c.Metrics.Address)
	c.Logging.Level = getenvDefault("LOG_LEVEL", c.Logging.Level)
	c.Logging.Format = getenvDefault("LOG_FORMAT", c.Logging.Format)

	if v := os.Getenv("MAX_PAGES_PER_RUN"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			c.Ingest.MaxPagesPerRun = parsed
		}
	}
	if v := os.Getenv("TRANSFORM_AUTO"); v != "" {
		c.Transform.Auto = v == "true"
	}
}

// applyDefaults fills unset values.
func (c *Config) applyDefaults() {
	if c.Feed.TimeoutSeconds == 0 {
		c.Feed.TimeoutSeconds = 30
	}
	if c.Feed.MaxRetries == 0 {
		c.Feed.MaxRetries = 3
	}
	if c.Feed.RetryBackoffMs == 0 {
		c.Feed.RetryBackoffMs = 1000
	}
	if c.Feed.PageSize == 0 {
		c.Feed.PageSize = 200
	}
	if c.Feed.MaxPageSize == 0 {
		c.Feed.MaxPageSize = 1000
	}
	if c.Feed.RequestDelayMs == 0 {
		c.Feed.RequestDelayMs = 250
	}
	if c.Ingest.MaxPagesPerRun == 0 {
		c.Ingest.MaxPagesPerRun = 20
	}
	if c.Transform.BatchSize == 0 {
		c.Transform.BatchSize = 500
	}
	if c.Transform.MaxBatchesPerRun == 0 {
		c.Transform.MaxBatchesPerRun = 50
	}
	if c.Warehouse.Backend == "" {
		c.Warehouse.Backend = "postgres"
	}
	if c.Cursor.Backend == "" {
		c.Cursor.Backend = "postgres"
	}
	if c.Cursor.Backend == "postgres" && c.Cursor.DSN == "" {
		c.Cursor.DSN = c.Warehouse.DSN
	}
	if c.Archive.Format == "" {
		c.Archive.Format = "jsonl"
	}
	if c.Metrics.Address == "" {
		c.Metrics.Address = ":9090"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

// Validate rejects invalid numeric bounds and incoherent backends. It runs
// before any network connection is opened.
func (c *Config) Validate() error {
	if c.Feed.BaseURL == "" {
		return fmt.Errorf("%w: feed.base_url is required", ErrInvalid)
	}
	if len(c.Partitions) == 0 {
		return fmt.Errorf("%w: at least one partition must be configured", ErrInvalid)
	}

	seen := make(map[int64]bool, len(c.Partitions))
	for _, p := range c.Partitions {
		if p.ID <= 0 {
			return fmt.Errorf("%w: partition id %d must be positive", ErrInvalid, p.ID)
		}
		if seen[p.ID] {
			return fmt.Errorf("%w: duplicate partition id %d", ErrInvalid, p.ID)
		}
		seen[p.ID] = true
		if p.PageSize < 0 || p.MaxPages < 0 || p.BatchSize < 0 || p.MaxRetries < 0 || p.RetryBackoffMs < 0 {
			return fmt.Errorf("%w: partition %d has negative bounds", ErrInvalid, p.ID)
		}
		if p.PageSize > c.Feed.MaxPageSize {
			return fmt.Errorf("%w: partition %d page_size %d exceeds feed.max_page_size %d",
				ErrInvalid, p.ID, p.PageSize, c.Feed.MaxPageSize)
		}
	}

	if c.Feed.PageSize < 1 || c.Feed.PageSize > c.Feed.MaxPageSize {
		return fmt.Errorf("%w: feed.page_size %d out of range [1,%d]", ErrInvalid, c.Feed.PageSize, c.Feed.MaxPageSize)
	}
	if c.Feed.MaxRetries < 1 {
		return fmt.Errorf("%w: feed.max_retries must be at least 1", ErrInvalid)
	}
	if c.Ingest.MaxPagesPerRun < 1 {
		return fmt.Errorf("%w: ingest.max_pages_per_run must be at least 1", ErrInvalid)
	}
	if c.Transform.BatchSize < 1 {
		return fmt.Errorf("%w: transform.batch_size must be at least 1", ErrInvalid)
	}
	if c.Transform.MaxBatchesPerRun < 1 {
		return fmt.Errorf("%w: transform.max_batches_per_run must be at least 1", ErrInvalid)
	}
	if c.Transform.BacklogThreshold < 0 {
		return fmt.Errorf("%w: transform.backlog_threshold must not be negative", ErrInvalid)
	}
	if c.Warehouse.Backend == "postgres" && c.Warehouse.DSN == "" {
		return fmt.Errorf("%w: warehouse.dsn is required for the postgres backend", ErrInvalid)
	}
	if c.Cursor.Backend == "file" && c.Cursor.Dir == "" {
		return fmt.Errorf("%w: cursor.dir is required for the file backend", ErrInvalid)
	}
	if c.Archive.Enabled {
		switch c.Archive.Backend {
		case "local":
			if c.Archive.LocalDir == "" {
				return fmt.Errorf("%w: archive.local_dir is required for the local backend", ErrInvalid)
			}
		case "gcs", "s3":
			if c.Archive.Bucket == "" {
				return fmt.Errorf("%w: archive.bucket is required for the %s backend", ErrInvalid, c.Archive.Backend)
			}
		default:
			return fmt.Errorf("%w: unknown archive backend %q", ErrInvalid, c.Archive.Backend)
		}
		if c.Archive.Format != "jsonl" && c.Archive.Format != "parquet" {
			return fmt.Errorf("%w: unknown archive format %q", ErrInvalid, c.Archive.Format)
		}
	}
	return nil
}

// PageSizeFor resolves the page size for a partition.
func (c *Config) PageSizeFor(p PartitionConfig) int {
	if p.PageSize > 0 {
		return p.PageSize
	}
	return c.Feed.PageSize
}

// MaxPagesFor resolves the per-run page cap for a partition.
func (c *Config) MaxPagesFor(p PartitionConfig) int {
	if p.MaxPages > 0 {
		return p.MaxPages
	}
	return c.Ingest.MaxPagesPerRun
}

// BatchSizeFor resolves the transform batch size for a partition.
func (c *Config) BatchSizeFor(p PartitionConfig) int {
	if p.BatchSize > 0 {
		return p.BatchSize
	}
	return c.Transform.BatchSize
}

// RetryPolicyFor resolves the retry budget and backoff for a partition.
func (c *Config) RetryPolicyFor(p PartitionConfig) (maxRetries int, backoff time.Duration) {
	maxRetries = c.Feed.MaxRetries
	if p.MaxRetries > 0 {
		maxRetries = p.MaxRetries
	}
	backoffMs := c.Feed.RetryBackoffMs
	if p.RetryBackoffMs > 0 {
		backoffMs = p.RetryBackoffMs
	}
	return maxRetries, time.Duration(backoffMs) * time.Millisecond
}

func getenvDefault(key, def string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return def
}
