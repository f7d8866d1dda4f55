// Package config provides the unified configuration system for Datavault.
// It defines a single Config structure the worker loads at startup,
// covering the worker pool, object storage, the shared rate-counter
// store, the job/metadata store, and one section per extraction source.
//
// Example usage:
//
//	cfg, err := config.LoadFile("datavault.yml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := cfg.Validate(); err != nil {
//	    log.Fatal(err)
//	}
package config

import (
	"fmt"
	"runtime"
	"time"
)

// Protocol identifies the retrieval protocol a source speaks.
type Protocol string

const (
	// ProtocolPaginated is an OAuth-token REST API with cursor pagination
	ProtocolPaginated Protocol = "paginated"
	// ProtocolBulkFile is a manifest of downloadable file URLs
	ProtocolBulkFile Protocol = "bulkfile"
	// ProtocolPolling is an async export API polled until completion
	ProtocolPolling Protocol = "polling"
)

// Config is the top-level worker configuration.
type Config struct {
	// Worker controls the coordinator pool and retry policy
	Worker WorkerConfig `yaml:"worker" json:"worker"`

	// Storage configures the archive object store
	Storage StorageConfig `yaml:"storage" json:"storage"`

	// RateStore configures the shared rate-counter store
	RateStore RateStoreConfig `yaml:"rate_store" json:"rate_store"`

	// JobStore configures the job/metadata store
	JobStore JobStoreConfig `yaml:"job_store" json:"job_store"`

	// Observability settings for logging and metrics
	Observability ObservabilityConfig `yaml:"observability" json:"observability"`

	// Sources maps source_id to its retrieval configuration
	Sources map[string]SourceConfig `yaml:"sources" json:"sources"`
}

// WorkerConfig contains coordinator pool and retry settings.
type WorkerConfig struct {
	// Concurrency is the number of coordinators running in this process
	Concurrency int `yaml:"concurrency" json:"concurrency"`
	// MaxAttempts bounds requeues of a single job for retryable failures
	MaxAttempts int `yaml:"max_attempts" json:"max_attempts"`
	// JobTimeout is the whole-job wall-clock budget
	JobTimeout time.Duration `yaml:"job_timeout" json:"job_timeout"`
	// RetryDelay is the initial requeue backoff delay
	RetryDelay time.Duration `yaml:"retry_delay" json:"retry_delay"`
	// RetryMultiplier increases the requeue delay exponentially
	RetryMultiplier float64 `yaml:"retry_multiplier" json:"retry_multiplier"`
	// MaxRetryDelay caps the requeue delay
	MaxRetryDelay time.Duration `yaml:"max_retry_delay" json:"max_retry_delay"`
}

// StorageConfig contains object storage settings for published archives.
type StorageConfig struct {
	Bucket string `yaml:"bucket" json:"bucket"`
	Region string `yaml:"region" json:"region"`
	// Prefix is prepended to every archive key
	Prefix string `yaml:"prefix" json:"prefix"`
	// Endpoint overrides the S3 endpoint (MinIO, localstack)
	Endpoint string `yaml:"endpoint" json:"endpoint"`
	// PartSizeMB is the multipart upload part size
	PartSizeMB int `yaml:"part_size_mb" json:"part_size_mb"`
	// MaxRetries bounds upload attempts before the job fails
	MaxRetries int `yaml:"max_retries" json:"max_retries"`
	// RetryDelay is the initial upload retry backoff
	RetryDelay time.Duration `yaml:"retry_delay" json:"retry_delay"`
}

// RateStoreConfig selects and configures the shared counter store.
type RateStoreConfig struct {
	// Backend is "redis" or "memory"
	Backend     string        `yaml:"backend" json:"backend"`
	RedisAddr   string        `yaml:"redis_addr" json:"redis_addr"`
	RedisDB     int           `yaml:"redis_db" json:"redis_db"`
	DialTimeout time.Duration `yaml:"dial_timeout" json:"dial_timeout"`
	MaxIdle     int           `yaml:"max_idle" json:"max_idle"`
}

// JobStoreConfig selects and configures the job/metadata store.
type JobStoreConfig struct {
	// Backend is "postgres" or "memory"
	Backend     string `yaml:"backend" json:"backend"`
	PostgresDSN string `yaml:"postgres_dsn" json:"postgres_dsn"`
}

// ObservabilityConfig contains logging and metrics settings.
type ObservabilityConfig struct {
	LogLevel    string `yaml:"log_level" json:"log_level"`
	Development bool   `yaml:"development" json:"development"`
	// MetricsAddr is the listen address for the Prometheus endpoint ("" disables it)
	MetricsAddr string `yaml:"metrics_addr" json:"metrics_addr"`
}

// RateLimitConfig is a provider request budget: at most MaxCalls
// outbound requests per Window, shared across all workers.
type RateLimitConfig struct {
	MaxCalls int           `yaml:"max_calls" json:"max_calls"`
	Window   time.Duration `yaml:"window" json:"window"`
}

// PollConfig controls the polling protocol's backoff schedule.
type PollConfig struct {
	InitialInterval time.Duration `yaml:"initial_interval" json:"initial_interval"`
	MaxInterval     time.Duration `yaml:"max_interval" json:"max_interval"`
	MaxAttempts     int           `yaml:"max_attempts" json:"max_attempts"`
}

// SourceConfig describes one extraction source.
type SourceConfig struct {
	// Protocol selects the extractor implementation
	Protocol Protocol `yaml:"protocol" json:"protocol"`
	// BaseURL is the provider API root
	BaseURL string `yaml:"base_url" json:"base_url"`
	// TokenURL is the OAuth2 refresh endpoint, if the provider uses one
	TokenURL string `yaml:"token_url" json:"token_url"`
	// RateLimit is the provider's shared request budget
	RateLimit RateLimitConfig `yaml:"rate_limit" json:"rate_limit"`
	// PageSize for paginated sources
	PageSize int `yaml:"page_size" json:"page_size"`
	// MaxConcurrency bounds parallel file downloads for bulkfile sources
	MaxConcurrency int `yaml:"max_concurrency" json:"max_concurrency"`
	// Poll settings for polling sources
	Poll PollConfig `yaml:"poll" json:"poll"`
	// RequestTimeout applies per outbound request
	RequestTimeout time.Duration `yaml:"request_timeout" json:"request_timeout"`
}

// Default returns a Config with production-ready defaults. Sources must
// still be configured before the worker can process jobs.
func Default() *Config {
	return &Config{
		Worker: WorkerConfig{
			Concurrency:     runtime.NumCPU(),
			MaxAttempts:     5,
			JobTimeout:      30 * time.Minute,
			RetryDelay:      5 * time.Second,
			RetryMultiplier: 2.0,
			MaxRetryDelay:   5 * time.Minute,
		},
		Storage: StorageConfig{
			Region:     "us-east-1",
			Prefix:     "archives",
			PartSizeMB: 5,
			MaxRetries: 3,
			RetryDelay: time.Second,
		},
		RateStore: RateStoreConfig{
			Backend:     "redis",
			RedisAddr:   "localhost:6379",
			DialTimeout: 5 * time.Second,
			MaxIdle:     10,
		},
		JobStore: JobStoreConfig{
			Backend: "postgres",
		},
		Observability: ObservabilityConfig{
			LogLevel:    "info",
			MetricsAddr: ":9090",
		},
		Sources: make(map[string]SourceConfig),
	}
}

// Validate validates the configuration for correctness.
func (c *Config) Validate() error {
	if c.Worker.Concurrency <= 0 {
		return fmt.Errorf("worker.concurrency must be positive")
	}
	if c.Worker.MaxAttempts <= 0 {
		return fmt.Errorf("worker.max_attempts must be positive")
	}
	if c.Worker.JobTimeout <= 0 {
		return fmt.Errorf("worker.job_timeout must be positive")
	}
	if c.Storage.Bucket == "" {
		return fmt.Errorf("storage.bucket is required")
	}
	if c.Storage.MaxRetries < 0 {
		return fmt.Errorf("storage.max_retries cannot be negative")
	}
	switch c.RateStore.Backend {
	case "redis", "memory":
	default:
		return fmt.Errorf("rate_store.backend must be redis or memory, got %q", c.RateStore.Backend)
	}
	switch c.JobStore.Backend {
	case "postgres", "memory":
	default:
		return fmt.Errorf("job_store.backend must be postgres or memory, got %q", c.JobStore.Backend)
	}
	if c.JobStore.Backend == "postgres" && c.JobStore.PostgresDSN == "" {
		return fmt.Errorf("job_store.postgres_dsn is required for the postgres backend")
	}
	for id, src := range c.Sources {
		if err := src.validate(); err != nil {
			return fmt.Errorf("source %q: %w", id, err)
		}
	}
	return nil
}

func (s *SourceConfig) validate() error {
	switch s.Protocol {
	case ProtocolPaginated, ProtocolBulkFile, ProtocolPolling:
	default:
		return fmt.Errorf("unknown protocol %q", s.Protocol)
	}
	if s.BaseURL == "" {
		return fmt.Errorf("base_url is required")
	}
	if s.RateLimit.MaxCalls <= 0 {
		return fmt.Errorf("rate_limit.max_calls must be positive")
	}
	if s.RateLimit.Window <= 0 {
		return fmt.Errorf("rate_limit.window must be positive")
	}
	if s.Protocol == ProtocolPolling {
		if s.Poll.MaxAttempts <= 0 {
			return fmt.Errorf("poll.max_attempts must be positive")
		}
		if s.Poll.InitialInterval <= 0 {
			return fmt.Errorf("poll.initial_interval must be positive")
		}
	}
	return nil
}

// Normalize fills zero-valued optional fields with defaults.
func (s *SourceConfig) Normalize() {
	if s.PageSize <= 0 {
		s.PageSize = 100
	}
	if s.MaxConcurrency <= 0 {
		s.MaxConcurrency = 4
	}
	if s.RequestTimeout <= 0 {
		s.RequestTimeout = 30 * time.Second
	}
	if s.Poll.InitialInterval <= 0 {
		s.Poll.InitialInterval = 2 * time.Second
	}
	if s.Poll.MaxInterval <= 0 {
		s.Poll.MaxInterval = time.Minute
	}
	if s.Poll.MaxAttempts <= 0 {
		s.Poll.MaxAttempts = 30
	}
}
