package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "datavault.yml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadFile(t *testing.T) {
	t.Run("defaults applied", func(t *testing.T) {
		path := writeConfig(t, `
storage:
  bucket: datavault-archives
`)
		cfg, err := LoadFile(path)
		require.NoError(t, err)

		assert.Equal(t, "datavault-archives", cfg.Storage.Bucket)
		assert.Equal(t, "us-east-1", cfg.Storage.Region)
		assert.Equal(t, 5, cfg.Worker.MaxAttempts)
		assert.Equal(t, 30*time.Minute, cfg.Worker.JobTimeout)
		assert.Equal(t, "redis", cfg.RateStore.Backend)
	})

	t.Run("sources parsed and normalized", func(t *testing.T) {
		path := writeConfig(t, `
storage:
  bucket: datavault-archives
sources:
  fitbit:
    protocol: paginated
    base_url: https://api.fitbit.example/records
    token_url: https://api.fitbit.example/oauth2/token
    rate_limit:
      max_calls: 150
      window: 1h
  moves:
    protocol: polling
    base_url: https://api.moves.example/exports
    rate_limit:
      max_calls: 60
      window: 1m
    poll:
      initial_interval: 5s
      max_attempts: 20
`)
		cfg, err := LoadFile(path)
		require.NoError(t, err)
		require.Len(t, cfg.Sources, 2)

		fitbit := cfg.Sources["fitbit"]
		assert.Equal(t, ProtocolPaginated, fitbit.Protocol)
		assert.Equal(t, 150, fitbit.RateLimit.MaxCalls)
		assert.Equal(t, time.Hour, fitbit.RateLimit.Window)
		assert.Equal(t, 100, fitbit.PageSize, "zero page size takes the default")
		assert.Equal(t, 30*time.Second, fitbit.RequestTimeout)

		moves := cfg.Sources["moves"]
		assert.Equal(t, ProtocolPolling, moves.Protocol)
		assert.Equal(t, 5*time.Second, moves.Poll.InitialInterval)
		assert.Equal(t, time.Minute, moves.Poll.MaxInterval, "zero max interval takes the default")
		assert.Equal(t, 20, moves.Poll.MaxAttempts)
	})

	t.Run("environment substitution", func(t *testing.T) {
		t.Setenv("DV_TEST_BUCKET", "bucket-from-env")
		path := writeConfig(t, `
storage:
  bucket: ${DV_TEST_BUCKET}
`)
		cfg, err := LoadFile(path)
		require.NoError(t, err)
		assert.Equal(t, "bucket-from-env", cfg.Storage.Bucket)
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := LoadFile(filepath.Join(t.TempDir(), "nope.yml"))
		require.Error(t, err)
	})
}

func TestConfig_Validate(t *testing.T) {
	valid := func() *Config {
		cfg := Default()
		cfg.Storage.Bucket = "datavault-archives"
		cfg.JobStore.PostgresDSN = "postgres://localhost/datavault"
		cfg.Sources["fitbit"] = SourceConfig{
			Protocol: ProtocolPaginated,
			BaseURL:  "https://api.fitbit.example/records",
			RateLimit: RateLimitConfig{
				MaxCalls: 150,
				Window:   time.Hour,
			},
		}
		return cfg
	}

	t.Run("valid", func(t *testing.T) {
		assert.NoError(t, valid().Validate())
	})

	t.Run("missing bucket", func(t *testing.T) {
		cfg := valid()
		cfg.Storage.Bucket = ""
		assert.ErrorContains(t, cfg.Validate(), "storage.bucket")
	})

	t.Run("postgres requires dsn", func(t *testing.T) {
		cfg := valid()
		cfg.JobStore.PostgresDSN = ""
		assert.ErrorContains(t, cfg.Validate(), "postgres_dsn")
	})

	t.Run("unknown rate store backend", func(t *testing.T) {
		cfg := valid()
		cfg.RateStore.Backend = "etcd"
		assert.ErrorContains(t, cfg.Validate(), "rate_store.backend")
	})

	t.Run("unknown protocol", func(t *testing.T) {
		cfg := valid()
		src := cfg.Sources["fitbit"]
		src.Protocol = "carrier-pigeon"
		cfg.Sources["fitbit"] = src
		assert.ErrorContains(t, cfg.Validate(), "unknown protocol")
	})

	t.Run("source without rate limit", func(t *testing.T) {
		cfg := valid()
		src := cfg.Sources["fitbit"]
		src.RateLimit.MaxCalls = 0
		cfg.Sources["fitbit"] = src
		assert.ErrorContains(t, cfg.Validate(), "max_calls")
	})

	t.Run("polling source needs poll settings", func(t *testing.T) {
		cfg := valid()
		cfg.Sources["moves"] = SourceConfig{
			Protocol: ProtocolPolling,
			BaseURL:  "https://api.moves.example/exports",
			RateLimit: RateLimitConfig{
				MaxCalls: 60,
				Window:   time.Minute,
			},
		}
		assert.ErrorContains(t, cfg.Validate(), "poll.max_attempts")
	})
}
