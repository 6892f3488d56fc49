package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewFromEnv_Defaults(t *testing.T) {
	t.Setenv("DATA_DIR", "")
	t.Setenv("STORE_DRIVER", "")

	cfg, err := NewFromEnv()
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.HTTP.Addr)
	assert.False(t, cfg.HTTP.UIEnabled)
	assert.Equal(t, DriverSQLite, cfg.Store.Driver)
	assert.Equal(t, filepath.Join("/app/data", "contentpipe.db"), cfg.Store.DBPath())
	assert.Equal(t, filepath.Join("/app/data", "briefs"), cfg.Pipeline.BriefDir)
	assert.Equal(t, 3, cfg.Pipeline.SectionConcurrency)
	assert.Equal(t, 5*time.Minute, cfg.Pipeline.GenerationTimeout)
	assert.Equal(t, NotifyMemory, cfg.Notify.Backend)
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestNewFromEnv_FromEnv(t *testing.T) {
	t.Setenv("DATA_DIR", "/tmp/cp-data")
	t.Setenv("STORE_DRIVER", "Postgres")
	t.Setenv("POSTGRES_PORT", "6543")
	t.Setenv("SECTION_CONCURRENCY", "5")
	t.Setenv("GENERATION_TIMEOUT", "90")
	t.Setenv("RETRY_BACKOFF", "250ms")
	t.Setenv("NOTIFY_BACKEND", "redis")
	t.Setenv("REDIS_ADDR", "redis:6379")
	t.Setenv("UI_ENABLED", "true")

	cfg, err := NewFromEnv()
	require.NoError(t, err)

	assert.Equal(t, DriverPostgres, cfg.Store.Driver)
	assert.Equal(t, 6543, cfg.Store.Postgres.Port)
	assert.Equal(t, filepath.Join("/tmp/cp-data", "briefs"), cfg.Pipeline.BriefDir)
	assert.Equal(t, 5, cfg.Pipeline.SectionConcurrency)
	assert.Equal(t, 90*time.Second, cfg.Pipeline.GenerationTimeout)
	assert.Equal(t, 250*time.Millisecond, cfg.Pipeline.RetryBackoff)
	assert.Equal(t, "redis:6379", cfg.Notify.RedisAddr)
	assert.True(t, cfg.HTTP.UIEnabled)
}

func TestNewFromEnv_SweeperSchedule(t *testing.T) {
	cfg, err := NewFromEnv()
	require.NoError(t, err)
	assert.Equal(t, "@every 1m", cfg.Sweeper.CronExpr)

	t.Setenv("SWEEPER_CRON", "")
	cfg, err = NewFromEnv()
	require.NoError(t, err)
	assert.Empty(t, cfg.Sweeper.CronExpr)

	t.Setenv("SWEEPER_CRON", "*/5 * * * *")
	cfg, err = NewFromEnv()
	require.NoError(t, err)
	assert.Equal(t, "*/5 * * * *", cfg.Sweeper.CronExpr)
}

func TestNewFromEnv_Options(t *testing.T) {
	cfg, err := NewFromEnv(func(c *Config) {
		c.Store.Driver = DriverMemory
		c.HTTP.Addr = ":9999"
	})
	require.NoError(t, err)
	assert.Equal(t, DriverMemory, cfg.Store.Driver)
	assert.Equal(t, ":9999", cfg.HTTP.Addr)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
		errMsg string
	}{
		{"zero concurrency", func(c *Config) { c.Pipeline.SectionConcurrency = 0 }, "SECTION_CONCURRENCY"},
		{"zero retries", func(c *Config) { c.Pipeline.PassRetries = 0 }, "PASS_RETRIES"},
		{"no timeout", func(c *Config) { c.Pipeline.GenerationTimeout = 0 }, "GENERATION_TIMEOUT"},
		{"no workers", func(c *Config) { c.Pipeline.Workers = 0 }, "PIPELINE_WORKERS"},
		{"unknown driver", func(c *Config) { c.Store.Driver = "mongo" }, "STORE_DRIVER"},
		{"bad port", func(c *Config) { c.Store.Driver = DriverPostgres; c.Store.Postgres.Port = 0 }, "POSTGRES_PORT"},
		{"unknown backend", func(c *Config) { c.Notify.Backend = "kafka" }, "NOTIFY_BACKEND"},
		{"redis without addr", func(c *Config) { c.Notify.Backend = NotifyRedis; c.Notify.RedisAddr = "" }, "REDIS_ADDR"},
		{"bad cron", func(c *Config) { c.Sweeper.CronExpr = "every minute" }, "SWEEPER_CRON"},
		{"temperature", func(c *Config) { c.LLM.Temperature = 3 }, "LLM_TEMPERATURE"},
		{"document tokens", func(c *Config) { c.LLM.DocumentMaxTokens = -5 }, "LLM_DOCUMENT_MAX_TOKENS"},
		{"document temperature", func(c *Config) { c.LLM.DocumentTemperature = 2.5 }, "LLM_DOCUMENT_TEMPERATURE"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewFromEnv(tt.mutate)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(path, []byte("CONTENTPIPE_TEST_MODEL=from-file\nCONTENTPIPE_TEST_KEPT=from-file\n"), 0o600))

	t.Setenv("CONTENTPIPE_TEST_KEPT", "from-env")
	t.Cleanup(func() { _ = os.Unsetenv("CONTENTPIPE_TEST_MODEL") })

	require.NoError(t, LoadDotEnv(filepath.Join(dir, "missing.env"), path))
	assert.Equal(t, "from-file", os.Getenv("CONTENTPIPE_TEST_MODEL"))
	assert.Equal(t, "from-env", os.Getenv("CONTENTPIPE_TEST_KEPT"))
}

func TestLLMConfig_ClientConfig(t *testing.T) {
	cfg, err := NewFromEnv(func(c *Config) { c.LLM.APIKey = "k" })
	require.NoError(t, err)
	client := cfg.LLM.ClientConfig()
	assert.Equal(t, "k", client.APIKey)
	assert.Equal(t, cfg.LLM.Model, client.Model)
	require.NoError(t, client.Validate())

	doc := client.DocumentOptions()
	assert.Equal(t, 16000, doc.MaxTokens)
	assert.InDelta(t, 0.3, doc.Temperature, 1e-9)
}

func TestLLMConfig_DocumentSettingsFromEnv(t *testing.T) {
	t.Setenv("LLM_DOCUMENT_MAX_TOKENS", "12000")
	t.Setenv("LLM_DOCUMENT_TEMPERATURE", "-1")
	cfg, err := NewFromEnv()
	require.NoError(t, err)
	assert.Equal(t, 12000, cfg.LLM.DocumentMaxTokens)

	// negative inherits the section temperature
	doc := cfg.LLM.ClientConfig().DocumentOptions()
	assert.Negative(t, doc.Temperature)
}
