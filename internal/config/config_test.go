package config

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, 5*time.Second, cfg.Processor.Timeout)
	assert.Equal(t, time.Minute, cfg.Engine.DedupWindow)
	assert.Equal(t, 30*time.Second, cfg.Engine.Retry.InitialInterval)
	assert.Equal(t, 2.0, cfg.Engine.Retry.BackoffCoefficient)
	assert.Equal(t, 8, cfg.Engine.Retry.MaximumAttempts)
	assert.Equal(t, 24*time.Hour, cfg.Poller.OrphanWindow)
	assert.Equal(t, int64(64<<10), cfg.Server.MaxBodyBytes)
	assert.Equal(t, 8, cfg.Server.WebhookWorkers)
	assert.True(t, cfg.Poller.Enabled)

	err := cfg.Validate()
	require.Error(t, err, "no processor token by default")
	assert.Contains(t, err.Error(), "processor.token")
}

func TestLoad_FileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "payrecon.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
store:
  driver: postgres
  dsn: postgres://localhost/payrecon
processor:
  token: from-file
  timeout: 2s
engine:
  retry:
    maximum_attempts: 3
poller:
  interval: 30s
  workers: 8
`), 0o644))

	t.Setenv("PAYRECON_PROCESSOR_TOKEN", "from-env")
	t.Setenv("PAYRECON_SERVER_ADMIN_TOKEN", "admin")
	t.Setenv("PAYRECON_POLLER_BATCH_SIZE", "7")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "postgres://localhost/payrecon", cfg.Store.DSN)
	assert.Equal(t, "from-env", cfg.Processor.Token, "environment wins over file")
	assert.Equal(t, 2*time.Second, cfg.Processor.Timeout)
	assert.Equal(t, 3, cfg.Engine.Retry.MaximumAttempts)
	assert.Equal(t, 30*time.Second, cfg.Poller.Interval)
	assert.Equal(t, 8, cfg.Poller.Workers)
	assert.Equal(t, 7, cfg.Poller.BatchSize)
	assert.Equal(t, "admin", cfg.Server.AdminToken)
	assert.Equal(t, "15s", cfg.Poller.RetryInterval.String(), "untouched keys keep defaults")

	assert.NoError(t, cfg.Validate())
}

func TestLoad_NoFile(t *testing.T) {
	t.Setenv("PAYRECON_STORE_PATH", "/tmp/other.db")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "/tmp/other.db", cfg.Store.Path)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "read config")
}

func TestLoad_BadDuration(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("poller:\n  interval: soon\n"), 0o644))

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "decode config")
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		cfg := Default()
		cfg.Processor.Token = "secret"
		return cfg
	}
	require.NoError(t, valid().Validate())

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"unknown driver", func(c *Config) { c.Store.Driver = "mysql" }, "store.driver"},
		{"postgres without dsn", func(c *Config) { c.Store.Driver = "postgres" }, "store.dsn"},
		{"empty base url", func(c *Config) { c.Processor.BaseURL = "" }, "processor.base_url"},
		{"coefficient below one", func(c *Config) { c.Engine.Retry.BackoffCoefficient = 0.5 }, "backoff_coefficient"},
		{"zero interval", func(c *Config) { c.Poller.Interval = 0 }, "poller.interval"},
		{"zero batch", func(c *Config) { c.Poller.BatchSize = 0 }, "poller.batch_size"},
		{"zero workers", func(c *Config) { c.Poller.Workers = 0 }, "poller.workers"},
		{"negative stale", func(c *Config) { c.Poller.StaleAfter = -time.Second }, "poller.stale_after"},
		{"zero body cap", func(c *Config) { c.Server.MaxBodyBytes = 0 }, "server.max_body_bytes"},
		{"zero webhook workers", func(c *Config) { c.Server.WebhookWorkers = 0 }, "server.webhook_workers"},
		{"bad log level", func(c *Config) { c.Log.Level = "loud" }, "log.level"},
		{"bad log format", func(c *Config) { c.Log.Format = "xml" }, "log.format"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer

	LogConfig{Level: "warn", Format: "json"}.NewLogger(&buf, false).Info("hidden")
	assert.Empty(t, buf.String())

	LogConfig{Level: "warn", Format: "json"}.NewLogger(&buf, true).Debug("shown", "k", "v")
	assert.Contains(t, buf.String(), `"msg":"shown"`)
	assert.Contains(t, buf.String(), `"k":"v"`)
}
