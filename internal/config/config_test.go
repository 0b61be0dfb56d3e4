package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marketd/internal/exchange"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

const minimalConfig = `
server:
  port: 9000
exchanges:
  binance:
    enabled: true
    weight: 3
  okx:
    enabled: false
`

func TestLoad(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalConfig))
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.Server.Port)
	assert.True(t, cfg.Exchanges["binance"].Enabled)
	assert.Equal(t, 3, cfg.Exchanges["binance"].Weight)
	assert.False(t, cfg.Exchanges["okx"].Enabled)

	t.Run("defaults fill the gaps", func(t *testing.T) {
		assert.Equal(t, "marketd", cfg.App.Name)
		assert.Equal(t, "/metrics", cfg.Monitoring.PrometheusPath)
		assert.Equal(t, 5*time.Minute, cfg.Cache.TTL)
		assert.Equal(t, "@every 1m", cfg.Collector.Schedule)
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
		assert.Error(t, err)
	})

	t.Run("malformed yaml", func(t *testing.T) {
		_, err := Load(writeConfig(t, "server: [port"))
		assert.Error(t, err)
	})
}

func TestLoadExpandsEnv(t *testing.T) {
	t.Setenv("TEST_BINANCE_KEY", "k-123")

	cfg, err := Load(writeConfig(t, `
exchanges:
  binance:
    enabled: true
    api_key: ${TEST_BINANCE_KEY}
`))
	require.NoError(t, err)
	assert.Equal(t, "k-123", cfg.Exchanges["binance"].APIKey)
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		cfg := &Config{
			Exchanges: map[string]*exchange.Options{
				"binance": {Enabled: true},
			},
		}
		cfg.applyDefaults()
		return cfg
	}

	t.Run("valid", func(t *testing.T) {
		assert.NoError(t, base().Validate())
	})

	t.Run("no enabled exchange", func(t *testing.T) {
		cfg := base()
		cfg.Exchanges["binance"].Enabled = false
		assert.Error(t, cfg.Validate())
	})

	t.Run("unknown strategy", func(t *testing.T) {
		cfg := base()
		cfg.Manager.Strategy = "fastest"
		assert.Error(t, cfg.Validate())
	})

	t.Run("negative weight", func(t *testing.T) {
		cfg := base()
		cfg.Exchanges["binance"].Weight = -1
		assert.Error(t, cfg.Validate())
	})

	t.Run("distributed limiter without redis", func(t *testing.T) {
		cfg := base()
		cfg.Manager.RateLimit.Distributed = true
		assert.Error(t, cfg.Validate())
	})

	t.Run("redis enabled without addr", func(t *testing.T) {
		cfg := base()
		cfg.Redis.Enabled = true
		assert.Error(t, cfg.Validate())
	})

	t.Run("collector without symbols", func(t *testing.T) {
		cfg := base()
		cfg.Collector.Enabled = true
		cfg.Collector.Symbols = nil
		assert.Error(t, cfg.Validate())
	})
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("MARKETD_SERVER_PORT", "9999")
	t.Setenv("MARKETD_BINANCE_API_KEY", "env-key")

	cfg, err := Load(writeConfig(t, minimalConfig))
	require.NoError(t, err)
	cfg.ApplyOverrides(NewEnvReader(""))

	assert.Equal(t, 9999, cfg.Server.Port)
	assert.Equal(t, "env-key", cfg.Exchanges["binance"].APIKey)
}
