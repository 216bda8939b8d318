package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := loadConfig(filepath.Join(t.TempDir(), "missing.json"))
	require.NoError(t, err)

	assert.Equal(t, ":4100", cfg.ListenAddr)
	assert.Equal(t, "http://localhost:4100", cfg.BaseURL)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "json", cfg.LogFormat)
	assert.Equal(t, 16, cfg.PoolSize)
	assert.Equal(t, time.Minute, cfg.SchedulerInterval)
	assert.Equal(t, "flowrun.db", filepath.Base(cfg.DBPath))
}

func TestLoadConfig_JSONFile(t *testing.T) {
	path := writeFile(t, "settings.json", `{
		"listen_addr": ":9000",
		"pool_size": 4,
		"webhook_url": "https://chat.example.com/hook",
		"scheduler_interval": "15s"
	}`)

	cfg, err := loadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, ":9000", cfg.ListenAddr)
	assert.Equal(t, "http://localhost:9000", cfg.BaseURL)
	assert.Equal(t, 4, cfg.PoolSize)
	assert.Equal(t, "https://chat.example.com/hook", cfg.WebhookURL)
	assert.Equal(t, 15*time.Second, cfg.SchedulerInterval)
	assert.Equal(t, "info", cfg.LogLevel, "unset keys keep defaults")
}

func TestLoadConfig_YAMLFile(t *testing.T) {
	path := writeFile(t, "settings.yaml", `
base_url: https://flowrun.example.com/
log_level: debug
log_format: text
invoice_api_url: https://billing.example.com
invoice_token: secret
`)

	cfg, err := loadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "https://flowrun.example.com", cfg.BaseURL)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "text", cfg.LogFormat)
	assert.Equal(t, "https://billing.example.com", cfg.InvoiceAPIURL)
	assert.Equal(t, "secret", cfg.InvoiceToken)
}

func TestLoadConfig_EnvOverridesFile(t *testing.T) {
	path := writeFile(t, "settings.json", `{"pool_size": 4, "log_level": "warn"}`)
	t.Setenv("FLOWRUN_POOL_SIZE", "32")
	t.Setenv("FLOWRUN_LOG_LEVEL", "error")
	t.Setenv("FLOWRUN_DB_PATH", "/var/lib/flowrun/data.db")
	t.Setenv("FLOWRUN_SCHEDULER_INTERVAL", "5s")

	cfg, err := loadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 32, cfg.PoolSize)
	assert.Equal(t, "error", cfg.LogLevel)
	assert.Equal(t, "/var/lib/flowrun/data.db", cfg.DBPath)
	assert.Equal(t, 5*time.Second, cfg.SchedulerInterval)
}

func TestLoadConfig_Errors(t *testing.T) {
	t.Run("bad json", func(t *testing.T) {
		_, err := loadConfig(writeFile(t, "settings.json", `{not json`))
		assert.Error(t, err)
	})
	t.Run("bad yaml", func(t *testing.T) {
		_, err := loadConfig(writeFile(t, "settings.yaml", "pool_size: [1"))
		assert.Error(t, err)
	})
	t.Run("bad interval", func(t *testing.T) {
		_, err := loadConfig(writeFile(t, "settings.json", `{"scheduler_interval": "soon"}`))
		assert.Error(t, err)
	})
	t.Run("bad env pool size", func(t *testing.T) {
		t.Setenv("FLOWRUN_POOL_SIZE", "many")
		_, err := loadConfig(filepath.Join(t.TempDir(), "missing.json"))
		assert.Error(t, err)
	})
}

func TestSettingsPath_Env(t *testing.T) {
	t.Setenv("FLOWRUN_CONFIG", "/etc/flowrun/settings.yaml")
	assert.Equal(t, "/etc/flowrun/settings.yaml", settingsPath())
}

func TestDBURI(t *testing.T) {
	assert.Equal(t, "file:/tmp/flowrun.db", dbURI("/tmp/flowrun.db"))
	assert.Equal(t, "file:/tmp/flowrun.db", dbURI("file:/tmp/flowrun.db"))
	assert.Equal(t, "libsql://db.example.com", dbURI("libsql://db.example.com"))
}

func TestDiffConfigs(t *testing.T) {
	old := defaultConfig()

	d := diffConfigs(old, old)
	assert.False(t, d.LogLevelChanged)
	assert.Empty(t, d.RestartNeeded)

	next := old
	next.LogLevel = "debug"
	next.PoolSize = 2
	next.ListenAddr = ":9999"
	d = diffConfigs(old, next)
	assert.True(t, d.LogLevelChanged)
	assert.ElementsMatch(t, []string{"pool_size", "listen_addr"}, d.RestartNeeded)
}
