package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.HTTPPort)
	assert.Equal(t, 15*time.Minute, cfg.TokenTTL)
	assert.Equal(t, 45*time.Second, cfg.PollInterval)
	assert.Equal(t, 20*time.Second, cfg.CycleTimeout)
	assert.Equal(t, 30*time.Minute, cfg.IdleWindow)
	assert.Equal(t, 500, cfg.MaxActiveMailboxes)
	assert.Equal(t, 3, cfg.AuthFailureThreshold)
	assert.Equal(t, 60, cfg.RateLimitPerMinute)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "text", cfg.LogFormat)
	assert.Empty(t, cfg.SealSecret)
}

func TestLoadEnvironment(t *testing.T) {
	t.Setenv("HTTP_PORT", "9090")
	t.Setenv("POLL_INTERVAL", "10s")
	t.Setenv("LOG_FORMAT", "JSON")
	t.Setenv("SEAL_SECRET", "  from-env  ")
	t.Setenv("MAILBRIDGE_HTTP_PORT", "9191")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 9191, cfg.HTTPPort, "prefixed variable wins")
	assert.Equal(t, 10*time.Second, cfg.PollInterval)
	assert.Equal(t, "json", cfg.LogFormat)
	assert.Equal(t, "from-env", cfg.SealSecret)
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mailbridge.yaml")
	require.NoError(t, os.WriteFile(path, []byte("idle_window: 5m\nmax_active_mailboxes: 12\nlog_level: debug\n"), 0o600))
	t.Setenv("MAX_ACTIVE_MAILBOXES", "20")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 5*time.Minute, cfg.IdleWindow)
	assert.Equal(t, 20, cfg.MaxActiveMailboxes, "environment overrides the file")
	assert.Equal(t, "debug", cfg.LogLevel)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestLoadRejectsInvalid(t *testing.T) {
	t.Setenv("HTTP_PORT", "70000")
	t.Setenv("FOLDER_CONCURRENCY", "0")
	t.Setenv("LOG_FORMAT", "xml")

	_, err := Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "HTTP_PORT")
	assert.Contains(t, err.Error(), "FOLDER_CONCURRENCY")
	assert.Contains(t, err.Error(), "LOG_FORMAT")
}
