package common

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "conductor.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, "development", cfg.Environment)
	assert.Equal(t, 8085, cfg.Server.Port)
	assert.Equal(t, 10, cfg.Queue.Concurrency.Global)
	assert.Equal(t, 3, cfg.Queue.Retry.MaxAttempts)
}

func TestLoadConfigFileOverridesDefaults(t *testing.T) {
	path := writeConfigFile(t, `
environment = "production"

[server]
port = 9090

[queue.concurrency]
global = 2

[queue.retry]
max_attempts = 5
`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "production", cfg.Environment)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 2, cfg.Queue.Concurrency.Global)
	assert.Equal(t, 5, cfg.Queue.Retry.MaxAttempts)
	// Untouched sections keep their defaults
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.toml"))
	assert.Error(t, err)
}

func TestLoadConfigEnvOverrides(t *testing.T) {
	t.Setenv("CONDUCTOR_LOG_LEVEL", "debug")
	t.Setenv("CONDUCTOR_PORT", "7070")

	cfg, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, 7070, cfg.Server.Port)
}

func TestLoadConfigRejectsInvalidValues(t *testing.T) {
	path := writeConfigFile(t, `
[logging]
level = "shout"
`)
	_, err := LoadConfig(path)
	assert.Error(t, err)

	path = writeConfigFile(t, `
[queue.concurrency]
global = 0
`)
	_, err = LoadConfig(path)
	assert.Error(t, err)
}

func TestValidateDefaultsBackoffMultiplier(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Queue.Retry.BackoffMultiplier = 0
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 2.0, cfg.Queue.Retry.BackoffMultiplier)
}
