package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "oroitz.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoader_Load(t *testing.T) {
	path := writeConfigFile(t, `
core:
  max_workers: 8
executor:
  retry_attempts: 3
  retry_backoff: 500ms
  per_attempt_timeout: 90s
cache:
  enabled: false
`)

	cfg, err := NewLoader(NewValidator()).Load(path)
	require.NoError(t, err)

	assert.Equal(t, 8, cfg.Core.MaxWorkers)
	assert.Equal(t, 3, cfg.Executor.RetryAttempts)
	assert.Equal(t, 500*time.Millisecond, cfg.Executor.RetryBackoff)
	assert.Equal(t, 90*time.Second, cfg.Executor.PerAttemptTimeout)
	assert.False(t, cfg.Cache.Enabled)
	// Untouched keys keep defaults.
	assert.True(t, cfg.Executor.MockFallbackEnabled)
}

func TestLoader_LoadMissingFile(t *testing.T) {
	_, err := NewLoader(NewValidator()).Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestLoader_LoadWithDefaults_NoFile(t *testing.T) {
	cfg, err := NewLoader(NewValidator()).LoadWithDefaults(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().Core.MaxWorkers, cfg.Core.MaxWorkers)
}

func TestLoader_EnvironmentOverridesFile(t *testing.T) {
	path := writeConfigFile(t, "core:\n  max_workers: 8\n")
	t.Setenv("OROITZ_CORE_MAX_WORKERS", "2")

	cfg, err := NewLoader(NewValidator()).Load(path)
	require.NoError(t, err)
	assert.Equal(t, 2, cfg.Core.MaxWorkers)
}

func TestLoader_CallerOverridesWinOverEnvironment(t *testing.T) {
	t.Setenv("OROITZ_CORE_MAX_WORKERS", "2")

	cfg, err := NewLoader(NewValidator()).LoadWithDefaults("", WithMaxWorkers(1))
	require.NoError(t, err)
	assert.Equal(t, 1, cfg.Core.MaxWorkers)
}

func TestLoader_InvalidSettingsFailFast(t *testing.T) {
	path := writeConfigFile(t, "core:\n  max_workers: 0\n")

	_, err := NewLoader(NewValidator()).Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "max_workers")
}

func TestLoader_InvalidFailureScope(t *testing.T) {
	path := writeConfigFile(t, "normalize:\n  failure_scope: session\n")

	_, err := NewLoader(NewValidator()).Load(path)
	assert.Error(t, err)
}
