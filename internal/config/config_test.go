package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, 4, cfg.Core.MaxWorkers)
	assert.Equal(t, 2, cfg.Executor.RetryAttempts)
	assert.Equal(t, time.Second, cfg.Executor.RetryBackoff)
	assert.Equal(t, 5*time.Minute, cfg.Executor.PerAttemptTimeout)
	assert.True(t, cfg.Executor.MockFallbackEnabled)
	assert.True(t, cfg.Cache.Enabled)
	assert.Equal(t, 1.0, cfg.Normalize.DropThreshold)
	assert.Equal(t, FailureScopeStep, cfg.Normalize.FailureScope)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestDefaultConfig_Validates(t *testing.T) {
	require.NoError(t, NewValidator().Validate(DefaultConfig()))
}

func TestOverrides(t *testing.T) {
	cfg := DefaultConfig()

	for _, o := range []Override{
		WithMaxWorkers(2),
		WithToolPath("/opt/vol3/vol"),
		WithRetryPolicy(5, 250*time.Millisecond),
		WithPerAttemptTimeout(30 * time.Second),
		WithCacheRoot("/tmp/oroitz-cache"),
		WithMockFallback(false),
	} {
		o(cfg)
	}

	assert.Equal(t, 2, cfg.Core.MaxWorkers)
	assert.Equal(t, "/opt/vol3/vol", cfg.Executor.ToolPath)
	assert.Equal(t, 5, cfg.Executor.RetryAttempts)
	assert.Equal(t, 250*time.Millisecond, cfg.Executor.RetryBackoff)
	assert.Equal(t, 30*time.Second, cfg.Executor.PerAttemptTimeout)
	assert.Equal(t, "/tmp/oroitz-cache", cfg.Cache.Root)
	assert.False(t, cfg.Executor.MockFallbackEnabled)
}

func TestBackoffSeconds(t *testing.T) {
	assert.Equal(t, time.Second, BackoffSeconds(1.0))
	assert.Equal(t, 1500*time.Millisecond, BackoffSeconds(1.5))
	assert.Equal(t, time.Duration(0), BackoffSeconds(0))
}
