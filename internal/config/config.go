package config

import (
	"time"
)

// Config is the root configuration for the Oroitz orchestration core.
type Config struct {
	Core      CoreConfig      `mapstructure:"core" yaml:"core" validate:"required"`
	Executor  ExecutorConfig  `mapstructure:"executor" yaml:"executor" validate:"required"`
	Cache     CacheConfig     `mapstructure:"cache" yaml:"cache"`
	Normalize NormalizeConfig `mapstructure:"normalize" yaml:"normalize"`
	Logging   LoggingConfig   `mapstructure:"logging" yaml:"logging"`
	Tracing   TracingConfig   `mapstructure:"tracing" yaml:"tracing"`
}

// CoreConfig contains core orchestration settings.
type CoreConfig struct {
	// HomeDir is the per-user root for all Oroitz state (~/.oroitz).
	HomeDir string `mapstructure:"home_dir" yaml:"home_dir"`

	// DataDir holds session records.
	DataDir string `mapstructure:"data_dir" yaml:"data_dir"`

	// MaxWorkers bounds the worker pool executing independent workflow steps.
	MaxWorkers int `mapstructure:"max_workers" yaml:"max_workers" validate:"min=1,max=64"`
}

// ExecutorConfig contains external analysis tool invocation settings.
type ExecutorConfig struct {
	// ToolPath is the analysis tool binary. Empty means look up "vol" on PATH.
	ToolPath string `mapstructure:"tool_path" yaml:"tool_path"`

	// RetryAttempts is the number of retries after the first attempt.
	// Total attempts for a transiently failing step is RetryAttempts+1.
	RetryAttempts int `mapstructure:"retry_attempts" yaml:"retry_attempts" validate:"min=0,max=10"`

	// RetryBackoff is the base delay before the first retry; each subsequent
	// retry doubles it.
	RetryBackoff time.Duration `mapstructure:"retry_backoff" yaml:"retry_backoff" validate:"min=0"`

	// PerAttemptTimeout bounds a single tool invocation. The timeout is per
	// attempt, not per workflow.
	PerAttemptTimeout time.Duration `mapstructure:"per_attempt_timeout" yaml:"per_attempt_timeout" validate:"min=1s"`

	// MockFallbackEnabled substitutes deterministic mock payloads when real
	// execution cannot succeed. Disabling it turns exhausted retries into
	// failed steps instead.
	MockFallbackEnabled bool `mapstructure:"mock_fallback_enabled" yaml:"mock_fallback_enabled"`
}

// CacheConfig contains result cache settings.
type CacheConfig struct {
	// Root is the cache directory; entries live in per-key subdirectories.
	Root string `mapstructure:"root" yaml:"root"`

	// Enabled turns the cache off entirely when false.
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
}

// FailureScope selects what a normalization threshold breach fails.
type FailureScope string

const (
	// FailureScopeStep marks only the offending step failed.
	FailureScopeStep FailureScope = "step"
	// FailureScopeWorkflow fails the whole session on a threshold breach.
	FailureScopeWorkflow FailureScope = "workflow"
)

// NormalizeConfig contains output normalization settings.
type NormalizeConfig struct {
	// DropThreshold is the fraction of records that may be dropped for
	// schema violations before the step is considered failed. 1.0 means a
	// step only fails when every record was dropped and at least one record
	// was present.
	DropThreshold float64 `mapstructure:"drop_threshold" yaml:"drop_threshold" validate:"min=0,max=1"`

	// FailureScope controls whether a threshold breach fails the step or the
	// whole workflow.
	FailureScope FailureScope `mapstructure:"failure_scope" yaml:"failure_scope" validate:"oneof=step workflow"`
}

// LoggingConfig contains logging configuration.
type LoggingConfig struct {
	Level  string `mapstructure:"level" yaml:"level" validate:"oneof=debug info warn error"`
	Format string `mapstructure:"format" yaml:"format" validate:"oneof=json text"`
}

// TracingConfig contains OpenTelemetry tracing configuration.
type TracingConfig struct {
	Enabled  bool   `mapstructure:"enabled" yaml:"enabled"`
	Endpoint string `mapstructure:"endpoint" yaml:"endpoint"`
}

// Override is a caller-supplied mutation applied on top of file and
// environment layers, the final layer of precedence.
type Override func(*Config)

// WithMaxWorkers overrides the worker pool bound.
func WithMaxWorkers(n int) Override {
	return func(c *Config) { c.Core.MaxWorkers = n }
}

// WithToolPath overrides the analysis tool binary path.
func WithToolPath(path string) Override {
	return func(c *Config) { c.Executor.ToolPath = path }
}

// WithRetryPolicy overrides retry attempts and backoff base.
func WithRetryPolicy(attempts int, backoff time.Duration) Override {
	return func(c *Config) {
		c.Executor.RetryAttempts = attempts
		c.Executor.RetryBackoff = backoff
	}
}

// WithPerAttemptTimeout overrides the per-attempt subprocess timeout.
func WithPerAttemptTimeout(d time.Duration) Override {
	return func(c *Config) { c.Executor.PerAttemptTimeout = d }
}

// WithCacheRoot overrides the cache directory.
func WithCacheRoot(root string) Override {
	return func(c *Config) { c.Cache.Root = root }
}

// WithMockFallback overrides the mock fallback switch.
func WithMockFallback(enabled bool) Override {
	return func(c *Config) { c.Executor.MockFallbackEnabled = enabled }
}
