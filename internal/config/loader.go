package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/tears-mysthrala/Oroitz/internal/types"
)

// Loader handles loading configuration from layered sources:
// built-in defaults, then a YAML file, then OROITZ_* environment variables,
// then explicit caller overrides. Validation runs after all layers apply,
// so a bad setting fails fast no matter which layer introduced it.
type Loader interface {
	Load(path string, overrides ...Override) (*Config, error)
	LoadWithDefaults(path string, overrides ...Override) (*Config, error)
}

// viperLoader implements Loader using Viper.
type viperLoader struct {
	validator Validator
}

// NewLoader creates a new Loader instance.
func NewLoader(validator Validator) Loader {
	return &viperLoader{validator: validator}
}

// Load loads configuration from the specified file path.
// Returns an error if the file doesn't exist or cannot be parsed.
func (l *viperLoader) Load(path string, overrides ...Override) (*Config, error) {
	v := newViper()
	v.SetConfigFile(path)

	if err := v.ReadInConfig(); err != nil {
		return nil, types.WrapError(types.CONFIG_LOAD_FAILED, "failed to read config file", err)
	}

	return l.finish(v, overrides)
}

// LoadWithDefaults loads configuration from the specified file path.
// If the file doesn't exist, defaults plus environment plus overrides apply.
func (l *viperLoader) LoadWithDefaults(path string, overrides ...Override) (*Config, error) {
	if path != "" {
		if _, err := os.Stat(path); err == nil {
			return l.Load(path, overrides...)
		}
	}

	return l.finish(newViper(), overrides)
}

// finish unmarshals the accumulated layers, applies caller overrides, and
// validates the result.
func (l *viperLoader) finish(v *viper.Viper, overrides []Override) (*Config, error) {
	cfg := DefaultConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, types.WrapError(types.CONFIG_PARSE_FAILED, "failed to unmarshal config", err)
	}

	for _, o := range overrides {
		o(cfg)
	}

	if err := l.validator.Validate(cfg); err != nil {
		return nil, types.WrapError(types.CONFIG_VALIDATION_FAILED, "configuration validation failed", err)
	}

	return cfg, nil
}

// newViper builds a Viper instance with defaults and environment binding
// already applied. Environment variables use the OROITZ_ prefix with
// underscores for nesting, e.g. OROITZ_CORE_MAX_WORKERS=2.
func newViper() *viper.Viper {
	v := viper.New()
	v.SetConfigType("yaml")

	defaults := DefaultConfig()
	v.SetDefault("core.home_dir", defaults.Core.HomeDir)
	v.SetDefault("core.data_dir", defaults.Core.DataDir)
	v.SetDefault("core.max_workers", defaults.Core.MaxWorkers)
	v.SetDefault("executor.tool_path", defaults.Executor.ToolPath)
	v.SetDefault("executor.retry_attempts", defaults.Executor.RetryAttempts)
	v.SetDefault("executor.retry_backoff", defaults.Executor.RetryBackoff)
	v.SetDefault("executor.per_attempt_timeout", defaults.Executor.PerAttemptTimeout)
	v.SetDefault("executor.mock_fallback_enabled", defaults.Executor.MockFallbackEnabled)
	v.SetDefault("cache.root", defaults.Cache.Root)
	v.SetDefault("cache.enabled", defaults.Cache.Enabled)
	v.SetDefault("normalize.drop_threshold", defaults.Normalize.DropThreshold)
	v.SetDefault("normalize.failure_scope", string(defaults.Normalize.FailureScope))
	v.SetDefault("logging.level", defaults.Logging.Level)
	v.SetDefault("logging.format", defaults.Logging.Format)
	v.SetDefault("tracing.enabled", defaults.Tracing.Enabled)
	v.SetDefault("tracing.endpoint", defaults.Tracing.Endpoint)

	v.SetEnvPrefix("OROITZ")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	return v
}

// BackoffSeconds converts a float seconds value into a duration, for callers
// holding the retry backoff as a fractional-seconds number.
func BackoffSeconds(seconds float64) time.Duration {
	return time.Duration(seconds * float64(time.Second))
}

// String renders the config for debug logging without any path expansion.
func (c *Config) String() string {
	return fmt.Sprintf("workers=%d retries=%d backoff=%s timeout=%s cache=%v fallback=%v",
		c.Core.MaxWorkers,
		c.Executor.RetryAttempts,
		c.Executor.RetryBackoff,
		c.Executor.PerAttemptTimeout,
		c.Cache.Enabled,
		c.Executor.MockFallbackEnabled,
	)
}
