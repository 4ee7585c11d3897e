package config

import (
	"os"
	"path/filepath"
	"time"
)

// DefaultConfig returns a Config with sensible default values.
func DefaultConfig() *Config {
	homeDir := getDefaultHomeDir()

	return &Config{
		Core: CoreConfig{
			HomeDir:    homeDir,
			DataDir:    filepath.Join(homeDir, "sessions"),
			MaxWorkers: 4,
		},
		Executor: ExecutorConfig{
			ToolPath:            "",
			RetryAttempts:       2,
			RetryBackoff:        time.Second,
			PerAttemptTimeout:   5 * time.Minute,
			MockFallbackEnabled: true,
		},
		Cache: CacheConfig{
			Root:    filepath.Join(homeDir, "cache"),
			Enabled: true,
		},
		Normalize: NormalizeConfig{
			DropThreshold: 1.0,
			FailureScope:  FailureScopeStep,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Tracing: TracingConfig{
			Enabled:  false,
			Endpoint: "",
		},
	}
}

// getDefaultHomeDir returns the default Oroitz home directory.
// It uses ~/.oroitz or falls back to a temporary directory if the user home
// cannot be determined.
func getDefaultHomeDir() string {
	userHome, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), ".oroitz")
	}
	return filepath.Join(userHome, ".oroitz")
}
