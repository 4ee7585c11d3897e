package observability

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/tears-mysthrala/Oroitz/internal/config"
)

// NewLogger builds a structured logger from the logging configuration.
// Unknown levels fall back to info rather than failing startup; the
// configuration validator has already rejected genuinely bad values.
func NewLogger(cfg config.LoggingConfig, w io.Writer) *slog.Logger {
	if w == nil {
		w = os.Stderr
	}

	opts := &slog.HandlerOptions{Level: parseLevel(cfg.Level)}

	var handler slog.Handler
	switch strings.ToLower(cfg.Format) {
	case "text":
		handler = slog.NewTextHandler(w, opts)
	default:
		handler = slog.NewJSONHandler(w, opts)
	}
	return slog.New(handler)
}

// InitLogging builds the logger and installs it as the process default.
func InitLogging(cfg config.LoggingConfig, w io.Writer) *slog.Logger {
	logger := NewLogger(cfg, w)
	slog.SetDefault(logger)
	return logger
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
