package logging

import (
	"log/slog"
	"os"
)

// NewLogger creates a structured logger appropriate for the environment.
// Production uses JSON format at info level, development uses
// human-readable text at debug level.
func NewLogger(env string) *slog.Logger {
	var handler slog.Handler

	opts := &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}

	if env == "production" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		opts.Level = slog.LevelDebug
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}

// ForEngine returns a child logger tagged with the subsystem name (pool,
// realtime, cache, ...) so log queries can separate transport noise from
// cache consistency warnings.
func ForEngine(logger *slog.Logger, name string) *slog.Logger {
	return logger.With(slog.String("engine", name))
}
