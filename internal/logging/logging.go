// Package logging configures structured logging for the whole process.
package logging

import (
	"log/slog"
	"os"
	"strings"
)

// New creates a logger with the given level and format. format can be "json"
// or "text" (default is json).
func New(level slog.Level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level: level,
		// Source locations only when debugging; they are noise in production
		// JSON streams.
		AddSource: level <= slog.LevelDebug,
	}

	var handler slog.Handler
	switch format {
	case "text":
		handler = slog.NewTextHandler(os.Stdout, opts)
	default:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}

// ParseLevel maps a config string to a slog level. Unknown strings fall back
// to info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Setup builds a logger from config strings and installs it as the process
// default.
func Setup(level, format string) *slog.Logger {
	logger := New(ParseLevel(level), format)
	slog.SetDefault(logger)
	return logger
}
