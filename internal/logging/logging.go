package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// New initializes a slog logger from LOG_FORMAT and LOG_LEVEL and sets it
// as the default. LOG_FORMAT is "text" (default) or "json"; LOG_LEVEL is
// debug, info (default), warn or error.
func New() *slog.Logger {
	logger := NewWithWriter(os.Stdout, os.Getenv("LOG_FORMAT"), os.Getenv("LOG_LEVEL"))
	slog.SetDefault(logger)
	return logger
}

// NewWithWriter builds a logger writing to w without touching the default.
func NewWithWriter(w io.Writer, format, level string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: ParseLevel(level)}

	var handler slog.Handler
	switch strings.ToLower(format) {
	case "json":
		handler = slog.NewJSONHandler(w, opts)
	default:
		opts.AddSource = opts.Level == slog.LevelDebug
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

// ParseLevel maps a level name to a slog level, defaulting to info.
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
