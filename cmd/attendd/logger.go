package main

import (
	"log/slog"
	"os"
	"strings"

	"github.com/layer-3/attendance/internal/logctx"
)

// NewLogger creates a JSON structured logger that also carries the session
// and scan attributes found in the context
func NewLogger(level string) *slog.Logger {
	h := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level:     parseLogLevel(level),
		AddSource: true,
	})

	log := logctx.Wrap(slog.New(h))
	slog.SetDefault(log)
	return log
}

func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
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
