// Package logging configures the process-wide slog handler.
//
// LOG_FORMAT selects the handler: "json" (default) for deployed environments, "pretty" for
// colored tint output on a terminal. LOG_LEVEL is debug, info, warn or error (default info).
// Output written through the standard `log` package is routed to the same handler.
package logging

import (
	"io"
	"log"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/lmittmann/tint"
)

// Setup installs the default logger from the given format and level strings and returns it.
func Setup(format, level string) *slog.Logger {
	logger := New(os.Stderr, format, ParseLevel(level))
	slog.SetDefault(logger)
	log.SetFlags(0)
	return logger
}

// New builds a logger writing to w without touching the process defaults.
func New(w io.Writer, format string, level slog.Level) *slog.Logger {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "pretty", "tint", "text":
		return slog.New(tint.NewHandler(w, &tint.Options{
			Level:      level,
			TimeFormat: time.Kitchen,
			AddSource:  true,
		}))
	default:
		return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level}))
	}
}

func ParseLevel(raw string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(raw)) {
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

// Component returns a child logger tagged the same way the log.Printf lines are.
func Component(logger *slog.Logger, name string) *slog.Logger {
	if logger == nil {
		logger = slog.Default()
	}
	return logger.With("component", name)
}
