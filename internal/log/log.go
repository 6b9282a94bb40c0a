// Package log builds the slog logger the relay daemon writes through.
package log

import (
	"log/slog"
	"os"
	"strings"
)

// New returns a text-handler logger on stdout at the given level.  The
// level string comes straight from RELAY_LOG_LEVEL or --log-level; an
// unknown or empty value falls back to info so a typo never silences the
// daemon.
func New(level string) *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: ParseLevel(level),
	}))
}

// ParseLevel maps a level name to its slog level, case-insensitively.
// "warning" is accepted as an alias for "warn".
func ParseLevel(level string) slog.Level {
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
