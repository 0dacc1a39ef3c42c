// Package logging builds the application slog logger.
package logging

import (
	"log/slog"
	"os"
	"strings"
)

// ParseLevel maps a LOGGING_LEVEL value to a slog level. Matching is
// case-insensitive; WARNING is accepted alongside WARN. The second
// return value is false when the input was not recognized and the INFO
// fallback was applied.
func ParseLevel(level string) (slog.Level, bool) {
	switch strings.ToUpper(strings.TrimSpace(level)) {
	case "DEBUG":
		return slog.LevelDebug, true
	case "INFO", "":
		return slog.LevelInfo, true
	case "WARNING", "WARN":
		return slog.LevelWarn, true
	case "ERROR":
		return slog.LevelError, true
	default:
		return slog.LevelInfo, false
	}
}

// New returns a JSON slog logger at the requested level, writing to
// stderr. An unrecognized level falls back to INFO with a warning.
func New(level string) *slog.Logger {
	parsed, ok := ParseLevel(level)
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: parsed}))
	if !ok {
		logger.Warn("unrecognized logging level, defaulting to INFO", "level", level)
	}
	return logger
}
