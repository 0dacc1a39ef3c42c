package logging

import (
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  slog.Level
		ok    bool
	}{
		{name: "debug lowercase", input: "debug", want: slog.LevelDebug, ok: true},
		{name: "info", input: "INFO", want: slog.LevelInfo, ok: true},
		{name: "warning long form", input: "Warning", want: slog.LevelWarn, ok: true},
		{name: "warn short form", input: "warn", want: slog.LevelWarn, ok: true},
		{name: "error", input: "ERROR", want: slog.LevelError, ok: true},
		{name: "empty defaults to info", input: "", want: slog.LevelInfo, ok: true},
		{name: "padded", input: "  error  ", want: slog.LevelError, ok: true},
		{name: "unrecognized falls back to info", input: "TRACE", want: slog.LevelInfo, ok: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ParseLevel(tt.input)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.ok, ok)
		})
	}
}

func TestNew_UnrecognizedLevelStillReturnsLogger(t *testing.T) {
	logger := New("bogus")
	assert.NotNil(t, logger)
	assert.True(t, logger.Enabled(context.Background(), slog.LevelInfo))
	assert.False(t, logger.Enabled(context.Background(), slog.LevelDebug))
}
