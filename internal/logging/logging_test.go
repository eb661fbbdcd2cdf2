package logging

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		input   string
		want    LogLevel
		wantErr bool
	}{
		{"debug", LogLevelDebug, false},
		{"INFO", LogLevelInfo, false},
		{"", LogLevelInfo, false},
		{"warning", LogLevelWarn, false},
		{"error", LogLevelError, false},
		{"verbose", LogLevelInfo, true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseLogLevel(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestLogger_LevelsAndFields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Level: LogLevelInfo, Output: &buf})
	ctx := context.Background()

	logger.Debug(ctx, "hidden")
	assert.Empty(t, buf.String())

	logger.WithOperation(OpTrim).WithURL("http://x/a").Info(ctx, "visible", "k", 1)
	out := buf.String()
	assert.Contains(t, out, "visible")
	assert.Contains(t, out, "operation=trim")
	assert.Contains(t, out, "url=http://x/a")
	assert.Contains(t, out, "k=1")
}

func TestLogger_JSONHandler(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Level: LogLevelDebug, JSON: true, Output: &buf})

	LogFetch(context.Background(), logger, "http://x/a", 0, 2, time.Millisecond, errors.New("boom"))
	assert.Contains(t, buf.String(), `"msg":"fetch failed"`)
	assert.Contains(t, buf.String(), `"waiters":2`)
}

func TestNopAndNilLoggers(t *testing.T) {
	ctx := context.Background()

	var nilLogger *Logger
	assert.NotPanics(t, func() {
		nilLogger.Info(ctx, "ignored")
		nilLogger.With("a", 1).Warn(ctx, "ignored")
		LogEviction(ctx, nilLogger, "http://x/a", 1, "size_limit_exceeded")
	})

	nop := NewNopLogger()
	assert.NotPanics(t, func() {
		nop.WithSize(10).Error(ctx, "ignored")
		LogTrim(ctx, nop, 1, 10, 0, time.Second)
	})
}

func TestDefaultLogConfig(t *testing.T) {
	cfg := DefaultLogConfig()
	assert.Equal(t, LogLevelInfo, cfg.Level)
	assert.False(t, cfg.JSON)
	assert.NotNil(t, cfg.Output)
}
