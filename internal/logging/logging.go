// Package logging provides the structured logger used across the cache.
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"
)

// LogLevel represents different logging levels
type LogLevel int

// LogLevelDebug represents debug logging level
const (
	LogLevelDebug LogLevel = iota
	LogLevelInfo
	LogLevelWarn
	LogLevelError
)

// String returns the lowercase level name.
func (l LogLevel) String() string {
	switch l {
	case LogLevelDebug:
		return "debug"
	case LogLevelWarn:
		return "warn"
	case LogLevelError:
		return "error"
	default:
		return "info"
	}
}

// Logger provides structured logging for the cache.
// A nil *Logger is valid and discards everything.
type Logger struct {
	logger *slog.Logger
	fields []any
}

// LogConfig holds configuration for the cache logger.
type LogConfig struct {
	// Level sets the minimum log level (debug, info, warn, error)
	Level LogLevel
	// EnableCallerInfo includes file and line number in logs
	EnableCallerInfo bool
	// JSON selects the JSON handler instead of the text handler
	JSON bool
	// Output defaults to os.Stderr
	Output io.Writer
}

// DefaultLogConfig returns a default logging configuration.
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:  LogLevelInfo,
		Output: os.Stderr,
	}
}

// NewLogger creates a new structured logger with the given configuration.
func NewLogger(config LogConfig) *Logger {
	out := config.Output
	if out == nil {
		out = os.Stderr
	}

	opts := &slog.HandlerOptions{
		Level:     slogLevel(config.Level),
		AddSource: config.EnableCallerInfo,
	}

	var handler slog.Handler
	if config.JSON {
		handler = slog.NewJSONHandler(out, opts)
	} else {
		handler = slog.NewTextHandler(out, opts)
	}

	return &Logger{logger: slog.New(handler)}
}

// NewNopLogger creates a no-op logger that discards all log messages.
func NewNopLogger() *Logger {
	return &Logger{}
}

func slogLevel(level LogLevel) slog.Level {
	switch level {
	case LogLevelDebug:
		return slog.LevelDebug
	case LogLevelWarn:
		return slog.LevelWarn
	case LogLevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func (l *Logger) log(ctx context.Context, level slog.Level, msg string, args ...any) {
	if l == nil || l.logger == nil {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	allArgs := make([]any, len(l.fields)+len(args))
	copy(allArgs, l.fields)
	copy(allArgs[len(l.fields):], args)
	l.logger.Log(ctx, level, msg, allArgs...)
}

// Debug logs debug-level messages
func (l *Logger) Debug(ctx context.Context, msg string, args ...any) {
	l.log(ctx, slog.LevelDebug, msg, args...)
}

// Info logs info-level messages
func (l *Logger) Info(ctx context.Context, msg string, args ...any) {
	l.log(ctx, slog.LevelInfo, msg, args...)
}

// Warn logs warning-level messages
func (l *Logger) Warn(ctx context.Context, msg string, args ...any) {
	l.log(ctx, slog.LevelWarn, msg, args...)
}

// Error logs error-level messages
func (l *Logger) Error(ctx context.Context, msg string, args ...any) {
	l.log(ctx, slog.LevelError, msg, args...)
}

// With returns a logger with additional context fields
func (l *Logger) With(args ...any) *Logger {
	if l == nil {
		return nil
	}
	fields := make([]any, len(l.fields)+len(args))
	copy(fields, l.fields)
	copy(fields[len(l.fields):], args)
	return &Logger{logger: l.logger, fields: fields}
}

// WithOperation returns a logger with operation context
func (l *Logger) WithOperation(op Operation) *Logger {
	return l.With("operation", string(op))
}

// WithURL returns a logger with url context
func (l *Logger) WithURL(url string) *Logger {
	return l.With("url", url)
}

// WithSize returns a logger with size context
func (l *Logger) WithSize(size int64) *Logger {
	return l.With("size", size)
}

// Operation represents different types of cache operations for logging.
type Operation string

// Operation constants for cache operations
const (
	OpAdd     Operation = "add"
	OpRead    Operation = "read"
	OpDelete  Operation = "delete"
	OpExpire  Operation = "expire"
	OpFetch   Operation = "fetch"
	OpTrim    Operation = "trim"
	OpLoad    Operation = "load"
	OpRequest Operation = "request"
)

// LogCacheHit logs a cache hit event.
func LogCacheHit(ctx context.Context, logger *Logger, op Operation, url string, size int64) {
	logger.Debug(ctx, "cache hit",
		"operation", string(op),
		"url", url,
		"size", size,
		"result", "hit")
}

// LogCacheMiss logs a cache miss event.
func LogCacheMiss(ctx context.Context, logger *Logger, op Operation, url, reason string) {
	logger.Debug(ctx, "cache miss",
		"operation", string(op),
		"url", url,
		"reason", reason,
		"result", "miss")
}

// LogEviction logs an eviction event.
func LogEviction(ctx context.Context, logger *Logger, url string, size int64, reason string) {
	logger.Info(ctx, "cache entry evicted",
		"url", url,
		"size", size,
		"reason", reason)
}

// LogTrim logs the outcome of a trim pass.
func LogTrim(ctx context.Context, logger *Logger, removed int, bytesFreed, after int64, duration time.Duration) {
	logger.Info(ctx, "cache trim completed",
		"entries_removed", removed,
		"bytes_freed", bytesFreed,
		"total_bytes", after,
		"duration_ms", duration.Milliseconds())
}

// LogFetch logs the outcome of a network fetch.
func LogFetch(ctx context.Context, logger *Logger, url string, size int64, waiters int, duration time.Duration, err error) {
	fields := []any{
		"url", url,
		"waiters", waiters,
		"duration_ms", duration.Milliseconds(),
	}
	if err != nil {
		fields = append(fields, "error", err.Error())
		logger.Warn(ctx, "fetch failed", fields...)
		return
	}
	fields = append(fields, "size", size)
	logger.Info(ctx, "fetch completed", fields...)
}

// ParseLogLevel parses a string log level into a LogLevel.
func ParseLogLevel(level string) (LogLevel, error) {
	switch strings.ToLower(level) {
	case "debug":
		return LogLevelDebug, nil
	case "info", "":
		return LogLevelInfo, nil
	case "warn", "warning":
		return LogLevelWarn, nil
	case "error":
		return LogLevelError, nil
	default:
		return LogLevelInfo, fmt.Errorf("invalid log level: %s", level)
	}
}
