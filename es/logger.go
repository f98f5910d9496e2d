package es

import (
	"context"
	"log/slog"
)

// Logger provides a minimal interface for observability and debugging.
// It is designed to be optional and non-blocking, with zero overhead when disabled.
// Users can implement this interface to integrate their preferred logging library.
type Logger interface {
	// Debug logs debug-level information for detailed troubleshooting.
	Debug(ctx context.Context, msg string, keyvals ...interface{})

	// Info logs informational messages about normal operations.
	Info(ctx context.Context, msg string, keyvals ...interface{})

	// Error logs error-level information about failures.
	// Suppressed failures (snapshot writes, dispatch acknowledgements,
	// schema re-initialization) are reported here.
	Error(ctx context.Context, msg string, keyvals ...interface{})
}

// NoOpLogger is a logger that does nothing.
// It can be used as a default when no logging is desired.
type NoOpLogger struct{}

// Debug implements Logger.
func (NoOpLogger) Debug(_ context.Context, _ string, _ ...interface{}) {}

// Info implements Logger.
func (NoOpLogger) Info(_ context.Context, _ string, _ ...interface{}) {}

// Error implements Logger.
func (NoOpLogger) Error(_ context.Context, _ string, _ ...interface{}) {}

// SlogLogger adapts a *slog.Logger to Logger.
type SlogLogger struct {
	logger *slog.Logger
}

// NewSlogLogger wraps l. A nil l uses slog.Default().
func NewSlogLogger(l *slog.Logger) *SlogLogger {
	if l == nil {
		l = slog.Default()
	}
	return &SlogLogger{logger: l}
}

// Debug implements Logger.
func (s *SlogLogger) Debug(ctx context.Context, msg string, keyvals ...interface{}) {
	s.logger.DebugContext(ctx, msg, keyvals...)
}

// Info implements Logger.
func (s *SlogLogger) Info(ctx context.Context, msg string, keyvals ...interface{}) {
	s.logger.InfoContext(ctx, msg, keyvals...)
}

// Error implements Logger.
func (s *SlogLogger) Error(ctx context.Context, msg string, keyvals ...interface{}) {
	s.logger.ErrorContext(ctx, msg, keyvals...)
}
