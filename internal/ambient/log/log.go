// Package log provides the structured logging wrapper shared by the
// disk and DHT subsystems. It is a thin shell around log/slog that
// stamps every record with the emitting component's name.
package log

import (
	"context"
	"log/slog"
	"os"
)

var defaultLogger = slog.New(slog.NewTextHandler(os.Stderr, nil))

// SetDefault swaps the process-wide default logger.
func SetDefault(l *slog.Logger) {
	defaultLogger = l
}

// SetLevel rebuilds the default logger at the given level, writing to stderr.
func SetLevel(level slog.Level) {
	defaultLogger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// Logger is a component-scoped logging handle.
type Logger struct {
	component string
}

// Named returns a logger that tags every record with component.
func Named(component string) *Logger {
	return &Logger{component: component}
}

func (l *Logger) with() *slog.Logger {
	return defaultLogger.With("component", l.component)
}

func (l *Logger) Debug(msg string, args ...any) { l.with().Debug(msg, args...) }
func (l *Logger) Info(msg string, args ...any)  { l.with().Info(msg, args...) }
func (l *Logger) Warn(msg string, args ...any)  { l.with().Warn(msg, args...) }
func (l *Logger) Error(msg string, args ...any) { l.with().Error(msg, args...) }

func (l *Logger) DebugContext(ctx context.Context, msg string, args ...any) {
	l.with().DebugContext(ctx, msg, args...)
}
func (l *Logger) InfoContext(ctx context.Context, msg string, args ...any) {
	l.with().InfoContext(ctx, msg, args...)
}
func (l *Logger) WarnContext(ctx context.Context, msg string, args ...any) {
	l.with().WarnContext(ctx, msg, args...)
}
func (l *Logger) ErrorContext(ctx context.Context, msg string, args ...any) {
	l.with().ErrorContext(ctx, msg, args...)
}
