package genkv

import (
	"context"
	"log/slog"
	"os"
)

// Logger wraps slog.Logger with genkv-specific context.
// This provides structured logging with consistent field names.
type Logger struct {
	*slog.Logger
}

// NewLogger creates a new Logger with the given handler.
// If handler is nil, uses default text handler to stderr.
func NewLogger(handler slog.Handler) *Logger {
	if handler == nil {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		})
	}
	return &Logger{
		Logger: slog.New(handler),
	}
}

// NewJSONLogger creates a Logger that outputs JSON-formatted logs.
// level sets the minimum log level (e.g., slog.LevelDebug, slog.LevelInfo).
func NewJSONLogger(level slog.Level) *Logger {
	return NewLogger(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))
}

// NewTextLogger creates a Logger that outputs human-readable text logs.
func NewTextLogger(level slog.Level) *Logger {
	return NewLogger(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))
}

// NoopLogger creates a Logger that discards all log output.
// Use this to disable logging entirely.
func NoopLogger() *Logger {
	return NewLogger(slog.DiscardHandler)
}

// WithDir adds the data directory to the logger.
func (l *Logger) WithDir(dir string) *Logger {
	return &Logger{
		Logger: l.Logger.With("dir", dir),
	}
}

// WithComponent tags records with the component that emits them.
func (l *Logger) WithComponent(name string) *Logger {
	return &Logger{
		Logger: l.Logger.With("component", name),
	}
}

// LogFlush logs an explicit flush.
func (l *Logger) LogFlush(ctx context.Context, segments, entries int, err error) {
	if err != nil {
		l.ErrorContext(ctx, "flush failed",
			"segments", segments,
			"error", err,
		)
	} else {
		l.DebugContext(ctx, "flush completed",
			"segments", segments,
			"entries", entries,
		)
	}
}

// LogMerge logs an explicit merge. A rejected candidate is not an error.
func (l *Logger) LogMerge(ctx context.Context, sources, outputs int, err error) {
	switch {
	case err == nil:
		l.DebugContext(ctx, "merge completed",
			"sources", sources,
			"outputs", outputs,
		)
	case isMergeAborted(err):
		l.DebugContext(ctx, "merge aborted",
			"sources", sources,
			"error", err,
		)
	default:
		l.ErrorContext(ctx, "merge failed",
			"sources", sources,
			"error", err,
		)
	}
}

// LogRecovery logs the outcome of resume.
func (l *Logger) LogRecovery(ctx context.Context, replayed int, err error) {
	if err != nil {
		l.ErrorContext(ctx, "recovery failed",
			"commands_replayed", replayed,
			"error", err,
		)
	} else {
		l.InfoContext(ctx, "recovery completed",
			"commands_replayed", replayed,
		)
	}
}

// LogLogStatus reports log occupancy, warning above 80% use.
func (l *Logger) LogLogStatus(used, free uint64) {
	total := used + free
	if total > 0 && used*5 > total*4 {
		l.Warn("log nearly full", "used_bytes", used, "free_bytes", free)
		return
	}
	l.Debug("log status", "used_bytes", used, "free_bytes", free)
}

// LogBackup logs a backup or restore.
func (l *Logger) LogBackup(ctx context.Context, op, id string, segments, uploaded int, err error) {
	if err != nil {
		l.ErrorContext(ctx, op+" failed",
			"backup", id,
			"error", err,
		)
	} else {
		l.InfoContext(ctx, op+" completed",
			"backup", id,
			"segments", segments,
			"transferred", uploaded,
		)
	}
}
