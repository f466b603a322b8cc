// Package vlog provides the store's append-only diagnostic sink: a
// timestamped, structured log that sits off the critical path. A logger
// failure is never surfaced as a store error — the same posture the
// teacher's WAL writer takes toward its own encode failures, logging them
// to stderr rather than aborting.
package vlog

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
)

const logFileName = "vstore.log"

// Logger wraps a slog.Logger over an append-only JSON log file.
type Logger struct {
	f     *os.File
	inner *slog.Logger
}

// Open creates or appends to <dir>/vstore.log. If dir cannot be written to,
// Open falls back to a discard logger rather than failing initialize: the
// logger is explicitly not on the critical path.
func Open(dir string) *Logger {
	if dir == "" {
		return &Logger{inner: slog.New(slog.NewJSONHandler(io.Discard, nil))}
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return &Logger{inner: slog.New(slog.NewJSONHandler(io.Discard, nil))}
	}

	f, err := os.OpenFile(filepath.Join(dir, logFileName), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return &Logger{inner: slog.New(slog.NewJSONHandler(io.Discard, nil))}
	}

	return &Logger{f: f, inner: slog.New(slog.NewJSONHandler(f, &slog.HandlerOptions{Level: slog.LevelDebug}))}
}

// Info logs a routine lifecycle event (initialize, save_index,
// perform_maintenance).
func (l *Logger) Info(msg string, args ...any) {
	l.inner.Info(msg, args...)
}

// Warn logs a recoverable condition: a corrupt record isolated during a
// scan, a footer or cluster blob that failed its CRC and triggered a
// rebuild.
func (l *Logger) Warn(msg string, args ...any) {
	l.inner.Warn(msg, args...)
}

// Error logs a condition that is about to be surfaced to the caller as an
// error, for post-mortem diagnosis.
func (l *Logger) Error(msg string, args ...any) {
	l.inner.Error(msg, args...)
}

// Close releases the underlying log file, if one was opened.
func (l *Logger) Close() error {
	if l.f == nil {
		return nil
	}
	return l.f.Close()
}
