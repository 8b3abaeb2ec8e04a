// Package rlog provides the leveled structured-logging helpers shared by
// client, server and simulator, in the same shape as
// soypat/lneto/tcp.ControlBlock's logger: a thin wrapper over log/slog that
// no-ops cheaply when no logger has been configured.
package rlog

import (
	"context"
	"log/slog"
)

// LevelTrace sits below slog.LevelDebug, for the kind of
// per-segment/per-ACK chatter that's too noisy even for -debug.
const LevelTrace slog.Level = slog.LevelDebug - 4

// Logger wraps an optional *slog.Logger with leveled helpers that are safe
// to call on a zero Logger.
type Logger struct {
	log *slog.Logger
}

// New wraps l. A nil l produces a Logger whose methods are all no-ops.
func New(l *slog.Logger) Logger {
	return Logger{log: l}
}

func (l Logger) enabled(level slog.Level) bool {
	return l.log != nil && l.log.Handler().Enabled(context.Background(), level)
}

func (l Logger) emit(level slog.Level, msg string, attrs ...slog.Attr) {
	if !l.enabled(level) {
		return
	}
	l.log.LogAttrs(context.Background(), level, msg, attrs...)
}

// Trace logs below debug level, for high-frequency per-segment events.
func (l Logger) Trace(msg string, attrs ...slog.Attr) { l.emit(LevelTrace, msg, attrs...) }

// Debug logs a debug-level event.
func (l Logger) Debug(msg string, attrs ...slog.Attr) { l.emit(slog.LevelDebug, msg, attrs...) }

// Warn logs a warning.
func (l Logger) Warn(msg string, attrs ...slog.Attr) { l.emit(slog.LevelWarn, msg, attrs...) }

// Error logs an error-level event.
func (l Logger) Error(msg string, attrs ...slog.Attr) { l.emit(slog.LevelError, msg, attrs...) }

// Info logs an info-level event.
func (l Logger) Info(msg string, attrs ...slog.Attr) { l.emit(slog.LevelInfo, msg, attrs...) }
