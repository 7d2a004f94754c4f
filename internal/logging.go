package internal

import (
	"context"
	"log/slog"
)

// LevelTrace sits below [slog.LevelDebug] and is used for per-segment and
// per-frame tracing.
const LevelTrace slog.Level = slog.LevelDebug - 2

// LogEnabled reports whether the logger would emit records at lvl. A nil
// logger is always disabled.
func LogEnabled(l *slog.Logger, lvl slog.Level) bool {
	return l != nil && l.Handler().Enabled(context.Background(), lvl)
}

// LogAttrs is the helper used by all package loggers. A nil logger is a no-op
// so the stack can run fully silent without branching at call sites.
func LogAttrs(l *slog.Logger, level slog.Level, msg string, attrs ...slog.Attr) {
	if l != nil {
		l.LogAttrs(context.Background(), level, msg, attrs...)
	}
}
