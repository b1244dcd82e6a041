// Package logging builds the structured loggers used across uvccam. It wraps
// log/slog so every component logs JSON (or text) with consistent attribute
// names.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// Log levels accepted by New.
const (
	LevelDebug = "DEBUG"
	LevelInfo  = "INFO"
	LevelWarn  = "WARN"
	LevelError = "ERROR"
)

// Output formats accepted by New.
const (
	FormatJSON = "json"
	FormatText = "text"
)

// Attribute keys shared by all components.
const (
	KeyComponent = "component"
	KeySession   = "session_id"
	KeyDir       = "dir"
	KeyPID       = "pid"
)

// New returns a logger writing to w. A nil w writes to stderr. Unknown
// levels fall back to INFO and unknown formats to JSON.
func New(w io.Writer, level, format string) *slog.Logger {
	if w == nil {
		w = os.Stderr
	}

	opts := &slog.HandlerOptions{Level: ParseLevel(level)}

	var handler slog.Handler
	if strings.EqualFold(format, FormatText) {
		handler = slog.NewTextHandler(w, opts)
	} else {
		handler = slog.NewJSONHandler(w, opts)
	}
	return slog.New(handler)
}

// Nop returns a logger that discards everything.
func Nop() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}

// Component returns l tagged with a component name. A nil l yields Nop.
func Component(l *slog.Logger, name string) *slog.Logger {
	if l == nil {
		l = Nop()
	}
	return l.With(slog.String(KeyComponent, name))
}

// ParseLevel converts a level name to slog.Level, defaulting to INFO.
func ParseLevel(level string) slog.Level {
	switch strings.ToUpper(level) {
	case LevelDebug:
		return slog.LevelDebug
	case LevelWarn:
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
