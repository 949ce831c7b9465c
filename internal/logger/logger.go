// Package logger is the structured logging front end shared by the engine,
// the HTTP server and the CLI.
package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

// Logger is the subset of slog.Logger components depend on. Tests pass Nop().
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
	With(args ...any) Logger
	WithGroup(name string) Logger
}

type slogLogger struct {
	l *slog.Logger
}

// New wraps handler in a Logger.
func New(handler slog.Handler) Logger {
	return slogLogger{l: slog.New(handler)}
}

func (s slogLogger) Debug(msg string, args ...any) { s.l.Debug(msg, args...) }
func (s slogLogger) Info(msg string, args ...any)  { s.l.Info(msg, args...) }
func (s slogLogger) Warn(msg string, args ...any)  { s.l.Warn(msg, args...) }
func (s slogLogger) Error(msg string, args ...any) { s.l.Error(msg, args...) }

func (s slogLogger) With(args ...any) Logger {
	return slogLogger{l: s.l.With(args...)}
}

func (s slogLogger) WithGroup(name string) Logger {
	return slogLogger{l: s.l.WithGroup(name)}
}

// Config selects a handler for Build.
type Config struct {
	// Format is pretty, json or text. Empty means pretty.
	Format string
	Level  slog.Level
	Writer io.Writer
	// Color enables the pretty handler. Without it pretty falls back to
	// the text handler.
	Color bool
}

// Build constructs the Logger described by cfg. Writer defaults to stderr.
func Build(cfg Config) (Logger, error) {
	w := cfg.Writer
	if w == nil {
		w = os.Stderr
	}
	switch cfg.Format {
	case "", "pretty":
		if !cfg.Color {
			return Text(w, cfg.Level), nil
		}
		return Pretty(w, cfg.Level), nil
	case "json":
		return JSON(w, cfg.Level), nil
	case "text":
		return Text(w, cfg.Level), nil
	default:
		return nil, fmt.Errorf("unknown log format %q (want pretty, json or text)", cfg.Format)
	}
}

// Default writes info and above to stderr in logfmt.
func Default() Logger {
	return Text(os.Stderr, slog.LevelInfo)
}

func JSON(w io.Writer, level slog.Level) Logger {
	return New(slog.NewJSONHandler(w, &slog.HandlerOptions{AddSource: true, Level: level}))
}

func Text(w io.Writer, level slog.Level) Logger {
	return New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

// Pretty is the colored single-line format for interactive terminals.
func Pretty(w io.Writer, level slog.Level) Logger {
	return New(NewPrettyHandler(w, &slog.HandlerOptions{Level: level}))
}

// Nop discards everything.
func Nop() Logger {
	return New(slog.DiscardHandler)
}

type loggerKey struct{}

// WithContext stores l in ctx.
func WithContext(ctx context.Context, l Logger) context.Context {
	return context.WithValue(ctx, loggerKey{}, l)
}

// FromContext returns the Logger stored by WithContext, or Default().
func FromContext(ctx context.Context) Logger {
	if l, ok := ctx.Value(loggerKey{}).(Logger); ok {
		return l
	}
	return Default()
}

// ParseLevel accepts debug, info, warn (or warning) and error in any case.
// The empty string is info.
func ParseLevel(s string) (slog.Level, error) {
	var level slog.Level
	switch strings.ToLower(s) {
	case "":
		return slog.LevelInfo, nil
	case "warning":
		return slog.LevelWarn, nil
	}
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", s)
	}
	return level, nil
}
