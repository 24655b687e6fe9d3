// Package logger builds the process logger and supplies nil-safe slog
// attribute helpers for the attributes the pipeline logs everywhere.
package logger

import (
	"log/slog"
	"os"
	"time"

	"github.com/lmittmann/tint"
)

// Format selects the handler.
type Format string

const (
	// FormatText uses the tinted text handler; meant for development.
	FormatText Format = "text"
	// FormatJSON uses the JSON handler; meant for production.
	FormatJSON Format = "json"
)

// New creates the process logger.
func New(format Format, level slog.Level) *slog.Logger {
	switch format {
	case FormatJSON:
		return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	default:
		return slog.New(tint.NewHandler(os.Stderr, &tint.Options{
			Level:      level,
			TimeFormat: time.TimeOnly,
		}))
	}
}

// Error creates an attribute for an error; empty Attr for nil, so calls
// never need a nil check.
func Error(err error) slog.Attr {
	if err == nil {
		return slog.Attr{}
	}
	return slog.Any("error", err)
}

// Component tags a log line with its originating component.
func Component(name string) slog.Attr {
	return slog.String("component", name)
}

// Thread tags a log line with a thread id.
func Thread(id string) slog.Attr {
	return slog.String("thread", id)
}

// Elapsed logs the duration since start.
func Elapsed(start time.Time) slog.Attr {
	return slog.Duration("elapsed", time.Since(start))
}
