// Package telemetry provides logging and metrics for the chat relay.
package telemetry

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/oklog/ulid/v2"
)

type contextKey string

const correlationIDKey contextKey = "correlation_id"

// NewLogger creates a structured logger. format is "json" (default) or "text".
func NewLogger(w io.Writer, level slog.Level, format string) *slog.Logger {
	return slog.New(NewHandler(w, level, format))
}

// NewHandler returns the handler behind NewLogger so callers can wrap it.
func NewHandler(w io.Writer, level slog.Level, format string) slog.Handler {
	if w == nil {
		w = os.Stdout
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(format, "text") {
		return slog.NewTextHandler(w, opts)
	}
	return slog.NewJSONHandler(w, opts)
}

// ParseLevel maps debug, info, warn and error to a slog level. Unknown values
// yield info.
func ParseLevel(s string) slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return slog.LevelInfo
	}
	return level
}

// NewCorrelationID returns a fresh, time-sortable identifier.
func NewCorrelationID() string {
	return ulid.Make().String()
}

// WithCorrelationID adds a correlation ID to the context.
// If id is empty, a new ULID is generated.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	if id == "" {
		id = NewCorrelationID()
	}
	return context.WithValue(ctx, correlationIDKey, id)
}

// CorrelationID retrieves the correlation ID from context.
func CorrelationID(ctx context.Context) string {
	if id, ok := ctx.Value(correlationIDKey).(string); ok {
		return id
	}
	return ""
}

// RequestLogger returns a logger with request-scoped fields.
func RequestLogger(logger *slog.Logger, ctx context.Context, attrs ...any) *slog.Logger {
	if logger == nil {
		logger = slog.Default()
	}
	if id := CorrelationID(ctx); id != "" {
		attrs = append(attrs, slog.String("correlation_id", id))
	}
	if len(attrs) == 0 {
		return logger
	}
	return logger.With(attrs...)
}
