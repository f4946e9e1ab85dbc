package logger

import (
	"context"
	"io"
	"log/slog"
	"strings"

	"auditrelay/internal/middleware"
)

type ctxKey int

const (
	jobKey ctxKey = iota
	sourceKey
)

// WithJob tags ctx so every record logged through it carries job_id and
// source_id.
func WithJob(ctx context.Context, jobID, sourceID string) context.Context {
	ctx = context.WithValue(ctx, jobKey, jobID)
	return context.WithValue(ctx, sourceKey, sourceID)
}

type ContextHandler struct {
	slog.Handler
}

func NewContextHandler(h slog.Handler) *ContextHandler {
	return &ContextHandler{Handler: h}
}

func (h *ContextHandler) Handle(ctx context.Context, r slog.Record) error {
	if id, ok := ctx.Value(middleware.CorrelationKey).(string); ok && id != "" {
		r.AddAttrs(slog.String("correlation_id", id))
	}
	if id, ok := ctx.Value(jobKey).(string); ok && id != "" {
		r.AddAttrs(slog.String("job_id", id))
	}
	if id, ok := ctx.Value(sourceKey).(string); ok && id != "" {
		r.AddAttrs(slog.String("source_id", id))
	}
	return h.Handler.Handle(ctx, r)
}

func (h *ContextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &ContextHandler{Handler: h.Handler.WithAttrs(attrs)}
}

func (h *ContextHandler) WithGroup(name string) slog.Handler {
	return &ContextHandler{Handler: h.Handler.WithGroup(name)}
}

// New returns a JSON logger writing to w that stamps context identifiers.
func New(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(NewContextHandler(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})))
}

// ParseLevel converts "debug", "info", "warn" or "error" to a slog.Level.
// Unknown strings default to info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
