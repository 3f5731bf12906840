package broadcast

import (
	"context"
	"log/slog"
)

// LogHandler is a slog.Handler that tees records into the hub's console
// stream while delegating to an inner handler for normal output.
type LogHandler struct {
	inner slog.Handler
	hub   *Hub
}

// NewLogHandler wraps inner so every record at or above its level is also
// pushed to console observers.
func NewLogHandler(inner slog.Handler, hub *Hub) *LogHandler {
	return &LogHandler{inner: inner, hub: hub}
}

func (h *LogHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *LogHandler) Handle(ctx context.Context, rec slog.Record) error {
	msg := rec.Message
	rec.Attrs(func(a slog.Attr) bool {
		msg += " " + a.String()
		return true
	})
	h.hub.Log(rec.Level.String(), msg)
	return h.inner.Handle(ctx, rec)
}

func (h *LogHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &LogHandler{inner: h.inner.WithAttrs(attrs), hub: h.hub}
}

func (h *LogHandler) WithGroup(name string) slog.Handler {
	return &LogHandler{inner: h.inner.WithGroup(name), hub: h.hub}
}
