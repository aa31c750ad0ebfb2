package events

import (
	"context"
	"log/slog"
)

// SlogHandler writes records to an inner handler and mirrors them onto the
// bus as LogEntry events at or above minLevel.
type SlogHandler struct {
	inner    slog.Handler
	bus      *Bus
	minLevel slog.Level
	attrs    []slog.Attr
	group    string
}

// NewSlogHandler wraps inner. Records below minLevel still reach inner but
// are not published.
func NewSlogHandler(inner slog.Handler, bus *Bus, minLevel slog.Level) *SlogHandler {
	return &SlogHandler{inner: inner, bus: bus, minLevel: minLevel}
}

func (h *SlogHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *SlogHandler) Handle(ctx context.Context, r slog.Record) error {
	if r.Level >= h.minLevel {
		entry := map[string]any{
			"level": r.Level.String(),
			"msg":   r.Message,
		}
		if h.group != "" {
			entry["group"] = h.group
		}
		for _, a := range h.attrs {
			entry[a.Key] = a.Value.Any()
		}
		r.Attrs(func(a slog.Attr) bool {
			entry[a.Key] = a.Value.Any()
			return true
		})
		h.bus.Publish(Event{Type: LogEntry, Timestamp: r.Time, Data: entry})
	}
	return h.inner.Handle(ctx, r)
}

func (h *SlogHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	merged := make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	merged = append(merged, h.attrs...)
	merged = append(merged, attrs...)
	return &SlogHandler{
		inner:    h.inner.WithAttrs(attrs),
		bus:      h.bus,
		minLevel: h.minLevel,
		attrs:    merged,
		group:    h.group,
	}
}

func (h *SlogHandler) WithGroup(name string) slog.Handler {
	group := name
	if h.group != "" {
		group = h.group + "." + name
	}
	return &SlogHandler{
		inner:    h.inner.WithGroup(name),
		bus:      h.bus,
		minLevel: h.minLevel,
		attrs:    h.attrs,
		group:    group,
	}
}
