package logstream

import (
	"context"
	"log/slog"
)

// agentAttrKeys are the attribute names carrying the agent a log record
// belongs to.
var agentAttrKeys = map[string]bool{
	"agent":      true,
	"agent_id":   true,
	"agent_name": true,
}

// SlogHandler wraps an slog.Handler and offers each record to the
// Broadcaster, so every log line emitted in the process is available on
// the log stream.
type SlogHandler struct {
	inner       slog.Handler
	broadcaster *Broadcaster
	attrs       []slog.Attr
	group       string
}

// NewSlogHandler returns a handler that writes to inner and also
// broadcasts to b.
func NewSlogHandler(inner slog.Handler, b *Broadcaster) *SlogHandler {
	return &SlogHandler{inner: inner, broadcaster: b}
}

// Enabled delegates to the inner handler.
func (h *SlogHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

// Handle writes the record to the inner handler and broadcasts it.
func (h *SlogHandler) Handle(ctx context.Context, r slog.Record) error {
	fields := make(map[string]any, r.NumAttrs()+len(h.attrs))
	agentName := ""
	collect := func(a slog.Attr) {
		if agentAttrKeys[a.Key] {
			if s, ok := a.Value.Any().(string); ok {
				agentName = s
			}
		}
		fields[a.Key] = a.Value.Any()
	}
	for _, a := range h.attrs {
		collect(a)
	}
	r.Attrs(func(a slog.Attr) bool {
		collect(a)
		return true
	})
	if h.group != "" {
		fields["group"] = h.group
	}

	h.broadcaster.Broadcast(NewEntry(r.Time, r.Level, agentName, r.Message, fields))

	return h.inner.Handle(ctx, r)
}

// WithAttrs returns a new handler carrying the given attributes.
func (h *SlogHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &SlogHandler{
		inner:       h.inner.WithAttrs(attrs),
		broadcaster: h.broadcaster,
		attrs:       append(h.attrs[:len(h.attrs):len(h.attrs)], attrs...),
		group:       h.group,
	}
}

// WithGroup returns a new handler with the given group.
func (h *SlogHandler) WithGroup(name string) slog.Handler {
	newGroup := name
	if h.group != "" {
		newGroup = h.group + "." + name
	}
	return &SlogHandler{
		inner:       h.inner.WithGroup(name),
		broadcaster: h.broadcaster,
		attrs:       h.attrs,
		group:       newGroup,
	}
}
