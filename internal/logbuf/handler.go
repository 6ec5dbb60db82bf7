// internal/logbuf/handler.go
package logbuf

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
)

// Handler is a slog.Handler that tees records into a Buffer.
// An optional next handler receives the record unchanged, so the bridge
// can keep stderr output while the ring feeds the UI and the relay.
type Handler struct {
	buf   *Buffer
	next  slog.Handler
	attrs []slog.Attr
}

// NewHandler wraps next (may be nil) with ring capture.
func NewHandler(buf *Buffer, next slog.Handler) *Handler {
	return &Handler{buf: buf, next: next}
}

func (h *Handler) Enabled(ctx context.Context, level slog.Level) bool {
	if h.next != nil {
		return h.next.Enabled(ctx, level)
	}
	return level >= slog.LevelInfo
}

func (h *Handler) Handle(ctx context.Context, r slog.Record) error {
	var sb strings.Builder
	sb.WriteString(r.Message)

	for _, a := range h.attrs {
		fmt.Fprintf(&sb, " %s=%v", a.Key, a.Value)
	}
	r.Attrs(func(a slog.Attr) bool {
		fmt.Fprintf(&sb, " %s=%v", a.Key, a.Value)
		return true
	})

	h.buf.Append(Entry{
		Time:    r.Time,
		Level:   levelLabel(r.Level),
		Message: sb.String(),
	})

	if h.next != nil {
		return h.next.Handle(ctx, r)
	}
	return nil
}

func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	var next slog.Handler
	if h.next != nil {
		next = h.next.WithAttrs(attrs)
	}
	merged := make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	merged = append(merged, h.attrs...)
	merged = append(merged, attrs...)
	return &Handler{buf: h.buf, next: next, attrs: merged}
}

func (h *Handler) WithGroup(name string) slog.Handler {
	var next slog.Handler
	if h.next != nil {
		next = h.next.WithGroup(name)
	}
	// Groups are flattened: the ring only carries a message string.
	return &Handler{buf: h.buf, next: next, attrs: h.attrs}
}

func levelLabel(l slog.Level) string {
	switch {
	case l >= slog.LevelError:
		return "error"
	case l >= slog.LevelWarn:
		return "warn"
	default:
		return "info"
	}
}
