package tracelog

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"go.opentelemetry.io/otel/trace"
)

// CategoryKey is the slog attribute that selects a ring category.
const CategoryKey = "category"

// Handler tees slog records into a Buffer before passing them to the next handler.
type Handler struct {
	next     slog.Handler
	buffer   *Buffer
	category string
	attrs    []slog.Attr
	group    string
}

// NewHandler wraps next. A nil next only feeds the buffer.
func NewHandler(next slog.Handler, buffer *Buffer) *Handler {
	return &Handler{next: next, buffer: buffer, category: CategoryRunner}
}

// Enabled reports whether either sink wants the level.
func (h *Handler) Enabled(ctx context.Context, level slog.Level) bool {
	if h.buffer != nil {
		return true
	}
	return h.next != nil && h.next.Enabled(ctx, level)
}

// Handle records r in the buffer and forwards it.
func (h *Handler) Handle(ctx context.Context, r slog.Record) error {
	if h.buffer != nil {
		category := h.category
		var b strings.Builder
		b.WriteString(r.Message)
		write := func(a slog.Attr) {
			if a.Key == CategoryKey {
				category = a.Value.String()
				return
			}
			key := a.Key
			if h.group != "" {
				key = h.group + "." + key
			}
			fmt.Fprintf(&b, " %s=%v", key, a.Value.Any())
		}
		for _, a := range h.attrs {
			write(a)
		}
		r.Attrs(func(a slog.Attr) bool {
			write(a)
			return true
		})
		if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
			fmt.Fprintf(&b, " trace_id=%s", sc.TraceID().String())
		}
		h.buffer.Append(r.Level, category, b.String())
	}

	if h.next != nil && h.next.Enabled(ctx, r.Level) {
		return h.next.Handle(ctx, r)
	}
	return nil
}

// WithAttrs implements slog.Handler.
func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	clone := *h
	clone.attrs = append(append([]slog.Attr{}, h.attrs...), attrs...)
	for _, a := range attrs {
		if a.Key == CategoryKey {
			clone.category = a.Value.String()
		}
	}
	if h.next != nil {
		clone.next = h.next.WithAttrs(attrs)
	}
	return &clone
}

// WithGroup implements slog.Handler.
func (h *Handler) WithGroup(name string) slog.Handler {
	clone := *h
	if clone.group == "" {
		clone.group = name
	} else {
		clone.group += "." + name
	}
	if h.next != nil {
		clone.next = h.next.WithGroup(name)
	}
	return &clone
}
