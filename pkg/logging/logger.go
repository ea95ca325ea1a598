// Package logging provides structured logging configuration and utilities.
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	charmlog "github.com/charmbracelet/log"
	"go.opentelemetry.io/otel/trace"

	"github.com/polisai/plugin-runner/pkg/tracelog"
)

// Config holds logging configuration.
type Config struct {
	Level string
	// Format is "json" or "text". Ignored when Pretty is set.
	Format string
	Pretty bool

	// Output defaults to stderr.
	Output io.Writer
	// Buffer, when set, receives every record regardless of Level so the
	// runner log ring applies its own filtering.
	Buffer *tracelog.Buffer
}

// Logger bundles the configured slog logger with its adjustable level.
type Logger struct {
	*slog.Logger
	level *slog.LevelVar
}

// SetLevel changes the output level without rebuilding the handler chain.
func (l *Logger) SetLevel(level string) error {
	parsed, err := ParseLevel(level)
	if err != nil {
		return err
	}
	l.level.Set(parsed)
	return nil
}

// Level reports the current output level.
func (l *Logger) Level() slog.Level {
	return l.level.Level()
}

// NewLogger builds the handler chain: console or JSON output, trace ids from
// the active span, and the optional ring tee.
func NewLogger(cfg Config) (*Logger, error) {
	level := new(slog.LevelVar)
	if strings.TrimSpace(cfg.Level) != "" {
		parsed, err := ParseLevel(cfg.Level)
		if err != nil {
			return nil, err
		}
		level.Set(parsed)
	}

	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}

	var handler slog.Handler
	switch {
	case cfg.Pretty:
		console := charmlog.NewWithOptions(out, charmlog.Options{
			ReportTimestamp: true,
			TimeFormat:      time.Kitchen,
			Level:           charmlog.DebugLevel,
			Prefix:          "plugin-runner",
		})
		handler = &levelFilter{next: console, level: level}
	case strings.EqualFold(cfg.Format, "text"):
		handler = slog.NewTextHandler(out, &slog.HandlerOptions{Level: level})
	case cfg.Format == "" || strings.EqualFold(cfg.Format, "json"):
		handler = slog.NewJSONHandler(out, &slog.HandlerOptions{Level: level})
	default:
		return nil, fmt.Errorf("unknown log format %q (expected json or text)", cfg.Format)
	}

	handler = &spanHandler{next: handler}
	if cfg.Buffer != nil {
		handler = tracelog.NewHandler(handler, cfg.Buffer)
	}
	return &Logger{Logger: slog.New(handler), level: level}, nil
}

// ParseLevel accepts debug, info, warn and error in any case.
func ParseLevel(level string) (slog.Level, error) {
	var parsed slog.Level
	if err := parsed.UnmarshalText([]byte(strings.TrimSpace(level))); err != nil {
		return slog.LevelInfo, fmt.Errorf("unknown log level %q (expected debug, info, warn or error)", level)
	}
	return parsed, nil
}

type levelFilter struct {
	next  slog.Handler
	level slog.Leveler
}

func (h *levelFilter) Enabled(ctx context.Context, level slog.Level) bool {
	return level >= h.level.Level() && h.next.Enabled(ctx, level)
}

func (h *levelFilter) Handle(ctx context.Context, r slog.Record) error {
	return h.next.Handle(ctx, r)
}

func (h *levelFilter) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &levelFilter{next: h.next.WithAttrs(attrs), level: h.level}
}

func (h *levelFilter) WithGroup(name string) slog.Handler {
	return &levelFilter{next: h.next.WithGroup(name), level: h.level}
}

// spanHandler stamps trace_id and span_id from the context's span.
type spanHandler struct {
	next slog.Handler
}

func (h *spanHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h *spanHandler) Handle(ctx context.Context, r slog.Record) error {
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		r.AddAttrs(
			slog.String("trace_id", sc.TraceID().String()),
			slog.String("span_id", sc.SpanID().String()),
		)
	}
	return h.next.Handle(ctx, r)
}

func (h *spanHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &spanHandler{next: h.next.WithAttrs(attrs)}
}

func (h *spanHandler) WithGroup(name string) slog.Handler {
	return &spanHandler{next: h.next.WithGroup(name)}
}
