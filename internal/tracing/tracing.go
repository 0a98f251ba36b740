// Package tracing propagates the spec's opaque trace_id correlation token
// (spec.md §9: "Trace id: opaque correlation token attached to an inbound
// message and propagated through audit events") through context.Context,
// and structurally logs the span tree the Turn Engine and subagent runner
// build on top of it. There is no persisted trace store or query API here —
// that was the teacher's managed-mode tracing dashboard, which has no
// grounding in spec.md and was dropped (see DESIGN.md).
package tracing

import (
	"context"
	"log/slog"

	"github.com/google/uuid"

	"github.com/nanobot-run/corectl/internal/store"
)

type traceKey string

const (
	keyTraceID            traceKey = "trace_id"
	keyParentSpanID       traceKey = "parent_span_id"
	keyAnnounceParentSpan traceKey = "announce_parent_span_id"
	keyDelegateParentTrace traceKey = "delegate_parent_trace_id"
	keyCollector          traceKey = "collector"
)

func WithTraceID(ctx context.Context, id uuid.UUID) context.Context {
	return context.WithValue(ctx, keyTraceID, id)
}

func TraceIDFromContext(ctx context.Context) uuid.UUID {
	id, _ := ctx.Value(keyTraceID).(uuid.UUID)
	return id
}

func WithParentSpanID(ctx context.Context, id uuid.UUID) context.Context {
	return context.WithValue(ctx, keyParentSpanID, id)
}

func ParentSpanIDFromContext(ctx context.Context) uuid.UUID {
	id, _ := ctx.Value(keyParentSpanID).(uuid.UUID)
	return id
}

// WithAnnounceParentSpanID marks ctx as belonging to a subagent-announce run
// nested under the given parent agent root span, so the announce's own
// agent span renders as a child rather than a sibling trace root.
func WithAnnounceParentSpanID(ctx context.Context, id uuid.UUID) context.Context {
	return context.WithValue(ctx, keyAnnounceParentSpan, id)
}

func AnnounceParentSpanIDFromContext(ctx context.Context) uuid.UUID {
	id, _ := ctx.Value(keyAnnounceParentSpan).(uuid.UUID)
	return id
}

// WithDelegateParentTraceID marks ctx as belonging to a cross-agent
// delegation, carrying the originating agent's trace id along.
func WithDelegateParentTraceID(ctx context.Context, id uuid.UUID) context.Context {
	return context.WithValue(ctx, keyDelegateParentTrace, id)
}

func DelegateParentTraceIDFromContext(ctx context.Context) uuid.UUID {
	id, _ := ctx.Value(keyDelegateParentTrace).(uuid.UUID)
	return id
}

// Collector receives every span emitted during a turn. The core's
// implementation just logs structurally via slog; Verbose controls how much
// of each span's input/output preview callers should retain before passing
// it to EmitSpan.
type Collector struct {
	verbose bool
}

// NewCollector builds a span collector. verbose corresponds to the teacher's
// GOCLAW_TRACE_VERBOSE env var: callers include full message/output previews
// instead of short ones.
func NewCollector(verbose bool) *Collector {
	return &Collector{verbose: verbose}
}

func (c *Collector) Verbose() bool { return c.verbose }

// EmitSpan structurally logs one completed span at debug level.
func (c *Collector) EmitSpan(span store.SpanData) {
	attrs := []any{
		"trace_id", span.TraceID,
		"span_type", span.SpanType,
		"name", span.Name,
		"duration_ms", span.DurationMS,
		"status", span.Status,
	}
	if span.ToolName != "" {
		attrs = append(attrs, "tool", span.ToolName)
	}
	if span.Model != "" {
		attrs = append(attrs, "model", span.Model, "provider", span.Provider)
	}
	if span.Status == store.SpanStatusError {
		attrs = append(attrs, "error", span.Error)
		slog.Warn("span", attrs...)
		return
	}
	slog.Debug("span", attrs...)
}

func WithCollector(ctx context.Context, c *Collector) context.Context {
	return context.WithValue(ctx, keyCollector, c)
}

func CollectorFromContext(ctx context.Context) *Collector {
	c, _ := ctx.Value(keyCollector).(*Collector)
	return c
}
