package store

import (
	"time"

	"github.com/google/uuid"
)

// SpanType distinguishes the three span shapes the Turn Engine and subagent
// runner emit.
type SpanType string

const (
	SpanTypeAgent    SpanType = "agent"
	SpanTypeLLMCall  SpanType = "llm_call"
	SpanTypeToolCall SpanType = "tool_call"
)

// SpanStatus is the terminal outcome of a span.
type SpanStatus string

const (
	SpanStatusCompleted SpanStatus = "completed"
	SpanStatusError     SpanStatus = "error"
)

// SpanLevelDefault is the only level the core emits; kept as a named
// constant (rather than a literal) so call sites read the same as the
// richer managed-mode level enum this was adapted from.
const SpanLevelDefault = "DEFAULT"

// SpanData is one recorded span: an LLM call, a tool call, or the root
// "agent" span that parents both. trace_id ties every span in one turn
// together (spec.md's opaque correlation token, §9 "Trace id"); the core
// only logs spans structurally, it does not persist a trace store.
type SpanData struct {
	ID           uuid.UUID  `json:"id"`
	TraceID      uuid.UUID  `json:"traceId"`
	ParentSpanID *uuid.UUID `json:"parentSpanId,omitempty"`
	AgentID      *uuid.UUID `json:"agentId,omitempty"`

	SpanType SpanType `json:"spanType"`
	Name     string   `json:"name"`

	StartTime  time.Time  `json:"startTime"`
	EndTime    *time.Time `json:"endTime,omitempty"`
	DurationMS int        `json:"durationMs"`

	Model    string `json:"model,omitempty"`
	Provider string `json:"provider,omitempty"`

	ToolName   string `json:"toolName,omitempty"`
	ToolCallID string `json:"toolCallId,omitempty"`

	InputPreview  string `json:"inputPreview,omitempty"`
	OutputPreview string `json:"outputPreview,omitempty"`
	FinishReason  string `json:"finishReason,omitempty"`

	InputTokens  int `json:"inputTokens,omitempty"`
	OutputTokens int `json:"outputTokens,omitempty"`

	Status   SpanStatus `json:"status"`
	Level    string     `json:"level"`
	Error    string      `json:"error,omitempty"`
	Metadata []byte      `json:"metadata,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
}
