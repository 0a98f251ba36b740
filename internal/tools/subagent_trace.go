package tools

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/nanobot-run/corectl/internal/providers"
	"github.com/nanobot-run/corectl/internal/store"
	"github.com/nanobot-run/corectl/internal/tracing"
)

// emitLLMSpan records one subagent LLM call, mirroring the parent agent
// loop's emitLLMSpan (internal/agent/loop_tracing.go) at a reduced preview
// size — subagent traces are nested under the parent's root span and don't
// need the full verbose path.
func (sm *SubagentManager) emitLLMSpan(ctx context.Context, start time.Time, iteration int, model string, messages []providers.Message, resp *providers.ChatResponse, callErr error) {
	traceID := tracing.TraceIDFromContext(ctx)
	collector := tracing.CollectorFromContext(ctx)
	if collector == nil || traceID == uuid.Nil {
		return
	}

	now := time.Now().UTC()
	span := store.SpanData{
		TraceID:    traceID,
		SpanType:   store.SpanTypeLLMCall,
		Name:       "subagent/" + model,
		StartTime:  start,
		EndTime:    &now,
		DurationMS: int(now.Sub(start).Milliseconds()),
		Model:      model,
		Provider:   sm.provider.Name(),
		Status:     store.SpanStatusCompleted,
		Level:      store.SpanLevelDefault,
		CreatedAt:  now,
	}
	if parentID := tracing.ParentSpanIDFromContext(ctx); parentID != uuid.Nil {
		span.ParentSpanID = &parentID
	}
	if callErr != nil {
		span.Status = store.SpanStatusError
		span.Error = callErr.Error()
	} else if resp != nil {
		if resp.Usage != nil {
			span.InputTokens = resp.Usage.PromptTokens
			span.OutputTokens = resp.Usage.CompletionTokens
		}
		span.FinishReason = resp.FinishReason
		span.OutputPreview = truncateStr(resp.Content, 500)
	}
	collector.EmitSpan(span)
}

// emitToolSpan records one tool call a subagent made.
func (sm *SubagentManager) emitToolSpan(ctx context.Context, start time.Time, toolName, toolCallID, input, output string, isError bool) {
	traceID := tracing.TraceIDFromContext(ctx)
	collector := tracing.CollectorFromContext(ctx)
	if collector == nil || traceID == uuid.Nil {
		return
	}

	now := time.Now().UTC()
	span := store.SpanData{
		TraceID:       traceID,
		SpanType:      store.SpanTypeToolCall,
		Name:          toolName,
		StartTime:     start,
		EndTime:       &now,
		DurationMS:    int(now.Sub(start).Milliseconds()),
		ToolName:      toolName,
		ToolCallID:    toolCallID,
		InputPreview:  truncateStr(input, 500),
		OutputPreview: truncateStr(output, 500),
		Status:        store.SpanStatusCompleted,
		Level:         store.SpanLevelDefault,
		CreatedAt:     now,
	}
	if parentID := tracing.ParentSpanIDFromContext(ctx); parentID != uuid.Nil {
		span.ParentSpanID = &parentID
	}
	if isError {
		span.Status = store.SpanStatusError
		span.Error = truncateStr(output, 200)
	}
	collector.EmitSpan(span)
}

// emitSubagentSpan records the root span for one subagent run, nested under
// the parent span carried in ctx (the parent agent's root span).
func (sm *SubagentManager) emitSubagentSpan(ctx context.Context, spanID uuid.UUID, start time.Time, task *SubagentTask, model, finalContent string) {
	traceID := tracing.TraceIDFromContext(ctx)
	collector := tracing.CollectorFromContext(ctx)
	if collector == nil || traceID == uuid.Nil {
		return
	}

	now := time.Now().UTC()
	span := store.SpanData{
		ID:         spanID,
		TraceID:    traceID,
		SpanType:   store.SpanTypeAgent,
		Name:       "subagent:" + task.Label,
		StartTime:  start,
		EndTime:    &now,
		DurationMS: int(now.Sub(start).Milliseconds()),
		Model:      model,
		Provider:   sm.provider.Name(),
		Status:     store.SpanStatusCompleted,
		Level:      store.SpanLevelDefault,
		OutputPreview: truncateStr(finalContent, 500),
		CreatedAt:  now,
	}
	if parentID := tracing.ParentSpanIDFromContext(ctx); parentID != uuid.Nil {
		span.ParentSpanID = &parentID
	}
	if task.Status == TaskStatusFailed {
		span.Status = store.SpanStatusError
		span.Error = truncateStr(task.Result, 200)
	}
	collector.EmitSpan(span)
}

// scheduleArchive removes a completed task from the in-memory task map after
// ttl, bounding how long `sessions_history`-style introspection can see it.
func (sm *SubagentManager) scheduleArchive(taskID string, ttl time.Duration) {
	time.Sleep(ttl)
	sm.mu.Lock()
	defer sm.mu.Unlock()
	delete(sm.tasks, taskID)
}
