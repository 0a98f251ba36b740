package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	ctxguard "github.com/nanobot-run/corectl/internal/context"
	"github.com/nanobot-run/corectl/internal/loopguard"
	"github.com/nanobot-run/corectl/internal/providers"
	"github.com/nanobot-run/corectl/internal/tools"
	"github.com/nanobot-run/corectl/internal/toolpolicy"
	"github.com/nanobot-run/corectl/pkg/protocol"
)

// ctxGuardFor builds a context-window Guard for the given model,
// falling back to the agent's configured context window when the
// model isn't in the guard's known-limits table.
func ctxGuardFor(model string, contextWindow int) *ctxguard.Guard {
	return ctxguard.New(model, contextWindow)
}

// TurnFlags are the four per-turn switches the Turn Engine takes,
// matching the original reference's turn_engine.py run() signature:
// a user turn enables all four, a system turn disables all four.
type TurnFlags struct {
	ParseCallsFromText bool
	IncludeSeverity    bool
	ParallelToolExec   bool
	CompactAfterTools  bool
}

const (
	maxTotalToolCalls   = 30
	maxPerToolCallCount = 10
	maxTurnSeconds      = 180 * time.Second
	forcedSummaryTimeout = 12 * time.Second
	keepRecentOnCompact  = 10
	loopBreakMinIteration = 3
	loopBreakMinRepeat    = 3
)

var placeholderContent = "[正在处理中...]"

// TurnResult is what one Turn Engine run produces.
type TurnResult struct {
	Content    string
	UsedTools  []string
	Report     ExecutionReport
	Iterations int
	Usage      providers.Usage
	Media      []MediaResult
}

// ExecutionReport summarizes one turn's tool-call outcomes, consumed by
// the Turn Services' execution-truth enforcement.
type ExecutionReport struct {
	Total   int
	Success int
	Failed  int
}

// turnRegistry caches the ordered unique used_tools list per trace_id
// with LRU eviction, so a Turn Service can read it back after Run()
// returns (mirrors the Python reference's pop_used_tools(trace_id)).
type turnRegistry struct {
	mu    sync.Mutex
	order []string
	data  map[string]TurnResult
}

var usedToolsRegistry = &turnRegistry{data: make(map[string]TurnResult)}

const usedToolsRegistryCap = 200

func (r *turnRegistry) put(traceID string, tr TurnResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.data[traceID]; !exists {
		r.order = append(r.order, traceID)
	}
	r.data[traceID] = tr
	for len(r.order) > usedToolsRegistryCap {
		oldest := r.order[0]
		r.order = r.order[1:]
		delete(r.data, oldest)
	}
}

// PopTurnResult removes and returns the cached TurnResult for a trace,
// if present.
func PopTurnResult(traceID string) (TurnResult, bool) {
	usedToolsRegistry.mu.Lock()
	defer usedToolsRegistry.mu.Unlock()
	tr, ok := usedToolsRegistry.data[traceID]
	if ok {
		delete(usedToolsRegistry.data, traceID)
		for i, id := range usedToolsRegistry.order {
			if id == traceID {
				usedToolsRegistry.order = append(usedToolsRegistry.order[:i], usedToolsRegistry.order[i+1:]...)
				break
			}
		}
	}
	return tr, ok
}

// runTurnEngine drives one conversational turn to completion per the
// original reference's agent/turn_engine.py: bounded tool-call loop,
// loop detection, budget enforcement, compaction, forced-summary
// finalization.
func (l *Loop) runTurnEngine(ctx context.Context, req RunRequest, messages []providers.Message, flags TurnFlags) (*TurnResult, []providers.Message, error) {
	deadline := time.Now().Add(maxTurnSeconds)

	var (
		iteration      int
		totalToolCalls int
		toolCallCounts = map[string]int{}
		failedTools    = map[string]bool{}
		usedTools      []string
		usedToolsSeen  = map[string]bool{}
		seenIDs        = map[string]struct{}{}
		seenHashes     = map[string]struct{}{}
		repeatWindow   loopguard.RepeatWindow
		retriesLeft    = 2
		finalContent   string
		totalUsage     providers.Usage
		mediaResults   []MediaResult
	)

	markUsed := func(name string) {
		if !usedToolsSeen[name] {
			usedToolsSeen[name] = true
			usedTools = append(usedTools, name)
		}
	}

	policy := toolpolicy.New()

	for iteration < l.maxIterations && time.Now().Before(deadline) {
		iteration++

		remaining := time.Until(deadline)
		if remaining <= 0 {
			break
		}

		var baseDefs []providers.ToolDefinition
		if l.toolPolicy != nil {
			baseDefs = l.toolPolicy.FilterTools(l.tools, l.id, l.provider.Name(), l.agentToolPolicy, nil, false, false)
		} else {
			baseDefs = l.tools.ProviderDefs()
		}
		toolDefs := policy.FilterTools(messages, baseDefs, failedTools)

		callCtx, cancel := context.WithTimeout(ctx, remaining)
		llmSpanStart := time.Now().UTC()
		resp, err := l.provider.Chat(callCtx, providers.ChatRequest{
			Messages: messages,
			Tools:    toolDefs,
			Model:    l.model,
			Options: map[string]interface{}{
				providers.OptMaxTokens:   8192,
				providers.OptTemperature: 0.7,
			},
		})
		cancel()
		l.emitLLMSpan(ctx, llmSpanStart, iteration, messages, resp, err)

		if resp != nil && resp.Usage != nil {
			totalUsage.PromptTokens += resp.Usage.PromptTokens
			totalUsage.CompletionTokens += resp.Usage.CompletionTokens
			totalUsage.TotalTokens += resp.Usage.TotalTokens
			totalUsage.ThinkingTokens += resp.Usage.ThinkingTokens
		}

		if err != nil || (resp != nil && resp.FinishReason == "error") {
			reason := "模型调用异常"
			if err != nil && strings.Contains(err.Error(), "deadline") {
				reason = "模型响应超时"
			}
			slog.Warn("turn engine: provider call failed, forcing summary", "reason", reason, "error", err)
			finalContent = l.forcedSummary(ctx, messages, reason)
			break
		}

		toolCalls := resp.ToolCalls
		if len(toolCalls) == 0 && flags.ParseCallsFromText {
			toolCalls = parseToolCallsFromText(resp.Content, l.tools)
		}

		if len(toolCalls) == 0 {
			finalContent = resp.Content
			break
		}

		// Budget check.
		projectedTotal := totalToolCalls + len(toolCalls)
		overPerTool := false
		for _, tc := range toolCalls {
			if toolCallCounts[tc.Name]+1 > maxPerToolCallCount {
				overPerTool = true
				break
			}
		}
		if projectedTotal > maxTotalToolCalls || overPerTool {
			slog.Warn("turn engine: tool-call budget exhausted, forcing summary", "total", projectedTotal)
			finalContent = l.forcedSummary(ctx, messages, "工具调用预算已用尽")
			break
		}

		// Loop-repetition check.
		ids, hashes := loopguard.CollectCallIDsAndHashes(toolCalls)
		sortedHashes := append([]string(nil), hashes...)
		sort.Strings(sortedHashes)
		signature := strings.Join(sortedHashes, "|")
		repeatCount := repeatWindow.Update(signature)

		isStrictLoop := iteration > loopBreakMinIteration && repeatCount >= loopBreakMinRepeat &&
			(allSeen(ids, seenIDs) || allSeen(hashes, seenHashes))

		if isStrictLoop {
			if retriesLeft > 0 {
				retriesLeft--
				messages = append(messages, providers.Message{
					Role:    "system",
					Content: "你似乎在重复相同的工具调用而没有取得进展，请改变策略或直接给出当前可得出的结论。",
				})
				seenIDs = map[string]struct{}{}
				seenHashes = map[string]struct{}{}
				continue
			}
			finalContent = "我反复尝试相同的操作但没有取得进展，已经停止。请换一种方式描述你的需求，或者告诉我具体想让我做什么。"
			break
		}

		for _, id := range ids {
			seenIDs[id] = struct{}{}
		}
		for _, h := range hashes {
			seenHashes[h] = struct{}{}
		}

		assistantMsg := providers.Message{Role: "assistant", Content: resp.Content, ToolCalls: toolCalls, RawAssistantContent: resp.RawAssistantContent}
		messages = append(messages, assistantMsg)
		for _, tc := range toolCalls {
			markUsed(tc.Name)
		}

		results := l.executeToolCalls(ctx, req, toolCalls, flags.ParallelToolExec)
		for _, r := range results {
			totalToolCalls++
			toolCallCounts[r.tc.Name]++
			if r.result.IsError {
				failedTools[r.tc.Name] = true
			} else {
				delete(failedTools, r.tc.Name)
			}

			if mr := parseMediaResult(r.result.ForLLM); mr != nil {
				mediaResults = append(mediaResults, *mr)
			}

			content := formatToolOutput(r.result, flags.IncludeSeverity)
			messages = append(messages, providers.Message{Role: "tool", Content: content, ToolCallID: r.tc.ID})
		}

		if flags.CompactAfterTools {
			messages = l.compactIfNeeded(ctx, messages)
		}

		l.emit(AgentEvent{Type: protocol.AgentEventRunProgress, AgentID: l.id, RunID: req.RunID, Payload: map[string]string{
			"iteration": strconv.Itoa(iteration),
		}})
	}

	finalContent = SanitizeAssistantContent(finalContent)
	if strings.TrimSpace(finalContent) == "" || finalContent == placeholderContent {
		finalContent = l.forcedSummary(ctx, messages, "模型未返回有效文本")
		finalContent = SanitizeAssistantContent(finalContent)
	}

	report := ExecutionReport{Total: totalToolCalls, Success: totalToolCalls - len(failedTools), Failed: len(failedTools)}
	if report.Success < 0 {
		report.Success = 0
	}

	tr := &TurnResult{
		Content:    finalContent,
		UsedTools:  usedTools,
		Report:     report,
		Iterations: iteration,
		Usage:      totalUsage,
		Media:      mediaResults,
	}
	if req.RunID != "" {
		usedToolsRegistry.put(req.RunID, *tr)
	}
	return tr, messages, nil
}

func allSeen(items []string, seen map[string]struct{}) bool {
	if len(items) == 0 {
		return false
	}
	for _, it := range items {
		if _, ok := seen[it]; !ok {
			return false
		}
	}
	return true
}

type toolCallResult struct {
	tc     providers.ToolCall
	result *tools.Result
}

// executeToolCalls runs a batch of tool calls either sequentially or,
// when parallelExec is set, concurrently, returning results in
// original call order.
func (l *Loop) executeToolCalls(ctx context.Context, req RunRequest, calls []providers.ToolCall, parallelExec bool) []toolCallResult {
	for _, tc := range calls {
		l.emit(AgentEvent{
			Type:    protocol.AgentEventToolCall,
			AgentID: l.id,
			RunID:   req.RunID,
			Payload: map[string]interface{}{"name": tc.Name, "id": tc.ID},
		})
	}

	out := make([]toolCallResult, len(calls))
	run := func(idx int, tc providers.ToolCall) {
		argsJSON, _ := json.Marshal(tc.Arguments)
		spanStart := time.Now().UTC()
		result := l.tools.ExecuteWithContext(ctx, tc.Name, tc.Arguments, req.Channel, req.ChatID, req.PeerKind, req.SessionKey, nil)
		l.emitToolSpan(ctx, spanStart, tc.Name, tc.ID, string(argsJSON), result)
		l.emit(AgentEvent{
			Type:    protocol.AgentEventToolResult,
			AgentID: l.id,
			RunID:   req.RunID,
			Payload: map[string]interface{}{"name": tc.Name, "id": tc.ID, "is_error": result.IsError},
		})
		out[idx] = toolCallResult{tc: tc, result: result}
	}

	if !parallelExec || len(calls) == 1 {
		for i, tc := range calls {
			run(i, tc)
		}
		return out
	}

	var wg sync.WaitGroup
	for i, tc := range calls {
		wg.Add(1)
		go func(idx int, tc providers.ToolCall) {
			defer wg.Done()
			run(idx, tc)
		}(i, tc)
	}
	wg.Wait()
	return out
}

// formatToolOutput renders a tool result for the provider message,
// optionally prefixing a severity marker for errors.
func formatToolOutput(r *tools.Result, includeSeverity bool) string {
	out := r.ForLLM
	if includeSeverity && r.IsError {
		out = "[severity:error] " + out
	}
	return out
}

// forcedSummary asks the model, with no tools available and a tight
// timeout, to produce a concise summary of completed work, current
// conclusions, and unresolved items. Falls back to a deterministic
// local summary if that call also fails.
func (l *Loop) forcedSummary(ctx context.Context, messages []providers.Message, reason string) string {
	instruction := providers.Message{
		Role: "system",
		Content: fmt.Sprintf(
			"（%s）请停止调用任何工具，直接用简洁的文字总结：1) 已完成的工作；2) 当前结论；3) 尚未解决的事项。",
			reason,
		),
	}
	summaryMessages := append(append([]providers.Message(nil), messages...), instruction)

	sctx, cancel := context.WithTimeout(ctx, forcedSummaryTimeout)
	defer cancel()

	resp, err := l.provider.Chat(sctx, providers.ChatRequest{
		Messages: summaryMessages,
		Model:    l.model,
		Options:  map[string]interface{}{providers.OptMaxTokens: 1024, providers.OptTemperature: 0.3},
	})
	if err == nil && resp != nil && strings.TrimSpace(resp.Content) != "" {
		return resp.Content
	}

	return deterministicSummary(messages, reason)
}

// deterministicSummary synthesizes a final reply locally from the
// accumulated tool messages, used only when the provider is
// unreachable even for the forced-summary call.
func deterministicSummary(messages []providers.Message, reason string) string {
	var sb strings.Builder
	sb.WriteString("抱歉，")
	sb.WriteString(reason)
	sb.WriteString("，本次未能获得模型的最终总结。已执行的工具调用结果如下：\n")
	count := 0
	for _, m := range messages {
		if m.Role == "tool" && count < 5 {
			sb.WriteString("- ")
			sb.WriteString(truncateStr(m.Content, 200))
			sb.WriteString("\n")
			count++
		}
	}
	if count == 0 {
		sb.WriteString("（没有可用的工具结果）")
	}
	return sb.String()
}

// compactIfNeeded evaluates the context guard and, when recommended,
// summarizes the middle window via the LLM, keeping all system
// messages (deduped) and the last keepRecentOnCompact messages
// verbatim.
func (l *Loop) compactIfNeeded(ctx context.Context, messages []providers.Message) []providers.Message {
	guard := ctxGuardFor(l.model, l.contextWindow)
	eval := guard.Evaluate(messages)
	if !eval.ShouldCompact {
		return messages
	}

	var system []providers.Message
	seenSummaryMarker := false
	for _, m := range messages {
		if m.Role != "system" {
			continue
		}
		if strings.Contains(m.Content, "Previous conversation summary:") {
			if seenSummaryMarker {
				continue
			}
			seenSummaryMarker = true
		}
		system = append(system, m)
	}

	var chat []providers.Message
	for _, m := range messages {
		if m.Role != "system" {
			chat = append(chat, m)
		}
	}
	if len(chat) <= keepRecentOnCompact {
		return messages
	}

	middle := chat[:len(chat)-keepRecentOnCompact]
	recent := chat[len(chat)-keepRecentOnCompact:]

	summary := l.summarizeMiddleWindow(ctx, middle)

	out := make([]providers.Message, 0, len(system)+1+len(recent))
	out = append(out, system...)
	out = append(out, providers.Message{Role: "system", Content: "Previous conversation summary: " + summary})
	out = append(out, recent...)
	return out
}

func (l *Loop) summarizeMiddleWindow(ctx context.Context, middle []providers.Message) string {
	var sb strings.Builder
	for _, m := range middle {
		switch m.Role {
		case "user":
			sb.WriteString("user: " + m.Content + "\n")
		case "assistant":
			sb.WriteString("assistant: " + SanitizeAssistantContent(m.Content) + "\n")
		case "tool":
			sb.WriteString("tool: " + truncateStr(m.Content, 300) + "\n")
		}
	}

	sctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	resp, err := l.provider.Chat(sctx, providers.ChatRequest{
		Messages: []providers.Message{{Role: "user", Content: "请对以下对话片段给出简明摘要，保留关键信息：\n\n" + sb.String()}},
		Model:    l.model,
		Options:  map[string]interface{}{"max_tokens": 1024, "temperature": 0.3},
	})
	if err != nil || resp == nil {
		return "（摘要生成失败，原始内容已截断）"
	}
	return SanitizeAssistantContent(resp.Content)
}

// fencedJSONRe finds fenced code blocks that might carry a textual
// tool call the model emitted instead of a structured call.
var fencedJSONRe = regexp.MustCompile("(?s)```(?:json)?\\s*(\\{.*?\\}|\\[.*?\\])\\s*```")
var bareJSONRe = regexp.MustCompile(`(?s)(\{[^{}]*"name"\s*:\s*"[^"]+"\s*,[^{}]*\})`)

// parseToolCallsFromText scans fenced code blocks and bare JSON objects
// for {"name": "...", "arguments": {...}} shapes matching a registered
// tool, per spec §4.8 step 2.
func parseToolCallsFromText(content string, registry *tools.Registry) []providers.ToolCall {
	var calls []providers.ToolCall
	seen := map[string]bool{}

	tryCandidate := func(raw string) {
		raw = strings.TrimSpace(raw)
		if raw == "" || seen[raw] {
			return
		}
		seen[raw] = true

		var obj map[string]interface{}
		if err := json.Unmarshal([]byte(raw), &obj); err == nil {
			if tc, ok := toolCallFromObject(obj, registry); ok {
				calls = append(calls, tc)
			}
			return
		}
		var arr []map[string]interface{}
		if err := json.Unmarshal([]byte(raw), &arr); err == nil {
			for _, o := range arr {
				if tc, ok := toolCallFromObject(o, registry); ok {
					calls = append(calls, tc)
				}
			}
		}
	}

	for _, m := range fencedJSONRe.FindAllStringSubmatch(content, -1) {
		tryCandidate(m[1])
	}
	for _, m := range bareJSONRe.FindAllString(content, -1) {
		tryCandidate(m)
	}
	return calls
}

func toolCallFromObject(obj map[string]interface{}, registry *tools.Registry) (providers.ToolCall, bool) {
	name, ok := obj["name"].(string)
	if !ok || name == "" {
		return providers.ToolCall{}, false
	}
	if registry != nil {
		if _, found := registry.Get(name); !found {
			return providers.ToolCall{}, false
		}
	}
	args, _ := obj["arguments"].(map[string]interface{})
	if args == nil {
		args = map[string]interface{}{}
	}
	return providers.ToolCall{ID: "call_" + uuid.NewString()[:8], Name: name, Arguments: args}, true
}
