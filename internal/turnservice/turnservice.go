// Package turnservice implements the two Turn Services that sit
// between the Command Queue and the Turn Engine: UserTurnService for
// normal channel traffic (session persistence, honesty audit,
// execution-truth enforcement) and SystemTurnService for internal
// messages (cron deliveries, heartbeats) which resolve their real
// destination via origin metadata instead of msg.Channel/ChatID.
// Grounded on the original reference's agent/user_turn_service.py and
// agent/system_turn_service.py.
package turnservice

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/nanobot-run/corectl/internal/agent"
	"github.com/nanobot-run/corectl/internal/bus"
	"github.com/nanobot-run/corectl/internal/tools"
)

// sourceLabels maps a tool name to the human-facing source line added
// to a reply when that tool was actually used this turn.
var sourceLabels = map[string]string{
	"train_ticket": "12306",
	"github":       "GitHub",
	"tavily":       "Tavily API",
	"mcp:amap":     "高德地图",
	"mcp:12306":    "12306",
	"mcp:github":   "GitHub",
	"mcp:puppeteer": "Browser",
	"browser":      "Browser",
	"weather":      "和风天气 API",
}

var sourceHeaderRe = regexp.MustCompile(`(?m)^\s*(查询来源|联网策略)\s*[:：].*$\n?`)
var completionClaimRe = regexp.MustCompile(`已完成|已经完成|处理完成|执行完成|已处理完`)

// ExecutionReport summarizes one turn's tool execution for the
// execution-truth check.
type ExecutionReport struct {
	TotalToolCalls   int
	SuccessToolCalls int
	FailedToolCalls  int
}

// UserTurnService handles normal channel traffic.
type UserTurnService struct {
	Loop     *agent.Loop
	Tools    *tools.Registry
	IsSilent func(string) bool
}

// NewUserTurnService builds a UserTurnService around an already-wired
// agent Loop.
func NewUserTurnService(loop *agent.Loop, reg *tools.Registry, isSilent func(string) bool) *UserTurnService {
	return &UserTurnService{Loop: loop, Tools: reg, IsSilent: isSilent}
}

// Process runs one inbound user-channel message through the agent and
// returns the outbound reply, or nil if the turn produced no
// user-visible output (NO_REPLY).
func (s *UserTurnService) Process(ctx context.Context, msg bus.InboundMessage, runReq agent.RunRequest) (*bus.OutboundMessage, error) {
	slog.Info("turnservice.user: processing message", "channel", msg.Channel, "sender", msg.SenderID, "trace_id", msg.TraceID)

	runReq.TurnFlags = &agent.TurnFlags{
		ParseCallsFromText: true,
		IncludeSeverity:    true,
		ParallelToolExec:   true,
		CompactAfterTools:  true,
	}

	result, err := s.Loop.Run(ctx, runReq)
	if err != nil {
		return nil, err
	}

	finalContent := result.Content
	if strings.TrimSpace(finalContent) == "" {
		finalContent = "我已经完成了处理，但暂时没有需要回复的具体内容。"
	}

	usedTools, execReport := extractToolNames(runReq.RunID)
	finalContent, hallucinated := AuditAndMarkHallucinations(finalContent, usedTools, s.toolMeta())
	finalContent = s.enforceExecutionTruth(finalContent, execReport)
	finalContent = addQuerySourceLine(finalContent, usedTools)

	if strings.TrimSpace(finalContent) == "" {
		finalContent = "本次未产出有效结果，可能模型或工具链暂时不可用。请重试一次。"
	}

	if hallucinated {
		slog.Warn("turnservice.user: hallucination flagged, unbacked claims marked in reply", "session", msg.SessionKey)
	}

	if s.IsSilent != nil && s.IsSilent(finalContent) {
		return nil, nil
	}

	return &bus.OutboundMessage{
		Channel: msg.Channel,
		ChatID:  msg.ChatID,
		Content: finalContent,
		TraceID: msg.TraceID,
	}, nil
}

func (s *UserTurnService) enforceExecutionTruth(content string, report ExecutionReport) string {
	if report.TotalToolCalls <= 0 {
		return content
	}
	text := strings.TrimSpace(content)
	if report.SuccessToolCalls == 0 {
		return fmt.Sprintf(
			"本次尝试调用了 %d 次工具，但均未成功执行，当前无法确认任务已完成。\n请允许我调整方案后重试，或你提供更明确的参数/权限范围。",
			report.TotalToolCalls,
		)
	}
	if completionClaimRe.MatchString(text) && report.FailedToolCalls > 0 {
		return fmt.Sprintf("%s\n\n执行说明：本轮工具调用共 %d 次，成功 %d 次，失败 %d 次。",
			text, report.TotalToolCalls, report.SuccessToolCalls, report.FailedToolCalls)
	}
	return text
}

func (s *UserTurnService) toolMeta() []ToolMeta {
	if s.Tools == nil {
		return nil
	}
	names := s.Tools.List()
	out := make([]ToolMeta, 0, len(names))
	for _, name := range names {
		if t, ok := s.Tools.Get(name); ok {
			out = append(out, ToolMeta{Name: name, Description: t.Description()})
		}
	}
	return out
}

func addQuerySourceLine(content string, usedTools []string) string {
	body := sourceHeaderRe.ReplaceAllString(content, "")
	body = strings.TrimSpace(body)

	var sources []string
	seen := map[string]bool{}
	for _, t := range usedTools {
		if label, ok := sourceLabels[t]; ok && !seen[label] {
			sources = append(sources, label)
			seen[label] = true
		}
	}
	if len(sources) == 0 {
		return body
	}
	return "查询来源: " + strings.Join(sources, " + ") + "\n\n" + body
}

// extractToolNames pulls the tool names invoked this turn, and their
// execution report, out of the Turn Engine's per-trace registry
// (agent.PopTurnResult). The registry entry is produced by
// runTurnEngine keyed on RunID and consumed (popped) exactly once
// here, per turn.
func extractToolNames(runID string) ([]string, ExecutionReport) {
	if runID == "" {
		return nil, ExecutionReport{}
	}
	tr, ok := agent.PopTurnResult(runID)
	if !ok {
		return nil, ExecutionReport{}
	}
	return tr.UsedTools, ExecutionReport{
		TotalToolCalls:   tr.Report.Total,
		SuccessToolCalls: tr.Report.Success,
		FailedToolCalls:  tr.Report.Failed,
	}
}

// SystemTurnService handles internal (cron, heartbeat) messages, whose
// real delivery destination comes from origin resolution rather than
// msg.Channel/ChatID directly.
type SystemTurnService struct {
	Loop     *agent.Loop
	Tools    *tools.Registry
	IsSilent func(string) bool

	DefaultChannel string
}

// NewSystemTurnService builds a SystemTurnService.
func NewSystemTurnService(loop *agent.Loop, reg *tools.Registry, isSilent func(string) bool, defaultChannel string) *SystemTurnService {
	if defaultChannel == "" {
		defaultChannel = "cli"
	}
	return &SystemTurnService{Loop: loop, Tools: reg, IsSilent: isSilent, DefaultChannel: defaultChannel}
}

// Process runs one internal message through the agent and resolves
// its origin-based destination.
func (s *SystemTurnService) Process(ctx context.Context, msg bus.InboundMessage, runReq agent.RunRequest) (*bus.OutboundMessage, error) {
	var origin SystemOrigin
	if msg.Origin != nil {
		origin = ResolveSystemOrigin(msg.Origin.Channel, msg.Origin.ChatID, msg.ChatID, s.DefaultChannel)
	} else {
		origin = ResolveSystemOrigin("", "", msg.ChatID, s.DefaultChannel)
	}

	slog.Info("turnservice.system: processing message", "sender", msg.SenderID, "origin_channel", origin.Channel)

	runReq.Channel = origin.Channel
	runReq.ChatID = origin.ChatID
	runReq.SessionKey = origin.SessionKey()
	runReq.TurnFlags = &agent.TurnFlags{} // system turns: no text-parsed calls, no severity tags, sequential, no mid-turn compaction

	result, err := s.Loop.Run(ctx, runReq)
	if err != nil {
		return nil, err
	}

	finalContent := result.Content
	if strings.TrimSpace(finalContent) == "" {
		finalContent = "Background task completed."
	}

	usedTools, _ := extractToolNames(runReq.RunID)
	finalContent, hallucinated := AuditAndMarkHallucinations(finalContent, usedTools, s.toolMeta())
	if hallucinated {
		slog.Warn("turnservice.system: hallucination flagged", "origin_channel", origin.Channel)
	}

	if s.IsSilent != nil && s.IsSilent(finalContent) {
		return nil, nil
	}

	return &bus.OutboundMessage{Channel: origin.Channel, ChatID: origin.ChatID, Content: finalContent}, nil
}

func (s *SystemTurnService) toolMeta() []ToolMeta {
	if s.Tools == nil {
		return nil
	}
	names := s.Tools.List()
	out := make([]ToolMeta, 0, len(names))
	for _, name := range names {
		if t, ok := s.Tools.Get(name); ok {
			out = append(out, ToolMeta{Name: name, Description: t.Description()})
		}
	}
	return out
}
