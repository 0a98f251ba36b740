// Package context implements the Context Builder: assembles the
// system prompt (identity, bootstrap files, profile summary, memory
// teaser, skills) and the per-turn message list, plus the Context
// Guard that decides when history needs compacting. Grounded on the
// original reference's agent/context.py and agent/context_guard.py.
package context

import (
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/nanobot-run/corectl/internal/bootstrap"
	"github.com/nanobot-run/corectl/internal/memory"
	"github.com/nanobot-run/corectl/internal/providers"
	"github.com/nanobot-run/corectl/internal/skills"
)

// SilentReplyToken is the sentinel the model returns, and nothing
// else, when a message should produce no user-visible reply.
const SilentReplyToken = "SILENT_REPLY_TOKEN"

// sectionSep joins system-prompt sections, matching the reference's
// "\n\n---\n\n" divider.
const sectionSep = "\n\n---\n\n"

// stableProfileFields are the PROFILE.md keys folded into every
// system prompt; anything else in PROFILE.md is left for the memory
// tool to surface on demand.
var stableProfileFields = []string{"常用称呼", "时区", "主要语言", "回复风格"}

// Config carries the identity-block substitutions and the timezone
// used to render history timestamps.
type Config struct {
	UserTitle       string
	Runtime         string
	GmailStatus     string
	GithubStatus    string
	KBStatus        string
	WebLine         string
	ReasoningPrompt string
	Timezone        string // IANA name, default "Asia/Shanghai"
}

// Builder assembles system prompts and provider message lists for one
// agent's workspace.
type Builder struct {
	workspace string
	model     string
	cfg       Config
	memory    *memory.Store
	skills    *skills.Loader
}

// New builds a Builder rooted at workspace.
func New(workspace, model string, cfg Config, mem *memory.Store, skillsLoader *skills.Loader) *Builder {
	if cfg.Timezone == "" {
		cfg.Timezone = "Asia/Shanghai"
	}
	return &Builder{workspace: workspace, model: model, cfg: cfg, memory: mem, skills: skillsLoader}
}

// BuildSystemPrompt assembles the full system prompt: identity,
// bootstrap files, profile summary, memory teaser (ranked against
// query for light RAG), always-loaded skills, and the skills index.
func (b *Builder) BuildSystemPrompt(alwaysLoadSkills []string, query string) string {
	var parts []string

	parts = append(parts, b.identity())

	if bp := b.bootstrapSection(); bp != "" {
		parts = append(parts, bp)
	}

	if pp := b.profileSummary(); pp != "" {
		parts = append(parts, pp)
	}

	if b.memory != nil {
		if mem := b.memoryTeaser(query); mem != "" {
			parts = append(parts, mem)
		}
	}

	if b.skills != nil {
		if sum := b.skills.BuildSummary(alwaysLoadSkills); sum != "" {
			parts = append(parts, sum)
		}
		if idx := b.skills.BuildIndex(); idx != "" {
			parts = append(parts, idx+"\n\nUse the skill_search tool to read a skill's full content before relying on it.")
		}
	}

	return strings.Join(parts, sectionSep)
}

var identityReplacer = regexp.MustCompile(`\{[a-z_]+\}`)

func (b *Builder) identity() string {
	tpl, err := os.ReadFile(filepath.Join(b.workspace, bootstrap.IdentityFile))
	if err != nil {
		tpl, err = bootstrapReadTemplate(bootstrap.IdentityFile)
		if err != nil {
			return b.fallbackIdentity()
		}
	}

	loc, err := time.LoadLocation(b.cfg.Timezone)
	if err != nil {
		loc = time.UTC
	}
	now := time.Now().In(loc).Format("2006-01-02 15:04 MST")

	values := map[string]string{
		"user_title":        nz(b.cfg.UserTitle, "the user"),
		"now":               now,
		"runtime":           nz(b.cfg.Runtime, "corectl"),
		"model":             b.model,
		"workspace_path":    b.workspace,
		"gmail_status":      nz(b.cfg.GmailStatus, "not connected"),
		"github_status":     nz(b.cfg.GithubStatus, "not connected"),
		"kb_status":         nz(b.cfg.KBStatus, "not connected"),
		"web_line":          b.cfg.WebLine,
		"reasoning_prompt":  b.cfg.ReasoningPrompt,
		"silent_reply_token": SilentReplyToken,
	}

	return identityReplacer.ReplaceAllStringFunc(string(tpl), func(tok string) string {
		key := tok[1 : len(tok)-1]
		if v, ok := values[key]; ok {
			return v
		}
		return tok
	})
}

func (b *Builder) fallbackIdentity() string {
	return fmt.Sprintf(
		"You are %s's personal assistant running on model %s. Workspace: %s. "+
			"If a message needs no reply, answer with exactly %s.",
		nz(b.cfg.UserTitle, "the user"), b.model, b.workspace, SilentReplyToken,
	)
}

func (b *Builder) bootstrapSection() string {
	var parts []string
	for _, name := range []string{bootstrap.AgentsFile, bootstrap.UserFile, bootstrap.ToolsFile} {
		data, err := os.ReadFile(filepath.Join(b.workspace, name))
		if err != nil || len(strings.TrimSpace(string(data))) == 0 {
			continue
		}
		parts = append(parts, fmt.Sprintf("## %s\n\n%s", name, strings.TrimSpace(string(data))))
	}
	return strings.Join(parts, "\n\n")
}

func (b *Builder) profileSummary() string {
	profileMap := b.loadProfileMap()
	if len(profileMap) == 0 {
		return ""
	}
	var b2 strings.Builder
	b2.WriteString("# Profile\n\n")
	for _, field := range stableProfileFields {
		v, ok := profileMap[field]
		if !ok || strings.TrimSpace(v) == "" {
			v = "<EMPTY>"
		}
		b2.WriteString(fmt.Sprintf("- %s: %s\n", field, v))
	}
	return strings.TrimRight(b2.String(), "\n")
}

var profileLineRe = regexp.MustCompile(`^\s*-\s*([^:：]+)\s*[：:]\s*(.*)$`)

func (b *Builder) loadProfileMap() map[string]string {
	data, err := os.ReadFile(filepath.Join(b.workspace, bootstrap.ProfileFile))
	if err != nil {
		return nil
	}
	out := make(map[string]string)
	for _, line := range strings.Split(string(data), "\n") {
		m := profileLineRe.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		out[strings.TrimSpace(m[1])] = strings.TrimSpace(m[2])
	}
	return out
}

func (b *Builder) memoryTeaser(query string) string {
	text := b.memory.GetMemoryContext(query)
	if strings.TrimSpace(text) == "" {
		return ""
	}
	if len(text) > 1000 && strings.TrimSpace(query) != "" {
		text = text[:1000] + "\n...[truncated — use the memory tool to search further]"
	}
	return "# 长期记忆 (Memory)\n\n" + text +
		"\n\nUse the memory tool for anything not covered above."
}

// BuildMessages renders full-session history (appended as-is; no time
// tags are added) plus the current user message into a provider message list, with
// the system prompt (built against the current message, for
// light-RAG memory retrieval) prepended.
func (b *Builder) BuildMessages(history []providers.Message, currentMessage string, alwaysLoadSkills []string, mediaPaths []string, channel, chatID string) []providers.Message {
	sysPrompt := b.BuildSystemPrompt(alwaysLoadSkills, currentMessage)

	messages := []providers.Message{{Role: "system", Content: sysPrompt}}

	loc, err := time.LoadLocation(b.cfg.Timezone)
	if err != nil {
		loc = time.UTC
	}
	_ = loc // history messages don't currently carry timestamps to re-tag; channel/chatID
	// identify the conversation for tools that need routing context.
	_ = channel
	_ = chatID

	messages = append(messages, history...)

	userMsg := providers.Message{Role: "user", Content: currentMessage}
	if len(mediaPaths) > 0 {
		userMsg.Images = loadImages(mediaPaths)
	}
	messages = append(messages, userMsg)

	return messages
}

// AddToolResult appends a tool-role message for a completed tool call.
func AddToolResult(messages []providers.Message, toolCallID, toolName, result string) []providers.Message {
	return append(messages, providers.Message{Role: "tool", Content: result, ToolCallID: toolCallID})
}

// AddAssistantMessage appends an assistant turn. When toolCalls is
// non-empty and content is empty, a single space is used instead —
// several providers reject an assistant message with both an empty
// content string and tool_calls.
func AddAssistantMessage(messages []providers.Message, content string, toolCalls []providers.ToolCall) []providers.Message {
	if len(toolCalls) > 0 && content == "" {
		content = " "
	}
	return append(messages, providers.Message{Role: "assistant", Content: content, ToolCalls: toolCalls})
}

func loadImages(paths []string) []providers.ImageContent {
	var out []providers.ImageContent
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			continue
		}
		out = append(out, providers.ImageContent{
			MimeType: mimeFromExt(filepath.Ext(p)),
			Data:     base64.StdEncoding.EncodeToString(data),
		})
	}
	return out
}

func mimeFromExt(ext string) string {
	switch strings.ToLower(ext) {
	case ".png":
		return "image/png"
	case ".gif":
		return "image/gif"
	case ".webp":
		return "image/webp"
	default:
		return "image/jpeg"
	}
}

func nz(s, fallback string) string {
	if strings.TrimSpace(s) == "" {
		return fallback
	}
	return s
}

// bootstrapReadTemplate is a thin indirection over bootstrap.ReadTemplate
// so a missing embedded template degrades to the fallback identity
// instead of panicking.
func bootstrapReadTemplate(name string) ([]byte, error) {
	s, err := bootstrap.ReadTemplate(name)
	if err != nil {
		return nil, err
	}
	return []byte(s), nil
}
