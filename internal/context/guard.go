package context

import (
	"strings"

	"github.com/nanobot-run/corectl/internal/providers"
)

// DefaultLimit is used when a model's context window isn't known.
const DefaultLimit = 8192

// CompactThreshold is the fraction of Limit at which Guard recommends
// compaction, matching the reference's 0.85 threshold.
const CompactThreshold = 0.85

// charsPerTokenEstimate approximates tokens when no tokenizer is
// available (~2.5 chars/token, tuned for mixed English/CJK text).
const charsPerTokenEstimate = 2.5

// perMessageOverheadTokens approximates the chat-format framing
// overhead OpenAI-style APIs add per message.
const perMessageOverheadTokens = 4

// modelLimits maps model-name substrings to known context windows,
// matched fuzzily (case-insensitive "contains").
var modelLimits = []struct {
	substr string
	limit  int
}{
	{"gpt-4o", 128_000},
	{"gpt-4-turbo", 128_000},
	{"gpt-4", 8_192},
	{"gpt-3.5", 16_385},
	{"claude-3-5-sonnet", 200_000},
	{"claude-3-opus", 200_000},
	{"claude-3", 200_000},
	{"gemini-1.5-pro", 1_000_000},
	{"gemini-1.5-flash", 1_000_000},
	{"gemini", 1_000_000},
	{"deepseek-chat", 32_768},
	{"deepseek", 32_768},
	{"llama-3.1", 128_000},
	{"llama-3", 8_192},
}

// EstimateTokens approximates the token count of text without a real
// tokenizer.
func EstimateTokens(text string) int {
	return int(float64(len([]rune(text))) / charsPerTokenEstimate)
}

// CountMessages approximates the prompt token usage of a full message
// list, including OpenAI-style per-message chat framing overhead.
func CountMessages(messages []providers.Message) int {
	total := 0
	for _, m := range messages {
		total += perMessageOverheadTokens
		total += EstimateTokens(m.Content)
		for _, tc := range m.ToolCalls {
			total += EstimateTokens(tc.Name)
			for k, v := range tc.Arguments {
				total += EstimateTokens(k) + EstimateTokens(toString(v))
			}
		}
	}
	return total
}

func toString(v interface{}) string {
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

// Evaluation is the result of evaluating a message list against a
// model's context window.
type Evaluation struct {
	Usage       int
	Limit       int
	IsSafe      bool
	ShouldCompact bool
	Utilization float64
}

// Guard decides whether a session's message history needs compacting
// before the next provider call.
type Guard struct {
	limit int
	model string
}

// New builds a Guard for model. If limit is 0, the model's known
// context window is looked up (fuzzy substring match), falling back
// to DefaultLimit.
func New(model string, limit int) *Guard {
	if limit <= 0 {
		limit = limitForModel(model)
	}
	return &Guard{limit: limit, model: model}
}

func limitForModel(model string) int {
	lower := strings.ToLower(model)
	for _, ml := range modelLimits {
		if strings.Contains(lower, ml.substr) {
			return ml.limit
		}
	}
	return DefaultLimit
}

// Evaluate estimates messages' token usage against the guard's limit.
func (g *Guard) Evaluate(messages []providers.Message) Evaluation {
	usage := CountMessages(messages)
	util := 0.0
	if g.limit > 0 {
		util = float64(usage) / float64(g.limit)
	}
	return Evaluation{
		Usage:         usage,
		Limit:         g.limit,
		IsSafe:        usage < g.limit,
		ShouldCompact: float64(usage) > float64(g.limit)*CompactThreshold,
		Utilization:   util,
	}
}

// PruneOldMessages keeps every system message plus the last keepLast
// non-system messages verbatim, dropping the rest. It is a simple
// fallback pruning strategy; the Turn Engine's real compaction path
// summarizes the dropped middle window instead of discarding it.
func PruneOldMessages(messages []providers.Message, keepLast int) []providers.Message {
	var system, chat []providers.Message
	for _, m := range messages {
		if m.Role == "system" {
			system = append(system, m)
		} else {
			chat = append(chat, m)
		}
	}
	if len(chat) <= keepLast {
		return messages
	}
	out := make([]providers.Message, 0, len(system)+keepLast)
	out = append(out, system...)
	out = append(out, chat[len(chat)-keepLast:]...)
	return out
}
