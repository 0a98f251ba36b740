package turnservice

import (
	"regexp"
	"strings"
)

// ToolMeta is the minimal per-tool metadata the honesty audit needs:
// the tool's canonical name and its human description (CJK substrings
// of the description become aliases a claim can match against).
type ToolMeta struct {
	Name        string
	Description string
}

var claimMarkers = []string{"我用", "使用了", "调用了", "测试了", "刚才", "本次", "通过"}

var cjkSubstringRe = regexp.MustCompile(`[\x{4e00}-\x{9fff}]{2,}`)

var bannedNouns = map[string]bool{
	"工具": true, "封装": true, "插件": true, "使用": true, "能力": true, "查看": true,
}

// coreOverrides adds aliases the description-mining heuristic alone
// wouldn't reliably find for a handful of well-known tools.
var coreOverrides = map[string][]string{
	"browser": {"浏览器", "网页", "上网"},
	"tavily":  {"搜索", "联网", "Tavily"},
	"github":  {"GitHub", "仓库", "代码仓"},
	"train_ticket": {"12306", "火车票", "买票"},
}

// buildAliasMap derives, per known tool, the set of lowercase English
// and CJK strings a claim in the model's reply might use to reference
// it.
func buildAliasMap(allTools []ToolMeta) map[string][]string {
	out := make(map[string][]string, len(allTools))
	for _, t := range allTools {
		aliases := []string{strings.ToLower(t.Name)}
		for _, sub := range cjkSubstringRe.FindAllString(t.Description, -1) {
			if !bannedNouns[sub] {
				aliases = append(aliases, sub)
			}
		}
		if extra, ok := coreOverrides[t.Name]; ok {
			aliases = append(aliases, extra...)
		}
		out[t.Name] = aliases
	}
	return out
}

// AuditAndMarkHallucinations scans content line by line: a line that
// both names a tool (via alias) and uses a first-person claim marker,
// for a tool NOT present in usedTools, is struck through and flagged.
// Returns the processed content and whether anything was flagged.
func AuditAndMarkHallucinations(content string, usedTools []string, allTools []ToolMeta) (string, bool) {
	if content == "" || len(allTools) == 0 {
		return content, false
	}

	used := make(map[string]bool, len(usedTools))
	for _, t := range usedTools {
		used[t] = true
	}

	aliasMap := buildAliasMap(allTools)
	lines := strings.Split(content, "\n")
	flagged := false

	for i, line := range lines {
		lower := strings.ToLower(line)
		if !hasAny(lower, claimMarkers) {
			continue
		}
		for toolName, aliases := range aliasMap {
			if used[toolName] || used["mcp:"+toolName] {
				continue
			}
			if matchesAlias(line, lower, aliases) {
				trimmed := strings.TrimSpace(line)
				lines[i] = "~~" + trimmed + "~~ [审计：记录中未见 " + toolName + " 相关操作]"
				flagged = true
				break
			}
		}
	}

	return strings.Join(lines, "\n"), flagged
}

func hasAny(haystack string, markers []string) bool {
	for _, m := range markers {
		if strings.Contains(haystack, m) {
			return true
		}
	}
	return false
}

func matchesAlias(line, lowerLine string, aliases []string) bool {
	for _, a := range aliases {
		if a == "" {
			continue
		}
		if isASCII(a) {
			if strings.Contains(lowerLine, strings.ToLower(a)) {
				return true
			}
		} else if strings.Contains(line, a) {
			return true
		}
	}
	return false
}

func isASCII(s string) bool {
	for _, r := range s {
		if r > 127 {
			return false
		}
	}
	return true
}
