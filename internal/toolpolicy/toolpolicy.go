// Package toolpolicy implements the Turn Engine's per-turn web-tool
// arbitration: of the available web-capable tools (tavily search,
// browser, generic MCP), exactly one is preferred for a given user
// message unless the user explicitly asked for MCP or the preferred
// tool has already failed this turn. Grounded on the original
// reference's agent/tool_policy.py.
package toolpolicy

import (
	"regexp"

	"github.com/nanobot-run/corectl/internal/providers"
)

// webTools are the tool names this policy arbitrates between; any
// tool not in this set passes through untouched.
var webTools = map[string]bool{
	"tavily":  true,
	"browser": true,
	"mcp":     true,
}

var validWebDefault = map[string]bool{
	"tavily":  true,
	"browser": true,
}

var mcpWantedRe = regexp.MustCompile(`(?i)mcp|model context protocol|playwright mcp|github mcp`)

var browserNeededRe = regexp.MustCompile(`(?i)网页|页面|渲染|点击|登录|交互|dom|浏览器|打开网站|browser|browse`)

// Policy decides which web tool(s) to expose to the provider for one
// turn.
type Policy struct {
	WebDefault       string // "tavily" or "browser"
	EnableMCPFallback bool
	AllowExplicitMCP  bool
}

// New builds a Policy with the reference's defaults (tavily-first,
// MCP allowed on explicit request or after both core tools fail).
func New() *Policy {
	return &Policy{
		WebDefault:        "tavily",
		EnableMCPFallback: true,
		AllowExplicitMCP:  true,
	}
}

// FilterTools returns toolDefs with the non-preferred web tool(s)
// removed, based on the latest user message in messages and which
// tools are already known to have failed this turn. Tools outside
// webTools are always kept.
func (p *Policy) FilterTools(messages []providers.Message, toolDefs []providers.ToolDefinition, failedTools map[string]bool) []providers.ToolDefinition {
	webDefault := p.WebDefault
	if !validWebDefault[webDefault] {
		webDefault = "tavily"
	}

	present := make(map[string]bool)
	for _, d := range toolDefs {
		present[d.Function.Name] = true
	}
	if !present["tavily"] && !present["browser"] && !present["mcp"] {
		return toolDefs // nothing to arbitrate
	}

	text := latestUserText(messages)
	explicitMCP := mcpWantedRe.MatchString(text)
	browserNeeded := browserNeededRe.MatchString(text)

	preferred := webDefault
	if browserNeeded {
		preferred = "browser"
	}
	if failedTools[preferred] {
		if preferred == "tavily" {
			preferred = "browser"
		} else {
			preferred = "tavily"
		}
	}

	canUseMCP := (p.AllowExplicitMCP && explicitMCP) ||
		(p.EnableMCPFallback && failedTools["tavily"] && failedTools["browser"])

	allow := map[string]bool{}
	if present[preferred] {
		allow[preferred] = true
	}
	if canUseMCP && present["mcp"] {
		allow["mcp"] = true
	}

	// Fallback: arbitration left nothing allowed (e.g. preferred tool
	// absent from this turn's definitions) — allow whichever core web
	// tool is actually present so the model is never left without one.
	if len(allow) == 0 {
		if present["tavily"] {
			allow["tavily"] = true
		} else if present["browser"] {
			allow["browser"] = true
		}
		if canUseMCP && present["mcp"] {
			allow["mcp"] = true
		}
	}

	out := make([]providers.ToolDefinition, 0, len(toolDefs))
	for _, d := range toolDefs {
		if webTools[d.Function.Name] && !allow[d.Function.Name] {
			continue
		}
		out = append(out, d)
	}
	return out
}

func latestUserText(messages []providers.Message) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == "user" {
			return messages[i].Content
		}
	}
	return ""
}
