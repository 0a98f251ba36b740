package tools

import (
	"context"
	"fmt"
	"strings"

	"github.com/nanobot-run/corectl/internal/skills"
)

// SkillSearchTool lets the model fetch a skill's full body on demand when the
// Context Builder only inlined the skill index (spec.md §4.2's "content is
// loaded on demand via a tool" clause).
type SkillSearchTool struct {
	loader *skills.Loader
}

func NewSkillSearchTool(loader *skills.Loader) *SkillSearchTool {
	return &SkillSearchTool{loader: loader}
}

func (t *SkillSearchTool) Name() string { return "skill_search" }

func (t *SkillSearchTool) Description() string {
	return "Search available skills by keyword, or fetch one skill's full instructions by exact name"
}

func (t *SkillSearchTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"query": map[string]interface{}{
				"type":        "string",
				"description": "Keyword to search skill names/descriptions, or the exact skill name to fetch",
			},
		},
		"required": []string{"query"},
	}
}

func (t *SkillSearchTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	query, _ := args["query"].(string)
	query = strings.TrimSpace(query)
	if query == "" {
		return ErrorResult("query is required")
	}
	if t.loader == nil {
		return ErrorResult("no skills are configured for this workspace")
	}

	if s := t.loader.Get(query); s != nil {
		return NewResult(s.Body)
	}

	q := strings.ToLower(query)
	var matches []string
	for _, s := range t.loader.ListSkills() {
		if strings.Contains(strings.ToLower(s.Name), q) || strings.Contains(strings.ToLower(s.Description), q) {
			matches = append(matches, fmt.Sprintf("- %s: %s", s.Name, s.Description))
		}
	}
	if len(matches) == 0 {
		return NewResult(fmt.Sprintf("No skills matching %q.", query))
	}
	return NewResult(strings.Join(matches, "\n"))
}
