// Package skills loads skill folders (spec.md's `<workspace>/skills/<name>/SKILL.md`
// and a library/builtin tier) and exposes them to the Context Builder and the
// skill_search tool.
package skills

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// Skill is one loaded SKILL.md: a name/description pair plus its full body,
// used either inlined into the system prompt or fetched on demand.
type Skill struct {
	Name        string
	Description string
	Source      string // "workspace", "library", "builtin"
	Path        string // directory containing SKILL.md
	Body        string // full markdown content after the frontmatter
}

// Loader resolves skills from three tiers: the workspace's own skills/ dir
// (highest priority), a shared library dir, and a builtin dir shipped with
// the binary. A workspace skill with the same name shadows a library one.
type Loader struct {
	workspaceSkills string
	librarySkills   string
	builtinSkills   string

	mu    sync.RWMutex
	cache map[string]*Skill
}

// NewLoader builds a Loader rooted at workspace/skills, with an optional
// shared library dir (e.g. ~/.goclaw/skills) and an optional builtin dir.
func NewLoader(workspace, librarySkills, builtinSkills string) *Loader {
	return &Loader{
		workspaceSkills: filepath.Join(workspace, "skills"),
		librarySkills:   librarySkills,
		builtinSkills:   builtinSkills,
		cache:           make(map[string]*Skill),
	}
}

// WorkspaceDir returns the workspace skills directory this loader scans.
func (l *Loader) WorkspaceDir() string { return l.workspaceSkills }

// ListSkills scans all three tiers and returns every discovered skill,
// sorted by name, deduplicated by name (workspace shadows library
// shadows builtin).
func (l *Loader) ListSkills() []*Skill {
	seen := make(map[string]bool)
	var out []*Skill

	for _, tier := range []struct {
		dir    string
		source string
	}{
		{l.workspaceSkills, "workspace"},
		{l.librarySkills, "library"},
		{l.builtinSkills, "builtin"},
	} {
		if tier.dir == "" {
			continue
		}
		entries, err := os.ReadDir(tier.dir)
		if err != nil {
			continue
		}
		for _, e := range entries {
			if !e.IsDir() || seen[e.Name()] {
				continue
			}
			skill, err := l.load(filepath.Join(tier.dir, e.Name()), tier.source)
			if err != nil {
				continue
			}
			seen[e.Name()] = true
			out = append(out, skill)
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// FilterSkills returns the subset of ListSkills whose name is in allow (nil
// allow = all skills, empty non-nil allow = none).
func (l *Loader) FilterSkills(allow []string) []*Skill {
	all := l.ListSkills()
	if allow == nil {
		return all
	}
	allowed := make(map[string]bool, len(allow))
	for _, n := range allow {
		allowed[n] = true
	}
	var out []*Skill
	for _, s := range all {
		if allowed[s.Name] {
			out = append(out, s)
		}
	}
	return out
}

// Get loads one skill's full body by name, searching workspace then library
// then builtin tiers. Returns nil if not found.
func (l *Loader) Get(name string) *Skill {
	for _, s := range l.FilterSkills(nil) {
		if s.Name == name {
			return s
		}
	}
	return nil
}

// BuildSummary renders the allowed skills' full bodies as XML blocks, for
// the Context Builder's inline-skills mode (spec.md §4.2's "active skills,
// full content" clause).
func (l *Loader) BuildSummary(allow []string) string {
	skills := l.FilterSkills(allow)
	if len(skills) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("<active_skills>\n")
	for _, s := range skills {
		b.WriteString("<skill name=\"" + s.Name + "\">\n")
		b.WriteString(s.Body)
		b.WriteString("\n</skill>\n")
	}
	b.WriteString("</active_skills>")
	return b.String()
}

// BuildIndex renders the name + one-line description index for every known
// skill, spec.md §4.2's "index of available skills" clause — content is
// fetched on demand via skill_search instead of inlined.
func (l *Loader) BuildIndex() string {
	skills := l.ListSkills()
	if len(skills) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("<available_skills>\n")
	for _, s := range skills {
		b.WriteString("- " + s.Name + ": " + s.Description + "\n")
	}
	b.WriteString("</available_skills>")
	return b.String()
}

// NewSkill scaffolds a new workspace skill folder with a starter SKILL.md,
// backing the `new skill NAME [--description S]` CLI command (spec.md §6).
func (l *Loader) NewSkill(name, description string) (string, error) {
	if name == "" {
		return "", os.ErrInvalid
	}
	dir := filepath.Join(l.workspaceSkills, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	if description == "" {
		description = "Describe when and how to use this skill."
	}
	content := "---\nname: " + name + "\ndescription: " + description + "\n---\n\n# " + name + "\n\nWrite the skill's instructions here.\n"
	path := filepath.Join(dir, "SKILL.md")
	if _, err := os.Stat(path); err == nil {
		return path, os.ErrExist
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return "", err
	}
	return path, nil
}

func (l *Loader) load(dir, source string) (*Skill, error) {
	path := filepath.Join(dir, "SKILL.md")
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	name := filepath.Base(dir)
	desc, body := parseFrontmatter(string(raw))
	if desc == "" {
		desc = "(no description)"
	}
	return &Skill{Name: name, Description: desc, Source: source, Path: dir, Body: body}, nil
}

// parseFrontmatter reads a minimal `---\nkey: value\n---` header (name and
// description are the only fields any caller reads) and returns the
// description plus the remaining markdown body. Not general YAML — SKILL.md
// frontmatter here is always a flat string map.
func parseFrontmatter(raw string) (description, body string) {
	const delim = "---"
	if !strings.HasPrefix(strings.TrimLeft(raw, "\n"), delim) {
		return "", raw
	}
	raw = strings.TrimLeft(raw, "\n")
	rest := raw[len(delim):]
	end := strings.Index(rest, "\n"+delim)
	if end == -1 {
		return "", raw
	}
	header := rest[:end]
	body = strings.TrimLeft(rest[end+len(delim)+1:], "\n")

	for _, line := range strings.Split(header, "\n") {
		line = strings.TrimSpace(line)
		k, v, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		if strings.TrimSpace(k) == "description" {
			description = strings.TrimSpace(v)
		}
	}
	return description, body
}

// invalidate clears the cache; reserved for a future watcher-driven reload.
func (l *Loader) invalidate() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cache = make(map[string]*Skill)
}
