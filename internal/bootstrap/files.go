package bootstrap

import (
	"os"
	"path/filepath"
)

// Template file names, seeded once into a fresh workspace and then
// reloaded (editable by both the user and the agent) on every turn.
const (
	AgentsFile    = "AGENTS.md"
	SoulFile      = "SOUL.md"
	ToolsFile     = "TOOLS.md"
	IdentityFile  = "IDENTITY.md"
	UserFile      = "USER.md"
	HeartbeatFile = "HEARTBEAT.md"
	BootstrapFile = "BOOTSTRAP.md"
	ProfileFile   = "PROFILE.md"
)

// Default per-file and total character budgets for context files
// folded into the system prompt, matching the reference's bootstrap
// truncation limits.
const (
	DefaultMaxCharsPerFile = 8_000
	DefaultTotalMaxChars   = 24_000
)

// ContextFile is one workspace file's content, ready to be spliced
// into the system prompt.
type ContextFile struct {
	Name    string
	Content string
}

// TruncateConfig bounds how much of each workspace file (and of the
// total across files) is folded into the system prompt.
type TruncateConfig struct {
	MaxCharsPerFile int
	TotalMaxChars   int
}

// LoadWorkspaceFiles reads every seeded template file that exists in
// workspace, skipping ones that are missing or empty.
func LoadWorkspaceFiles(workspace string) []ContextFile {
	var files []ContextFile
	for _, name := range templateFiles {
		data, err := os.ReadFile(filepath.Join(workspace, name))
		if err != nil || len(data) == 0 {
			continue
		}
		files = append(files, ContextFile{Name: name, Content: string(data)})
	}
	return files
}

// BuildContextFiles truncates each file to cfg.MaxCharsPerFile and
// then drops (or trims) trailing files once cfg.TotalMaxChars is hit,
// so one runaway file can't crowd out the rest of the prompt budget.
func BuildContextFiles(raw []ContextFile, cfg TruncateConfig) []ContextFile {
	maxPerFile := cfg.MaxCharsPerFile
	if maxPerFile <= 0 {
		maxPerFile = DefaultMaxCharsPerFile
	}
	totalMax := cfg.TotalMaxChars
	if totalMax <= 0 {
		totalMax = DefaultTotalMaxChars
	}

	var out []ContextFile
	used := 0
	for _, f := range raw {
		content := f.Content
		if len(content) > maxPerFile {
			content = content[:maxPerFile] + "\n...[truncated]"
		}
		if used >= totalMax {
			break
		}
		remaining := totalMax - used
		if len(content) > remaining {
			content = content[:remaining] + "\n...[truncated]"
		}
		out = append(out, ContextFile{Name: f.Name, Content: content})
		used += len(content)
	}
	return out
}
