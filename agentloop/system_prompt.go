package agentloop

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/martinemde/pixy/unifiedllm"
)

const maxInstructionBytes = 32 * 1024

// InstructionFiles are loaded into the system prompt when present between the
// repository root and the working directory.
var InstructionFiles = []string{"AGENTS.md"}

// BuildSystemPrompt appends an environment block and any instruction files
// found for workingDir to base. An empty workingDir skips both lookups.
func BuildSystemPrompt(base string, model unifiedllm.Model, workingDir string) string {
	var parts []string
	if base != "" {
		parts = append(parts, base)
	}
	parts = append(parts, environmentBlock(model, workingDir))
	if workingDir != "" {
		if docs := LoadInstructions(workingDir); docs != "" {
			parts = append(parts, docs)
		}
	}
	return strings.Join(parts, "\n\n")
}

func environmentBlock(model unifiedllm.Model, workingDir string) string {
	var sb strings.Builder
	sb.WriteString("<environment>\n")
	if workingDir != "" {
		fmt.Fprintf(&sb, "Working directory: %s\n", workingDir)
	}
	fmt.Fprintf(&sb, "Platform: %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Fprintf(&sb, "Today's date: %s\n", time.Now().Format("2006-01-02"))
	if model.ID != "" {
		fmt.Fprintf(&sb, "Model: %s\n", model.ID)
	}
	sb.WriteString("</environment>")
	return sb.String()
}

// LoadInstructions concatenates instruction files from the repository root
// down to workingDir, capped at 32KB.
func LoadInstructions(workingDir string) string {
	root := repoRoot(workingDir)
	var docs []string
	total := 0
	for _, dir := range pathHierarchy(root, workingDir) {
		for _, name := range InstructionFiles {
			content, err := os.ReadFile(filepath.Join(dir, name))
			if err != nil {
				continue
			}
			remaining := maxInstructionBytes - total
			if remaining <= 0 {
				docs = append(docs, "[Project instructions truncated at 32KB]")
				return strings.Join(docs, "\n\n---\n\n")
			}
			text := string(content)
			if len(text) > remaining {
				text = validPrefix(text, remaining) + "\n[Project instructions truncated at 32KB]"
			}
			docs = append(docs, fmt.Sprintf("# %s (from %s)\n\n%s", name, dir, text))
			total += len(text)
		}
	}
	return strings.Join(docs, "\n\n---\n\n")
}

// repoRoot walks up from dir to the nearest directory holding .git, or
// returns dir itself.
func repoRoot(dir string) string {
	dir = filepath.Clean(dir)
	for cur := dir; ; {
		if _, err := os.Stat(filepath.Join(cur, ".git")); err == nil {
			return cur
		}
		parent := filepath.Dir(cur)
		if parent == cur {
			return dir
		}
		cur = parent
	}
}

// pathHierarchy returns directories from root to target, inclusive.
func pathHierarchy(root, target string) []string {
	root = filepath.Clean(root)
	target = filepath.Clean(target)
	dirs := []string{root}
	rel, err := filepath.Rel(root, target)
	if err != nil || rel == "." {
		return dirs
	}
	cur := root
	for _, part := range strings.Split(rel, string(filepath.Separator)) {
		cur = filepath.Join(cur, part)
		dirs = append(dirs, cur)
	}
	return dirs
}
