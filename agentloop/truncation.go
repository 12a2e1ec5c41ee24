package agentloop

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/martinemde/pixy/unifiedllm"
)

// TruncationMode specifies which part of an oversized output is kept.
type TruncationMode string

const (
	TruncateHeadTail TruncationMode = "head_tail"
	TruncateTail     TruncationMode = "tail"
)

// OutputLimit bounds the tool result text sent to the model. A zero or
// negative field means no limit of that kind; the loop replaces an entirely
// zero OutputLimit with DefaultOutputLimit.
type OutputLimit struct {
	MaxChars int            `json:"maxChars"`
	MaxLines int            `json:"maxLines"`
	Mode     TruncationMode `json:"mode,omitempty"`
}

// DefaultOutputLimit is used when a run configures no limit.
var DefaultOutputLimit = OutputLimit{MaxChars: 30000, MaxLines: 500, Mode: TruncateHeadTail}

// NoOutputLimit disables truncation.
var NoOutputLimit = OutputLimit{MaxChars: -1, MaxLines: -1}

func (l OutputLimit) isZero() bool {
	return l.MaxChars == 0 && l.MaxLines == 0
}

// TruncateOutput applies character-based truncation to output.
func TruncateOutput(output string, maxChars int, mode TruncationMode) string {
	if maxChars <= 0 || len(output) <= maxChars {
		return output
	}
	removed := len(output) - maxChars

	if mode == TruncateTail {
		return fmt.Sprintf("[WARNING: Tool output was truncated. First %d characters were removed.]\n\n", removed) +
			validSuffix(output, maxChars)
	}

	half := maxChars / 2
	return validPrefix(output, half) +
		fmt.Sprintf("\n\n[WARNING: Tool output was truncated. %d characters were removed from the middle. "+
			"If you need to see specific parts, re-run the tool with more targeted parameters.]\n\n", removed) +
		validSuffix(output, half)
}

// validPrefix returns at most n bytes of s without splitting a rune.
func validPrefix(s string, n int) string {
	for n > 0 && n < len(s) && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

// validSuffix returns at most n trailing bytes of s without splitting a rune.
func validSuffix(s string, n int) string {
	start := len(s) - n
	for start < len(s) && start > 0 && !utf8.RuneStart(s[start]) {
		start++
	}
	return s[start:]
}

// TruncateLines applies line-based truncation using a head/tail split.
func TruncateLines(output string, maxLines int) string {
	if maxLines <= 0 {
		return output
	}
	lines := strings.Split(output, "\n")
	if len(lines) <= maxLines {
		return output
	}

	headCount := maxLines / 2
	tailCount := maxLines - headCount
	omitted := len(lines) - headCount - tailCount

	return strings.Join(lines[:headCount], "\n") +
		fmt.Sprintf("\n[... %d lines omitted ...]\n", omitted) +
		strings.Join(lines[len(lines)-tailCount:], "\n")
}

// TruncateToolOutput applies characters first, then lines.
func TruncateToolOutput(output string, limit OutputLimit) string {
	mode := limit.Mode
	if mode == "" {
		mode = TruncateHeadTail
	}
	result := TruncateOutput(output, limit.MaxChars, mode)
	return TruncateLines(result, limit.MaxLines)
}

// truncateResult truncates every text part of r. Other parts pass through.
func truncateResult(r AgentToolResult, limit OutputLimit) AgentToolResult {
	if limit.isZero() {
		return r
	}
	out := AgentToolResult{Details: r.Details, Content: make([]unifiedllm.ContentPart, len(r.Content))}
	for i, p := range r.Content {
		if p.Kind == unifiedllm.ContentText {
			p.Text = TruncateToolOutput(p.Text, limit)
		}
		out.Content[i] = p
	}
	return out
}
