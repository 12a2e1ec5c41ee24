package agentloop

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/martinemde/pixy/unifiedllm"
)

func TestTruncateOutput(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		maxChars int
		mode     TruncationMode
		contains []string
		same     bool
	}{
		{name: "under limit", input: "short", maxChars: 10, mode: TruncateHeadTail, same: true},
		{name: "no limit", input: strings.Repeat("a", 100), maxChars: 0, mode: TruncateHeadTail, same: true},
		{
			name:     "head tail",
			input:    strings.Repeat("a", 50) + strings.Repeat("b", 50),
			maxChars: 20,
			mode:     TruncateHeadTail,
			contains: []string{"aaaaaaaaaa\n\n[WARNING", "80 characters were removed from the middle", "]\n\nbbbbbbbbbb"},
		},
		{
			name:     "tail",
			input:    strings.Repeat("a", 50) + strings.Repeat("b", 10),
			maxChars: 10,
			mode:     TruncateTail,
			contains: []string{"First 50 characters were removed.]\n\nbbbbbbbbbb"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := TruncateOutput(tt.input, tt.maxChars, tt.mode)
			if tt.same && got != tt.input {
				t.Fatalf("expected input unchanged, got %q", got)
			}
			for _, want := range tt.contains {
				if !strings.Contains(got, want) {
					t.Errorf("expected %q in %q", want, got)
				}
			}
		})
	}
}

func TestTruncateOutputKeepsRunesWhole(t *testing.T) {
	input := strings.Repeat("é", 40)
	for _, mode := range []TruncationMode{TruncateHeadTail, TruncateTail} {
		got := TruncateOutput(input, 21, mode)
		if !utf8.ValidString(got) {
			t.Errorf("%s: truncation split a rune: %q", mode, got)
		}
	}
}

func TestTruncateLines(t *testing.T) {
	lines := make([]string, 10)
	for i := range lines {
		lines[i] = string(rune('a' + i))
	}
	got := TruncateLines(strings.Join(lines, "\n"), 4)
	want := "a\nb\n[... 6 lines omitted ...]\ni\nj"
	if got != want {
		t.Errorf("expected %q, got %q", want, got)
	}
	if TruncateLines("a\nb", 4) != "a\nb" {
		t.Error("short output should pass through")
	}
}

func TestTruncateResultOnlyTouchesText(t *testing.T) {
	r := AgentToolResult{Content: []unifiedllm.ContentPart{
		unifiedllm.TextPart(strings.Repeat("x", 100)),
		unifiedllm.ImagePart("aGVsbG8=", "image/png"),
	}}
	out := truncateResult(r, OutputLimit{MaxChars: 10, Mode: TruncateTail})
	if !strings.Contains(out.Content[0].Text, "90 characters were removed") {
		t.Errorf("text part not truncated: %q", out.Content[0].Text)
	}
	if out.Content[1] != r.Content[1] {
		t.Error("image part must pass through")
	}
	if len(r.Content[0].Text) != 100 {
		t.Error("input result must not be mutated")
	}
}
