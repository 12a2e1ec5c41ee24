package agentloop

import (
	"crypto/sha256"
	"fmt"

	"github.com/martinemde/pixy/unifiedllm"
)

// toolCallSignature computes a deterministic signature for a tool call
// (name + hash of arguments).
func toolCallSignature(call unifiedllm.ToolCall) string {
	h := sha256.Sum256(call.Arguments)
	return fmt.Sprintf("%s:%x", call.Name, h[:8])
}

// recentToolCallSignatures returns up to count signatures of the most recent
// tool calls, oldest first.
func recentToolCallSignatures(messages []unifiedllm.Message, count int) []string {
	var sigs []string
	for i := len(messages) - 1; i >= 0 && len(sigs) < count; i-- {
		if messages[i].Role != unifiedllm.RoleAssistant {
			continue
		}
		calls := messages[i].ToolCalls()
		for j := len(calls) - 1; j >= 0 && len(sigs) < count; j-- {
			sigs = append(sigs, toolCallSignature(calls[j]))
		}
	}
	for i, j := 0, len(sigs)-1; i < j; i, j = i+1, j-1 {
		sigs[i], sigs[j] = sigs[j], sigs[i]
	}
	return sigs
}

// DetectLoop reports whether the last windowSize tool calls in messages
// repeat a pattern of length 1, 2, or 3.
func DetectLoop(messages []unifiedllm.Message, windowSize int) bool {
	if windowSize <= 1 {
		return false
	}
	sigs := recentToolCallSignatures(messages, windowSize)
	if len(sigs) < windowSize {
		return false
	}

	for patternLen := 1; patternLen <= 3; patternLen++ {
		if windowSize%patternLen != 0 || windowSize == patternLen {
			continue
		}
		match := true
		for i := patternLen; i < windowSize && match; i++ {
			if sigs[i] != sigs[i%patternLen] {
				match = false
			}
		}
		if match {
			return true
		}
	}
	return false
}

func loopWarning(window int) string {
	return fmt.Sprintf("Loop detected: the last %d tool calls follow a repeating pattern. Try a different approach.", window)
}
