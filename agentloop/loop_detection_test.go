package agentloop

import (
	"encoding/json"
	"testing"

	"github.com/martinemde/pixy/unifiedllm"
)

func callsMessage(calls ...unifiedllm.ToolCall) unifiedllm.Message {
	m := unifiedllm.Message{Role: unifiedllm.RoleAssistant}
	for _, c := range calls {
		m.Content = append(m.Content, unifiedllm.ToolCallPart(c.ID, c.Name, c.Arguments))
	}
	return m
}

func call(name, args string) unifiedllm.ToolCall {
	return unifiedllm.ToolCall{ID: "id", Name: name, Arguments: json.RawMessage(args)}
}

func TestDetectLoop(t *testing.T) {
	read := call("read", `{"path":"a"}`)
	write := call("write", `{"path":"a"}`)
	other := call("read", `{"path":"b"}`)

	tests := []struct {
		name     string
		messages []unifiedllm.Message
		window   int
		want     bool
	}{
		{"same call repeated", []unifiedllm.Message{callsMessage(read), callsMessage(read), callsMessage(read)}, 3, true},
		{"alternating pair", []unifiedllm.Message{callsMessage(read, write), callsMessage(read, write)}, 4, true},
		{"different arguments", []unifiedllm.Message{callsMessage(read), callsMessage(other), callsMessage(read)}, 3, false},
		{"not enough calls", []unifiedllm.Message{callsMessage(read), callsMessage(read)}, 3, false},
		{"disabled", []unifiedllm.Message{callsMessage(read), callsMessage(read)}, 0, false},
		{
			"user messages ignored",
			[]unifiedllm.Message{callsMessage(read), unifiedllm.UserMessage("x"), callsMessage(read)},
			2, true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := DetectLoop(tt.messages, tt.window); got != tt.want {
				t.Errorf("DetectLoop = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestToolCallSignatureStable(t *testing.T) {
	a := toolCallSignature(call("read", `{"path":"a"}`))
	b := toolCallSignature(call("read", `{"path":"a"}`))
	c := toolCallSignature(call("read", `{"path":"b"}`))
	if a != b || a == c {
		t.Errorf("unexpected signatures %s %s %s", a, b, c)
	}
}
