package agentloop

import (
	"encoding/json"
	"fmt"

	"github.com/martinemde/pixy/unifiedllm"
)

// SnapshotVersion is the current snapshot format.
const SnapshotVersion = 1

// Snapshot is the serializable form of an AgentContext. Tool executors are not
// serialized; they are rebound by name on restore.
type Snapshot struct {
	Version      int                  `json:"version"`
	SystemPrompt string               `json:"systemPrompt,omitempty"`
	Messages     []unifiedllm.Message `json:"messages"`
	Tools        []unifiedllm.Tool    `json:"tools,omitempty"`
}

// MarshalSnapshot serializes c as JSON.
func MarshalSnapshot(c AgentContext) ([]byte, error) {
	s := Snapshot{
		Version:      SnapshotVersion,
		SystemPrompt: c.SystemPrompt,
		Messages:     c.Messages,
	}
	if s.Messages == nil {
		s.Messages = []unifiedllm.Message{}
	}
	for _, t := range c.Tools {
		s.Tools = append(s.Tools, t.Definition())
	}
	data, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("marshal snapshot: %w", err)
	}
	return data, nil
}

// UnmarshalSnapshot parses a snapshot produced by MarshalSnapshot.
func UnmarshalSnapshot(data []byte) (Snapshot, error) {
	var s Snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return Snapshot{}, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	if s.Version != SnapshotVersion {
		return Snapshot{}, fmt.Errorf("unsupported snapshot version %d", s.Version)
	}
	return s, nil
}

// Context rebuilds an AgentContext, binding each snapshot tool to the
// executor registered under the same name. The snapshot's tool definitions
// and order are kept so the model sees the same request.
func (s Snapshot) Context(registry *ToolRegistry) (AgentContext, error) {
	c := AgentContext{SystemPrompt: s.SystemPrompt, Messages: s.Messages}
	for _, def := range s.Tools {
		var tool AgentTool
		if registry != nil {
			tool, _ = registry.Get(def.Name)
		}
		if tool.Executor == nil {
			return AgentContext{}, fmt.Errorf("snapshot tool %q has no registered executor", def.Name)
		}
		tool.Name = def.Name
		tool.Description = def.Description
		tool.Parameters = def.Parameters
		c.Tools = append(c.Tools, tool)
	}
	return c, nil
}
