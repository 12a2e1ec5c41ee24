package agentloop

import (
	"time"

	"github.com/martinemde/pixy/unifiedllm"
)

// AgentRunMetrics accumulates per-run counters. Values only grow during a run.
// Duration is the wall-clock time of the run.
type AgentRunMetrics struct {
	Duration             time.Duration    `json:"duration"`
	AssistantRequests    int              `json:"assistantRequests"`
	AssistantRequestTime time.Duration    `json:"assistantRequestTime"`
	ToolExecutions       int              `json:"toolExecutions"`
	ToolExecutionTime    time.Duration    `json:"toolExecutionTime"`
	Retries              int              `json:"retries"`
	Fallbacks            int              `json:"fallbacks"`
	Usage                unifiedllm.Usage `json:"usage"`
}

// Add returns the sum of m and other.
func (m AgentRunMetrics) Add(other AgentRunMetrics) AgentRunMetrics {
	return AgentRunMetrics{
		Duration:             m.Duration + other.Duration,
		AssistantRequests:    m.AssistantRequests + other.AssistantRequests,
		AssistantRequestTime: m.AssistantRequestTime + other.AssistantRequestTime,
		ToolExecutions:       m.ToolExecutions + other.ToolExecutions,
		ToolExecutionTime:    m.ToolExecutionTime + other.ToolExecutionTime,
		Retries:              m.Retries + other.Retries,
		Fallbacks:            m.Fallbacks + other.Fallbacks,
		Usage:                m.Usage.Add(other.Usage),
	}
}
