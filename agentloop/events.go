package agentloop

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/martinemde/pixy/internal/metrics"
	"github.com/martinemde/pixy/unifiedllm"
)

// EventKind identifies the type of run event.
type EventKind string

const (
	EventAgentStart         EventKind = "agent_start"
	EventAgentEnd           EventKind = "agent_end"
	EventTurnStart          EventKind = "turn_start"
	EventTurnEnd            EventKind = "turn_end"
	EventMessageStart       EventKind = "message_start"
	EventMessageUpdate      EventKind = "message_update"
	EventMessageEnd         EventKind = "message_end"
	EventToolExecutionStart EventKind = "tool_execution_start"
	EventToolExecutionEnd   EventKind = "tool_execution_end"
	EventRetryScheduled     EventKind = "retry_scheduled"
	EventModelFallback      EventKind = "model_fallback"
	EventStateChange        EventKind = "state_change"
	EventLoopDetected       EventKind = "loop_detected"
	EventMetrics            EventKind = "metrics"
	EventRunError           EventKind = "run_error"
	EventChildRun           EventKind = "child_run"
)

// AgentEvent is a typed event emitted by the agent loop. Kind decides which of
// the optional fields are set.
type AgentEvent struct {
	Kind      EventKind `json:"kind"`
	RunID     string    `json:"runId"`
	Timestamp time.Time `json:"timestamp"`

	// message_start, message_update, message_end, turn_end
	Message *unifiedllm.Message `json:"message,omitempty"`
	// message_update: the provider event that produced the update.
	AssistantEvent *unifiedllm.AssistantMessageEvent `json:"assistantEvent,omitempty"`
	// turn_end
	ToolResults []unifiedllm.Message `json:"toolResults,omitempty"`
	// agent_end: messages added during the run.
	Messages []unifiedllm.Message `json:"messages,omitempty"`

	// tool_execution_start, tool_execution_end
	ToolCallID string           `json:"toolCallId,omitempty"`
	ToolName   string           `json:"toolName,omitempty"`
	Args       json.RawMessage  `json:"args,omitempty"`
	Result     *AgentToolResult `json:"result,omitempty"`
	IsError    bool             `json:"isError,omitempty"`
	Duration   time.Duration    `json:"duration,omitempty"`

	// retry_scheduled
	Attempt     int           `json:"attempt,omitempty"`
	MaxAttempts int           `json:"maxAttempts,omitempty"`
	Delay       time.Duration `json:"delay,omitempty"`

	// model_fallback
	FromModel string `json:"fromModel,omitempty"`
	ToModel   string `json:"toModel,omitempty"`

	// state_change, agent_end
	State  AgentState `json:"state,omitempty"`
	Reason RunReason  `json:"reason,omitempty"`

	// metrics, agent_end
	Metrics *AgentRunMetrics `json:"metrics,omitempty"`
	// run_error, retry_scheduled, model_fallback
	Error *unifiedllm.Error `json:"error,omitempty"`
	// loop_detected
	Text string `json:"text,omitempty"`
	// child_run
	Child *ParentChildRunEvent `json:"child,omitempty"`
}

// EventSink receives run events. Implementations must be safe for concurrent
// use; retry notifications arrive from the provider goroutine.
type EventSink interface {
	Emit(AgentEvent)
}

// SinkFunc adapts a function to EventSink.
type SinkFunc func(AgentEvent)

// Emit implements EventSink.
func (f SinkFunc) Emit(ev AgentEvent) { f(ev) }

type nopSink struct{}

func (nopSink) Emit(AgentEvent) {}

// NopSink discards every event.
var NopSink EventSink = nopSink{}

// MultiSink fans events out to every sink in order.
type MultiSink []EventSink

// Emit implements EventSink.
func (m MultiSink) Emit(ev AgentEvent) {
	for _, s := range m {
		if s != nil {
			s.Emit(ev)
		}
	}
}

// ChannelSink delivers events to the host application via a buffered channel.
// A full buffer drops the event rather than blocking the loop.
type ChannelSink struct {
	ch     chan AgentEvent
	closed bool
	mu     sync.Mutex
}

// NewChannelSink creates a ChannelSink. A non-positive size uses 256.
func NewChannelSink(bufferSize int) *ChannelSink {
	if bufferSize <= 0 {
		bufferSize = 256
	}
	return &ChannelSink{ch: make(chan AgentEvent, bufferSize)}
}

// Emit sends an event to the channel. Events after Close are dropped.
func (s *ChannelSink) Emit(ev AgentEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- ev:
	default:
		metrics.RecordEventDrop()
	}
}

// Events returns the read-only event channel.
func (s *ChannelSink) Events() <-chan AgentEvent {
	return s.ch
}

// Close closes the event channel. Safe to call multiple times.
func (s *ChannelSink) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

// MemorySink records every event. Tests and snapshots use it.
type MemorySink struct {
	mu     sync.Mutex
	events []AgentEvent
}

// Emit implements EventSink.
func (s *MemorySink) Emit(ev AgentEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
}

// Events returns a copy of the recorded events.
func (s *MemorySink) Events() []AgentEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]AgentEvent(nil), s.events...)
}

// Kinds returns the kinds of the recorded events in order.
func (s *MemorySink) Kinds() []EventKind {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]EventKind, len(s.events))
	for i, ev := range s.events {
		out[i] = ev.Kind
	}
	return out
}

// OfKind returns the recorded events of kind k.
func (s *MemorySink) OfKind(k EventKind) []AgentEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []AgentEvent
	for _, ev := range s.events {
		if ev.Kind == k {
			out = append(out, ev)
		}
	}
	return out
}
