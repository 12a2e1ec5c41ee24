package agentloop

import (
	"errors"
	"sync"
	"time"

	"github.com/martinemde/pixy/unifiedllm"
)

// AgentState is the lifecycle state of one run.
type AgentState string

const (
	StateIdle           AgentState = "idle"
	StateRunning        AgentState = "running"
	StateWaitingForTool AgentState = "waiting_for_tool"
	StateDone           AgentState = "done"
	StateAborted        AgentState = "aborted"
	StateFailed         AgentState = "failed"
)

// IsTerminal reports whether the state ends a run.
func (s AgentState) IsTerminal() bool {
	return s == StateDone || s == StateAborted || s == StateFailed
}

// RunReason classifies why a run reached its terminal state.
type RunReason string

const (
	ReasonStop       RunReason = "stop"
	ReasonTurnLimit  RunReason = "turn_limit"
	ReasonTokenLimit RunReason = "token_limit"
	ReasonAborted    RunReason = "aborted"
	ReasonError      RunReason = "error"
)

// QueueMode decides when messages queued on a running Agent are injected.
type QueueMode string

const (
	// QueueInterrupt cuts the current cycle short and starts a fresh one with
	// the queued messages.
	QueueInterrupt QueueMode = "interrupt"
	// QueueEnqueue waits until the run settles, then continues with the queued
	// messages as the next turn's input.
	QueueEnqueue QueueMode = "enqueue"
)

// ParseQueueMode maps a name to a QueueMode. Unknown names map to enqueue.
func ParseQueueMode(s string) QueueMode {
	if QueueMode(s) == QueueInterrupt {
		return QueueInterrupt
	}
	return QueueEnqueue
}

var (
	// ErrNoMessages is returned by AgentLoopContinue for an empty context.
	ErrNoMessages = errors.New("cannot continue: no messages in context")
	// ErrContinueFromAssistant is returned by AgentLoopContinue when the last
	// message is an assistant message.
	ErrContinueFromAssistant = errors.New("cannot continue from message role: assistant")
	// ErrAgentBusy is returned when a run is started on an Agent that is
	// already running.
	ErrAgentBusy = errors.New("agent is already processing; wait for completion before prompting again")
	// ErrEmptyPrompt is returned when Prompt is called without messages.
	ErrEmptyPrompt = errors.New("prompt messages cannot be empty")
)

// MessageQueue yields pending messages to inject into a run. Poll returns
// false when nothing is pending.
type MessageQueue interface {
	Poll() ([]unifiedllm.Message, bool)
}

// MessageQueueFunc adapts a function to MessageQueue.
type MessageQueueFunc func() ([]unifiedllm.Message, bool)

// Poll implements MessageQueue.
func (f MessageQueueFunc) Poll() ([]unifiedllm.Message, bool) { return f() }

// SliceQueue is a concurrency-safe FIFO MessageQueue. Poll drains all pending
// messages at once unless OneAtATime is set.
type SliceQueue struct {
	mu         sync.Mutex
	items      []unifiedllm.Message
	notify     chan struct{}
	OneAtATime bool
}

// NewSliceQueue creates an empty queue.
func NewSliceQueue() *SliceQueue {
	return &SliceQueue{notify: make(chan struct{}, 1)}
}

// Push appends messages and wakes a waiter on Ready.
func (q *SliceQueue) Push(msgs ...unifiedllm.Message) {
	q.mu.Lock()
	q.items = append(q.items, msgs...)
	q.mu.Unlock()
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Poll implements MessageQueue.
func (q *SliceQueue) Poll() ([]unifiedllm.Message, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil, false
	}
	n := len(q.items)
	if q.OneAtATime {
		n = 1
	}
	out := append([]unifiedllm.Message(nil), q.items[:n]...)
	q.items = q.items[n:]
	return out, true
}

// Len returns the number of pending messages.
func (q *SliceQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Clear drops all pending messages.
func (q *SliceQueue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = nil
}

// Ready is signalled after Push. Used as an AgentLoopConfig.Interrupt source.
func (q *SliceQueue) Ready() <-chan struct{} {
	return q.notify
}

// ConvertToLLM maps application messages to the messages sent to the model.
type ConvertToLLM func([]unifiedllm.Message) []unifiedllm.Message

// AgentRetryConfig controls provider retries for each assistant request.
// Zero values fall back to the reliability wrapper's defaults.
type AgentRetryConfig struct {
	MaxAttempts    int           `json:"maxAttempts"`
	InitialBackoff time.Duration `json:"initialBackoff"`
	MaxBackoff     time.Duration `json:"maxBackoff"`
	NoJitter       bool          `json:"noJitter,omitempty"`
}

// DefaultAgentRetryConfig returns three attempts starting at 200ms, capped at 2s.
func DefaultAgentRetryConfig() AgentRetryConfig {
	return AgentRetryConfig{
		MaxAttempts:    3,
		InitialBackoff: 200 * time.Millisecond,
		MaxBackoff:     2 * time.Second,
	}
}

func (c AgentRetryConfig) policy(opts unifiedllm.StreamOptions, onRetry func(err error, attempt int, delay time.Duration)) *unifiedllm.RetryPolicy {
	p := unifiedllm.DefaultRetryPolicy()
	if opts.Retry != nil {
		p = *opts.Retry
	} else if opts.TransportRetryCount != nil {
		p = p.WithRetries(*opts.TransportRetryCount)
	}
	if c.MaxAttempts > 0 {
		p.MaxAttempts = c.MaxAttempts
	}
	if c.InitialBackoff > 0 {
		p.InitialBackoff = c.InitialBackoff
	}
	if c.MaxBackoff > 0 {
		p.MaxBackoff = c.MaxBackoff
	}
	if c.NoJitter {
		p.Jitter = false
	}
	p.OnRetry = onRetry
	return &p
}

// AgentContext is the conversation state a run operates on.
type AgentContext struct {
	SystemPrompt string
	Messages     []unifiedllm.Message
	Tools        []AgentTool
}

// Clone returns a copy whose message slice can be appended independently.
func (c AgentContext) Clone() AgentContext {
	out := AgentContext{SystemPrompt: c.SystemPrompt}
	out.Messages = make([]unifiedllm.Message, len(c.Messages))
	for i, m := range c.Messages {
		out.Messages[i] = m.Clone()
	}
	out.Tools = append([]AgentTool(nil), c.Tools...)
	return out
}

// LLMContext converts the agent context into the provider request shape.
func (c AgentContext) LLMContext(convert ConvertToLLM) unifiedllm.Context {
	msgs := c.Messages
	if convert != nil {
		msgs = convert(append([]unifiedllm.Message(nil), msgs...))
	}
	out := unifiedllm.Context{SystemPrompt: c.SystemPrompt, Messages: msgs}
	for _, t := range c.Tools {
		out.Tools = append(out.Tools, t.Definition())
	}
	return out
}

// AgentLoopConfig configures one run.
type AgentLoopConfig struct {
	// Model is the primary model; its API selects the provider.
	Model unifiedllm.Model
	// FallbackModels are tried in order when a request fails before producing
	// any content.
	FallbackModels []unifiedllm.Model
	// Client resolves providers. Required.
	Client *unifiedllm.Client
	// Options are passed to every provider call. Retry is filled from Retry.
	Options unifiedllm.StreamOptions
	Retry   AgentRetryConfig

	// MaxTurns caps assistant requests per run; 0 means unlimited.
	MaxTurns int
	// MaxTokens caps cumulative total tokens per run; 0 means unlimited.
	MaxTokens int

	// ToolOutputLimit truncates tool result text. Zero uses DefaultOutputLimit.
	ToolOutputLimit OutputLimit
	// Validator checks tool arguments; nil uses a fresh validator per run.
	Validator *unifiedllm.Validator

	// Steering is polled at the top of each cycle and after tools settle.
	Steering MessageQueue
	// FollowUps is polled when the run would otherwise finish.
	FollowUps MessageQueue
	// Interrupt, when signalled, cuts streaming or tool waiting short so
	// pending steering messages are injected immediately.
	Interrupt <-chan struct{}

	ConvertToLLM ConvertToLLM

	// Signal aborts the run in addition to ctx cancellation.
	Signal *AbortSignal

	// LoopDetectionWindow enables repeated tool call detection over the last
	// N calls; 0 disables it.
	LoopDetectionWindow int

	// RunID identifies the run in events and logs; generated when empty.
	RunID string
}

// RunResult is the outcome of a run.
type RunResult struct {
	RunID  string
	State  AgentState
	Reason RunReason
	// Messages holds the messages added during the run, prompts included.
	Messages []unifiedllm.Message
	// Context is the final conversation.
	Context AgentContext
	Metrics AgentRunMetrics
	// Error is set when State is StateFailed.
	Error *unifiedllm.Error
}

// LastAssistant returns the final assistant message of the run, if any.
func (r *RunResult) LastAssistant() (unifiedllm.Message, bool) {
	for i := len(r.Messages) - 1; i >= 0; i-- {
		if r.Messages[i].Role == unifiedllm.RoleAssistant {
			return r.Messages[i], true
		}
	}
	return unifiedllm.Message{}, false
}
