package agentloop

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/martinemde/pixy/internal/logger"
	"github.com/martinemde/pixy/unifiedllm"
)

// AgentConfig holds the settings of a stateful Agent.
type AgentConfig struct {
	SystemPrompt   string
	Model          unifiedllm.Model
	FallbackModels []unifiedllm.Model
	Tools          []AgentTool
	Messages       []unifiedllm.Message
	Client         *unifiedllm.Client
	Options        unifiedllm.StreamOptions
	Retry          AgentRetryConfig

	MaxTurns            int
	MaxTokens           int
	ToolOutputLimit     OutputLimit
	LoopDetectionWindow int
	ConvertToLLM        ConvertToLLM
	QueueMode           QueueMode

	// Sink receives the events of every run.
	Sink EventSink
}

// Agent keeps a conversation across runs and owns the queues that feed it.
type Agent struct {
	id        string
	validator *unifiedllm.Validator

	mu         sync.Mutex
	cfg        AgentConfig
	messages   []unifiedllm.Message
	state      AgentState
	running    bool
	idle       chan struct{}
	abort      *AbortController
	lastResult *RunResult

	steering  *SliceQueue
	followUps *SliceQueue
	deferred  *SliceQueue
}

// NewAgent creates an idle agent.
func NewAgent(cfg AgentConfig) *Agent {
	if cfg.QueueMode == "" {
		cfg.QueueMode = QueueEnqueue
	}
	idle := make(chan struct{})
	close(idle)
	return &Agent{
		id:        uuid.New().String(),
		validator: unifiedllm.NewValidator(),
		cfg:       cfg,
		messages:  append([]unifiedllm.Message(nil), cfg.Messages...),
		state:     StateIdle,
		idle:      idle,
		steering:  NewSliceQueue(),
		followUps: NewSliceQueue(),
		deferred:  NewSliceQueue(),
	}
}

// ID returns the agent identifier.
func (a *Agent) ID() string { return a.id }

// State returns the state of the current or last run.
func (a *Agent) State() AgentState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// IsRunning reports whether a run is in progress.
func (a *Agent) IsRunning() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.running
}

// Messages returns a copy of the conversation.
func (a *Agent) Messages() []unifiedllm.Message {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]unifiedllm.Message(nil), a.messages...)
}

// LastResult returns the result of the last finished run.
func (a *Agent) LastResult() *RunResult {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastResult
}

// SetQueueMode changes how Steer behaves for subsequent calls.
func (a *Agent) SetQueueMode(mode QueueMode) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.cfg.QueueMode = mode
}

// QueueMode returns the current queue mode.
func (a *Agent) QueueMode() QueueMode {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cfg.QueueMode
}

// SetModel changes the model for subsequent runs.
func (a *Agent) SetModel(model unifiedllm.Model) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.cfg.Model = model
}

// SetTools replaces the tool set for subsequent runs.
func (a *Agent) SetTools(tools []AgentTool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.cfg.Tools = append([]AgentTool(nil), tools...)
}

// SetSystemPrompt changes the system prompt for subsequent runs.
func (a *Agent) SetSystemPrompt(prompt string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.cfg.SystemPrompt = prompt
}

// ReplaceMessages swaps the conversation.
func (a *Agent) ReplaceMessages(msgs []unifiedllm.Message) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.messages = append([]unifiedllm.Message(nil), msgs...)
}

// Steer queues a user message for the current run. In interrupt mode a
// running cycle is cut short; in enqueue mode the message is injected once the
// run settles. An idle agent picks it up at the start of the next run.
func (a *Agent) Steer(msg unifiedllm.Message) {
	a.mu.Lock()
	running, mode := a.running, a.cfg.QueueMode
	a.mu.Unlock()
	if running && mode == QueueEnqueue {
		a.deferred.Push(msg)
		return
	}
	a.steering.Push(msg)
}

// FollowUp queues a message processed when the current run would finish.
func (a *Agent) FollowUp(msg unifiedllm.Message) {
	a.followUps.Push(msg)
}

// HasQueuedMessages reports whether any queue holds messages.
func (a *Agent) HasQueuedMessages() bool {
	return a.steering.Len()+a.followUps.Len()+a.deferred.Len() > 0
}

// ClearQueues drops every queued message.
func (a *Agent) ClearQueues() {
	a.steering.Clear()
	a.followUps.Clear()
	a.deferred.Clear()
}

// Abort signals the current run to stop. It is a no-op when idle.
func (a *Agent) Abort() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.abort != nil {
		a.abort.Abort()
	}
}

// WaitForIdle blocks until no run is in progress or ctx is done.
func (a *Agent) WaitForIdle(ctx context.Context) error {
	a.mu.Lock()
	idle := a.idle
	a.mu.Unlock()
	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Prompt appends prompts and runs the agent.
func (a *Agent) Prompt(ctx context.Context, prompts ...unifiedllm.Message) (*RunResult, error) {
	if len(prompts) == 0 {
		return nil, ErrEmptyPrompt
	}
	return a.run(ctx, prompts, false)
}

// PromptText is Prompt with a single user text message.
func (a *Agent) PromptText(ctx context.Context, text string) (*RunResult, error) {
	return a.Prompt(ctx, unifiedllm.UserMessage(text))
}

// Continue resumes the conversation. When it ends with an assistant message,
// queued messages become the next input; without any it fails with
// ErrContinueFromAssistant.
func (a *Agent) Continue(ctx context.Context) (*RunResult, error) {
	msgs := a.Messages()
	if len(msgs) == 0 {
		return nil, ErrNoMessages
	}
	if msgs[len(msgs)-1].Role != unifiedllm.RoleAssistant {
		return a.run(ctx, nil, true)
	}
	for _, q := range []*SliceQueue{a.steering, a.deferred, a.followUps} {
		if queued, ok := q.Poll(); ok {
			return a.run(ctx, queued, false)
		}
	}
	return nil, ErrContinueFromAssistant
}

// Snapshot serializes the conversation and tool definitions.
func (a *Agent) Snapshot() ([]byte, error) {
	a.mu.Lock()
	c := AgentContext{SystemPrompt: a.cfg.SystemPrompt, Messages: a.messages, Tools: a.cfg.Tools}
	a.mu.Unlock()
	return MarshalSnapshot(c)
}

// Restore replaces the conversation from a snapshot, rebinding tools to the
// agent's current executors.
func (a *Agent) Restore(data []byte) error {
	s, err := UnmarshalSnapshot(data)
	if err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.running {
		return ErrAgentBusy
	}
	c, err := s.Context(NewToolRegistry(a.cfg.Tools...))
	if err != nil {
		return fmt.Errorf("restore agent: %w", err)
	}
	a.cfg.SystemPrompt = c.SystemPrompt
	a.cfg.Tools = c.Tools
	a.messages = c.Messages
	return nil
}

func (a *Agent) trackState(ev AgentEvent) {
	if ev.Kind != EventStateChange {
		return
	}
	a.mu.Lock()
	a.state = ev.State
	a.mu.Unlock()
}

func (a *Agent) run(ctx context.Context, prompts []unifiedllm.Message, cont bool) (*RunResult, error) {
	a.mu.Lock()
	if a.running {
		a.mu.Unlock()
		return nil, ErrAgentBusy
	}
	a.running = true
	a.idle = make(chan struct{})
	ctrl := NewAbortController(logger.ContextWithSessionID(ctx, a.id))
	a.abort = ctrl
	conv := AgentContext{
		SystemPrompt: a.cfg.SystemPrompt,
		Messages:     append([]unifiedllm.Message(nil), a.messages...),
		Tools:        append([]AgentTool(nil), a.cfg.Tools...),
	}
	cfg := AgentLoopConfig{
		Model:               a.cfg.Model,
		FallbackModels:      a.cfg.FallbackModels,
		Client:              a.cfg.Client,
		Options:             a.cfg.Options,
		Retry:               a.cfg.Retry,
		MaxTurns:            a.cfg.MaxTurns,
		MaxTokens:           a.cfg.MaxTokens,
		ToolOutputLimit:     a.cfg.ToolOutputLimit,
		Validator:           a.validator,
		Steering:            a.steering,
		FollowUps:           a.followUps,
		Interrupt:           a.steering.Ready(),
		ConvertToLLM:        a.cfg.ConvertToLLM,
		Signal:              ctrl.Signal(),
		LoopDetectionWindow: a.cfg.LoopDetectionWindow,
	}
	sink := MultiSink{SinkFunc(a.trackState), a.cfg.Sink}
	a.mu.Unlock()

	defer func() {
		a.mu.Lock()
		a.running = false
		a.abort = nil
		close(a.idle)
		a.mu.Unlock()
	}()

	runCtx := logger.ContextWithSessionID(ctx, a.id)
	var res *RunResult
	var err error
	if cont {
		res, err = AgentLoopContinue(runCtx, conv, cfg, sink)
	} else {
		res, err = AgentLoop(runCtx, prompts, conv, cfg, sink)
	}
	if err != nil {
		return nil, err
	}

	// Enqueued messages continue the conversation once the run settles.
	for res.State == StateDone || res.State == StateFailed {
		queued, ok := a.deferred.Poll()
		if !ok {
			break
		}
		next := res.Context.Clone()
		next.Messages = append(next.Messages, queued...)
		cfg.RunID = ""
		cont, err := AgentLoopContinue(runCtx, next, cfg, sink)
		if err != nil {
			return nil, err
		}
		cont.Messages = append(append(append([]unifiedllm.Message(nil), res.Messages...), queued...), cont.Messages...)
		cont.Metrics = res.Metrics.Add(cont.Metrics)
		res = cont
	}

	a.mu.Lock()
	a.messages = res.Context.Messages
	a.lastResult = res
	a.mu.Unlock()
	return res, nil
}
