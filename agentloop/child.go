package agentloop

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/martinemde/pixy/internal/logger"
	"github.com/martinemde/pixy/unifiedllm"
)

// ChildRunEventKind distinguishes the lifecycle of a nested run.
type ChildRunEventKind string

const (
	ChildRunStart ChildRunEventKind = "child_run_start"
	ChildRunEvent ChildRunEventKind = "child_run_event"
	ChildRunEnd   ChildRunEventKind = "child_run_end"
	ChildRunError ChildRunEventKind = "child_run_error"
)

// ParentChildRunEvent links an event of a nested run to its parent run.
type ParentChildRunEvent struct {
	Kind        ChildRunEventKind `json:"kind"`
	ParentRunID string            `json:"parentRunId"`
	ChildRunID  string            `json:"childRunId"`
	TaskID      string            `json:"taskId,omitempty"`
	Event       *AgentEvent       `json:"event,omitempty"`
	Duration    time.Duration     `json:"duration,omitempty"`
	Summary     string            `json:"summary,omitempty"`
	Error       string            `json:"error,omitempty"`
}

type childForwarder struct {
	parent      EventSink
	parentRunID string
	childRunID  string
	taskID      string
}

func (f childForwarder) emit(ce ParentChildRunEvent) {
	if f.parent == nil {
		return
	}
	ce.ParentRunID = f.parentRunID
	if ce.ChildRunID == "" {
		ce.ChildRunID = f.childRunID
	}
	ce.TaskID = f.taskID
	f.parent.Emit(AgentEvent{Kind: EventChildRun, RunID: f.parentRunID, Timestamp: time.Now(), Child: &ce})
}

// Emit wraps a child event for the parent sink.
func (f childForwarder) Emit(ev AgentEvent) {
	f.emit(ParentChildRunEvent{Kind: ChildRunEvent, ChildRunID: ev.RunID, Event: &ev})
}

func (f childForwarder) finish(res *RunResult, err error, d time.Duration) {
	switch {
	case err != nil:
		f.emit(ParentChildRunEvent{Kind: ChildRunError, Duration: d, Error: err.Error()})
	case res.State != StateDone:
		f.emit(ParentChildRunEvent{Kind: ChildRunError, ChildRunID: res.RunID, Duration: d, Error: childFailure(res)})
	default:
		f.emit(ParentChildRunEvent{Kind: ChildRunEnd, ChildRunID: res.RunID, Duration: d, Summary: childSummary(res)})
	}
}

func childSummary(res *RunResult) string {
	if msg, ok := res.LastAssistant(); ok {
		return msg.TextContent()
	}
	return ""
}

func childFailure(res *RunResult) string {
	if res.Error != nil {
		return res.Error.Message
	}
	return fmt.Sprintf("child run ended %s (%s)", res.State, res.Reason)
}

// RunChild runs a nested loop whose events reach parent wrapped in
// child_run events tagged with parentRunID and taskID.
func RunChild(ctx context.Context, parentRunID, taskID string, prompts []unifiedllm.Message, agentCtx AgentContext, cfg AgentLoopConfig, parent EventSink) (*RunResult, error) {
	if cfg.RunID == "" {
		cfg.RunID = uuid.New().String()
	}
	fwd := childForwarder{parent: parent, parentRunID: parentRunID, childRunID: cfg.RunID, taskID: taskID}
	fwd.emit(ParentChildRunEvent{Kind: ChildRunStart})
	start := time.Now()
	res, err := AgentLoop(ctx, prompts, agentCtx, cfg, fwd)
	fwd.finish(res, err, time.Since(start))
	return res, err
}

// ChildStatus is the lifecycle state of a spawned child agent.
type ChildStatus string

const (
	ChildRunning   ChildStatus = "running"
	ChildCompleted ChildStatus = "completed"
	ChildFailed    ChildStatus = "failed"
)

// ChildHandle tracks a spawned child agent.
type ChildHandle struct {
	ID    string
	Agent *Agent

	cancel context.CancelFunc
	done   chan struct{}

	mu     sync.Mutex
	status ChildStatus
	result *RunResult
}

// Status returns the child's lifecycle state.
func (h *ChildHandle) Status() ChildStatus {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.status
}

// Result returns the finished run, or nil while running.
func (h *ChildHandle) Result() *RunResult {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.result
}

// Done is closed when the child finishes.
func (h *ChildHandle) Done() <-chan struct{} { return h.done }

// ChildManager spawns child agents from a base configuration and forwards
// their events to the parent sink.
type ChildManager struct {
	base     AgentConfig
	parent   EventSink
	maxDepth int
	depth    int

	mu     sync.RWMutex
	agents map[string]*ChildHandle
}

// DefaultChildMaxTurns bounds a child run when the caller sets no limit.
const DefaultChildMaxTurns = 50

// NewChildManager creates a manager at the given nesting depth.
func NewChildManager(base AgentConfig, parent EventSink, maxDepth, depth int) *ChildManager {
	return &ChildManager{
		base:     base,
		parent:   parent,
		maxDepth: maxDepth,
		depth:    depth,
		agents:   make(map[string]*ChildHandle),
	}
}

// CanSpawn reports whether nesting depth allows another level.
func (m *ChildManager) CanSpawn() bool {
	return m.depth < m.maxDepth
}

// Spawn starts a child agent on task in the background. The child outlives
// the calling tool but is cancelled by Close.
func (m *ChildManager) Spawn(ctx context.Context, parentRunID, taskID, task string, maxTurns int) (*ChildHandle, error) {
	if !m.CanSpawn() {
		return nil, fmt.Errorf("maximum child depth (%d) reached", m.maxDepth)
	}
	cfg := m.base
	cfg.Messages = nil
	cfg.MaxTurns = DefaultChildMaxTurns
	if maxTurns > 0 {
		cfg.MaxTurns = maxTurns
	}
	if m.depth+1 < m.maxDepth {
		nested := NewChildManager(m.base, m.parent, m.maxDepth, m.depth+1)
		cfg.Tools = append(append([]AgentTool(nil), cfg.Tools...), nested.Tools()...)
	}

	agent := NewAgent(cfg)
	fwd := childForwarder{parent: m.parent, parentRunID: parentRunID, childRunID: agent.ID(), taskID: taskID}
	agent.cfg.Sink = fwd

	childCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	h := &ChildHandle{ID: agent.ID(), Agent: agent, cancel: cancel, done: make(chan struct{}), status: ChildRunning}

	m.mu.Lock()
	m.agents[h.ID] = h
	m.mu.Unlock()

	fwd.emit(ParentChildRunEvent{Kind: ChildRunStart})
	logger.DebugContext(ctx, "child agent spawned", "child_id", h.ID, "depth", m.depth+1)

	go func() {
		defer close(h.done)
		defer cancel()
		start := time.Now()
		res, err := agent.PromptText(childCtx, task)
		fwd.finish(res, err, time.Since(start))

		h.mu.Lock()
		defer h.mu.Unlock()
		h.result = res
		if err == nil && res.State == StateDone {
			h.status = ChildCompleted
		} else {
			h.status = ChildFailed
		}
	}()
	return h, nil
}

// Get returns a child by ID.
func (m *ChildManager) Get(id string) (*ChildHandle, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h, ok := m.agents[id]
	return h, ok
}

// Wait blocks until the child finishes or ctx is done.
func (m *ChildManager) Wait(ctx context.Context, id string) (*ChildHandle, error) {
	h, ok := m.Get(id)
	if !ok {
		return nil, fmt.Errorf("child agent %s not found", id)
	}
	select {
	case <-h.done:
		return h, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close aborts a child.
func (m *ChildManager) Close(id string) error {
	h, ok := m.Get(id)
	if !ok {
		return fmt.Errorf("child agent %s not found", id)
	}
	h.Agent.Abort()
	h.cancel()
	return nil
}

// CloseAll aborts every child.
func (m *ChildManager) CloseAll() {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, h := range m.agents {
		h.Agent.Abort()
		h.cancel()
	}
}

// SpawnArgs are the arguments of the spawn_agent tool.
type SpawnArgs struct {
	Task     string `json:"task" jsonschema:"natural language task description"`
	MaxTurns int    `json:"max_turns,omitempty" jsonschema:"turn limit for the child agent"`
}

// SendInputArgs are the arguments of the send_input tool.
type SendInputArgs struct {
	AgentID string `json:"agent_id" jsonschema:"the child agent ID"`
	Message string `json:"message" jsonschema:"message to send"`
}

// ChildIDArgs identify a child agent.
type ChildIDArgs struct {
	AgentID string `json:"agent_id" jsonschema:"the child agent ID"`
}

// Tools returns spawn_agent, send_input, wait and close_agent bound to m.
func (m *ChildManager) Tools() []AgentTool {
	spawn := MustTypedTool("spawn_agent", "Spawn a child agent to handle a scoped task autonomously.",
		func(ctx context.Context, toolCallID string, args SpawnArgs) (AgentToolResult, error) {
			if args.Task == "" {
				return AgentToolResult{}, unifiedllm.NewError(unifiedllm.CodeToolArgumentsInvalid, "task is required")
			}
			h, err := m.Spawn(ctx, logger.RunIDFromContext(ctx), toolCallID, args.Task, args.MaxTurns)
			if err != nil {
				return AgentToolResult{}, err
			}
			return TextResult(fmt.Sprintf("Child agent spawned with ID: %s\nStatus: %s", h.ID, h.Status())), nil
		})

	send := MustTypedTool("send_input", "Send a message to a running child agent.",
		func(ctx context.Context, _ string, args SendInputArgs) (AgentToolResult, error) {
			h, ok := m.Get(args.AgentID)
			if !ok {
				return AgentToolResult{}, fmt.Errorf("child agent %s not found", args.AgentID)
			}
			h.Agent.Steer(unifiedllm.UserMessage(args.Message))
			return TextResult(fmt.Sprintf("Message sent to child agent %s", args.AgentID)), nil
		})

	wait := MustTypedTool("wait", "Wait for a child agent to complete and return its result.",
		func(ctx context.Context, _ string, args ChildIDArgs) (AgentToolResult, error) {
			h, err := m.Wait(ctx, args.AgentID)
			if err != nil {
				return AgentToolResult{}, err
			}
			res := h.Result()
			if res == nil || h.Status() != ChildCompleted {
				msg := "child agent failed"
				if res != nil {
					msg = childFailure(res)
				}
				return AgentToolResult{}, unifiedllm.NewError(unifiedllm.CodeToolExecutionFailed, msg)
			}
			return TextResult(childSummary(res)), nil
		})

	closeTool := MustTypedTool("close_agent", "Terminate a child agent.",
		func(ctx context.Context, _ string, args ChildIDArgs) (AgentToolResult, error) {
			if err := m.Close(args.AgentID); err != nil {
				return AgentToolResult{}, err
			}
			return TextResult(fmt.Sprintf("Child agent %s closed", args.AgentID)), nil
		})

	return []AgentTool{spawn, send, wait, closeTool}
}
