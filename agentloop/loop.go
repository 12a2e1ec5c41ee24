package agentloop

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/martinemde/pixy/internal/logger"
	"github.com/martinemde/pixy/internal/metrics"
	"github.com/martinemde/pixy/unifiedllm"
)

const (
	skippedForSteering = "Skipped due to queued user message."
	interruptedMessage = "Interrupted by queued user message"
	toolAbortedMessage = "Tool execution aborted"
)

// AgentLoop appends prompts to agentCtx and runs until a terminal state. The
// returned error reports invalid invocations only; provider failures and
// aborts are reported through RunResult.State.
func AgentLoop(ctx context.Context, prompts []unifiedllm.Message, agentCtx AgentContext, cfg AgentLoopConfig, sink EventSink) (*RunResult, error) {
	if cfg.Client == nil {
		return nil, errors.New("agentloop: config has no client")
	}
	r := newRunner(ctx, agentCtx, cfg, sink)
	defer r.cancel()
	return r.run(prompts), nil
}

// AgentLoopContinue runs from an existing context without adding prompts. The
// last message must be a user or tool result message.
func AgentLoopContinue(ctx context.Context, agentCtx AgentContext, cfg AgentLoopConfig, sink EventSink) (*RunResult, error) {
	if err := validateContinue(agentCtx); err != nil {
		return nil, err
	}
	return AgentLoop(ctx, nil, agentCtx, cfg, sink)
}

func validateContinue(agentCtx AgentContext) error {
	if len(agentCtx.Messages) == 0 {
		return ErrNoMessages
	}
	if agentCtx.Messages[len(agentCtx.Messages)-1].Role == unifiedllm.RoleAssistant {
		return ErrContinueFromAssistant
	}
	return nil
}

type runner struct {
	ctx    context.Context
	cancel context.CancelFunc
	cfg    AgentLoopConfig
	sink   EventSink
	runID  string
	log    *slog.Logger

	conv        AgentContext
	newMessages []unifiedllm.Message
	pending     []unifiedllm.Message
	state       AgentState
	validator   *unifiedllm.Validator

	metrics AgentRunMetrics
	retries atomic.Int64
	policy  *unifiedllm.RetryPolicy
	started time.Time
}

func newRunner(ctx context.Context, agentCtx AgentContext, cfg AgentLoopConfig, sink EventSink) *runner {
	runID := cfg.RunID
	if runID == "" {
		runID = uuid.New().String()
	}
	ctx = logger.ContextWithRunID(ctx, runID)
	ctx, cancel := cfg.Signal.bind(ctx)
	if sink == nil {
		sink = NopSink
	}
	v := cfg.Validator
	if v == nil {
		v = unifiedllm.NewValidator()
	}
	r := &runner{
		ctx:       ctx,
		cancel:    cancel,
		cfg:       cfg,
		sink:      sink,
		runID:     runID,
		log:       logger.WithContext(ctx),
		conv:      agentCtx.Clone(),
		state:     StateIdle,
		validator: v,
		started:   time.Now(),
	}
	r.policy = cfg.Retry.policy(cfg.Options, r.onRetry)
	return r
}

func (r *runner) emit(ev AgentEvent) {
	ev.RunID = r.runID
	ev.Timestamp = time.Now()
	r.sink.Emit(ev)
}

func (r *runner) setState(s AgentState) {
	if r.state == s {
		return
	}
	r.log.Debug("run state change", "from", r.state, "to", s)
	r.state = s
	r.emit(AgentEvent{Kind: EventStateChange, State: s})
}

// aborted also reads the signal directly because the run context is
// cancelled asynchronously after the signal fires.
func (r *runner) aborted() bool {
	return r.ctx.Err() != nil || r.cfg.Signal.Aborted()
}

// pushMessage records a non-streamed message in the conversation.
func (r *runner) pushMessage(m unifiedllm.Message) {
	r.emit(AgentEvent{Kind: EventMessageStart, Message: &m})
	r.emit(AgentEvent{Kind: EventMessageEnd, Message: &m})
	r.conv.Messages = append(r.conv.Messages, m)
	r.newMessages = append(r.newMessages, m)
}

func (r *runner) flushPending() {
	pending := r.pending
	r.pending = nil
	for _, m := range pending {
		r.pushMessage(m)
	}
}

func poll(q MessageQueue) []unifiedllm.Message {
	if q == nil {
		return nil
	}
	msgs, ok := q.Poll()
	if !ok {
		return nil
	}
	return msgs
}

func (r *runner) limitReached() RunReason {
	if r.cfg.MaxTurns > 0 && r.metrics.AssistantRequests >= r.cfg.MaxTurns {
		return ReasonTurnLimit
	}
	if r.cfg.MaxTokens > 0 && r.metrics.Usage.TotalTokens >= r.cfg.MaxTokens {
		return ReasonTokenLimit
	}
	return ""
}

func (r *runner) run(prompts []unifiedllm.Message) *RunResult {
	metrics.RunStarted()
	r.log.Debug("agent run started", "model", r.cfg.Model.ID, "api", r.cfg.Model.API, "prompts", len(prompts))

	r.emit(AgentEvent{Kind: EventAgentStart})
	r.setState(StateRunning)
	r.emit(AgentEvent{Kind: EventTurnStart})
	for _, p := range prompts {
		r.pushMessage(p)
	}
	r.pending = poll(r.cfg.Steering)

	firstTurn := true
	for {
		hasToolCalls := true
		for hasToolCalls || len(r.pending) > 0 {
			if !firstTurn {
				r.emit(AgentEvent{Kind: EventTurnStart})
			}
			firstTurn = false
			r.flushPending()

			if r.aborted() {
				msg := r.statusMessage(r.cfg.Model, unifiedllm.StopReasonAborted, unifiedllm.AbortedError(nil).Message)
				r.pushMessage(msg)
				r.emit(AgentEvent{Kind: EventTurnEnd, Message: &msg})
				return r.finish(StateAborted, ReasonAborted, nil)
			}
			if reason := r.limitReached(); reason != "" {
				r.log.Debug("run limit reached", "reason", reason)
				return r.finish(StateDone, reason, nil)
			}

			out := r.requestAssistant()
			msg := out.message
			switch {
			case out.interrupted:
				results := r.skipCompletedCalls(msg.ToolCalls(), skippedForSteering)
				r.appendToolResults(results)
				r.emit(AgentEvent{Kind: EventTurnEnd, Message: &msg, ToolResults: results})
				hasToolCalls = false
				continue
			case msg.StopReason == unifiedllm.StopReasonAborted:
				r.emit(AgentEvent{Kind: EventTurnEnd, Message: &msg})
				return r.finish(StateAborted, ReasonAborted, nil)
			case msg.StopReason == unifiedllm.StopReasonError:
				r.emit(AgentEvent{Kind: EventTurnEnd, Message: &msg})
				return r.finish(StateFailed, ReasonError, out.err)
			}

			calls := msg.ToolCalls()
			hasToolCalls = len(calls) > 0
			var results []unifiedllm.Message
			var steering []unifiedllm.Message
			abortedInTools := false
			if hasToolCalls && r.aborted() {
				results = r.skipCompletedCalls(calls, toolAbortedMessage)
				r.appendToolResults(results)
				r.emit(AgentEvent{Kind: EventTurnEnd, Message: &msg, ToolResults: results})
				return r.finish(StateAborted, ReasonAborted, nil)
			}
			if hasToolCalls {
				r.setState(StateWaitingForTool)
				results, steering, abortedInTools = r.executeTools(calls)
				r.appendToolResults(results)
			}
			r.emit(AgentEvent{Kind: EventTurnEnd, Message: &msg, ToolResults: results})

			if abortedInTools {
				return r.finish(StateAborted, ReasonAborted, nil)
			}
			r.setState(StateRunning)

			if len(steering) == 0 {
				steering = poll(r.cfg.Steering)
			}
			r.pending = append(r.pending, steering...)
			r.checkLoop(hasToolCalls)
		}

		followUps := poll(r.cfg.FollowUps)
		if len(followUps) == 0 {
			break
		}
		r.pending = followUps
	}

	return r.finish(StateDone, ReasonStop, nil)
}

func (r *runner) checkLoop(hadToolCalls bool) {
	window := r.cfg.LoopDetectionWindow
	if !hadToolCalls || window <= 0 || !DetectLoop(r.conv.Messages, window) {
		return
	}
	warning := loopWarning(window)
	r.log.Warn("tool call loop detected", "window", window)
	r.emit(AgentEvent{Kind: EventLoopDetected, Text: warning})
	r.pending = append(r.pending, unifiedllm.UserMessage(warning))
}

func (r *runner) appendToolResults(results []unifiedllm.Message) {
	for _, m := range results {
		r.pushMessage(m)
	}
}

func (r *runner) snapshotMetrics() AgentRunMetrics {
	m := r.metrics
	m.Retries = int(r.retries.Load())
	m.Duration = time.Since(r.started)
	return m
}

func (r *runner) finish(state AgentState, reason RunReason, runErr *unifiedllm.Error) *RunResult {
	r.setState(state)
	if runErr != nil {
		r.log.Warn("agent run failed", "error", runErr)
		r.emit(AgentEvent{Kind: EventRunError, Error: runErr})
	}

	m := r.snapshotMetrics()
	r.log.Debug("agent loop metrics",
		"duration", m.Duration,
		"assistant_requests", m.AssistantRequests,
		"assistant_request_time", m.AssistantRequestTime,
		"tool_executions", m.ToolExecutions,
		"tool_execution_time", m.ToolExecutionTime,
		"retries", m.Retries,
		"total_tokens", m.Usage.TotalTokens)
	r.emit(AgentEvent{Kind: EventMetrics, Metrics: &m})

	result := &RunResult{
		RunID:    r.runID,
		State:    state,
		Reason:   reason,
		Messages: r.newMessages,
		Context:  r.conv,
		Metrics:  m,
		Error:    runErr,
	}
	r.emit(AgentEvent{Kind: EventAgentEnd, Messages: r.newMessages, State: state, Reason: reason, Metrics: &m, Error: runErr})
	metrics.RecordRunFinished(string(state), string(reason), m.Duration)
	return result
}

// statusMessage builds an empty assistant message carrying a terminal stop
// reason, used when no provider output exists.
func (r *runner) statusMessage(model unifiedllm.Model, reason unifiedllm.StopReason, text string) unifiedllm.Message {
	return unifiedllm.Message{
		Role:         unifiedllm.RoleAssistant,
		API:          model.API,
		Provider:     model.Provider,
		Model:        model.ID,
		Usage:        &unifiedllm.Usage{},
		StopReason:   reason,
		ErrorMessage: text,
		Timestamp:    time.Now().UnixMilli(),
	}
}

// attemptModels returns the primary model followed by distinct fallbacks.
func attemptModels(cfg AgentLoopConfig) []unifiedllm.Model {
	models := []unifiedllm.Model{cfg.Model}
	for _, fb := range cfg.FallbackModels {
		dup := false
		for _, m := range models {
			if m.API == fb.API && m.Provider == fb.Provider && m.ID == fb.ID {
				dup = true
				break
			}
		}
		if !dup {
			models = append(models, fb)
		}
	}
	return models
}

type assistantOutcome struct {
	message     unifiedllm.Message
	err         *unifiedllm.Error
	interrupted bool
}

// requestAssistant performs one assistant request, falling back to the next
// model while attempts fail without producing content.
func (r *runner) requestAssistant() assistantOutcome {
	start := time.Now()
	models := attemptModels(r.cfg)

	var out assistantOutcome
	var sc *streamCall
	for i, model := range models {
		sc = r.streamOnce(model)
		out = sc.outcome
		last := i == len(models)-1
		if out.err == nil || out.interrupted || sc.produced || out.err.Code == unifiedllm.CodeAborted || last {
			break
		}
		next := models[i+1]
		r.metrics.Fallbacks++
		r.log.Warn("switching to fallback model", "from", model.ID, "to", next.ID, "error", out.err)
		r.emit(AgentEvent{Kind: EventModelFallback, FromModel: model.ID, ToModel: next.ID, Error: out.err})
	}

	r.metrics.AssistantRequests++
	r.metrics.AssistantRequestTime += time.Since(start)
	r.metrics.Usage = r.metrics.Usage.Add(sc.usage)

	msg := out.message
	if msg.Usage == nil {
		u := sc.usage
		msg.Usage = &u
	}
	out.message = msg
	if out.interrupted && !msg.HasContent() {
		return out
	}
	if !sc.produced {
		r.emit(AgentEvent{Kind: EventMessageStart, Message: &msg})
	}
	r.emit(AgentEvent{Kind: EventMessageEnd, Message: &msg})
	r.conv.Messages = append(r.conv.Messages, msg)
	r.newMessages = append(r.newMessages, msg)
	return out
}

type streamCall struct {
	outcome  assistantOutcome
	produced bool
	usage    unifiedllm.Usage
}

// streamOnce runs one provider stream for model and returns its final or
// partial assistant message. message_start is emitted on the first content
// event; message_end is left to the caller.
func (r *runner) streamOnce(model unifiedllm.Model) *streamCall {
	sc := &streamCall{}
	conv := r.conv.LLMContext(r.cfg.ConvertToLLM)
	opts := r.cfg.Options
	opts.Retry = r.policy

	reqCtx, cancel := context.WithCancel(r.ctx)
	defer cancel()

	identity := func(m unifiedllm.Message) unifiedllm.Message {
		m.Role = unifiedllm.RoleAssistant
		if m.API == "" {
			m.API = model.API
		}
		if m.Provider == "" {
			m.Provider = model.Provider
		}
		if m.Model == "" {
			m.Model = model.ID
		}
		if m.Timestamp == 0 {
			m.Timestamp = time.Now().UnixMilli()
		}
		return m
	}
	failWith := func(partial unifiedllm.Message, err *unifiedllm.Error) *streamCall {
		ev := unifiedllm.ErrorEvent(identity(partial), err)
		if sc.usage.TotalTokens > 0 || sc.usage.Input > 0 || sc.usage.Output > 0 {
			u := sc.usage
			ev.Message.Usage = &u
		}
		sc.outcome = assistantOutcome{message: *ev.Message, err: err}
		return sc
	}

	s, err := r.cfg.Client.Stream(reqCtx, model, conv, &opts)
	if err != nil {
		if r.aborted() {
			return failWith(unifiedllm.Message{}, unifiedllm.AbortedError(err))
		}
		return failWith(unifiedllm.Message{}, unifiedllm.AsError(err))
	}

	acc := unifiedllm.NewMessageAccumulator()
	for {
		select {
		case <-r.ctx.Done():
			s.Drain()
			return failWith(acc.Message(), unifiedllm.AbortedError(context.Cause(r.ctx)))

		case <-r.cfg.Interrupt:
			steering := poll(r.cfg.Steering)
			if len(steering) == 0 {
				continue
			}
			cancel()
			s.Drain()
			r.pending = append(r.pending, steering...)
			r.log.Debug("assistant stream interrupted by steering", "messages", len(steering))
			sc = failWith(acc.Message(), unifiedllm.AbortedError(nil))
			sc.outcome.message.ErrorMessage = interruptedMessage
			sc.outcome.err = nil
			sc.outcome.interrupted = true
			return sc

		case ev, ok := <-s.Events():
			if !ok {
				return failWith(acc.Message(), unifiedllm.ProtocolError("stream ended without a terminal event"))
			}
			acc.Process(ev)
			switch ev.Type {
			case unifiedllm.EventStart:
				continue
			case unifiedllm.EventUsage:
				if ev.Usage != nil {
					sc.usage = *ev.Usage
				}
				continue
			case unifiedllm.EventDone:
				final := acc.Message()
				if ev.Message != nil {
					final = ev.Message.Clone()
				}
				if final.Usage != nil {
					sc.usage = *final.Usage
				}
				sc.outcome = assistantOutcome{message: identity(final)}
				return sc
			case unifiedllm.EventError:
				e := ev.Error
				if e == nil {
					e = unifiedllm.ProtocolError("error event without error")
				}
				partial := acc.Message()
				if ev.Message != nil && ev.Message.HasContent() {
					partial = ev.Message.Clone()
				}
				return failWith(partial, e)
			}

			snapshot := identity(acc.Message())
			if !sc.produced {
				sc.produced = true
				r.emit(AgentEvent{Kind: EventMessageStart, Message: &snapshot})
			}
			evCopy := ev
			r.emit(AgentEvent{Kind: EventMessageUpdate, Message: &snapshot, AssistantEvent: &evCopy})
		}
	}
}

// onRetry is called from the provider goroutine before each backoff.
func (r *runner) onRetry(err error, attempt int, delay time.Duration) {
	r.retries.Add(1)
	r.emit(AgentEvent{
		Kind:        EventRetryScheduled,
		Attempt:     attempt,
		MaxAttempts: r.policy.MaxAttempts,
		Delay:       delay,
		Error:       unifiedllm.AsError(err),
	})
}

// String implements fmt.Stringer for log output.
func (r *RunResult) String() string {
	return fmt.Sprintf("run %s: %s (%s), %d new messages", r.RunID, r.State, r.Reason, len(r.Messages))
}
