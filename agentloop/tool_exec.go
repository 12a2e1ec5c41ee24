package agentloop

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/martinemde/pixy/internal/metrics"
	"github.com/martinemde/pixy/unifiedllm"
)

type toolOutcome struct {
	index    int
	result   AgentToolResult
	isError  bool
	duration time.Duration
}

// executeTools validates and dispatches calls concurrently, then returns their
// results in call order. Waiting ends early on abort or on an interrupt with
// queued steering messages; unfinished calls then get placeholder results.
func (r *runner) executeTools(calls []unifiedllm.ToolCall) (results, steering []unifiedllm.Message, aborted bool) {
	defs := make([]unifiedllm.Tool, len(r.conv.Tools))
	for i, t := range r.conv.Tools {
		defs[i] = t.Definition()
	}

	slots := make([]*toolOutcome, len(calls))
	started := make([]bool, len(calls))
	done := make(chan toolOutcome, len(calls))
	running := 0

	for i, call := range calls {
		if r.aborted() {
			aborted = true
			break
		}
		started[i] = true
		r.emit(AgentEvent{Kind: EventToolExecutionStart, ToolCallID: call.ID, ToolName: call.Name, Args: call.Arguments})
		args, err := r.validator.ValidateToolCall(defs, call)
		if err != nil {
			e := unifiedllm.AsError(err)
			r.log.Debug("tool call rejected", "tool", call.Name, "code", e.Code)
			o := toolOutcome{index: i, result: errorResult(e), isError: true}
			slots[i] = &o
			r.emitToolEnd(call, o)
			continue
		}
		tool, _ := r.findTool(call.Name)
		running++
		go r.runTool(i, tool, call, args, done)
	}

wait:
	for running > 0 && !aborted {
		select {
		case o := <-done:
			running--
			slots[o.index] = &o
			r.metrics.ToolExecutions++
			r.metrics.ToolExecutionTime += o.duration
			r.emitToolEnd(calls[o.index], o)
		case <-r.ctx.Done():
			aborted = true
			break wait
		case <-r.cfg.Interrupt:
			if msgs := poll(r.cfg.Steering); len(msgs) > 0 {
				steering = msgs
				break wait
			}
		}
	}

	placeholder := skippedForSteering
	if aborted {
		placeholder = toolAbortedMessage
	}
	for i, call := range calls {
		o := slots[i]
		if o == nil {
			o = &toolOutcome{index: i, result: TextResult(placeholder), isError: true}
			if !started[i] {
				r.emit(AgentEvent{Kind: EventToolExecutionStart, ToolCallID: call.ID, ToolName: call.Name, Args: call.Arguments})
			}
			r.emitToolEnd(call, *o)
		}
		msg := unifiedllm.ToolResultMessage(call.ID, call.Name, o.result.Content, o.isError)
		msg.Details = o.result.Details
		results = append(results, msg)
	}
	return results, steering, aborted
}

// skipCompletedCalls produces placeholder results for calls of an interrupted
// message so every emitted call has a result.
func (r *runner) skipCompletedCalls(calls []unifiedllm.ToolCall, reason string) []unifiedllm.Message {
	var out []unifiedllm.Message
	for i, call := range calls {
		o := toolOutcome{index: i, result: TextResult(reason), isError: true}
		r.emit(AgentEvent{Kind: EventToolExecutionStart, ToolCallID: call.ID, ToolName: call.Name, Args: call.Arguments})
		r.emitToolEnd(call, o)
		out = append(out, unifiedllm.ToolResultMessage(call.ID, call.Name, o.result.Content, true))
	}
	return out
}

func (r *runner) emitToolEnd(call unifiedllm.ToolCall, o toolOutcome) {
	res := o.result
	r.emit(AgentEvent{
		Kind:       EventToolExecutionEnd,
		ToolCallID: call.ID,
		ToolName:   call.Name,
		Result:     &res,
		IsError:    o.isError,
		Duration:   o.duration,
	})
}

func (r *runner) findTool(name string) (AgentTool, bool) {
	for _, t := range r.conv.Tools {
		if t.Name == name {
			return t, true
		}
	}
	return AgentTool{}, false
}

func (r *runner) outputLimit(tool AgentTool) OutputLimit {
	if tool.OutputLimit != nil {
		return *tool.OutputLimit
	}
	if !r.cfg.ToolOutputLimit.isZero() {
		return r.cfg.ToolOutputLimit
	}
	return DefaultOutputLimit
}

// runTool executes one validated call. done is buffered for every call, so a
// tool finishing after the loop stopped waiting never blocks.
func (r *runner) runTool(index int, tool AgentTool, call unifiedllm.ToolCall, args json.RawMessage, done chan<- toolOutcome) {
	start := time.Now()
	result, err := r.safeExecute(tool, call.ID, args)
	isError := false
	if err != nil {
		isError = true
		result = errorResult(toolExecutionError(tool.Name, err))
	}
	result = truncateResult(result, r.outputLimit(tool))
	d := time.Since(start)
	metrics.RecordToolExecution(tool.Name, isError, d)
	r.log.Debug("tool execution finished", "tool", tool.Name, "tool_call_id", call.ID, "duration", d, "is_error", isError)
	done <- toolOutcome{index: index, result: result, isError: isError, duration: d}
}

func (r *runner) safeExecute(tool AgentTool, toolCallID string, args json.RawMessage) (res AgentToolResult, err error) {
	defer func() {
		if p := recover(); p != nil {
			r.log.Warn("tool panicked", "tool", tool.Name, "panic", p)
			err = unifiedllm.Errorf(unifiedllm.CodeToolExecutionFailed, "Tool %s panicked: %v", tool.Name, p)
		}
	}()
	if tool.Executor == nil {
		return AgentToolResult{}, unifiedllm.Errorf(unifiedllm.CodeToolExecutionFailed, "Tool %s has no executor", tool.Name)
	}
	return tool.Executor.Execute(r.ctx, toolCallID, args)
}

func toolExecutionError(toolName string, err error) *unifiedllm.Error {
	var e *unifiedllm.Error
	if errors.As(err, &e) {
		return e
	}
	return unifiedllm.NewError(unifiedllm.CodeToolExecutionFailed, err.Error()).
		WithDetail("toolName", toolName).
		WithCause(err)
}
