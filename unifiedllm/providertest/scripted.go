// Package providertest provides a scripted unifiedllm.Provider for tests and
// offline demos.
package providertest

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/martinemde/pixy/unifiedllm"
)

// Response is one scripted provider call.
type Response struct {
	// Events are pushed in order. A script without a terminal event ends the
	// stream without one unless Hang is set.
	Events []unifiedllm.AssistantMessageEvent
	// Err is returned from Stream directly, before any event.
	Err error
	// Delay is waited before each event.
	Delay time.Duration
	// Hang keeps the stream open after Events until the request is cancelled,
	// then ends it with an aborted error event.
	Hang bool
}

// ScriptedProvider replays scripted responses, one per Stream call. Calls
// beyond the script use Fallback, or fail with a protocol error.
type ScriptedProvider struct {
	api string

	mu        sync.Mutex
	responses []Response
	calls     int
	requests  []unifiedllm.Context
	models    []string

	// Fallback produces the response for calls past the end of the script.
	Fallback func(c unifiedllm.Context) Response
}

// New creates a ScriptedProvider serving api.
func New(api string, responses ...Response) *ScriptedProvider {
	return &ScriptedProvider{api: api, responses: responses}
}

// API implements unifiedllm.Provider.
func (p *ScriptedProvider) API() string { return p.api }

// Push appends responses to the script.
func (p *ScriptedProvider) Push(responses ...Response) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.responses = append(p.responses, responses...)
}

// Calls returns how many times Stream was called.
func (p *ScriptedProvider) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

// Requests returns a copy of the context of every call.
func (p *ScriptedProvider) Requests() []unifiedllm.Context {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]unifiedllm.Context(nil), p.requests...)
}

// Models returns the model id of every call.
func (p *ScriptedProvider) Models() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.models...)
}

func (p *ScriptedProvider) next(c unifiedllm.Context, model unifiedllm.Model) Response {
	p.mu.Lock()
	defer p.mu.Unlock()
	idx := p.calls
	p.calls++
	p.requests = append(p.requests, c.Clone())
	p.models = append(p.models, model.ID)
	if idx < len(p.responses) {
		return p.responses[idx]
	}
	if p.Fallback != nil {
		return p.Fallback(c)
	}
	return Fail(unifiedllm.ProtocolError("script exhausted"))
}

// Stream implements unifiedllm.Provider.
func (p *ScriptedProvider) Stream(ctx context.Context, model unifiedllm.Model, c unifiedllm.Context, _ *unifiedllm.StreamOptions) (*unifiedllm.EventStream, error) {
	resp := p.next(c, model)
	if resp.Err != nil {
		return nil, resp.Err
	}

	out := unifiedllm.NewEventStream()
	go func() {
		defer out.End()
		acc := unifiedllm.NewMessageAccumulator()
		aborted := func() {
			partial := acc.Message()
			out.Push(context.WithoutCancel(ctx), unifiedllm.ErrorEvent(partial, unifiedllm.AbortedError(ctx.Err())))
		}
		for _, ev := range resp.Events {
			if resp.Delay > 0 {
				if err := unifiedllm.Sleep(ctx, resp.Delay); err != nil {
					aborted()
					return
				}
			}
			ev = stamp(ev, model, p.api)
			acc.Process(ev)
			if !out.Push(ctx, ev) {
				aborted()
				return
			}
		}
		if resp.Hang {
			<-ctx.Done()
			aborted()
		}
	}()
	return out, nil
}

// StreamSimple implements unifiedllm.Provider.
func (p *ScriptedProvider) StreamSimple(ctx context.Context, model unifiedllm.Model, c unifiedllm.Context, opts *unifiedllm.SimpleStreamOptions) (*unifiedllm.EventStream, error) {
	return unifiedllm.SimpleFromStream(ctx, p, model, c, opts)
}

// stamp fills model identity into messages carried by start/done/error events.
func stamp(ev unifiedllm.AssistantMessageEvent, model unifiedllm.Model, api string) unifiedllm.AssistantMessageEvent {
	if ev.Message == nil {
		return ev
	}
	m := ev.Message.Clone()
	if m.API == "" {
		m.API = api
	}
	if m.Provider == "" {
		m.Provider = model.Provider
	}
	if m.Model == "" {
		m.Model = model.ID
	}
	ev.Message = &m
	return ev
}

// DefaultUsage is the usage reported by Reply.
var DefaultUsage = unifiedllm.Usage{Input: 10, Output: 5, TotalTokens: 15}

// Reply scripts a successful response with optional text followed by tool
// calls. The stop reason is toolUse when calls are present.
func Reply(text string, calls ...unifiedllm.ToolCall) Response {
	return ReplyWithUsage(DefaultUsage, text, calls...)
}

// ReplyWithUsage is Reply with explicit usage.
func ReplyWithUsage(usage unifiedllm.Usage, text string, calls ...unifiedllm.ToolCall) Response {
	start := unifiedllm.Message{Role: unifiedllm.RoleAssistant}
	events := []unifiedllm.AssistantMessageEvent{{Type: unifiedllm.EventStart, Message: &start}}
	final := unifiedllm.Message{Role: unifiedllm.RoleAssistant, StopReason: unifiedllm.StopReasonStop}

	idx := 0
	if text != "" {
		events = append(events,
			unifiedllm.AssistantMessageEvent{Type: unifiedllm.EventTextStart, ContentIndex: idx},
			unifiedllm.AssistantMessageEvent{Type: unifiedllm.EventTextDelta, ContentIndex: idx, Delta: text},
			unifiedllm.AssistantMessageEvent{Type: unifiedllm.EventTextEnd, ContentIndex: idx, Content: text},
		)
		final.Content = append(final.Content, unifiedllm.TextPart(text))
		idx++
	}
	for _, call := range calls {
		tc := call
		if len(tc.Arguments) == 0 {
			tc.Arguments = json.RawMessage("{}")
		}
		events = append(events,
			unifiedllm.AssistantMessageEvent{Type: unifiedllm.EventToolCallStart, ContentIndex: idx, ToolCall: &unifiedllm.ToolCall{ID: tc.ID, Name: tc.Name}},
			unifiedllm.AssistantMessageEvent{Type: unifiedllm.EventToolCallDelta, ContentIndex: idx, Delta: string(tc.Arguments)},
			unifiedllm.AssistantMessageEvent{Type: unifiedllm.EventToolCallEnd, ContentIndex: idx, ToolCall: &tc},
		)
		final.Content = append(final.Content, unifiedllm.ToolCallPart(tc.ID, tc.Name, tc.Arguments))
		final.StopReason = unifiedllm.StopReasonToolUse
		idx++
	}

	u := usage
	events = append(events, unifiedllm.AssistantMessageEvent{Type: unifiedllm.EventUsage, Usage: &u})
	final.Usage = &u
	final.Timestamp = time.Now().UnixMilli()
	events = append(events, unifiedllm.DoneEvent(final))
	return Response{Events: events}
}

// Call builds a tool call with JSON-encoded arguments.
func Call(id, name string, args any) unifiedllm.ToolCall {
	data, err := json.Marshal(args)
	if err != nil {
		data = []byte("{}")
	}
	return unifiedllm.ToolCall{ID: id, Name: name, Arguments: data}
}

// Fail scripts a stream whose only event is a terminal error.
func Fail(err *unifiedllm.Error) Response {
	return Response{Events: []unifiedllm.AssistantMessageEvent{
		unifiedllm.ErrorEvent(unifiedllm.Message{Role: unifiedllm.RoleAssistant}, err),
	}}
}

// FailBeforeStart scripts a Stream call that returns err directly.
func FailBeforeStart(err error) Response {
	return Response{Err: err}
}

// PartialThenFail scripts a stream that emits text and then fails.
func PartialThenFail(text string, err *unifiedllm.Error) Response {
	start := unifiedllm.Message{Role: unifiedllm.RoleAssistant}
	partial := unifiedllm.Message{Role: unifiedllm.RoleAssistant, Content: []unifiedllm.ContentPart{unifiedllm.TextPart(text)}}
	return Response{Events: []unifiedllm.AssistantMessageEvent{
		{Type: unifiedllm.EventStart, Message: &start},
		{Type: unifiedllm.EventTextStart},
		{Type: unifiedllm.EventTextDelta, Delta: text},
		unifiedllm.ErrorEvent(partial, err),
	}}
}

// Hang scripts a stream that emits text and then waits for cancellation.
func Hang(text string) Response {
	start := unifiedllm.Message{Role: unifiedllm.RoleAssistant}
	events := []unifiedllm.AssistantMessageEvent{{Type: unifiedllm.EventStart, Message: &start}}
	if text != "" {
		events = append(events,
			unifiedllm.AssistantMessageEvent{Type: unifiedllm.EventTextStart},
			unifiedllm.AssistantMessageEvent{Type: unifiedllm.EventTextDelta, Delta: text},
		)
	}
	return Response{Events: events, Hang: true}
}

// EchoTool scripts an assistant that calls tool with {"text": <last user
// text>} and, once a tool result arrives, replies with the result text. Call
// ids derive from the conversation length, so replays produce the same ids.
func EchoTool(tool string) func(c unifiedllm.Context) Response {
	return func(c unifiedllm.Context) Response {
		if len(c.Messages) == 0 {
			return Reply("")
		}
		last := c.Messages[len(c.Messages)-1]
		if last.Role == unifiedllm.RoleToolResult {
			return Reply(last.TextContent())
		}
		return Reply("", Call(fmt.Sprintf("call_%d", len(c.Messages)), tool, map[string]string{"text": last.TextContent()}))
	}
}
