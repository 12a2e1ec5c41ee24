package unifiedllm

import (
	"context"
	"sync"
)

// EventType identifies the kind of assistant message event.
type EventType string

const (
	EventStart         EventType = "start"
	EventTextStart     EventType = "text_start"
	EventTextDelta     EventType = "text_delta"
	EventTextEnd       EventType = "text_end"
	EventThinkingStart EventType = "thinking_start"
	EventThinkingDelta EventType = "thinking_delta"
	EventThinkingEnd   EventType = "thinking_end"
	EventToolCallStart EventType = "toolcall_start"
	EventToolCallDelta EventType = "toolcall_delta"
	EventToolCallEnd   EventType = "toolcall_end"
	EventUsage         EventType = "usage"
	EventDone          EventType = "done"
	EventError         EventType = "error"
)

// IsTerminal reports whether the event type ends a stream.
func (t EventType) IsTerminal() bool {
	return t == EventDone || t == EventError
}

// AssistantMessageEvent is the unit of the streaming protocol.
//
// ContentIndex addresses the content block a delta belongs to. Done carries the
// final message, Error carries the partial message accumulated so far. Usage
// carries the cumulative usage of the current provider call.
type AssistantMessageEvent struct {
	Type         EventType  `json:"type"`
	ContentIndex int        `json:"contentIndex"`
	Delta        string     `json:"delta,omitempty"`
	Content      string     `json:"content,omitempty"`
	ToolCall     *ToolCall  `json:"toolCall,omitempty"`
	Usage        *Usage     `json:"usage,omitempty"`
	Reason       StopReason `json:"reason,omitempty"`
	Message      *Message   `json:"message,omitempty"`
	Error        *Error     `json:"error,omitempty"`
}

// DoneEvent builds a terminal done event for msg.
func DoneEvent(msg Message) AssistantMessageEvent {
	return AssistantMessageEvent{Type: EventDone, Reason: msg.StopReason, Message: &msg}
}

// ErrorEvent builds a terminal error event. The partial message is marked with
// StopReasonError (or StopReasonAborted for cancellations) and the error text.
func ErrorEvent(partial Message, err *Error) AssistantMessageEvent {
	reason := StopReasonError
	if err.Code == CodeAborted {
		reason = StopReasonAborted
	}
	partial.StopReason = reason
	partial.ErrorMessage = err.Message
	return AssistantMessageEvent{Type: EventError, Reason: reason, Message: &partial, Error: err}
}

// EventStream is an ordered single-producer, single-consumer channel of
// assistant message events. The producer pushes events and must finish with
// exactly one terminal event or call End; the consumer drains Events until the
// channel closes.
type EventStream struct {
	ch       chan AssistantMessageEvent
	mu       sync.Mutex
	ended    bool
	terminal *AssistantMessageEvent
}

// NewEventStream creates an EventStream with a small buffer.
func NewEventStream() *EventStream {
	return &EventStream{ch: make(chan AssistantMessageEvent, 64)}
}

// Push delivers event to the consumer, blocking until it is buffered or ctx is
// done. Pushing a terminal event ends the stream. It returns false if the
// stream already ended or ctx was cancelled.
func (s *EventStream) Push(ctx context.Context, event AssistantMessageEvent) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return false
	}
	select {
	case s.ch <- event:
	case <-ctx.Done():
		return false
	}
	if event.Type.IsTerminal() {
		ev := event
		s.terminal = &ev
		s.ended = true
		close(s.ch)
	}
	return true
}

// End closes the stream. Safe to call multiple times and after a terminal event.
func (s *EventStream) End() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.ended {
		s.ended = true
		close(s.ch)
	}
}

// Events returns the read-only event channel.
func (s *EventStream) Events() <-chan AssistantMessageEvent {
	return s.ch
}

// Drain discards the remaining events in the background so the producer is
// never left blocked on a consumer that stopped reading.
func (s *EventStream) Drain() {
	go func() {
		for range s.ch {
		}
	}()
}

// Result drains the stream and returns the final assistant message. For an
// error terminal it returns the partial message together with the *Error. A
// stream that closes without a terminal event yields a provider_protocol error.
func (s *EventStream) Result(ctx context.Context) (Message, error) {
	acc := NewMessageAccumulator()
	for {
		select {
		case <-ctx.Done():
			partial := acc.Message()
			partial.StopReason = StopReasonAborted
			return partial, AbortedError(ctx.Err())
		case ev, ok := <-s.ch:
			if !ok {
				return acc.Message(), ProtocolError("stream ended without a terminal event")
			}
			acc.Process(ev)
			switch ev.Type {
			case EventDone:
				return acc.Message(), nil
			case EventError:
				return acc.Message(), ev.Error
			}
		}
	}
}

// StreamOf creates an already-populated stream. Pushing past the buffer size
// is not supported; it is meant for short scripted sequences.
func StreamOf(events ...AssistantMessageEvent) *EventStream {
	s := &EventStream{ch: make(chan AssistantMessageEvent, len(events)+1)}
	ctx := context.Background()
	for _, ev := range events {
		s.Push(ctx, ev)
	}
	s.End()
	return s
}

// Simplify converts src into the collected-result form: the returned stream
// carries only src's terminal event (or a protocol error if src ends without
// one). Consumers that do not need live progress read a single event.
func Simplify(ctx context.Context, src *EventStream) *EventStream {
	out := NewEventStream()
	go func() {
		defer out.End()
		acc := NewMessageAccumulator()
		for {
			select {
			case <-ctx.Done():
				out.Push(context.Background(), ErrorEvent(acc.Message(), AbortedError(ctx.Err())))
				return
			case ev, ok := <-src.Events():
				if !ok {
					out.Push(ctx, ErrorEvent(acc.Message(), ProtocolError("stream ended without a terminal event")))
					return
				}
				acc.Process(ev)
				if ev.Type.IsTerminal() {
					out.Push(ctx, ev)
					return
				}
			}
		}
	}()
	return out
}
