package unifiedllm

import "strings"

type accBlock struct {
	part    ContentPart
	text    strings.Builder
	args    strings.Builder
	pending bool // tool call started but not finished
}

// MessageAccumulator folds stream events into an assistant message. It is the
// consumer-side view of a partial response: text and thinking deltas are
// concatenated per content index, tool calls appear only once complete.
type MessageAccumulator struct {
	blocks []*accBlock
	msg    Message
	final  *Message
}

// NewMessageAccumulator creates an empty accumulator.
func NewMessageAccumulator() *MessageAccumulator {
	return &MessageAccumulator{msg: Message{Role: RoleAssistant, Timestamp: nowMillis()}}
}

func (a *MessageAccumulator) block(index int, kind ContentKind) *accBlock {
	if index < 0 {
		index = len(a.blocks)
	}
	for len(a.blocks) <= index {
		a.blocks = append(a.blocks, nil)
	}
	b := a.blocks[index]
	if b == nil || b.part.Kind != kind {
		b = &accBlock{part: ContentPart{Kind: kind}}
		a.blocks[index] = b
	}
	return b
}

// Process ingests a single stream event.
func (a *MessageAccumulator) Process(ev AssistantMessageEvent) {
	switch ev.Type {
	case EventStart:
		if ev.Message != nil {
			a.msg.API = ev.Message.API
			a.msg.Provider = ev.Message.Provider
			a.msg.Model = ev.Message.Model
		}
	case EventTextStart:
		a.block(ev.ContentIndex, ContentText)
	case EventTextDelta:
		a.block(ev.ContentIndex, ContentText).text.WriteString(ev.Delta)
	case EventTextEnd:
		if ev.Content != "" {
			b := a.block(ev.ContentIndex, ContentText)
			b.text.Reset()
			b.text.WriteString(ev.Content)
		}
	case EventThinkingStart:
		a.block(ev.ContentIndex, ContentThinking)
	case EventThinkingDelta:
		a.block(ev.ContentIndex, ContentThinking).text.WriteString(ev.Delta)
	case EventThinkingEnd:
		if ev.Content != "" {
			b := a.block(ev.ContentIndex, ContentThinking)
			b.text.Reset()
			b.text.WriteString(ev.Content)
		}
	case EventToolCallStart:
		b := a.block(ev.ContentIndex, ContentToolCall)
		b.pending = true
		if ev.ToolCall != nil {
			tc := *ev.ToolCall
			b.part.ToolCall = &tc
		}
	case EventToolCallDelta:
		b := a.block(ev.ContentIndex, ContentToolCall)
		b.pending = true
		b.args.WriteString(ev.Delta)
	case EventToolCallEnd:
		b := a.block(ev.ContentIndex, ContentToolCall)
		b.pending = false
		if ev.ToolCall != nil {
			tc := *ev.ToolCall
			b.part.ToolCall = &tc
		} else if b.part.ToolCall != nil {
			b.part.ToolCall.Arguments = []byte(b.args.String())
		}
	case EventUsage:
		if ev.Usage != nil {
			u := *ev.Usage
			a.msg.Usage = &u
		}
	case EventDone:
		if ev.Message != nil {
			m := ev.Message.Clone()
			if m.StopReason == "" {
				m.StopReason = ev.Reason
			}
			a.final = &m
		} else {
			a.msg.StopReason = ev.Reason
		}
	case EventError:
		if ev.Message != nil && ev.Message.HasContent() {
			m := ev.Message.Clone()
			a.final = &m
		} else if ev.Message != nil {
			if a.msg.Usage == nil && ev.Message.Usage != nil {
				u := *ev.Message.Usage
				a.msg.Usage = &u
			}
			if a.msg.Model == "" {
				a.msg.API = ev.Message.API
				a.msg.Provider = ev.Message.Provider
				a.msg.Model = ev.Message.Model
			}
		}
		a.msg.StopReason = ev.Reason
		if a.msg.StopReason == "" {
			a.msg.StopReason = StopReasonError
		}
		if ev.Error != nil {
			a.msg.ErrorMessage = ev.Error.Message
		}
		if a.final != nil {
			a.final.StopReason = a.msg.StopReason
			a.final.ErrorMessage = a.msg.ErrorMessage
		}
	}
}

// Usage returns the latest usage reported for the call, if any.
func (a *MessageAccumulator) Usage() Usage {
	if a.final != nil && a.final.Usage != nil {
		return *a.final.Usage
	}
	if a.msg.Usage != nil {
		return *a.msg.Usage
	}
	return Usage{}
}

// Message returns a snapshot of the accumulated message. Once a done event was
// processed its message is returned as-is.
func (a *MessageAccumulator) Message() Message {
	if a.final != nil {
		return a.final.Clone()
	}
	out := a.msg.Clone()
	out.Content = nil
	for _, b := range a.blocks {
		if b == nil || b.pending {
			continue
		}
		part := b.part.clone()
		switch part.Kind {
		case ContentText:
			part.Text = b.text.String()
			if part.Text == "" {
				continue
			}
		case ContentThinking:
			part.Thinking = &ThinkingData{Text: b.text.String()}
			if part.Thinking.Text == "" {
				continue
			}
		case ContentToolCall:
			if part.ToolCall == nil {
				continue
			}
		}
		out.Content = append(out.Content, part)
	}
	return out
}
