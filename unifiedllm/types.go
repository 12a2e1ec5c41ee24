package unifiedllm

import (
	"encoding/json"
	"strings"
	"time"
)

// Role identifies who produced a message in a conversation.
type Role string

const (
	RoleUser       Role = "user"
	RoleAssistant  Role = "assistant"
	RoleToolResult Role = "toolResult"
)

// ContentKind is the discriminator tag for ContentPart.
type ContentKind string

const (
	ContentText     ContentKind = "text"
	ContentThinking ContentKind = "thinking"
	ContentToolCall ContentKind = "toolCall"
	ContentImage    ContentKind = "image"
)

// ImageData holds image content as base64 data.
type ImageData struct {
	Data     string `json:"data"`
	MimeType string `json:"mimeType"`
}

// ThinkingData represents model reasoning/thinking content.
type ThinkingData struct {
	Text      string `json:"text"`
	Signature string `json:"signature,omitempty"`
}

// ToolCall is a model-initiated tool invocation.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// ContentPart is a tagged union representing one part of a message.
type ContentPart struct {
	Kind     ContentKind   `json:"kind"`
	Text     string        `json:"text,omitempty"`
	Thinking *ThinkingData `json:"thinking,omitempty"`
	ToolCall *ToolCall     `json:"toolCall,omitempty"`
	Image    *ImageData    `json:"image,omitempty"`
}

// TextPart creates a text ContentPart.
func TextPart(text string) ContentPart {
	return ContentPart{Kind: ContentText, Text: text}
}

// ThinkingPart creates a thinking ContentPart.
func ThinkingPart(text, signature string) ContentPart {
	return ContentPart{Kind: ContentThinking, Thinking: &ThinkingData{Text: text, Signature: signature}}
}

// ToolCallPart creates a tool call ContentPart.
func ToolCallPart(id, name string, args json.RawMessage) ContentPart {
	return ContentPart{Kind: ContentToolCall, ToolCall: &ToolCall{ID: id, Name: name, Arguments: args}}
}

// ImagePart creates an image ContentPart from base64 data.
func ImagePart(data, mimeType string) ContentPart {
	if mimeType == "" {
		mimeType = "image/png"
	}
	return ContentPart{Kind: ContentImage, Image: &ImageData{Data: data, MimeType: mimeType}}
}

// StopReason is the terminal classification of an assistant turn.
type StopReason string

const (
	StopReasonStop    StopReason = "stop"
	StopReasonLength  StopReason = "length"
	StopReasonToolUse StopReason = "toolUse"
	StopReasonError   StopReason = "error"
	StopReasonAborted StopReason = "aborted"
)

// Message is the fundamental unit of conversation. The role decides which of
// the optional fields are meaningful.
type Message struct {
	Role      Role          `json:"role"`
	Content   []ContentPart `json:"content"`
	Timestamp int64         `json:"timestamp"`

	// Assistant fields.
	API          string     `json:"api,omitempty"`
	Provider     string     `json:"provider,omitempty"`
	Model        string     `json:"model,omitempty"`
	Usage        *Usage     `json:"usage,omitempty"`
	StopReason   StopReason `json:"stopReason,omitempty"`
	ErrorMessage string     `json:"errorMessage,omitempty"`

	// Tool result fields.
	ToolCallID string          `json:"toolCallId,omitempty"`
	ToolName   string          `json:"toolName,omitempty"`
	IsError    bool            `json:"isError,omitempty"`
	Details    json.RawMessage `json:"details,omitempty"`
}

// TextContent returns the concatenation of all text content parts.
func (m Message) TextContent() string {
	var sb strings.Builder
	for _, part := range m.Content {
		if part.Kind == ContentText {
			sb.WriteString(part.Text)
		}
	}
	return sb.String()
}

// Thinking returns the concatenated thinking text.
func (m Message) Thinking() string {
	var sb strings.Builder
	for _, part := range m.Content {
		if part.Kind == ContentThinking && part.Thinking != nil {
			sb.WriteString(part.Thinking.Text)
		}
	}
	return sb.String()
}

// ToolCalls extracts all tool calls from the message content in emission order.
func (m Message) ToolCalls() []ToolCall {
	var calls []ToolCall
	for _, part := range m.Content {
		if part.Kind == ContentToolCall && part.ToolCall != nil {
			calls = append(calls, *part.ToolCall)
		}
	}
	return calls
}

// HasContent reports whether the message carries any non-empty content.
func (m Message) HasContent() bool {
	for _, part := range m.Content {
		switch part.Kind {
		case ContentText:
			if part.Text != "" {
				return true
			}
		case ContentThinking:
			if part.Thinking != nil && part.Thinking.Text != "" {
				return true
			}
		default:
			return true
		}
	}
	return false
}

// Clone returns a deep copy of the message.
func (m Message) Clone() Message {
	out := m
	if m.Content != nil {
		out.Content = make([]ContentPart, len(m.Content))
		for i, part := range m.Content {
			out.Content[i] = part.clone()
		}
	}
	if m.Usage != nil {
		u := *m.Usage
		out.Usage = &u
	}
	if m.Details != nil {
		out.Details = append(json.RawMessage(nil), m.Details...)
	}
	return out
}

func (p ContentPart) clone() ContentPart {
	out := p
	if p.Thinking != nil {
		t := *p.Thinking
		out.Thinking = &t
	}
	if p.ToolCall != nil {
		tc := *p.ToolCall
		tc.Arguments = append(json.RawMessage(nil), p.ToolCall.Arguments...)
		out.ToolCall = &tc
	}
	if p.Image != nil {
		img := *p.Image
		out.Image = &img
	}
	return out
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}

// UserMessage creates a user Message with text content.
func UserMessage(text string) Message {
	return Message{Role: RoleUser, Content: []ContentPart{TextPart(text)}, Timestamp: nowMillis()}
}

// AssistantMessage creates an assistant Message with text content that ended
// with StopReasonStop.
func AssistantMessage(text string) Message {
	return Message{
		Role:       RoleAssistant,
		Content:    []ContentPart{TextPart(text)},
		StopReason: StopReasonStop,
		Timestamp:  nowMillis(),
	}
}

// ToolResultMessage creates a tool result Message.
func ToolResultMessage(toolCallID, toolName string, content []ContentPart, isError bool) Message {
	return Message{
		Role:       RoleToolResult,
		Content:    content,
		ToolCallID: toolCallID,
		ToolName:   toolName,
		IsError:    isError,
		Timestamp:  nowMillis(),
	}
}

// Tool defines a tool the model can call. Parameters is a JSON schema.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

// Context is the conversation sent to a provider.
type Context struct {
	SystemPrompt string    `json:"systemPrompt,omitempty"`
	Messages     []Message `json:"messages"`
	Tools        []Tool    `json:"tools,omitempty"`
}

// Clone returns a deep copy of the context.
func (c Context) Clone() Context {
	out := Context{SystemPrompt: c.SystemPrompt}
	if c.Messages != nil {
		out.Messages = make([]Message, len(c.Messages))
		for i, m := range c.Messages {
			out.Messages[i] = m.Clone()
		}
	}
	if c.Tools != nil {
		out.Tools = make([]Tool, len(c.Tools))
		copy(out.Tools, c.Tools)
	}
	return out
}

// ModelCost holds per-million-token prices in dollars.
type ModelCost struct {
	Input      float64 `json:"input"`
	Output     float64 `json:"output"`
	CacheRead  float64 `json:"cacheRead"`
	CacheWrite float64 `json:"cacheWrite"`
}

// Model identifies the protocol family, vendor and model for one request.
type Model struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	API           string    `json:"api"`
	Provider      string    `json:"provider"`
	BaseURL       string    `json:"baseUrl,omitempty"`
	Reasoning     bool      `json:"reasoning"`
	Cost          ModelCost `json:"cost"`
	ContextWindow int       `json:"contextWindow"`
	MaxTokens     int       `json:"maxTokens"`
}

// Cost is a monetary breakdown parallel to token counts.
type Cost struct {
	Input      float64 `json:"input"`
	Output     float64 `json:"output"`
	CacheRead  float64 `json:"cacheRead"`
	CacheWrite float64 `json:"cacheWrite"`
	Total      float64 `json:"total"`
}

// Add returns the sum of c and other.
func (c Cost) Add(other Cost) Cost {
	return Cost{
		Input:      c.Input + other.Input,
		Output:     c.Output + other.Output,
		CacheRead:  c.CacheRead + other.CacheRead,
		CacheWrite: c.CacheWrite + other.CacheWrite,
		Total:      c.Total + other.Total,
	}
}

// Usage tracks token consumption and its cost.
type Usage struct {
	Input       int  `json:"input"`
	Output      int  `json:"output"`
	CacheRead   int  `json:"cacheRead"`
	CacheWrite  int  `json:"cacheWrite"`
	TotalTokens int  `json:"totalTokens"`
	Cost        Cost `json:"cost"`
}

// Add returns a new Usage that is the sum of u and other.
func (u Usage) Add(other Usage) Usage {
	return Usage{
		Input:       u.Input + other.Input,
		Output:      u.Output + other.Output,
		CacheRead:   u.CacheRead + other.CacheRead,
		CacheWrite:  u.CacheWrite + other.CacheWrite,
		TotalTokens: u.TotalTokens + other.TotalTokens,
		Cost:        u.Cost.Add(other.Cost),
	}
}

// ThinkingLevel selects reasoning effort for simple streams.
type ThinkingLevel string

const (
	ThinkingMinimal ThinkingLevel = "minimal"
	ThinkingLow     ThinkingLevel = "low"
	ThinkingMedium  ThinkingLevel = "medium"
	ThinkingHigh    ThinkingLevel = "high"
)

// StreamOptions are per-request provider options.
type StreamOptions struct {
	Temperature *float64          `json:"temperature,omitempty"`
	MaxTokens   *int              `json:"maxTokens,omitempty"`
	APIKey      string            `json:"-"`
	Headers     map[string]string `json:"headers,omitempty"`
	// TransportRetryCount overrides the number of transport retries after the
	// first attempt.
	TransportRetryCount *int `json:"transportRetryCount,omitempty"`
	// Retry overrides the reliability wrapper's policy entirely.
	Retry *RetryPolicy `json:"-"`
}

// SimpleStreamOptions are options for the collected-result stream variant.
type SimpleStreamOptions struct {
	StreamOptions
	Reasoning ThinkingLevel `json:"reasoning,omitempty"`
}
