package unifiedllm

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/teilomillet/gollm"
)

// GollmProvider serves one API family through a gollm.LLM instance. It
// translates Context into a gollm prompt and the gollm token stream into
// assistant message events.
type GollmProvider struct {
	api      string
	provider string
	model    string

	// baseOpts rebuild the LLM for requests that override credentials,
	// headers or reasoning effort. Nil when wrapping a caller-owned LLM.
	baseOpts []gollm.ConfigOption

	// mu serializes SetOption and the start of a request; gollm keeps request
	// options on the LLM instance.
	mu        sync.Mutex
	llm       gollm.LLM
	overrides map[string]gollm.LLM
}

// GollmOption configures a GollmProvider.
type GollmOption func(*gollmConfig)

type gollmConfig struct {
	apiKey      string
	model       string
	maxTokens   int
	temperature float64
	ollamaURL   string
	extraOpts   []gollm.ConfigOption
}

// WithAPIKey sets the API key for the provider.
func WithAPIKey(key string) GollmOption {
	return func(c *gollmConfig) {
		c.apiKey = key
	}
}

// WithModel sets the default model for the provider.
func WithModel(model string) GollmOption {
	return func(c *gollmConfig) {
		c.model = model
	}
}

// WithMaxTokens sets the default max tokens.
func WithMaxTokens(n int) GollmOption {
	return func(c *gollmConfig) {
		c.maxTokens = n
	}
}

// WithTemperature sets the default temperature.
func WithTemperature(t float64) GollmOption {
	return func(c *gollmConfig) {
		c.temperature = t
	}
}

// WithOllamaEndpoint points the ollama provider at endpoint. Other providers
// ignore it; an empty endpoint keeps gollm's default.
func WithOllamaEndpoint(endpoint string) GollmOption {
	return func(c *gollmConfig) {
		c.ollamaURL = endpoint
	}
}

// WithGollmOptions adds extra gollm configuration options.
func WithGollmOptions(opts ...gollm.ConfigOption) GollmOption {
	return func(c *gollmConfig) {
		c.extraOpts = append(c.extraOpts, opts...)
	}
}

// GollmAPI returns the API identifier served by a gollm provider name.
func GollmAPI(provider string) string {
	switch provider {
	case "openai":
		return APIOpenAICompletions
	case "anthropic":
		return APIAnthropicMessages
	case "ollama":
		return APIOllamaChat
	default:
		return provider
	}
}

// NewGollmProvider creates a provider for the given gollm provider name
// ("openai", "anthropic", "ollama").
func NewGollmProvider(provider string, opts ...GollmOption) (*GollmProvider, error) {
	cfg := &gollmConfig{
		maxTokens:   4096,
		temperature: 0.7,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	if cfg.apiKey == "" && provider != "ollama" {
		return nil, AuthMissingError(provider)
	}

	model := cfg.model
	if model == "" {
		if m, ok := LatestModel(provider, false); ok {
			model = m.ID
		} else {
			model = "gpt-4o-mini"
		}
	}

	gollmOpts := []gollm.ConfigOption{
		gollm.SetProvider(provider),
		gollm.SetModel(model),
		gollm.SetMaxTokens(cfg.maxTokens),
		gollm.SetTemperature(cfg.temperature),
		gollm.SetMaxRetries(0), // retries belong to ReliableProvider
		gollm.SetLogLevel(gollm.LogLevelWarn),
	}
	if cfg.apiKey != "" {
		gollmOpts = append(gollmOpts, gollm.SetAPIKey(cfg.apiKey))
	}
	if provider == "ollama" && cfg.ollamaURL != "" {
		gollmOpts = append(gollmOpts, gollm.SetOllamaEndpoint(cfg.ollamaURL))
	}
	gollmOpts = append(gollmOpts, cfg.extraOpts...)

	llm, err := gollm.NewLLM(gollmOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create gollm LLM for provider %s: %w", provider, err)
	}

	return &GollmProvider{
		api:      GollmAPI(provider),
		provider: provider,
		model:    model,
		baseOpts: gollmOpts,
		llm:      llm,
	}, nil
}

// NewGollmProviderFromLLM wraps an existing gollm.LLM instance.
func NewGollmProviderFromLLM(provider string, llm gollm.LLM) *GollmProvider {
	return &GollmProvider{
		api:      GollmAPI(provider),
		provider: provider,
		llm:      llm,
	}
}

// API implements Provider.
func (p *GollmProvider) API() string {
	return p.api
}

// StreamSimple implements Provider. Reasoning is sent as reasoning_effort to
// reasoning models; gollm forwards it only for OpenAI-style APIs.
func (p *GollmProvider) StreamSimple(ctx context.Context, model Model, c Context, opts *SimpleStreamOptions) (*EventStream, error) {
	var so *StreamOptions
	var reasoning ThinkingLevel
	if opts != nil {
		so = &opts.StreamOptions
		reasoning = opts.Reasoning
	}
	s, err := p.stream(ctx, model, c, so, reasoning)
	if err != nil {
		return nil, err
	}
	return Simplify(ctx, s), nil
}

// Stream implements Provider.
func (p *GollmProvider) Stream(ctx context.Context, model Model, c Context, opts *StreamOptions) (*EventStream, error) {
	return p.stream(ctx, model, c, opts, "")
}

func (p *GollmProvider) stream(ctx context.Context, model Model, c Context, opts *StreamOptions, reasoning ThinkingLevel) (*EventStream, error) {
	if !model.Reasoning {
		reasoning = ""
	}
	llm, err := p.llmFor(opts, reasoning)
	if err != nil {
		return nil, err
	}
	prompt := p.buildPrompt(c, opts)
	promptTokens := estimateTokens(c)
	base := Message{
		Role:      RoleAssistant,
		API:       p.api,
		Provider:  p.provider,
		Model:     model.ID,
		Timestamp: nowMillis(),
	}
	out := NewEventStream()

	if !llm.SupportsStreaming() {
		// Fallback: generate the full response and emit it as a single delta.
		go func() {
			defer out.End()
			if !out.Push(ctx, AssistantMessageEvent{Type: EventStart, Message: &base}) {
				return
			}
			p.mu.Lock()
			p.applyOptions(llm, model, opts)
			text, err := llm.Generate(ctx, prompt)
			p.mu.Unlock()
			if err != nil {
				out.Push(context.WithoutCancel(ctx), ErrorEvent(base, p.translateError(ctx, err)))
				return
			}
			if out.Push(ctx, AssistantMessageEvent{Type: EventTextStart}) &&
				out.Push(ctx, AssistantMessageEvent{Type: EventTextDelta, Delta: text}) {
				p.finish(ctx, out, model, base, text, true, promptTokens)
			}
		}()
		return out, nil
	}

	p.mu.Lock()
	p.applyOptions(llm, model, opts)
	stream, err := llm.Stream(ctx, prompt)
	p.mu.Unlock()
	if err != nil {
		return nil, p.translateError(ctx, err)
	}

	go func() {
		defer out.End()
		defer stream.Close()

		if !out.Push(ctx, AssistantMessageEvent{Type: EventStart, Message: &base}) {
			return
		}

		started := false
		var fullText strings.Builder
		for {
			token, err := stream.Next(ctx)
			if err == io.EOF {
				break
			}
			if err != nil {
				partial := base
				if fullText.Len() > 0 {
					partial.Content = []ContentPart{TextPart(fullText.String())}
				}
				out.Push(context.WithoutCancel(ctx), ErrorEvent(partial, p.translateError(ctx, err)))
				return
			}
			if token == nil {
				continue
			}
			if !started {
				if !out.Push(ctx, AssistantMessageEvent{Type: EventTextStart}) {
					return
				}
				started = true
			}
			fullText.WriteString(token.Text)
			if !out.Push(ctx, AssistantMessageEvent{Type: EventTextDelta, Delta: token.Text}) {
				return
			}
		}

		p.finish(ctx, out, model, base, fullText.String(), started, promptTokens)
	}()

	return out, nil
}

// finish emits the closing text event, any tool calls found in the text, the
// usage estimate and the done event.
func (p *GollmProvider) finish(ctx context.Context, out *EventStream, model Model, base Message, text string, textStarted bool, promptTokens int) {
	calls := parseToolCalls(text)
	cleaned := removeToolCallJSON(text, calls)

	if textStarted {
		if !out.Push(ctx, AssistantMessageEvent{Type: EventTextEnd, Content: cleaned}) {
			return
		}
	}

	final := base
	if cleaned != "" {
		final.Content = append(final.Content, TextPart(cleaned))
	}
	for i, tc := range calls {
		idx := i + 1
		call := tc
		if !out.Push(ctx, AssistantMessageEvent{Type: EventToolCallStart, ContentIndex: idx, ToolCall: &ToolCall{ID: call.ID, Name: call.Name}}) ||
			!out.Push(ctx, AssistantMessageEvent{Type: EventToolCallDelta, ContentIndex: idx, Delta: string(call.Arguments)}) ||
			!out.Push(ctx, AssistantMessageEvent{Type: EventToolCallEnd, ContentIndex: idx, ToolCall: &call}) {
			return
		}
		final.Content = append(final.Content, ToolCallPart(call.ID, call.Name, call.Arguments))
	}

	// gollm does not expose provider usage; estimate from text length.
	usage := Usage{Input: promptTokens, Output: len(text) / 4}
	usage.TotalTokens = usage.Input + usage.Output
	usage = CalculateCost(model, usage)
	if !out.Push(ctx, AssistantMessageEvent{Type: EventUsage, Usage: &usage}) {
		return
	}

	final.Usage = &usage
	final.StopReason = StopReasonStop
	if len(calls) > 0 {
		final.StopReason = StopReasonToolUse
	}
	out.Push(ctx, DoneEvent(final))
}

// buildPrompt flattens the conversation into a gollm prompt. gollm takes a
// single prompt text, so earlier turns are rendered with role prefixes.
func (p *GollmProvider) buildPrompt(c Context, opts *StreamOptions) *gollm.Prompt {
	var parts []string
	for _, msg := range c.Messages {
		switch msg.Role {
		case RoleUser:
			parts = append(parts, msg.TextContent())
		case RoleAssistant:
			if text := msg.TextContent(); text != "" {
				parts = append(parts, "[Assistant]: "+text)
			}
			for _, tc := range msg.ToolCalls() {
				parts = append(parts, fmt.Sprintf("[Tool Call %s %s]: %s", tc.ID, tc.Name, string(tc.Arguments)))
			}
		case RoleToolResult:
			prefix := "[Tool Result " + msg.ToolName + "]"
			if msg.IsError {
				prefix = "[Tool Error " + msg.ToolName + "]"
			}
			parts = append(parts, prefix+": "+msg.TextContent())
		}
	}

	promptText := strings.Join(parts, "\n")
	if promptText == "" {
		promptText = "Hello"
	}

	promptOpts := []gollm.PromptOption{}
	if c.SystemPrompt != "" {
		promptOpts = append(promptOpts, gollm.WithSystemPrompt(strings.TrimSpace(c.SystemPrompt), gollm.CacheTypeEphemeral))
	}
	if opts != nil && opts.MaxTokens != nil {
		promptOpts = append(promptOpts, gollm.WithMaxLength(*opts.MaxTokens))
	}

	if len(c.Tools) > 0 {
		tools := make([]gollm.Tool, 0, len(c.Tools))
		for _, t := range c.Tools {
			var params map[string]interface{}
			_ = json.Unmarshal(t.Parameters, &params)
			tools = append(tools, gollm.Tool{
				Type: "function",
				Function: gollm.Function{
					Name:        t.Name,
					Description: t.Description,
					Parameters:  params,
				},
			})
		}
		promptOpts = append(promptOpts, gollm.WithTools(tools), gollm.WithToolChoice("auto"))
	}

	return gollm.NewPrompt(promptText, promptOpts...)
}

// applyOptions applies request-level parameters to llm. Callers hold p.mu.
func (p *GollmProvider) applyOptions(llm gollm.LLM, model Model, opts *StreamOptions) {
	if model.ID != "" {
		llm.SetOption("model", model.ID)
	} else if p.model != "" {
		llm.SetOption("model", p.model)
	}
	if opts == nil {
		return
	}
	if opts.Temperature != nil {
		llm.SetOption("temperature", *opts.Temperature)
	}
	if opts.MaxTokens != nil {
		llm.SetOption("max_tokens", *opts.MaxTokens)
	}
}

// llmFor returns the LLM serving a request. gollm fixes the API key and
// headers when an LLM is built, so requests overriding them, or asking for a
// reasoning effort, get their own cached instance.
func (p *GollmProvider) llmFor(opts *StreamOptions, reasoning ThinkingLevel) (gollm.LLM, error) {
	var apiKey string
	var headers map[string]string
	if opts != nil {
		apiKey, headers = opts.APIKey, opts.Headers
	}
	if apiKey == "" && len(headers) == 0 && reasoning == "" {
		return p.llm, nil
	}
	if p.baseOpts == nil {
		return nil, ProtocolError(fmt.Sprintf("%s provider wraps a fixed gollm instance and cannot apply per-request api key, headers or reasoning", p.provider))
	}

	key := overrideKey(apiKey, headers, reasoning)
	p.mu.Lock()
	defer p.mu.Unlock()
	if llm, ok := p.overrides[key]; ok {
		return llm, nil
	}

	cfgOpts := append([]gollm.ConfigOption(nil), p.baseOpts...)
	if apiKey != "" {
		cfgOpts = append(cfgOpts, gollm.SetAPIKey(apiKey))
	}
	if len(headers) > 0 {
		cfgOpts = append(cfgOpts, gollm.SetExtraHeaders(headers))
	}
	llm, err := gollm.NewLLM(cfgOpts...)
	if err != nil {
		return nil, ProtocolError(fmt.Sprintf("configure %s request: %v", p.provider, err)).WithCause(err)
	}
	if reasoning != "" {
		llm.SetOption("reasoning_effort", string(reasoning))
	}
	if p.overrides == nil {
		p.overrides = make(map[string]gollm.LLM)
	}
	p.overrides[key] = llm
	return llm, nil
}

// overrideKey identifies a request configuration without keeping the API key
// in memory as plain text.
func overrideKey(apiKey string, headers map[string]string, reasoning ThinkingLevel) string {
	names := make([]string, 0, len(headers))
	for k := range headers {
		names = append(names, k)
	}
	sort.Strings(names)
	h := sha256.New()
	fmt.Fprintf(h, "%s\x00%s\x00", apiKey, reasoning)
	for _, k := range names {
		fmt.Fprintf(h, "%s=%s\x00", k, headers[k])
	}
	return hex.EncodeToString(h.Sum(nil))
}

type rawToolCall struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// parseToolCalls extracts tool calls gollm returns as JSON in the response
// text, either {"tool_calls":[...]} or a bare [{"name":...}] array.
func parseToolCalls(text string) []ToolCall {
	var raw []rawToolCall
	if start := strings.Index(text, `{"tool_calls"`); start != -1 {
		var wrapper struct {
			ToolCalls []rawToolCall `json:"tool_calls"`
		}
		if err := json.NewDecoder(strings.NewReader(text[start:])).Decode(&wrapper); err == nil {
			raw = wrapper.ToolCalls
		}
	} else if start := strings.Index(text, `[{"name"`); start != -1 {
		_ = json.NewDecoder(strings.NewReader(text[start:])).Decode(&raw)
	}

	var calls []ToolCall
	for _, rc := range raw {
		if rc.Name == "" {
			continue
		}
		args := rc.Arguments
		if len(args) == 0 {
			args = json.RawMessage("{}")
		}
		calls = append(calls, ToolCall{
			ID:        "call_" + uuid.New().String()[:8],
			Name:      rc.Name,
			Arguments: args,
		})
	}
	return calls
}

// removeToolCallJSON removes parsed tool call JSON from the text.
func removeToolCallJSON(text string, calls []ToolCall) string {
	if len(calls) == 0 {
		return text
	}
	result := text
	for _, pattern := range []string{`{"tool_calls"`, `[{"name"`} {
		if idx := strings.Index(result, pattern); idx != -1 {
			result = strings.TrimSpace(result[:idx])
		}
	}
	return result
}

// translateError classifies a gollm error. gollm reports failures as plain
// errors, so classification is by message content.
func (p *GollmProvider) translateError(ctx context.Context, err error) *Error {
	if err == nil {
		return nil
	}
	if ctx.Err() != nil || errors.Is(err, context.Canceled) {
		return AbortedError(err)
	}
	msg := err.Error()
	lower := strings.ToLower(msg)
	has := func(subs ...string) bool {
		for _, s := range subs {
			if strings.Contains(lower, s) {
				return true
			}
		}
		return false
	}

	var e *Error
	switch {
	case has("api key") && has("missing", "required", "not set", "no api key", "empty"):
		e = AuthMissingError(p.provider)
	case has("401", "unauthorized", "invalid api key", "invalid key"):
		e = ErrorFromStatusCode(401, p.provider, msg)
	case has("403", "forbidden"):
		e = ErrorFromStatusCode(403, p.provider, msg)
	case has("404", "not found"):
		e = ErrorFromStatusCode(404, p.provider, msg)
	case has("429", "rate limit", "too many requests"):
		e = ErrorFromStatusCode(429, p.provider, msg)
	case has("context length", "too many tokens", "400", "bad request"):
		e = ErrorFromStatusCode(400, p.provider, msg)
	case has("502", "bad gateway"):
		e = ErrorFromStatusCode(502, p.provider, msg)
	case has("503", "service unavailable", "overloaded"):
		e = ErrorFromStatusCode(503, p.provider, msg)
	case has("504", "gateway timeout"):
		e = ErrorFromStatusCode(504, p.provider, msg)
	case has("500", "internal server"):
		e = ErrorFromStatusCode(500, p.provider, msg)
	case has("timeout", "deadline exceeded", "connection refused", "connection reset",
		"eof", "no such host", "broken pipe", "tls handshake", "network is unreachable"):
		e = TransportError(msg, nil)
	default:
		e = ProtocolError(msg)
	}
	return e.WithCause(err)
}

// estimateTokens provides a rough token count estimate for a conversation.
func estimateTokens(c Context) int {
	total := len(c.SystemPrompt) / 4
	for _, msg := range c.Messages {
		for _, part := range msg.Content {
			switch part.Kind {
			case ContentText:
				total += len(part.Text) / 4
			case ContentToolCall:
				if part.ToolCall != nil {
					total += len(part.ToolCall.Arguments) / 4
				}
			}
		}
	}
	if total == 0 {
		total = 10
	}
	return total
}
