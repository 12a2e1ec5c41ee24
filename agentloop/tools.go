package agentloop

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/google/jsonschema-go/jsonschema"

	"github.com/martinemde/pixy/unifiedllm"
)

// AgentToolResult is what a tool execution returns to the loop. Content is
// sent to the model; Details is kept on the tool result message for callers.
type AgentToolResult struct {
	Content []unifiedllm.ContentPart `json:"content"`
	Details json.RawMessage          `json:"details,omitempty"`
}

// TextResult builds a result with a single text part.
func TextResult(text string) AgentToolResult {
	return AgentToolResult{Content: []unifiedllm.ContentPart{unifiedllm.TextPart(text)}}
}

// Text returns the concatenated text content.
func (r AgentToolResult) Text() string {
	var buf bytes.Buffer
	for _, p := range r.Content {
		if p.Kind == unifiedllm.ContentText {
			buf.WriteString(p.Text)
		}
	}
	return buf.String()
}

// errorResult converts an error into a result whose details carry the
// structured error.
func errorResult(err *unifiedllm.Error) AgentToolResult {
	details, _ := json.Marshal(map[string]any{"error": err})
	return AgentToolResult{
		Content: []unifiedllm.ContentPart{unifiedllm.TextPart(err.Message)},
		Details: details,
	}
}

// ToolExecutor runs a tool call. Execute must be safe to call concurrently for
// distinct calls and should honor ctx cancellation.
type ToolExecutor interface {
	Execute(ctx context.Context, toolCallID string, args json.RawMessage) (AgentToolResult, error)
}

// ToolExecutorFunc adapts a function to ToolExecutor.
type ToolExecutorFunc func(ctx context.Context, toolCallID string, args json.RawMessage) (AgentToolResult, error)

// Execute implements ToolExecutor.
func (f ToolExecutorFunc) Execute(ctx context.Context, toolCallID string, args json.RawMessage) (AgentToolResult, error) {
	return f(ctx, toolCallID, args)
}

// AgentTool pairs a tool definition with its executor.
type AgentTool struct {
	Name        string
	Label       string
	Description string
	// Parameters is the JSON schema of the arguments.
	Parameters json.RawMessage
	Executor   ToolExecutor
	// OutputLimit overrides the run's ToolOutputLimit for this tool.
	OutputLimit *OutputLimit
}

// Definition returns the model-facing tool description.
func (t AgentTool) Definition() unifiedllm.Tool {
	params := t.Parameters
	if len(params) == 0 {
		params = json.RawMessage(`{"type":"object"}`)
	}
	return unifiedllm.Tool{Name: t.Name, Description: t.Description, Parameters: params}
}

// NewTypedTool builds a tool whose parameter schema is inferred from T and
// whose arguments are decoded into T before fn runs.
func NewTypedTool[T any](name, description string, fn func(ctx context.Context, toolCallID string, args T) (AgentToolResult, error)) (AgentTool, error) {
	schema, err := jsonschema.For[T](nil)
	if err != nil {
		return AgentTool{}, fmt.Errorf("infer schema for tool %s: %w", name, err)
	}
	params, err := json.Marshal(schema)
	if err != nil {
		return AgentTool{}, fmt.Errorf("marshal schema for tool %s: %w", name, err)
	}
	exec := ToolExecutorFunc(func(ctx context.Context, toolCallID string, raw json.RawMessage) (AgentToolResult, error) {
		var args T
		if len(bytes.TrimSpace(raw)) > 0 {
			if err := json.Unmarshal(raw, &args); err != nil {
				return AgentToolResult{}, fmt.Errorf("invalid tool arguments: %w", err)
			}
		}
		return fn(ctx, toolCallID, args)
	})
	return AgentTool{Name: name, Label: name, Description: description, Parameters: params, Executor: exec}, nil
}

// MustTypedTool is NewTypedTool that panics on schema errors. Intended for
// package-level tool declarations.
func MustTypedTool[T any](name, description string, fn func(ctx context.Context, toolCallID string, args T) (AgentToolResult, error)) AgentTool {
	t, err := NewTypedTool(name, description, fn)
	if err != nil {
		panic(err)
	}
	return t
}

// EchoArgs are the arguments of the echo tool.
type EchoArgs struct {
	Text string `json:"text" jsonschema:"the text to echo back"`
}

// EchoTool returns a tool that replies with its text argument.
func EchoTool() AgentTool {
	return MustTypedTool("echo", "Echo the given text back.", func(_ context.Context, _ string, args EchoArgs) (AgentToolResult, error) {
		return TextResult(args.Text), nil
	})
}

// ToolRegistry manages tool registration and lookup.
type ToolRegistry struct {
	tools map[string]AgentTool
	mu    sync.RWMutex
}

// NewToolRegistry creates a registry holding tools.
func NewToolRegistry(tools ...AgentTool) *ToolRegistry {
	r := &ToolRegistry{tools: make(map[string]AgentTool)}
	for _, t := range tools {
		r.tools[t.Name] = t
	}
	return r
}

// Register adds or replaces a tool.
func (r *ToolRegistry) Register(tool AgentTool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[tool.Name] = tool
}

// Unregister removes a tool.
func (r *ToolRegistry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tools, name)
}

// Get returns a tool by name.
func (r *ToolRegistry) Get(name string) (AgentTool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Names returns the registered tool names, sorted.
func (r *ToolRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Tools returns the registered tools sorted by name, ready for AgentContext.
func (r *ToolRegistry) Tools() []AgentTool {
	names := r.Names()
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]AgentTool, 0, len(names))
	for _, n := range names {
		if t, ok := r.tools[n]; ok {
			out = append(out, t)
		}
	}
	return out
}

// Count returns the number of registered tools.
func (r *ToolRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

// MergeFrom copies all tools from other. Existing names are overwritten.
func (r *ToolRegistry) MergeFrom(other *ToolRegistry) {
	other.mu.RLock()
	defer other.mu.RUnlock()
	r.mu.Lock()
	defer r.mu.Unlock()
	for name, tool := range other.tools {
		r.tools[name] = tool
	}
}

// ParseToolArguments unmarshals tool call arguments into a map.
func ParseToolArguments(raw json.RawMessage) (map[string]any, error) {
	args := map[string]any{}
	if len(bytes.TrimSpace(raw)) == 0 {
		return args, nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&args); err != nil {
		return nil, fmt.Errorf("invalid tool arguments: %w", err)
	}
	return args, nil
}

// GetStringArg extracts a string argument.
func GetStringArg(args map[string]any, key string) (string, bool) {
	s, ok := args[key].(string)
	return s, ok
}

// GetIntArg extracts an integer argument.
func GetIntArg(args map[string]any, key string) (int, bool) {
	switch n := args[key].(type) {
	case float64:
		return int(n), true
	case int:
		return n, true
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return 0, false
		}
		return int(i), true
	default:
		return 0, false
	}
}

// GetBoolArg extracts a boolean argument.
func GetBoolArg(args map[string]any, key string) (bool, bool) {
	b, ok := args[key].(bool)
	return b, ok
}
