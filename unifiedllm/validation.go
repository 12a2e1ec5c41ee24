package unifiedllm

import (
	"bytes"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// ValidationIssue is one schema violation found in tool call arguments.
type ValidationIssue struct {
	Path    string `json:"path"`
	Message string `json:"message"`
}

type compiledSchema struct {
	digest [sha256.Size]byte
	schema *jsonschema.Schema
	err    *Error
}

// Validator checks tool calls against the JSON schemas of the available
// tools. Compiled schemas are cached per tool name and recompiled when the
// schema bytes change. A Validator is safe for concurrent use.
type Validator struct {
	mu    sync.Mutex
	cache map[string]compiledSchema
}

// NewValidator creates a Validator with an empty schema cache.
func NewValidator() *Validator {
	return &Validator{cache: make(map[string]compiledSchema)}
}

var defaultValidator = NewValidator()

// ValidateToolCall validates call against tools using a shared Validator.
func ValidateToolCall(tools []Tool, call ToolCall) (json.RawMessage, error) {
	return defaultValidator.ValidateToolCall(tools, call)
}

// ValidateToolCall looks up call.Name in tools and validates its arguments.
// It returns the arguments (an empty object when none were sent) or an *Error
// with code tool_not_found, schema_invalid or tool_arguments_invalid.
func (v *Validator) ValidateToolCall(tools []Tool, call ToolCall) (json.RawMessage, error) {
	for _, tool := range tools {
		if tool.Name == call.Name {
			return v.ValidateArguments(tool, call)
		}
	}
	available := make([]string, 0, len(tools))
	for _, tool := range tools {
		available = append(available, tool.Name)
	}
	return nil, Errorf(CodeToolNotFound, "Tool '%s' not found", call.Name).
		WithDetail("toolName", call.Name).
		WithDetail("availableTools", available)
}

// ValidateArguments validates call's arguments against tool's schema.
func (v *Validator) ValidateArguments(tool Tool, call ToolCall) (json.RawMessage, error) {
	schema, serr := v.compile(tool)
	if serr != nil {
		return nil, serr
	}

	args := bytes.TrimSpace(call.Arguments)
	if len(args) == 0 {
		args = []byte("{}")
	}

	invalid := func(issues []ValidationIssue, decoded any) *Error {
		return Errorf(CodeToolArgumentsInvalid, "Validation failed for tool '%s'", tool.Name).
			WithDetail("toolName", tool.Name).
			WithDetail("toolCallId", call.ID).
			WithDetail("arguments", decoded).
			WithDetail("validationErrors", issues)
	}

	dec := json.NewDecoder(bytes.NewReader(args))
	dec.UseNumber()
	var instance any
	if err := dec.Decode(&instance); err != nil {
		return nil, invalid([]ValidationIssue{{Path: "/", Message: "arguments are not valid JSON: " + err.Error()}}, string(args))
	}

	if err := schema.Validate(instance); err != nil {
		var verr *jsonschema.ValidationError
		if !errors.As(err, &verr) {
			return nil, invalid([]ValidationIssue{{Path: "/", Message: err.Error()}}, instance)
		}
		return nil, invalid(leafIssues(verr, nil), instance)
	}
	return json.RawMessage(args), nil
}

func (v *Validator) compile(tool Tool) (*jsonschema.Schema, *Error) {
	raw := bytes.TrimSpace(tool.Parameters)
	if len(raw) == 0 {
		raw = []byte("{}")
	}
	digest := sha256.Sum256(raw)

	v.mu.Lock()
	defer v.mu.Unlock()
	if c, ok := v.cache[tool.Name]; ok && c.digest == digest {
		return c.schema, c.err
	}

	c := compiledSchema{digest: digest}
	location := "mem:///tools/" + url.PathEscape(tool.Name) + ".json"
	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft2020
	err := compiler.AddResource(location, bytes.NewReader(raw))
	if err == nil {
		c.schema, err = compiler.Compile(location)
	}
	if err != nil {
		c.schema = nil
		c.err = Errorf(CodeSchemaInvalid, "Invalid JSON schema for tool '%s': %v", tool.Name, err).
			WithDetail("toolName", tool.Name).
			WithDetail("reason", err.Error()).
			WithCause(err)
	}
	v.cache[tool.Name] = c
	return c.schema, c.err
}

// leafIssues flattens a validation error tree into its leaf violations.
func leafIssues(e *jsonschema.ValidationError, out []ValidationIssue) []ValidationIssue {
	if len(e.Causes) == 0 {
		path := e.InstanceLocation
		if path == "" {
			path = "/"
		}
		return append(out, ValidationIssue{Path: path, Message: e.Message})
	}
	for _, cause := range e.Causes {
		out = leafIssues(cause, out)
	}
	return out
}

// String renders the issue as "path: message".
func (i ValidationIssue) String() string {
	return fmt.Sprintf("%s: %s", i.Path, i.Message)
}
