package unifiedllm

import (
	"encoding/json"
	"reflect"
	"strings"
	"testing"
)

func readTool() Tool {
	return Tool{
		Name:        "read",
		Description: "Read a file",
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"path": {"type": "string"},
				"offset": {"type": "integer", "minimum": 0}
			},
			"required": ["path"],
			"additionalProperties": false
		}`),
	}
}

func TestValidateToolCallAcceptsValidArguments(t *testing.T) {
	v := NewValidator()
	args, err := v.ValidateToolCall([]Tool{readTool()}, ToolCall{
		ID: "tool-1", Name: "read", Arguments: json.RawMessage(`{"path":"README.md","offset":10}`),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(args, &decoded); err != nil || decoded["path"] != "README.md" {
		t.Errorf("unexpected arguments: %s", args)
	}
}

func TestValidateToolCallToolNotFound(t *testing.T) {
	_, err := ValidateToolCall([]Tool{readTool(), {Name: "echo"}}, ToolCall{ID: "x", Name: "delete_everything"})
	e := AsError(err)
	if e.Code != CodeToolNotFound {
		t.Fatalf("expected tool_not_found, got %v", err)
	}
	if !strings.Contains(e.Message, "Tool 'delete_everything' not found") {
		t.Errorf("unexpected message: %q", e.Message)
	}
	if !reflect.DeepEqual(e.Details["availableTools"], []string{"read", "echo"}) {
		t.Errorf("unexpected available tools: %v", e.Details["availableTools"])
	}
	if e.Details["toolName"] != "delete_everything" {
		t.Errorf("unexpected tool name detail: %v", e.Details["toolName"])
	}
}

func TestValidateToolCallInvalidArguments(t *testing.T) {
	_, err := ValidateToolCall([]Tool{readTool()}, ToolCall{
		ID: "tool-3", Name: "read", Arguments: json.RawMessage(`{"path":10,"offset":-1,"extra":true}`),
	})
	e := AsError(err)
	if e.Code != CodeToolArgumentsInvalid {
		t.Fatalf("expected tool_arguments_invalid, got %v", err)
	}
	issues, ok := e.Details["validationErrors"].([]ValidationIssue)
	if !ok || len(issues) == 0 {
		t.Fatalf("expected non-empty validation errors, got %v", e.Details["validationErrors"])
	}
	paths := map[string]bool{}
	for _, issue := range issues {
		paths[issue.Path] = true
		if issue.Message == "" {
			t.Errorf("expected a message for %s", issue.Path)
		}
	}
	if !paths["/path"] || !paths["/offset"] {
		t.Errorf("expected violations at /path and /offset, got %v", issues)
	}
	if e.Details["toolCallId"] != "tool-3" {
		t.Errorf("unexpected toolCallId: %v", e.Details["toolCallId"])
	}
}

func TestValidateToolCallMissingRequiredAtRoot(t *testing.T) {
	_, err := ValidateToolCall([]Tool{readTool()}, ToolCall{ID: "t", Name: "read"})
	e := AsError(err)
	if e.Code != CodeToolArgumentsInvalid {
		t.Fatalf("expected tool_arguments_invalid for empty arguments, got %v", err)
	}
	issues := e.Details["validationErrors"].([]ValidationIssue)
	if issues[0].Path != "/" {
		t.Errorf("expected root path for missing property, got %q", issues[0].Path)
	}
}

func TestValidateToolCallMalformedJSON(t *testing.T) {
	_, err := ValidateToolCall([]Tool{readTool()}, ToolCall{ID: "t", Name: "read", Arguments: json.RawMessage(`{"path":`)})
	e := AsError(err)
	if e.Code != CodeToolArgumentsInvalid {
		t.Fatalf("expected tool_arguments_invalid, got %v", err)
	}
}

func TestValidateToolCallSchemaInvalid(t *testing.T) {
	bad := Tool{Name: "broken", Parameters: json.RawMessage(`{"type": 42}`)}
	_, err := NewValidator().ValidateToolCall([]Tool{bad}, ToolCall{ID: "t", Name: "broken", Arguments: json.RawMessage(`{}`)})
	e := AsError(err)
	if e.Code != CodeSchemaInvalid {
		t.Fatalf("expected schema_invalid, got %v", err)
	}
	if e.Details["toolName"] != "broken" {
		t.Errorf("unexpected details: %v", e.Details)
	}
	if reason, _ := e.Details["reason"].(string); reason == "" {
		t.Error("expected a reason")
	}
}

func TestValidatorRecompilesChangedSchema(t *testing.T) {
	v := NewValidator()
	loose := Tool{Name: "t", Parameters: json.RawMessage(`{"type":"object"}`)}
	strict := Tool{Name: "t", Parameters: json.RawMessage(`{"type":"object","required":["x"]}`)}
	call := ToolCall{ID: "1", Name: "t", Arguments: json.RawMessage(`{}`)}

	if _, err := v.ValidateToolCall([]Tool{loose}, call); err != nil {
		t.Fatalf("loose schema should accept {}: %v", err)
	}
	if _, err := v.ValidateToolCall([]Tool{strict}, call); CodeOf(err) != CodeToolArgumentsInvalid {
		t.Fatalf("expected changed schema to be recompiled, got %v", err)
	}
}

func TestValidationDetailsSerialize(t *testing.T) {
	_, err := ValidateToolCall([]Tool{readTool()}, ToolCall{ID: "t", Name: "read", Arguments: json.RawMessage(`{"path":1}`)})
	parsed := ParseErrorJSON(AsError(err).CompactJSON())
	if parsed == nil {
		t.Fatal("expected structured error")
	}
	list, ok := parsed.Details["validationErrors"].([]any)
	if !ok || len(list) == 0 {
		t.Fatalf("expected validationErrors list after round trip, got %v", parsed.Details)
	}
	first := list[0].(map[string]any)
	if first["path"] != "/path" {
		t.Errorf("unexpected first issue: %v", first)
	}
}
