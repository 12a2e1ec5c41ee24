package unifiedllm

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrorCode is the machine-readable classification of a runtime error.
type ErrorCode string

const (
	CodeToolNotFound         ErrorCode = "tool_not_found"
	CodeToolArgumentsInvalid ErrorCode = "tool_arguments_invalid"
	CodeToolExecutionFailed  ErrorCode = "tool_execution_failed"
	CodeSchemaInvalid        ErrorCode = "schema_invalid"
	CodeProviderAuthMissing  ErrorCode = "provider_auth_missing"
	CodeProviderHTTP         ErrorCode = "provider_http"
	CodeProviderTransport    ErrorCode = "provider_transport"
	CodeProviderProtocol     ErrorCode = "provider_protocol"
	CodeAborted              ErrorCode = "aborted"
)

// Error is the base error type for the runtime. Details is JSON-serializable
// context for programmatic recovery (available tools, violation lists, status).
type Error struct {
	Code    ErrorCode      `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	Cause   error          `json:"-"`
}

// NewError creates an Error with the given code and message.
func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Errorf creates an Error with a formatted message.
func Errorf(code ErrorCode, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithDetail returns e with key set in Details.
func (e *Error) WithDetail(key string, value any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// WithCause returns e wrapping cause.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches another *Error by code, so errors.Is(err, &Error{Code: c}) works.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code && (t.Message == "" || t.Message == e.Message)
}

// CompactJSON renders the error as a single-line JSON object.
func (e *Error) CompactJSON() string {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Sprintf(`{"code":%q,"message":%q}`, e.Code, e.Message)
	}
	return string(data)
}

// ParseErrorJSON decodes the output of CompactJSON. It returns nil when the text
// is not a structured error.
func ParseErrorJSON(text string) *Error {
	var e Error
	if err := json.Unmarshal([]byte(text), &e); err != nil || e.Code == "" {
		return nil
	}
	return &e
}

// CodeOf returns the code of the first *Error in err's chain, or "".
func CodeOf(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// AsError returns err as an *Error, wrapping unknown errors as transport
// failures.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return &Error{Code: CodeProviderTransport, Message: err.Error(), Cause: err}
}

// TransportError creates a retryable transport-class error.
func TransportError(message string, cause error) *Error {
	return &Error{Code: CodeProviderTransport, Message: message, Cause: cause}
}

// ProtocolError creates a protocol-class error for malformed provider output.
func ProtocolError(message string) *Error {
	return &Error{Code: CodeProviderProtocol, Message: message}
}

// AuthMissingError reports that no credentials were configured for a provider.
func AuthMissingError(provider string) *Error {
	return Errorf(CodeProviderAuthMissing, "no API key configured for provider %s", provider).
		WithDetail("provider", provider)
}

// AbortedError reports a cancelled request.
func AbortedError(cause error) *Error {
	return &Error{Code: CodeAborted, Message: "Request was aborted", Cause: cause}
}

// ErrorFromStatusCode maps an HTTP status code to a provider_http error.
// Statuses that indicate a transient condition are marked retryable in Details.
func ErrorFromStatusCode(statusCode int, provider, message string) *Error {
	retryable := false
	switch statusCode {
	case 408, 409, 429, 500, 502, 503, 504:
		retryable = true
	}
	return (&Error{Code: CodeProviderHTTP, Message: message}).
		WithDetail("status", statusCode).
		WithDetail("provider", provider).
		WithDetail("retryable", retryable)
}

// IsRetryable returns true if the error is a transport-class failure that is
// safe to retry. Unknown (non-*Error) errors are not retried.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	switch e.Code {
	case CodeProviderTransport:
		return true
	case CodeProviderHTTP:
		retryable, _ := e.Details["retryable"].(bool)
		return retryable
	default:
		return false
	}
}
