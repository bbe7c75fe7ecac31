// Package stream owns the outbound event stream of one request: a single
// writer emits tagged SSE events in order and exactly one terminal event.
package stream

import (
	"github.com/relayforge/llmrelay/pkg/types"
)

// Type tags an outbound stream event. Consumers must tolerate tags they do
// not recognize.
type Type string

const (
	TypeRequestMeta  Type = "llm_request_meta"
	TypeResponseMeta Type = "llm_response_meta"
	TypePartialText  Type = "partial_text"
	TypeToolStatus   Type = "tool_status"
	TypeToolResult   Type = "tool_result"
	TypeError        Type = "error"
	TypeDone         Type = "done"
)

// Event is one tagged frame.
type Event struct {
	Type    Type
	Payload any
}

// Terminal reports whether the event closes the stream.
func (e Event) Terminal() bool {
	return e.Type == TypeDone || e.Type == TypeError
}

// RequestMeta opens every stream.
type RequestMeta struct {
	RequestID string `json:"request_id"`
	Provider  string `json:"provider"`
	Model     string `json:"model"`
}

// ResponseMeta reports the upstream call that actually answered, with
// token usage when the provider sent it.
type ResponseMeta struct {
	Provider string       `json:"provider"`
	Model    string       `json:"model"`
	Usage    *types.Usage `json:"usage,omitempty"`
}

// PartialText carries one increment of assistant output.
type PartialText struct {
	Content string `json:"content"`
}

// ToolStatus announces a tool invocation starting.
type ToolStatus struct {
	CallID string `json:"call_id"`
	Tool   string `json:"tool"`
	Status string `json:"status"`
}

// ToolResult carries a finished tool invocation.
type ToolResult struct {
	CallID string `json:"call_id"`
	Tool   string `json:"tool"`
	Output string `json:"output"`
	Failed bool   `json:"failed,omitempty"`
}

// ErrorPayload is the terminal error frame.
type ErrorPayload struct {
	Message string `json:"message"`
	Code    string `json:"code"`
}

// Done is the terminal success frame.
type Done struct {
	FinishReason string `json:"finish_reason"`
	Truncated    bool   `json:"truncated,omitempty"`
}

// Notifier adapts a Writer to the tool loop's notification interface so
// tool lifecycle events interleave with partial text.
type Notifier struct {
	W *Writer
}

func (n Notifier) ToolStarted(tc types.ToolCall) {
	n.W.Send(Event{Type: TypeToolStatus, Payload: ToolStatus{
		CallID: tc.ID,
		Tool:   tc.Function.Name,
		Status: "running",
	}})
}

func (n Notifier) ToolFinished(tc types.ToolCall, output string, failed bool) {
	n.W.Send(Event{Type: TypeToolResult, Payload: ToolResult{
		CallID: tc.ID,
		Tool:   tc.Function.Name,
		Output: output,
		Failed: failed,
	}})
}
