// Package types defines the provider-agnostic request, response and stream
// shapes used across the gateway. The wire format follows OpenAI's Chat
// Completion API, which every adapter translates to and from.
package types //nolint:revive // package name is intentional

import (
	"fmt"
	"strings"

	"github.com/goccy/go-json"
)

// ChatRequest is the unified inbound request shape.
type ChatRequest struct {
	Model            string          `json:"model,omitempty"`
	Messages         []ChatMessage   `json:"messages"`
	Stream           bool            `json:"stream,omitempty"`
	MaxTokens        int             `json:"max_tokens,omitempty"`
	Temperature      *float64        `json:"temperature,omitempty"`
	TopP             *float64        `json:"top_p,omitempty"`
	Stop             []string        `json:"stop,omitempty"`
	User             string          `json:"user,omitempty"`
	Tools            []Tool          `json:"tools,omitempty"`
	ToolChoice       json.RawMessage `json:"tool_choice,omitempty"`
	ResponseFormat   *ResponseFormat `json:"response_format,omitempty"`
	StreamOptions    *StreamOptions  `json:"stream_options,omitempty"`
	PresencePenalty  *float64        `json:"presence_penalty,omitempty"`
	FrequencyPenalty *float64        `json:"frequency_penalty,omitempty"`
}

// Validate checks the minimum viable request. Model may be empty; the
// selector then chooses one by complexity.
func (r *ChatRequest) Validate() error {
	if len(r.Messages) == 0 {
		return fmt.Errorf("messages is required")
	}
	for i, m := range r.Messages {
		if m.Role == "" {
			return fmt.Errorf("messages[%d]: role is required", i)
		}
	}
	return nil
}

// WantsJSON reports whether the caller asked for structured-output mode.
func (r *ChatRequest) WantsJSON() bool {
	return r.ResponseFormat != nil && r.ResponseFormat.Type == "json_object"
}

// Clone returns a shallow copy with its own message slice, so a tool round
// can extend the conversation without mutating the caller's value.
func (r *ChatRequest) Clone() *ChatRequest {
	cp := *r
	cp.Messages = make([]ChatMessage, len(r.Messages))
	copy(cp.Messages, r.Messages)
	return &cp
}

// ChatMessage is a single conversation turn.
type ChatMessage struct {
	Role       string          `json:"role"`
	Content    json.RawMessage `json:"content"`
	Name       string          `json:"name,omitempty"`
	ToolCalls  []ToolCall      `json:"tool_calls,omitempty"`
	ToolCallID string          `json:"tool_call_id,omitempty"`
}

// TextMessage builds a plain-text turn.
func TextMessage(role, text string) ChatMessage {
	content, _ := json.Marshal(text)
	return ChatMessage{Role: role, Content: content}
}

// ContentText extracts the textual content of a message. Content may be a
// JSON string or an array of typed content parts.
func (m ChatMessage) ContentText() string {
	if len(m.Content) == 0 {
		return ""
	}

	var text string
	if err := json.Unmarshal(m.Content, &text); err == nil {
		return text
	}

	var parts []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(m.Content, &parts); err == nil {
		var b strings.Builder
		for _, p := range parts {
			if p.Type == "" || p.Type == "text" {
				b.WriteString(p.Text)
			}
		}
		return b.String()
	}

	return string(m.Content)
}

// Tool declares a function the model may call.
type Tool struct {
	Type     string       `json:"type"`
	Function ToolFunction `json:"function"`
}

// ToolFunction describes a callable function.
type ToolFunction struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

// ToolCall is a model-issued invocation request.
type ToolCall struct {
	ID       string           `json:"id"`
	Type     string           `json:"type"`
	Function ToolCallFunction `json:"function"`
}

// ToolCallFunction carries the function name and its JSON-encoded arguments.
type ToolCallFunction struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ResponseFormat selects the output mode ("text" or "json_object").
type ResponseFormat struct {
	Type string `json:"type"`
}

// StreamOptions tunes streaming behavior for providers that support it.
type StreamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}
