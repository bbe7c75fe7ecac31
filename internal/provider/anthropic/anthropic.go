// Package anthropic implements the Anthropic Claude provider adapter.
// It translates between the unified OpenAI-style shape and Anthropic's
// Messages API.
package anthropic

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/goccy/go-json"

	"github.com/relayforge/llmrelay/internal/credential"
	"github.com/relayforge/llmrelay/internal/provider"
	llmerrors "github.com/relayforge/llmrelay/pkg/errors"
	"github.com/relayforge/llmrelay/pkg/types"
)

const (
	// ProviderType is the identifier for this adapter.
	ProviderType = "anthropic"

	// DefaultBaseURL is the default Anthropic API endpoint.
	DefaultBaseURL = "https://api.anthropic.com"

	// DefaultAPIVersion is the Anthropic API version header value.
	DefaultAPIVersion = "2023-06-01"

	// DefaultMaxTokens applies when the caller did not set max_tokens;
	// the Messages API requires the field.
	DefaultMaxTokens = 4096
)

// Adapter implements the Anthropic Messages API.
type Adapter struct{}

// New creates the Anthropic adapter.
func New() *Adapter { return &Adapter{} }

// Type returns the provider identifier.
func (a *Adapter) Type() string { return ProviderType }

// anthropicRequest is the Messages API request format.
type anthropicRequest struct {
	Model         string             `json:"model"`
	Messages      []anthropicMessage `json:"messages"`
	MaxTokens     int                `json:"max_tokens"`
	System        string             `json:"system,omitempty"`
	Temperature   *float64           `json:"temperature,omitempty"`
	TopP          *float64           `json:"top_p,omitempty"`
	StopSequences []string           `json:"stop_sequences,omitempty"`
	Stream        bool               `json:"stream,omitempty"`
	Metadata      *metadata          `json:"metadata,omitempty"`
	Tools         []anthropicTool    `json:"tools,omitempty"`
	ToolChoice    *toolChoice        `json:"tool_choice,omitempty"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"` // string or []contentBlock
}

type contentBlock struct {
	Type      string `json:"type"`
	Text      string `json:"text,omitempty"`
	ID        string `json:"id,omitempty"`
	Name      string `json:"name,omitempty"`
	Input     any    `json:"input,omitempty"`
	ToolUseID string `json:"tool_use_id,omitempty"`
	Content   string `json:"content,omitempty"`
}

type metadata struct {
	UserID string `json:"user_id,omitempty"`
}

type anthropicTool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema"`
}

type toolChoice struct {
	Type string `json:"type"` // auto, any, tool, none
	Name string `json:"name,omitempty"`
}

// anthropicResponse is the Messages API response format.
type anthropicResponse struct {
	ID         string         `json:"id"`
	Type       string         `json:"type"`
	Role       string         `json:"role"`
	Content    []contentBlock `json:"content"`
	Model      string         `json:"model"`
	StopReason string         `json:"stop_reason"`
	Usage      anthropicUsage `json:"usage"`
}

type anthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// BuildRequest creates an HTTP request for the Anthropic Messages API.
func (a *Adapter) BuildRequest(ctx context.Context, inst *credential.Instance, req *types.ChatRequest, stream bool) (*http.Request, error) {
	anthropicReq, err := transformRequest(req, stream)
	if err != nil {
		return nil, fmt.Errorf("transform request: %w", err)
	}

	body, err := json.Marshal(anthropicReq)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	baseURL := inst.BaseURL
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	url := strings.TrimSuffix(baseURL, "/") + "/v1/messages"

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", inst.APIKey)
	httpReq.Header.Set("anthropic-version", DefaultAPIVersion)
	if stream {
		httpReq.Header.Set("Accept", "text/event-stream")
	}

	return httpReq, nil
}

func transformRequest(req *types.ChatRequest, stream bool) (*anthropicRequest, error) {
	out := &anthropicRequest{
		Model:     req.Model,
		MaxTokens: DefaultMaxTokens,
		Stream:    stream,
	}
	if req.MaxTokens > 0 {
		out.MaxTokens = req.MaxTokens
	}
	out.Temperature = req.Temperature
	out.TopP = req.TopP
	if len(req.Stop) > 0 {
		out.StopSequences = req.Stop
	}
	if req.User != "" {
		out.Metadata = &metadata{UserID: req.User}
	}

	// The Messages API has no JSON output mode; structured output is not
	// representable here and tools always take precedence anyway.

	messages, systemPrompt, err := transformMessages(req.Messages)
	if err != nil {
		return nil, err
	}
	out.Messages = messages
	out.System = systemPrompt

	if len(req.Tools) > 0 {
		out.Tools = transformTools(req.Tools)
		out.ToolChoice = transformToolChoice(req.ToolChoice)
	}

	return out, nil
}

func transformMessages(messages []types.ChatMessage) ([]anthropicMessage, string, error) {
	var result []anthropicMessage
	var system strings.Builder

	for i, msg := range messages {
		switch msg.Role {
		case "system":
			system.WriteString(msg.ContentText())

		case "assistant":
			if len(msg.ToolCalls) > 0 {
				blocks := make([]contentBlock, 0, len(msg.ToolCalls)+1)
				if text := msg.ContentText(); text != "" {
					blocks = append(blocks, contentBlock{Type: "text", Text: text})
				}
				for _, tc := range msg.ToolCalls {
					var input any
					if err := json.Unmarshal([]byte(tc.Function.Arguments), &input); err != nil {
						input = tc.Function.Arguments
					}
					blocks = append(blocks, contentBlock{
						Type:  "tool_use",
						ID:    tc.ID,
						Name:  tc.Function.Name,
						Input: input,
					})
				}
				result = append(result, anthropicMessage{Role: "assistant", Content: blocks})
				continue
			}
			result = append(result, anthropicMessage{Role: "assistant", Content: msg.ContentText()})

		case "tool":
			// Tool results travel as user turns with a tool_result block.
			result = append(result, anthropicMessage{
				Role: "user",
				Content: []contentBlock{{
					Type:      "tool_result",
					ToolUseID: msg.ToolCallID,
					Content:   msg.ContentText(),
				}},
			})

		case "user":
			result = append(result, anthropicMessage{Role: "user", Content: msg.ContentText()})

		default:
			return nil, "", fmt.Errorf("messages[%d]: unsupported role %q", i, msg.Role)
		}
	}

	return result, system.String(), nil
}

func transformTools(tools []types.Tool) []anthropicTool {
	result := make([]anthropicTool, 0, len(tools))
	for _, tool := range tools {
		if tool.Type != "function" {
			continue
		}
		schema := tool.Function.Parameters
		if len(schema) == 0 {
			schema = json.RawMessage(`{"type":"object"}`)
		}
		result = append(result, anthropicTool{
			Name:        tool.Function.Name,
			Description: tool.Function.Description,
			InputSchema: schema,
		})
	}
	return result
}

func transformToolChoice(raw json.RawMessage) *toolChoice {
	if len(raw) == 0 {
		return nil
	}

	var str string
	if err := json.Unmarshal(raw, &str); err == nil {
		switch str {
		case "auto":
			return &toolChoice{Type: "auto"}
		case "required":
			return &toolChoice{Type: "any"}
		case "none":
			return &toolChoice{Type: "none"}
		}
		return nil
	}

	var obj struct {
		Function struct {
			Name string `json:"name"`
		} `json:"function"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil && obj.Function.Name != "" {
		return &toolChoice{Type: "tool", Name: obj.Function.Name}
	}
	return nil
}

// ParseResponse transforms an Anthropic response into the unified format.
func (a *Adapter) ParseResponse(model string, body []byte) (*types.ChatResponse, error) {
	var anthResp anthropicResponse
	if err := json.Unmarshal(body, &anthResp); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}

	resp := transformResponse(&anthResp)
	if err := provider.ValidateToolFinish(ProviderType, model, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func transformResponse(resp *anthropicResponse) *types.ChatResponse {
	var text strings.Builder
	var toolCalls []types.ToolCall

	for _, block := range resp.Content {
		switch block.Type {
		case "text":
			text.WriteString(block.Text)
		case "tool_use":
			inputJSON, _ := json.Marshal(block.Input)
			toolCalls = append(toolCalls, types.ToolCall{
				ID:   block.ID,
				Type: "function",
				Function: types.ToolCallFunction{
					Name:      block.Name,
					Arguments: string(inputJSON),
				},
			})
		}
	}

	message := types.TextMessage("assistant", text.String())
	message.ToolCalls = toolCalls

	return &types.ChatResponse{
		ID:     resp.ID,
		Object: "chat.completion",
		Model:  resp.Model,
		Choices: []types.Choice{{
			Index:        0,
			Message:      message,
			FinishReason: mapStopReason(resp.StopReason),
		}},
		Usage: &types.Usage{
			PromptTokens:     resp.Usage.InputTokens,
			CompletionTokens: resp.Usage.OutputTokens,
			TotalTokens:      resp.Usage.InputTokens + resp.Usage.OutputTokens,
		},
	}
}

func mapStopReason(reason string) string {
	switch reason {
	case "end_turn", "stop_sequence":
		return "stop"
	case "max_tokens":
		return "length"
	case "tool_use":
		return "tool_calls"
	default:
		return reason
	}
}

// ParseStreamChunk parses a single SSE data payload from Anthropic.
// Event routing happens on the embedded "type" field rather than the SSE
// event line, which the stream reader strips.
func (a *Adapter) ParseStreamChunk(model string, data []byte) (*types.StreamChunk, bool, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, false, nil
	}

	var event struct {
		Type    string `json:"type"`
		Message struct {
			ID    string `json:"id"`
			Model string `json:"model"`
		} `json:"message"`
		Delta struct {
			Type       string `json:"type"`
			Text       string `json:"text"`
			StopReason string `json:"stop_reason"`
		} `json:"delta"`
		Usage *anthropicUsage `json:"usage"`
	}
	if err := json.Unmarshal(trimmed, &event); err != nil {
		return nil, false, fmt.Errorf("unmarshal event: %w", err)
	}

	switch event.Type {
	case "message_start":
		return &types.StreamChunk{
			ID:     event.Message.ID,
			Object: "chat.completion.chunk",
			Model:  event.Message.Model,
			Choices: []types.StreamChoice{{
				Delta: types.StreamDelta{Role: "assistant"},
			}},
		}, false, nil

	case "content_block_delta":
		if event.Delta.Type != "text_delta" || event.Delta.Text == "" {
			return nil, false, nil
		}
		return &types.StreamChunk{
			Object: "chat.completion.chunk",
			Model:  model,
			Choices: []types.StreamChoice{{
				Delta: types.StreamDelta{Content: event.Delta.Text},
			}},
		}, false, nil

	case "message_delta":
		if event.Delta.StopReason == "" {
			return nil, false, nil
		}
		chunk := &types.StreamChunk{
			Object: "chat.completion.chunk",
			Model:  model,
			Choices: []types.StreamChoice{{
				FinishReason: mapStopReason(event.Delta.StopReason),
			}},
		}
		if event.Usage != nil {
			chunk.Usage = &types.Usage{
				PromptTokens:     event.Usage.InputTokens,
				CompletionTokens: event.Usage.OutputTokens,
				TotalTokens:      event.Usage.InputTokens + event.Usage.OutputTokens,
			}
		}
		return chunk, false, nil

	case "message_stop":
		return nil, true, nil
	}

	// ping, content_block_start, content_block_stop
	return nil, false, nil
}

// MapError converts an Anthropic error response to a standardized error.
func (a *Adapter) MapError(model string, statusCode int, header http.Header, body []byte) error {
	var errResp struct {
		Error struct {
			Type    string `json:"type"`
			Message string `json:"message"`
		} `json:"error"`
	}

	message := "unknown error"
	errType := ""
	if err := json.Unmarshal(body, &errResp); err == nil && errResp.Error.Message != "" {
		message = errResp.Error.Message
		errType = errResp.Error.Type
	}

	if strings.Contains(message, "decommissioned") || strings.Contains(message, "has been retired") {
		return llmerrors.NewModelDecommissionedError(ProviderType, model, message)
	}

	switch statusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return llmerrors.NewAuthenticationError(ProviderType, model, message)
	case http.StatusTooManyRequests:
		e := llmerrors.NewRateLimitError(ProviderType, model, message)
		e.RetryAfter = provider.ParseRetryAfter(header)
		return e
	case http.StatusBadRequest:
		if errType == "not_found_error" {
			return llmerrors.NewModelNotFoundError(ProviderType, model, message)
		}
		return llmerrors.NewInvalidRequestError(ProviderType, model, message)
	case http.StatusNotFound:
		return llmerrors.NewModelNotFoundError(ProviderType, model, message)
	case http.StatusRequestTimeout, http.StatusGatewayTimeout:
		return llmerrors.NewTimeoutError(ProviderType, model, message)
	case http.StatusServiceUnavailable, http.StatusBadGateway, 529:
		return llmerrors.NewServiceUnavailableError(ProviderType, model, message)
	default:
		return llmerrors.NewInternalError(ProviderType, model, message)
	}
}
