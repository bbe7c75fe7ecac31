package anthropic

import (
	"context"
	"io"
	"net/http"
	"testing"

	"github.com/goccy/go-json"

	"github.com/relayforge/llmrelay/internal/credential"
	llmerrors "github.com/relayforge/llmrelay/pkg/errors"
	"github.com/relayforge/llmrelay/pkg/types"
)

func testInstance() *credential.Instance {
	return &credential.Instance{
		Name:   "anthropic-primary",
		Type:   ProviderType,
		APIKey: "test-api-key",
	}
}

func TestBuildRequest_Headers(t *testing.T) {
	a := New()
	req := &types.ChatRequest{
		Model:    "claude-sonnet-4",
		Messages: []types.ChatMessage{types.TextMessage("user", "hello")},
	}

	httpReq, err := a.BuildRequest(context.Background(), testInstance(), req, false)
	if err != nil {
		t.Fatalf("BuildRequest() error = %v", err)
	}

	if httpReq.URL.String() != "https://api.anthropic.com/v1/messages" {
		t.Errorf("URL = %s", httpReq.URL)
	}
	if got := httpReq.Header.Get("x-api-key"); got != "test-api-key" {
		t.Errorf("x-api-key = %s", got)
	}
	if got := httpReq.Header.Get("anthropic-version"); got != DefaultAPIVersion {
		t.Errorf("anthropic-version = %s", got)
	}
}

func TestTransformRequest_SystemPrompt(t *testing.T) {
	req := &types.ChatRequest{
		Model: "claude-sonnet-4",
		Messages: []types.ChatMessage{
			types.TextMessage("system", "be brief"),
			types.TextMessage("user", "hello"),
		},
	}

	out, err := transformRequest(req, false)
	if err != nil {
		t.Fatalf("transformRequest() error = %v", err)
	}
	if out.System != "be brief" {
		t.Errorf("System = %q", out.System)
	}
	if len(out.Messages) != 1 || out.Messages[0].Role != "user" {
		t.Errorf("Messages = %+v", out.Messages)
	}
	if out.MaxTokens != DefaultMaxTokens {
		t.Errorf("MaxTokens = %d, want default %d", out.MaxTokens, DefaultMaxTokens)
	}
}

func TestTransformRequest_ToolRoundTrip(t *testing.T) {
	req := &types.ChatRequest{
		Model: "claude-sonnet-4",
		Messages: []types.ChatMessage{
			types.TextMessage("user", "what is the weather"),
			{
				Role: "assistant",
				ToolCalls: []types.ToolCall{{
					ID:   "toolu_1",
					Type: "function",
					Function: types.ToolCallFunction{
						Name:      "get_weather",
						Arguments: `{"city":"Paris"}`,
					},
				}},
			},
			{
				Role:       "tool",
				ToolCallID: "toolu_1",
				Content:    json.RawMessage(`"18C, sunny"`),
			},
		},
		Tools: []types.Tool{{
			Type: "function",
			Function: types.ToolFunction{
				Name:       "get_weather",
				Parameters: json.RawMessage(`{"type":"object","properties":{"city":{"type":"string"}}}`),
			},
		}},
	}

	out, err := transformRequest(req, false)
	if err != nil {
		t.Fatalf("transformRequest() error = %v", err)
	}

	if len(out.Messages) != 3 {
		t.Fatalf("len(Messages) = %d, want 3", len(out.Messages))
	}

	blocks, ok := out.Messages[1].Content.([]contentBlock)
	if !ok || len(blocks) != 1 || blocks[0].Type != "tool_use" || blocks[0].ID != "toolu_1" {
		t.Errorf("assistant turn = %+v", out.Messages[1].Content)
	}

	results, ok := out.Messages[2].Content.([]contentBlock)
	if !ok || len(results) != 1 {
		t.Fatalf("tool turn = %+v", out.Messages[2].Content)
	}
	if out.Messages[2].Role != "user" || results[0].Type != "tool_result" || results[0].ToolUseID != "toolu_1" {
		t.Errorf("tool result block = %+v", results[0])
	}

	if len(out.Tools) != 1 || out.Tools[0].Name != "get_weather" {
		t.Errorf("Tools = %+v", out.Tools)
	}
}

func TestTransformToolChoice(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want string
	}{
		{"auto", `"auto"`, "auto"},
		{"required maps to any", `"required"`, "any"},
		{"none", `"none"`, "none"},
		{"specific function", `{"type":"function","function":{"name":"lookup"}}`, "tool"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tc := transformToolChoice(json.RawMessage(tt.raw))
			if tc == nil || tc.Type != tt.want {
				t.Errorf("transformToolChoice(%s) = %+v, want type %s", tt.raw, tc, tt.want)
			}
		})
	}

	if tc := transformToolChoice(nil); tc != nil {
		t.Errorf("transformToolChoice(nil) = %+v, want nil", tc)
	}
}

func TestParseResponse_Text(t *testing.T) {
	a := New()
	body := []byte(`{
		"id": "msg_1",
		"type": "message",
		"role": "assistant",
		"model": "claude-sonnet-4",
		"content": [{"type": "text", "text": "hello there"}],
		"stop_reason": "end_turn",
		"usage": {"input_tokens": 10, "output_tokens": 3}
	}`)

	resp, err := a.ParseResponse("claude-sonnet-4", body)
	if err != nil {
		t.Fatalf("ParseResponse() error = %v", err)
	}
	if resp.Text() != "hello there" {
		t.Errorf("Text() = %q", resp.Text())
	}
	if resp.FinishReason() != "stop" {
		t.Errorf("FinishReason() = %s", resp.FinishReason())
	}
	if resp.Usage.TotalTokens != 13 {
		t.Errorf("TotalTokens = %d", resp.Usage.TotalTokens)
	}
}

func TestParseResponse_ToolUse(t *testing.T) {
	a := New()
	body := []byte(`{
		"id": "msg_2",
		"model": "claude-sonnet-4",
		"content": [{"type": "tool_use", "id": "toolu_1", "name": "get_weather", "input": {"city": "Paris"}}],
		"stop_reason": "tool_use",
		"usage": {"input_tokens": 20, "output_tokens": 15}
	}`)

	resp, err := a.ParseResponse("claude-sonnet-4", body)
	if err != nil {
		t.Fatalf("ParseResponse() error = %v", err)
	}
	calls := resp.ToolCalls()
	if len(calls) != 1 {
		t.Fatalf("len(ToolCalls) = %d", len(calls))
	}
	if calls[0].ID != "toolu_1" || calls[0].Function.Name != "get_weather" {
		t.Errorf("ToolCall = %+v", calls[0])
	}
	if resp.FinishReason() != "tool_calls" {
		t.Errorf("FinishReason() = %s", resp.FinishReason())
	}
}

func TestParseResponse_ToolFinishWithoutCalls(t *testing.T) {
	a := New()
	body := []byte(`{
		"id": "msg_3",
		"model": "claude-sonnet-4",
		"content": [{"type": "text", "text": ""}],
		"stop_reason": "tool_use",
		"usage": {"input_tokens": 5, "output_tokens": 1}
	}`)

	_, err := a.ParseResponse("claude-sonnet-4", body)
	llmErr, ok := err.(*llmerrors.LLMError)
	if !ok || llmErr.Type != llmerrors.TypeProtocolViolation {
		t.Errorf("error = %v, want protocol violation", err)
	}
}

func TestParseStreamChunk(t *testing.T) {
	a := New()

	t.Run("message_start", func(t *testing.T) {
		chunk, done, err := a.ParseStreamChunk("claude-sonnet-4",
			[]byte(`{"type":"message_start","message":{"id":"msg_1","model":"claude-sonnet-4"}}`))
		if err != nil || done {
			t.Fatalf("err=%v done=%v", err, done)
		}
		if chunk.ID != "msg_1" || chunk.Choices[0].Delta.Role != "assistant" {
			t.Errorf("chunk = %+v", chunk)
		}
	})

	t.Run("text delta", func(t *testing.T) {
		chunk, _, err := a.ParseStreamChunk("claude-sonnet-4",
			[]byte(`{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"hel"}}`))
		if err != nil {
			t.Fatalf("err = %v", err)
		}
		if chunk.Choices[0].Delta.Content != "hel" {
			t.Errorf("Content = %q", chunk.Choices[0].Delta.Content)
		}
	})

	t.Run("message_delta carries finish and usage", func(t *testing.T) {
		chunk, _, err := a.ParseStreamChunk("claude-sonnet-4",
			[]byte(`{"type":"message_delta","delta":{"stop_reason":"end_turn"},"usage":{"input_tokens":10,"output_tokens":4}}`))
		if err != nil {
			t.Fatalf("err = %v", err)
		}
		if chunk.Choices[0].FinishReason != "stop" {
			t.Errorf("FinishReason = %s", chunk.Choices[0].FinishReason)
		}
		if chunk.Usage == nil || chunk.Usage.TotalTokens != 14 {
			t.Errorf("Usage = %+v", chunk.Usage)
		}
	})

	t.Run("message_stop ends stream", func(t *testing.T) {
		chunk, done, err := a.ParseStreamChunk("claude-sonnet-4", []byte(`{"type":"message_stop"}`))
		if err != nil || chunk != nil || !done {
			t.Errorf("chunk=%v done=%v err=%v", chunk, done, err)
		}
	})

	t.Run("ping is silent", func(t *testing.T) {
		chunk, done, err := a.ParseStreamChunk("claude-sonnet-4", []byte(`{"type":"ping"}`))
		if err != nil || chunk != nil || done {
			t.Errorf("chunk=%v done=%v err=%v", chunk, done, err)
		}
	})
}

func TestMapError(t *testing.T) {
	a := New()

	err := a.MapError("claude-sonnet-4", 429, headerWith("Retry-After", "7"),
		[]byte(`{"error":{"type":"rate_limit_error","message":"rate limited"}}`))
	llmErr := err.(*llmerrors.LLMError)
	if llmErr.Type != llmerrors.TypeRateLimit {
		t.Errorf("Type = %s", llmErr.Type)
	}
	if llmErr.RetryAfter.Seconds() != 7 {
		t.Errorf("RetryAfter = %v", llmErr.RetryAfter)
	}

	err = a.MapError("claude-2.0", 400, nil,
		[]byte(`{"error":{"type":"invalid_request_error","message":"claude-2.0 has been retired"}}`))
	if llmErr := err.(*llmerrors.LLMError); llmErr.Type != llmerrors.TypeModelDecommissioned {
		t.Errorf("Type = %s", llmErr.Type)
	}

	err = a.MapError("claude-sonnet-4", 529, nil, []byte(`{"error":{"type":"overloaded_error","message":"overloaded"}}`))
	if llmErr := err.(*llmerrors.LLMError); llmErr.Type != llmerrors.TypeServiceUnavailable {
		t.Errorf("Type = %s", llmErr.Type)
	}
}

func headerWith(key, value string) http.Header {
	h := http.Header{}
	h.Set(key, value)
	return h
}

func TestBuildRequest_BodyDoesNotIncludeResponseFormat(t *testing.T) {
	a := New()
	req := &types.ChatRequest{
		Model:          "claude-sonnet-4",
		Messages:       []types.ChatMessage{types.TextMessage("user", "hello")},
		ResponseFormat: &types.ResponseFormat{Type: "json_object"},
	}

	httpReq, err := a.BuildRequest(context.Background(), testInstance(), req, false)
	if err != nil {
		t.Fatalf("BuildRequest() error = %v", err)
	}
	body, _ := io.ReadAll(httpReq.Body)
	var sent map[string]any
	if err := json.Unmarshal(body, &sent); err != nil {
		t.Fatalf("unmarshal body: %v", err)
	}
	if _, present := sent["response_format"]; present {
		t.Error("response_format has no Messages API equivalent and must not be forwarded")
	}
}
