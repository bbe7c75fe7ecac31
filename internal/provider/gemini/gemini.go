// Package gemini implements the Google Gemini provider adapter.
// It translates between the unified OpenAI-style shape and Gemini's
// generateContent API.
package gemini

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/goccy/go-json"
	"github.com/tidwall/gjson"

	"github.com/relayforge/llmrelay/internal/credential"
	"github.com/relayforge/llmrelay/internal/provider"
	llmerrors "github.com/relayforge/llmrelay/pkg/errors"
	"github.com/relayforge/llmrelay/pkg/types"
)

const (
	// ProviderType is the identifier for this adapter.
	ProviderType = "gemini"

	// DefaultBaseURL is the default Google AI Studio API endpoint.
	DefaultBaseURL = "https://generativelanguage.googleapis.com"

	// DefaultAPIVersion is the Gemini API version path segment.
	DefaultAPIVersion = "v1beta"
)

// Adapter implements the Gemini generateContent API.
type Adapter struct{}

// New creates the Gemini adapter.
func New() *Adapter { return &Adapter{} }

// Type returns the provider identifier.
func (a *Adapter) Type() string { return ProviderType }

// geminiRequest is the generateContent request format.
type geminiRequest struct {
	Contents          []geminiContent   `json:"contents"`
	SystemInstruction *geminiContent    `json:"systemInstruction,omitempty"`
	GenerationConfig  *generationConfig `json:"generationConfig,omitempty"`
	Tools             []geminiTool      `json:"tools,omitempty"`
	ToolConfig        *toolConfig       `json:"toolConfig,omitempty"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text         string            `json:"text,omitempty"`
	FunctionCall *functionCall     `json:"functionCall,omitempty"`
	FunctionResp *functionResponse `json:"functionResponse,omitempty"`
}

type functionCall struct {
	Name string         `json:"name"`
	Args map[string]any `json:"args"`
}

type functionResponse struct {
	Name     string         `json:"name"`
	Response map[string]any `json:"response"`
}

type generationConfig struct {
	Temperature      *float64 `json:"temperature,omitempty"`
	TopP             *float64 `json:"topP,omitempty"`
	MaxOutputTokens  int      `json:"maxOutputTokens,omitempty"`
	StopSequences    []string `json:"stopSequences,omitempty"`
	ResponseMimeType string   `json:"responseMimeType,omitempty"`
}

type geminiTool struct {
	FunctionDeclarations []functionDeclaration `json:"functionDeclarations,omitempty"`
}

type functionDeclaration struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

type toolConfig struct {
	FunctionCallingConfig *functionCallingConfig `json:"functionCallingConfig,omitempty"`
}

type functionCallingConfig struct {
	Mode                 string   `json:"mode,omitempty"` // AUTO, ANY, NONE
	AllowedFunctionNames []string `json:"allowedFunctionNames,omitempty"`
}

// geminiResponse is the generateContent response format.
type geminiResponse struct {
	Candidates    []candidate    `json:"candidates"`
	UsageMetadata *usageMetadata `json:"usageMetadata,omitempty"`
}

type candidate struct {
	Content      geminiContent `json:"content"`
	FinishReason string        `json:"finishReason"`
	Index        int           `json:"index"`
}

type usageMetadata struct {
	PromptTokenCount     int `json:"promptTokenCount"`
	CandidatesTokenCount int `json:"candidatesTokenCount"`
	TotalTokenCount      int `json:"totalTokenCount"`
}

// BuildRequest creates an HTTP request for the Gemini API. The API key
// travels in the x-goog-api-key header, never in the URL, so request
// logging cannot leak it.
func (a *Adapter) BuildRequest(ctx context.Context, inst *credential.Instance, req *types.ChatRequest, stream bool) (*http.Request, error) {
	geminiReq, err := transformRequest(req)
	if err != nil {
		return nil, fmt.Errorf("transform request: %w", err)
	}

	body, err := json.Marshal(geminiReq)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	baseURL := inst.BaseURL
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	action := "generateContent"
	if stream {
		// alt=sse switches streaming from one JSON array to SSE frames.
		action = "streamGenerateContent?alt=sse"
	}
	url := fmt.Sprintf("%s/%s/models/%s:%s",
		strings.TrimSuffix(baseURL, "/"), DefaultAPIVersion, req.Model, action)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-goog-api-key", inst.APIKey)

	return httpReq, nil
}

func transformRequest(req *types.ChatRequest) (*geminiRequest, error) {
	gen := &generationConfig{
		Temperature:   req.Temperature,
		TopP:          req.TopP,
		StopSequences: req.Stop,
	}
	if req.MaxTokens > 0 {
		gen.MaxOutputTokens = req.MaxTokens
	}
	// JSON output mode and function declarations are mutually exclusive
	// upstream; tools win when both are present.
	if req.WantsJSON() && len(req.Tools) == 0 {
		gen.ResponseMimeType = "application/json"
	}

	out := &geminiRequest{GenerationConfig: gen}

	contents, systemInstruction, err := transformMessages(req.Messages)
	if err != nil {
		return nil, err
	}
	out.Contents = contents
	out.SystemInstruction = systemInstruction

	if len(req.Tools) > 0 {
		out.Tools = transformTools(req.Tools)
		out.ToolConfig = transformToolChoice(req.ToolChoice)
	}

	return out, nil
}

func transformMessages(messages []types.ChatMessage) ([]geminiContent, *geminiContent, error) {
	var contents []geminiContent
	var systemInstruction *geminiContent

	// Tool results reference calls by id; Gemini wants the function name
	// back, so remember which id called what.
	callNames := make(map[string]string)

	for i, msg := range messages {
		switch msg.Role {
		case "system":
			if systemInstruction == nil {
				systemInstruction = &geminiContent{}
			}
			systemInstruction.Parts = append(systemInstruction.Parts,
				geminiPart{Text: msg.ContentText()})

		case "assistant":
			if len(msg.ToolCalls) > 0 {
				var parts []geminiPart
				if text := msg.ContentText(); text != "" {
					parts = append(parts, geminiPart{Text: text})
				}
				for _, tc := range msg.ToolCalls {
					callNames[tc.ID] = tc.Function.Name
					var args map[string]any
					if err := json.Unmarshal([]byte(tc.Function.Arguments), &args); err != nil {
						args = map[string]any{}
					}
					parts = append(parts, geminiPart{
						FunctionCall: &functionCall{Name: tc.Function.Name, Args: args},
					})
				}
				contents = append(contents, geminiContent{Role: "model", Parts: parts})
				continue
			}
			contents = append(contents, geminiContent{
				Role:  "model",
				Parts: []geminiPart{{Text: msg.ContentText()}},
			})

		case "tool":
			name := callNames[msg.ToolCallID]
			if name == "" {
				name = msg.ToolCallID
			}
			contents = append(contents, geminiContent{
				Role: "user",
				Parts: []geminiPart{{
					FunctionResp: &functionResponse{
						Name:     name,
						Response: map[string]any{"result": msg.ContentText()},
					},
				}},
			})

		case "user":
			contents = append(contents, geminiContent{
				Role:  "user",
				Parts: []geminiPart{{Text: msg.ContentText()}},
			})

		default:
			return nil, nil, fmt.Errorf("messages[%d]: unsupported role %q", i, msg.Role)
		}
	}

	return contents, systemInstruction, nil
}

func transformTools(tools []types.Tool) []geminiTool {
	declarations := make([]functionDeclaration, 0, len(tools))
	for _, tool := range tools {
		if tool.Type != "function" {
			continue
		}
		declarations = append(declarations, functionDeclaration{
			Name:        tool.Function.Name,
			Description: tool.Function.Description,
			Parameters:  tool.Function.Parameters,
		})
	}
	if len(declarations) == 0 {
		return nil
	}
	return []geminiTool{{FunctionDeclarations: declarations}}
}

func transformToolChoice(raw json.RawMessage) *toolConfig {
	if len(raw) == 0 {
		return nil
	}

	var str string
	if err := json.Unmarshal(raw, &str); err == nil {
		switch str {
		case "auto":
			return &toolConfig{FunctionCallingConfig: &functionCallingConfig{Mode: "AUTO"}}
		case "required":
			return &toolConfig{FunctionCallingConfig: &functionCallingConfig{Mode: "ANY"}}
		case "none":
			return &toolConfig{FunctionCallingConfig: &functionCallingConfig{Mode: "NONE"}}
		}
		return nil
	}

	var obj struct {
		Function struct {
			Name string `json:"name"`
		} `json:"function"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil && obj.Function.Name != "" {
		return &toolConfig{FunctionCallingConfig: &functionCallingConfig{
			Mode:                 "ANY",
			AllowedFunctionNames: []string{obj.Function.Name},
		}}
	}
	return nil
}

// ParseResponse transforms a Gemini response into the unified format.
func (a *Adapter) ParseResponse(model string, body []byte) (*types.ChatResponse, error) {
	var geminiResp geminiResponse
	if err := json.Unmarshal(body, &geminiResp); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}

	resp := transformResponse(model, &geminiResp)
	if err := provider.ValidateToolFinish(ProviderType, model, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func transformResponse(model string, resp *geminiResponse) *types.ChatResponse {
	choices := make([]types.Choice, 0, len(resp.Candidates))

	for i, cand := range resp.Candidates {
		var text strings.Builder
		var toolCalls []types.ToolCall

		for _, part := range cand.Content.Parts {
			text.WriteString(part.Text)
			if part.FunctionCall != nil {
				argsJSON, err := json.Marshal(part.FunctionCall.Args)
				if err != nil {
					argsJSON = []byte("{}")
				}
				// Gemini does not issue call ids; synthesize stable ones.
				toolCalls = append(toolCalls, types.ToolCall{
					ID:   fmt.Sprintf("call_%d_%s", len(toolCalls), part.FunctionCall.Name),
					Type: "function",
					Function: types.ToolCallFunction{
						Name:      part.FunctionCall.Name,
						Arguments: string(argsJSON),
					},
				})
			}
		}

		message := types.TextMessage("assistant", text.String())
		message.ToolCalls = toolCalls

		finishReason := mapFinishReason(cand.FinishReason)
		if len(toolCalls) > 0 {
			finishReason = "tool_calls"
		}

		choices = append(choices, types.Choice{
			Index:        i,
			Message:      message,
			FinishReason: finishReason,
		})
	}

	chatResp := &types.ChatResponse{
		Object:  "chat.completion",
		Model:   model,
		Choices: choices,
	}
	if resp.UsageMetadata != nil {
		chatResp.Usage = &types.Usage{
			PromptTokens:     resp.UsageMetadata.PromptTokenCount,
			CompletionTokens: resp.UsageMetadata.CandidatesTokenCount,
			TotalTokens:      resp.UsageMetadata.TotalTokenCount,
		}
	}
	return chatResp
}

func mapFinishReason(reason string) string {
	switch reason {
	case "STOP", "OTHER":
		return "stop"
	case "MAX_TOKENS":
		return "length"
	case "SAFETY", "RECITATION":
		return "content_filter"
	default:
		return strings.ToLower(reason)
	}
}

// ParseStreamChunk parses a single SSE data payload from Gemini. Frames are
// probed with gjson first: keepalives and metadata-only frames carry no
// candidates and are dropped without a full decode.
func (a *Adapter) ParseStreamChunk(model string, data []byte) (*types.StreamChunk, bool, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, false, nil
	}
	if !gjson.ValidBytes(trimmed) {
		return nil, false, fmt.Errorf("malformed frame")
	}
	if !gjson.GetBytes(trimmed, "candidates.0").Exists() {
		return nil, false, nil
	}

	var resp geminiResponse
	if err := json.Unmarshal(trimmed, &resp); err != nil {
		return nil, false, fmt.Errorf("unmarshal frame: %w", err)
	}

	cand := resp.Candidates[0]
	var text strings.Builder
	for _, part := range cand.Content.Parts {
		text.WriteString(part.Text)
	}

	chunk := &types.StreamChunk{
		Object: "chat.completion.chunk",
		Model:  model,
		Choices: []types.StreamChoice{{
			Delta: types.StreamDelta{Content: text.String()},
		}},
	}
	if cand.FinishReason != "" {
		chunk.Choices[0].FinishReason = mapFinishReason(cand.FinishReason)
	}
	if resp.UsageMetadata != nil {
		chunk.Usage = &types.Usage{
			PromptTokens:     resp.UsageMetadata.PromptTokenCount,
			CompletionTokens: resp.UsageMetadata.CandidatesTokenCount,
			TotalTokens:      resp.UsageMetadata.TotalTokenCount,
		}
	}
	return chunk, false, nil
}

// MapError converts a Gemini error response to a standardized error.
func (a *Adapter) MapError(model string, statusCode int, header http.Header, body []byte) error {
	var errResp struct {
		Error struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
			Status  string `json:"status"`
		} `json:"error"`
	}

	message := "unknown error"
	status := ""
	if err := json.Unmarshal(body, &errResp); err == nil && errResp.Error.Message != "" {
		message = errResp.Error.Message
		status = errResp.Error.Status
	}

	if strings.Contains(message, "decommissioned") || strings.Contains(message, "has been discontinued") {
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
		if status == "NOT_FOUND" {
			return llmerrors.NewModelNotFoundError(ProviderType, model, message)
		}
		return llmerrors.NewInvalidRequestError(ProviderType, model, message)
	case http.StatusNotFound:
		return llmerrors.NewModelNotFoundError(ProviderType, model, message)
	case http.StatusRequestTimeout, http.StatusGatewayTimeout:
		return llmerrors.NewTimeoutError(ProviderType, model, message)
	case http.StatusServiceUnavailable, http.StatusBadGateway:
		return llmerrors.NewServiceUnavailableError(ProviderType, model, message)
	default:
		return llmerrors.NewInternalError(ProviderType, model, message)
	}
}
