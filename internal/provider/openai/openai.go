// Package openai implements the OpenAI provider adapter.
// The unified shape already follows the OpenAI wire format, so translation
// is mostly a passthrough with the tools/structured-output exclusivity
// applied on the way out.
package openai

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
	ProviderType = "openai"

	// DefaultBaseURL is the default OpenAI API endpoint.
	DefaultBaseURL = "https://api.openai.com/v1"
)

// Adapter implements the OpenAI chat completions API.
type Adapter struct{}

// New creates the OpenAI adapter.
func New() *Adapter { return &Adapter{} }

// Type returns the provider identifier.
func (a *Adapter) Type() string { return ProviderType }

// BuildRequest creates an HTTP request for the OpenAI API.
func (a *Adapter) BuildRequest(ctx context.Context, inst *credential.Instance, req *types.ChatRequest, stream bool) (*http.Request, error) {
	out := req.Clone()
	out.Stream = stream
	if stream {
		// Without this the API omits usage from stream chunks and the
		// final call would go unaccounted.
		out.StreamOptions = &types.StreamOptions{IncludeUsage: true}
	}
	if len(out.Tools) > 0 {
		// response_format and tools are mutually exclusive upstream; tools win.
		out.ResponseFormat = nil
	}

	body, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	baseURL := inst.BaseURL
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	url := strings.TrimSuffix(baseURL, "/") + "/chat/completions"

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+inst.APIKey)
	if stream {
		httpReq.Header.Set("Accept", "text/event-stream")
	}

	return httpReq, nil
}

// ParseResponse normalizes an OpenAI response. The unified format is
// OpenAI-compatible, so this is a decode plus shape checks.
func (a *Adapter) ParseResponse(model string, body []byte) (*types.ChatResponse, error) {
	var chatResp types.ChatResponse
	if err := json.Unmarshal(body, &chatResp); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}
	if err := provider.ValidateToolFinish(ProviderType, model, &chatResp); err != nil {
		return nil, err
	}
	return &chatResp, nil
}

// ParseStreamChunk parses a single SSE data payload from OpenAI.
func (a *Adapter) ParseStreamChunk(model string, data []byte) (*types.StreamChunk, bool, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, false, nil
	}
	if bytes.Equal(trimmed, []byte("[DONE]")) {
		return nil, true, nil
	}

	var chunk types.StreamChunk
	if err := json.Unmarshal(trimmed, &chunk); err != nil {
		return nil, false, fmt.Errorf("unmarshal chunk: %w", err)
	}
	return &chunk, false, nil
}

// MapError converts an OpenAI error response to a standardized error.
func (a *Adapter) MapError(model string, statusCode int, header http.Header, body []byte) error {
	var errResp struct {
		Error struct {
			Message string `json:"message"`
			Type    string `json:"type"`
			Code    string `json:"code"`
		} `json:"error"`
	}

	message := "unknown error"
	code := ""
	if err := json.Unmarshal(body, &errResp); err == nil && errResp.Error.Message != "" {
		message = errResp.Error.Message
		code = errResp.Error.Code
	}

	if code == "model_decommissioned" || strings.Contains(message, "decommissioned") {
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
