// Package provider defines the adapter contract between the unified
// request shape and each upstream provider's wire format. An adapter is
// stateless: per-call credentials arrive as a credential.Instance so a
// single adapter serves every configured instance of its provider type.
package provider

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/relayforge/llmrelay/internal/credential"
	llmerrors "github.com/relayforge/llmrelay/pkg/errors"
	"github.com/relayforge/llmrelay/pkg/types"
)

// Adapter translates unified requests to a provider's wire format and
// normalizes responses, stream frames, and errors back.
type Adapter interface {
	// Type returns the provider type this adapter serves ("openai",
	// "anthropic", "gemini").
	Type() string

	// BuildRequest translates the unified request into a ready-to-send
	// HTTP request against the given instance. Implementations must not
	// mutate req.
	BuildRequest(ctx context.Context, inst *credential.Instance, req *types.ChatRequest, stream bool) (*http.Request, error)

	// ParseResponse normalizes a successful (2xx) non-streaming response
	// body into the unified shape.
	ParseResponse(model string, body []byte) (*types.ChatResponse, error)

	// ParseStreamChunk normalizes one streaming frame. A nil chunk with a
	// nil error means the frame carries no content (keepalives, pings).
	// done reports that the provider signalled end of stream.
	ParseStreamChunk(model string, data []byte) (chunk *types.StreamChunk, done bool, err error)

	// MapError converts a non-2xx response into an *errors.LLMError,
	// honoring Retry-After where the provider sends one.
	MapError(model string, statusCode int, header http.Header, body []byte) error
}

// Registry holds one adapter per provider type.
type Registry struct {
	adapters map[string]Adapter
}

func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[string]Adapter, len(adapters))}
	for _, a := range adapters {
		r.adapters[a.Type()] = a
	}
	return r
}

func (r *Registry) Get(providerType string) (Adapter, error) {
	a, ok := r.adapters[providerType]
	if !ok {
		return nil, llmerrors.NewConfigurationError(fmt.Sprintf("no adapter registered for provider type %q", providerType))
	}
	return a, nil
}

// ParseRetryAfter reads a Retry-After header in either delta-seconds or
// HTTP-date form. Zero means absent or unparseable.
func ParseRetryAfter(header http.Header) time.Duration {
	v := header.Get("Retry-After")
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

// ValidateToolFinish rejects responses that claim a tool-call stop reason
// without carrying any tool calls. Passing such a response downstream
// would wedge the tool loop.
func ValidateToolFinish(provider, model string, resp *types.ChatResponse) error {
	for _, c := range resp.Choices {
		if c.FinishReason == "tool_calls" && len(c.Message.ToolCalls) == 0 {
			return llmerrors.NewProtocolViolation(provider, model,
				"finish_reason is tool_calls but no tool calls were returned")
		}
	}
	return nil
}
