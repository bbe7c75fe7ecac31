// Package api provides the HTTP surface of the gateway. It exposes an
// OpenAI-compatible chat completions endpoint backed by the catalog
// selector, the fallback orchestrator and the tool loop.
package api

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/goccy/go-json"

	"github.com/relayforge/llmrelay/internal/auth"
	"github.com/relayforge/llmrelay/internal/catalog"
	"github.com/relayforge/llmrelay/internal/observability"
	"github.com/relayforge/llmrelay/internal/orchestrator"
	"github.com/relayforge/llmrelay/internal/toolloop"
	"github.com/relayforge/llmrelay/internal/usage"
	llmerrors "github.com/relayforge/llmrelay/pkg/errors"
	"github.com/relayforge/llmrelay/pkg/types"
)

const defaultMaxBodySize = 10 << 20

// ToolBackend advertises and executes gateway-side tools. The MCP registry
// is the production implementation.
type ToolBackend interface {
	Tools() []types.Tool
	Execute(ctx context.Context, name, arguments string) (string, error)
}

// Handler handles HTTP requests for the gateway.
type Handler struct {
	catalog       *catalog.Catalog
	orch          *orchestrator.Orchestrator
	tools         ToolBackend
	ledger        *usage.Logger
	pricing       *usage.Pricing
	logger        *observability.Logger
	maxToolRounds int
	maxBodySize   int64
	stallTimeout  time.Duration
}

// HandlerConfig wires the handler's collaborators. Tools and Ledger may be
// nil; the corresponding features are then disabled.
type HandlerConfig struct {
	Catalog       *catalog.Catalog
	Orchestrator  *orchestrator.Orchestrator
	Tools         ToolBackend
	Ledger        *usage.Logger
	Pricing       *usage.Pricing
	Logger        *observability.Logger
	MaxToolRounds int
	MaxBodySize   int64
	StallTimeout  time.Duration
}

// NewHandler creates a new API handler.
func NewHandler(cfg HandlerConfig) *Handler {
	maxBody := cfg.MaxBodySize
	if maxBody <= 0 {
		maxBody = defaultMaxBodySize
	}
	pricing := cfg.Pricing
	if pricing == nil {
		pricing = usage.DefaultPricing()
	}
	return &Handler{
		catalog:       cfg.Catalog,
		orch:          cfg.Orchestrator,
		tools:         cfg.Tools,
		ledger:        cfg.Ledger,
		pricing:       pricing,
		logger:        cfg.Logger,
		maxToolRounds: cfg.MaxToolRounds,
		maxBodySize:   maxBody,
		stallTimeout:  cfg.StallTimeout,
	}
}

// Register registers the gateway routes on the given mux. /healthz and
// /metrics are registered by the caller outside the auth gate.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/chat/completions", h.ChatCompletions)
	mux.HandleFunc("GET /v1/models", h.ListModels)
}

// ChatCompletions handles POST /v1/chat/completions requests.
func (h *Handler) ChatCompletions(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	limited := io.LimitReader(r.Body, h.maxBodySize+1)
	body, err := io.ReadAll(limited)
	if err != nil {
		h.writeError(w, llmerrors.NewInvalidRequestError("", "", "failed to read request body"))
		return
	}
	defer func() { _ = r.Body.Close() }()

	if int64(len(body)) > h.maxBodySize {
		h.writeError(w, llmerrors.NewInvalidRequestError("", "", "request body too large"))
		return
	}

	var req types.ChatRequest
	if unmarshalErr := json.Unmarshal(body, &req); unmarshalErr != nil {
		h.writeError(w, llmerrors.NewInvalidRequestError("", "", "invalid JSON: "+unmarshalErr.Error()))
		return
	}
	if validateErr := req.Validate(); validateErr != nil {
		h.writeError(w, llmerrors.NewInvalidRequestError("", req.Model, validateErr.Error()))
		return
	}

	identity := auth.GetIdentity(r.Context())

	// Callers bringing their own tools keep control of execution: the
	// calls pass through in the response. Otherwise the configured MCP
	// servers are advertised and the loop executes calls gateway-side.
	var executor toolloop.Executor
	if len(req.Tools) == 0 && h.tools != nil {
		if ts := h.tools.Tools(); len(ts) > 0 {
			req.Tools = ts
			executor = h.tools
		}
	}

	candidates, err := h.catalog.Select(&req, identityTier(identity))
	if err != nil {
		h.writeError(w, err)
		return
	}

	if req.Stream {
		h.streamCompletions(w, r, &req, identity, executor, candidates)
		return
	}

	loop := toolloop.New(h.orch, executor, h.maxToolRounds, h.logger)
	resp, summary, err := loop.Run(r.Context(), &req, candidates, nil)
	if err != nil {
		h.recordFailure(r.Context(), identity, summary, err, start)
		h.logger.WithRequestID(r.Context()).RedactedError("completion failed",
			"model", req.Model, "error", err)
		h.writeError(w, err)
		return
	}

	h.recordCalls(r.Context(), identity, summary)
	h.writeJSON(w, http.StatusOK, resp)
}

// ListModels handles GET /v1/models. Decommissioned entries are omitted.
func (h *Handler) ListModels(w http.ResponseWriter, r *http.Request) {
	entries := h.catalog.Entries()
	models := make([]ModelInfo, 0, len(entries))
	for _, e := range entries {
		models = append(models, ModelInfo{
			ID:       e.Model,
			Object:   "model",
			OwnedBy:  e.Provider,
			MinTier:  e.MinTier,
			Capacity: e.TokensPerMinute,
		})
	}
	h.writeJSON(w, http.StatusOK, ModelList{Object: "list", Data: models})
}

// Health handles GET /healthz.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ModelList is the GET /v1/models response body.
type ModelList struct {
	Object string      `json:"object"`
	Data   []ModelInfo `json:"data"`
}

// ModelInfo describes one catalog entry.
type ModelInfo struct {
	ID       string `json:"id"`
	Object   string `json:"object"`
	OwnedBy  string `json:"owned_by"`
	MinTier  string `json:"min_tier,omitempty"`
	Capacity int    `json:"capacity_tpm,omitempty"`
}

func identityTier(id *auth.Identity) string {
	if id == nil {
		return ""
	}
	return id.Tier
}

func identityName(id *auth.Identity) string {
	if id == nil {
		return ""
	}
	return id.Name
}

// recordCalls writes one ledger row per provider call the loop made.
func (h *Handler) recordCalls(ctx context.Context, id *auth.Identity, summary *toolloop.Summary) {
	if h.ledger == nil || summary == nil {
		return
	}
	requestID := observability.RequestIDFromContext(ctx)
	for i, call := range summary.Calls {
		status := "success"
		if summary.Truncated && i == len(summary.Calls)-1 {
			status = "truncated"
		}
		rec := usage.Record{
			Timestamp: time.Now().UTC(),
			RequestID: requestID,
			Identity:  identityName(id),
			Provider:  call.Provider,
			Model:     call.Model,
			Status:    status,
			LatencyMs: call.Latency.Milliseconds(),
		}
		if call.Usage != nil {
			rec.InputTokens = call.Usage.PromptTokens
			rec.OutputTokens = call.Usage.CompletionTokens
		}
		rec.Cost = h.pricing.Cost(call.Model, rec.InputTokens, rec.OutputTokens)
		h.ledger.Log(rec)
	}
}

// recordFailure accounts for calls that succeeded before the loop failed,
// then appends one failure row for the request itself.
func (h *Handler) recordFailure(ctx context.Context, id *auth.Identity, summary *toolloop.Summary, cause error, start time.Time) {
	if h.ledger == nil {
		return
	}
	h.recordCalls(ctx, id, summary)
	h.ledger.Log(usage.Record{
		Timestamp: time.Now().UTC(),
		RequestID: observability.RequestIDFromContext(ctx),
		Identity:  identityName(id),
		Status:    "failure",
		LatencyMs: time.Since(start).Milliseconds(),
		Error:     cause.Error(),
	})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.RedactedError("failed to encode response", "error", err)
	}
}
