// Package orchestrator walks the candidate chain produced by the catalog,
// executing provider calls and classifying each failure to decide whether
// the chain advances, cools down, or stops.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/relayforge/llmrelay/internal/catalog"
	"github.com/relayforge/llmrelay/internal/credential"
	"github.com/relayforge/llmrelay/internal/metrics"
	"github.com/relayforge/llmrelay/internal/observability"
	"github.com/relayforge/llmrelay/internal/provider"
	"github.com/relayforge/llmrelay/internal/ratelimit"
	llmerrors "github.com/relayforge/llmrelay/pkg/errors"
	"github.com/relayforge/llmrelay/pkg/types"
)

// maxErrorBody caps how much of an upstream error body is read.
const maxErrorBody = 64 * 1024

// Orchestrator executes requests against an ordered candidate chain.
type Orchestrator struct {
	registry    *provider.Registry
	pool        *credential.Pool
	catalog     *catalog.Catalog
	limits      *ratelimit.State
	client      *http.Client
	logger      *observability.Logger
	callTimeout time.Duration
}

// Options tunes orchestration behavior.
type Options struct {
	// CallTimeout bounds a single non-streaming provider call. Zero
	// disables the per-call deadline.
	CallTimeout time.Duration

	// HTTPClient overrides the default client, mainly for tests.
	HTTPClient *http.Client
}

// New creates an orchestrator over the given registry, pool and catalog.
func New(registry *provider.Registry, pool *credential.Pool, cat *catalog.Catalog,
	limits *ratelimit.State, logger *observability.Logger, opts Options) *Orchestrator {

	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{}
	}
	return &Orchestrator{
		registry:    registry,
		pool:        pool,
		catalog:     cat,
		limits:      limits,
		client:      client,
		logger:      logger,
		callTimeout: opts.CallTimeout,
	}
}

// Result describes a completed orchestration.
type Result struct {
	Provider string
	Model    string
	Instance string
	Attempts []llmerrors.Attempt
	Latency  time.Duration
}

// Complete runs the candidate chain until one call succeeds. The request's
// Model field is rewritten per candidate; the caller's value is preserved.
func (o *Orchestrator) Complete(ctx context.Context, req *types.ChatRequest, candidates []catalog.Candidate) (*types.ChatResponse, *Result, error) {
	var attempts []llmerrors.Attempt
	log := o.logger.WithRequestID(ctx)

	for _, cand := range candidates {
		if o.catalog.IsDecommissioned(cand.Model) {
			continue
		}

		inst, adapter, err := o.bind(cand)
		if err != nil {
			// A candidate whose provider type has no adapter or no
			// credential is a deployment mistake, not a provider
			// failure; surface it instead of retrying.
			err = configurationError(cand, err)
			attempts = append(attempts, llmerrors.Attempt{
				Provider: cand.Provider, Model: cand.Model,
				Outcome: llmerrors.OutcomeFatal, Err: err,
			})
			log.RedactedError("candidate not configured", "provider", cand.Provider, "model", cand.Model, "error", err)
			return nil, &Result{Attempts: attempts}, err
		}

		callReq := req.Clone()
		callReq.Model = cand.Model

		start := time.Now()
		resp, err := o.call(ctx, adapter, inst, callReq)
		latency := time.Since(start)

		if err == nil {
			metrics.RecordProviderCall(cand.Provider, cand.Model, string(llmerrors.OutcomeSuccess), latency)
			metrics.FallbackDepth.Observe(float64(len(attempts) + 1))
			o.recordUsage(inst, cand, resp.Usage)
			attempts = append(attempts, llmerrors.Attempt{
				Provider: cand.Provider, Model: cand.Model, Outcome: llmerrors.OutcomeSuccess,
			})
			return resp, &Result{
				Provider: cand.Provider,
				Model:    cand.Model,
				Instance: inst.Name,
				Attempts: attempts,
				Latency:  latency,
			}, nil
		}

		// Caller hung up; no point advancing the chain.
		if ctx.Err() != nil {
			return nil, nil, ctx.Err()
		}

		outcome := Classify(err)
		metrics.RecordProviderCall(cand.Provider, cand.Model, string(outcome), latency)
		attempts = append(attempts, llmerrors.Attempt{
			Provider: cand.Provider, Model: cand.Model, Outcome: outcome, Err: err,
		})

		switch outcome {
		case llmerrors.OutcomeFatal:
			log.RedactedWarn("fatal request error, stopping chain",
				"provider", cand.Provider, "model", cand.Model, "error", err)
			return nil, &Result{Attempts: attempts}, err

		case llmerrors.OutcomeRateLimited:
			o.markRateLimited(inst, cand, err)
			log.RedactedWarn("candidate rate limited",
				"provider", cand.Provider, "model", cand.Model, "instance", inst.Name)

		case llmerrors.OutcomeDecommissioned:
			o.catalog.Decommission(cand.Model)
			metrics.DecommissionedModels.Inc()
			log.RedactedWarn("model decommissioned upstream",
				"provider", cand.Provider, "model", cand.Model, "error", err)

		default:
			log.RedactedWarn("candidate failed, advancing",
				"provider", cand.Provider, "model", cand.Model, "error", err)
		}
	}

	metrics.FallbackDepth.Observe(float64(len(attempts)))
	return nil, &Result{Attempts: attempts}, &llmerrors.FallbackExhaustedError{Attempts: attempts}
}

// configurationError normalizes a bind failure into the configuration
// taxonomy entry for the candidate.
func configurationError(cand catalog.Candidate, err error) error {
	if errors.Is(err, credential.ErrNotConfigured) {
		return llmerrors.NewConfigurationError(
			fmt.Sprintf("no credential configured for provider type %q (model %s)", cand.Provider, cand.Model))
	}
	return err
}

// bind resolves the adapter and a live credential instance for a candidate.
func (o *Orchestrator) bind(cand catalog.Candidate) (*credential.Instance, provider.Adapter, error) {
	adapter, err := o.registry.Get(cand.Provider)
	if err != nil {
		return nil, nil, err
	}
	inst, err := o.pool.Select(cand.Provider, cand.Model)
	if err != nil {
		return nil, nil, err
	}
	return inst, adapter, nil
}

// call performs one non-streaming provider call.
func (o *Orchestrator) call(ctx context.Context, adapter provider.Adapter, inst *credential.Instance, req *types.ChatRequest) (*types.ChatResponse, error) {
	timeout := o.callTimeout
	if inst.Timeout > 0 {
		timeout = inst.Timeout
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	httpReq, err := adapter.BuildRequest(ctx, inst, req, false)
	if err != nil {
		return nil, llmerrors.NewInvalidRequestError(adapter.Type(), req.Model, err.Error())
	}

	httpResp, err := o.client.Do(httpReq)
	if err != nil {
		return nil, transportError(ctx, adapter.Type(), req.Model, err)
	}
	defer httpResp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(httpResp.Body, 10*1024*1024))
	if err != nil {
		return nil, transportError(ctx, adapter.Type(), req.Model, err)
	}

	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		return nil, adapter.MapError(req.Model, httpResp.StatusCode, httpResp.Header, body)
	}

	return adapter.ParseResponse(req.Model, body)
}

func transportError(ctx context.Context, providerType, model string, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return llmerrors.NewTimeoutError(providerType, model, "provider call timed out")
	}
	return llmerrors.NewServiceUnavailableError(providerType, model, fmt.Sprintf("transport failure: %v", err))
}

func (o *Orchestrator) markRateLimited(inst *credential.Instance, cand catalog.Candidate, err error) {
	var retryAfter time.Duration
	var le *llmerrors.LLMError
	if errors.As(err, &le) {
		retryAfter = le.RetryAfter
	}
	o.limits.MarkCooldown(inst.RateKey(cand.Model), retryAfter)
}

// recordUsage charges reported tokens against the instance window and the
// model-level aggregate the selector biases on.
func (o *Orchestrator) recordUsage(inst *credential.Instance, cand catalog.Candidate, usage *types.Usage) {
	if usage == nil || usage.TotalTokens == 0 {
		return
	}
	o.limits.RecordTokens(inst.RateKey(cand.Model), usage.TotalTokens)
	o.limits.RecordTokens(cand.AggregateKey(), usage.TotalTokens)
	metrics.RecordTokens(cand.Provider, cand.Model, usage.PromptTokens, usage.CompletionTokens)
}

// Classify maps a provider error onto a fallback outcome.
func Classify(err error) llmerrors.Outcome {
	var le *llmerrors.LLMError
	if !errors.As(err, &le) {
		return llmerrors.OutcomeTransient
	}
	switch le.Type {
	case llmerrors.TypeRateLimit:
		return llmerrors.OutcomeRateLimited
	case llmerrors.TypeInvalidRequest:
		return llmerrors.OutcomeFatal
	case llmerrors.TypeModelDecommissioned, llmerrors.TypeNotFound:
		return llmerrors.OutcomeDecommissioned
	default:
		// Authentication, timeouts, availability, protocol violations: the
		// next candidate may still serve the request.
		return llmerrors.OutcomeTransient
	}
}
