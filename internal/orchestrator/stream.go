package orchestrator

import (
	"context"
	"io"
	"time"

	"github.com/relayforge/llmrelay/internal/catalog"
	"github.com/relayforge/llmrelay/internal/metrics"
	llmerrors "github.com/relayforge/llmrelay/pkg/errors"
	"github.com/relayforge/llmrelay/pkg/types"
)

// Upstream is an established streaming provider connection. Fallback ends
// the moment one exists: from here on, errors surface to the caller instead
// of advancing the chain.
type Upstream struct {
	Provider string
	Model    string
	Instance string
	Attempts []llmerrors.Attempt

	body  io.ReadCloser
	parse func(model string, data []byte) (*types.StreamChunk, bool, error)
	onUse func(usage *types.Usage)
}

// ParseChunk normalizes one raw SSE data payload from the provider.
func (u *Upstream) ParseChunk(data []byte) (*types.StreamChunk, bool, error) {
	chunk, done, err := u.parse(u.Model, data)
	if chunk != nil && chunk.Usage != nil {
		u.onUse(chunk.Usage)
	}
	return chunk, done, err
}

// Read implements io.Reader over the provider response body.
func (u *Upstream) Read(p []byte) (int, error) { return u.body.Read(p) }

// Close releases the provider connection.
func (u *Upstream) Close() error { return u.body.Close() }

// OpenStream walks the candidate chain until a provider accepts a streaming
// request. The per-call timeout does not apply: the mux enforces its own
// stall deadline over the stream's lifetime.
func (o *Orchestrator) OpenStream(ctx context.Context, req *types.ChatRequest, candidates []catalog.Candidate) (*Upstream, error) {
	var attempts []llmerrors.Attempt
	log := o.logger.WithRequestID(ctx)

	for _, cand := range candidates {
		if o.catalog.IsDecommissioned(cand.Model) {
			continue
		}

		inst, adapter, err := o.bind(cand)
		if err != nil {
			err = configurationError(cand, err)
			attempts = append(attempts, llmerrors.Attempt{
				Provider: cand.Provider, Model: cand.Model,
				Outcome: llmerrors.OutcomeFatal, Err: err,
			})
			log.RedactedError("candidate not configured", "provider", cand.Provider, "model", cand.Model, "error", err)
			return nil, err
		}

		callReq := req.Clone()
		callReq.Model = cand.Model

		httpReq, err := adapter.BuildRequest(ctx, inst, callReq, true)
		if err != nil {
			return nil, llmerrors.NewInvalidRequestError(cand.Provider, cand.Model, err.Error())
		}

		start := time.Now()
		httpResp, err := o.client.Do(httpReq)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			terr := transportError(ctx, cand.Provider, cand.Model, err)
			metrics.RecordProviderCall(cand.Provider, cand.Model, string(llmerrors.OutcomeTransient), time.Since(start))
			attempts = append(attempts, llmerrors.Attempt{
				Provider: cand.Provider, Model: cand.Model,
				Outcome: llmerrors.OutcomeTransient, Err: terr,
			})
			log.RedactedWarn("stream dial failed, advancing",
				"provider", cand.Provider, "model", cand.Model, "error", terr)
			continue
		}

		if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
			body, _ := io.ReadAll(io.LimitReader(httpResp.Body, maxErrorBody))
			httpResp.Body.Close()
			mapped := adapter.MapError(cand.Model, httpResp.StatusCode, httpResp.Header, body)

			outcome := Classify(mapped)
			metrics.RecordProviderCall(cand.Provider, cand.Model, string(outcome), time.Since(start))
			attempts = append(attempts, llmerrors.Attempt{
				Provider: cand.Provider, Model: cand.Model, Outcome: outcome, Err: mapped,
			})

			switch outcome {
			case llmerrors.OutcomeFatal:
				return nil, mapped
			case llmerrors.OutcomeRateLimited:
				o.markRateLimited(inst, cand, mapped)
			case llmerrors.OutcomeDecommissioned:
				o.catalog.Decommission(cand.Model)
				metrics.DecommissionedModels.Inc()
			}
			log.RedactedWarn("stream rejected, advancing",
				"provider", cand.Provider, "model", cand.Model, "outcome", string(outcome))
			continue
		}

		metrics.RecordProviderCall(cand.Provider, cand.Model, string(llmerrors.OutcomeSuccess), time.Since(start))
		metrics.FallbackDepth.Observe(float64(len(attempts) + 1))
		attempts = append(attempts, llmerrors.Attempt{
			Provider: cand.Provider, Model: cand.Model, Outcome: llmerrors.OutcomeSuccess,
		})

		c := cand
		i := inst
		return &Upstream{
			Provider: cand.Provider,
			Model:    cand.Model,
			Instance: inst.Name,
			Attempts: attempts,
			body:     httpResp.Body,
			parse:    adapter.ParseStreamChunk,
			onUse:    func(usage *types.Usage) { o.recordUsage(i, c, usage) },
		}, nil
	}

	metrics.FallbackDepth.Observe(float64(len(attempts)))
	return nil, &llmerrors.FallbackExhaustedError{Attempts: attempts}
}
