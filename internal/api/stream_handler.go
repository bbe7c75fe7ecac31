package api

import (
	"context"
	"net/http"
	"time"

	"github.com/relayforge/llmrelay/internal/auth"
	"github.com/relayforge/llmrelay/internal/catalog"
	"github.com/relayforge/llmrelay/internal/observability"
	"github.com/relayforge/llmrelay/internal/orchestrator"
	"github.com/relayforge/llmrelay/internal/stream"
	"github.com/relayforge/llmrelay/internal/toolloop"
	"github.com/relayforge/llmrelay/internal/usage"
	"github.com/relayforge/llmrelay/pkg/types"
)

// streamCompletions serves a completion as an SSE event stream. The writer
// goroutine owns the connection; the producer below feeds it and reports
// every failure in-band as a terminal error event.
func (h *Handler) streamCompletions(w http.ResponseWriter, r *http.Request, req *types.ChatRequest,
	id *auth.Identity, executor toolloop.Executor, candidates []catalog.Candidate) {

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	writer := stream.NewWriter(stream.DefaultBuffer, h.stallTimeout)

	// Every producer path ends with a terminal event; Serve returns once
	// it has been written.
	go func() {
		if executor != nil {
			h.produceToolStream(ctx, writer, req, id, executor, candidates)
			return
		}
		h.produceUpstream(ctx, writer, req, id, candidates)
	}()

	if err := writer.Serve(ctx, w); err != nil {
		h.logger.WithRequestID(ctx).RedactedWarn("stream aborted", "error", err)
	}
}

// produceUpstream forwards provider deltas directly. Fallback happens inside
// OpenStream; once a provider accepts, its frames are relayed as they arrive.
func (h *Handler) produceUpstream(ctx context.Context, writer *stream.Writer,
	req *types.ChatRequest, id *auth.Identity, candidates []catalog.Candidate) {

	start := time.Now()
	requestID := observability.RequestIDFromContext(ctx)
	writer.Send(stream.Event{Type: stream.TypeRequestMeta, Payload: stream.RequestMeta{
		RequestID: requestID,
		Provider:  candidates[0].Provider,
		Model:     candidates[0].Model,
	}})

	up, err := h.orch.OpenStream(ctx, req, candidates)
	if err != nil {
		h.recordFailure(ctx, id, nil, err, start)
		h.endWithError(ctx, writer, err)
		return
	}
	defer func() { _ = up.Close() }()

	var lastUsage *types.Usage
	finish := "stop"

	readErr := stream.ReadSSE(up, func(data []byte) (bool, error) {
		chunk, done, parseErr := up.ParseChunk(data)
		if parseErr != nil {
			return false, parseErr
		}
		if done {
			return true, nil
		}
		if chunk == nil {
			return false, nil
		}
		if chunk.Usage != nil {
			lastUsage = chunk.Usage
		}
		for _, c := range chunk.Choices {
			if c.FinishReason != "" {
				finish = c.FinishReason
			}
			if c.Delta.Content == "" {
				continue
			}
			if !writer.Send(stream.Event{Type: stream.TypePartialText,
				Payload: stream.PartialText{Content: c.Delta.Content}}) {
				return true, nil
			}
		}
		return false, nil
	})
	if readErr != nil {
		h.recordStreamCall(ctx, id, up, lastUsage, "failure", readErr, start)
		h.endWithError(ctx, writer, readErr)
		return
	}

	writer.Send(stream.Event{Type: stream.TypeResponseMeta, Payload: stream.ResponseMeta{
		Provider: up.Provider,
		Model:    up.Model,
		Usage:    lastUsage,
	}})
	writer.End(stream.Event{Type: stream.TypeDone, Payload: stream.Done{FinishReason: finish}})

	h.recordStreamCall(ctx, id, up, lastUsage, "success", nil, start)
}

// produceToolStream runs the tool loop with its lifecycle events interleaved
// into the stream, then emits the final text and metadata.
func (h *Handler) produceToolStream(ctx context.Context, writer *stream.Writer,
	req *types.ChatRequest, id *auth.Identity, executor toolloop.Executor, candidates []catalog.Candidate) {

	start := time.Now()
	requestID := observability.RequestIDFromContext(ctx)
	writer.Send(stream.Event{Type: stream.TypeRequestMeta, Payload: stream.RequestMeta{
		RequestID: requestID,
		Provider:  candidates[0].Provider,
		Model:     candidates[0].Model,
	}})

	loop := toolloop.New(h.orch, executor, h.maxToolRounds, h.logger)
	resp, summary, err := loop.Run(ctx, req, candidates, stream.Notifier{W: writer})
	if err != nil {
		h.recordFailure(ctx, id, summary, err, start)
		h.endWithError(ctx, writer, err)
		return
	}

	if summary.Truncated {
		writer.Send(stream.Event{Type: stream.TypeToolStatus,
			Payload: stream.ToolStatus{Status: "truncated"}})
	}
	if text := resp.Text(); text != "" {
		writer.Send(stream.Event{Type: stream.TypePartialText,
			Payload: stream.PartialText{Content: text}})
	}

	meta := stream.ResponseMeta{Model: resp.Model, Usage: resp.Usage}
	if n := len(summary.Calls); n > 0 {
		meta.Provider = summary.Calls[n-1].Provider
		meta.Model = summary.Calls[n-1].Model
	}
	writer.Send(stream.Event{Type: stream.TypeResponseMeta, Payload: meta})
	writer.End(stream.Event{Type: stream.TypeDone, Payload: stream.Done{
		FinishReason: resp.FinishReason(),
		Truncated:    summary.Truncated,
	}})

	h.recordCalls(ctx, id, summary)
}

// endWithError closes the stream with a terminal error event.
func (h *Handler) endWithError(ctx context.Context, writer *stream.Writer, err error) {
	h.logger.WithRequestID(ctx).RedactedError("stream failed", "error", err)

	_, detail := errorDetail(err)
	writer.End(stream.Event{Type: stream.TypeError, Payload: stream.ErrorPayload{
		Message: detail.Message,
		Code:    detail.Type,
	}})
}

// recordStreamCall writes the ledger row for the single provider call behind
// a direct upstream stream.
func (h *Handler) recordStreamCall(ctx context.Context, id *auth.Identity,
	up *orchestrator.Upstream, u *types.Usage, status string, cause error, start time.Time) {

	if h.ledger == nil {
		return
	}
	rec := usage.Record{
		Timestamp: time.Now().UTC(),
		RequestID: observability.RequestIDFromContext(ctx),
		Identity:  identityName(id),
		Provider:  up.Provider,
		Model:     up.Model,
		Status:    status,
		LatencyMs: time.Since(start).Milliseconds(),
	}
	if u != nil {
		rec.InputTokens = u.PromptTokens
		rec.OutputTokens = u.CompletionTokens
		rec.Cost = h.pricing.Cost(up.Model, u.PromptTokens, u.CompletionTokens)
	}
	if cause != nil {
		rec.Error = cause.Error()
	}
	h.ledger.Log(rec)
}
