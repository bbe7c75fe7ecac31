// Package toolloop runs the bounded tool-execution cycle: execute the tool
// calls of a winning response, extend the conversation with tool-role turns,
// and resubmit until the model produces a final answer or the round budget
// runs out.
package toolloop

import (
	"context"
	"fmt"
	"time"

	"github.com/goccy/go-json"

	"github.com/relayforge/llmrelay/internal/catalog"
	"github.com/relayforge/llmrelay/internal/metrics"
	"github.com/relayforge/llmrelay/internal/observability"
	"github.com/relayforge/llmrelay/internal/orchestrator"
	"github.com/relayforge/llmrelay/pkg/types"
)

// FinishReasonTruncated marks a response returned because the round budget
// ran out while the model still wanted tools.
const FinishReasonTruncated = "tool_rounds_exhausted"

// Completer abstracts the orchestrator for the loop.
type Completer interface {
	Complete(ctx context.Context, req *types.ChatRequest, candidates []catalog.Candidate) (*types.ChatResponse, *orchestrator.Result, error)
}

// Executor dispatches one tool invocation.
type Executor interface {
	Execute(ctx context.Context, name, arguments string) (string, error)
}

// Notifier receives tool lifecycle notifications, used to interleave
// tool_status and tool_result events into a live stream. Implementations
// must be cheap; the loop calls them inline.
type Notifier interface {
	ToolStarted(call types.ToolCall)
	ToolFinished(call types.ToolCall, output string, failed bool)
}

type noopNotifier struct{}

func (noopNotifier) ToolStarted(types.ToolCall)                {}
func (noopNotifier) ToolFinished(types.ToolCall, string, bool) {}

// Call records one successful provider call made during the loop.
type Call struct {
	Provider string
	Model    string
	Instance string
	Usage    *types.Usage
	Latency  time.Duration
}

// Summary describes a finished loop.
type Summary struct {
	Rounds    int
	Truncated bool
	Calls     []Call
}

// Loop drives tool execution rounds against a completer.
type Loop struct {
	completer Completer
	executor  Executor
	maxRounds int
	logger    *observability.Logger
}

// New creates a loop. A nil executor disables tool execution entirely:
// responses with tool calls are returned to the caller untouched.
func New(completer Completer, executor Executor, maxRounds int, logger *observability.Logger) *Loop {
	return &Loop{
		completer: completer,
		executor:  executor,
		maxRounds: maxRounds,
		logger:    logger,
	}
}

// Run executes the loop. The caller's request is never mutated; each round
// works on an extended copy of the conversation.
func (l *Loop) Run(ctx context.Context, req *types.ChatRequest, candidates []catalog.Candidate, notify Notifier) (*types.ChatResponse, *Summary, error) {
	if notify == nil {
		notify = noopNotifier{}
	}
	log := l.logger.WithRequestID(ctx)

	conv := req.Clone()
	summary := &Summary{}

	for {
		// Client disconnects stop the loop between rounds, not mid-round.
		if err := ctx.Err(); err != nil {
			return nil, summary, err
		}

		resp, result, err := l.completer.Complete(ctx, conv, candidates)
		if err != nil {
			return nil, summary, err
		}
		summary.Calls = append(summary.Calls, Call{
			Provider: result.Provider,
			Model:    result.Model,
			Instance: result.Instance,
			Usage:    resp.Usage,
			Latency:  result.Latency,
		})

		calls := resp.ToolCalls()
		if l.executor == nil || resp.FinishReason() != "tool_calls" || len(calls) == 0 {
			metrics.ToolRounds.Observe(float64(summary.Rounds))
			return resp, summary, nil
		}

		if summary.Rounds >= l.maxRounds {
			log.RedactedWarn("tool round budget exhausted",
				"rounds", summary.Rounds, "pending_calls", len(calls))
			summary.Truncated = true
			metrics.ToolRounds.Observe(float64(summary.Rounds))
			return truncate(resp), summary, nil
		}
		summary.Rounds++

		conv.Messages = append(conv.Messages, resp.Choices[0].Message)
		for _, tc := range calls {
			conv.Messages = append(conv.Messages, l.invoke(ctx, tc, notify))
		}
	}
}

// invoke runs one tool call. Failures become tool-role turns so the model
// can react in the next round; they never abort the request.
func (l *Loop) invoke(ctx context.Context, tc types.ToolCall, notify Notifier) types.ChatMessage {
	notify.ToolStarted(tc)

	output, err := l.executor.Execute(ctx, tc.Function.Name, tc.Function.Arguments)
	failed := err != nil
	if failed {
		output = fmt.Sprintf("tool %q failed: %v", tc.Function.Name, err)
		l.logger.WithRequestID(ctx).RedactedWarn("tool execution failed",
			"tool", tc.Function.Name, "call_id", tc.ID, "error", err)
	}

	notify.ToolFinished(tc, output, failed)

	content, _ := json.Marshal(output)
	return types.ChatMessage{
		Role:       "tool",
		Content:    content,
		ToolCallID: tc.ID,
	}
}

// truncate strips unexecuted tool calls and marks the response so the
// caller can tell the answer is partial.
func truncate(resp *types.ChatResponse) *types.ChatResponse {
	out := *resp
	out.Choices = make([]types.Choice, len(resp.Choices))
	copy(out.Choices, resp.Choices)
	if len(out.Choices) > 0 {
		out.Choices[0].Message.ToolCalls = nil
		out.Choices[0].FinishReason = FinishReasonTruncated
	}
	return &out
}
