package toolloop

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"testing"

	"github.com/relayforge/llmrelay/internal/catalog"
	"github.com/relayforge/llmrelay/internal/observability"
	"github.com/relayforge/llmrelay/internal/orchestrator"
	"github.com/relayforge/llmrelay/pkg/types"
)

func testLogger() *observability.Logger {
	return observability.NewLogger(observability.LoggerConfig{Output: io.Discard}, observability.NewRedactor())
}

// scriptedCompleter returns canned responses in order, recording the
// conversation submitted at each round.
type scriptedCompleter struct {
	responses     []*types.ChatResponse
	conversations [][]types.ChatMessage
	next          int
}

func (s *scriptedCompleter) Complete(_ context.Context, req *types.ChatRequest, _ []catalog.Candidate) (*types.ChatResponse, *orchestrator.Result, error) {
	snapshot := make([]types.ChatMessage, len(req.Messages))
	copy(snapshot, req.Messages)
	s.conversations = append(s.conversations, snapshot)

	resp := s.responses[s.next]
	if s.next < len(s.responses)-1 {
		s.next++
	}
	return resp, &orchestrator.Result{Provider: "openai", Model: "m1", Instance: "a"}, nil
}

type recordingExecutor struct {
	executed []string
	fail     map[string]error
	outputs  map[string]string
}

func (r *recordingExecutor) Execute(_ context.Context, name, arguments string) (string, error) {
	r.executed = append(r.executed, name)
	if err := r.fail[name]; err != nil {
		return "", err
	}
	if out, ok := r.outputs[name]; ok {
		return out, nil
	}
	return "ok:" + arguments, nil
}

func finalAnswer(text string) *types.ChatResponse {
	return &types.ChatResponse{
		Choices: []types.Choice{{
			Message:      types.TextMessage("assistant", text),
			FinishReason: "stop",
		}},
		Usage: &types.Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
	}
}

func toolCallResponse(calls ...types.ToolCall) *types.ChatResponse {
	return &types.ChatResponse{
		Choices: []types.Choice{{
			Message:      types.ChatMessage{Role: "assistant", ToolCalls: calls},
			FinishReason: "tool_calls",
		}},
		Usage: &types.Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
	}
}

func call(id, name, args string) types.ToolCall {
	return types.ToolCall{
		ID:       id,
		Type:     "function",
		Function: types.ToolCallFunction{Name: name, Arguments: args},
	}
}

func baseRequest() *types.ChatRequest {
	return &types.ChatRequest{
		Messages: []types.ChatMessage{types.TextMessage("user", "what is 2+2?")},
		Tools:    []types.Tool{{Type: "function", Function: types.ToolFunction{Name: "calc"}}},
	}
}

func TestRun_NoToolCalls(t *testing.T) {
	completer := &scriptedCompleter{responses: []*types.ChatResponse{finalAnswer("4")}}
	loop := New(completer, &recordingExecutor{}, 6, testLogger())

	resp, summary, err := loop.Run(context.Background(), baseRequest(), nil, nil)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if resp.Text() != "4" {
		t.Errorf("Text() = %q", resp.Text())
	}
	if summary.Rounds != 0 || summary.Truncated {
		t.Errorf("summary = %+v", summary)
	}
	if len(summary.Calls) != 1 {
		t.Errorf("calls = %+v", summary.Calls)
	}
}

func TestRun_OneToolRound(t *testing.T) {
	completer := &scriptedCompleter{responses: []*types.ChatResponse{
		toolCallResponse(call("call_1", "calc", `{"expr":"2+2"}`)),
		finalAnswer("the answer is 4"),
	}}
	exec := &recordingExecutor{outputs: map[string]string{"calc": "4"}}
	loop := New(completer, exec, 6, testLogger())

	resp, summary, err := loop.Run(context.Background(), baseRequest(), nil, nil)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if resp.Text() != "the answer is 4" {
		t.Errorf("Text() = %q", resp.Text())
	}
	if summary.Rounds != 1 {
		t.Errorf("Rounds = %d", summary.Rounds)
	}
	if len(summary.Calls) != 2 {
		t.Errorf("Calls = %+v", summary.Calls)
	}

	// Second round sees the assistant turn plus a matching tool turn.
	second := completer.conversations[1]
	if len(second) != 3 {
		t.Fatalf("round 2 conversation length = %d", len(second))
	}
	if len(second[1].ToolCalls) != 1 || second[1].Role != "assistant" {
		t.Errorf("assistant turn = %+v", second[1])
	}
	if second[2].Role != "tool" || second[2].ToolCallID != "call_1" {
		t.Errorf("tool turn = %+v", second[2])
	}
	if got := second[2].ContentText(); got != "4" {
		t.Errorf("tool content = %q", got)
	}
}

func TestRun_ToolCallsExecuteInOrder(t *testing.T) {
	completer := &scriptedCompleter{responses: []*types.ChatResponse{
		toolCallResponse(
			call("call_1", "alpha", "{}"),
			call("call_2", "beta", "{}"),
			call("call_3", "gamma", "{}"),
		),
		finalAnswer("done"),
	}}
	exec := &recordingExecutor{}
	loop := New(completer, exec, 6, testLogger())

	_, _, err := loop.Run(context.Background(), baseRequest(), nil, nil)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if got := strings.Join(exec.executed, ","); got != "alpha,beta,gamma" {
		t.Errorf("execution order = %s", got)
	}

	second := completer.conversations[1]
	wantIDs := []string{"call_1", "call_2", "call_3"}
	for i, id := range wantIDs {
		turn := second[2+i]
		if turn.Role != "tool" || turn.ToolCallID != id {
			t.Errorf("turn %d = %+v, want tool turn for %s", i, turn, id)
		}
	}
}

func TestRun_ToolFailureBecomesToolTurn(t *testing.T) {
	completer := &scriptedCompleter{responses: []*types.ChatResponse{
		toolCallResponse(call("call_1", "flaky", "{}")),
		finalAnswer("recovered"),
	}}
	exec := &recordingExecutor{fail: map[string]error{"flaky": errors.New("connection refused")}}
	loop := New(completer, exec, 6, testLogger())

	resp, _, err := loop.Run(context.Background(), baseRequest(), nil, nil)
	if err != nil {
		t.Fatalf("tool failure must not fail the request: %v", err)
	}
	if resp.Text() != "recovered" {
		t.Errorf("Text() = %q", resp.Text())
	}

	toolTurn := completer.conversations[1][2]
	content := toolTurn.ContentText()
	if !strings.Contains(content, "flaky") || !strings.Contains(content, "connection refused") {
		t.Errorf("tool turn content = %q, want error description", content)
	}
}

func TestRun_TruncatesAtRoundBudget(t *testing.T) {
	// A model that always wants another tool call.
	completer := &scriptedCompleter{responses: []*types.ChatResponse{
		toolCallResponse(call("call_x", "again", "{}")),
	}}
	exec := &recordingExecutor{}
	loop := New(completer, exec, 3, testLogger())

	resp, summary, err := loop.Run(context.Background(), baseRequest(), nil, nil)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if !summary.Truncated {
		t.Error("summary.Truncated = false")
	}
	if summary.Rounds != 3 {
		t.Errorf("Rounds = %d, want 3", summary.Rounds)
	}
	if len(exec.executed) != 3 {
		t.Errorf("executions = %d, want 3", len(exec.executed))
	}
	if resp.FinishReason() != FinishReasonTruncated {
		t.Errorf("FinishReason = %s, want %s", resp.FinishReason(), FinishReasonTruncated)
	}
	if len(resp.ToolCalls()) != 0 {
		t.Error("unexecuted tool calls must be stripped from the final response")
	}
}

func TestRun_NilExecutorPassesToolCallsThrough(t *testing.T) {
	completer := &scriptedCompleter{responses: []*types.ChatResponse{
		toolCallResponse(call("call_1", "calc", "{}")),
	}}
	loop := New(completer, nil, 6, testLogger())

	resp, summary, err := loop.Run(context.Background(), baseRequest(), nil, nil)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(resp.ToolCalls()) != 1 {
		t.Error("tool calls should pass through untouched without an executor")
	}
	if summary.Rounds != 0 {
		t.Errorf("Rounds = %d", summary.Rounds)
	}
}

func TestRun_DoesNotMutateCallerRequest(t *testing.T) {
	completer := &scriptedCompleter{responses: []*types.ChatResponse{
		toolCallResponse(call("call_1", "calc", "{}")),
		finalAnswer("done"),
	}}
	loop := New(completer, &recordingExecutor{}, 6, testLogger())

	req := baseRequest()
	_, _, err := loop.Run(context.Background(), req, nil, nil)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(req.Messages) != 1 {
		t.Errorf("caller's conversation grew to %d turns", len(req.Messages))
	}
}

type recordingNotifier struct {
	events []string
}

func (r *recordingNotifier) ToolStarted(tc types.ToolCall) {
	r.events = append(r.events, "start:"+tc.Function.Name)
}

func (r *recordingNotifier) ToolFinished(tc types.ToolCall, _ string, failed bool) {
	r.events = append(r.events, fmt.Sprintf("finish:%s:%v", tc.Function.Name, failed))
}

func TestRun_NotifierSeesLifecycle(t *testing.T) {
	completer := &scriptedCompleter{responses: []*types.ChatResponse{
		toolCallResponse(call("call_1", "good", "{}"), call("call_2", "bad", "{}")),
		finalAnswer("done"),
	}}
	exec := &recordingExecutor{fail: map[string]error{"bad": errors.New("boom")}}
	loop := New(completer, exec, 6, testLogger())

	notifier := &recordingNotifier{}
	_, _, err := loop.Run(context.Background(), baseRequest(), nil, notifier)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	want := []string{"start:good", "finish:good:false", "start:bad", "finish:bad:true"}
	if got := strings.Join(notifier.events, ","); got != strings.Join(want, ",") {
		t.Errorf("events = %s, want %s", got, strings.Join(want, ","))
	}
}

func TestRun_CancelledContextStopsLoop(t *testing.T) {
	completer := &scriptedCompleter{responses: []*types.ChatResponse{
		toolCallResponse(call("call_1", "calc", "{}")),
	}}
	loop := New(completer, &recordingExecutor{}, 6, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, _, err := loop.Run(ctx, baseRequest(), nil, nil)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}
