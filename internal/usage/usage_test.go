package usage

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"github.com/relayforge/llmrelay/internal/observability"
)

func testLogger() *observability.Logger {
	return observability.NewLogger(observability.LoggerConfig{Output: io.Discard}, observability.NewRedactor())
}

func TestPricing_Lookup(t *testing.T) {
	p := DefaultPricing()

	tests := []struct {
		model  string
		input  int
		output int
		want   float64
	}{
		{"gpt-4o", 1000, 1000, 0.0125},
		{"gpt-4o-mini-2024-07-18", 1000, 0, 0.00015},
		{"claude-sonnet-4", 1000, 1000, 0.018},
		{"totally-unknown-model", 1000, 1000, 0},
	}

	for _, tt := range tests {
		t.Run(tt.model, func(t *testing.T) {
			got := p.Cost(tt.model, tt.input, tt.output)
			if diff := got - tt.want; diff > 1e-9 || diff < -1e-9 {
				t.Errorf("Cost(%s) = %f, want %f", tt.model, got, tt.want)
			}
		})
	}
}

func TestPricing_LongestPrefixWins(t *testing.T) {
	p := NewPricing(map[string]ModelPrice{
		"gpt*":         {InputPer1K: 1, OutputPer1K: 1},
		"gpt-4o-mini*": {InputPer1K: 0.1, OutputPer1K: 0.1},
	})
	if got := p.Cost("gpt-4o-mini", 1000, 0); got != 0.1 {
		t.Errorf("Cost = %f, want longest prefix rate 0.1", got)
	}
	if got := p.Cost("gpt-3.5", 1000, 0); got != 1 {
		t.Errorf("Cost = %f, want generic rate 1", got)
	}
}

func TestPricing_ExactBeatsPrefix(t *testing.T) {
	p := NewPricing(map[string]ModelPrice{
		"gpt-4o":  {InputPer1K: 2},
		"gpt-4o*": {InputPer1K: 1},
	})
	if got := p.Cost("gpt-4o", 1000, 0); got != 2 {
		t.Errorf("Cost = %f, want exact rate 2", got)
	}
}

// memorySink collects writes, optionally failing.
type memorySink struct {
	mu      sync.Mutex
	records []Record
	fail    error
	name    string
}

func (m *memorySink) Name() string {
	if m.name != "" {
		return m.name
	}
	return "memory"
}

func (m *memorySink) Write(_ context.Context, rec Record) error {
	if m.fail != nil {
		return m.fail
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, rec)
	return nil
}

func (m *memorySink) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}

func TestLogger_DispatchesToAllSinks(t *testing.T) {
	a := &memorySink{name: "a"}
	b := &memorySink{name: "b"}
	l := NewLogger([]Sink{a, b}, 8, testLogger())

	l.Log(Record{RequestID: "r1", Provider: "openai", Model: "gpt-4o", Timestamp: time.Now()})
	l.Close()

	if a.count() != 1 || b.count() != 1 {
		t.Errorf("sink counts = %d, %d, want 1, 1", a.count(), b.count())
	}
}

func TestLogger_SinkFailureDoesNotStopOthers(t *testing.T) {
	bad := &memorySink{name: "bad", fail: errors.New("sink down")}
	good := &memorySink{name: "good"}
	l := NewLogger([]Sink{bad, good}, 8, testLogger())

	l.Log(Record{RequestID: "r1"})
	l.Log(Record{RequestID: "r2"})
	l.Close()

	if good.count() != 2 {
		t.Errorf("good sink count = %d, want 2", good.count())
	}
}

func TestLogger_FullQueueDropsInsteadOfBlocking(t *testing.T) {
	// No worker can drain a zero-sink logger faster than we fill it if we
	// keep the queue tiny and flood it; either way Log must return.
	l := NewLogger(nil, 1, testLogger())
	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			l.Log(Record{RequestID: "flood"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Log blocked the request path")
	}
	l.Close()
}

func TestWebhookSink(t *testing.T) {
	var got Record
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s", r.Method)
		}
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &got)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	sink := NewWebhookSink(srv.URL, srv.Client())
	rec := Record{
		RequestID:    "r1",
		Identity:     "team-a",
		Provider:     "openai",
		Model:        "gpt-4o",
		InputTokens:  100,
		OutputTokens: 20,
		Cost:         0.00045,
		Status:       "success",
	}
	if err := sink.Write(context.Background(), rec); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if got.RequestID != "r1" || got.Identity != "team-a" || got.InputTokens != 100 {
		t.Errorf("received record = %+v", got)
	}
}

func TestWebhookSink_Non2xxIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	sink := NewWebhookSink(srv.URL, srv.Client())
	if err := sink.Write(context.Background(), Record{RequestID: "r1"}); err == nil {
		t.Fatal("Write() = nil, want error on 502")
	}
}
