// Package metrics exposes Prometheus instrumentation for the gateway.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "llmrelay"

var (
	// ProviderRequests counts upstream provider calls by outcome.
	ProviderRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_requests_total",
			Help:      "Total upstream provider calls",
		},
		[]string{"provider", "model", "outcome"},
	)

	// ProviderLatency tracks upstream call latency.
	ProviderLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "provider_latency_seconds",
			Help:      "Upstream provider call latency in seconds",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"provider", "model"},
	)

	// FallbackDepth observes how many candidates a request consumed.
	FallbackDepth = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "fallback_depth",
			Help:      "Number of candidates attempted per orchestration",
			Buckets:   []float64{1, 2, 3, 4, 5, 6, 8, 10},
		},
	)

	// ToolRounds observes tool-loop round counts.
	ToolRounds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tool_rounds",
			Help:      "Tool execution rounds per request",
			Buckets:   []float64{0, 1, 2, 3, 4, 5, 6, 8},
		},
	)

	// TokensProcessed counts tokens by direction.
	TokensProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tokens_total",
			Help:      "Tokens processed",
		},
		[]string{"provider", "model", "direction"},
	)

	// LedgerWrites counts usage record dispatches by sink and result.
	LedgerWrites = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ledger_writes_total",
			Help:      "Usage ledger write attempts",
		},
		[]string{"sink", "result"},
	)

	// DecommissionedModels counts catalog exclusions.
	DecommissionedModels = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decommissioned_models_total",
			Help:      "Models excluded from the catalog after provider 404s",
		},
	)
)

// RecordProviderCall records one upstream call.
func RecordProviderCall(provider, model, outcome string, latency time.Duration) {
	ProviderRequests.WithLabelValues(provider, model, outcome).Inc()
	ProviderLatency.WithLabelValues(provider, model).Observe(latency.Seconds())
}

// RecordTokens records token usage for one call.
func RecordTokens(provider, model string, prompt, completion int) {
	TokensProcessed.WithLabelValues(provider, model, "input").Add(float64(prompt))
	TokensProcessed.WithLabelValues(provider, model, "output").Add(float64(completion))
}
