// Package catalog maps a request's estimated complexity and the caller's
// entitlement to an ordered list of model candidates for the fallback chain.
package catalog

import (
	"log/slog"
	"sync"

	"github.com/relayforge/llmrelay/internal/ratelimit"
	llmerrors "github.com/relayforge/llmrelay/pkg/errors"
	"github.com/relayforge/llmrelay/pkg/types"
)

// Capability buckets for catalog entries.
const (
	CapabilityHigh = "high"
	CapabilityLow  = "low"
)

// Entry is one configured model.
type Entry struct {
	Provider        string
	Model           string
	Capability      string
	MinTier         string
	TokensPerMinute int
}

// Candidate is one (provider, model) pair the orchestrator may try.
type Candidate struct {
	Provider        string
	Model           string
	TokensPerMinute int
}

// AggregateKey is the model-level rate bucket used to bias ordering.
func (c Candidate) AggregateKey() ratelimit.Key {
	return ratelimit.Key{Provider: c.Provider, Model: c.Model}
}

// Catalog holds the configured entries and the process-lifetime
// decommission set.
type Catalog struct {
	mu               sync.RWMutex
	entries          []Entry
	complexThreshold int
	decommissioned   map[string]bool
	limits           *ratelimit.State
	logger           *slog.Logger
}

// New builds a catalog from configured entries.
func New(entries []Entry, complexThreshold int, limits *ratelimit.State, logger *slog.Logger) *Catalog {
	if complexThreshold <= 0 {
		complexThreshold = 2000
	}
	return &Catalog{
		entries:          entries,
		complexThreshold: complexThreshold,
		decommissioned:   make(map[string]bool),
		limits:           limits,
		logger:           logger,
	}
}

// Decommission excludes a model from all future selection until restart.
// Called by the orchestrator when a provider reports the model id gone.
func (c *Catalog) Decommission(model string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.decommissioned[model] {
		c.decommissioned[model] = true
		c.logger.Warn("model decommissioned by provider, excluded until restart", "model", model)
	}
}

// IsDecommissioned reports whether a model has been excluded.
func (c *Catalog) IsDecommissioned(model string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.decommissioned[model]
}

// Entries returns the live catalog, minus decommissioned models.
func (c *Catalog) Entries() []Entry {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]Entry, 0, len(c.entries))
	for _, e := range c.entries {
		if !c.decommissioned[e.Model] {
			out = append(out, e)
		}
	}
	return out
}

// EstimateTokens is the coarse complexity classifier's token estimate:
// total content length divided by four.
func EstimateTokens(messages []types.ChatMessage) int {
	total := 0
	for _, m := range messages {
		total += len(m.ContentText())
	}
	return total / 4
}

// Select produces the ordered candidate list for a request. The ordering is
// deterministic for identical inputs and catalog state; the only runtime
// bias is pushing candidates whose token window is saturated to the back.
func (c *Catalog) Select(req *types.ChatRequest, tier string) ([]Candidate, error) {
	eligible := c.eligibleEntries(tier)
	if len(eligible) == 0 {
		return nil, llmerrors.NewConfigurationError("no models available for entitlement tier " + tier)
	}

	complex := EstimateTokens(req.Messages) > c.complexThreshold || len(req.Tools) > 0

	primary, ok := c.pickPrimary(eligible, req.Model, complex)
	if !ok {
		return nil, llmerrors.NewInvalidRequestError("", req.Model, "requested model is not in the catalog")
	}

	list := []Candidate{candidateOf(primary)}
	seen := map[string]bool{primary.Provider + "/" + primary.Model: true}

	add := func(e Entry) {
		key := e.Provider + "/" + e.Model
		if !seen[key] {
			seen[key] = true
			list = append(list, candidateOf(e))
		}
	}

	// Same-provider fallback first, preferring the cheaper bucket.
	for _, e := range eligible {
		if e.Provider == primary.Provider && e.Capability == CapabilityLow {
			add(e)
		}
	}
	for _, e := range eligible {
		if e.Provider == primary.Provider {
			add(e)
		}
	}
	// Then cross-provider fallbacks in configured order.
	for _, e := range eligible {
		add(e)
	}

	return c.biasBySaturation(list), nil
}

func candidateOf(e Entry) Candidate {
	return Candidate{Provider: e.Provider, Model: e.Model, TokensPerMinute: e.TokensPerMinute}
}

func (c *Catalog) eligibleEntries(tier string) []Entry {
	c.mu.RLock()
	defer c.mu.RUnlock()

	rank := tierRank(tier)
	out := make([]Entry, 0, len(c.entries))
	for _, e := range c.entries {
		if c.decommissioned[e.Model] {
			continue
		}
		if tierRank(e.MinTier) > rank {
			continue
		}
		out = append(out, e)
	}
	return out
}

func (c *Catalog) pickPrimary(eligible []Entry, requested string, complex bool) (Entry, bool) {
	if requested != "" {
		for _, e := range eligible {
			if e.Model == requested {
				return e, true
			}
		}
		return Entry{}, false
	}

	want := CapabilityLow
	if complex {
		want = CapabilityHigh
	}
	for _, e := range eligible {
		if e.Capability == want {
			return e, true
		}
	}
	return eligible[0], true
}

// biasBySaturation moves candidates whose aggregate token window exceeds
// their configured tokens-per-minute limit to the back of the list. The
// provider stays authoritative; this only spends attempts elsewhere first.
func (c *Catalog) biasBySaturation(list []Candidate) []Candidate {
	fresh := make([]Candidate, 0, len(list))
	saturated := make([]Candidate, 0)
	for _, cand := range list {
		if cand.TokensPerMinute > 0 && c.limits.TokensInWindow(cand.AggregateKey()) >= cand.TokensPerMinute {
			saturated = append(saturated, cand)
			continue
		}
		fresh = append(fresh, cand)
	}
	return append(fresh, saturated...)
}

func tierRank(tier string) int {
	if tier == "paid" {
		return 1
	}
	return 0
}
