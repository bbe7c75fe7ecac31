// Package usage builds and dispatches the per-call usage ledger. Writes are
// best-effort: the response already sent to the caller is never affected by
// a ledger failure.
package usage

import (
	"strings"
	"time"
)

// Record is one ledger row, created per provider call actually made.
type Record struct {
	Timestamp    time.Time `json:"timestamp"`
	RequestID    string    `json:"request_id"`
	Identity     string    `json:"identity"`
	Provider     string    `json:"provider"`
	Model        string    `json:"model"`
	InputTokens  int       `json:"input_tokens"`
	OutputTokens int       `json:"output_tokens"`
	Cost         float64   `json:"cost"`
	Status       string    `json:"status"` // success, truncated, failure
	LatencyMs    int64     `json:"latency_ms"`
	Error        string    `json:"error,omitempty"`
}

// ModelPrice is the per-1K-token rate for one model.
type ModelPrice struct {
	InputPer1K  float64
	OutputPer1K float64
}

// Pricing resolves model rates. Keys ending in '*' match by prefix, longest
// pattern first; exact entries always win.
type Pricing struct {
	exact    map[string]ModelPrice
	prefixes []prefixPrice
}

type prefixPrice struct {
	prefix string
	price  ModelPrice
}

// NewPricing builds a table from rate entries.
func NewPricing(rates map[string]ModelPrice) *Pricing {
	p := &Pricing{exact: make(map[string]ModelPrice)}
	for pattern, price := range rates {
		if strings.HasSuffix(pattern, "*") {
			p.prefixes = append(p.prefixes, prefixPrice{
				prefix: strings.TrimSuffix(pattern, "*"),
				price:  price,
			})
			continue
		}
		p.exact[pattern] = price
	}
	// Longest prefix wins so "gpt-4o-mini*" beats "gpt-4o*".
	for i := 1; i < len(p.prefixes); i++ {
		for j := i; j > 0 && len(p.prefixes[j].prefix) > len(p.prefixes[j-1].prefix); j-- {
			p.prefixes[j], p.prefixes[j-1] = p.prefixes[j-1], p.prefixes[j]
		}
	}
	return p
}

// DefaultPricing covers the commonly routed models. Unknown models cost
// zero rather than guessing.
func DefaultPricing() *Pricing {
	return NewPricing(map[string]ModelPrice{
		"gpt-4o":           {InputPer1K: 0.0025, OutputPer1K: 0.01},
		"gpt-4o-mini*":     {InputPer1K: 0.00015, OutputPer1K: 0.0006},
		"gpt-4*":           {InputPer1K: 0.03, OutputPer1K: 0.06},
		"o1*":              {InputPer1K: 0.015, OutputPer1K: 0.06},
		"claude-opus*":     {InputPer1K: 0.015, OutputPer1K: 0.075},
		"claude-sonnet*":   {InputPer1K: 0.003, OutputPer1K: 0.015},
		"claude-haiku*":    {InputPer1K: 0.0008, OutputPer1K: 0.004},
		"gemini-2.0-flash": {InputPer1K: 0.0001, OutputPer1K: 0.0004},
		"gemini-1.5-pro*":  {InputPer1K: 0.00125, OutputPer1K: 0.005},
		"gemini*":          {InputPer1K: 0.0001, OutputPer1K: 0.0004},
	})
}

// Cost computes the charge for one call in USD.
func (p *Pricing) Cost(model string, inputTokens, outputTokens int) float64 {
	price, ok := p.lookup(model)
	if !ok {
		return 0
	}
	return float64(inputTokens)/1000*price.InputPer1K +
		float64(outputTokens)/1000*price.OutputPer1K
}

func (p *Pricing) lookup(model string) (ModelPrice, bool) {
	if price, ok := p.exact[model]; ok {
		return price, true
	}
	for _, pp := range p.prefixes {
		if strings.HasPrefix(model, pp.prefix) {
			return pp.price, true
		}
	}
	return ModelPrice{}, false
}
