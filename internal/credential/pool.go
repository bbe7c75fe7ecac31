// Package credential owns the configured provider instances and selects one
// per call. Instances are loaded once at startup and immutable afterwards;
// only the rotation pointer and the cooldown table mutate at runtime.
package credential

import (
	"errors"
	"sync"
	"time"

	"github.com/relayforge/llmrelay/internal/ratelimit"
)

// ErrNotConfigured is returned when no instance of the requested provider
// type exists. This is a configuration error, not a transient one.
var ErrNotConfigured = errors.New("no credential configured for provider type")

// Instance is one configured provider credential.
type Instance struct {
	Name    string
	Type    string
	APIKey  string
	Tier    string
	BaseURL string
	Timeout time.Duration
}

// RateKey returns the cooldown bucket for this instance and model.
func (i *Instance) RateKey(model string) ratelimit.Key {
	return ratelimit.Key{Provider: i.Type, Model: model, Instance: i.Name}
}

// Pool selects instances round-robin per provider type, skipping instances
// in cooldown. Safe for concurrent use.
type Pool struct {
	mu      sync.Mutex
	byType  map[string][]*Instance
	cursors map[string]int
	limits  *ratelimit.State
}

// NewPool builds a pool from the configured instance list.
func NewPool(instances []Instance, limits *ratelimit.State) *Pool {
	p := &Pool{
		byType:  make(map[string][]*Instance),
		cursors: make(map[string]int),
		limits:  limits,
	}
	for i := range instances {
		inst := instances[i]
		p.byType[inst.Type] = append(p.byType[inst.Type], &inst)
	}
	return p
}

// Instances returns all instances of a type, in configured order.
func (p *Pool) Instances(providerType string) []*Instance {
	p.mu.Lock()
	defer p.mu.Unlock()

	src := p.byType[providerType]
	out := make([]*Instance, len(src))
	copy(out, src)
	return out
}

// Types returns the set of configured provider types.
func (p *Pool) Types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	types := make([]string, 0, len(p.byType))
	for t := range p.byType {
		types = append(types, t)
	}
	return types
}

// Select returns the next instance of the requested type that is not in
// cooldown for the given model, advancing the rotation pointer. When every
// instance is cooling down it returns the one whose cooldown expires
// earliest, so a stale window never wedges the type entirely.
func (p *Pool) Select(providerType, model string) (*Instance, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	candidates := p.byType[providerType]
	if len(candidates) == 0 {
		return nil, ErrNotConfigured
	}

	start := p.cursors[providerType]
	n := len(candidates)
	for i := 0; i < n; i++ {
		inst := candidates[(start+i)%n]
		if !p.limits.InCooldown(inst.RateKey(model)) {
			p.cursors[providerType] = (start + i + 1) % n
			return inst, nil
		}
	}

	// Everyone is cooling down: optimistic retry on the earliest expiry.
	best := candidates[0]
	bestExpiry := p.limits.CooldownExpiry(best.RateKey(model))
	for _, inst := range candidates[1:] {
		expiry := p.limits.CooldownExpiry(inst.RateKey(model))
		if expiry.Before(bestExpiry) {
			best, bestExpiry = inst, expiry
		}
	}
	return best, nil
}
