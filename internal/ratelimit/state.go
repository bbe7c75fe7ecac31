// Package ratelimit tracks per-instance cooldowns and token consumption.
// The table only biases candidate ordering; providers remain authoritative
// for their own limits. State is process-scoped and resets on restart.
package ratelimit

import (
	"fmt"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// Key identifies one rate-limit bucket.
type Key struct {
	Provider string
	Model    string
	Instance string
}

func (k Key) String() string {
	return fmt.Sprintf("%s|%s|%s", k.Provider, k.Model, k.Instance)
}

// State is the shared cooldown and token-window table. Safe for concurrent
// use by all request goroutines.
type State struct {
	defaultCooldown time.Duration
	cooldowns       *gocache.Cache

	mu      sync.Mutex
	windows map[string]*tokenWindow
}

type tokenWindow struct {
	start  time.Time
	tokens int
}

const windowLength = time.Minute

// New creates a state table with the given default cooldown.
func New(defaultCooldown time.Duration) *State {
	return &State{
		defaultCooldown: defaultCooldown,
		cooldowns:       gocache.New(defaultCooldown, 5*time.Minute),
		windows:         make(map[string]*tokenWindow),
	}
}

// MarkCooldown puts the bucket into cooldown. A zero duration uses the
// default; the provider's advertised retry-after takes precedence when set.
func (s *State) MarkCooldown(k Key, d time.Duration) {
	if d <= 0 {
		d = s.defaultCooldown
	}
	s.cooldowns.Set(k.String(), time.Now().Add(d), d)
}

// InCooldown reports whether the bucket is cooling down.
func (s *State) InCooldown(k Key) bool {
	_, found := s.cooldowns.Get(k.String())
	return found
}

// CooldownExpiry returns when the bucket's cooldown ends. The zero time
// means no active cooldown.
func (s *State) CooldownExpiry(k Key) time.Time {
	v, found := s.cooldowns.Get(k.String())
	if !found {
		return time.Time{}
	}
	return v.(time.Time)
}

// RecordTokens adds token consumption to the bucket's current window.
func (s *State) RecordTokens(k Key, tokens int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := k.String()
	w := s.windows[key]
	now := time.Now()
	if w == nil || now.Sub(w.start) >= windowLength {
		w = &tokenWindow{start: now}
		s.windows[key] = w
	}
	w.tokens += tokens
}

// TokensInWindow returns consumption within the current one-minute window.
func (s *State) TokensInWindow(k Key) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	w := s.windows[k.String()]
	if w == nil || time.Since(w.start) >= windowLength {
		return 0
	}
	return w.tokens
}
