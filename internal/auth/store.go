package auth

import (
	"github.com/relayforge/llmrelay/internal/config"
)

// Identity describes an authenticated caller.
type Identity struct {
	Name     string
	Tier     string
	Disabled bool
}

// Store resolves hashed API keys to caller identities.
type Store interface {
	LookupByHash(hash string) (*Identity, bool)
}

// MemoryStore holds caller keys loaded from configuration. Keys are
// stored hashed; the plaintext never outlives construction.
type MemoryStore struct {
	byHash map[string]Identity
}

// NewMemoryStore builds a store from the configured key list.
func NewMemoryStore(keys []config.APIKeyConfig) *MemoryStore {
	byHash := make(map[string]Identity, len(keys))
	for _, k := range keys {
		if k.Key == "" {
			continue
		}
		byHash[HashKey(k.Key)] = Identity{Name: k.Name, Tier: k.Tier, Disabled: k.Disabled}
	}
	return &MemoryStore{byHash: byHash}
}

// LookupByHash returns the identity registered for a hashed key.
func (s *MemoryStore) LookupByHash(hash string) (*Identity, bool) {
	id, ok := s.byHash[hash]
	if !ok {
		return nil, false
	}
	return &id, true
}

// Len reports the number of registered keys.
func (s *MemoryStore) Len() int {
	return len(s.byHash)
}
