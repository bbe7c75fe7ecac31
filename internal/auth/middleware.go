package auth

import (
	"context"
	"log/slog"
	"net/http"
)

// contextKey is a custom type for context keys to avoid collisions.
type contextKey string

const (
	// IdentityContextKey is the context key for the caller Identity.
	IdentityContextKey contextKey = "identity"
)

// Middleware provides HTTP middleware for API key authentication.
type Middleware struct {
	store     Store
	logger    *slog.Logger
	skipPaths map[string]bool
	enabled   bool
}

// MiddlewareConfig contains configuration for the auth middleware.
type MiddlewareConfig struct {
	Store     Store
	Logger    *slog.Logger
	SkipPaths []string // Paths to skip authentication (e.g., /healthz, /metrics)
	Enabled   bool
}

// NewMiddleware creates a new authentication middleware.
func NewMiddleware(cfg *MiddlewareConfig) *Middleware {
	skipPaths := make(map[string]bool)
	for _, path := range cfg.SkipPaths {
		skipPaths[path] = true
	}

	return &Middleware{
		store:     cfg.Store,
		logger:    cfg.Logger,
		skipPaths: skipPaths,
		enabled:   cfg.Enabled,
	}
}

// Authenticate returns an HTTP middleware that validates API keys. The
// request is rejected before any upstream work happens, so an
// unauthenticated caller never triggers a provider call or a usage
// record.
func (m *Middleware) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !m.enabled {
			next.ServeHTTP(w, r)
			return
		}

		if m.skipPaths[r.URL.Path] {
			next.ServeHTTP(w, r)
			return
		}

		authHeader := r.Header.Get("Authorization")
		apiKey, err := ParseAuthHeader(authHeader)
		if err != nil {
			m.writeUnauthorized(w, "missing or invalid authorization header")
			return
		}

		identity, ok := m.store.LookupByHash(HashKey(apiKey))
		if !ok {
			m.writeUnauthorized(w, "invalid api key")
			return
		}
		if identity.Disabled {
			m.writeUnauthorized(w, "api key is inactive")
			return
		}

		ctx := context.WithValue(r.Context(), IdentityContextKey, identity)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GetIdentity retrieves the caller Identity from the request context.
func GetIdentity(ctx context.Context) *Identity {
	if id, ok := ctx.Value(IdentityContextKey).(*Identity); ok {
		return id
	}
	return nil
}

func (m *Middleware) writeUnauthorized(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_, _ = w.Write([]byte(`{"error":{"message":"` + message + `","type":"authentication_error"}}`))
}
