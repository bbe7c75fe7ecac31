package auth

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/relayforge/llmrelay/internal/config"
)

func TestParseAuthHeader(t *testing.T) {
	tests := []struct {
		name    string
		header  string
		want    string
		wantErr bool
	}{
		{"bearer", "Bearer sk-test-123", "sk-test-123", false},
		{"bearer with spaces", "Bearer   sk-test-123  ", "sk-test-123", false},
		{"plain key", "sk-test-123", "sk-test-123", false},
		{"empty", "", "", true},
		{"bearer empty", "Bearer ", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseAuthHeader(tt.header)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseAuthHeader(%q) error = %v, wantErr %v", tt.header, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ParseAuthHeader(%q) = %q, want %q", tt.header, got, tt.want)
			}
		})
	}
}

func TestVerifyKey(t *testing.T) {
	hash := HashKey("sk-test-123")
	if !VerifyKey("sk-test-123", hash) {
		t.Error("VerifyKey rejected the matching key")
	}
	if VerifyKey("sk-other", hash) {
		t.Error("VerifyKey accepted a non-matching key")
	}
}

func TestMemoryStore_Lookup(t *testing.T) {
	store := NewMemoryStore([]config.APIKeyConfig{
		{Name: "alice", Key: "sk-alice", Tier: "paid"},
		{Name: "bob", Key: "sk-bob", Tier: "free"},
		{Name: "empty", Key: ""},
		{Name: "carol", Key: "sk-carol", Tier: "paid", Disabled: true},
	})

	if store.Len() != 3 {
		t.Fatalf("Len() = %d, want 3 (empty keys skipped)", store.Len())
	}

	id, ok := store.LookupByHash(HashKey("sk-alice"))
	if !ok {
		t.Fatal("LookupByHash missed a registered key")
	}
	if id.Name != "alice" || id.Tier != "paid" {
		t.Errorf("identity = %+v, want alice/paid", id)
	}

	if _, ok := store.LookupByHash(HashKey("sk-unknown")); ok {
		t.Error("LookupByHash matched an unregistered key")
	}

	carol, ok := store.LookupByHash(HashKey("sk-carol"))
	if !ok {
		t.Fatal("LookupByHash missed a disabled key")
	}
	if !carol.Disabled {
		t.Error("disabled flag was not carried into the identity")
	}
}

func newTestMiddleware(t *testing.T) *Middleware {
	t.Helper()
	store := NewMemoryStore([]config.APIKeyConfig{
		{Name: "alice", Key: "sk-alice", Tier: "paid"},
		{Name: "carol", Key: "sk-carol", Tier: "paid", Disabled: true},
	})
	return NewMiddleware(&MiddlewareConfig{
		Store:     store,
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		SkipPaths: []string{"/healthz", "/metrics"},
		Enabled:   true,
	})
}

func TestMiddleware_ValidKey(t *testing.T) {
	m := newTestMiddleware(t)

	var seen *Identity
	handler := m.Authenticate(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = GetIdentity(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", nil)
	req.Header.Set("Authorization", "Bearer sk-alice")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if seen == nil || seen.Name != "alice" || seen.Tier != "paid" {
		t.Errorf("identity in context = %+v, want alice/paid", seen)
	}
}

func TestMiddleware_RejectsBeforeHandler(t *testing.T) {
	m := newTestMiddleware(t)

	tests := []struct {
		name   string
		header string
	}{
		{"missing header", ""},
		{"unknown key", "Bearer sk-unknown"},
		{"empty bearer", "Bearer "},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			called := false
			handler := m.Authenticate(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				called = true
			}))

			req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			if rec.Code != http.StatusUnauthorized {
				t.Errorf("status = %d, want 401", rec.Code)
			}
			if called {
				t.Error("handler ran for an unauthenticated request")
			}
			if !strings.Contains(rec.Body.String(), "authentication_error") {
				t.Errorf("body = %q, want authentication_error envelope", rec.Body.String())
			}
			if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
				t.Errorf("Content-Type = %q, want application/json", ct)
			}
		})
	}
}

func TestMiddleware_RejectsInactiveKey(t *testing.T) {
	m := newTestMiddleware(t)

	called := false
	handler := m.Authenticate(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))

	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", nil)
	req.Header.Set("Authorization", "Bearer sk-carol")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
	if called {
		t.Error("handler ran for an inactive key")
	}
	if !strings.Contains(rec.Body.String(), "inactive") {
		t.Errorf("body = %q, want inactive key message", rec.Body.String())
	}
}

func TestMiddleware_SkipPaths(t *testing.T) {
	m := newTestMiddleware(t)

	for _, path := range []string{"/healthz", "/metrics"} {
		called := false
		handler := m.Authenticate(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			called = true
		}))

		req := httptest.NewRequest(http.MethodGet, path, nil)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		if !called {
			t.Errorf("handler did not run for skip path %s", path)
		}
	}
}

func TestMiddleware_Disabled(t *testing.T) {
	m := NewMiddleware(&MiddlewareConfig{
		Store:   NewMemoryStore(nil),
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
		Enabled: false,
	})

	called := false
	handler := m.Authenticate(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))

	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if !called {
		t.Error("handler did not run with auth disabled")
	}
}
