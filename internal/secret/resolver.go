// Package secret resolves credential references in configuration values.
// A value may be a literal, "env:VAR_NAME", or "vault:secret/path#field";
// references are resolved once at startup, before the pool is built.
package secret

import (
	"context"
	"fmt"
	"os"
	"strings"
)

// Provider fetches a secret by reference.
type Provider interface {
	Fetch(ctx context.Context, ref string) (string, error)
}

// Resolver dispatches references to the registered providers.
type Resolver struct {
	env   Provider
	vault Provider
}

// NewResolver creates a resolver. vault may be nil when no Vault is
// configured; vault: references then fail with a clear error.
func NewResolver(vault Provider) *Resolver {
	return &Resolver{env: envProvider{}, vault: vault}
}

// Resolve returns the secret behind a config value. Values without a known
// scheme pass through unchanged.
func (r *Resolver) Resolve(ctx context.Context, value string) (string, error) {
	switch {
	case strings.HasPrefix(value, "env:"):
		return r.env.Fetch(ctx, strings.TrimPrefix(value, "env:"))
	case strings.HasPrefix(value, "vault:"):
		if r.vault == nil {
			return "", fmt.Errorf("vault reference %q but no vault configured", value)
		}
		return r.vault.Fetch(ctx, strings.TrimPrefix(value, "vault:"))
	default:
		return value, nil
	}
}

type envProvider struct{}

func (envProvider) Fetch(_ context.Context, name string) (string, error) {
	v, ok := os.LookupEnv(name)
	if !ok || v == "" {
		return "", fmt.Errorf("environment variable %s is not set", name)
	}
	return v, nil
}
