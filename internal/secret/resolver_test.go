package secret

import (
	"context"
	"testing"
)

func TestResolveLiteral(t *testing.T) {
	r := NewResolver(nil)
	got, err := r.Resolve(context.Background(), "sk-literal")
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if got != "sk-literal" {
		t.Errorf("Resolve() = %q, want sk-literal", got)
	}
}

func TestResolveEnv(t *testing.T) {
	t.Setenv("SECRET_TEST_KEY", "sk-env")

	r := NewResolver(nil)
	got, err := r.Resolve(context.Background(), "env:SECRET_TEST_KEY")
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if got != "sk-env" {
		t.Errorf("Resolve() = %q, want sk-env", got)
	}
}

func TestResolveEnvMissing(t *testing.T) {
	r := NewResolver(nil)
	if _, err := r.Resolve(context.Background(), "env:SECRET_TEST_DOES_NOT_EXIST"); err == nil {
		t.Error("Resolve() = nil, want error for unset variable")
	}
}

func TestResolveVaultWithoutVault(t *testing.T) {
	r := NewResolver(nil)
	if _, err := r.Resolve(context.Background(), "vault:secret/data/llm#key"); err == nil {
		t.Error("Resolve() = nil, want error when vault is not configured")
	}
}
