package secret

import (
	"context"
	"fmt"
	"strings"

	vault "github.com/hashicorp/vault/api"
)

// VaultConfig holds connection settings for HashiCorp Vault.
type VaultConfig struct {
	Address  string
	Token    string
	RoleID   string
	SecretID string
}

// VaultProvider reads secrets from HashiCorp Vault. References take the form
// "secret/data/llm#openai_key": a logical path and a field name.
type VaultProvider struct {
	client *vault.Client
}

// NewVaultProvider connects to Vault using token or AppRole auth.
func NewVaultProvider(cfg VaultConfig) (*VaultProvider, error) {
	vConfig := vault.DefaultConfig()
	vConfig.Address = cfg.Address

	client, err := vault.NewClient(vConfig)
	if err != nil {
		return nil, fmt.Errorf("create vault client: %w", err)
	}

	switch {
	case cfg.Token != "":
		client.SetToken(cfg.Token)
	case cfg.RoleID != "":
		secret, err := client.Logical().Write("auth/approle/login", map[string]interface{}{
			"role_id":   cfg.RoleID,
			"secret_id": cfg.SecretID,
		})
		if err != nil {
			return nil, fmt.Errorf("vault approle login: %w", err)
		}
		if secret == nil || secret.Auth == nil {
			return nil, fmt.Errorf("vault login returned no auth info")
		}
		client.SetToken(secret.Auth.ClientToken)
	default:
		return nil, fmt.Errorf("vault: token or role_id is required")
	}

	return &VaultProvider{client: client}, nil
}

// Fetch implements Provider.
func (p *VaultProvider) Fetch(ctx context.Context, ref string) (string, error) {
	path, field, ok := strings.Cut(ref, "#")
	if !ok {
		return "", fmt.Errorf("vault reference %q must be path#field", ref)
	}

	secret, err := p.client.Logical().ReadWithContext(ctx, path)
	if err != nil {
		return "", fmt.Errorf("read vault path %s: %w", path, err)
	}
	if secret == nil || secret.Data == nil {
		return "", fmt.Errorf("vault path %s not found", path)
	}

	data := secret.Data
	// KV v2 nests the payload under "data".
	if nested, ok := data["data"].(map[string]interface{}); ok {
		data = nested
	}

	value, ok := data[field].(string)
	if !ok || value == "" {
		return "", fmt.Errorf("vault path %s has no string field %q", path, field)
	}
	return value, nil
}
