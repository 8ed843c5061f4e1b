// Package secrets resolves the record-encryption key, from Vault KV v2
// when an address is configured and from the environment otherwise.
package secrets

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hashicorp/vault/api"

	"hiegate/pkg/config"
)

const (
	DefaultKVPath  = "secret/data/hiegate/db-encryption"
	DefaultKVField = "value"

	SourceVault = "vault"
	SourceEnv   = "env"
)

var ErrNoKey = errors.New("record encryption key is not configured")

type Config struct {
	VaultAddr string
	Namespace string
	Token     string
	RoleID    string
	SecretID  string
	Path      string
	Field     string
	Timeout   time.Duration
	// EnvKey is used when VaultAddr is empty.
	EnvKey string
}

func ConfigFromEnv() Config {
	return Config{
		VaultAddr: config.Env("VAULT_ADDR", ""),
		Namespace: config.Env("VAULT_NAMESPACE", ""),
		Token:     config.Env("VAULT_TOKEN", ""),
		RoleID:    config.Env("VAULT_ROLE_ID", ""),
		SecretID:  config.Env("VAULT_SECRET_ID", ""),
		Path:      config.Env("VAULT_DB_KEY_PATH", DefaultKVPath),
		Field:     config.Env("VAULT_DB_KEY_FIELD", DefaultKVField),
		Timeout:   config.EnvDurationSec("VAULT_TIMEOUT_SEC", 5),
		EnvKey:    config.Env("HIE_DB_ENCRYPTION_KEY", ""),
	}
}

// EncryptionKey returns the key and where it came from. A configured Vault
// that cannot serve the key is an error; it never silently falls back.
func EncryptionKey(ctx context.Context, cfg Config) (key, source string, err error) {
	if strings.TrimSpace(cfg.VaultAddr) == "" {
		if cfg.EnvKey == "" {
			return "", "", ErrNoKey
		}
		return cfg.EnvKey, SourceEnv, nil
	}
	client, err := newClient(ctx, cfg)
	if err != nil {
		return "", "", err
	}
	key, err = readKV(ctx, client, cfg)
	if err != nil {
		return "", "", err
	}
	return key, SourceVault, nil
}

func newClient(ctx context.Context, cfg Config) (*api.Client, error) {
	vc := api.DefaultConfig()
	vc.Address = strings.TrimRight(strings.TrimSpace(cfg.VaultAddr), "/")
	if cfg.Timeout > 0 {
		vc.Timeout = cfg.Timeout
	}
	client, err := api.NewClient(vc)
	if err != nil {
		return nil, fmt.Errorf("vault client: %w", err)
	}
	if cfg.Namespace != "" {
		client.SetNamespace(cfg.Namespace)
	}
	switch {
	case cfg.Token != "":
		client.SetToken(cfg.Token)
	case cfg.RoleID != "" && cfg.SecretID != "":
		resp, err := client.Logical().WriteWithContext(ctx, "auth/approle/login", map[string]any{
			"role_id":   cfg.RoleID,
			"secret_id": cfg.SecretID,
		})
		if err != nil {
			return nil, fmt.Errorf("vault approle login: %w", err)
		}
		if resp == nil || resp.Auth == nil || resp.Auth.ClientToken == "" {
			return nil, errors.New("vault approle login returned no token")
		}
		client.SetToken(resp.Auth.ClientToken)
	default:
		return nil, errors.New("vault: set VAULT_TOKEN or VAULT_ROLE_ID and VAULT_SECRET_ID")
	}
	return client, nil
}

func readKV(ctx context.Context, client *api.Client, cfg Config) (string, error) {
	path := strings.Trim(cfg.Path, "/")
	if path == "" {
		path = DefaultKVPath
	}
	field := cfg.Field
	if field == "" {
		field = DefaultKVField
	}
	secret, err := client.Logical().ReadWithContext(ctx, path)
	if err != nil {
		return "", fmt.Errorf("vault read %s: %w", path, err)
	}
	if secret == nil || secret.Data == nil {
		return "", fmt.Errorf("vault read %s: secret not found", path)
	}
	// KV v2 nests the payload under data.data.
	data := secret.Data
	if inner, ok := data["data"].(map[string]any); ok {
		data = inner
	}
	value, _ := data[field].(string)
	if value == "" {
		return "", fmt.Errorf("vault read %s: field %q is empty", path, field)
	}
	return value, nil
}
