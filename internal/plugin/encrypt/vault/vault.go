// Package vault registers the "vault" encryption provider. Data keys live in
// the application database (encryption_deks table) wrapped by a HashiCorp
// Vault Transit key; Transit is only consulted to wrap and unwrap DEKs at
// load time, never per request.
package vault

import (
	"context"
	"encoding/base64"
	"fmt"

	vaultapi "github.com/hashicorp/vault/api"

	"github.com/recallio/recall/internal/config"
	"github.com/recallio/recall/internal/plugin/encrypt/dek"
	"github.com/recallio/recall/internal/plugin/encrypt/dekstore"
	"github.com/recallio/recall/internal/registry/encrypt"
)

func init() {
	encrypt.Register(encrypt.Plugin{
		Name: "vault",
		Loader: func(ctx context.Context, cfg *config.Config) (encrypt.Provider, error) {
			if cfg.EncryptionVaultTransitKey == "" {
				return nil, fmt.Errorf("vault provider: RECALL_ENCRYPTION_VAULT_TRANSIT_KEY is required")
			}
			client, err := vaultapi.NewClient(vaultapi.DefaultConfig())
			if err != nil {
				return nil, fmt.Errorf("vault provider: creating client: %w", err)
			}
			wrapper := &transitWrapper{client: client, transitKey: cfg.EncryptionVaultTransitKey}
			return dek.New("vault", dekstore.NewKeyCache(cfg, "vault", wrapper)), nil
		},
	})
}

// transitWrapper wraps DEKs through the Vault Transit secrets engine.
type transitWrapper struct {
	client     *vaultapi.Client
	transitKey string
}

func (w *transitWrapper) Wrap(ctx context.Context, plaintext []byte) ([]byte, error) {
	path := fmt.Sprintf("transit/encrypt/%s", w.transitKey)
	secret, err := w.client.Logical().WriteWithContext(ctx, path, map[string]any{
		"plaintext": base64.StdEncoding.EncodeToString(plaintext),
	})
	if err != nil {
		return nil, fmt.Errorf("vault: transit/encrypt: %w", err)
	}
	ciphertext, ok := secret.Data["ciphertext"].(string)
	if !ok {
		return nil, fmt.Errorf("vault: transit/encrypt: missing ciphertext in response")
	}
	return []byte(ciphertext), nil
}

func (w *transitWrapper) Unwrap(ctx context.Context, wrapped []byte) ([]byte, error) {
	path := fmt.Sprintf("transit/decrypt/%s", w.transitKey)
	secret, err := w.client.Logical().WriteWithContext(ctx, path, map[string]any{
		"ciphertext": string(wrapped),
	})
	if err != nil {
		return nil, fmt.Errorf("vault: transit/decrypt: %w", err)
	}
	plaintextB64, ok := secret.Data["plaintext"].(string)
	if !ok {
		return nil, fmt.Errorf("vault: transit/decrypt: missing plaintext in response")
	}
	plain, err := base64.StdEncoding.DecodeString(plaintextB64)
	if err != nil {
		return nil, fmt.Errorf("vault: transit/decrypt: decoding plaintext: %w", err)
	}
	return plain, nil
}
