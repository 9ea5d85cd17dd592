// Package encrypt is the registry for at-rest encryption providers. Providers
// own the MSEH envelope on encrypt; the dataencryption service routes decrypts
// to the provider named in the envelope header.
package encrypt

import (
	"context"
	"fmt"
	"io"

	"github.com/recallio/recall/internal/config"
)

// Provider encrypts and decrypts individual fields. fieldID is bound into the
// AEAD additional data so ciphertext cannot be replayed into a different
// column; callers must pass the same id on both sides.
type Provider interface {
	// ID is the identifier written into the MSEH header (e.g. "plain", "dek",
	// "vault", "kms").
	ID() string

	// Encrypt returns MSEH-wrapped ciphertext. The plain provider returns the
	// input unchanged with no envelope.
	Encrypt(fieldID string, plaintext []byte) ([]byte, error)

	// Decrypt unwraps ciphertext produced by Encrypt with the same fieldID.
	Decrypt(fieldID string, ciphertext []byte) ([]byte, error)

	// EncryptStream writes the MSEH header to dst up front, then returns a
	// WriteCloser that seals buffered plaintext on Close. GCM needs the whole
	// payload before the tag, so large streams are buffered.
	EncryptStream(fieldID string, dst io.Writer) (io.WriteCloser, error)

	// DecryptStream decrypts src. header is the envelope header already parsed
	// by the dataencryption service; nil means src carries raw plaintext.
	DecryptStream(fieldID string, src io.Reader, header *Header) (io.Reader, error)

	// AttachmentSigningKeys returns the ordered HMAC keys for signing
	// attachment download tokens, primary first. Nil means signed URLs are
	// unavailable.
	AttachmentSigningKeys(ctx context.Context) ([][]byte, error)
}

// Header mirrors dataencryption.Header. It lives here so providers can accept
// a parsed header without importing dataencryption (which imports this
// package).
type Header struct {
	Version    uint32
	ProviderID string
	Nonce      []byte
}

// Plugin bundles a provider name with its loader.
type Plugin struct {
	Name   string
	Loader func(ctx context.Context, cfg *config.Config) (Provider, error)
}

var plugins []Plugin

// Register adds an encryption provider plugin.
func Register(p Plugin) {
	plugins = append(plugins, p)
}

// Names returns all registered provider names.
func Names() []string {
	names := make([]string, len(plugins))
	for i, p := range plugins {
		names[i] = p.Name
	}
	return names
}

// Select returns the Plugin for the given name.
func Select(name string) (Plugin, error) {
	for _, p := range plugins {
		if p.Name == name {
			return p, nil
		}
	}
	return Plugin{}, fmt.Errorf("unknown encryption provider %q; registered: %v", name, Names())
}
