package dataencryption

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/recallio/recall/internal/config"
	"github.com/recallio/recall/internal/registry/encrypt"
)

type contextKey struct{}

// WithContext returns a new context carrying the given Service.
func WithContext(ctx context.Context, svc *Service) context.Context {
	return context.WithValue(ctx, contextKey{}, svc)
}

// FromContext retrieves the Service from the context. Returns nil if none was set.
func FromContext(ctx context.Context) *Service {
	svc, _ := ctx.Value(contextKey{}).(*Service)
	return svc
}

// Service orchestrates encryption providers. The primary provider handles new
// encryptions; every configured provider stays available for decryption,
// routed by the provider id in the MSEH header. Values without the MSEH magic
// pass through as plaintext, so enabling encryption never requires rewriting
// existing rows.
type Service struct {
	primary encrypt.Provider
	byID    map[string]encrypt.Provider
}

// New constructs a Service from cfg.EncryptionProviders (comma-separated).
// The first named provider becomes the primary.
func New(ctx context.Context, cfg *config.Config) (*Service, error) {
	svc := &Service{byID: make(map[string]encrypt.Provider)}

	for _, name := range strings.Split(cfg.EncryptionProviders, ",") {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		plugin, err := encrypt.Select(name)
		if err != nil {
			return nil, err
		}
		provider, err := plugin.Loader(ctx, cfg)
		if err != nil {
			return nil, fmt.Errorf("encryption provider %q: %w", name, err)
		}
		svc.byID[provider.ID()] = provider
		if svc.primary == nil {
			svc.primary = provider
		}
	}

	if svc.primary == nil {
		return nil, fmt.Errorf("no encryption providers configured in RECALL_ENCRYPTION_PROVIDERS")
	}
	return svc, nil
}

// IsPrimaryReal reports whether the primary provider actually encrypts
// (i.e. is not the "plain" passthrough).
func (s *Service) IsPrimaryReal() bool {
	return s.primary.ID() != "plain"
}

// Encrypt seals plaintext with the primary provider, binding fieldID into the
// AEAD additional data.
func (s *Service) Encrypt(fieldID string, plaintext []byte) ([]byte, error) {
	return s.primary.Encrypt(fieldID, plaintext)
}

// Decrypt routes to the provider named in the MSEH header. Two degenerate
// inputs decode as plaintext:
//
//   - no MSEH magic: the value predates encryption (or encryption is off) and
//     is returned unchanged
//   - magic present but the header is malformed: raw data that happens to
//     start with the 4-byte sentinel; returned unchanged when the "plain"
//     provider is configured, otherwise a hard error
func (s *Service) Decrypt(fieldID string, ciphertext []byte) ([]byte, error) {
	if !HasMagic(ciphertext) {
		return ciphertext, nil
	}
	h, _, err := ReadHeader(bytes.NewReader(ciphertext))
	if err != nil {
		if _, ok := s.byID["plain"]; ok {
			return ciphertext, nil
		}
		return nil, err
	}
	provider, ok := s.byID[h.ProviderID]
	if !ok {
		return nil, fmt.Errorf("dataencryption: unknown provider %q in MSEH header", h.ProviderID)
	}
	return provider.Decrypt(fieldID, ciphertext)
}

// EncryptStream delegates to the primary provider.
func (s *Service) EncryptStream(fieldID string, dst io.Writer) (io.WriteCloser, error) {
	return s.primary.EncryptStream(fieldID, dst)
}

// DecryptStream peeks at the first 4 bytes for the MSEH magic. When present
// it parses the header and routes to the matching provider; otherwise (and on
// a malformed header with "plain" configured) the original stream is
// reconstructed and passed through untouched.
func (s *Service) DecryptStream(fieldID string, src io.Reader) (io.Reader, error) {
	peek := make([]byte, 4)
	n, _ := io.ReadFull(src, peek)
	combined := io.MultiReader(bytes.NewReader(peek[:n]), src)

	if !HasMagic(peek[:n]) {
		return combined, nil
	}

	// Record the header bytes so a parse failure can restore the stream.
	rec := &recordingReader{src: combined}
	h, _, err := ReadHeader(rec)
	if err != nil {
		if _, ok := s.byID["plain"]; ok {
			return io.MultiReader(bytes.NewReader(rec.recorded), combined), nil
		}
		return nil, err
	}
	provider, ok := s.byID[h.ProviderID]
	if !ok {
		return nil, fmt.Errorf("dataencryption: unknown provider %q in MSEH header", h.ProviderID)
	}
	// combined is positioned at the ciphertext now that rec consumed the header.
	return provider.DecryptStream(fieldID, combined, &encrypt.Header{
		Version:    h.Version,
		ProviderID: h.ProviderID,
		Nonce:      h.Nonce,
	})
}

// AttachmentSigningKeys returns the primary provider's HMAC keys for signing
// attachment download tokens. Nil when the provider cannot sign.
func (s *Service) AttachmentSigningKeys(ctx context.Context) ([][]byte, error) {
	return s.primary.AttachmentSigningKeys(ctx)
}

// recordingReader keeps a copy of every byte read so the stream can be
// replayed if MSEH header parsing fails partway through.
type recordingReader struct {
	src      io.Reader
	recorded []byte
}

func (r *recordingReader) Read(p []byte) (int, error) {
	n, err := r.src.Read(p)
	if n > 0 {
		r.recorded = append(r.recorded, p[:n]...)
	}
	return n, err
}
