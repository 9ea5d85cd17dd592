// Package dek registers the "dek" AES-256-GCM encryption provider, which
// holds its data keys directly in config. The Provider type is shared with
// the KEK-backed providers (vault, kms), which differ only in where their
// keys come from.
package dek

import (
	"bytes"
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hkdf"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"github.com/recallio/recall/internal/config"
	"github.com/recallio/recall/internal/dataencryption"
	"github.com/recallio/recall/internal/registry/encrypt"
)

func init() {
	encrypt.Register(encrypt.Plugin{
		Name: "dek",
		Loader: func(_ context.Context, cfg *config.Config) (encrypt.Provider, error) {
			// EncryptionKey is CSV: the first entry encrypts, the rest are
			// decrypt-only rotation keys.
			keys, err := config.DecodeEncryptionKeysCSV(cfg.EncryptionKey)
			if err != nil {
				return nil, fmt.Errorf("dek provider: %w", err)
			}
			if len(keys) == 0 {
				return nil, fmt.Errorf("dek provider: RECALL_ENCRYPTION_KEY is required")
			}
			return New("dek", StaticKeys(keys)), nil
		},
	})
}

// KeySource supplies the AES data keys a Provider seals and opens with.
type KeySource interface {
	// Keys returns the current key list: index 0 encrypts, every entry may
	// decrypt.
	Keys(ctx context.Context) ([][]byte, error)
	// Refresh re-reads the backing source after a decrypt failed with every
	// cached key. Returns false when the source is static and a retry is
	// pointless.
	Refresh(ctx context.Context) (bool, error)
}

type staticKeys [][]byte

// StaticKeys is a KeySource over a fixed key list.
func StaticKeys(keys [][]byte) KeySource { return staticKeys(keys) }

func (s staticKeys) Keys(context.Context) ([][]byte, error) { return s, nil }
func (s staticKeys) Refresh(context.Context) (bool, error)  { return false, nil }

// Provider implements encrypt.Provider over a KeySource using AES-256-GCM
// with the field id as additional data.
type Provider struct {
	id     string
	source KeySource
}

// New builds a Provider writing id into its MSEH headers.
func New(id string, source KeySource) *Provider {
	return &Provider{id: id, source: source}
}

func (p *Provider) ID() string { return p.id }

func (p *Provider) Encrypt(fieldID string, plaintext []byte) ([]byte, error) {
	key, err := p.primaryKey(context.Background())
	if err != nil {
		return nil, err
	}
	iv, ciphertext, err := gcmSeal(key, plaintext, []byte(fieldID))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", p.id, err)
	}
	var buf bytes.Buffer
	if err := p.writeHeader(&buf, iv); err != nil {
		return nil, err
	}
	buf.Write(ciphertext)
	return buf.Bytes(), nil
}

func (p *Provider) Decrypt(fieldID string, ciphertext []byte) ([]byte, error) {
	if !dataencryption.HasMagic(ciphertext) {
		return nil, fmt.Errorf("%s: expected MSEH envelope", p.id)
	}
	r := bytes.NewReader(ciphertext)
	h, _, err := dataencryption.ReadHeader(r)
	if err != nil {
		return nil, err
	}
	payload := make([]byte, r.Len())
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("%s: reading ciphertext payload: %w", p.id, err)
	}
	return p.open(h.Nonce, payload, []byte(fieldID))
}

// EncryptStream writes the MSEH header immediately (the nonce is
// pre-generated), then returns a WriteCloser that buffers plaintext and seals
// it on Close. GCM cannot emit ciphertext before it has the whole payload.
func (p *Provider) EncryptStream(fieldID string, dst io.Writer) (io.WriteCloser, error) {
	key, err := p.primaryKey(context.Background())
	if err != nil {
		return nil, err
	}
	iv, err := randomNonce()
	if err != nil {
		return nil, err
	}
	if err := p.writeHeader(dst, iv); err != nil {
		return nil, err
	}
	return &gcmEncryptWriter{dst: dst, key: key, iv: iv, ad: []byte(fieldID)}, nil
}

// DecryptStream reads ciphertext from src, positioned after the MSEH header
// already parsed into header.
func (p *Provider) DecryptStream(fieldID string, src io.Reader, header *encrypt.Header) (io.Reader, error) {
	if header == nil {
		return nil, fmt.Errorf("%s: DecryptStream requires a parsed MSEH header", p.id)
	}
	data, err := io.ReadAll(src)
	if err != nil {
		return nil, fmt.Errorf("%s: reading ciphertext stream: %w", p.id, err)
	}
	plain, err := p.open(header.Nonce, data, []byte(fieldID))
	if err != nil {
		return nil, err
	}
	return bytes.NewReader(plain), nil
}

// AttachmentSigningKeys derives one HKDF-SHA256 signing key per data key,
// primary first, for attachment download token HMACs.
func (p *Provider) AttachmentSigningKeys(ctx context.Context) ([][]byte, error) {
	keys, err := p.source.Keys(ctx)
	if err != nil {
		return nil, err
	}
	result := make([][]byte, 0, len(keys))
	for _, k := range keys {
		derived, err := hkdf.Key(sha256.New, k, nil, "attachment-download-tokens", 32)
		if err != nil {
			return nil, fmt.Errorf("%s: HKDF signing key derivation: %w", p.id, err)
		}
		result = append(result, derived)
	}
	return result, nil
}

func (p *Provider) writeHeader(w io.Writer, iv []byte) error {
	return dataencryption.WriteHeader(w, dataencryption.Header{
		Version:    dataencryption.HeaderVersion,
		ProviderID: p.id,
		Nonce:      iv,
	})
}

func (p *Provider) primaryKey(ctx context.Context) ([]byte, error) {
	keys, err := p.source.Keys(ctx)
	if err != nil {
		return nil, err
	}
	if len(keys) == 0 {
		return nil, fmt.Errorf("%s: no data keys available", p.id)
	}
	return keys[0], nil
}

// open tries every current key in order. If all fail, the source is refreshed
// once (a rotated primary may not be cached yet) and the key list retried.
func (p *Provider) open(iv, payload, ad []byte) ([]byte, error) {
	ctx := context.Background()
	keys, err := p.source.Keys(ctx)
	if err != nil {
		return nil, err
	}
	plain, firstErr := tryKeys(keys, iv, payload, ad)
	if firstErr == nil {
		return plain, nil
	}

	refreshed, err := p.source.Refresh(ctx)
	if err != nil {
		return nil, fmt.Errorf("%s: decryption failed and key refresh also failed: %w", p.id, err)
	}
	if !refreshed {
		return nil, fmt.Errorf("%s: decryption failed with all keys: %w", p.id, firstErr)
	}
	keys, err = p.source.Keys(ctx)
	if err != nil {
		return nil, err
	}
	plain, err = tryKeys(keys, iv, payload, ad)
	if err != nil {
		return nil, fmt.Errorf("%s: decryption failed with all keys (after refresh): %w", p.id, err)
	}
	return plain, nil
}

func tryKeys(keys [][]byte, iv, payload, ad []byte) ([]byte, error) {
	var lastErr error
	for _, key := range keys {
		gcm, err := newGCM(key)
		if err != nil {
			lastErr = err
			continue
		}
		plain, err := gcm.Open(nil, iv, payload, ad)
		if err == nil {
			return plain, nil
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no keys available")
	}
	return nil, lastErr
}

func randomNonce() ([]byte, error) {
	iv := make([]byte, 12)
	if _, err := rand.Read(iv); err != nil {
		return nil, fmt.Errorf("generating nonce: %w", err)
	}
	return iv, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("AES cipher: %w", err)
	}
	return cipher.NewGCM(block)
}

func gcmSeal(key, plaintext, ad []byte) (iv, ciphertext []byte, err error) {
	iv, err = randomNonce()
	if err != nil {
		return nil, nil, err
	}
	gcm, err := newGCM(key)
	if err != nil {
		return nil, nil, err
	}
	return iv, gcm.Seal(nil, iv, plaintext, ad), nil
}

// gcmEncryptWriter buffers plaintext and seals it with AES-GCM on Close. The
// MSEH header has already been written to dst.
type gcmEncryptWriter struct {
	dst  io.Writer
	key  []byte
	iv   []byte
	ad   []byte
	buf  bytes.Buffer
	done bool
}

func (w *gcmEncryptWriter) Write(p []byte) (int, error) {
	return w.buf.Write(p)
}

func (w *gcmEncryptWriter) Close() error {
	if w.done {
		return nil
	}
	w.done = true
	gcm, err := newGCM(w.key)
	if err != nil {
		return err
	}
	ciphertext := gcm.Seal(nil, w.iv, w.buf.Bytes(), w.ad)
	_, err = w.dst.Write(ciphertext)
	return err
}
