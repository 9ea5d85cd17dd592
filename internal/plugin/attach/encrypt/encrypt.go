package encrypt

import (
	"bytes"
	"context"
	"crypto/sha256"
	"fmt"
	"io"
	"net/url"
	"time"

	"github.com/recallio/recall/internal/dataencryption"
	registryattach "github.com/recallio/recall/internal/registry/attach"
	registrystore "github.com/recallio/recall/internal/registry/store"
)

// Wrap layers MSEH AES-GCM encryption over an inner blob store.
func Wrap(inner registryattach.BlobStore, svc *dataencryption.Service) (registryattach.BlobStore, error) {
	return &EncryptStore{inner: inner, svc: svc}, nil
}

// EncryptStore encrypts blobs with MSEH on write and decrypts on read.
type EncryptStore struct {
	inner registryattach.BlobStore
	svc   *dataencryption.Service
}

var _ registryattach.BlobStore = (*EncryptStore)(nil)

// Store buffers the full plaintext (required for AES-GCM), computes SHA-256
// and size on the plaintext, encrypts with MSEH, then writes to the inner
// store.
func (s *EncryptStore) Store(ctx context.Context, data io.Reader, maxSize int64, contentType string) (*registryattach.StoredFile, error) {
	limited := io.LimitReader(data, maxSize+1)
	hasher := sha256.New()

	// Read all plaintext so we can compute hash and encrypt in one pass.
	var plainBuf bytes.Buffer
	n, err := io.Copy(io.MultiWriter(&plainBuf, hasher), limited)
	if err != nil {
		return nil, err
	}
	if n > maxSize {
		return nil, &registrystore.PayloadTooLargeError{Message: fmt.Sprintf("file exceeds maximum size of %d bytes", maxSize)}
	}

	// EncryptStream writes the MSEH header immediately; Close() seals and
	// flushes the GCM ciphertext + tag.
	var encBuf bytes.Buffer
	enc, err := s.svc.EncryptStream(dataencryption.FieldAttachmentBlob, &encBuf)
	if err != nil {
		return nil, err
	}
	if _, err := enc.Write(plainBuf.Bytes()); err != nil {
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}

	encSize := int64(encBuf.Len())
	result, err := s.inner.Store(ctx, &encBuf, encSize, contentType)
	if err != nil {
		return nil, err
	}
	// Callers receive the logical (plaintext) size and SHA-256.
	result.Size = n
	result.SHA256 = fmt.Sprintf("%x", hasher.Sum(nil))
	return result, nil
}

// Retrieve decrypts an MSEH-wrapped blob.
func (s *EncryptStore) Retrieve(ctx context.Context, storageKey string) (io.ReadCloser, error) {
	rc, err := s.inner.Retrieve(ctx, storageKey)
	if err != nil {
		return nil, err
	}

	reader, err := s.svc.DecryptStream(dataencryption.FieldAttachmentBlob, rc)
	if err != nil {
		_ = rc.Close()
		return nil, err
	}
	return &readCloser{Reader: reader, close: rc.Close}, nil
}

func (s *EncryptStore) Delete(ctx context.Context, storageKey string) error {
	return s.inner.Delete(ctx, storageKey)
}

// GetSignedURL returns nil so downloads proxy through Retrieve. A direct URL
// to the inner store would serve ciphertext.
func (s *EncryptStore) GetSignedURL(ctx context.Context, storageKey string, expiry time.Duration) (*url.URL, error) {
	return nil, nil
}

type readCloser struct {
	io.Reader
	close func() error
}

func (r *readCloser) Close() error { return r.close() }
