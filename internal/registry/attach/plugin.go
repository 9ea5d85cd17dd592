// Package attach is the registry for attachment blob backends. Backends hold
// only opaque bytes keyed by storage key; all metadata (filename, linkage,
// access) lives in the memory store.
package attach

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"time"
)

// StoredFile describes a blob after a successful Store.
type StoredFile struct {
	StorageKey string
	Size       int64
	SHA256     string
}

// BlobStore stores and retrieves attachment payloads.
type BlobStore interface {
	// Store streams data into the backend, enforcing maxSize. It returns the
	// generated storage key plus the observed size and SHA-256 digest.
	Store(ctx context.Context, data io.Reader, maxSize int64, contentType string) (*StoredFile, error)
	// Retrieve opens the blob for reading. The caller closes it.
	Retrieve(ctx context.Context, storageKey string) (io.ReadCloser, error)
	// Delete removes the blob. Deleting a missing key is not an error.
	Delete(ctx context.Context, storageKey string) error
	// GetSignedURL returns a pre-signed download URL valid for expiry, or nil
	// if the backend cannot sign (the route then proxies the bytes itself).
	GetSignedURL(ctx context.Context, storageKey string, expiry time.Duration) (*url.URL, error)
}

// Loader creates a BlobStore from config.
type Loader func(ctx context.Context) (BlobStore, error)

// Plugin represents an attachment store plugin.
type Plugin struct {
	Name   string
	Loader Loader
}

var plugins []Plugin

// Register adds an attachment store plugin.
func Register(p Plugin) {
	plugins = append(plugins, p)
}

// Names returns all registered attachment store plugin names.
func Names() []string {
	names := make([]string, len(plugins))
	for i, p := range plugins {
		names[i] = p.Name
	}
	return names
}

// Select returns the loader for the named attachment store plugin.
func Select(name string) (Loader, error) {
	for _, p := range plugins {
		if p.Name == name {
			return p.Loader, nil
		}
	}
	return nil, fmt.Errorf("unknown attachment store %q; valid: %v", name, Names())
}
