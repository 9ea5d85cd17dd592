// Package embed is the registry for text embedding providers used by semantic
// search indexing.
package embed

import (
	"context"
	"fmt"
)

// Embedder turns indexed content into vectors. IsEnabled on the vector side
// gates whether an Embedder is consulted at all; a loader may still return a
// disabled embedder that errors on use.
type Embedder interface {
	// EmbedTexts embeds each text, preserving order. Implementations batch as
	// their backend allows.
	EmbedTexts(ctx context.Context, texts []string) ([][]float32, error)
	// ModelName identifies the embedding model, recorded alongside vectors so
	// stale vectors can be detected after a model change.
	ModelName() string
	// Dimension is the vector width EmbedTexts produces.
	Dimension() int
}

// Loader creates an Embedder from config.
type Loader func(ctx context.Context) (Embedder, error)

// Plugin represents an embedder plugin.
type Plugin struct {
	Name   string
	Loader Loader
}

var plugins []Plugin

// Register adds an embedder plugin.
func Register(p Plugin) {
	plugins = append(plugins, p)
}

// Names returns all registered embedder plugin names.
func Names() []string {
	names := make([]string, len(plugins))
	for i, p := range plugins {
		names[i] = p.Name
	}
	return names
}

// Select returns the loader for the named embedder plugin.
func Select(name string) (Loader, error) {
	for _, p := range plugins {
		if p.Name == name {
			return p.Loader, nil
		}
	}
	return nil, fmt.Errorf("unknown embedder %q; valid: %v", name, Names())
}
