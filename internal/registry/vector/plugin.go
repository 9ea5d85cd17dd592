package vector

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// Match is a single semantic search hit. Scores are backend-relative and only
// comparable within one result set.
type Match struct {
	EntryID        uuid.UUID `json:"entryId"`
	ConversationID uuid.UUID `json:"conversationId"`
	Score          float64   `json:"score"`
}

// Upsert carries one entry's embedding for indexing. ConversationGroupID keys
// bulk deletion when a group is evicted.
type Upsert struct {
	ConversationGroupID uuid.UUID
	ConversationID      uuid.UUID
	EntryID             uuid.UUID
	Embedding           []float32
	ModelName           string
}

// Store is the contract vector search backends implement.
type Store interface {
	// Search returns the nearest entries among the given conversation groups.
	Search(ctx context.Context, embedding []float32, conversationGroupIDs []uuid.UUID, limit int) ([]Match, error)
	// Upsert stores or replaces embeddings for a batch of entries.
	Upsert(ctx context.Context, entries []Upsert) error
	// DeleteGroup removes every embedding belonging to a conversation group.
	DeleteGroup(ctx context.Context, conversationGroupID uuid.UUID) error
	// IsEnabled reports whether the backend is configured and reachable.
	IsEnabled() bool
	Name() string
}

// Loader creates a Store from config.
type Loader func(ctx context.Context) (Store, error)

// Plugin represents a vector store plugin.
type Plugin struct {
	Name   string
	Loader Loader
}

var plugins []Plugin

// Register adds a vector store plugin.
func Register(p Plugin) {
	plugins = append(plugins, p)
}

// Names returns all registered vector store plugin names.
func Names() []string {
	names := make([]string, len(plugins))
	for i, p := range plugins {
		names[i] = p.Name
	}
	return names
}

// Select returns the loader for the named vector store plugin.
func Select(name string) (Loader, error) {
	for _, p := range plugins {
		if p.Name == name {
			return p.Loader, nil
		}
	}
	return nil, fmt.Errorf("unknown vector store %q; valid: %v", name, Names())
}
