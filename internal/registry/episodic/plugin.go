// Package episodic is the registry for namespaced episodic memory stores.
// Episodic memories are key-value items scoped by a namespace path, separate
// from the conversation/entry MemoryStore: conversations record what was
// said, episodic memories record what an agent chose to keep.
package episodic

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// PutMemoryRequest creates or replaces the memory at (namespace, key).
type PutMemoryRequest struct {
	// Namespace is the decoded namespace segments.
	Namespace []string `json:"namespace"`
	// Key uniquely identifies the memory within the namespace.
	Key string `json:"key"`
	// Value is the arbitrary JSON value to store (encrypted at rest).
	Value map[string]interface{} `json:"value"`
	// Attributes are caller-supplied metadata (encrypted at rest). The OPA
	// extraction policy sees them before they are sealed.
	Attributes map[string]interface{} `json:"attributes,omitempty"`
	// TTLSeconds is the optional time-to-live. 0 = no expiry.
	TTLSeconds int `json:"ttl_seconds,omitempty"`
	// IndexFields lists value field names to embed for semantic search.
	// nil = all string leaf fields.
	IndexFields []string `json:"index_fields,omitempty"`
	// IndexDisabled skips vector indexing for this memory.
	IndexDisabled bool `json:"index_disabled,omitempty"`
	// PolicyAttributes are the OPA-extracted plaintext attributes, filled in
	// by the route handler, never by callers.
	PolicyAttributes map[string]interface{} `json:"-"`
}

// MemoryItem is an active memory as returned by reads and search.
type MemoryItem struct {
	ID         uuid.UUID              `json:"id"`
	Namespace  []string               `json:"namespace"`
	Key        string                 `json:"key"`
	Value      map[string]interface{} `json:"value,omitempty"`
	Attributes map[string]interface{} `json:"attributes,omitempty"`
	Score      *float64               `json:"score,omitempty"` // nil outside vector search
	CreatedAt  time.Time              `json:"createdAt"`
	ExpiresAt  *time.Time             `json:"expiresAt"`
}

// MemoryWriteResult is returned by PutMemory. The value is not echoed back.
type MemoryWriteResult struct {
	ID         uuid.UUID              `json:"id"`
	Namespace  []string               `json:"namespace"`
	Key        string                 `json:"key"`
	Attributes map[string]interface{} `json:"attributes,omitempty"`
	CreatedAt  time.Time              `json:"createdAt"`
	ExpiresAt  *time.Time             `json:"expiresAt"`
}

// SearchRequest is the body of POST /v1/memories/search.
type SearchRequest struct {
	// NamespacePrefix restricts the search to namespaces under this prefix.
	NamespacePrefix []string `json:"namespace_prefix"`
	// Query enables vector similarity ranking when non-empty.
	Query string `json:"query,omitempty"`
	// Filter is a flat JSON attribute filter.
	Filter json.RawMessage `json:"filter,omitempty"`
	// Limit caps results (default 10, max 100).
	Limit int `json:"limit,omitempty"`
	// Offset paginates attribute-only searches.
	Offset int `json:"offset,omitempty"`
}

// ListNamespacesRequest is the input for GET /v1/memories/namespaces.
type ListNamespacesRequest struct {
	Prefix   []string
	Suffix   []string
	MaxDepth int
}

// MemoryVectorUpsert carries one embedding for a (memory, field) pair.
type MemoryVectorUpsert struct {
	MemoryID         uuid.UUID
	FieldName        string
	Namespace        string // RS-encoded
	PolicyAttributes map[string]interface{}
	Embedding        []float32
}

// MemoryVectorSearch is one ranked hit from a vector search.
type MemoryVectorSearch struct {
	MemoryID uuid.UUID
	Score    float64
}

// PendingMemory is a row awaiting the background indexer. Value arrives
// already decrypted; it is nil for soft-deleted rows, which the indexer
// handles by removing stale vectors.
type PendingMemory struct {
	ID               uuid.UUID
	Namespace        string // RS-encoded
	Value            []byte
	PolicyAttributes map[string]interface{}
	IndexFields      []string
	IndexDisabled    bool
	DeletedAt        *time.Time
}

// Event kinds for MemoryEvent.Kind.
const (
	EventKindAdd     = "add"
	EventKindUpdate  = "update"
	EventKindDelete  = "delete"
	EventKindExpired = "expired"
)

// EventCursor is the decoded form of the opaque AfterCursor page token.
type EventCursor struct {
	OccurredAt time.Time `json:"t"`
	ID         string    `json:"id"`
}

// ListEventsRequest is the input for GET /v1/memories/events.
type ListEventsRequest struct {
	// NamespacePrefix restricts the event stream to namespaces under this prefix.
	NamespacePrefix []string
	// Kinds filters by event kind. Empty = all kinds.
	Kinds []string
	// After keeps events with occurred_at strictly after this time.
	After *time.Time
	// Before keeps events with occurred_at strictly before this time.
	Before *time.Time
	// AfterCursor resumes from a previous page.
	AfterCursor string
	// Limit caps events per page (default 50, max 200).
	Limit int
}

// MemoryEvent is one lifecycle event in the memory timeline.
type MemoryEvent struct {
	ID         uuid.UUID
	Namespace  []string
	Key        string
	Kind       string
	OccurredAt time.Time              // created_at for add/update, deleted_at for delete/expired
	Value      map[string]interface{} // nil on tombstones
	Attributes map[string]interface{} // nil on tombstones
	ExpiresAt  *time.Time
}

// MemoryEventPage is one page from ListMemoryEvents.
type MemoryEventPage struct {
	Events      []MemoryEvent
	AfterCursor string // empty when no more pages
}

// EpisodicStore is the data access contract for namespaced episodic memories.
type EpisodicStore interface {
	// PutMemory upserts a memory, soft-deleting the previous active row.
	PutMemory(ctx context.Context, req PutMemoryRequest) (*MemoryWriteResult, error)

	// GetMemory returns the active memory for (namespace, key), or nil, nil.
	GetMemory(ctx context.Context, namespace []string, key string) (*MemoryItem, error)

	// DeleteMemory soft-deletes the active memory for (namespace, key).
	// Deleting a missing key is a no-op.
	DeleteMemory(ctx context.Context, namespace []string, key string) error

	// SearchMemories runs an attribute-only search within the namespace
	// prefix. filter nil means no filter.
	SearchMemories(ctx context.Context, namespacePrefix []string, filter map[string]interface{}, limit, offset int) ([]MemoryItem, error)

	// ListNamespaces returns the distinct active namespaces matching the
	// prefix/suffix constraints.
	ListNamespaces(ctx context.Context, req ListNamespacesRequest) ([][]string, error)

	// Background indexer support.

	// FindMemoriesPendingIndexing returns up to limit rows with indexed_at IS NULL.
	FindMemoriesPendingIndexing(ctx context.Context, limit int) ([]PendingMemory, error)

	// SetMemoryIndexedAt stamps a row as indexed.
	SetMemoryIndexedAt(ctx context.Context, memoryID uuid.UUID, indexedAt time.Time) error

	// Vector search support, used when SearchRequest.Query is non-empty.

	// UpsertMemoryVectors writes embeddings for (memory_id, field_name) pairs.
	UpsertMemoryVectors(ctx context.Context, items []MemoryVectorUpsert) error

	// DeleteMemoryVectors removes every vector row for memoryID.
	DeleteMemoryVectors(ctx context.Context, memoryID uuid.UUID) error

	// SearchMemoryVectors runs ANN search within the namespace prefix,
	// optionally filtered by policy attributes, returning ranked memory ids.
	SearchMemoryVectors(ctx context.Context, namespacePrefix string, embedding []float32, filter map[string]interface{}, limit int) ([]MemoryVectorSearch, error)

	// GetMemoriesByIDs hydrates active memories by id, decrypting values.
	GetMemoriesByIDs(ctx context.Context, ids []uuid.UUID) ([]MemoryItem, error)

	// TTL and retention.

	// ExpireMemories soft-deletes rows past expires_at and clears indexed_at
	// so the indexer drops their vectors.
	ExpireMemories(ctx context.Context) (int64, error)

	// HardDeleteEvictableUpdates removes superseded rows (deleted_reason =
	// updated) once re-indexed. Returns rows deleted.
	HardDeleteEvictableUpdates(ctx context.Context, limit int) (int64, error)

	// TombstoneDeletedMemories clears encrypted payloads from deleted/expired
	// rows once re-indexed, keeping the rows for the event feed.
	TombstoneDeletedMemories(ctx context.Context, limit int) (int64, error)

	// HardDeleteExpiredTombstones removes emptied tombstones older than
	// olderThan. Returns rows deleted.
	HardDeleteExpiredTombstones(ctx context.Context, olderThan time.Time, limit int) (int64, error)

	// Event timeline.

	// ListMemoryEvents pages through lifecycle events in time order.
	ListMemoryEvents(ctx context.Context, req ListEventsRequest) (*MemoryEventPage, error)

	// Admin.

	// AdminGetMemoryByID fetches any row, active or tombstoned.
	AdminGetMemoryByID(ctx context.Context, memoryID uuid.UUID) (*MemoryItem, error)

	// AdminForceDeleteMemory hard-deletes a row regardless of state.
	AdminForceDeleteMemory(ctx context.Context, memoryID uuid.UUID) error

	// AdminCountPendingIndexing counts rows with indexed_at IS NULL.
	AdminCountPendingIndexing(ctx context.Context) (int64, error)
}

// Loader creates an EpisodicStore; config and the encryption service arrive
// through the context.
type Loader func(ctx context.Context) (EpisodicStore, error)

// Plugin represents an episodic store plugin.
type Plugin struct {
	Name   string
	Loader Loader
}

var plugins []Plugin

// Register adds an episodic store plugin.
func Register(p Plugin) {
	plugins = append(plugins, p)
}

// Names returns all registered plugin names.
func Names() []string {
	names := make([]string, len(plugins))
	for i, p := range plugins {
		names[i] = p.Name
	}
	return names
}

// Select returns the loader for the named plugin.
func Select(name string) (Loader, error) {
	for _, p := range plugins {
		if p.Name == name {
			return p.Loader, nil
		}
	}
	return nil, fmt.Errorf("unknown episodic store %q; valid: %v", name, Names())
}
