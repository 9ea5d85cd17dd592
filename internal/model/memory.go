package model

import (
	"time"

	"github.com/google/uuid"
)

// Reasons a memory row left the active set. Stored on tombstones so the event
// feed can distinguish overwrites from deletes from TTL expiry.
const (
	MemoryDeletedReasonUpdated int16 = 0
	MemoryDeletedReasonDeleted int16 = 1
	MemoryDeletedReasonExpired int16 = 2
)

// Kinds of memory writes.
const (
	MemoryKindAdd    int16 = 0
	MemoryKindUpdate int16 = 1
)

// Memory is one write event of a namespaced episodic memory item. The active
// value of a (namespace, key) pair is the single row with a NULL DeletedAt;
// superseded rows stay behind as tombstones until the retention sweep removes
// them. Value and Attributes are encrypted at rest; PolicyAttributes stay
// plaintext because the policy engine filters on them server-side and they are
// never returned to clients.
type Memory struct {
	ID uuid.UUID `json:"id" gorm:"primaryKey;type:uuid;default:gen_random_uuid()"`

	// Namespace holds the RS-encoded segment path (see episodic.EncodeNamespace).
	// API callers only ever see the decoded []string form.
	Namespace string `json:"-"   gorm:"not null"`
	Key       string `json:"key" gorm:"not null"`

	ValueEncrypted []byte `json:"-" gorm:"column:value_encrypted"` // nil on tombstones after eviction
	Attributes     []byte `json:"-" gorm:"column:attributes"`

	PolicyAttributes map[string]interface{} `json:"-" gorm:"type:jsonb;serializer:json;column:policy_attributes"`

	// IndexFields restricts which string fields of the value are embedded;
	// empty means every string leaf. IndexDisabled opts the row out entirely.
	IndexFields   []string `json:"-" gorm:"type:jsonb;serializer:json;column:index_fields"`
	IndexDisabled bool     `json:"-" gorm:"column:index_disabled"`

	Kind int16 `json:"-" gorm:"not null;default:0;column:kind"`

	CreatedAt time.Time  `json:"createdAt"           gorm:"not null;default:now()"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty" gorm:"column:expires_at"`

	DeletedAt     *time.Time `json:"-" gorm:"column:deleted_at"`
	DeletedReason *int16     `json:"-" gorm:"column:deleted_reason"`

	// IndexedAt is nil while the row waits for the vector indexer.
	IndexedAt *time.Time `json:"-" gorm:"column:indexed_at"`
}

func (Memory) TableName() string { return "memories" }

// MemoryVector is the embedding bookkeeping row for one (memory, field) pair.
// Namespace and PolicyAttributes are denormalized copies so vector queries can
// filter without joining back to memories.
type MemoryVector struct {
	MemoryID  uuid.UUID `gorm:"not null;primaryKey;column:memory_id"`
	FieldName string    `gorm:"not null;primaryKey;column:field_name"`

	Namespace        string                 `gorm:"not null;column:namespace"`
	PolicyAttributes map[string]interface{} `gorm:"type:jsonb;serializer:json;column:policy_attributes"`
}

func (MemoryVector) TableName() string { return "memory_vectors" }
