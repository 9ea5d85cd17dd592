package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Channel represents the type of entry channel.
type Channel string

const (
	ChannelHistory Channel = "history"
	ChannelMemory  Channel = "memory"
	ChannelAgent   Channel = "agent"
)

// AccessLevel represents the level of access a user has to a conversation group.
type AccessLevel string

const (
	AccessLevelOwner   AccessLevel = "owner"
	AccessLevelManager AccessLevel = "manager"
	AccessLevelWriter  AccessLevel = "writer"
	AccessLevelReader  AccessLevel = "reader"
)

// IsAtLeast returns true if the access level is at least the given level.
func (a AccessLevel) IsAtLeast(level AccessLevel) bool {
	return accessRank(a) >= accessRank(level)
}

func accessRank(level AccessLevel) int {
	switch level {
	case AccessLevelOwner:
		return 4
	case AccessLevelManager:
		return 3
	case AccessLevelWriter:
		return 2
	case AccessLevelReader:
		return 1
	default:
		return 0
	}
}

// ConversationListMode controls which conversations from each fork tree are returned.
type ConversationListMode string

const (
	ListModeAll        ConversationListMode = "all"
	ListModeRoots      ConversationListMode = "roots"
	ListModeLatestFork ConversationListMode = "latest-fork"
)

// ForkMode controls which conversations of a fork tree contribute to an entry listing.
type ForkMode string

const (
	ForkModeNone   ForkMode = "none"
	ForkModeAll    ForkMode = "all"
	ForkModeLatest ForkMode = "latest"
)

// ConversationGroup is the root of a fork tree. It is the unit of ownership,
// membership, soft-delete and eviction; every conversation belongs to exactly
// one group.
type ConversationGroup struct {
	ID          uuid.UUID  `json:"id"                  gorm:"primaryKey;type:uuid"`
	OwnerUserID string     `json:"ownerUserId"         gorm:"not null"`
	Title       []byte     `json:"-"                   gorm:"type:bytea"` // encrypted, nil until derived or set
	CreatedAt   time.Time  `json:"createdAt"           gorm:"not null;default:now()"`
	DeletedAt   *time.Time `json:"deletedAt,omitempty"`
}

func (ConversationGroup) TableName() string { return "conversation_groups" }

// Conversation represents a single conversation within a group. A non-nil
// fork pointer means this conversation inherits its parent's entries strictly
// before ForkedAtEntryID.
type Conversation struct {
	ID                     uuid.UUID              `json:"id"                               gorm:"primaryKey;type:uuid"`
	ConversationGroupID    uuid.UUID              `json:"-"                                gorm:"not null;type:uuid"`
	ConversationGroup      *ConversationGroup     `json:"-"                                gorm:"foreignKey:ConversationGroupID"`
	Metadata               map[string]interface{} `json:"metadata"                         gorm:"type:jsonb;serializer:json;not null;default:'{}'"`
	ForkedAtConversationID *uuid.UUID             `json:"forkedAtConversationId,omitempty" gorm:"type:uuid"`
	ForkedAtEntryID        *uuid.UUID             `json:"forkedAtEntryId,omitempty"        gorm:"type:uuid"`
	CreatedAt              time.Time              `json:"createdAt"                        gorm:"not null;default:now()"`
	UpdatedAt              time.Time              `json:"updatedAt"                        gorm:"not null;default:now()"`
	DeletedAt              *time.Time             `json:"deletedAt,omitempty"`
}

func (Conversation) TableName() string { return "conversations" }

// ConversationMembership tracks per-user access to a conversation group.
// Exactly one membership per group carries AccessLevelOwner.
type ConversationMembership struct {
	ConversationGroupID uuid.UUID   `json:"-"           gorm:"primaryKey;type:uuid"`
	UserID              string      `json:"userId"      gorm:"primaryKey"`
	AccessLevel         AccessLevel `json:"accessLevel" gorm:"not null"`
	CreatedAt           time.Time   `json:"createdAt"   gorm:"not null;default:now()"`
}

func (ConversationMembership) TableName() string { return "conversation_memberships" }

// Entry represents a message or memory entry in a conversation. Entries are
// immutable once written; they disappear only when their group is hard-deleted.
type Entry struct {
	ID                  uuid.UUID  `json:"id"                       gorm:"primaryKey;type:uuid"`
	ConversationID      uuid.UUID  `json:"conversationId"           gorm:"not null;type:uuid"`
	ConversationGroupID uuid.UUID  `json:"-"                        gorm:"primaryKey;type:uuid"`
	UserID              *string    `json:"userId,omitempty"`
	ClientID            *string    `json:"clientId,omitempty"`
	Channel             Channel    `json:"channel"                  gorm:"not null"`
	Epoch               *int64     `json:"epoch,omitempty"`
	ContentType         string     `json:"contentType"              gorm:"not null"`
	Content             []byte     `json:"-"                        gorm:"type:bytea;not null"` // encrypted
	IndexedContent      *string    `json:"indexedContent,omitempty"`
	IndexedAt           *time.Time `json:"indexedAt,omitempty"`
	ForkStep            bool       `json:"forkStep,omitempty"       gorm:"-"` // synthetic join-point marker, never persisted
	CreatedAt           time.Time  `json:"createdAt"                gorm:"not null;default:now()"`
}

func (Entry) TableName() string { return "entries" }

// MarshalJSON serializes Entry to JSON, including the decrypted content as a raw JSON value.
// Content is stored as []byte with json:"-" to prevent GORM from leaking encrypted bytes,
// but API responses need to include the decrypted content.
func (e Entry) MarshalJSON() ([]byte, error) {
	type Alias Entry // avoid recursion
	aux := struct {
		Alias
		Content json.RawMessage `json:"content"`
	}{
		Alias: Alias(e),
	}
	if len(e.Content) > 0 {
		// Content is already a JSON value (array/object), use as-is
		if json.Valid(e.Content) {
			aux.Content = e.Content
		} else {
			// Fallback: treat as a plain string
			aux.Content, _ = json.Marshal(string(e.Content))
		}
	}
	return json.Marshal(aux)
}

// UnmarshalJSON restores Entry from JSON including the decrypted content field.
// This keeps cache round-trips lossless for model.Entry values.
func (e *Entry) UnmarshalJSON(data []byte) error {
	type Alias Entry
	aux := struct {
		Alias
		Content json.RawMessage `json:"content"`
	}{}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}

	*e = Entry(aux.Alias)
	if len(aux.Content) == 0 || string(aux.Content) == "null" {
		e.Content = nil
		return nil
	}

	// If content was encoded as a JSON string fallback, unquote it back to raw bytes.
	if len(aux.Content) > 0 && aux.Content[0] == '"' {
		var s string
		if err := json.Unmarshal(aux.Content, &s); err == nil {
			e.Content = []byte(s)
			return nil
		}
	}

	e.Content = append([]byte(nil), aux.Content...)
	return nil
}

// TransferStatus is the state of an ownership transfer.
type TransferStatus string

const (
	TransferPending   TransferStatus = "pending"
	TransferAccepted  TransferStatus = "accepted"
	TransferCancelled TransferStatus = "cancelled"
	TransferExpired   TransferStatus = "expired"
)

// OwnershipTransfer represents a conversation-group ownership transfer. At
// most one transfer per group may be pending at a time.
type OwnershipTransfer struct {
	ID                  uuid.UUID      `json:"id"                    gorm:"primaryKey;type:uuid"`
	ConversationGroupID uuid.UUID      `json:"-"                     gorm:"not null;type:uuid"`
	FromUserID          string         `json:"fromUserId"            gorm:"not null"`
	ToUserID            string         `json:"toUserId"              gorm:"not null"`
	Status              TransferStatus `json:"status"                gorm:"not null;default:'pending'"`
	CreatedAt           time.Time      `json:"createdAt"             gorm:"not null;default:now()"`
	RespondedAt         *time.Time     `json:"respondedAt,omitempty"`
}

func (OwnershipTransfer) TableName() string { return "conversation_ownership_transfers" }

// TaskStatus is the state of a queued background task.
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskProcessing TaskStatus = "processing"
	// TaskFailed marks a task a handler declared permanently dead. Retryable
	// failures re-arm the task as pending instead.
	TaskFailed TaskStatus = "failed"
)

// Task represents a background task in the task queue. A non-nil Name makes
// enqueueing idempotent: at most one non-terminal task may carry a given name.
type Task struct {
	ID           uuid.UUID              `json:"id"                     gorm:"primaryKey;type:uuid"`
	Name         *string                `json:"name,omitempty"`
	Type         string                 `json:"type"                   gorm:"not null"`
	Body         map[string]interface{} `json:"body"                   gorm:"type:jsonb;serializer:json;not null"`
	Status       TaskStatus             `json:"status"                 gorm:"not null;default:'pending'"`
	AvailableAt  time.Time              `json:"availableAt"            gorm:"not null;default:now()"`
	ProcessingAt *time.Time             `json:"processingAt,omitempty"`
	Attempts     int                    `json:"attempts"               gorm:"not null;default:0"`
	LastError    *string                `json:"lastError,omitempty"`
	CreatedAt    time.Time              `json:"createdAt"              gorm:"not null;default:now()"`
}

func (Task) TableName() string { return "tasks" }

// Attachment represents file attachment metadata.
type Attachment struct {
	ID          uuid.UUID  `json:"id"                   gorm:"primaryKey;type:uuid"`
	StorageKey  *string    `json:"storageKey,omitempty"`
	Filename    *string    `json:"filename,omitempty"`
	ContentType string     `json:"contentType"          gorm:"not null"`
	Size        *int64     `json:"size,omitempty"`
	SHA256      *string    `json:"sha256,omitempty"`
	UserID      string     `json:"userId"               gorm:"not null"`
	EntryID     *uuid.UUID `json:"entryId,omitempty"    gorm:"type:uuid"`
	Status      string     `json:"status"               gorm:"not null;default:'ready'"`
	SourceURL   *string    `json:"sourceUrl,omitempty"`
	ExpiresAt   *time.Time `json:"expiresAt,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"            gorm:"not null;default:now()"`
	DeletedAt   *time.Time `json:"deletedAt,omitempty"`
}

func (Attachment) TableName() string { return "attachments" }
