package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/recallio/recall/internal/model"
	registrystore "github.com/recallio/recall/internal/registry/store"
)

// --- Attachments ---

// requireEntryAccess resolves the group owning entryID and checks the
// caller's membership against minLevel. Callers with no membership get the
// entry-scoped NotFoundError so probing cannot confirm the entry exists.
func (s *PostgresStore) requireEntryAccess(ctx context.Context, userID string, entryID uuid.UUID, minLevel model.AccessLevel) (uuid.UUID, error) {
	groupID, err := s.GetEntryGroupID(ctx, entryID)
	if err != nil {
		return uuid.Nil, err
	}
	var m model.ConversationMembership
	result := s.db.WithContext(ctx).
		Where("conversation_group_id = ? AND user_id = ?", groupID, userID).
		Limit(1).
		Find(&m)
	if result.Error != nil {
		return uuid.Nil, fmt.Errorf("failed to check access: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return uuid.Nil, &NotFoundError{Resource: "entry", ID: entryID.String()}
	}
	if !m.AccessLevel.IsAtLeast(minLevel) {
		return uuid.Nil, &ForbiddenError{}
	}
	return groupID, nil
}

// CreateAttachment records upload metadata. A request arriving already linked
// to an entry needs writer access to that entry's group; unlinked attachments
// stay private to the uploader until linked.
func (s *PostgresStore) CreateAttachment(ctx context.Context, userID string, attachment model.Attachment) (*model.Attachment, error) {
	if attachment.EntryID != nil {
		if _, err := s.requireEntryAccess(ctx, userID, *attachment.EntryID, model.AccessLevelWriter); err != nil {
			return nil, err
		}
	}
	attachment.ID = uuid.New()
	attachment.UserID = userID
	if strings.TrimSpace(attachment.Status) == "" {
		attachment.Status = "ready"
	}
	attachment.CreatedAt = time.Now()
	if err := s.db.WithContext(ctx).Create(&attachment).Error; err != nil {
		return nil, fmt.Errorf("failed to create attachment: %w", err)
	}
	return &attachment, nil
}

func (s *PostgresStore) UpdateAttachment(ctx context.Context, userID string, attachmentID uuid.UUID, update registrystore.AttachmentUpdate) (*model.Attachment, error) {
	var attachment model.Attachment
	result := s.db.WithContext(ctx).Where("id = ? AND deleted_at IS NULL", attachmentID).Limit(1).Find(&attachment)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to load attachment: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return nil, &NotFoundError{Resource: "attachment", ID: attachmentID.String()}
	}
	if attachment.UserID != userID {
		return nil, &ForbiddenError{}
	}
	// Linking is the only mutation that widens visibility; it needs writer
	// access on the target entry's group.
	if update.EntryID != nil {
		if _, err := s.requireEntryAccess(ctx, userID, *update.EntryID, model.AccessLevelWriter); err != nil {
			return nil, err
		}
	}

	values := map[string]interface{}{}
	if update.StorageKey != nil {
		values["storage_key"] = *update.StorageKey
	}
	if update.Filename != nil {
		values["filename"] = *update.Filename
	}
	if update.ContentType != nil {
		values["content_type"] = *update.ContentType
	}
	if update.Size != nil {
		values["size"] = *update.Size
	}
	if update.SHA256 != nil {
		values["sha256"] = *update.SHA256
	}
	if update.Status != nil {
		values["status"] = *update.Status
	}
	if update.SourceURL != nil {
		values["source_url"] = *update.SourceURL
	}
	if update.ExpiresAt != nil {
		values["expires_at"] = *update.ExpiresAt
	}
	if update.EntryID != nil {
		values["entry_id"] = *update.EntryID
	}

	if len(values) > 0 {
		if err := s.db.WithContext(ctx).Model(&model.Attachment{}).Where("id = ?", attachmentID).Updates(values).Error; err != nil {
			return nil, fmt.Errorf("failed to update attachment: %w", err)
		}
	}

	result = s.db.WithContext(ctx).Where("id = ?", attachmentID).Limit(1).Find(&attachment)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to reload attachment: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return nil, &NotFoundError{Resource: "attachment", ID: attachmentID.String()}
	}
	return &attachment, nil
}

// ListAttachments returns the caller's own uploads, linked or not.
func (s *PostgresStore) ListAttachments(ctx context.Context, userID string, afterCursor *string, limit int) ([]model.Attachment, *string, error) {
	tx := s.db.WithContext(ctx).
		Where("user_id = ? AND deleted_at IS NULL", userID).
		Order("created_at ASC, id ASC")
	if afterCursor != nil {
		tx = tx.Where("(created_at, id) > (SELECT created_at, id FROM attachments WHERE id = ?)", *afterCursor)
	}
	tx = tx.Limit(limit + 1)

	var attachments []model.Attachment
	if err := tx.Find(&attachments).Error; err != nil {
		return nil, nil, fmt.Errorf("failed to list attachments: %w", err)
	}

	hasMore := len(attachments) > limit
	if hasMore {
		attachments = attachments[:limit]
	}
	var cursor *string
	if hasMore && len(attachments) > 0 {
		c := attachments[len(attachments)-1].ID.String()
		cursor = &c
	}
	return attachments, cursor, nil
}

// GetAttachment returns an attachment the caller may see: their own uploads,
// or attachments linked to an entry of a group they belong to.
func (s *PostgresStore) GetAttachment(ctx context.Context, userID string, attachmentID uuid.UUID) (*model.Attachment, error) {
	var attachment model.Attachment
	result := s.db.WithContext(ctx).Where("id = ? AND deleted_at IS NULL", attachmentID).Limit(1).Find(&attachment)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to load attachment: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return nil, &NotFoundError{Resource: "attachment", ID: attachmentID.String()}
	}

	if attachment.UserID == userID {
		return &attachment, nil
	}
	if attachment.EntryID == nil {
		// Unlinked uploads are invisible to everyone but the uploader.
		return nil, &NotFoundError{Resource: "attachment", ID: attachmentID.String()}
	}

	if _, err := s.requireEntryAccess(ctx, userID, *attachment.EntryID, model.AccessLevelReader); err != nil {
		var notFound *NotFoundError
		if errors.As(err, &notFound) {
			// Entry gone (group evicted) or caller not a member; either way
			// the attachment stays hidden.
			return nil, &NotFoundError{Resource: "attachment", ID: attachmentID.String()}
		}
		return nil, err
	}
	return &attachment, nil
}

func (s *PostgresStore) DeleteAttachment(ctx context.Context, userID string, attachmentID uuid.UUID) error {
	attachment, err := s.GetAttachment(ctx, userID, attachmentID)
	if err != nil {
		return err
	}
	// Only the uploader may delete, and only before linking: linked
	// attachments are part of a conversation's record.
	if attachment.UserID != userID {
		return &ForbiddenError{}
	}
	if attachment.EntryID != nil {
		return &ConflictError{Message: "linked attachments cannot be deleted", Code: "attachment_linked"}
	}

	result := s.db.WithContext(ctx).Where("id = ?", attachmentID).Delete(&model.Attachment{})
	if result.Error != nil {
		return fmt.Errorf("failed to delete attachment: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return &NotFoundError{Resource: "attachment", ID: attachmentID.String()}
	}
	return nil
}

// DeleteExpiredAttachments reaps expired unlinked uploads and returns the
// deleted rows so the caller can remove their blobs from storage.
func (s *PostgresStore) DeleteExpiredAttachments(ctx context.Context, cutoff time.Time, limit int) ([]model.Attachment, error) {
	var deleted []model.Attachment
	err := s.db.WithContext(ctx).Raw(`
		WITH claimed AS (
			SELECT id
			FROM attachments
			WHERE entry_id IS NULL AND expires_at IS NOT NULL AND expires_at < ?
			ORDER BY expires_at ASC
			LIMIT ?
			FOR UPDATE SKIP LOCKED
		)
		DELETE FROM attachments a
		USING claimed
		WHERE a.id = claimed.id
		RETURNING a.*
	`, cutoff, limit).Scan(&deleted).Error
	if err != nil {
		return nil, fmt.Errorf("failed to delete expired attachments: %w", err)
	}
	return deleted, nil
}
