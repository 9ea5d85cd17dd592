package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/recallio/recall/internal/model"
)

// --- Eviction ---

// FindEvictableGroupIDs returns a batch of groups soft-deleted before cutoff.
// Overlapping eviction runs may pick the same ids; the hard delete is
// idempotent, so the second run just deletes nothing.
func (s *PostgresStore) FindEvictableGroupIDs(ctx context.Context, cutoff time.Time, limit int) ([]uuid.UUID, error) {
	var ids []uuid.UUID
	err := s.db.WithContext(ctx).Raw(`
		SELECT id
		FROM conversation_groups
		WHERE deleted_at IS NOT NULL AND deleted_at < ?
		ORDER BY deleted_at ASC
		LIMIT ?
	`, cutoff, limit).Scan(&ids).Error
	if err != nil {
		return nil, fmt.Errorf("failed to find evictable groups: %w", err)
	}
	return ids, nil
}

func (s *PostgresStore) CountEvictableGroups(ctx context.Context, cutoff time.Time) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).
		Model(&model.ConversationGroup{}).
		Where("deleted_at IS NOT NULL AND deleted_at < ?", cutoff).
		Count(&count).Error
	return count, err
}

// HardDeleteConversationGroups removes groups permanently. Entries,
// conversations, memberships and transfers follow via ON DELETE CASCADE.
// Vector cleanup tasks must be enqueued by the caller before this call, while
// the group ids still resolve.
func (s *PostgresStore) HardDeleteConversationGroups(ctx context.Context, groupIDs []uuid.UUID) error {
	if len(groupIDs) == 0 {
		return nil
	}
	return s.db.WithContext(ctx).Where("id IN ?", groupIDs).Delete(&model.ConversationGroup{}).Error
}

// Membership rows under a soft-deleted group linger only after admin deletes,
// which keep them so a restore recovers access. Once the group passes the
// retention cutoff eviction reaps them.
func (s *PostgresStore) CountEvictableMemberships(ctx context.Context, cutoff time.Time) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).Raw(`
		SELECT COUNT(*)
		FROM conversation_memberships cm
		JOIN conversation_groups cg ON cg.id = cm.conversation_group_id
		WHERE cg.deleted_at IS NOT NULL AND cg.deleted_at < ?
	`, cutoff).Scan(&count).Error
	return count, err
}

func (s *PostgresStore) HardDeleteEvictableMemberships(ctx context.Context, cutoff time.Time, limit int) (int64, error) {
	result := s.db.WithContext(ctx).Exec(`
		WITH claimed AS (
			SELECT cm.conversation_group_id, cm.user_id
			FROM conversation_memberships cm
			JOIN conversation_groups cg ON cg.id = cm.conversation_group_id
			WHERE cg.deleted_at IS NOT NULL AND cg.deleted_at < ?
			LIMIT ?
			FOR UPDATE OF cm SKIP LOCKED
		)
		DELETE FROM conversation_memberships m
		USING claimed
		WHERE m.conversation_group_id = claimed.conversation_group_id
		  AND m.user_id = claimed.user_id
	`, cutoff, limit)
	if result.Error != nil {
		return 0, fmt.Errorf("failed to evict memberships: %w", result.Error)
	}
	return result.RowsAffected, nil
}
