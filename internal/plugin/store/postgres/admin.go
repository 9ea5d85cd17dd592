package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/recallio/recall/internal/model"
	"github.com/recallio/recall/internal/dataencryption"
	registrystore "github.com/recallio/recall/internal/registry/store"
	"gorm.io/gorm"
)

// --- Admin operations ---
//
// Admin calls bypass membership checks and see soft-deleted rows. They are
// reachable only through the management listener.

// loadConversationAny resolves a conversation and its group regardless of
// deletion state.
func (s *PostgresStore) loadConversationAny(ctx context.Context, conversationID uuid.UUID) (model.Conversation, model.ConversationGroup, error) {
	var conv model.Conversation
	result := s.db.WithContext(ctx).Where("id = ?", conversationID).Limit(1).Find(&conv)
	if result.Error != nil {
		return conv, model.ConversationGroup{}, result.Error
	}
	if result.RowsAffected == 0 {
		return conv, model.ConversationGroup{}, &NotFoundError{Resource: "conversation", ID: conversationID.String()}
	}
	var group model.ConversationGroup
	result = s.db.WithContext(ctx).Where("id = ?", conv.ConversationGroupID).Limit(1).Find(&group)
	if result.Error != nil {
		return conv, group, result.Error
	}
	if result.RowsAffected == 0 {
		return conv, group, &NotFoundError{Resource: "conversation", ID: conversationID.String()}
	}
	return conv, group, nil
}

func (s *PostgresStore) AdminListConversations(ctx context.Context, query registrystore.AdminConversationQuery) ([]registrystore.ConversationSummary, *string, error) {
	limit := query.Limit
	if limit <= 0 {
		limit = 50
	}

	tx := s.db.WithContext(ctx).
		Table("conversations c").
		Select("c.id, cg.title, cg.owner_user_id, c.metadata, c.conversation_group_id, c.forked_at_entry_id, c.forked_at_conversation_id, c.created_at, c.updated_at, c.deleted_at, 'owner' as access_level").
		Joins("JOIN conversation_groups cg ON cg.id = c.conversation_group_id")

	switch {
	case query.OnlyDeleted:
		tx = tx.Where("c.deleted_at IS NOT NULL")
	case !query.IncludeDeleted:
		tx = tx.Where("c.deleted_at IS NULL")
	}
	if query.UserID != nil {
		tx = tx.Where("cg.owner_user_id = ?", *query.UserID)
	}
	// DeletedAfter is inclusive, DeletedBefore exclusive, so adjacent windows
	// partition the deleted set without overlap.
	if query.DeletedAfter != nil {
		tx = tx.Where("c.deleted_at >= ?", *query.DeletedAfter)
	}
	if query.DeletedBefore != nil {
		tx = tx.Where("c.deleted_at < ?", *query.DeletedBefore)
	}

	switch query.Mode {
	case model.ListModeRoots:
		tx = tx.Where("c.forked_at_conversation_id IS NULL")
	case model.ListModeLatestFork:
		tx = tx.Where("c.updated_at = (SELECT MAX(c2.updated_at) FROM conversations c2 WHERE c2.conversation_group_id = c.conversation_group_id)")
	}

	if query.AfterCursor != nil {
		tx = tx.Where("(c.created_at, c.id) > (SELECT created_at, id FROM conversations WHERE id = ?)", *query.AfterCursor)
	}

	tx = tx.Order("c.created_at ASC, c.id ASC").Limit(limit + 1)

	var rows []conversationRow
	if err := tx.Scan(&rows).Error; err != nil {
		return nil, nil, fmt.Errorf("failed to list conversations: %w", err)
	}

	hasMore := len(rows) > limit
	if hasMore {
		rows = rows[:limit]
	}

	summaries := make([]registrystore.ConversationSummary, len(rows))
	for i, r := range rows {
		summaries[i] = s.summaryFromRow(r)
	}

	var cursor *string
	if hasMore && len(summaries) > 0 {
		c := summaries[len(summaries)-1].ID.String()
		cursor = &c
	}
	return summaries, cursor, nil
}

func (s *PostgresStore) AdminGetConversation(ctx context.Context, conversationID uuid.UUID) (*registrystore.ConversationDetail, error) {
	conv, group, err := s.loadConversationAny(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	detail := s.detailFrom(conv, group)
	detail.AccessLevel = model.AccessLevelOwner
	if group.DeletedAt != nil && detail.DeletedAt == nil {
		detail.DeletedAt = group.DeletedAt
	}
	return detail, nil
}

// AdminDeleteConversation soft-deletes the whole group. Unlike the user-level
// delete it keeps memberships, so a later restore recovers everyone's access.
func (s *PostgresStore) AdminDeleteConversation(ctx context.Context, conversationID uuid.UUID) error {
	conv, _, err := s.loadConversationAny(ctx, conversationID)
	if err != nil {
		return err
	}
	now := time.Now()
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&model.ConversationGroup{}).
			Where("id = ? AND deleted_at IS NULL", conv.ConversationGroupID).
			Update("deleted_at", now).Error; err != nil {
			return fmt.Errorf("failed to soft-delete group: %w", err)
		}
		if err := tx.Model(&model.Conversation{}).
			Where("conversation_group_id = ? AND deleted_at IS NULL", conv.ConversationGroupID).
			Update("deleted_at", now).Error; err != nil {
			return fmt.Errorf("failed to soft-delete conversations: %w", err)
		}
		if err := tx.Where("conversation_group_id = ? AND status = ?", conv.ConversationGroupID, model.TransferPending).
			Delete(&model.OwnershipTransfer{}).Error; err != nil {
			return fmt.Errorf("failed to delete pending transfers: %w", err)
		}
		return nil
	})
}

func (s *PostgresStore) AdminRestoreConversation(ctx context.Context, conversationID uuid.UUID) error {
	conv, group, err := s.loadConversationAny(ctx, conversationID)
	if err != nil {
		return err
	}
	if group.DeletedAt == nil {
		return &ConflictError{Message: "conversation is not deleted", Code: "conversation_active"}
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&model.ConversationGroup{}).
			Where("id = ?", conv.ConversationGroupID).
			Update("deleted_at", nil).Error; err != nil {
			return fmt.Errorf("failed to restore group: %w", err)
		}
		if err := tx.Model(&model.Conversation{}).
			Where("conversation_group_id = ?", conv.ConversationGroupID).
			Update("deleted_at", nil).Error; err != nil {
			return fmt.Errorf("failed to restore conversations: %w", err)
		}
		// User-level deletes drop memberships; restoring rebuilds the owner's
		// so the group is reachable again.
		var owner model.ConversationMembership
		result := tx.Where("conversation_group_id = ? AND user_id = ?", conv.ConversationGroupID, group.OwnerUserID).
			Limit(1).
			Find(&owner)
		if result.Error != nil {
			return fmt.Errorf("failed to check owner membership: %w", result.Error)
		}
		if result.RowsAffected == 0 {
			membership := model.ConversationMembership{
				ConversationGroupID: conv.ConversationGroupID,
				UserID:              group.OwnerUserID,
				AccessLevel:         model.AccessLevelOwner,
				CreatedAt:           time.Now(),
			}
			if err := tx.Create(&membership).Error; err != nil {
				return fmt.Errorf("failed to restore owner membership: %w", err)
			}
		}
		return nil
	})
}

func (s *PostgresStore) AdminGetEntries(ctx context.Context, conversationID uuid.UUID, query registrystore.AdminMessageQuery) (*registrystore.PagedEntries, error) {
	conv, _, err := s.loadConversationAny(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	limit := query.Limit
	if limit <= 0 {
		limit = 50
	}

	timeline, err := s.loadGroupTimeline(ctx, conv.ConversationGroupID, true)
	if err != nil {
		return nil, err
	}

	var entries []model.Entry
	if query.AllForks {
		entries = timeline.unionTimeline()
	} else {
		entries = timeline.visibleTimeline(conversationID)
	}

	if query.Channel != nil {
		filtered := make([]model.Entry, 0, len(entries))
		for _, e := range entries {
			if e.Channel == *query.Channel {
				filtered = append(filtered, e)
			}
		}
		entries = filtered
	}

	page, cursor := paginateEntries(entries, query.AfterCursor, limit)
	decryptEntries(s, page)
	return &registrystore.PagedEntries{Data: page, AfterCursor: cursor}, nil
}

func (s *PostgresStore) AdminListMemberships(ctx context.Context, conversationID uuid.UUID, afterCursor *string, limit int) ([]model.ConversationMembership, *string, error) {
	conv, _, err := s.loadConversationAny(ctx, conversationID)
	if err != nil {
		return nil, nil, err
	}

	tx := s.db.WithContext(ctx).
		Where("conversation_group_id = ?", conv.ConversationGroupID).
		Order("created_at ASC, user_id ASC")
	if afterCursor != nil {
		tx = tx.Where("(created_at, user_id) > (SELECT created_at, user_id FROM conversation_memberships WHERE conversation_group_id = ? AND user_id = ?)", conv.ConversationGroupID, *afterCursor)
	}
	tx = tx.Limit(limit + 1)

	var memberships []model.ConversationMembership
	if err := tx.Find(&memberships).Error; err != nil {
		return nil, nil, fmt.Errorf("failed to list memberships: %w", err)
	}

	hasMore := len(memberships) > limit
	if hasMore {
		memberships = memberships[:limit]
	}
	var cursor *string
	if hasMore && len(memberships) > 0 {
		c := memberships[len(memberships)-1].UserID
		cursor = &c
	}
	return memberships, cursor, nil
}

func (s *PostgresStore) AdminListForks(ctx context.Context, conversationID uuid.UUID, afterCursor *string, limit int) ([]registrystore.ConversationForkSummary, *string, error) {
	conv, group, err := s.loadConversationAny(ctx, conversationID)
	if err != nil {
		return nil, nil, err
	}

	tx := s.db.WithContext(ctx).
		Where("conversation_group_id = ?", conv.ConversationGroupID).
		Order("created_at ASC, id ASC")
	if afterCursor != nil {
		tx = tx.Where("(created_at, id) > (SELECT created_at, id FROM conversations WHERE id = ?)", *afterCursor)
	}
	tx = tx.Limit(limit + 1)

	var conversations []model.Conversation
	if err := tx.Find(&conversations).Error; err != nil {
		return nil, nil, fmt.Errorf("failed to list forks: %w", err)
	}

	hasMore := len(conversations) > limit
	if hasMore {
		conversations = conversations[:limit]
	}

	title := s.decryptString(dataencryption.FieldConversationTitle, group.Title)
	forks := make([]registrystore.ConversationForkSummary, len(conversations))
	for i, c := range conversations {
		forks[i] = registrystore.ConversationForkSummary{
			ID:                     c.ID,
			Title:                  title,
			ForkedAtEntryID:        c.ForkedAtEntryID,
			ForkedAtConversationID: c.ForkedAtConversationID,
			CreatedAt:              c.CreatedAt,
		}
	}

	var cursor *string
	if hasMore && len(forks) > 0 {
		c := forks[len(forks)-1].ID.String()
		cursor = &c
	}
	return forks, cursor, nil
}

func (s *PostgresStore) AdminSearchEntries(ctx context.Context, query registrystore.AdminSearchQuery) (*registrystore.SearchResults, error) {
	prefixQuery := toPrefixTsQuery(query.Query)
	if prefixQuery == "" {
		return &registrystore.SearchResults{Data: []registrystore.SearchResult{}}, nil
	}
	limit := query.Limit
	if limit <= 0 {
		limit = 50
	}

	sql := `
		SELECT e.id as entry_id, e.conversation_id, e.conversation_group_id, cg.title as conversation_title,
		       e.created_at,
		       ts_rank(e.indexed_content_tsv, to_tsquery('english', ?)) as score,
		       ts_headline('english', e.indexed_content, to_tsquery('english', ?),
		           'StartSel=<mark>, StopSel=</mark>, MaxWords=50, MinWords=20') as highlight
		FROM entries e
		JOIN conversations c ON c.id = e.conversation_id AND c.conversation_group_id = e.conversation_group_id
		JOIN conversation_groups cg ON cg.id = e.conversation_group_id
		WHERE e.indexed_content_tsv @@ to_tsquery('english', ?)
	`
	args := []interface{}{prefixQuery, prefixQuery, prefixQuery}
	if query.UserID != nil {
		sql += " AND cg.owner_user_id = ?"
		args = append(args, *query.UserID)
	}
	sql += `
		ORDER BY score DESC, e.created_at DESC, e.id ASC
		LIMIT ?
	`
	args = append(args, limit)

	type searchRow struct {
		EntryID             uuid.UUID `gorm:"column:entry_id"`
		ConversationID      uuid.UUID `gorm:"column:conversation_id"`
		ConversationGroupID uuid.UUID `gorm:"column:conversation_group_id"`
		ConversationTitle   []byte    `gorm:"column:conversation_title"`
		CreatedAt           time.Time `gorm:"column:created_at"`
		Score               float64   `gorm:"column:score"`
		Highlight           string    `gorm:"column:highlight"`
	}
	var rows []searchRow
	if err := s.db.WithContext(ctx).Raw(sql, args...).Scan(&rows).Error; err != nil {
		return nil, fmt.Errorf("admin full-text search failed: %w", err)
	}

	results := make([]registrystore.SearchResult, len(rows))
	for i, r := range rows {
		highlight := r.Highlight
		results[i] = registrystore.SearchResult{
			EntryID:        r.EntryID,
			ConversationID: r.ConversationID,
			Score:          r.Score,
			Kind:           "fulltext",
			Highlights:     &highlight,
			CreatedAt:      r.CreatedAt,
		}
		if len(r.ConversationTitle) > 0 {
			title := s.decryptString(dataencryption.FieldConversationTitle, r.ConversationTitle)
			results[i].ConversationTitle = &title
		}
		if query.IncludeEntry {
			s.attachEntry(ctx, &results[i], r.EntryID, r.ConversationGroupID)
		}
	}
	return &registrystore.SearchResults{Data: results}, nil
}

// adminAttachmentSelect adds the ref_count column: other live rows sharing the
// same storage key, used to decide whether deleting a row orphans its blob.
func (s *PostgresStore) adminAttachmentSelect(ctx context.Context) *gorm.DB {
	return s.db.WithContext(ctx).
		Table("attachments AS a").
		Select("a.*, (SELECT COUNT(*) FROM attachments a2 WHERE a2.storage_key = a.storage_key AND a2.deleted_at IS NULL) AS ref_count")
}

func (s *PostgresStore) AdminListAttachments(ctx context.Context, query registrystore.AdminAttachmentQuery) ([]registrystore.AdminAttachment, *string, error) {
	limit := query.Limit
	if limit <= 0 {
		limit = 50
	}

	tx := s.adminAttachmentSelect(ctx)
	if query.UserID != nil {
		tx = tx.Where("a.user_id = ?", *query.UserID)
	}
	if query.EntryID != nil {
		tx = tx.Where("a.entry_id = ?", *query.EntryID)
	}
	switch query.Status {
	case "linked":
		tx = tx.Where("a.entry_id IS NOT NULL")
	case "unlinked":
		tx = tx.Where("a.entry_id IS NULL")
	case "expired":
		tx = tx.Where("a.expires_at IS NOT NULL AND a.expires_at < ?", time.Now())
	case "", "all":
	default:
		return nil, nil, &ValidationError{Field: "status", Message: "must be one of linked, unlinked, expired, all"}
	}

	if query.AfterCursor != nil {
		tx = tx.Where("(a.created_at, a.id) > (SELECT created_at, id FROM attachments WHERE id = ?)", *query.AfterCursor)
	}
	tx = tx.Order("a.created_at ASC, a.id ASC").Limit(limit + 1)

	var rows []registrystore.AdminAttachment
	if err := tx.Scan(&rows).Error; err != nil {
		return nil, nil, fmt.Errorf("failed to list attachments: %w", err)
	}

	hasMore := len(rows) > limit
	if hasMore {
		rows = rows[:limit]
	}
	var cursor *string
	if hasMore && len(rows) > 0 {
		c := rows[len(rows)-1].ID.String()
		cursor = &c
	}
	return rows, cursor, nil
}

func (s *PostgresStore) AdminGetAttachment(ctx context.Context, attachmentID uuid.UUID) (*registrystore.AdminAttachment, error) {
	var row registrystore.AdminAttachment
	result := s.adminAttachmentSelect(ctx).Where("a.id = ?", attachmentID).Limit(1).Scan(&row)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to load attachment: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return nil, &NotFoundError{Resource: "attachment", ID: attachmentID.String()}
	}
	return &row, nil
}

func (s *PostgresStore) AdminGetAttachmentByStorageKey(ctx context.Context, storageKey string) (*registrystore.AdminAttachment, error) {
	var row registrystore.AdminAttachment
	result := s.adminAttachmentSelect(ctx).
		Where("a.storage_key = ? AND a.deleted_at IS NULL", storageKey).
		Order("a.created_at ASC").
		Limit(1).
		Scan(&row)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to load attachment: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return nil, &NotFoundError{Resource: "attachment", ID: storageKey}
	}
	return &row, nil
}

func (s *PostgresStore) AdminDeleteAttachment(ctx context.Context, attachmentID uuid.UUID) error {
	result := s.db.WithContext(ctx).Where("id = ?", attachmentID).Delete(&model.Attachment{})
	if result.Error != nil {
		return fmt.Errorf("failed to delete attachment: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return &NotFoundError{Resource: "attachment", ID: attachmentID.String()}
	}
	return nil
}
