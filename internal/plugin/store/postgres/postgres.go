package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/recallio/recall/internal/config"
	"github.com/recallio/recall/internal/dataencryption"
	"github.com/recallio/recall/internal/model"
	registrycache "github.com/recallio/recall/internal/registry/cache"
	registrymigrate "github.com/recallio/recall/internal/registry/migrate"
	registrystore "github.com/recallio/recall/internal/registry/store"
	"github.com/recallio/recall/internal/security"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

func init() {
	registrystore.Register(registrystore.Plugin{
		Name: "postgres",
		Loader: func(ctx context.Context) (registrystore.MemoryStore, error) {
			cfg := config.FromContext(ctx)
			db, err := gorm.Open(postgres.Open(cfg.DBURL), &gorm.Config{})
			if err != nil {
				return nil, fmt.Errorf("failed to connect to postgres: %w", err)
			}
			sqlDB, err := db.DB()
			if err != nil {
				return nil, fmt.Errorf("failed to get underlying db: %w", err)
			}
			sqlDB.SetMaxOpenConns(cfg.DBMaxOpenConns)
			sqlDB.SetMaxIdleConns(cfg.DBMaxIdleConns)
			if security.DBPoolMaxConnections != nil {
				security.DBPoolMaxConnections.Set(float64(cfg.DBMaxOpenConns))
			}

			// Periodically update the open connections gauge.
			go func() {
				ticker := time.NewTicker(15 * time.Second)
				defer ticker.Stop()
				for {
					select {
					case <-ctx.Done():
						return
					case <-ticker.C:
						if security.DBPoolOpenConnections != nil {
							security.DBPoolOpenConnections.Set(float64(sqlDB.Stats().OpenConnections))
						}
					}
				}
			}()

			store := &PostgresStore{
				db:           db,
				cfg:          cfg,
				entriesCache: registrycache.EntriesCacheFromContext(ctx),
			}
			if !cfg.EncryptionDBDisabled {
				store.enc = dataencryption.FromContext(ctx)
			}
			return store, nil
		},
	})

	registrymigrate.Register(registrymigrate.Plugin{Name: "postgres-schema", Order: 100, Run: migrateSchema})
}

func migrateSchema(ctx context.Context) error {
	cfg := config.FromContext(ctx)
	if cfg == nil || !cfg.DatastoreMigrateAtStart {
		return nil
	}
	if cfg.DatastoreType != "" && cfg.DatastoreType != "postgres" {
		return nil
	}
	db, err := gorm.Open(postgres.Open(cfg.DBURL), &gorm.Config{})
	if err != nil {
		return fmt.Errorf("migration: failed to connect: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	if _, err := sqlDB.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("migration: failed to execute schema: %w", err)
	}
	log.Info("Postgres schema migration complete")
	return nil
}

// PostgresStore implements MemoryStore using GORM + PostgreSQL.
type PostgresStore struct {
	db           *gorm.DB
	cfg          *config.Config
	enc          *dataencryption.Service
	entriesCache registrycache.MemoryEntriesCache
}

// encrypt seals plaintext under fieldID via the configured encryption
// service. With no service (encryption off) bytes pass through unchanged.
func (s *PostgresStore) encrypt(fieldID string, plaintext []byte) ([]byte, error) {
	if s.enc == nil || plaintext == nil {
		return plaintext, nil
	}
	return s.enc.Encrypt(fieldID, plaintext)
}

func (s *PostgresStore) decrypt(fieldID string, ciphertext []byte) ([]byte, error) {
	if s.enc == nil || ciphertext == nil {
		return ciphertext, nil
	}
	return s.enc.Decrypt(fieldID, ciphertext)
}

func (s *PostgresStore) decryptString(fieldID string, data []byte) string {
	plain, err := s.decrypt(fieldID, data)
	if err != nil {
		return string(data) // undecryptable rows surface raw rather than erroring reads
	}
	return string(plain)
}

// --- Conversations ---

func (s *PostgresStore) CreateConversation(ctx context.Context, userID string, title string, metadata map[string]interface{}) (*registrystore.ConversationDetail, error) {
	// Root conversations reuse their UUID as the group id; the group only
	// diverges from the conversation once forks exist.
	return s.createConversationWithID(ctx, userID, uuid.New(), title, metadata)
}

func (s *PostgresStore) CreateConversationWithID(ctx context.Context, userID string, convID uuid.UUID, title string, metadata map[string]interface{}) (*registrystore.ConversationDetail, error) {
	return s.createConversationWithID(ctx, userID, convID, title, metadata)
}

func (s *PostgresStore) createConversationWithID(ctx context.Context, userID string, convID uuid.UUID, title string, metadata map[string]interface{}) (*registrystore.ConversationDetail, error) {
	now := time.Now()
	if metadata == nil {
		metadata = map[string]interface{}{}
	}

	var encTitle []byte
	if strings.TrimSpace(title) != "" {
		var err error
		encTitle, err = s.encrypt(dataencryption.FieldConversationTitle, []byte(title))
		if err != nil {
			return nil, fmt.Errorf("failed to encrypt title: %w", err)
		}
	}

	groupID := convID
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		group := model.ConversationGroup{
			ID:          groupID,
			OwnerUserID: userID,
			Title:       encTitle,
			CreatedAt:   now,
		}
		if err := tx.Create(&group).Error; err != nil {
			return fmt.Errorf("failed to create conversation group: %w", err)
		}
		conv := model.Conversation{
			ID:                  convID,
			ConversationGroupID: groupID,
			Metadata:            metadata,
			CreatedAt:           now,
			UpdatedAt:           now,
		}
		if err := tx.Create(&conv).Error; err != nil {
			return fmt.Errorf("failed to create conversation: %w", err)
		}
		membership := model.ConversationMembership{
			ConversationGroupID: groupID,
			UserID:              userID,
			AccessLevel:         model.AccessLevelOwner,
			CreatedAt:           now,
		}
		if err := tx.Create(&membership).Error; err != nil {
			return fmt.Errorf("failed to create membership: %w", err)
		}
		return nil
	})
	if err != nil {
		if isUniqueViolation(err, "") {
			return nil, &ConflictError{Message: "conversation already exists", Code: "conversation_exists"}
		}
		return nil, err
	}

	return &registrystore.ConversationDetail{
		ConversationSummary: registrystore.ConversationSummary{
			ID:                  convID,
			Title:               title,
			OwnerUserID:         userID,
			Metadata:            metadata,
			ConversationGroupID: groupID,
			CreatedAt:           now,
			UpdatedAt:           now,
			AccessLevel:         model.AccessLevelOwner,
		},
	}, nil
}

func (s *PostgresStore) ListConversations(ctx context.Context, userID string, query *string, afterCursor *string, limit int, mode model.ConversationListMode) ([]registrystore.ConversationSummary, *string, error) {
	requestedLimit := limit
	queryStr := ""
	if query != nil {
		queryStr = strings.TrimSpace(*query)
	}

	tx := s.db.WithContext(ctx).
		Table("conversations c").
		Select("c.id, cg.title, cg.owner_user_id, c.metadata, c.conversation_group_id, c.forked_at_entry_id, c.forked_at_conversation_id, c.created_at, c.updated_at, c.deleted_at, cm.access_level").
		Joins("JOIN conversation_memberships cm ON cm.conversation_group_id = c.conversation_group_id AND cm.user_id = ?", userID).
		Joins("JOIN conversation_groups cg ON cg.id = c.conversation_group_id AND cg.deleted_at IS NULL").
		Where("c.deleted_at IS NULL")

	switch mode {
	case model.ListModeRoots:
		tx = tx.Where("c.forked_at_conversation_id IS NULL")
	case model.ListModeLatestFork:
		tx = tx.Where("c.updated_at = (SELECT MAX(c2.updated_at) FROM conversations c2 WHERE c2.conversation_group_id = c.conversation_group_id AND c2.deleted_at IS NULL)")
	}

	if afterCursor != nil {
		tx = tx.Where("(c.created_at, c.id) > (SELECT created_at, id FROM conversations WHERE id = ?)", *afterCursor)
	}

	queryLimit := requestedLimit + 1
	if queryStr != "" {
		// Titles are encrypted at rest, so text filtering must happen post-decryption.
		// Over-fetch a bounded window to keep pagination reasonably useful.
		queryLimit = requestedLimit * 5
		if queryLimit < requestedLimit+1 {
			queryLimit = requestedLimit + 1
		}
		if queryLimit > 1000 {
			queryLimit = 1000
		}
	}

	tx = tx.Order("c.created_at ASC, c.id ASC").Limit(queryLimit)

	var rows []conversationRow
	if err := tx.Scan(&rows).Error; err != nil {
		return nil, nil, fmt.Errorf("failed to list conversations: %w", err)
	}

	if queryStr != "" {
		lq := strings.ToLower(queryStr)
		filtered := rows[:0]
		for _, r := range rows {
			if strings.Contains(strings.ToLower(s.decryptString(dataencryption.FieldConversationTitle, r.Title)), lq) {
				filtered = append(filtered, r)
			}
		}
		rows = filtered
	}

	hasMore := len(rows) > requestedLimit
	if hasMore {
		rows = rows[:requestedLimit]
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

// conversationRow is the scan target for conversation listings joined with
// their group (title and owner live on conversation_groups).
type conversationRow struct {
	ID                     uuid.UUID              `gorm:"column:id"`
	Title                  []byte                 `gorm:"column:title"`
	OwnerUserID            string                 `gorm:"column:owner_user_id"`
	Metadata               map[string]interface{} `gorm:"column:metadata;serializer:json"`
	ConversationGroupID    uuid.UUID              `gorm:"column:conversation_group_id"`
	ForkedAtEntryID        *uuid.UUID             `gorm:"column:forked_at_entry_id"`
	ForkedAtConversationID *uuid.UUID             `gorm:"column:forked_at_conversation_id"`
	CreatedAt              time.Time              `gorm:"column:created_at"`
	UpdatedAt              time.Time              `gorm:"column:updated_at"`
	DeletedAt              *time.Time             `gorm:"column:deleted_at"`
	AccessLevel            model.AccessLevel      `gorm:"column:access_level"`
}

func (s *PostgresStore) summaryFromRow(r conversationRow) registrystore.ConversationSummary {
	return registrystore.ConversationSummary{
		ID:                     r.ID,
		Title:                  s.decryptString(dataencryption.FieldConversationTitle, r.Title),
		OwnerUserID:            r.OwnerUserID,
		Metadata:               r.Metadata,
		ConversationGroupID:    r.ConversationGroupID,
		ForkedAtEntryID:        r.ForkedAtEntryID,
		ForkedAtConversationID: r.ForkedAtConversationID,
		CreatedAt:              r.CreatedAt,
		UpdatedAt:              r.UpdatedAt,
		DeletedAt:              r.DeletedAt,
		AccessLevel:            r.AccessLevel,
	}
}

func (s *PostgresStore) GetConversation(ctx context.Context, userID string, conversationID uuid.UUID) (*registrystore.ConversationDetail, error) {
	conv, group, err := s.loadConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	access, err := s.requireAccess(ctx, userID, conversationID, conv.ConversationGroupID, model.AccessLevelReader)
	if err != nil {
		return nil, err
	}
	detail := s.detailFrom(conv, group)
	detail.AccessLevel = access
	return detail, nil
}

func (s *PostgresStore) UpdateConversation(ctx context.Context, userID string, conversationID uuid.UUID, title *string, metadata map[string]interface{}) (*registrystore.ConversationDetail, error) {
	conv, _, err := s.loadConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if _, err := s.requireAccess(ctx, userID, conversationID, conv.ConversationGroupID, model.AccessLevelWriter); err != nil {
		return nil, err
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if title != nil {
			// An empty title clears the override: the group title becomes
			// derivable again from the next owner HISTORY entry.
			var encTitle []byte
			if strings.TrimSpace(*title) != "" {
				var encErr error
				encTitle, encErr = s.encrypt(dataencryption.FieldConversationTitle, []byte(*title))
				if encErr != nil {
					return fmt.Errorf("failed to encrypt title: %w", encErr)
				}
			}
			if err := tx.Model(&model.ConversationGroup{}).
				Where("id = ?", conv.ConversationGroupID).
				Update("title", encTitle).Error; err != nil {
				return fmt.Errorf("failed to update title: %w", err)
			}
		}
		updates := map[string]interface{}{"updated_at": time.Now()}
		if metadata != nil {
			updates["metadata"] = metadata
		}
		if err := tx.Model(&model.Conversation{}).Where("id = ?", conversationID).Updates(updates).Error; err != nil {
			return fmt.Errorf("failed to update conversation: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.GetConversation(ctx, userID, conversationID)
}

func (s *PostgresStore) DeleteConversation(ctx context.Context, userID string, conversationID uuid.UUID) error {
	conv, _, err := s.loadConversation(ctx, conversationID)
	if err != nil {
		return err
	}
	if _, err := s.requireAccess(ctx, userID, conversationID, conv.ConversationGroupID, model.AccessLevelOwner); err != nil {
		return err
	}
	return s.softDeleteGroup(ctx, conv.ConversationGroupID)
}

// softDeleteGroup hides a group and its conversations from non-admin reads.
// Memberships are access control rather than content, so they are removed
// outright along with any pending ownership transfers.
func (s *PostgresStore) softDeleteGroup(ctx context.Context, groupID uuid.UUID) error {
	now := time.Now()
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&model.ConversationGroup{}).
			Where("id = ?", groupID).
			Update("deleted_at", now).Error; err != nil {
			return fmt.Errorf("failed to soft-delete group: %w", err)
		}
		if err := tx.Model(&model.Conversation{}).
			Where("conversation_group_id = ? AND deleted_at IS NULL", groupID).
			Update("deleted_at", now).Error; err != nil {
			return fmt.Errorf("failed to soft-delete conversations: %w", err)
		}
		if err := tx.Where("conversation_group_id = ?", groupID).
			Delete(&model.ConversationMembership{}).Error; err != nil {
			return fmt.Errorf("failed to delete memberships: %w", err)
		}
		if err := tx.Where("conversation_group_id = ? AND status = ?", groupID, model.TransferPending).
			Delete(&model.OwnershipTransfer{}).Error; err != nil {
			return fmt.Errorf("failed to delete pending transfers: %w", err)
		}
		return nil
	})
}

// loadConversation resolves a live conversation and its live group.
func (s *PostgresStore) loadConversation(ctx context.Context, conversationID uuid.UUID) (model.Conversation, model.ConversationGroup, error) {
	var conv model.Conversation
	result := s.db.WithContext(ctx).Where("id = ? AND deleted_at IS NULL", conversationID).Limit(1).Find(&conv)
	if result.Error != nil {
		return conv, model.ConversationGroup{}, result.Error
	}
	if result.RowsAffected == 0 {
		return conv, model.ConversationGroup{}, &NotFoundError{Resource: "conversation", ID: conversationID.String()}
	}
	var group model.ConversationGroup
	result = s.db.WithContext(ctx).Where("id = ? AND deleted_at IS NULL", conv.ConversationGroupID).Limit(1).Find(&group)
	if result.Error != nil {
		return conv, group, result.Error
	}
	if result.RowsAffected == 0 {
		return conv, group, &NotFoundError{Resource: "conversation", ID: conversationID.String()}
	}
	return conv, group, nil
}

func (s *PostgresStore) detailFrom(conv model.Conversation, group model.ConversationGroup) *registrystore.ConversationDetail {
	return &registrystore.ConversationDetail{
		ConversationSummary: registrystore.ConversationSummary{
			ID:                     conv.ID,
			Title:                  s.decryptString(dataencryption.FieldConversationTitle, group.Title),
			OwnerUserID:            group.OwnerUserID,
			Metadata:               conv.Metadata,
			ConversationGroupID:    conv.ConversationGroupID,
			ForkedAtConversationID: conv.ForkedAtConversationID,
			ForkedAtEntryID:        conv.ForkedAtEntryID,
			CreatedAt:              conv.CreatedAt,
			UpdatedAt:              conv.UpdatedAt,
			DeletedAt:              conv.DeletedAt,
		},
	}
}

// --- Memberships ---

func (s *PostgresStore) ListMemberships(ctx context.Context, userID string, conversationID uuid.UUID, afterCursor *string, limit int) ([]model.ConversationMembership, *string, error) {
	groupID, err := s.getGroupID(ctx, userID, conversationID, model.AccessLevelReader)
	if err != nil {
		return nil, nil, err
	}

	tx := s.db.WithContext(ctx).Where("conversation_group_id = ?", groupID).Order("created_at ASC, user_id ASC")
	if afterCursor != nil {
		tx = tx.Where("(created_at, user_id) > (SELECT created_at, user_id FROM conversation_memberships WHERE conversation_group_id = ? AND user_id = ?)", groupID, *afterCursor)
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

func (s *PostgresStore) ShareConversation(ctx context.Context, userID string, conversationID uuid.UUID, targetUserID string, accessLevel model.AccessLevel) (*model.ConversationMembership, error) {
	groupID, err := s.getGroupID(ctx, userID, conversationID, model.AccessLevelManager)
	if err != nil {
		return nil, err
	}
	if accessLevel == model.AccessLevelOwner {
		return nil, &ValidationError{Field: "accessLevel", Message: "cannot share with owner access; use ownership transfer"}
	}

	membership := model.ConversationMembership{
		ConversationGroupID: groupID,
		UserID:              targetUserID,
		AccessLevel:         accessLevel,
		CreatedAt:           time.Now(),
	}
	if err := s.db.WithContext(ctx).Create(&membership).Error; err != nil {
		if isUniqueViolation(err, "") {
			return nil, &ConflictError{Message: "user already has access to this conversation"}
		}
		return nil, fmt.Errorf("failed to share conversation: %w", err)
	}
	return &membership, nil
}

func (s *PostgresStore) UpdateMembership(ctx context.Context, userID string, conversationID uuid.UUID, memberUserID string, accessLevel model.AccessLevel) (*model.ConversationMembership, error) {
	groupID, err := s.getGroupID(ctx, userID, conversationID, model.AccessLevelManager)
	if err != nil {
		return nil, err
	}
	if accessLevel == model.AccessLevelOwner {
		return nil, &ValidationError{Field: "accessLevel", Message: "cannot set owner access; use ownership transfer"}
	}

	var m model.ConversationMembership
	result := s.db.WithContext(ctx).
		Where("conversation_group_id = ? AND user_id = ?", groupID, memberUserID).
		Limit(1).
		Find(&m)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to load membership: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return nil, &NotFoundError{Resource: "membership", ID: memberUserID}
	}
	if m.AccessLevel == model.AccessLevelOwner {
		return nil, &ValidationError{Field: "userId", Message: "cannot change the owner's access level"}
	}

	if err := s.db.WithContext(ctx).Model(&model.ConversationMembership{}).
		Where("conversation_group_id = ? AND user_id = ?", groupID, memberUserID).
		Update("access_level", accessLevel).Error; err != nil {
		return nil, fmt.Errorf("failed to update membership: %w", err)
	}
	m.AccessLevel = accessLevel
	return &m, nil
}

func (s *PostgresStore) DeleteMembership(ctx context.Context, userID string, conversationID uuid.UUID, memberUserID string) error {
	groupID, err := s.getGroupID(ctx, userID, conversationID, model.AccessLevelManager)
	if err != nil {
		return err
	}
	var m model.ConversationMembership
	result := s.db.WithContext(ctx).Where("conversation_group_id = ? AND user_id = ?", groupID, memberUserID).Limit(1).Find(&m)
	if result.Error != nil {
		return fmt.Errorf("failed to load membership: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return &NotFoundError{Resource: "membership", ID: memberUserID}
	}
	if m.AccessLevel == model.AccessLevelOwner {
		return &ValidationError{Field: "userId", Message: "cannot remove the owner"}
	}

	now := time.Now()
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// Removing the recipient of a pending transfer cancels the transfer:
		// the recipient must be a member for the transfer to be acceptable.
		if err := tx.Model(&model.OwnershipTransfer{}).
			Where("conversation_group_id = ? AND to_user_id = ? AND status = ?", groupID, memberUserID, model.TransferPending).
			Updates(map[string]interface{}{"status": model.TransferCancelled, "responded_at": now}).Error; err != nil {
			return fmt.Errorf("failed to cancel pending transfer: %w", err)
		}
		if err := tx.Where("conversation_group_id = ? AND user_id = ?", groupID, memberUserID).
			Delete(&model.ConversationMembership{}).Error; err != nil {
			return fmt.Errorf("failed to delete membership: %w", err)
		}
		return nil
	})
}

// --- Ownership Transfers ---

func (s *PostgresStore) ListPendingTransfers(ctx context.Context, userID string, role string, afterCursor *string, limit int) ([]registrystore.OwnershipTransferDto, *string, error) {
	tx := s.db.WithContext(ctx).
		Where("status = ?", model.TransferPending).
		Order("created_at ASC, id ASC")

	switch role {
	case "sender":
		tx = tx.Where("from_user_id = ?", userID)
	case "recipient":
		tx = tx.Where("to_user_id = ?", userID)
	default:
		tx = tx.Where("from_user_id = ? OR to_user_id = ?", userID, userID)
	}

	if afterCursor != nil {
		tx = tx.Where("(created_at, id) > (SELECT created_at, id FROM conversation_ownership_transfers WHERE id = ?)", *afterCursor)
	}
	tx = tx.Limit(limit + 1)

	var transfers []model.OwnershipTransfer
	if err := tx.Find(&transfers).Error; err != nil {
		return nil, nil, fmt.Errorf("failed to list transfers: %w", err)
	}

	hasMore := len(transfers) > limit
	if hasMore {
		transfers = transfers[:limit]
	}

	dtos := make([]registrystore.OwnershipTransferDto, len(transfers))
	for i, t := range transfers {
		dtos[i] = s.transferDto(ctx, t)
	}

	var cursor *string
	if hasMore && len(dtos) > 0 {
		c := dtos[len(dtos)-1].ID.String()
		cursor = &c
	}
	return dtos, cursor, nil
}

func (s *PostgresStore) GetTransfer(ctx context.Context, userID string, transferID uuid.UUID) (*registrystore.OwnershipTransferDto, error) {
	t, err := s.loadTransfer(ctx, transferID)
	if err != nil {
		return nil, err
	}
	if t.FromUserID != userID && t.ToUserID != userID {
		return nil, &NotFoundError{Resource: "transfer", ID: transferID.String()}
	}
	dto := s.transferDto(ctx, *t)
	return &dto, nil
}

func (s *PostgresStore) loadTransfer(ctx context.Context, transferID uuid.UUID) (*model.OwnershipTransfer, error) {
	var t model.OwnershipTransfer
	result := s.db.WithContext(ctx).Where("id = ?", transferID).Limit(1).Find(&t)
	if result.Error != nil {
		return nil, result.Error
	}
	if result.RowsAffected == 0 {
		return nil, &NotFoundError{Resource: "transfer", ID: transferID.String()}
	}
	return &t, nil
}

func (s *PostgresStore) transferDto(ctx context.Context, t model.OwnershipTransfer) registrystore.OwnershipTransferDto {
	return registrystore.OwnershipTransferDto{
		ID:                  t.ID,
		ConversationGroupID: t.ConversationGroupID,
		ConversationID:      s.resolveConversationID(ctx, t.ConversationGroupID),
		FromUserID:          t.FromUserID,
		ToUserID:            t.ToUserID,
		Status:              t.Status,
		CreatedAt:           t.CreatedAt,
		RespondedAt:         t.RespondedAt,
	}
}

// resolveConversationID finds the root (non-forked) conversation ID for a group,
// falling back to any live conversation when the root was never created.
func (s *PostgresStore) resolveConversationID(ctx context.Context, groupID uuid.UUID) uuid.UUID {
	var conv model.Conversation
	result := s.db.WithContext(ctx).
		Where("conversation_group_id = ? AND deleted_at IS NULL", groupID).
		Order("forked_at_conversation_id NULLS FIRST, created_at ASC").
		Limit(1).
		Find(&conv)
	if result.Error != nil || result.RowsAffected == 0 {
		return uuid.Nil
	}
	return conv.ID
}

func (s *PostgresStore) CreateOwnershipTransfer(ctx context.Context, userID string, conversationID uuid.UUID, toUserID string) (*registrystore.OwnershipTransferDto, error) {
	conv, _, err := s.loadConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if _, err := s.requireAccess(ctx, userID, conversationID, conv.ConversationGroupID, model.AccessLevelOwner); err != nil {
		return nil, err
	}
	if userID == toUserID {
		return nil, &ValidationError{Field: "newOwnerUserId", Message: "cannot transfer to yourself"}
	}
	// The recipient must already be a member so that acceptance is a pure
	// access-level swap.
	var recipient model.ConversationMembership
	result := s.db.WithContext(ctx).
		Where("conversation_group_id = ? AND user_id = ?", conv.ConversationGroupID, toUserID).
		Limit(1).
		Find(&recipient)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to load recipient membership: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return nil, &ValidationError{Field: "newOwnerUserId", Message: "recipient must already be a member"}
	}

	transfer := model.OwnershipTransfer{
		ID:                  uuid.New(),
		ConversationGroupID: conv.ConversationGroupID,
		FromUserID:          userID,
		ToUserID:            toUserID,
		Status:              model.TransferPending,
		CreatedAt:           time.Now(),
	}
	if err := s.db.WithContext(ctx).Create(&transfer).Error; err != nil {
		if isUniqueViolation(err, "conversation_ownership_transfers_pending_unique") {
			conflict := &ConflictError{
				Message: "a transfer is already pending for this conversation",
				Code:    "transfer_already_pending",
			}
			var existing model.OwnershipTransfer
			findResult := s.db.WithContext(ctx).
				Where("conversation_group_id = ? AND status = ?", conv.ConversationGroupID, model.TransferPending).
				Limit(1).
				Find(&existing)
			if findResult.Error == nil && findResult.RowsAffected > 0 {
				conflict.Details = map[string]interface{}{"existingTransferId": existing.ID.String()}
			}
			return nil, conflict
		}
		return nil, fmt.Errorf("failed to create transfer: %w", err)
	}
	return &registrystore.OwnershipTransferDto{
		ID:                  transfer.ID,
		ConversationGroupID: transfer.ConversationGroupID,
		ConversationID:      conversationID,
		FromUserID:          transfer.FromUserID,
		ToUserID:            transfer.ToUserID,
		Status:              transfer.Status,
		CreatedAt:           transfer.CreatedAt,
	}, nil
}

func (s *PostgresStore) AcceptTransfer(ctx context.Context, userID string, transferID uuid.UUID) error {
	t, err := s.loadTransfer(ctx, transferID)
	if err != nil {
		return err
	}
	if t.ToUserID != userID {
		return &ForbiddenError{}
	}
	if t.Status != model.TransferPending {
		return &ConflictError{Message: "transfer is not pending", Code: "transfer_not_pending"}
	}

	now := time.Now()
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// Guard against a concurrent accept/cancel racing us.
		result := tx.Model(&model.OwnershipTransfer{}).
			Where("id = ? AND status = ?", transferID, model.TransferPending).
			Updates(map[string]interface{}{"status": model.TransferAccepted, "responded_at": now})
		if result.Error != nil {
			return fmt.Errorf("failed to accept transfer: %w", result.Error)
		}
		if result.RowsAffected == 0 {
			return &ConflictError{Message: "transfer is not pending", Code: "transfer_not_pending"}
		}
		if err := tx.Model(&model.ConversationMembership{}).
			Where("conversation_group_id = ? AND user_id = ?", t.ConversationGroupID, t.FromUserID).
			Update("access_level", model.AccessLevelManager).Error; err != nil {
			return fmt.Errorf("failed to demote previous owner: %w", err)
		}
		if err := tx.Model(&model.ConversationMembership{}).
			Where("conversation_group_id = ? AND user_id = ?", t.ConversationGroupID, t.ToUserID).
			Update("access_level", model.AccessLevelOwner).Error; err != nil {
			return fmt.Errorf("failed to promote new owner: %w", err)
		}
		if err := tx.Model(&model.ConversationGroup{}).
			Where("id = ?", t.ConversationGroupID).
			Update("owner_user_id", t.ToUserID).Error; err != nil {
			return fmt.Errorf("failed to update group owner: %w", err)
		}
		return nil
	})
}

func (s *PostgresStore) CancelTransfer(ctx context.Context, userID string, transferID uuid.UUID) error {
	t, err := s.loadTransfer(ctx, transferID)
	if err != nil {
		return err
	}
	if t.FromUserID != userID && t.ToUserID != userID {
		return &NotFoundError{Resource: "transfer", ID: transferID.String()}
	}
	if t.Status != model.TransferPending {
		return &ConflictError{Message: "transfer is not pending", Code: "transfer_not_pending"}
	}
	return s.db.WithContext(ctx).Model(&model.OwnershipTransfer{}).
		Where("id = ? AND status = ?", transferID, model.TransferPending).
		Updates(map[string]interface{}{"status": model.TransferCancelled, "responded_at": time.Now()}).Error
}

// --- Access helpers ---

// requireAccess resolves the caller's access level for a group. A caller with
// no membership at all gets NotFoundError so that probing cannot distinguish
// absent conversations from hidden ones; a member below minLevel gets
// ForbiddenError.
func (s *PostgresStore) requireAccess(ctx context.Context, userID string, conversationID, groupID uuid.UUID, minLevel model.AccessLevel) (model.AccessLevel, error) {
	var m model.ConversationMembership
	result := s.db.WithContext(ctx).
		Where("conversation_group_id = ? AND user_id = ?", groupID, userID).
		Limit(1).
		Find(&m)
	if result.Error != nil {
		return "", fmt.Errorf("failed to check access: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return "", &NotFoundError{Resource: "conversation", ID: conversationID.String()}
	}
	if !m.AccessLevel.IsAtLeast(minLevel) {
		return "", &ForbiddenError{}
	}
	return m.AccessLevel, nil
}

func (s *PostgresStore) getGroupID(ctx context.Context, userID string, conversationID uuid.UUID, minLevel model.AccessLevel) (uuid.UUID, error) {
	conv, _, err := s.loadConversation(ctx, conversationID)
	if err != nil {
		return uuid.Nil, err
	}
	if _, err := s.requireAccess(ctx, userID, conversationID, conv.ConversationGroupID, minLevel); err != nil {
		return uuid.Nil, err
	}
	return conv.ConversationGroupID, nil
}

// isUniqueViolation reports whether err is a postgres unique violation,
// optionally scoped to a named constraint.
func isUniqueViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return constraint == "" || pgErr.ConstraintName == constraint
	}
	// gorm may wrap driver errors as plain strings in some paths.
	return strings.Contains(err.Error(), "duplicate key") &&
		(constraint == "" || strings.Contains(err.Error(), constraint))
}
