package postgres

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	pgvec "github.com/pgvector/pgvector-go"
	"github.com/recallio/recall/internal/config"
	"github.com/recallio/recall/internal/dataencryption"
	"github.com/recallio/recall/internal/episodic"
	"github.com/recallio/recall/internal/plugin/store/episodicqdrant"
	registryepisodic "github.com/recallio/recall/internal/registry/episodic"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

func init() {
	registryepisodic.Register(registryepisodic.Plugin{
		Name: "postgres",
		Loader: func(ctx context.Context) (registryepisodic.EpisodicStore, error) {
			cfg := config.FromContext(ctx)
			db, err := gorm.Open(postgres.Open(cfg.DBURL), &gorm.Config{})
			if err != nil {
				return nil, fmt.Errorf("failed to connect to postgres: %w", err)
			}
			sqlDB, err := db.DB()
			if err != nil {
				return nil, err
			}
			sqlDB.SetMaxOpenConns(cfg.DBMaxOpenConns)
			sqlDB.SetMaxIdleConns(cfg.DBMaxIdleConns)

			core := &PostgresStore{db: db, cfg: cfg}
			if !cfg.EncryptionDBDisabled {
				core.enc = dataencryption.FromContext(ctx)
			}
			store := &episodicStore{db: db, core: core}
			if strings.EqualFold(strings.TrimSpace(cfg.VectorType), "qdrant") {
				client, qErr := episodicqdrant.New(cfg)
				if qErr != nil {
					log.Warn("Episodic qdrant unavailable, falling back to pgvector", "err", qErr)
				} else {
					store.qdrant = client
				}
			}
			return store, nil
		},
	})
}

// episodicStore keeps namespaced memories in the memories table. Vector rows
// live in memory_vectors unless a qdrant client is configured, in which case
// all vector traffic goes there.
type episodicStore struct {
	db     *gorm.DB
	core   *PostgresStore
	qdrant *episodicqdrant.Client
}

// memoryRow lifecycle: an active row has deleted_at NULL. Updates soft-delete
// the old row (deleted_reason = superseded) and insert a fresh one, so the
// event feed can replay every write. Deletes and TTL expiry keep the row as a
// tombstone until retention clears it.
const (
	memoryKindAdd    int16 = 0
	memoryKindUpdate int16 = 1

	reasonSuperseded int16 = 0
	reasonDeleted    int16 = 1
	reasonExpired    int16 = 2
)

type memoryRow struct {
	ID               uuid.UUID              `gorm:"primaryKey;type:uuid;column:id"`
	Namespace        string                 `gorm:"not null;column:namespace"`
	Key              string                 `gorm:"not null;column:key"`
	ValueEncrypted   []byte                 `gorm:"column:value_encrypted"`
	Attributes       []byte                 `gorm:"column:attributes"`
	PolicyAttributes map[string]interface{} `gorm:"type:jsonb;serializer:json;column:policy_attributes"`
	IndexFields      []string               `gorm:"type:jsonb;serializer:json;column:index_fields"`
	IndexDisabled    bool                   `gorm:"column:index_disabled"`
	Kind             int16                  `gorm:"not null;default:0;column:kind"`
	DeletedReason    *int16                 `gorm:"column:deleted_reason"`
	CreatedAt        time.Time              `gorm:"not null;column:created_at"`
	ExpiresAt        *time.Time             `gorm:"column:expires_at"`
	DeletedAt        *time.Time             `gorm:"column:deleted_at"`
	IndexedAt        *time.Time             `gorm:"column:indexed_at"`
}

func (memoryRow) TableName() string { return "memories" }

// Depth limits are enforced at the route layer; the store only encodes.
func encodeNamespace(ns []string) (string, error) {
	return episodic.EncodeNamespace(ns, 0)
}

// scopeNamespacePrefix matches the namespace itself and everything nested
// under it.
func scopeNamespacePrefix(q *gorm.DB, column, encoded string) *gorm.DB {
	return q.Where(column+" = ? OR "+column+" LIKE ?", encoded, episodic.NamespacePrefixPattern(encoded))
}

func (s *episodicStore) PutMemory(ctx context.Context, req registryepisodic.PutMemoryRequest) (*registryepisodic.MemoryWriteResult, error) {
	nsEncoded, err := encodeNamespace(req.Namespace)
	if err != nil {
		return nil, err
	}

	valueJSON, err := json.Marshal(req.Value)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal value: %w", err)
	}
	valueEnc, err := s.core.encrypt(dataencryption.FieldMemoryValue, valueJSON)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt value: %w", err)
	}

	var attrsEnc []byte
	if len(req.Attributes) > 0 {
		attrsJSON, err := json.Marshal(req.Attributes)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal attributes: %w", err)
		}
		attrsEnc, err = s.core.encrypt(dataencryption.FieldMemoryAttributes, attrsJSON)
		if err != nil {
			return nil, fmt.Errorf("failed to encrypt attributes: %w", err)
		}
	}

	var expiresAt *time.Time
	if req.TTLSeconds > 0 {
		t := time.Now().Add(time.Duration(req.TTLSeconds) * time.Second)
		expiresAt = &t
	}

	now := time.Now()
	row := memoryRow{
		ID:               uuid.New(),
		Namespace:        nsEncoded,
		Key:              req.Key,
		ValueEncrypted:   valueEnc,
		Attributes:       attrsEnc,
		PolicyAttributes: req.PolicyAttributes,
		IndexFields:      req.IndexFields,
		IndexDisabled:    req.IndexDisabled,
		Kind:             memoryKindAdd,
		CreatedAt:        now,
		ExpiresAt:        expiresAt,
		// IndexedAt stays NULL until the indexer picks the row up.
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// Supersede the current active row. Clearing indexed_at re-queues it
		// so the indexer drops the stale vectors.
		result := tx.Model(&memoryRow{}).
			Where("namespace = ? AND key = ? AND deleted_at IS NULL", nsEncoded, req.Key).
			Updates(map[string]interface{}{
				"deleted_at":     now,
				"indexed_at":     nil,
				"deleted_reason": reasonSuperseded,
			})
		if result.Error != nil {
			return fmt.Errorf("failed to supersede previous memory: %w", result.Error)
		}
		if result.RowsAffected > 0 {
			row.Kind = memoryKindUpdate
		}
		return tx.Create(&row).Error
	})
	if err != nil {
		return nil, err
	}

	out := &registryepisodic.MemoryWriteResult{
		ID:        row.ID,
		Namespace: req.Namespace,
		Key:       req.Key,
		CreatedAt: now,
		ExpiresAt: expiresAt,
	}
	if len(attrsEnc) > 0 {
		out.Attributes = req.Attributes
	}
	return out, nil
}

func (s *episodicStore) GetMemory(ctx context.Context, namespace []string, key string) (*registryepisodic.MemoryItem, error) {
	nsEncoded, err := encodeNamespace(namespace)
	if err != nil {
		return nil, err
	}

	var row memoryRow
	result := s.db.WithContext(ctx).
		Where("namespace = ? AND key = ? AND deleted_at IS NULL", nsEncoded, key).
		Limit(1).
		Find(&row)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to get memory: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return nil, nil
	}
	return s.itemFromRow(row, namespace)
}

func (s *episodicStore) DeleteMemory(ctx context.Context, namespace []string, key string) error {
	nsEncoded, err := encodeNamespace(namespace)
	if err != nil {
		return err
	}
	return s.db.WithContext(ctx).Model(&memoryRow{}).
		Where("namespace = ? AND key = ? AND deleted_at IS NULL", nsEncoded, key).
		Updates(map[string]interface{}{
			"deleted_at":     time.Now(),
			"indexed_at":     nil,
			"deleted_reason": reasonDeleted,
		}).Error
}

func (s *episodicStore) SearchMemories(ctx context.Context, namespacePrefix []string, filter map[string]interface{}, limit, offset int) ([]registryepisodic.MemoryItem, error) {
	nsEncoded, err := encodeNamespace(namespacePrefix)
	if err != nil {
		return nil, err
	}

	q := s.db.WithContext(ctx).
		Table("memories").
		Where("deleted_at IS NULL")
	q = scopeNamespacePrefix(q, "namespace", nsEncoded)
	if clause, args := policyFilterSQL(filter); clause != "" {
		q = q.Where(clause, args...)
	}
	q = q.Order("created_at DESC").Limit(limit).Offset(offset)

	var rows []memoryRow
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to search memories: %w", err)
	}
	return s.itemsFromRows(rows), nil
}

func (s *episodicStore) ListNamespaces(ctx context.Context, req registryepisodic.ListNamespacesRequest) ([][]string, error) {
	q := s.db.WithContext(ctx).
		Table("memories").
		Select("DISTINCT namespace").
		Where("deleted_at IS NULL")
	if len(req.Prefix) > 0 {
		nsEncoded, err := encodeNamespace(req.Prefix)
		if err != nil {
			return nil, err
		}
		q = scopeNamespacePrefix(q, "namespace", nsEncoded)
	}
	var encoded []string
	if err := q.Pluck("namespace", &encoded).Error; err != nil {
		return nil, fmt.Errorf("failed to list namespaces: %w", err)
	}

	// Suffix filter, depth truncation and dedupe happen on the decoded side;
	// truncation can collapse several namespaces into one.
	seen := make(map[string]bool)
	var out [][]string
	for _, ns := range encoded {
		if len(req.Suffix) > 0 && !episodic.MatchesSuffix(ns, req.Suffix) {
			continue
		}
		if req.MaxDepth > 0 {
			ns = episodic.NamespaceTruncate(ns, req.MaxDepth)
		}
		if seen[ns] {
			continue
		}
		seen[ns] = true
		decoded, err := episodic.DecodeNamespace(ns)
		if err != nil {
			continue
		}
		out = append(out, decoded)
	}
	return out, nil
}

// FindMemoriesPendingIndexing returns rows the indexer has not visited.
// Soft-deleted rows come back with a nil Value, meaning vectors only need
// removal.
func (s *episodicStore) FindMemoriesPendingIndexing(ctx context.Context, limit int) ([]registryepisodic.PendingMemory, error) {
	var rows []memoryRow
	if err := s.db.WithContext(ctx).
		Where("indexed_at IS NULL").
		Limit(limit).
		Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to find memories pending indexing: %w", err)
	}
	out := make([]registryepisodic.PendingMemory, 0, len(rows))
	for _, row := range rows {
		pm := registryepisodic.PendingMemory{
			ID:               row.ID,
			Namespace:        row.Namespace,
			PolicyAttributes: row.PolicyAttributes,
			IndexFields:      row.IndexFields,
			IndexDisabled:    row.IndexDisabled,
			DeletedAt:        row.DeletedAt,
		}
		if row.DeletedAt == nil {
			plain, err := s.core.decrypt(dataencryption.FieldMemoryValue, row.ValueEncrypted)
			if err != nil {
				log.Warn("Failed to decrypt memory value for indexing", "id", row.ID, "err", err)
			} else {
				pm.Value = plain
			}
		}
		out = append(out, pm)
	}
	return out, nil
}

func (s *episodicStore) SetMemoryIndexedAt(ctx context.Context, memoryID uuid.UUID, indexedAt time.Time) error {
	return s.db.WithContext(ctx).Model(&memoryRow{}).
		Where("id = ?", memoryID).
		Update("indexed_at", indexedAt).Error
}

func (s *episodicStore) UpsertMemoryVectors(ctx context.Context, items []registryepisodic.MemoryVectorUpsert) error {
	if len(items) == 0 {
		return nil
	}
	if s.qdrant != nil {
		return s.qdrant.UpsertMemoryVectors(ctx, items)
	}
	tx := s.db.WithContext(ctx)
	for _, item := range items {
		if err := tx.Exec(`
			INSERT INTO memory_vectors (memory_id, field_name, namespace, policy_attributes, embedding)
			VALUES (?, ?, ?, ?, ?::vector)
			ON CONFLICT (memory_id, field_name)
			DO UPDATE SET
			  namespace = EXCLUDED.namespace,
			  policy_attributes = EXCLUDED.policy_attributes,
			  embedding = EXCLUDED.embedding`,
			item.MemoryID, item.FieldName, item.Namespace, item.PolicyAttributes, pgvec.NewVector(item.Embedding),
		).Error; err != nil {
			return fmt.Errorf("failed to upsert memory vector %s/%s: %w", item.MemoryID, item.FieldName, err)
		}
	}
	return nil
}

func (s *episodicStore) DeleteMemoryVectors(ctx context.Context, memoryID uuid.UUID) error {
	if s.qdrant != nil {
		return s.qdrant.DeleteMemoryVectors(ctx, memoryID)
	}
	return s.db.WithContext(ctx).Exec(
		"DELETE FROM memory_vectors WHERE memory_id = ?", memoryID,
	).Error
}

// SearchMemoryVectors ranks memories by their best-matching indexed field.
func (s *episodicStore) SearchMemoryVectors(ctx context.Context, namespacePrefix string, embedding []float32, filter map[string]interface{}, limit int) ([]registryepisodic.MemoryVectorSearch, error) {
	if s.qdrant != nil {
		return s.qdrant.SearchMemoryVectors(ctx, namespacePrefix, embedding, filter, limit)
	}
	if limit <= 0 {
		return nil, nil
	}

	args := []interface{}{pgvec.NewVector(embedding), namespacePrefix, episodic.NamespacePrefixPattern(namespacePrefix)}
	var filterClause string
	if clause, filterArgs := policyFilterSQL(filter); clause != "" {
		filterClause = " AND " + clause
		args = append(args, filterArgs...)
	}
	args = append(args, limit)

	sql := `
		SELECT memory_id, MAX(1 - (embedding <=> ?::vector)) AS score
		FROM memory_vectors
		WHERE (namespace = ? OR namespace LIKE ?)` + filterClause + `
		GROUP BY memory_id
		ORDER BY score DESC
		LIMIT ?`

	var out []registryepisodic.MemoryVectorSearch
	if err := s.db.WithContext(ctx).Raw(sql, args...).Scan(&out).Error; err != nil {
		return nil, fmt.Errorf("memory vector search failed: %w", err)
	}
	return out, nil
}

func (s *episodicStore) GetMemoriesByIDs(ctx context.Context, ids []uuid.UUID) ([]registryepisodic.MemoryItem, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var rows []memoryRow
	if err := s.db.WithContext(ctx).
		Where("id IN ? AND deleted_at IS NULL", ids).
		Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to get memories by ids: %w", err)
	}
	return s.itemsFromRows(rows), nil
}

func (s *episodicStore) ExpireMemories(ctx context.Context) (int64, error) {
	result := s.db.WithContext(ctx).Model(&memoryRow{}).
		Where("expires_at <= NOW() AND deleted_at IS NULL").
		Updates(map[string]interface{}{
			"deleted_at":     gorm.Expr("NOW()"),
			"indexed_at":     nil,
			"deleted_reason": reasonExpired,
		})
	return result.RowsAffected, result.Error
}

// --- Retention ---
//
// Superseded rows vanish entirely once re-indexed; deleted/expired rows are
// first stripped to tombstones (the event feed still needs them) and removed
// only past the retention window. Claims use SKIP LOCKED so replicas do not
// contend.

func (s *episodicStore) HardDeleteEvictableUpdates(ctx context.Context, limit int) (int64, error) {
	result := s.db.WithContext(ctx).Exec(`
		DELETE FROM memories
		WHERE id IN (
			SELECT id FROM memories
			WHERE deleted_reason = ? AND indexed_at IS NOT NULL
			ORDER BY deleted_at ASC
			LIMIT ?
			FOR UPDATE SKIP LOCKED
		)`, reasonSuperseded, limit)
	return result.RowsAffected, result.Error
}

func (s *episodicStore) TombstoneDeletedMemories(ctx context.Context, limit int) (int64, error) {
	result := s.db.WithContext(ctx).Exec(`
		UPDATE memories
		SET value_encrypted = NULL, attributes = NULL
		WHERE id IN (
			SELECT id FROM memories
			WHERE deleted_reason IN (?, ?) AND indexed_at IS NOT NULL AND value_encrypted IS NOT NULL
			ORDER BY deleted_at ASC
			LIMIT ?
			FOR UPDATE SKIP LOCKED
		)`, reasonDeleted, reasonExpired, limit)
	return result.RowsAffected, result.Error
}

func (s *episodicStore) HardDeleteExpiredTombstones(ctx context.Context, olderThan time.Time, limit int) (int64, error) {
	result := s.db.WithContext(ctx).Exec(`
		DELETE FROM memories
		WHERE id IN (
			SELECT id FROM memories
			WHERE deleted_reason IN (?, ?) AND value_encrypted IS NULL AND deleted_at <= ?
			ORDER BY deleted_at ASC
			LIMIT ?
			FOR UPDATE SKIP LOCKED
		)`, reasonDeleted, reasonExpired, olderThan, limit)
	return result.RowsAffected, result.Error
}

// --- Event feed ---

// ListMemoryEvents reads the lifecycle feed. Every row yields a write event at
// created_at; tombstoned rows additionally yield a delete or expired event at
// deleted_at. The cursor orders by (occurred_at, id) so pages are stable even
// when one row contributes two events.
func (s *episodicStore) ListMemoryEvents(ctx context.Context, req registryepisodic.ListEventsRequest) (*registryepisodic.MemoryEventPage, error) {
	limit := req.Limit
	if limit <= 0 {
		limit = 50
	}
	if limit > 200 {
		limit = 200
	}

	wantKind := func(kind string) bool {
		if len(req.Kinds) == 0 {
			return true
		}
		for _, k := range req.Kinds {
			if k == kind {
				return true
			}
		}
		return false
	}

	var writeKinds []interface{}
	if wantKind(registryepisodic.EventKindAdd) {
		writeKinds = append(writeKinds, memoryKindAdd)
	}
	if wantKind(registryepisodic.EventKindUpdate) {
		writeKinds = append(writeKinds, memoryKindUpdate)
	}
	var deleteReasons []interface{}
	if wantKind(registryepisodic.EventKindDelete) {
		deleteReasons = append(deleteReasons, reasonDeleted)
	}
	if wantKind(registryepisodic.EventKindExpired) {
		deleteReasons = append(deleteReasons, reasonExpired)
	}

	var subqueries []string
	var args []interface{}
	if len(writeKinds) > 0 {
		subqueries = append(subqueries, `
			SELECT id, namespace, key,
				CASE kind WHEN 0 THEN 'add' ELSE 'update' END AS event_kind,
				created_at AS occurred_at,
				value_encrypted, attributes, expires_at
			FROM memories WHERE kind IN (`+placeholders(len(writeKinds))+`)`)
		args = append(args, writeKinds...)
	}
	if len(deleteReasons) > 0 {
		subqueries = append(subqueries, `
			SELECT id, namespace, key,
				CASE deleted_reason WHEN 1 THEN 'delete' ELSE 'expired' END AS event_kind,
				deleted_at AS occurred_at,
				NULL::bytea AS value_encrypted, NULL::bytea AS attributes, expires_at
			FROM memories WHERE deleted_reason IN (`+placeholders(len(deleteReasons))+`)`)
		args = append(args, deleteReasons...)
	}
	if len(subqueries) == 0 {
		return &registryepisodic.MemoryEventPage{}, nil
	}

	where := "1=1"
	if req.AfterCursor != "" {
		if cur, ok := decodeEventCursor(req.AfterCursor); ok {
			where += " AND (e.occurred_at > ? OR (e.occurred_at = ? AND e.id::text > ?))"
			args = append(args, cur.OccurredAt, cur.OccurredAt, cur.ID)
		}
	}
	if req.After != nil {
		where += " AND e.occurred_at > ?"
		args = append(args, req.After)
	}
	if req.Before != nil {
		where += " AND e.occurred_at < ?"
		args = append(args, req.Before)
	}
	if len(req.NamespacePrefix) > 0 {
		nsEncoded, err := encodeNamespace(req.NamespacePrefix)
		if err != nil {
			return nil, err
		}
		where += " AND (e.namespace = ? OR e.namespace LIKE ?)"
		args = append(args, nsEncoded, episodic.NamespacePrefixPattern(nsEncoded))
	}
	args = append(args, limit+1)

	sql := fmt.Sprintf(`
		SELECT e.id, e.namespace, e.key, e.event_kind, e.occurred_at, e.value_encrypted, e.attributes, e.expires_at
		FROM (%s) e
		WHERE %s
		ORDER BY e.occurred_at ASC, e.id ASC
		LIMIT ?`, strings.Join(subqueries, " UNION ALL "), where)

	type eventRow struct {
		ID             uuid.UUID  `gorm:"column:id"`
		Namespace      string     `gorm:"column:namespace"`
		Key            string     `gorm:"column:key"`
		EventKind      string     `gorm:"column:event_kind"`
		OccurredAt     time.Time  `gorm:"column:occurred_at"`
		ValueEncrypted []byte     `gorm:"column:value_encrypted"`
		Attributes     []byte     `gorm:"column:attributes"`
		ExpiresAt      *time.Time `gorm:"column:expires_at"`
	}
	var rows []eventRow
	if err := s.db.WithContext(ctx).Raw(sql, args...).Scan(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to list memory events: %w", err)
	}

	hasMore := len(rows) > limit
	if hasMore {
		rows = rows[:limit]
	}

	events := make([]registryepisodic.MemoryEvent, 0, len(rows))
	for _, row := range rows {
		ns, _ := episodic.DecodeNamespace(row.Namespace)
		event := registryepisodic.MemoryEvent{
			ID:         row.ID,
			Namespace:  ns,
			Key:        row.Key,
			Kind:       row.EventKind,
			OccurredAt: row.OccurredAt,
			ExpiresAt:  row.ExpiresAt,
		}
		if len(row.ValueEncrypted) > 0 {
			if plain, err := s.core.decrypt(dataencryption.FieldMemoryValue, row.ValueEncrypted); err == nil {
				_ = json.Unmarshal(plain, &event.Value)
			}
		}
		if len(row.Attributes) > 0 {
			if plain, err := s.core.decrypt(dataencryption.FieldMemoryAttributes, row.Attributes); err == nil {
				_ = json.Unmarshal(plain, &event.Attributes)
			}
		}
		events = append(events, event)
	}

	page := &registryepisodic.MemoryEventPage{Events: events}
	if hasMore && len(events) > 0 {
		last := events[len(events)-1]
		page.AfterCursor = encodeEventCursor(registryepisodic.EventCursor{OccurredAt: last.OccurredAt, ID: last.ID.String()})
	}
	return page, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func decodeEventCursor(encoded string) (registryepisodic.EventCursor, bool) {
	var cur registryepisodic.EventCursor
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return cur, false
	}
	if err := json.Unmarshal(raw, &cur); err != nil {
		return cur, false
	}
	return cur, true
}

func encodeEventCursor(cur registryepisodic.EventCursor) string {
	raw, _ := json.Marshal(cur)
	return base64.StdEncoding.EncodeToString(raw)
}

// --- Admin ---

func (s *episodicStore) AdminGetMemoryByID(ctx context.Context, memoryID uuid.UUID) (*registryepisodic.MemoryItem, error) {
	var row memoryRow
	result := s.db.WithContext(ctx).Where("id = ?", memoryID).Limit(1).Find(&row)
	if result.Error != nil {
		return nil, result.Error
	}
	if result.RowsAffected == 0 {
		return nil, nil
	}
	ns, _ := episodic.DecodeNamespace(row.Namespace)
	return s.itemFromRow(row, ns)
}

func (s *episodicStore) AdminForceDeleteMemory(ctx context.Context, memoryID uuid.UUID) error {
	return s.db.WithContext(ctx).Exec("DELETE FROM memories WHERE id = ?", memoryID).Error
}

func (s *episodicStore) AdminCountPendingIndexing(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).
		Table("memories").
		Where("indexed_at IS NULL").
		Count(&count).Error
	return count, err
}

// --- Row decoding ---

func (s *episodicStore) itemsFromRows(rows []memoryRow) []registryepisodic.MemoryItem {
	items := make([]registryepisodic.MemoryItem, 0, len(rows))
	for _, row := range rows {
		ns, _ := episodic.DecodeNamespace(row.Namespace)
		item, err := s.itemFromRow(row, ns)
		if err != nil {
			log.Warn("Failed to decrypt memory", "id", row.ID, "err", err)
			continue
		}
		items = append(items, *item)
	}
	return items
}

// itemFromRow decrypts a row. A nil value means the row is a tombstone whose
// payload was already stripped.
func (s *episodicStore) itemFromRow(row memoryRow, namespace []string) (*registryepisodic.MemoryItem, error) {
	var value map[string]interface{}
	if len(row.ValueEncrypted) > 0 {
		plain, err := s.core.decrypt(dataencryption.FieldMemoryValue, row.ValueEncrypted)
		if err != nil {
			return nil, fmt.Errorf("failed to decrypt value: %w", err)
		}
		if err := json.Unmarshal(plain, &value); err != nil {
			return nil, fmt.Errorf("failed to unmarshal value: %w", err)
		}
	}

	var attrs map[string]interface{}
	if len(row.Attributes) > 0 {
		plain, err := s.core.decrypt(dataencryption.FieldMemoryAttributes, row.Attributes)
		if err != nil {
			return nil, fmt.Errorf("failed to decrypt attributes: %w", err)
		}
		if err := json.Unmarshal(plain, &attrs); err != nil {
			return nil, fmt.Errorf("failed to unmarshal attributes: %w", err)
		}
	}

	return &registryepisodic.MemoryItem{
		ID:         row.ID,
		Namespace:  namespace,
		Key:        row.Key,
		Value:      value,
		Attributes: attrs,
		CreatedAt:  row.CreatedAt,
		ExpiresAt:  row.ExpiresAt,
	}, nil
}

// policyFilterSQL turns a flat attribute filter into a WHERE fragment over the
// plaintext policy_attributes jsonb. Scalars compare as text; {"in": [...]}
// matches any member; gt/gte/lt/lte compare numerically. Keys are embedded in
// the fragment, so quotes are stripped rather than escaped.
func policyFilterSQL(filter map[string]interface{}) (string, []interface{}) {
	if len(filter) == 0 {
		return "", nil
	}
	var clauses []string
	var args []interface{}

	for key, val := range filter {
		safeKey := strings.ReplaceAll(key, "'", "''")
		switch v := val.(type) {
		case map[string]interface{}:
			if members, ok := v["in"].([]interface{}); ok && len(members) > 0 {
				ph := make([]string, len(members))
				for i, m := range members {
					ph[i] = "?"
					args = append(args, filterScalar(m))
				}
				clauses = append(clauses,
					fmt.Sprintf("policy_attributes->>'%s' = ANY(ARRAY[%s]::text[])", safeKey, strings.Join(ph, ",")))
			}
			for op, rhs := range v {
				var sqlOp string
				switch op {
				case "gt":
					sqlOp = ">"
				case "gte":
					sqlOp = ">="
				case "lt":
					sqlOp = "<"
				case "lte":
					sqlOp = "<="
				default:
					continue
				}
				args = append(args, rhs)
				clauses = append(clauses, fmt.Sprintf("(policy_attributes->>'%s')::numeric %s ?", safeKey, sqlOp))
			}
		default:
			args = append(args, filterScalar(v))
			clauses = append(clauses, fmt.Sprintf("policy_attributes->>'%s' = ?", safeKey))
		}
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return strings.Join(clauses, " AND "), args
}

// filterScalar renders a filter value the way jsonb ->> renders it.
func filterScalar(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case bool:
		if t {
			return "true"
		}
		return "false"
	default:
		b, _ := json.Marshal(t)
		return strings.Trim(string(b), `"`)
	}
}
