package sqlitevec

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	sqlite_vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
	"github.com/charmbracelet/log"
	"github.com/recallio/recall/internal/config"
	registrymigrate "github.com/recallio/recall/internal/registry/migrate"
	registryvector "github.com/recallio/recall/internal/registry/vector"
	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	sqlite "gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// vec0 loads through sqlite3_auto_extension, so it must be registered before
// the first connection opens.
var vecOnce sync.Once

func init() {
	registryvector.Register(registryvector.Plugin{
		Name:   "sqlitevec",
		Loader: load,
	})
	registrymigrate.Register(registrymigrate.Plugin{Name: "sqlitevec", Order: 200, Run: migrateSchema})
}

func migrateSchema(ctx context.Context) error {
	cfg := config.FromContext(ctx)
	if cfg == nil || cfg.VectorType != "sqlitevec" || !cfg.VectorMigrateAtStart {
		return nil
	}
	db, err := openDB(cfg.SqliteVecPath)
	if err != nil {
		return fmt.Errorf("sqlitevec migrate: %w", err)
	}
	dim := effectiveEmbeddingDimension(cfg)
	if err := db.Exec(`
		CREATE TABLE IF NOT EXISTS entry_embedding_keys (
			entry_id              TEXT NOT NULL UNIQUE,
			conversation_id       TEXT NOT NULL,
			conversation_group_id TEXT NOT NULL,
			model                 TEXT,
			created_at            DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`).Error; err != nil {
		return fmt.Errorf("sqlitevec migrate: %w", err)
	}
	if err := db.Exec(`
		CREATE INDEX IF NOT EXISTS entry_embedding_keys_group_idx
		ON entry_embedding_keys (conversation_group_id)`).Error; err != nil {
		return fmt.Errorf("sqlitevec migrate: %w", err)
	}
	// The vec0 table fixes the dimension at creation; switching embedding
	// models means pointing RECALL_VECTOR_SQLITEVEC_PATH at a fresh file.
	if err := db.Exec(fmt.Sprintf(`
		CREATE VIRTUAL TABLE IF NOT EXISTS entry_vectors
		USING vec0(embedding float[%d] distance_metric=cosine)`, dim)).Error; err != nil {
		return fmt.Errorf("sqlitevec migrate: %w", err)
	}
	log.Info("Prepared sqlite-vec store", "path", cfg.SqliteVecPath, "dimension", dim)
	return nil
}

func load(ctx context.Context) (registryvector.Store, error) {
	cfg := config.FromContext(ctx)
	if cfg == nil {
		return nil, fmt.Errorf("sqlitevec: missing config in context")
	}
	db, err := openDB(cfg.SqliteVecPath)
	if err != nil {
		return nil, fmt.Errorf("sqlitevec: %w", err)
	}
	return &SqliteVecStore{db: db}, nil
}

func openDB(path string) (*gorm.DB, error) {
	vecOnce.Do(sqlite_vec.Auto)
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000", path)
	return gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Discard,
	})
}

// SqliteVecStore keeps entry embeddings in a local SQLite file via the vec0
// extension. It serves single-node deployments that want semantic search
// without PostgreSQL or Qdrant.
type SqliteVecStore struct {
	db *gorm.DB
}

var _ registryvector.Store = (*SqliteVecStore)(nil)

func (s *SqliteVecStore) IsEnabled() bool { return true }
func (s *SqliteVecStore) Name() string    { return "sqlitevec" }

func (s *SqliteVecStore) Search(ctx context.Context, embedding []float32, conversationGroupIDs []uuid.UUID, limit int) ([]registryvector.Match, error) {
	if len(conversationGroupIDs) == 0 {
		return nil, nil
	}
	query, err := sqlite_vec.SerializeFloat32(embedding)
	if err != nil {
		return nil, fmt.Errorf("sqlitevec: serialize query: %w", err)
	}
	groups := groupStrings(conversationGroupIDs)

	// The rowid IN pre-filter keeps the KNN scoped to the caller's groups, so
	// the limit is not eaten by matches the caller cannot see.
	rows, err := s.db.WithContext(ctx).Raw(`
		SELECT k.entry_id, k.conversation_id, 1 - v.distance AS score
		FROM (
			SELECT rowid, distance
			FROM entry_vectors
			WHERE embedding MATCH ?
			  AND k = ?
			  AND rowid IN (
				SELECT rowid FROM entry_embedding_keys
				WHERE conversation_group_id IN ?
			  )
			ORDER BY distance
		) v
		JOIN entry_embedding_keys k ON k.rowid = v.rowid
		ORDER BY v.distance`,
		query, limit, groups,
	).Rows()
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []registryvector.Match
	for rows.Next() {
		var entryID, conversationID string
		var score float64
		if err := rows.Scan(&entryID, &conversationID, &score); err != nil {
			log.Error("sqlitevec scan error", "err", err)
			continue
		}
		r := registryvector.Match{Score: score}
		if id, err := uuid.Parse(entryID); err == nil {
			r.EntryID = id
		}
		if id, err := uuid.Parse(conversationID); err == nil {
			r.ConversationID = id
		}
		results = append(results, r)
	}
	return results, nil
}

func (s *SqliteVecStore) Upsert(ctx context.Context, entries []registryvector.Upsert) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, e := range entries {
			blob, err := sqlite_vec.SerializeFloat32(e.Embedding)
			if err != nil {
				return fmt.Errorf("sqlitevec: serialize embedding: %w", err)
			}
			if err := tx.Exec(`
				INSERT INTO entry_embedding_keys (entry_id, conversation_id, conversation_group_id, model)
				VALUES (?, ?, ?, ?)
				ON CONFLICT(entry_id) DO UPDATE SET model = excluded.model`,
				e.EntryID.String(), e.ConversationID.String(), e.ConversationGroupID.String(), e.ModelName,
			).Error; err != nil {
				return err
			}
			var rowid int64
			if err := tx.Raw(
				"SELECT rowid FROM entry_embedding_keys WHERE entry_id = ?",
				e.EntryID.String(),
			).Scan(&rowid).Error; err != nil {
				return err
			}
			// vec0 has no upsert; replace the vector row keyed by the shared
			// rowid.
			if err := tx.Exec("DELETE FROM entry_vectors WHERE rowid = ?", rowid).Error; err != nil {
				return err
			}
			if err := tx.Exec(
				"INSERT INTO entry_vectors (rowid, embedding) VALUES (?, ?)",
				rowid, blob,
			).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *SqliteVecStore) DeleteGroup(ctx context.Context, conversationGroupID uuid.UUID) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Exec(`
			DELETE FROM entry_vectors WHERE rowid IN (
				SELECT rowid FROM entry_embedding_keys WHERE conversation_group_id = ?
			)`, conversationGroupID.String()).Error; err != nil {
			return err
		}
		return tx.Exec(
			"DELETE FROM entry_embedding_keys WHERE conversation_group_id = ?",
			conversationGroupID.String(),
		).Error
	})
}

func groupStrings(ids []uuid.UUID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = id.String()
	}
	return out
}

func effectiveEmbeddingDimension(cfg *config.Config) int {
	if cfg.OpenAIDimensions > 0 {
		return cfg.OpenAIDimensions
	}
	switch strings.ToLower(strings.TrimSpace(cfg.EmbedType)) {
	case "local":
		return 384
	default:
		return 1536
	}
}
