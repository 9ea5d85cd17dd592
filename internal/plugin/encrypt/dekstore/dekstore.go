// Package dekstore persists the wrapped-DEK record the vault and kms
// providers keep in the application database, and caches the unwrapped keys
// in memory for them.
//
// One record per provider. wrapped_deks[0] is the primary DEK (newest);
// later elements are legacy keys kept for decryption-only rotation. revision
// supports optimistic updates so a key-rotation tool can prepend a new
// wrapped DEK without clobbering a concurrent writer. Postgres and mongo
// backends are selected by cfg.DatastoreType.
package dekstore

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/recallio/recall/internal/config"
)

// Record is the single DEK record stored per encryption provider.
type Record struct {
	// WrappedDEKs holds KEK-wrapped DEK ciphertexts, primary first.
	WrappedDEKs [][]byte
	// Revision increments on every update, for optimistic locking.
	Revision int64
}

// Store manages a single DEK record per provider name.
type Store interface {
	// Load returns the record for provider, or nil if none exists.
	Load(ctx context.Context, provider string) (*Record, error)

	// Bootstrap inserts the initial record if no row exists for provider. On
	// conflict (another instance won the race) it silently succeeds; Load
	// again for the winning record.
	Bootstrap(ctx context.Context, provider string, wrappedDEK []byte) error

	// Update replaces wrapped_deks and bumps revision, but only when the
	// stored revision equals oldRevision. Returns false when stale.
	Update(ctx context.Context, provider string, wrappedDEKs [][]byte, oldRevision int64) (bool, error)

	// Close releases the underlying connection.
	Close()
}

// New opens a minimal connection and returns a Store based on cfg.DatastoreType.
func New(cfg *config.Config) (Store, error) {
	if cfg.DatastoreType == "mongo" {
		return newMongo(cfg)
	}
	return newPostgres(cfg)
}

// Wrapper wraps and unwraps data keys with a KEK held by an external service
// (Vault Transit, AWS KMS).
type Wrapper interface {
	Wrap(ctx context.Context, plaintext []byte) ([]byte, error)
	Unwrap(ctx context.Context, wrapped []byte) ([]byte, error)
}

// KeyCache is a dek.KeySource that loads the provider's wrapped DEKs from the
// database, unwraps them through a Wrapper, and caches the plaintext keys.
// The first load of an empty table bootstraps a fresh random DEK; Refresh
// re-reads the database, picking up rotated keys.
type KeyCache struct {
	cfg      *config.Config
	provider string
	wrapper  Wrapper

	once    sync.Once
	loadErr error
	mu      sync.RWMutex
	keys    [][]byte
}

// NewKeyCache builds a KeyCache for the named provider.
func NewKeyCache(cfg *config.Config, provider string, wrapper Wrapper) *KeyCache {
	return &KeyCache{cfg: cfg, provider: provider, wrapper: wrapper}
}

// Keys returns the cached plaintext key list, loading it on first use.
func (c *KeyCache) Keys(ctx context.Context) ([][]byte, error) {
	c.once.Do(func() {
		keys, err := c.loadFromDB(ctx, true)
		if err != nil {
			c.loadErr = err
			return
		}
		c.mu.Lock()
		c.keys = keys
		c.mu.Unlock()
	})
	if c.loadErr != nil {
		return nil, c.loadErr
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([][]byte, len(c.keys))
	copy(out, c.keys)
	return out, nil
}

// Refresh re-reads the database record and replaces the cached keys. Called
// after a decrypt missed with every cached key.
func (c *KeyCache) Refresh(ctx context.Context) (bool, error) {
	keys, err := c.loadFromDB(ctx, false)
	if err != nil {
		return false, err
	}
	if len(keys) == 0 {
		return false, nil
	}
	c.mu.Lock()
	c.keys = keys
	c.mu.Unlock()
	return true, nil
}

func (c *KeyCache) loadFromDB(ctx context.Context, bootstrapIfEmpty bool) ([][]byte, error) {
	store, err := New(c.cfg)
	if err != nil {
		return nil, err
	}
	defer store.Close()

	rec, err := store.Load(ctx, c.provider)
	if err != nil {
		return nil, err
	}

	if rec == nil && bootstrapIfEmpty {
		if rec, err = c.bootstrap(ctx, store); err != nil {
			return nil, err
		}
	}
	if rec == nil {
		return nil, nil
	}

	keys := make([][]byte, 0, len(rec.WrappedDEKs))
	for _, w := range rec.WrappedDEKs {
		plain, err := c.wrapper.Unwrap(ctx, w)
		if err != nil {
			return nil, fmt.Errorf("%s: unwrap DEK: %w", c.provider, err)
		}
		keys = append(keys, plain)
	}
	return keys, nil
}

// bootstrap generates a fresh 32-byte DEK, wraps it, and inserts it with
// ON CONFLICT DO NOTHING semantics. The re-read returns whichever instance won.
func (c *KeyCache) bootstrap(ctx context.Context, store Store) (*Record, error) {
	plain, err := randomKey()
	if err != nil {
		return nil, fmt.Errorf("%s: generating DEK: %w", c.provider, err)
	}
	wrapped, err := c.wrapper.Wrap(ctx, plain)
	if err != nil {
		return nil, fmt.Errorf("%s: wrapping new DEK: %w", c.provider, err)
	}
	if err := store.Bootstrap(ctx, c.provider, wrapped); err != nil {
		return nil, err
	}
	rec, err := store.Load(ctx, c.provider)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, fmt.Errorf("%s: no DEK record found after bootstrap", c.provider)
	}
	return rec, nil
}

func randomKey() ([]byte, error) {
	k := make([]byte, 32)
	if _, err := rand.Read(k); err != nil {
		return nil, err
	}
	return k, nil
}

// ── Postgres ──────────────────────────────────────────────────────────────────

type pgStore struct{ conn *pgx.Conn }

func newPostgres(cfg *config.Config) (Store, error) {
	conn, err := pgx.Connect(context.Background(), cfg.DBURL)
	if err != nil {
		return nil, fmt.Errorf("dekstore: postgres connect: %w", err)
	}
	return &pgStore{conn: conn}, nil
}

func (s *pgStore) Close() { s.conn.Close(context.Background()) }

func (s *pgStore) Load(ctx context.Context, provider string) (*Record, error) {
	var r Record
	err := s.conn.QueryRow(ctx,
		`SELECT wrapped_deks, revision FROM encryption_deks WHERE provider=$1`,
		provider,
	).Scan(&r.WrappedDEKs, &r.Revision)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("dekstore: load: %w", err)
	}
	return &r, nil
}

func (s *pgStore) Bootstrap(ctx context.Context, provider string, wrappedDEK []byte) error {
	_, err := s.conn.Exec(ctx,
		`INSERT INTO encryption_deks (provider, wrapped_deks, revision)
		 VALUES ($1, $2, 0)
		 ON CONFLICT (provider) DO NOTHING`,
		provider, [][]byte{wrappedDEK},
	)
	if err != nil {
		return fmt.Errorf("dekstore: bootstrap: %w", err)
	}
	return nil
}

func (s *pgStore) Update(ctx context.Context, provider string, wrappedDEKs [][]byte, oldRevision int64) (bool, error) {
	tag, err := s.conn.Exec(ctx,
		`UPDATE encryption_deks
		 SET wrapped_deks=$2, revision=revision+1
		 WHERE provider=$1 AND revision=$3`,
		provider, wrappedDEKs, oldRevision,
	)
	if err != nil {
		return false, fmt.Errorf("dekstore: update: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// ── MongoDB ───────────────────────────────────────────────────────────────────

type mongoStore struct {
	client *mongo.Client
	coll   *mongo.Collection
}

type dekDoc struct {
	Provider    string    `bson:"provider"`
	WrappedDEKs [][]byte  `bson:"wrapped_deks"`
	Revision    int64     `bson:"revision"`
	CreatedAt   time.Time `bson:"created_at,omitempty"`
}

func newMongo(cfg *config.Config) (Store, error) {
	client, err := mongo.Connect(options.Client().ApplyURI(cfg.DBURL))
	if err != nil {
		return nil, fmt.Errorf("dekstore: mongo connect: %w", err)
	}
	if err := client.Ping(context.Background(), nil); err != nil {
		client.Disconnect(context.Background())
		return nil, fmt.Errorf("dekstore: mongo ping: %w", err)
	}
	coll := client.Database("recall").Collection("encryption_deks")
	return &mongoStore{client: client, coll: coll}, nil
}

func (s *mongoStore) Close() { s.client.Disconnect(context.Background()) }

func (s *mongoStore) Load(ctx context.Context, provider string) (*Record, error) {
	var doc dekDoc
	err := s.coll.FindOne(ctx, bson.M{"provider": provider}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("dekstore: load: %w", err)
	}
	return &Record{WrappedDEKs: doc.WrappedDEKs, Revision: doc.Revision}, nil
}

func (s *mongoStore) Bootstrap(ctx context.Context, provider string, wrappedDEK []byte) error {
	// $setOnInsert fires only when a new document is created (upsert race-safe).
	_, err := s.coll.UpdateOne(ctx,
		bson.M{"provider": provider},
		bson.M{"$setOnInsert": bson.M{
			"provider":     provider,
			"wrapped_deks": [][]byte{wrappedDEK},
			"revision":     int64(0),
			"created_at":   time.Now(),
		}},
		options.UpdateOne().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("dekstore: bootstrap: %w", err)
	}
	return nil
}

func (s *mongoStore) Update(ctx context.Context, provider string, wrappedDEKs [][]byte, oldRevision int64) (bool, error) {
	result, err := s.coll.UpdateOne(ctx,
		bson.M{"provider": provider, "revision": oldRevision},
		bson.M{"$set": bson.M{
			"wrapped_deks": wrappedDEKs,
			"revision":     oldRevision + 1,
		}},
	)
	if err != nil {
		return false, fmt.Errorf("dekstore: update: %w", err)
	}
	return result.MatchedCount == 1, nil
}
