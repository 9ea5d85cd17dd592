// Package memory is an in-process entries cache for single-replica
// deployments. Replicas cannot see each other's invalidations, so anything
// running more than one instance wants redis or infinispan instead.
package memory

import (
	"context"
	"encoding/json"
	"time"

	"github.com/dgraph-io/ristretto/v2"
	"github.com/google/uuid"
	"github.com/recallio/recall/internal/config"
	registrycache "github.com/recallio/recall/internal/registry/cache"
)

const defaultTTL = 10 * time.Minute

func init() {
	registrycache.Register(registrycache.Plugin{
		Name:   "memory",
		Loader: load,
	})
}

func load(ctx context.Context) (registrycache.MemoryEntriesCache, error) {
	cfg := config.FromContext(ctx)
	maxCost := int64(64 << 20)
	ttl := defaultTTL
	if cfg != nil {
		if cfg.CacheMemoryMaxSize > 0 {
			maxCost = cfg.CacheMemoryMaxSize
		}
		if cfg.CacheEpochTTL > 0 {
			ttl = cfg.CacheEpochTTL
		}
	}
	// Admission counters sized for ~10x the item count at ~1KB per value.
	counters := maxCost / 100
	if counters < 10_000 {
		counters = 10_000
	}
	rc, err := ristretto.NewCache(&ristretto.Config[string, []byte]{
		NumCounters: counters,
		MaxCost:     maxCost,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	return &entriesCache{cache: rc, ttl: ttl}, nil
}

// Values are stored as JSON rather than live structs so cost accounting stays
// in bytes and cached slices cannot be mutated by readers.
type entriesCache struct {
	cache *ristretto.Cache[string, []byte]
	ttl   time.Duration
}

func key(conversationID uuid.UUID, clientID string) string {
	return conversationID.String() + ":" + clientID
}

func (c *entriesCache) Available() bool { return true }

func (c *entriesCache) Get(_ context.Context, conversationID uuid.UUID, clientID string) (*registrycache.CachedMemoryEntries, error) {
	data, ok := c.cache.Get(key(conversationID, clientID))
	if !ok {
		return nil, nil
	}
	var cached registrycache.CachedMemoryEntries
	if err := json.Unmarshal(data, &cached); err != nil {
		return nil, err
	}
	return &cached, nil
}

func (c *entriesCache) Set(_ context.Context, conversationID uuid.UUID, clientID string, entries registrycache.CachedMemoryEntries, ttl time.Duration) error {
	data, err := json.Marshal(entries)
	if err != nil {
		return err
	}
	if ttl <= 0 {
		ttl = c.ttl
	}
	c.cache.SetWithTTL(key(conversationID, clientID), data, int64(len(data)), ttl)
	return nil
}

func (c *entriesCache) Remove(_ context.Context, conversationID uuid.UUID, clientID string) error {
	c.cache.Del(key(conversationID, clientID))
	return nil
}

var _ registrycache.MemoryEntriesCache = (*entriesCache)(nil)
