// Package redis caches assembled memory timelines in Redis. Values are JSON
// blobs under a per-(conversation, client) key with a TTL; appends invalidate
// the key, so the TTL only bounds staleness after missed invalidations.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/recallio/recall/internal/config"
	registrycache "github.com/recallio/recall/internal/registry/cache"
	goredis "github.com/redis/go-redis/v9"
)

const (
	keyPrefix  = "recall:entries:"
	defaultTTL = 10 * time.Minute
)

func init() {
	registrycache.Register(registrycache.Plugin{
		Name:   "redis",
		Loader: load,
	})
}

func load(ctx context.Context) (registrycache.MemoryEntriesCache, error) {
	cfg := config.FromContext(ctx)
	if cfg == nil || cfg.RedisURL == "" {
		return nil, fmt.Errorf("redis cache: RECALL_REDIS_URL is required")
	}
	opts, err := goredis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("redis cache: invalid URL: %w", err)
	}
	return Load(ctx, opts, cfg.CacheEpochTTL)
}

// Load pings the server and returns the cache. The Infinispan plugin reuses
// this over the RESP endpoint. A non-positive ttl falls back to the default.
func Load(ctx context.Context, opts *goredis.Options, ttl time.Duration) (registrycache.MemoryEntriesCache, error) {
	client := goredis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis cache: ping failed: %w", err)
	}
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &entriesCache{client: client, ttl: ttl}, nil
}

type entriesCache struct {
	client *goredis.Client
	ttl    time.Duration
}

func key(conversationID uuid.UUID, clientID string) string {
	return keyPrefix + conversationID.String() + ":" + clientID
}

func (c *entriesCache) Available() bool { return true }

func (c *entriesCache) Get(ctx context.Context, conversationID uuid.UUID, clientID string) (*registrycache.CachedMemoryEntries, error) {
	data, err := c.client.Get(ctx, key(conversationID, clientID)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var cached registrycache.CachedMemoryEntries
	if err := json.Unmarshal(data, &cached); err != nil {
		return nil, err
	}
	return &cached, nil
}

func (c *entriesCache) Set(ctx context.Context, conversationID uuid.UUID, clientID string, entries registrycache.CachedMemoryEntries, ttl time.Duration) error {
	data, err := json.Marshal(entries)
	if err != nil {
		return err
	}
	if ttl <= 0 {
		ttl = c.ttl
	}
	return c.client.Set(ctx, key(conversationID, clientID), data, ttl).Err()
}

func (c *entriesCache) Remove(ctx context.Context, conversationID uuid.UUID, clientID string) error {
	return c.client.Del(ctx, key(conversationID, clientID)).Err()
}

var _ registrycache.MemoryEntriesCache = (*entriesCache)(nil)
