// Package infinispan connects the entries cache to Infinispan through its
// RESP endpoint, reusing the Redis implementation over the wire protocol the
// two share.
package infinispan

import (
	"context"
	"fmt"

	"github.com/recallio/recall/internal/config"
	"github.com/recallio/recall/internal/plugin/cache/redis"
	registrycache "github.com/recallio/recall/internal/registry/cache"
	goredis "github.com/redis/go-redis/v9"
)

func init() {
	registrycache.Register(registrycache.Plugin{
		Name:   "infinispan",
		Loader: load,
	})
}

func load(ctx context.Context) (registrycache.MemoryEntriesCache, error) {
	cfg := config.FromContext(ctx)
	if cfg == nil || cfg.InfinispanHost == "" {
		return nil, fmt.Errorf("infinispan cache: RECALL_INFINISPAN_HOST is required")
	}
	timeoutCtx, cancel := context.WithTimeout(ctx, cfg.InfinispanStartupTimeout)
	defer cancel()

	// Infinispan's RESP endpoint does not answer the RESP3 HELLO command, so
	// the handshake must stay on protocol 2.
	opts := &goredis.Options{
		Addr:     cfg.InfinispanHost,
		Username: cfg.InfinispanUsername,
		Password: cfg.InfinispanPassword,
		Protocol: 2,
	}
	return redis.Load(timeoutCtx, opts, cfg.CacheEpochTTL)
}
