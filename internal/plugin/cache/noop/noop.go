// Package noop is the default cache: every read misses, every write is
// dropped. Available() returning false lets the store skip cache bookkeeping
// entirely.
package noop

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/recallio/recall/internal/registry/cache"
)

func init() {
	cache.Register(cache.Plugin{
		Name: "none",
		Loader: func(ctx context.Context) (cache.MemoryEntriesCache, error) {
			return disabled{}, nil
		},
	})
}

type disabled struct{}

func (disabled) Available() bool { return false }

func (disabled) Get(context.Context, uuid.UUID, string) (*cache.CachedMemoryEntries, error) {
	return nil, nil
}

func (disabled) Set(context.Context, uuid.UUID, string, cache.CachedMemoryEntries, time.Duration) error {
	return nil
}

func (disabled) Remove(context.Context, uuid.UUID, string) error { return nil }

var _ cache.MemoryEntriesCache = disabled{}
