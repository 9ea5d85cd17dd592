package resumer

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/recallio/recall/internal/config"
	goredis "github.com/redis/go-redis/v9"
)

const locatorKeyPrefix = "recall:response-locator:"

// LocatorStore tracks which replica owns the live recording for each
// conversation. Entries carry a short TTL and are refreshed while the
// recording is open, so a crashed replica's claims age out on their own.
type LocatorStore interface {
	Available() bool
	Get(ctx context.Context, conversationID string) (*Locator, error)
	Upsert(ctx context.Context, conversationID string, locator Locator, ttl time.Duration) error
	Remove(ctx context.Context, conversationID string) error
	Exists(ctx context.Context, conversationID string) (bool, error)
}

// NewLocatorStore builds a locator store on the configured cache backend.
// With no cache configured it returns a store whose Available() is false,
// which confines recordings to the replica that made them.
func NewLocatorStore(ctx context.Context, cfg *config.Config) (LocatorStore, error) {
	if cfg == nil {
		return noopLocatorStore{}, nil
	}

	switch strings.ToLower(strings.TrimSpace(cfg.CacheType)) {
	case "", "none":
		return noopLocatorStore{}, nil
	case "redis":
		if strings.TrimSpace(cfg.RedisURL) == "" {
			return nil, fmt.Errorf("response resumer: redis cache enabled but RECALL_REDIS_URL is not set")
		}
		opts, err := goredis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("response resumer: invalid redis url: %w", err)
		}
		return dialLocatorStore(ctx, opts)
	case "infinispan":
		if strings.TrimSpace(cfg.InfinispanHost) == "" {
			return nil, fmt.Errorf("response resumer: infinispan cache enabled but RECALL_INFINISPAN_HOST is not set")
		}
		timeout := cfg.InfinispanStartupTimeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		timeoutCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		// Infinispan answers RESP2 only, same as the entries cache plugin.
		return dialLocatorStore(timeoutCtx, &goredis.Options{
			Addr:     cfg.InfinispanHost,
			Username: cfg.InfinispanUsername,
			Password: cfg.InfinispanPassword,
			Protocol: 2,
		})
	default:
		return nil, fmt.Errorf("response resumer: unsupported cache type %q", cfg.CacheType)
	}
}

// cacheLocatorStore keeps locators in any RESP-speaking cache.
type cacheLocatorStore struct {
	client *goredis.Client
}

func dialLocatorStore(ctx context.Context, opts *goredis.Options) (*cacheLocatorStore, error) {
	client := goredis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("response resumer: cache ping failed: %w", err)
	}
	return &cacheLocatorStore{client: client}, nil
}

func (s *cacheLocatorStore) Available() bool {
	return true
}

func (s *cacheLocatorStore) Get(ctx context.Context, conversationID string) (*Locator, error) {
	value, err := s.client.Get(ctx, locatorKey(conversationID)).Result()
	if err == goredis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	locator, ok := decodeLocator(value)
	if !ok {
		return nil, nil
	}
	return &locator, nil
}

func (s *cacheLocatorStore) Upsert(ctx context.Context, conversationID string, locator Locator, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = 10 * time.Second
	}
	encoded, err := locator.encode()
	if err != nil {
		return err
	}
	return s.client.Set(ctx, locatorKey(conversationID), encoded, ttl).Err()
}

func (s *cacheLocatorStore) Remove(ctx context.Context, conversationID string) error {
	return s.client.Del(ctx, locatorKey(conversationID)).Err()
}

func (s *cacheLocatorStore) Exists(ctx context.Context, conversationID string) (bool, error) {
	n, err := s.client.Exists(ctx, locatorKey(conversationID)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

type noopLocatorStore struct{}

func (noopLocatorStore) Available() bool { return false }

func (noopLocatorStore) Get(_ context.Context, _ string) (*Locator, error) {
	return nil, nil
}

func (noopLocatorStore) Upsert(_ context.Context, _ string, _ Locator, _ time.Duration) error {
	return nil
}

func (noopLocatorStore) Remove(_ context.Context, _ string) error {
	return nil
}

func (noopLocatorStore) Exists(_ context.Context, _ string) (bool, error) {
	return false, nil
}

func locatorKey(conversationID string) string {
	return locatorKeyPrefix + strings.TrimSpace(conversationID)
}
