package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"github.com/threadvault/threadvault/internal/config"
	registrycache "github.com/threadvault/threadvault/internal/registry/cache"
)

const defaultTTL = 10 * time.Minute

func init() {
	registrycache.Register(registrycache.Plugin{
		Name:   "redis",
		Loader: load,
	})
}

func load(ctx context.Context) (registrycache.MemoryEntriesCache, error) {
	cfg := config.FromContext(ctx)
	if cfg == nil || cfg.RedisURL == "" {
		return nil, fmt.Errorf("redis cache: THREADVAULT_REDIS_URL is required")
	}
	ttl := cfg.CacheEpochTTL
	if ttl <= 0 {
		ttl = defaultTTL
	}
	opts, err := goredis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("redis cache: invalid URL: %w", err)
	}
	return New(ctx, opts, ttl)
}

// New connects to Redis and verifies it with a ping. The cache is shared
// across replicas, which is why multi-instance deployments prefer it over
// the local plugin.
func New(ctx context.Context, opts *goredis.Options, ttl time.Duration) (registrycache.MemoryEntriesCache, error) {
	client := goredis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis cache: ping failed: %w", err)
	}
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &redisEntriesCache{client: client, ttl: ttl}, nil
}

type redisEntriesCache struct {
	client *goredis.Client
	ttl    time.Duration
}

func entriesKey(convID uuid.UUID, clientID string) string {
	return fmt.Sprintf("mem-entries:%s:%s", convID.String(), clientID)
}

func (c *redisEntriesCache) Available() bool { return true }

func (c *redisEntriesCache) Get(ctx context.Context, conversationID uuid.UUID, clientID string) (*registrycache.CachedMemoryEntries, error) {
	data, err := c.client.Get(ctx, entriesKey(conversationID, clientID)).Bytes()
	if err == goredis.Nil {
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

func (c *redisEntriesCache) Set(ctx context.Context, conversationID uuid.UUID, clientID string, entries registrycache.CachedMemoryEntries, ttl time.Duration) error {
	data, err := json.Marshal(entries)
	if err != nil {
		return err
	}
	if ttl == 0 {
		ttl = c.ttl
	}
	return c.client.Set(ctx, entriesKey(conversationID, clientID), data, ttl).Err()
}

func (c *redisEntriesCache) Remove(ctx context.Context, conversationID uuid.UUID, clientID string) error {
	return c.client.Del(ctx, entriesKey(conversationID, clientID)).Err()
}

var _ registrycache.MemoryEntriesCache = (*redisEntriesCache)(nil)
