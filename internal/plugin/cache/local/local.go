package local

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/dgraph-io/ristretto/v2"
	"github.com/google/uuid"
	"github.com/threadvault/threadvault/internal/config"
	registrycache "github.com/threadvault/threadvault/internal/registry/cache"
)

const defaultTTL = 10 * time.Minute

func init() {
	registrycache.Register(registrycache.Plugin{
		Name:   "local",
		Loader: load,
	})
}

func load(ctx context.Context) (registrycache.MemoryEntriesCache, error) {
	cfg := config.FromContext(ctx)
	maxCost := int64(64 * 1024 * 1024)
	ttl := defaultTTL
	if cfg != nil {
		if cfg.LocalCacheMaxCost > 0 {
			maxCost = cfg.LocalCacheMaxCost
		}
		if cfg.CacheEpochTTL > 0 {
			ttl = cfg.CacheEpochTTL
		}
	}
	return New(maxCost, ttl)
}

// New creates an in-process entries cache with the given cost budget in bytes.
// Useful for single-instance deployments where Redis would be overkill; the
// cache is not shared, so a multi-replica deployment should use redis instead.
func New(maxCost int64, ttl time.Duration) (registrycache.MemoryEntriesCache, error) {
	inner, err := ristretto.NewCache(&ristretto.Config[string, []byte]{
		NumCounters: maxCost / 1024 * 10,
		MaxCost:     maxCost,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("local cache: %w", err)
	}
	return &localEntriesCache{inner: inner, ttl: ttl}, nil
}

type localEntriesCache struct {
	inner *ristretto.Cache[string, []byte]
	ttl   time.Duration
}

func entriesKey(convID uuid.UUID, clientID string) string {
	return fmt.Sprintf("mem-entries:%s:%s", convID.String(), clientID)
}

func (c *localEntriesCache) Available() bool { return true }

func (c *localEntriesCache) Get(_ context.Context, conversationID uuid.UUID, clientID string) (*registrycache.CachedMemoryEntries, error) {
	data, ok := c.inner.Get(entriesKey(conversationID, clientID))
	if !ok {
		return nil, nil
	}
	var cached registrycache.CachedMemoryEntries
	if err := json.Unmarshal(data, &cached); err != nil {
		return nil, err
	}
	return &cached, nil
}

func (c *localEntriesCache) Set(_ context.Context, conversationID uuid.UUID, clientID string, entries registrycache.CachedMemoryEntries, ttl time.Duration) error {
	data, err := json.Marshal(entries)
	if err != nil {
		return err
	}
	if ttl == 0 {
		ttl = c.ttl
	}
	c.inner.SetWithTTL(entriesKey(conversationID, clientID), data, int64(len(data)), ttl)
	return nil
}

func (c *localEntriesCache) Remove(_ context.Context, conversationID uuid.UUID, clientID string) error {
	c.inner.Del(entriesKey(conversationID, clientID))
	return nil
}

var _ registrycache.MemoryEntriesCache = (*localEntriesCache)(nil)
