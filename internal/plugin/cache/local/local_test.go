package local

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/threadvault/threadvault/internal/model"
	registrycache "github.com/threadvault/threadvault/internal/registry/cache"
)

func newCache(t *testing.T) *localEntriesCache {
	t.Helper()
	c, err := New(1<<20, time.Minute)
	require.NoError(t, err)
	return c.(*localEntriesCache)
}

func sampleEntries(convID uuid.UUID) registrycache.CachedMemoryEntries {
	epoch := int64(3)
	clientID := "agent-1"
	return registrycache.CachedMemoryEntries{
		Epoch: &epoch,
		Entries: []model.Entry{{
			ID:             uuid.New(),
			ConversationID: convID,
			Channel:        model.ChannelMemory,
			ClientID:       &clientID,
			Epoch:          &epoch,
			ContentType:    "facts",
			Content:        json.RawMessage(`[{"f":1}]`),
		}},
	}
}

func TestSetGetRoundTrip(t *testing.T) {
	c := newCache(t)
	ctx := context.Background()
	convID := uuid.New()

	require.NoError(t, c.Set(ctx, convID, "agent-1", sampleEntries(convID), 0))
	c.inner.Wait()

	cached, err := c.Get(ctx, convID, "agent-1")
	require.NoError(t, err)
	require.NotNil(t, cached)
	require.NotNil(t, cached.Epoch)
	assert.Equal(t, int64(3), *cached.Epoch)
	require.Len(t, cached.Entries, 1)
	assert.Equal(t, convID, cached.Entries[0].ConversationID)
	assert.JSONEq(t, `[{"f":1}]`, string(cached.Entries[0].Content))
}

func TestGetMissReturnsNil(t *testing.T) {
	c := newCache(t)
	cached, err := c.Get(context.Background(), uuid.New(), "agent-1")
	require.NoError(t, err)
	assert.Nil(t, cached)
}

func TestKeysAreScopedByClient(t *testing.T) {
	c := newCache(t)
	ctx := context.Background()
	convID := uuid.New()

	require.NoError(t, c.Set(ctx, convID, "agent-1", sampleEntries(convID), 0))
	c.inner.Wait()

	cached, err := c.Get(ctx, convID, "agent-2")
	require.NoError(t, err)
	assert.Nil(t, cached)
}

func TestRemoveDropsEntry(t *testing.T) {
	c := newCache(t)
	ctx := context.Background()
	convID := uuid.New()

	require.NoError(t, c.Set(ctx, convID, "agent-1", sampleEntries(convID), 0))
	c.inner.Wait()
	require.NoError(t, c.Remove(ctx, convID, "agent-1"))
	c.inner.Wait()

	cached, err := c.Get(ctx, convID, "agent-1")
	require.NoError(t, err)
	assert.Nil(t, cached)
}

func TestAvailable(t *testing.T) {
	c := newCache(t)
	assert.True(t, c.Available())
}
