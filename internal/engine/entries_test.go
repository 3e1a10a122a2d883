package engine

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/threadvault/threadvault/internal/model"
	"github.com/threadvault/threadvault/internal/registry/store"
)

func TestValidateHistoryEntry(t *testing.T) {
	valid := historyContent("USER", "hello")

	cases := []struct {
		name        string
		contentType string
		content     json.RawMessage
		wantField   string
	}{
		{"valid", "history", valid, ""},
		{"valid subtype", "history/openai", valid, ""},
		{"wrong content type", "text/plain", valid, "contentType"},
		{"empty subtype", "history/", valid, "contentType"},
		{"empty content", "history", nil, "content"},
		{"not an array", "history", json.RawMessage(`{"role":"USER"}`), "content"},
		{"two blocks", "history", json.RawMessage(`[{"role":"USER","text":"a"},{"role":"AI","text":"b"}]`), "content"},
		{"bad role", "history", json.RawMessage(`[{"role":"SYSTEM","text":"a"}]`), "content.role"},
		{"empty block", "history", json.RawMessage(`[{"role":"USER"}]`), "content"},
		{"attachment without href or id", "history", json.RawMessage(`[{"role":"USER","attachments":[{}]}]`), "content.attachments"},
		{"href without content type", "history", json.RawMessage(`[{"role":"USER","attachments":[{"href":"https://x/y"}]}]`), "content.attachments"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := validateHistoryEntry(tc.contentType, tc.content)
			if tc.wantField == "" {
				assert.NoError(t, err)
				return
			}
			var vErr *store.ValidationError
			require.ErrorAs(t, err, &vErr)
			assert.Equal(t, tc.wantField, vErr.Field)
		})
	}
}

func TestValidateHistoryEntryAttachmentShapes(t *testing.T) {
	byID := json.RawMessage(`[{"role":"AI","attachments":[{"attachmentId":"a1"}]}]`)
	assert.NoError(t, validateHistoryEntry("history", byID))

	byHref := json.RawMessage(`[{"role":"AI","attachments":[{"href":"https://x/y","contentType":"image/png"}]}]`)
	assert.NoError(t, validateHistoryEntry("history", byHref))
}

func TestAppendUserEntryAutoCreatesConversation(t *testing.T) {
	e, backend := newTestEngine(t, Options{})
	ctx := context.Background()

	convID := uuid.New()
	entry, err := e.AppendUserEntry(ctx, "alice", convID, store.CreateEntryRequest{
		ContentType: "history",
		Content:     historyContent("USER", "first message"),
	})
	require.NoError(t, err)
	assert.Equal(t, convID, entry.ConversationID)

	conv, err := backend.GetConversation(ctx, convID, false)
	require.NoError(t, err)
	assert.Equal(t, "alice", conv.OwnerUserID)
	m, err := backend.GetMembership(ctx, conv.ConversationGroupID, "alice", false)
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.Equal(t, model.AccessLevelOwner, m.AccessLevel)
}

func TestAppendUserEntryRejectsAgentChannels(t *testing.T) {
	e, _ := newTestEngine(t, Options{})
	ctx := context.Background()

	conv, err := e.CreateConversation(ctx, "alice", "t", nil, nil, nil)
	require.NoError(t, err)

	_, err = e.AppendUserEntry(ctx, "alice", conv.ID, store.CreateEntryRequest{
		Channel:     "memory",
		ContentType: "facts",
		Content:     json.RawMessage(`[]`),
	})
	var fErr *store.ForbiddenError
	require.ErrorAs(t, err, &fErr)
}

func TestAppendUserEntryAdvancesUpdatedAt(t *testing.T) {
	e, backend := newTestEngine(t, Options{})
	ctx := context.Background()

	conv, err := e.CreateConversation(ctx, "alice", "t", nil, nil, nil)
	require.NoError(t, err)
	before, err := backend.GetConversation(ctx, conv.ID, false)
	require.NoError(t, err)

	time.Sleep(time.Millisecond)
	appendHistory(t, e, "alice", conv.ID, "hello")

	after, err := backend.GetConversation(ctx, conv.ID, false)
	require.NoError(t, err)
	assert.True(t, after.UpdatedAt.After(before.UpdatedAt))
}

func TestAppendAgentEntriesRequiresClientID(t *testing.T) {
	e, _ := newTestEngine(t, Options{})
	ctx := context.Background()

	conv, err := e.CreateConversation(ctx, "alice", "t", nil, nil, nil)
	require.NoError(t, err)

	_, err = e.AppendAgentEntries(ctx, "alice", conv.ID, []store.CreateEntryRequest{{
		Channel:     "memory",
		ContentType: "facts",
		Content:     json.RawMessage(`[{"f":1}]`),
	}}, "", nil)
	var fErr *store.ForbiddenError
	require.ErrorAs(t, err, &fErr)
}

func TestAppendAgentEntriesStampsEpochAndClient(t *testing.T) {
	e, backend := newTestEngine(t, Options{})
	ctx := context.Background()

	conv, err := e.CreateConversation(ctx, "alice", "t", nil, nil, nil)
	require.NoError(t, err)

	entries, err := e.AppendAgentEntries(ctx, "alice", conv.ID, []store.CreateEntryRequest{{
		Channel:     "memory",
		ContentType: "facts",
		Content:     json.RawMessage(`[{"f":1}]`),
	}}, "agent-1", nil)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.NotNil(t, entries[0].Epoch)
	assert.Equal(t, int64(1), *entries[0].Epoch)
	require.NotNil(t, entries[0].ClientID)
	assert.Equal(t, "agent-1", *entries[0].ClientID)

	latest, err := backend.LatestEpoch(ctx, conv.ID, "agent-1")
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, int64(1), *latest)

	// A second client gets its own epoch sequence.
	latest2, err := backend.LatestEpoch(ctx, conv.ID, "agent-2")
	require.NoError(t, err)
	assert.Nil(t, latest2)
}

func TestAppendAgentEntriesStaleEpochConflicts(t *testing.T) {
	e, _ := newTestEngine(t, Options{})
	ctx := context.Background()

	conv, err := e.CreateConversation(ctx, "alice", "t", nil, nil, nil)
	require.NoError(t, err)

	two := int64(2)
	_, err = e.AppendAgentEntries(ctx, "alice", conv.ID, []store.CreateEntryRequest{{
		Channel:     "memory",
		ContentType: "facts",
		Content:     json.RawMessage(`[{"f":1}]`),
	}}, "agent-1", &two)
	require.NoError(t, err)

	one := int64(1)
	_, err = e.AppendAgentEntries(ctx, "alice", conv.ID, []store.CreateEntryRequest{{
		Channel:     "memory",
		ContentType: "facts",
		Content:     json.RawMessage(`[{"f":2}]`),
	}}, "agent-1", &one)
	var cErr *store.ConflictError
	require.ErrorAs(t, err, &cErr)
	assert.Equal(t, "stale_epoch", cErr.Code)
}

func TestAgentHistoryAdvancesUpdatedAtButMemoryDoesNot(t *testing.T) {
	e, backend := newTestEngine(t, Options{})
	ctx := context.Background()

	conv, err := e.CreateConversation(ctx, "alice", "t", nil, nil, nil)
	require.NoError(t, err)
	before, err := backend.GetConversation(ctx, conv.ID, false)
	require.NoError(t, err)

	time.Sleep(time.Millisecond)
	_, err = e.AppendAgentEntries(ctx, "alice", conv.ID, []store.CreateEntryRequest{{
		Channel:     "memory",
		ContentType: "facts",
		Content:     json.RawMessage(`[{"f":1}]`),
	}}, "agent-1", nil)
	require.NoError(t, err)

	after, err := backend.GetConversation(ctx, conv.ID, false)
	require.NoError(t, err)
	assert.True(t, after.UpdatedAt.Equal(before.UpdatedAt))

	_, err = e.AppendAgentEntries(ctx, "alice", conv.ID, []store.CreateEntryRequest{{
		Channel:     "history",
		ContentType: "history",
		Content:     historyContent("AI", "reply"),
	}}, "agent-1", nil)
	require.NoError(t, err)

	after, err = backend.GetConversation(ctx, conv.ID, false)
	require.NoError(t, err)
	assert.True(t, after.UpdatedAt.After(before.UpdatedAt))
}

func TestIndexedContentOnlyOnHistory(t *testing.T) {
	e, _ := newTestEngine(t, Options{})
	ctx := context.Background()

	conv, err := e.CreateConversation(ctx, "alice", "t", nil, nil, nil)
	require.NoError(t, err)

	_, err = e.AppendAgentEntries(ctx, "alice", conv.ID, []store.CreateEntryRequest{{
		Channel:        "summary",
		ContentType:    "summary",
		Content:        json.RawMessage(`{"s":"short"}`),
		IndexedContent: strPtr("short"),
	}}, "agent-1", nil)
	var vErr *store.ValidationError
	require.ErrorAs(t, err, &vErr)
	assert.Equal(t, "indexedContent", vErr.Field)
}

func TestGetEntriesChannelAndEpochFilters(t *testing.T) {
	e, _ := newTestEngine(t, Options{})
	ctx := context.Background()

	conv, err := e.CreateConversation(ctx, "alice", "t", nil, nil, nil)
	require.NoError(t, err)
	appendHistory(t, e, "alice", conv.ID, "hello")

	// Epoch 1 then a divergent epoch 2 via sync.
	_, err = e.SyncAgentMemory(ctx, "alice", conv.ID, store.CreateEntryRequest{
		ContentType: "facts",
		Content:     json.RawMessage(`[{"f":1}]`),
	}, "agent-1")
	require.NoError(t, err)
	_, err = e.SyncAgentMemory(ctx, "alice", conv.ID, store.CreateEntryRequest{
		ContentType: "facts",
		Content:     json.RawMessage(`[{"f":2}]`),
	}, "agent-1")
	require.NoError(t, err)

	memory := model.ChannelMemory
	latestFilter, err := store.ParseMemoryEpochFilter("latest")
	require.NoError(t, err)
	page, err := e.GetEntries(ctx, "alice", conv.ID, store.EntryQuery{
		ClientID:    strPtr("agent-1"),
		Channel:     &memory,
		EpochFilter: latestFilter,
	})
	require.NoError(t, err)
	require.Len(t, page.Data, 1)
	require.NotNil(t, page.Data[0].Epoch)
	assert.Equal(t, int64(2), *page.Data[0].Epoch)

	allFilter, err := store.ParseMemoryEpochFilter("all")
	require.NoError(t, err)
	page, err = e.GetEntries(ctx, "alice", conv.ID, store.EntryQuery{
		ClientID:    strPtr("agent-1"),
		Channel:     &memory,
		EpochFilter: allFilter,
	})
	require.NoError(t, err)
	assert.Len(t, page.Data, 2)

	oneFilter, err := store.ParseMemoryEpochFilter("1")
	require.NoError(t, err)
	page, err = e.GetEntries(ctx, "alice", conv.ID, store.EntryQuery{
		ClientID:    strPtr("agent-1"),
		Channel:     &memory,
		EpochFilter: oneFilter,
	})
	require.NoError(t, err)
	require.Len(t, page.Data, 1)
	assert.Equal(t, int64(1), *page.Data[0].Epoch)

	// No channel filter returns history too.
	page, err = e.GetEntries(ctx, "alice", conv.ID, store.EntryQuery{
		ClientID: strPtr("agent-1"),
	})
	require.NoError(t, err)
	assert.Len(t, page.Data, 3)
}

func TestGetEntriesWithoutAgentCredentialSeesOnlyHistory(t *testing.T) {
	e, _ := newTestEngine(t, Options{})
	ctx := context.Background()

	conv, err := e.CreateConversation(ctx, "alice", "t", nil, nil, nil)
	require.NoError(t, err)
	appendHistory(t, e, "alice", conv.ID, "hello")
	_, err = e.SyncAgentMemory(ctx, "alice", conv.ID, store.CreateEntryRequest{
		ContentType: "facts",
		Content:     json.RawMessage(`[{"secret":1}]`),
	}, "agent-1")
	require.NoError(t, err)

	// Default reads return the history channel only.
	page, err := e.GetEntries(ctx, "alice", conv.ID, store.EntryQuery{})
	require.NoError(t, err)
	require.Len(t, page.Data, 1)
	assert.Equal(t, model.ChannelHistory, page.Data[0].Channel)

	// Asking for memory without an agent credential is forbidden.
	memory := model.ChannelMemory
	_, err = e.GetEntries(ctx, "alice", conv.ID, store.EntryQuery{Channel: &memory})
	var fErr *store.ForbiddenError
	require.ErrorAs(t, err, &fErr)

	// So is any epoch selector.
	latestFilter, err := store.ParseMemoryEpochFilter("latest")
	require.NoError(t, err)
	_, err = e.GetEntries(ctx, "alice", conv.ID, store.EntryQuery{EpochFilter: latestFilter})
	require.ErrorAs(t, err, &fErr)
}

func TestGetEntriesAllForksInheritsAncestry(t *testing.T) {
	e, _ := newTestEngine(t, Options{})
	ctx := context.Background()

	conv, err := e.CreateConversation(ctx, "alice", "root", nil, nil, nil)
	require.NoError(t, err)
	first := appendHistory(t, e, "alice", conv.ID, "one")
	second := appendHistory(t, e, "alice", conv.ID, "two")
	appendHistory(t, e, "alice", conv.ID, "three")

	// Fork at the third entry: the fork's inherited timeline ends at "two".
	entries, err := e.GetEntries(ctx, "alice", conv.ID, store.EntryQuery{})
	require.NoError(t, err)
	third := entries.Data[2]
	fork, err := e.ForkConversationAtEntry(ctx, "alice", conv.ID, third.ID, nil)
	require.NoError(t, err)
	appendHistory(t, e, "alice", fork.ID, "divergent")

	page, err := e.GetEntries(ctx, "alice", fork.ID, store.EntryQuery{AllForks: true})
	require.NoError(t, err)
	require.Len(t, page.Data, 3)
	assert.Equal(t, first.ID, page.Data[0].ID)
	assert.Equal(t, second.ID, page.Data[1].ID)
	assert.Equal(t, "divergent", textOf(t, page.Data[2]))

	// Without AllForks only the fork's own entries come back.
	page, err = e.GetEntries(ctx, "alice", fork.ID, store.EntryQuery{})
	require.NoError(t, err)
	require.Len(t, page.Data, 1)
}

func TestGetEntriesPagination(t *testing.T) {
	e, _ := newTestEngine(t, Options{})
	ctx := context.Background()

	conv, err := e.CreateConversation(ctx, "alice", "t", nil, nil, nil)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		appendHistory(t, e, "alice", conv.ID, "msg")
		time.Sleep(time.Millisecond)
	}

	page, err := e.GetEntries(ctx, "alice", conv.ID, store.EntryQuery{Limit: 2})
	require.NoError(t, err)
	require.Len(t, page.Data, 2)
	require.NotNil(t, page.AfterCursor)

	page2, err := e.GetEntries(ctx, "alice", conv.ID, store.EntryQuery{Limit: 10, AfterEntryID: page.AfterCursor})
	require.NoError(t, err)
	assert.Len(t, page2.Data, 3)
	assert.Nil(t, page2.AfterCursor)
}

func textOf(t *testing.T, entry model.Entry) string {
	t.Helper()
	var blocks []map[string]interface{}
	require.NoError(t, json.Unmarshal(entry.Content, &blocks))
	require.Len(t, blocks, 1)
	text, _ := blocks[0]["text"].(string)
	return text
}
