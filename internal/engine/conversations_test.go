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

func historyContent(role, text string) json.RawMessage {
	block := map[string]interface{}{"role": role, "text": text}
	raw, _ := json.Marshal([]interface{}{block})
	return raw
}

func appendHistory(t *testing.T, e *Engine, userID string, convID uuid.UUID, text string) *model.Entry {
	t.Helper()
	entry, err := e.AppendUserEntry(context.Background(), userID, convID, store.CreateEntryRequest{
		ContentType: "history",
		Content:     historyContent("USER", text),
	})
	require.NoError(t, err)
	return entry
}

func TestCreateConversation(t *testing.T) {
	e, backend := newTestEngine(t, Options{})
	ctx := context.Background()

	conv, err := e.CreateConversation(ctx, "alice", "my chat", map[string]interface{}{"k": "v"}, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "my chat", conv.Title)
	assert.Equal(t, "alice", conv.OwnerUserID)
	assert.Equal(t, model.AccessLevelOwner, conv.AccessLevel)
	assert.NotEqual(t, uuid.Nil, conv.ConversationGroupID)

	m, err := backend.GetMembership(ctx, conv.ConversationGroupID, "alice", false)
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.Equal(t, model.AccessLevelOwner, m.AccessLevel)
}

func TestCreateConversationRequiresUser(t *testing.T) {
	e, _ := newTestEngine(t, Options{})
	_, err := e.CreateConversation(context.Background(), "", "t", nil, nil, nil)
	var vErr *store.ValidationError
	require.ErrorAs(t, err, &vErr)
}

func TestGetConversationHiddenFromStrangers(t *testing.T) {
	e, _ := newTestEngine(t, Options{})
	ctx := context.Background()

	conv, err := e.CreateConversation(ctx, "alice", "secret", nil, nil, nil)
	require.NoError(t, err)

	_, err = e.GetConversation(ctx, "mallory", conv.ID)
	var nfErr *store.NotFoundError
	require.ErrorAs(t, err, &nfErr)
}

func TestReaderCannotWrite(t *testing.T) {
	e, _ := newTestEngine(t, Options{})
	ctx := context.Background()

	conv, err := e.CreateConversation(ctx, "alice", "t", nil, nil, nil)
	require.NoError(t, err)
	_, err = e.ShareConversation(ctx, "alice", conv.ID, "bob", model.AccessLevelReader)
	require.NoError(t, err)

	_, err = e.UpdateConversation(ctx, "bob", conv.ID, strPtr("nope"), nil)
	var fErr *store.ForbiddenError
	require.ErrorAs(t, err, &fErr)

	got, err := e.GetConversation(ctx, "bob", conv.ID)
	require.NoError(t, err)
	assert.Equal(t, "t", got.Title)
}

func TestForkLineagePointsAtPreviousEntry(t *testing.T) {
	e, _ := newTestEngine(t, Options{})
	ctx := context.Background()

	conv, err := e.CreateConversation(ctx, "alice", "root", nil, nil, nil)
	require.NoError(t, err)
	first := appendHistory(t, e, "alice", conv.ID, "one")
	second := appendHistory(t, e, "alice", conv.ID, "two")

	fork, err := e.ForkConversationAtEntry(ctx, "alice", conv.ID, second.ID, strPtr("fork"))
	require.NoError(t, err)
	require.NotNil(t, fork.ForkedAtEntryID)
	assert.Equal(t, first.ID, *fork.ForkedAtEntryID)
	require.NotNil(t, fork.ForkedAtConversationID)
	assert.Equal(t, conv.ID, *fork.ForkedAtConversationID)
	assert.Equal(t, conv.ConversationGroupID, fork.ConversationGroupID)
}

func TestForkAtFirstEntryHasNilLineageEntry(t *testing.T) {
	e, _ := newTestEngine(t, Options{})
	ctx := context.Background()

	conv, err := e.CreateConversation(ctx, "alice", "root", nil, nil, nil)
	require.NoError(t, err)
	first := appendHistory(t, e, "alice", conv.ID, "one")

	fork, err := e.ForkConversationAtEntry(ctx, "alice", conv.ID, first.ID, nil)
	require.NoError(t, err)
	assert.Nil(t, fork.ForkedAtEntryID)
	// The fork inherits the source title when none is given.
	assert.Equal(t, "root", fork.Title)
}

func TestForkRejectsMemoryEntryAsForkPoint(t *testing.T) {
	e, _ := newTestEngine(t, Options{})
	ctx := context.Background()

	conv, err := e.CreateConversation(ctx, "alice", "root", nil, nil, nil)
	require.NoError(t, err)
	entries, err := e.AppendAgentEntries(ctx, "alice", conv.ID, []store.CreateEntryRequest{{
		Channel:     "memory",
		ContentType: "facts",
		Content:     json.RawMessage(`[{"f":1}]`),
	}}, "agent-1", nil)
	require.NoError(t, err)

	_, err = e.ForkConversationAtEntry(ctx, "alice", conv.ID, entries[0].ID, nil)
	var vErr *store.ValidationError
	require.ErrorAs(t, err, &vErr)
}

func TestListForksRootFirstThenRecency(t *testing.T) {
	e, backend := newTestEngine(t, Options{})
	ctx := context.Background()

	conv, err := e.CreateConversation(ctx, "alice", "root", nil, nil, nil)
	require.NoError(t, err)
	first := appendHistory(t, e, "alice", conv.ID, "one")

	forkA, err := e.ForkConversationAtEntry(ctx, "alice", conv.ID, first.ID, strPtr("a"))
	require.NoError(t, err)
	forkB, err := e.ForkConversationAtEntry(ctx, "alice", conv.ID, first.ID, strPtr("b"))
	require.NoError(t, err)

	// Make forkA the most recently updated fork.
	require.NoError(t, backend.TouchConversation(ctx, forkA.ID, time.Now().Add(time.Hour)))

	forks, _, err := e.ListForks(ctx, "alice", forkB.ID, nil, 0)
	require.NoError(t, err)
	require.Len(t, forks, 3)
	assert.Equal(t, conv.ID, forks[0].ID)
	assert.Equal(t, forkA.ID, forks[1].ID)
	assert.Equal(t, forkB.ID, forks[2].ID)
}

func TestListConversationModes(t *testing.T) {
	e, backend := newTestEngine(t, Options{})
	ctx := context.Background()

	conv, err := e.CreateConversation(ctx, "alice", "root", nil, nil, nil)
	require.NoError(t, err)
	first := appendHistory(t, e, "alice", conv.ID, "one")
	fork, err := e.ForkConversationAtEntry(ctx, "alice", conv.ID, first.ID, strPtr("fork"))
	require.NoError(t, err)
	require.NoError(t, backend.TouchConversation(ctx, fork.ID, time.Now().Add(time.Hour)))

	all, _, err := e.ListConversations(ctx, "alice", nil, 0, model.ListModeAll)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	roots, _, err := e.ListConversations(ctx, "alice", nil, 0, model.ListModeRoots)
	require.NoError(t, err)
	require.Len(t, roots, 1)
	assert.Equal(t, conv.ID, roots[0].ID)

	latest, _, err := e.ListConversations(ctx, "alice", nil, 0, model.ListModeLatestFork)
	require.NoError(t, err)
	require.Len(t, latest, 1)
	assert.Equal(t, fork.ID, latest[0].ID)

	_, _, err = e.ListConversations(ctx, "alice", nil, 0, "bogus")
	var vErr *store.ValidationError
	require.ErrorAs(t, err, &vErr)
}

func TestDeleteConversationTombstonesGroup(t *testing.T) {
	e, backend := newTestEngine(t, Options{})
	ctx := context.Background()

	conv, err := e.CreateConversation(ctx, "alice", "root", nil, nil, nil)
	require.NoError(t, err)
	first := appendHistory(t, e, "alice", conv.ID, "one")
	fork, err := e.ForkConversationAtEntry(ctx, "alice", conv.ID, first.ID, nil)
	require.NoError(t, err)
	_, err = e.ShareConversation(ctx, "alice", conv.ID, "bob", model.AccessLevelWriter)
	require.NoError(t, err)
	_, err = e.CreateOwnershipTransfer(ctx, "alice", conv.ID, "bob")
	require.NoError(t, err)

	require.NoError(t, e.DeleteConversation(ctx, "alice", conv.ID))

	// Both conversations in the group are tombstoned.
	_, err = backend.GetConversation(ctx, conv.ID, false)
	var nfErr *store.NotFoundError
	require.ErrorAs(t, err, &nfErr)
	_, err = backend.GetConversation(ctx, fork.ID, false)
	require.ErrorAs(t, err, &nfErr)
	deleted, err := backend.GetConversation(ctx, conv.ID, true)
	require.NoError(t, err)
	assert.NotNil(t, deleted.DeletedAt)

	// Memberships are hard-deleted, with an audit trail per removed member.
	members, err := backend.ListMemberships(ctx, conv.ConversationGroupID, true)
	require.NoError(t, err)
	assert.Empty(t, members)
	removals := 0
	for _, rec := range backend.audits {
		if rec.Event == model.AuditMembershipRemoved {
			removals++
		}
	}
	assert.Equal(t, 2, removals)

	// The pending transfer went with the group.
	pending, err := backend.GetPendingTransferForGroup(ctx, conv.ConversationGroupID)
	require.NoError(t, err)
	assert.Nil(t, pending)
}

func TestDeleteConversationRequiresManager(t *testing.T) {
	e, backend := newTestEngine(t, Options{})
	ctx := context.Background()

	conv, err := e.CreateConversation(ctx, "alice", "root", nil, nil, nil)
	require.NoError(t, err)
	_, err = e.ShareConversation(ctx, "alice", conv.ID, "bob", model.AccessLevelWriter)
	require.NoError(t, err)
	_, err = e.ShareConversation(ctx, "alice", conv.ID, "carol", model.AccessLevelManager)
	require.NoError(t, err)

	err = e.DeleteConversation(ctx, "bob", conv.ID)
	var fErr *store.ForbiddenError
	require.ErrorAs(t, err, &fErr)

	// A manager may delete, not just the owner.
	require.NoError(t, e.DeleteConversation(ctx, "carol", conv.ID))
	deleted, err := backend.GetConversation(ctx, conv.ID, true)
	require.NoError(t, err)
	assert.NotNil(t, deleted.DeletedAt)
}

func TestRestoreConversation(t *testing.T) {
	e, backend := newTestEngine(t, Options{})
	ctx := context.Background()

	conv, err := e.CreateConversation(ctx, "alice", "root", nil, nil, nil)
	require.NoError(t, err)

	// Restoring a live conversation is a conflict, not a no-op.
	err = e.RestoreConversation(ctx, "alice", conv.ID)
	var cErr *store.ConflictError
	require.ErrorAs(t, err, &cErr)

	require.NoError(t, e.DeleteConversation(ctx, "alice", conv.ID))

	// Only the recorded owner can restore.
	err = e.RestoreConversation(ctx, "bob", conv.ID)
	var nfErr *store.NotFoundError
	require.ErrorAs(t, err, &nfErr)

	require.NoError(t, e.RestoreConversation(ctx, "alice", conv.ID))
	restored, err := backend.GetConversation(ctx, conv.ID, false)
	require.NoError(t, err)
	assert.Nil(t, restored.DeletedAt)

	// The owner membership was re-created.
	m, err := backend.GetMembership(ctx, conv.ConversationGroupID, "alice", false)
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.Equal(t, model.AccessLevelOwner, m.AccessLevel)
}

func strPtr(s string) *string { return &s }
