package engine

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/threadvault/threadvault/internal/model"
	"github.com/threadvault/threadvault/internal/registry/store"
)

// backdate shifts a tombstone into the past so it falls outside retention.
func backdateGroup(backend *fakeBackend, groupID string, age time.Duration) {
	backend.mu.Lock()
	defer backend.mu.Unlock()
	old := time.Now().Add(-age)
	for id, g := range backend.groups {
		if id.String() == groupID && g.DeletedAt != nil {
			g.DeletedAt = &old
		}
	}
	for _, c := range backend.conversations {
		if c.ConversationGroupID.String() == groupID && c.DeletedAt != nil {
			c.DeletedAt = &old
		}
	}
}

func backdateMemberships(backend *fakeBackend, age time.Duration) {
	backend.mu.Lock()
	defer backend.mu.Unlock()
	old := time.Now().Add(-age)
	for _, m := range backend.memberships {
		if m.DeletedAt != nil {
			m.DeletedAt = &old
		}
	}
}

func backdateEntries(backend *fakeBackend, age time.Duration) {
	backend.mu.Lock()
	defer backend.mu.Unlock()
	old := time.Now().Add(-age)
	for _, e := range backend.entries {
		e.CreatedAt = old
	}
}

func TestEvictTombstonedGroupPastRetention(t *testing.T) {
	e, backend := newTestEngine(t, Options{})
	ctx := context.Background()

	conv, err := e.CreateConversation(ctx, "alice", "t", nil, nil, nil)
	require.NoError(t, err)
	appendHistory(t, e, "alice", conv.ID, "one")
	require.NoError(t, e.DeleteConversation(ctx, "alice", conv.ID))
	backdateGroup(backend, conv.ConversationGroupID.String(), 48*time.Hour)

	var percents []int
	err = e.Evict(ctx, 24*time.Hour, []store.EvictionKind{store.EvictConversationGroups}, func(p int) {
		percents = append(percents, p)
	})
	require.NoError(t, err)

	// The group and its rows are gone.
	_, err = backend.GetConversation(ctx, conv.ID, true)
	var nfErr *store.NotFoundError
	require.ErrorAs(t, err, &nfErr)
	entries, err := backend.ListEntries(ctx, conv.ID, nil)
	require.NoError(t, err)
	assert.Empty(t, entries)

	// A vector cleanup task points at the purged group.
	tasks := backend.tasksOfType(TaskVectorStoreDelete)
	require.Len(t, tasks, 1)
	assert.Equal(t, conv.ConversationGroupID.String(), tasks[0].TaskBody["conversationGroupId"])

	require.NotEmpty(t, percents)
	assert.Equal(t, 100, percents[len(percents)-1])
}

func TestEvictSkipsGroupsInsideRetention(t *testing.T) {
	e, backend := newTestEngine(t, Options{})
	ctx := context.Background()

	conv, err := e.CreateConversation(ctx, "alice", "t", nil, nil, nil)
	require.NoError(t, err)
	require.NoError(t, e.DeleteConversation(ctx, "alice", conv.ID))

	err = e.Evict(ctx, 24*time.Hour, nil, nil)
	require.NoError(t, err)

	_, err = backend.GetConversation(ctx, conv.ID, true)
	require.NoError(t, err)
}

func TestEvictTombstonedMemberships(t *testing.T) {
	e, backend := newTestEngine(t, Options{})
	ctx := context.Background()

	conv, err := e.CreateConversation(ctx, "alice", "t", nil, nil, nil)
	require.NoError(t, err)
	_, err = e.ShareConversation(ctx, "alice", conv.ID, "bob", model.AccessLevelReader)
	require.NoError(t, err)
	require.NoError(t, e.RevokeMembership(ctx, "alice", conv.ID, "bob"))
	backdateMemberships(backend, 48*time.Hour)

	err = e.Evict(ctx, 24*time.Hour, []store.EvictionKind{store.EvictConversationMemberships}, nil)
	require.NoError(t, err)

	m, err := backend.GetMembership(ctx, conv.ConversationGroupID, "bob", true)
	require.NoError(t, err)
	assert.Nil(t, m)
	// The live owner membership is untouched.
	owner, err := backend.GetMembership(ctx, conv.ConversationGroupID, "alice", false)
	require.NoError(t, err)
	assert.NotNil(t, owner)
}

func TestEvictSupersededEpochsKeepsLatest(t *testing.T) {
	e, backend := newTestEngine(t, Options{})
	ctx := context.Background()

	conv, err := e.CreateConversation(ctx, "alice", "t", nil, nil, nil)
	require.NoError(t, err)

	// Epoch 1, then a divergent epoch 2 for agent-1; agent-2 keeps one epoch.
	_, err = e.SyncAgentMemory(ctx, "alice", conv.ID, memReq(`[{"f":1}]`), "agent-1")
	require.NoError(t, err)
	_, err = e.SyncAgentMemory(ctx, "alice", conv.ID, memReq(`[{"f":2}]`), "agent-1")
	require.NoError(t, err)
	_, err = e.SyncAgentMemory(ctx, "alice", conv.ID, memReq(`[{"g":1}]`), "agent-2")
	require.NoError(t, err)
	backdateEntries(backend, 48*time.Hour)

	err = e.Evict(ctx, 24*time.Hour, []store.EvictionKind{store.EvictMemoryEpochs}, nil)
	require.NoError(t, err)

	// agent-1's epoch 1 is gone; the latest epochs survive regardless of age.
	entries1, err := backend.ListMemoryEntries(ctx, conv.ID, "agent-1", 1)
	require.NoError(t, err)
	assert.Empty(t, entries1)
	entries2, err := backend.ListMemoryEntries(ctx, conv.ID, "agent-1", 2)
	require.NoError(t, err)
	assert.Len(t, entries2, 1)
	agent2, err := backend.ListMemoryEntries(ctx, conv.ID, "agent-2", 1)
	require.NoError(t, err)
	assert.Len(t, agent2, 1)

	// Each purged entry got its own vector cleanup task.
	tasks := backend.tasksOfType(TaskVectorStoreDeleteEntry)
	assert.Len(t, tasks, 1)
}

func TestEvictGroupLostToConcurrentWorkerEnqueuesOneTask(t *testing.T) {
	e, backend := newTestEngine(t, Options{})
	ctx := context.Background()

	conv, err := e.CreateConversation(ctx, "alice", "t", nil, nil, nil)
	require.NoError(t, err)
	appendHistory(t, e, "alice", conv.ID, "one")
	require.NoError(t, e.DeleteConversation(ctx, "alice", conv.ID))
	backdateGroup(backend, conv.ConversationGroupID.String(), 48*time.Hour)

	// A second worker purges the same group between our claim and purge. Only
	// the worker whose delete removed the group row enqueues the cleanup task.
	competing := false
	backend.beforePurgeGroup = func(groupID uuid.UUID) {
		if competing {
			return
		}
		competing = true
		purged, err := backend.PurgeGroup(ctx, groupID)
		require.NoError(t, err)
		require.True(t, purged)
		require.NoError(t, backend.InsertTask(ctx, newTask(TaskVectorStoreDelete, map[string]interface{}{
			"conversationGroupId": groupID.String(),
		})))
	}

	err = e.Evict(ctx, 24*time.Hour, []store.EvictionKind{store.EvictConversationGroups}, nil)
	require.NoError(t, err)

	tasks := backend.tasksOfType(TaskVectorStoreDelete)
	assert.Len(t, tasks, 1)
}

func TestEvictEpochLostToConcurrentWorkerEnqueuesOneTaskPerEntry(t *testing.T) {
	e, backend := newTestEngine(t, Options{})
	ctx := context.Background()

	conv, err := e.CreateConversation(ctx, "alice", "t", nil, nil, nil)
	require.NoError(t, err)
	_, err = e.SyncAgentMemory(ctx, "alice", conv.ID, memReq(`[{"f":1}]`), "agent-1")
	require.NoError(t, err)
	_, err = e.SyncAgentMemory(ctx, "alice", conv.ID, memReq(`[{"f":2}]`), "agent-1")
	require.NoError(t, err)
	backdateEntries(backend, 48*time.Hour)

	competing := false
	backend.beforeDeleteEpochEntries = func(key EpochKey) {
		if competing {
			return
		}
		competing = true
		ids, err := backend.DeleteEpochEntries(ctx, key)
		require.NoError(t, err)
		require.NotEmpty(t, ids)
		for _, id := range ids {
			require.NoError(t, backend.InsertTask(ctx, newTask(TaskVectorStoreDeleteEntry, map[string]interface{}{
				"entryId": id.String(),
			})))
		}
	}

	err = e.Evict(ctx, 24*time.Hour, []store.EvictionKind{store.EvictMemoryEpochs}, nil)
	require.NoError(t, err)

	// The superseded epoch held one entry; exactly one task exists for it.
	tasks := backend.tasksOfType(TaskVectorStoreDeleteEntry)
	assert.Len(t, tasks, 1)
}

func TestEvictProgressEndsAtHundredWhenIdle(t *testing.T) {
	e, _ := newTestEngine(t, Options{})

	var percents []int
	err := e.Evict(context.Background(), 24*time.Hour, nil, func(p int) {
		percents = append(percents, p)
	})
	require.NoError(t, err)
	require.NotEmpty(t, percents)
	assert.Equal(t, 100, percents[len(percents)-1])
}

func TestEvictRejectsUnknownKind(t *testing.T) {
	e, _ := newTestEngine(t, Options{})
	err := e.Evict(context.Background(), time.Hour, []store.EvictionKind{"bogus"}, nil)
	var vErr *store.ValidationError
	require.ErrorAs(t, err, &vErr)
}

func TestTaskLifecycle(t *testing.T) {
	e, backend := newTestEngine(t, Options{})
	ctx := context.Background()

	body := map[string]interface{}{"entryId": "x"}
	require.NoError(t, e.CreateTask(ctx, TaskVectorStoreIndexRetry, body))

	claimed, err := e.ClaimReadyTasks(ctx, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, TaskVectorStoreIndexRetry, claimed[0].TaskType)

	// A claimed task is leased and not claimable again right away.
	again, err := e.ClaimReadyTasks(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, again)

	require.NoError(t, e.FailTask(ctx, claimed[0].ID, "boom", time.Minute))
	backend.mu.Lock()
	task := backend.tasks[claimed[0].ID]
	require.NotNil(t, task)
	assert.Equal(t, 1, task.RetryCount)
	require.NotNil(t, task.LastError)
	assert.Equal(t, "boom", *task.LastError)
	backend.mu.Unlock()

	require.NoError(t, e.DeleteTask(ctx, claimed[0].ID))
	backend.mu.Lock()
	assert.Empty(t, backend.tasks)
	backend.mu.Unlock()
}
