package engine

import (
	"context"
	"fmt"
	"io"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"github.com/threadvault/threadvault/internal/model"
	"github.com/threadvault/threadvault/internal/registry/cache"
	"github.com/threadvault/threadvault/internal/registry/encrypt"
	"github.com/threadvault/threadvault/internal/registry/store"
)

// fakeBackend is an in-memory Backend for exercising the engine without a
// database. Cascades mirror the relational backend's behavior.
type fakeBackend struct {
	mu            sync.Mutex
	groups        map[uuid.UUID]*model.ConversationGroup
	conversations map[uuid.UUID]*model.Conversation
	memberships   map[string]*model.ConversationMembership
	entries       map[uuid.UUID]*model.Entry
	transfers     map[uuid.UUID]*model.OwnershipTransfer
	audits        []model.MembershipAuditRecord
	tasks         map[uuid.UUID]*model.Task

	// appendFailures makes the next N AppendMemoryEntries calls report a lost
	// epoch race, to exercise the sync retry path.
	appendFailures int

	// beforePurgeGroup and beforeDeleteEpochEntries run at the top of their
	// operations, outside the lock, so tests can interleave a competing
	// eviction.
	beforePurgeGroup         func(groupID uuid.UUID)
	beforeDeleteEpochEntries func(key EpochKey)
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		groups:        map[uuid.UUID]*model.ConversationGroup{},
		conversations: map[uuid.UUID]*model.Conversation{},
		memberships:   map[string]*model.ConversationMembership{},
		entries:       map[uuid.UUID]*model.Entry{},
		transfers:     map[uuid.UUID]*model.OwnershipTransfer{},
		tasks:         map[uuid.UUID]*model.Task{},
	}
}

func membershipKey(groupID uuid.UUID, userID string) string {
	return groupID.String() + "/" + userID
}

func (f *fakeBackend) Name() string { return "fake" }

func (f *fakeBackend) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

func (f *fakeBackend) InsertGroup(ctx context.Context, group *model.ConversationGroup) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	g := *group
	f.groups[group.ID] = &g
	return nil
}

func (f *fakeBackend) GetGroup(ctx context.Context, groupID uuid.UUID) (*model.ConversationGroup, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	g, ok := f.groups[groupID]
	if !ok {
		return nil, &store.NotFoundError{Resource: "conversation group", ID: groupID.String()}
	}
	out := *g
	return &out, nil
}

func (f *fakeBackend) InsertConversation(ctx context.Context, conv *model.Conversation) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, exists := f.conversations[conv.ID]; exists {
		return &store.ConflictError{Message: "conversation already exists", Code: "duplicate"}
	}
	c := *conv
	f.conversations[conv.ID] = &c
	return nil
}

func (f *fakeBackend) GetConversation(ctx context.Context, conversationID uuid.UUID, includeDeleted bool) (*model.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.conversations[conversationID]
	if !ok || (c.DeletedAt != nil && !includeDeleted) {
		return nil, &store.NotFoundError{Resource: "conversation", ID: conversationID.String()}
	}
	out := *c
	return &out, nil
}

func (f *fakeBackend) UpdateConversation(ctx context.Context, conv *model.Conversation) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := *conv
	f.conversations[conv.ID] = &c
	return nil
}

func (f *fakeBackend) TouchConversation(ctx context.Context, conversationID uuid.UUID, updatedAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.conversations[conversationID]; ok {
		c.UpdatedAt = updatedAt
	}
	return nil
}

func (f *fakeBackend) ListGroupConversations(ctx context.Context, groupID uuid.UUID, includeDeleted bool) ([]model.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.Conversation
	for _, c := range f.conversations {
		if c.ConversationGroupID != groupID {
			continue
		}
		if c.DeletedAt != nil && !includeDeleted {
			continue
		}
		out = append(out, *c)
	}
	return out, nil
}

func (f *fakeBackend) ListUserConversations(ctx context.Context, userID string) ([]ConversationAccess, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []ConversationAccess
	for _, m := range f.memberships {
		if m.UserID != userID || m.DeletedAt != nil {
			continue
		}
		group, ok := f.groups[m.ConversationGroupID]
		if !ok || group.DeletedAt != nil {
			continue
		}
		for _, c := range f.conversations {
			if c.ConversationGroupID == m.ConversationGroupID && c.DeletedAt == nil {
				out = append(out, ConversationAccess{Conversation: *c, AccessLevel: m.AccessLevel})
			}
		}
	}
	return out, nil
}

func (f *fakeBackend) SetGroupDeleted(ctx context.Context, groupID uuid.UUID, deletedAt *time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if g, ok := f.groups[groupID]; ok {
		g.DeletedAt = deletedAt
	}
	for _, c := range f.conversations {
		if c.ConversationGroupID == groupID {
			c.DeletedAt = deletedAt
		}
	}
	return nil
}

func (f *fakeBackend) SetConversationsOwner(ctx context.Context, groupID uuid.UUID, ownerUserID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.conversations {
		if c.ConversationGroupID == groupID {
			c.OwnerUserID = ownerUserID
		}
	}
	return nil
}

func (f *fakeBackend) GetMembership(ctx context.Context, groupID uuid.UUID, userID string, includeDeleted bool) (*model.ConversationMembership, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.memberships[membershipKey(groupID, userID)]
	if !ok || (m.DeletedAt != nil && !includeDeleted) {
		return nil, nil
	}
	out := *m
	return &out, nil
}

func (f *fakeBackend) UpsertMembership(ctx context.Context, membership *model.ConversationMembership) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := membershipKey(membership.ConversationGroupID, membership.UserID)
	if existing, ok := f.memberships[key]; ok {
		existing.AccessLevel = membership.AccessLevel
		existing.DeletedAt = nil
		return nil
	}
	m := *membership
	f.memberships[key] = &m
	return nil
}

func (f *fakeBackend) SoftDeleteMembership(ctx context.Context, groupID uuid.UUID, userID string, deletedAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if m, ok := f.memberships[membershipKey(groupID, userID)]; ok {
		t := deletedAt
		m.DeletedAt = &t
	}
	return nil
}

func (f *fakeBackend) ListMemberships(ctx context.Context, groupID uuid.UUID, includeDeleted bool) ([]model.ConversationMembership, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.ConversationMembership
	for _, m := range f.memberships {
		if m.ConversationGroupID != groupID {
			continue
		}
		if m.DeletedAt != nil && !includeDeleted {
			continue
		}
		out = append(out, *m)
	}
	return out, nil
}

func (f *fakeBackend) HardDeleteGroupMemberships(ctx context.Context, groupID uuid.UUID) ([]model.ConversationMembership, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var removed []model.ConversationMembership
	for key, m := range f.memberships {
		if m.ConversationGroupID == groupID {
			removed = append(removed, *m)
			delete(f.memberships, key)
		}
	}
	return removed, nil
}

func (f *fakeBackend) GetTransfer(ctx context.Context, transferID uuid.UUID) (*model.OwnershipTransfer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.transfers[transferID]
	if !ok {
		return nil, &store.NotFoundError{Resource: "transfer", ID: transferID.String()}
	}
	out := *t
	return &out, nil
}

func (f *fakeBackend) GetPendingTransferForGroup(ctx context.Context, groupID uuid.UUID) (*model.OwnershipTransfer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, t := range f.transfers {
		if t.ConversationGroupID == groupID {
			out := *t
			return &out, nil
		}
	}
	return nil, nil
}

func (f *fakeBackend) ListTransfersForUser(ctx context.Context, userID string, incoming bool) ([]model.OwnershipTransfer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.OwnershipTransfer
	for _, t := range f.transfers {
		if (incoming && t.ToUserID == userID) || (!incoming && t.FromUserID == userID) {
			out = append(out, *t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (f *fakeBackend) InsertTransfer(ctx context.Context, transfer *model.OwnershipTransfer) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, t := range f.transfers {
		if t.ConversationGroupID == transfer.ConversationGroupID {
			return &store.ConflictError{
				Message: "a transfer is already pending for this conversation",
				Code:    "TRANSFER_ALREADY_PENDING",
				Details: map[string]interface{}{"existingTransferId": t.ID.String()},
			}
		}
	}
	t := *transfer
	f.transfers[transfer.ID] = &t
	return nil
}

func (f *fakeBackend) DeleteTransfer(ctx context.Context, transferID uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.transfers, transferID)
	return nil
}

func (f *fakeBackend) DeleteGroupTransfers(ctx context.Context, groupID uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for id, t := range f.transfers {
		if t.ConversationGroupID == groupID {
			delete(f.transfers, id)
		}
	}
	return nil
}

func (f *fakeBackend) InsertEntries(ctx context.Context, entries []model.Entry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, entry := range entries {
		e := entry
		f.entries[entry.ID] = &e
	}
	return nil
}

func (f *fakeBackend) GetEntry(ctx context.Context, entryID uuid.UUID) (*model.Entry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.entries[entryID]
	if !ok {
		return nil, &store.NotFoundError{Resource: "entry", ID: entryID.String()}
	}
	out := *e
	return &out, nil
}

func entryOrder(a, b *model.Entry) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID.String() < b.ID.String()
}

func (f *fakeBackend) ListEntries(ctx context.Context, conversationID uuid.UUID, channels []model.Channel) ([]model.Entry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	wanted := map[model.Channel]bool{}
	for _, c := range channels {
		wanted[c] = true
	}
	var out []*model.Entry
	for _, e := range f.entries {
		if e.ConversationID != conversationID {
			continue
		}
		if len(wanted) > 0 && !wanted[e.Channel] {
			continue
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return entryOrder(out[i], out[j]) })
	result := make([]model.Entry, len(out))
	for i, e := range out {
		result[i] = *e
	}
	return result, nil
}

func (f *fakeBackend) PreviousHistoryEntry(ctx context.Context, conversationID uuid.UUID, before *model.Entry) (*model.Entry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var prev *model.Entry
	for _, e := range f.entries {
		if e.ConversationID != conversationID || e.Channel != model.ChannelHistory {
			continue
		}
		if !entryOrder(e, before) {
			continue
		}
		if prev == nil || entryOrder(prev, e) {
			prev = e
		}
	}
	if prev == nil {
		return nil, nil
	}
	out := *prev
	return &out, nil
}

func (f *fakeBackend) LatestEpoch(ctx context.Context, conversationID uuid.UUID, clientID string) (*int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.latestEpochLocked(conversationID, clientID), nil
}

func (f *fakeBackend) latestEpochLocked(conversationID uuid.UUID, clientID string) *int64 {
	var latest *int64
	for _, e := range f.entries {
		if e.ConversationID != conversationID || e.Channel != model.ChannelMemory {
			continue
		}
		if e.ClientID == nil || *e.ClientID != clientID || e.Epoch == nil {
			continue
		}
		if latest == nil || *e.Epoch > *latest {
			v := *e.Epoch
			latest = &v
		}
	}
	return latest
}

func (f *fakeBackend) ListMemoryEntries(ctx context.Context, conversationID uuid.UUID, clientID string, epoch int64) ([]model.Entry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*model.Entry
	for _, e := range f.entries {
		if e.ConversationID != conversationID || e.Channel != model.ChannelMemory {
			continue
		}
		if e.ClientID == nil || *e.ClientID != clientID || e.Epoch == nil || *e.Epoch != epoch {
			continue
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return entryOrder(out[i], out[j]) })
	result := make([]model.Entry, len(out))
	for i, e := range out {
		result[i] = *e
	}
	return result, nil
}

func (f *fakeBackend) AppendMemoryEntries(ctx context.Context, conversationID uuid.UUID, clientID string, expectedLatest *int64, entries []model.Entry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.appendFailures > 0 {
		f.appendFailures--
		return ErrEpochAdvanced
	}
	latest := f.latestEpochLocked(conversationID, clientID)
	if (latest == nil) != (expectedLatest == nil) {
		return ErrEpochAdvanced
	}
	if latest != nil && *latest != *expectedLatest {
		return ErrEpochAdvanced
	}
	for _, entry := range entries {
		e := entry
		f.entries[entry.ID] = &e
	}
	return nil
}

func (f *fakeBackend) FindEntriesPendingVectorIndexing(ctx context.Context, limit int) ([]model.Entry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.Entry
	for _, e := range f.entries {
		if e.IndexedContent != nil && e.IndexedAt == nil {
			out = append(out, *e)
			if len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (f *fakeBackend) SetIndexedAt(ctx context.Context, entryID uuid.UUID, indexedAt *time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.entries[entryID]
	if !ok {
		return &store.NotFoundError{Resource: "entry", ID: entryID.String()}
	}
	e.IndexedAt = indexedAt
	return nil
}

func (f *fakeBackend) InsertAuditRecord(ctx context.Context, record *model.MembershipAuditRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.audits = append(f.audits, *record)
	return nil
}

func (f *fakeBackend) CountEvictableGroups(ctx context.Context, cutoff time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for _, g := range f.groups {
		if g.DeletedAt != nil && g.DeletedAt.Before(cutoff) {
			n++
		}
	}
	return n, nil
}

func (f *fakeBackend) ClaimEvictableGroups(ctx context.Context, cutoff time.Time, limit int) ([]uuid.UUID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []uuid.UUID
	for id, g := range f.groups {
		if g.DeletedAt != nil && g.DeletedAt.Before(cutoff) {
			out = append(out, id)
			if len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (f *fakeBackend) PurgeGroup(ctx context.Context, groupID uuid.UUID) (bool, error) {
	if f.beforePurgeGroup != nil {
		f.beforePurgeGroup(groupID)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for id, e := range f.entries {
		if e.ConversationGroupID == groupID {
			delete(f.entries, id)
		}
	}
	for id, c := range f.conversations {
		if c.ConversationGroupID == groupID {
			delete(f.conversations, id)
		}
	}
	for key, m := range f.memberships {
		if m.ConversationGroupID == groupID {
			delete(f.memberships, key)
		}
	}
	for id, t := range f.transfers {
		if t.ConversationGroupID == groupID {
			delete(f.transfers, id)
		}
	}
	_, existed := f.groups[groupID]
	delete(f.groups, groupID)
	return existed, nil
}

func (f *fakeBackend) CountEvictableMemberships(ctx context.Context, cutoff time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for _, m := range f.memberships {
		if m.DeletedAt != nil && m.DeletedAt.Before(cutoff) {
			n++
		}
	}
	return n, nil
}

func (f *fakeBackend) DeleteEvictableMemberships(ctx context.Context, cutoff time.Time, limit int) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for key, m := range f.memberships {
		if m.DeletedAt != nil && m.DeletedAt.Before(cutoff) {
			delete(f.memberships, key)
			n++
			if int(n) >= limit {
				break
			}
		}
	}
	return n, nil
}

// evictableEpochsLocked collects superseded epochs whose newest entry is older
// than the cutoff, never including a pair's latest epoch.
func (f *fakeBackend) evictableEpochsLocked(cutoff time.Time) []EpochKey {
	type pair struct {
		conversationID uuid.UUID
		clientID       string
	}
	maxEpoch := map[pair]int64{}
	newest := map[EpochKey]time.Time{}
	for _, e := range f.entries {
		if e.Channel != model.ChannelMemory || e.ClientID == nil || e.Epoch == nil {
			continue
		}
		p := pair{e.ConversationID, *e.ClientID}
		if cur, ok := maxEpoch[p]; !ok || *e.Epoch > cur {
			maxEpoch[p] = *e.Epoch
		}
		key := EpochKey{e.ConversationID, *e.ClientID, *e.Epoch}
		if e.CreatedAt.After(newest[key]) {
			newest[key] = e.CreatedAt
		}
	}
	var out []EpochKey
	for key, t := range newest {
		if key.Epoch < maxEpoch[pair{key.ConversationID, key.ClientID}] && t.Before(cutoff) {
			out = append(out, key)
		}
	}
	return out
}

func (f *fakeBackend) CountEvictableEpochs(ctx context.Context, cutoff time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return int64(len(f.evictableEpochsLocked(cutoff))), nil
}

func (f *fakeBackend) ClaimEvictableEpochs(ctx context.Context, cutoff time.Time, limit int) ([]EpochKey, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	keys := f.evictableEpochsLocked(cutoff)
	if len(keys) > limit {
		keys = keys[:limit]
	}
	return keys, nil
}

func (f *fakeBackend) DeleteEpochEntries(ctx context.Context, key EpochKey) ([]uuid.UUID, error) {
	if f.beforeDeleteEpochEntries != nil {
		f.beforeDeleteEpochEntries(key)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []uuid.UUID
	for id, e := range f.entries {
		if e.ConversationID == key.ConversationID && e.Channel == model.ChannelMemory &&
			e.ClientID != nil && *e.ClientID == key.ClientID && e.Epoch != nil && *e.Epoch == key.Epoch {
			delete(f.entries, id)
			out = append(out, id)
		}
	}
	return out, nil
}

func (f *fakeBackend) InsertTask(ctx context.Context, task *model.Task) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	t := *task
	f.tasks[task.ID] = &t
	return nil
}

func (f *fakeBackend) ClaimReadyTasks(ctx context.Context, limit int) ([]model.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	now := time.Now()
	var out []model.Task
	for _, t := range f.tasks {
		if !t.RetryAt.After(now) {
			t.RetryAt = now.Add(5 * time.Minute)
			out = append(out, *t)
			if len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (f *fakeBackend) DeleteTask(ctx context.Context, taskID uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.tasks, taskID)
	return nil
}

func (f *fakeBackend) FailTask(ctx context.Context, taskID uuid.UUID, errMsg string, retryAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tasks[taskID]
	if !ok {
		return &store.NotFoundError{Resource: "task", ID: taskID.String()}
	}
	t.LastError = &errMsg
	t.RetryAt = retryAt
	t.RetryCount++
	return nil
}

func (f *fakeBackend) Close() error { return nil }

func (f *fakeBackend) tasksOfType(taskType string) []model.Task {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.Task
	for _, t := range f.tasks {
		if t.TaskType == taskType {
			out = append(out, *t)
		}
	}
	return out
}

// passthroughCrypt stores plaintext as-is so tests can assert on stored bytes.
type passthroughCrypt struct{}

func (passthroughCrypt) ID() string                       { return "plain" }
func (passthroughCrypt) Encrypt(p []byte) ([]byte, error) { return p, nil }
func (passthroughCrypt) Decrypt(c []byte) ([]byte, error) { return c, nil }
func (passthroughCrypt) EncryptStream(dst io.Writer) (io.WriteCloser, error) {
	return nil, fmt.Errorf("not supported")
}
func (passthroughCrypt) DecryptStream(src io.Reader, _ *encrypt.Header) (io.Reader, error) {
	return src, nil
}

// recordingCache is a map-backed MemoryEntriesCache that counts operations.
type recordingCache struct {
	mu      sync.Mutex
	data    map[string]cache.CachedMemoryEntries
	sets    int
	removes int
}

func newRecordingCache() *recordingCache {
	return &recordingCache{data: map[string]cache.CachedMemoryEntries{}}
}

func (c *recordingCache) Available() bool { return true }

func (c *recordingCache) Get(ctx context.Context, conversationID uuid.UUID, clientID string) (*cache.CachedMemoryEntries, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cached, ok := c.data[conversationID.String()+"/"+clientID]
	if !ok {
		return nil, nil
	}
	return &cached, nil
}

func (c *recordingCache) Set(ctx context.Context, conversationID uuid.UUID, clientID string, entries cache.CachedMemoryEntries, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[conversationID.String()+"/"+clientID] = entries
	c.sets++
	return nil
}

func (c *recordingCache) Remove(ctx context.Context, conversationID uuid.UUID, clientID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.data, conversationID.String()+"/"+clientID)
	c.removes++
	return nil
}

func newTestEngine(t *testing.T, opts Options) (*Engine, *fakeBackend) {
	t.Helper()
	backend := newFakeBackend()
	if opts.Crypt == nil {
		opts.Crypt = passthroughCrypt{}
	}
	e, err := New(backend, opts)
	require.NoError(t, err)
	return e, backend
}
