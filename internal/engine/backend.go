package engine

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/threadvault/threadvault/internal/model"
)

// ErrEpochAdvanced is returned by Backend.AppendMemoryEntries when the latest
// epoch for the (conversation, client) pair moved between the sync snapshot
// and the write. The engine reacts by re-snapshotting and re-running the diff.
var ErrEpochAdvanced = errors.New("memory epoch advanced concurrently")

// ConversationAccess pairs a conversation with the caller's access level,
// as resolved from a live membership.
type ConversationAccess struct {
	Conversation model.Conversation
	AccessLevel  model.AccessLevel
}

// EpochKey identifies one memory epoch of one agent in one conversation.
type EpochKey struct {
	ConversationID uuid.UUID
	ClientID       string
	Epoch          int64
}

// Backend is the storage contract the engine runs on. Implementations provide
// CRUD, cascade, and claim primitives only; fork lineage, channel validation,
// the epoch-diff algorithm, and eviction orchestration live in the engine.
//
// InTx runs fn with a transaction bound to the derived context on relational
// backends. Document backends run fn without atomicity: cascades become
// sequences of independent operations and may partially apply on crash.
type Backend interface {
	Name() string
	InTx(ctx context.Context, fn func(ctx context.Context) error) error

	// Groups and conversations
	InsertGroup(ctx context.Context, group *model.ConversationGroup) error
	GetGroup(ctx context.Context, groupID uuid.UUID) (*model.ConversationGroup, error)
	InsertConversation(ctx context.Context, conv *model.Conversation) error
	// GetConversation returns a store.NotFoundError when the conversation does
	// not exist, or is tombstoned and includeDeleted is false.
	GetConversation(ctx context.Context, conversationID uuid.UUID, includeDeleted bool) (*model.Conversation, error)
	UpdateConversation(ctx context.Context, conv *model.Conversation) error
	TouchConversation(ctx context.Context, conversationID uuid.UUID, updatedAt time.Time) error
	ListGroupConversations(ctx context.Context, groupID uuid.UUID, includeDeleted bool) ([]model.Conversation, error)
	// ListUserConversations returns a caller-owned slice, like ListEntries.
	ListUserConversations(ctx context.Context, userID string) ([]ConversationAccess, error)
	// SetGroupDeleted tombstones (or restores, with nil) a group and every
	// conversation in it.
	SetGroupDeleted(ctx context.Context, groupID uuid.UUID, deletedAt *time.Time) error
	SetConversationsOwner(ctx context.Context, groupID uuid.UUID, ownerUserID string) error

	// Memberships
	// GetMembership returns nil (not an error) when no row exists, or when the
	// row is tombstoned and includeDeleted is false.
	GetMembership(ctx context.Context, groupID uuid.UUID, userID string, includeDeleted bool) (*model.ConversationMembership, error)
	UpsertMembership(ctx context.Context, membership *model.ConversationMembership) error
	SoftDeleteMembership(ctx context.Context, groupID uuid.UUID, userID string, deletedAt time.Time) error
	ListMemberships(ctx context.Context, groupID uuid.UUID, includeDeleted bool) ([]model.ConversationMembership, error)
	// HardDeleteGroupMemberships removes every membership row (live or
	// tombstoned) of the group and returns the removed rows for auditing.
	HardDeleteGroupMemberships(ctx context.Context, groupID uuid.UUID) ([]model.ConversationMembership, error)

	// Ownership transfers
	// GetTransfer returns a store.NotFoundError when absent.
	GetTransfer(ctx context.Context, transferID uuid.UUID) (*model.OwnershipTransfer, error)
	// GetPendingTransferForGroup returns nil when the group has no pending transfer.
	GetPendingTransferForGroup(ctx context.Context, groupID uuid.UUID) (*model.OwnershipTransfer, error)
	ListTransfersForUser(ctx context.Context, userID string, incoming bool) ([]model.OwnershipTransfer, error)
	// InsertTransfer fails with a store.ConflictError when the group already
	// has a pending transfer.
	InsertTransfer(ctx context.Context, transfer *model.OwnershipTransfer) error
	DeleteTransfer(ctx context.Context, transferID uuid.UUID) error
	DeleteGroupTransfers(ctx context.Context, groupID uuid.UUID) error

	// Entries
	InsertEntries(ctx context.Context, entries []model.Entry) error
	// GetEntry returns a store.NotFoundError when absent.
	GetEntry(ctx context.Context, entryID uuid.UUID) (*model.Entry, error)
	// ListEntries returns the conversation's entries for the given channels
	// (all channels when empty), ordered by createdAt ascending with ties
	// broken by id ascending. The returned slice is owned by the caller and
	// may be filtered in place.
	ListEntries(ctx context.Context, conversationID uuid.UUID, channels []model.Channel) ([]model.Entry, error)
	// PreviousHistoryEntry returns the HISTORY entry strictly before the given
	// entry (createdAt descending, ties by id descending), or nil at the head.
	PreviousHistoryEntry(ctx context.Context, conversationID uuid.UUID, before *model.Entry) (*model.Entry, error)
	LatestEpoch(ctx context.Context, conversationID uuid.UUID, clientID string) (*int64, error)
	ListMemoryEntries(ctx context.Context, conversationID uuid.UUID, clientID string, epoch int64) ([]model.Entry, error)
	// AppendMemoryEntries inserts MEMORY entries after verifying that
	// max(epoch) for the pair still equals expectedLatest (nil = no epochs).
	// Returns ErrEpochAdvanced on a stale snapshot.
	AppendMemoryEntries(ctx context.Context, conversationID uuid.UUID, clientID string, expectedLatest *int64, entries []model.Entry) error

	// Indexing
	FindEntriesPendingVectorIndexing(ctx context.Context, limit int) ([]model.Entry, error)
	SetIndexedAt(ctx context.Context, entryID uuid.UUID, indexedAt *time.Time) error

	// Audit
	InsertAuditRecord(ctx context.Context, record *model.MembershipAuditRecord) error

	// Eviction
	CountEvictableGroups(ctx context.Context, cutoff time.Time) (int64, error)
	// ClaimEvictableGroups returns up to limit tombstoned groups past the
	// cutoff. The claim is best-effort batching; PurgeGroup's return value is
	// what decides which worker won a contended group.
	ClaimEvictableGroups(ctx context.Context, cutoff time.Time, limit int) ([]uuid.UUID, error)
	// PurgeGroup hard-deletes everything belonging to a group: entries,
	// conversations, memberships, transfers, then the group row. Returns true
	// only when this call removed the group row, so exactly one of any number
	// of concurrent purgers observes true.
	PurgeGroup(ctx context.Context, groupID uuid.UUID) (bool, error)
	CountEvictableMemberships(ctx context.Context, cutoff time.Time) (int64, error)
	DeleteEvictableMemberships(ctx context.Context, cutoff time.Time, limit int) (int64, error)
	CountEvictableEpochs(ctx context.Context, cutoff time.Time) (int64, error)
	// ClaimEvictableEpochs returns up to limit superseded epochs whose newest
	// entry is older than the cutoff. The latest epoch of a pair is never
	// returned regardless of age. Best-effort batching, like group claims.
	ClaimEvictableEpochs(ctx context.Context, cutoff time.Time, limit int) ([]EpochKey, error)
	// DeleteEpochEntries hard-deletes the epoch's entries and returns the IDs
	// of the rows this call actually removed. A concurrent purger of the same
	// epoch sees a disjoint (typically empty) ID set.
	DeleteEpochEntries(ctx context.Context, key EpochKey) ([]uuid.UUID, error)

	// Tasks
	InsertTask(ctx context.Context, task *model.Task) error
	ClaimReadyTasks(ctx context.Context, limit int) ([]model.Task, error)
	DeleteTask(ctx context.Context, taskID uuid.UUID) error
	FailTask(ctx context.Context, taskID uuid.UUID, errMsg string, retryAt time.Time) error

	Close() error
}
