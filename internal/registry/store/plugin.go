package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/threadvault/threadvault/internal/model"
)

// PagedEntries is a paginated list of entries.
type PagedEntries struct {
	Data        []model.Entry `json:"data"`
	AfterCursor *string       `json:"afterCursor,omitempty"`
}

// ConversationSummary is a lightweight conversation representation for lists.
type ConversationSummary struct {
	ID                     uuid.UUID              `json:"id"`
	Title                  string                 `json:"title"`
	OwnerUserID            string                 `json:"ownerUserId"`
	Metadata               map[string]interface{} `json:"metadata"`
	ConversationGroupID    uuid.UUID              `json:"-"`
	ForkedAtEntryID        *uuid.UUID             `json:"forkedAtEntryId,omitempty"`
	ForkedAtConversationID *uuid.UUID             `json:"forkedAtConversationId,omitempty"`
	CreatedAt              time.Time              `json:"createdAt"`
	UpdatedAt              time.Time              `json:"updatedAt"`
	DeletedAt              *time.Time             `json:"deletedAt,omitempty"`
	AccessLevel            model.AccessLevel      `json:"accessLevel"`
}

// ConversationForkSummary represents a fork in a list.
type ConversationForkSummary struct {
	ID                     uuid.UUID  `json:"conversationId"`
	Title                  string     `json:"title"`
	ForkedAtEntryID        *uuid.UUID `json:"forkedAtEntryId,omitempty"`
	ForkedAtConversationID *uuid.UUID `json:"forkedAtConversationId,omitempty"`
	CreatedAt              time.Time  `json:"createdAt"`
	UpdatedAt              time.Time  `json:"updatedAt"`
}

// ConversationDetail is the full conversation for get/create/update.
type ConversationDetail struct {
	ConversationSummary
}

// MemoryEpochFilter filters memory entries by epoch.
type MemoryEpochFilter struct {
	Mode  string // "latest", "all", "epoch"
	Epoch *int64
}

const (
	MemoryEpochModeLatest = "latest"
	MemoryEpochModeAll    = "all"
	MemoryEpochModeEpoch  = "epoch"
)

// ParseMemoryEpochFilter parses epoch filter values:
// ""/"latest" => latest epoch
// "all"       => all epochs
// "<number>"  => specific epoch
func ParseMemoryEpochFilter(raw string) (*MemoryEpochFilter, error) {
	value := strings.TrimSpace(strings.ToLower(raw))
	switch value {
	case "", MemoryEpochModeLatest:
		return &MemoryEpochFilter{Mode: MemoryEpochModeLatest}, nil
	case MemoryEpochModeAll:
		return &MemoryEpochFilter{Mode: MemoryEpochModeAll}, nil
	default:
		epoch, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid epoch filter %q; expected latest, all, or an integer epoch", raw)
		}
		return &MemoryEpochFilter{Mode: MemoryEpochModeEpoch, Epoch: &epoch}, nil
	}
}

// EntryQuery holds the parameters for listing entries.
type EntryQuery struct {
	AfterEntryID *string
	Limit        int
	Channel      *model.Channel
	EpochFilter  *MemoryEpochFilter
	ClientID     *string
	AllForks     bool
}

// OwnershipTransferDto is the external representation of an ownership transfer.
type OwnershipTransferDto struct {
	ID                  uuid.UUID `json:"id"`
	ConversationGroupID uuid.UUID `json:"-"`
	ConversationID      uuid.UUID `json:"conversationId"`
	FromUserID          string    `json:"fromUserId"`
	ToUserID            string    `json:"toUserId"`
	CreatedAt           time.Time `json:"createdAt"`
}

// EvictionKind selects one category of evictable data.
type EvictionKind string

const (
	EvictConversationGroups      EvictionKind = "conversation_groups"
	EvictConversationMemberships EvictionKind = "conversation_memberships"
	EvictMemoryEpochs            EvictionKind = "memory_epochs"
)

// ParseEvictionKind returns the EvictionKind for a raw string, or an error.
func ParseEvictionKind(raw string) (EvictionKind, error) {
	switch EvictionKind(strings.TrimSpace(strings.ToLower(raw))) {
	case EvictConversationGroups:
		return EvictConversationGroups, nil
	case EvictConversationMemberships:
		return EvictConversationMemberships, nil
	case EvictMemoryEpochs:
		return EvictMemoryEpochs, nil
	}
	return "", fmt.Errorf("unknown eviction kind %q", raw)
}

// AllEvictionKinds lists every supported kind in processing order.
func AllEvictionKinds() []EvictionKind {
	return []EvictionKind{EvictConversationGroups, EvictConversationMemberships, EvictMemoryEpochs}
}

// ProgressFunc receives incremental eviction progress as a percentage.
// It is invoked with monotonically non-decreasing values and always ends at 100.
type ProgressFunc func(percent int)

// MemoryStore defines the primary data access interface for the memory store engine.
type MemoryStore interface {
	// Conversations
	CreateConversation(ctx context.Context, userID string, title string, metadata map[string]interface{}, forkedAtConversationID *uuid.UUID, forkedAtEntryID *uuid.UUID) (*ConversationDetail, error)
	// CreateConversationWithID creates a conversation with a caller-assigned ID.
	// Used by append-with-unseen-id upserts and fork-on-append.
	CreateConversationWithID(ctx context.Context, userID string, convID uuid.UUID, title string, metadata map[string]interface{}, forkedAtConversationID *uuid.UUID, forkedAtEntryID *uuid.UUID) (*ConversationDetail, error)
	ListConversations(ctx context.Context, userID string, afterCursor *string, limit int, mode model.ConversationListMode) ([]ConversationSummary, *string, error)
	GetConversation(ctx context.Context, userID string, conversationID uuid.UUID) (*ConversationDetail, error)
	UpdateConversation(ctx context.Context, userID string, conversationID uuid.UUID, title *string, metadata map[string]interface{}) (*ConversationDetail, error)
	DeleteConversation(ctx context.Context, userID string, conversationID uuid.UUID) error
	RestoreConversation(ctx context.Context, userID string, conversationID uuid.UUID) error

	// Forks
	ForkConversationAtEntry(ctx context.Context, userID string, conversationID uuid.UUID, entryID uuid.UUID, title *string) (*ConversationDetail, error)
	ListForks(ctx context.Context, userID string, conversationID uuid.UUID, afterCursor *string, limit int) ([]ConversationForkSummary, *string, error)

	// Memberships
	ListMemberships(ctx context.Context, userID string, conversationID uuid.UUID, afterCursor *string, limit int) ([]model.ConversationMembership, *string, error)
	ShareConversation(ctx context.Context, userID string, conversationID uuid.UUID, targetUserID string, accessLevel model.AccessLevel) (*model.ConversationMembership, error)
	UpdateMembership(ctx context.Context, userID string, conversationID uuid.UUID, memberUserID string, accessLevel model.AccessLevel) (*model.ConversationMembership, error)
	RevokeMembership(ctx context.Context, userID string, conversationID uuid.UUID, memberUserID string) error

	// Ownership Transfers
	ListPendingTransfers(ctx context.Context, userID string, role string, afterCursor *string, limit int) ([]OwnershipTransferDto, *string, error)
	GetTransfer(ctx context.Context, userID string, transferID uuid.UUID) (*OwnershipTransferDto, error)
	CreateOwnershipTransfer(ctx context.Context, userID string, conversationID uuid.UUID, toUserID string) (*OwnershipTransferDto, error)
	AcceptTransfer(ctx context.Context, userID string, transferID uuid.UUID) error
	CancelTransfer(ctx context.Context, userID string, transferID uuid.UUID) error

	// Entries
	GetEntries(ctx context.Context, userID string, conversationID uuid.UUID, q EntryQuery) (*PagedEntries, error)
	AppendUserEntry(ctx context.Context, userID string, conversationID uuid.UUID, entry CreateEntryRequest) (*model.Entry, error)
	AppendAgentEntries(ctx context.Context, userID string, conversationID uuid.UUID, entries []CreateEntryRequest, clientID string, epoch *int64) ([]model.Entry, error)
	GetEntryGroupID(ctx context.Context, entryID uuid.UUID) (uuid.UUID, error)
	SyncAgentMemory(ctx context.Context, userID string, conversationID uuid.UUID, entry CreateEntryRequest, clientID string) (*SyncResult, error)

	// Indexing
	FindEntriesPendingVectorIndexing(ctx context.Context, limit int) ([]model.Entry, error)
	SetIndexedAt(ctx context.Context, entryID uuid.UUID, indexedAt *time.Time) error

	// Eviction
	Evict(ctx context.Context, retention time.Duration, kinds []EvictionKind, progress ProgressFunc) error

	// Tasks
	CreateTask(ctx context.Context, taskType string, taskBody map[string]interface{}) error
	ClaimReadyTasks(ctx context.Context, limit int) ([]model.Task, error)
	DeleteTask(ctx context.Context, taskID uuid.UUID) error
	FailTask(ctx context.Context, taskID uuid.UUID, errMsg string, retryDelay time.Duration) error

	Close() error
}

// CreateEntryRequest is the input for creating an entry.
type CreateEntryRequest struct {
	Content                json.RawMessage `json:"content"`
	ContentType            string          `json:"contentType"`
	Channel                string          `json:"channel"`
	IndexedContent         *string         `json:"indexedContent,omitempty"`
	UserID                 *string         `json:"userId,omitempty"`
	ForkedAtConversationID *uuid.UUID      `json:"forkedAtConversationId,omitempty"`
	ForkedAtEntryID        *uuid.UUID      `json:"forkedAtEntryId,omitempty"`
}

// SyncResult is the result of a memory sync operation.
type SyncResult struct {
	Entry            *model.Entry `json:"entry,omitempty"`
	Epoch            *int64       `json:"epoch"`
	NoOp             bool         `json:"noOp"`
	EpochIncremented bool         `json:"epochIncremented"`
}

// Loader creates a MemoryStore from config.
type Loader func(ctx context.Context) (MemoryStore, error)

// Plugin represents a store plugin.
type Plugin struct {
	Name   string
	Loader Loader
}

var plugins []Plugin

// Register adds a store plugin.
func Register(p Plugin) {
	plugins = append(plugins, p)
}

// Names returns all registered store plugin names.
func Names() []string {
	names := make([]string, len(plugins))
	for i, p := range plugins {
		names[i] = p.Name
	}
	return names
}

// Select returns the loader for the named store plugin.
func Select(name string) (Loader, error) {
	for _, p := range plugins {
		if p.Name == name {
			return p.Loader, nil
		}
	}
	return nil, fmt.Errorf("unknown store %q; valid: %v", name, Names())
}
