package engine

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/threadvault/threadvault/internal/model"
	"github.com/threadvault/threadvault/internal/registry/store"
	"github.com/threadvault/threadvault/internal/security"
)

// CreateConversation creates a new conversation with a fresh ID, its own
// group, and an owner membership for the caller.
func (e *Engine) CreateConversation(ctx context.Context, userID string, title string, metadata map[string]interface{}, forkedAtConversationID *uuid.UUID, forkedAtEntryID *uuid.UUID) (*store.ConversationDetail, error) {
	return e.CreateConversationWithID(ctx, userID, uuid.New(), title, metadata, forkedAtConversationID, forkedAtEntryID)
}

// CreateConversationWithID creates a conversation under a caller-assigned ID.
// When fork lineage is given, the new conversation joins the source group
// instead of getting one of its own.
func (e *Engine) CreateConversationWithID(ctx context.Context, userID string, convID uuid.UUID, title string, metadata map[string]interface{}, forkedAtConversationID *uuid.UUID, forkedAtEntryID *uuid.UUID) (*store.ConversationDetail, error) {
	defer security.ObserveStoreLatency("create_conversation", time.Now())

	if userID == "" {
		return nil, &store.ValidationError{Field: "userId", Message: "must not be empty"}
	}
	encTitle, err := e.encryptTitle(title)
	if err != nil {
		return nil, err
	}
	if metadata == nil {
		metadata = map[string]interface{}{}
	}

	now := time.Now()
	conv := &model.Conversation{
		ID:                     convID,
		Title:                  encTitle,
		OwnerUserID:            userID,
		Metadata:               metadata,
		ForkedAtConversationID: forkedAtConversationID,
		ForkedAtEntryID:        forkedAtEntryID,
		CreatedAt:              now,
		UpdatedAt:              now,
	}

	err = e.backend.InTx(ctx, func(ctx context.Context) error {
		if forkedAtConversationID != nil {
			source, err := e.requireAccess(ctx, userID, *forkedAtConversationID, model.AccessLevelWriter)
			if err != nil {
				return err
			}
			conv.ConversationGroupID = source.ConversationGroupID
			conv.OwnerUserID = source.OwnerUserID
			return e.backend.InsertConversation(ctx, conv)
		}

		group := &model.ConversationGroup{ID: uuid.New(), CreatedAt: now}
		if err := e.backend.InsertGroup(ctx, group); err != nil {
			return err
		}
		conv.ConversationGroupID = group.ID
		if err := e.backend.InsertConversation(ctx, conv); err != nil {
			return err
		}
		membership := &model.ConversationMembership{
			ConversationGroupID: group.ID,
			UserID:              userID,
			AccessLevel:         model.AccessLevelOwner,
			CreatedAt:           now,
		}
		if err := e.backend.UpsertMembership(ctx, membership); err != nil {
			return err
		}
		return e.authz.WriteRelationship(ctx, group.ID, userID, model.AccessLevelOwner)
	})
	if err != nil {
		return nil, err
	}
	if forkedAtConversationID == nil {
		e.audit.MembershipAdded(ctx, conv.ConversationGroupID, userID, userID, model.AccessLevelOwner)
	}
	return e.toDetail(conv, model.AccessLevelOwner)
}

// ListConversations returns the caller's conversations ordered by most
// recently updated. The mode narrows each fork tree to all conversations,
// the root only, or the most recently updated fork only.
func (e *Engine) ListConversations(ctx context.Context, userID string, afterCursor *string, limit int, mode model.ConversationListMode) ([]store.ConversationSummary, *string, error) {
	defer security.ObserveStoreLatency("list_conversations", time.Now())

	access, err := e.backend.ListUserConversations(ctx, userID)
	if err != nil {
		return nil, nil, err
	}

	switch mode {
	case "", model.ListModeAll:
	case model.ListModeRoots:
		filtered := access[:0]
		for _, a := range access {
			if a.Conversation.ForkedAtConversationID == nil {
				filtered = append(filtered, a)
			}
		}
		access = filtered
	case model.ListModeLatestFork:
		latest := map[uuid.UUID]ConversationAccess{}
		for _, a := range access {
			cur, ok := latest[a.Conversation.ConversationGroupID]
			if !ok || a.Conversation.UpdatedAt.After(cur.Conversation.UpdatedAt) {
				latest[a.Conversation.ConversationGroupID] = a
			}
		}
		access = access[:0]
		for _, a := range latest {
			access = append(access, a)
		}
	default:
		return nil, nil, &store.ValidationError{Field: "mode", Message: "must be all, roots, or latest-fork"}
	}

	sort.Slice(access, func(i, j int) bool {
		a, b := access[i].Conversation, access[j].Conversation
		if !a.UpdatedAt.Equal(b.UpdatedAt) {
			return a.UpdatedAt.After(b.UpdatedAt)
		}
		return a.ID.String() < b.ID.String()
	})

	start := 0
	if afterCursor != nil && *afterCursor != "" {
		for i, a := range access {
			if a.Conversation.ID.String() == *afterCursor {
				start = i + 1
				break
			}
		}
	}
	if limit <= 0 {
		limit = 50
	}
	end := start + limit
	if end > len(access) {
		end = len(access)
	}

	summaries := make([]store.ConversationSummary, 0, end-start)
	for _, a := range access[start:end] {
		summary, err := e.toSummary(&a.Conversation, a.AccessLevel)
		if err != nil {
			return nil, nil, err
		}
		summaries = append(summaries, *summary)
	}

	var next *string
	if end < len(access) && end > start {
		cursor := access[end-1].Conversation.ID.String()
		next = &cursor
	}
	return summaries, next, nil
}

// GetConversation returns one conversation the caller can read.
func (e *Engine) GetConversation(ctx context.Context, userID string, conversationID uuid.UUID) (*store.ConversationDetail, error) {
	defer security.ObserveStoreLatency("get_conversation", time.Now())

	conv, err := e.requireAccess(ctx, userID, conversationID, model.AccessLevelReader)
	if err != nil {
		return nil, err
	}
	level, err := e.callerLevel(ctx, conv.ConversationGroupID, userID)
	if err != nil {
		return nil, err
	}
	return e.toDetail(conv, level)
}

// UpdateConversation updates the title and/or metadata. Nil leaves a field unchanged.
func (e *Engine) UpdateConversation(ctx context.Context, userID string, conversationID uuid.UUID, title *string, metadata map[string]interface{}) (*store.ConversationDetail, error) {
	defer security.ObserveStoreLatency("update_conversation", time.Now())

	conv, err := e.requireAccess(ctx, userID, conversationID, model.AccessLevelWriter)
	if err != nil {
		return nil, err
	}
	if title != nil {
		encTitle, err := e.encryptTitle(*title)
		if err != nil {
			return nil, err
		}
		conv.Title = encTitle
	}
	if metadata != nil {
		conv.Metadata = metadata
	}
	conv.UpdatedAt = time.Now()
	if err := e.backend.UpdateConversation(ctx, conv); err != nil {
		return nil, err
	}
	level, err := e.callerLevel(ctx, conv.ConversationGroupID, userID)
	if err != nil {
		return nil, err
	}
	return e.toDetail(conv, level)
}

// DeleteConversation tombstones the whole fork tree: the group and every
// conversation in it are soft-deleted together, memberships are hard-deleted
// with an audit record per member, and pending transfers are hard-deleted.
// Entries survive until the eviction engine purges the group past retention.
// Managers may delete, not just the owner.
func (e *Engine) DeleteConversation(ctx context.Context, userID string, conversationID uuid.UUID) error {
	defer security.ObserveStoreLatency("delete_conversation", time.Now())

	conv, err := e.requireAccess(ctx, userID, conversationID, model.AccessLevelManager)
	if err != nil {
		return err
	}

	var removed []model.ConversationMembership
	err = e.backend.InTx(ctx, func(ctx context.Context) error {
		if err := e.backend.SetGroupDeleted(ctx, conv.ConversationGroupID, ptrTime(time.Now())); err != nil {
			return err
		}
		removed, err = e.backend.HardDeleteGroupMemberships(ctx, conv.ConversationGroupID)
		if err != nil {
			return err
		}
		return e.backend.DeleteGroupTransfers(ctx, conv.ConversationGroupID)
	})
	if err != nil {
		return err
	}
	for _, m := range removed {
		e.audit.MembershipRemoved(ctx, conv.ConversationGroupID, userID, m.UserID)
		if err := e.authz.DeleteRelationship(ctx, conv.ConversationGroupID, m.UserID); err != nil {
			return err
		}
	}
	return nil
}

// RestoreConversation undoes a group tombstone. Memberships were hard-deleted
// on delete, so only the recorded owner can restore; doing so re-creates the
// owner membership.
func (e *Engine) RestoreConversation(ctx context.Context, userID string, conversationID uuid.UUID) error {
	defer security.ObserveStoreLatency("restore_conversation", time.Now())

	conv, err := e.backend.GetConversation(ctx, conversationID, true)
	if err != nil {
		return err
	}
	if conv.OwnerUserID != userID {
		return &store.NotFoundError{Resource: "conversation", ID: conversationID.String()}
	}
	if conv.DeletedAt == nil {
		return &store.ConflictError{Message: "conversation is not deleted", Code: "not_deleted"}
	}

	err = e.backend.InTx(ctx, func(ctx context.Context) error {
		if err := e.backend.SetGroupDeleted(ctx, conv.ConversationGroupID, nil); err != nil {
			return err
		}
		membership := &model.ConversationMembership{
			ConversationGroupID: conv.ConversationGroupID,
			UserID:              userID,
			AccessLevel:         model.AccessLevelOwner,
			CreatedAt:           time.Now(),
		}
		if err := e.backend.UpsertMembership(ctx, membership); err != nil {
			return err
		}
		return e.authz.WriteRelationship(ctx, conv.ConversationGroupID, userID, model.AccessLevelOwner)
	})
	if err != nil {
		return err
	}
	e.audit.MembershipAdded(ctx, conv.ConversationGroupID, userID, userID, model.AccessLevelOwner)
	return nil
}

// ForkConversationAtEntry creates a fork of the conversation within the same
// group. The fork's lineage points at the entry preceding the given one, so
// the forked timeline contains everything before the fork point and the entry
// forked at becomes the first divergent position.
func (e *Engine) ForkConversationAtEntry(ctx context.Context, userID string, conversationID uuid.UUID, entryID uuid.UUID, title *string) (*store.ConversationDetail, error) {
	defer security.ObserveStoreLatency("fork_conversation", time.Now())

	source, err := e.requireAccess(ctx, userID, conversationID, model.AccessLevelWriter)
	if err != nil {
		return nil, err
	}
	entry, err := e.backend.GetEntry(ctx, entryID)
	if err != nil {
		return nil, err
	}
	if entry.ConversationID != conversationID {
		return nil, &store.NotFoundError{Resource: "entry", ID: entryID.String()}
	}
	if entry.Channel != model.ChannelHistory {
		return nil, &store.ValidationError{Field: "entryId", Message: "fork point must be a history entry"}
	}

	previous, err := e.backend.PreviousHistoryEntry(ctx, conversationID, entry)
	if err != nil {
		return nil, err
	}

	forkTitle := ""
	if title != nil {
		forkTitle = *title
	} else {
		forkTitle, err = e.decryptTitle(source.Title)
		if err != nil {
			return nil, err
		}
	}
	encTitle, err := e.encryptTitle(forkTitle)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	fork := &model.Conversation{
		ID:                     uuid.New(),
		Title:                  encTitle,
		OwnerUserID:            source.OwnerUserID,
		Metadata:               map[string]interface{}{},
		ConversationGroupID:    source.ConversationGroupID,
		ForkedAtConversationID: &conversationID,
		CreatedAt:              now,
		UpdatedAt:              now,
	}
	if previous != nil {
		id := previous.ID
		fork.ForkedAtEntryID = &id
	}

	err = e.backend.InTx(ctx, func(ctx context.Context) error {
		if err := e.backend.InsertConversation(ctx, fork); err != nil {
			return err
		}
		// The fork shares the source group, so the caller's membership must
		// already cover it. A miss here means the access model is broken.
		membership, err := e.backend.GetMembership(ctx, fork.ConversationGroupID, userID, false)
		if err != nil {
			return err
		}
		if membership == nil && !e.isExternalGrant(ctx, fork.ConversationGroupID, userID) {
			return fmt.Errorf("fork of conversation %s: no membership for user in group %s", conversationID, fork.ConversationGroupID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	level, err := e.callerLevel(ctx, fork.ConversationGroupID, userID)
	if err != nil {
		return nil, err
	}
	return e.toDetail(fork, level)
}

// ListForks lists every conversation in the group, root first, then forks by
// most recently updated.
func (e *Engine) ListForks(ctx context.Context, userID string, conversationID uuid.UUID, afterCursor *string, limit int) ([]store.ConversationForkSummary, *string, error) {
	defer security.ObserveStoreLatency("list_forks", time.Now())

	conv, err := e.requireAccess(ctx, userID, conversationID, model.AccessLevelReader)
	if err != nil {
		return nil, nil, err
	}
	all, err := e.backend.ListGroupConversations(ctx, conv.ConversationGroupID, false)
	if err != nil {
		return nil, nil, err
	}

	sort.Slice(all, func(i, j int) bool {
		rootI := all[i].ForkedAtConversationID == nil
		rootJ := all[j].ForkedAtConversationID == nil
		if rootI != rootJ {
			return rootI
		}
		if !all[i].UpdatedAt.Equal(all[j].UpdatedAt) {
			return all[i].UpdatedAt.After(all[j].UpdatedAt)
		}
		return all[i].ID.String() < all[j].ID.String()
	})

	start := 0
	if afterCursor != nil && *afterCursor != "" {
		for i, c := range all {
			if c.ID.String() == *afterCursor {
				start = i + 1
				break
			}
		}
	}
	if limit <= 0 {
		limit = 50
	}
	end := start + limit
	if end > len(all) {
		end = len(all)
	}

	forks := make([]store.ConversationForkSummary, 0, end-start)
	for _, c := range all[start:end] {
		title, err := e.decryptTitle(c.Title)
		if err != nil {
			return nil, nil, err
		}
		forks = append(forks, store.ConversationForkSummary{
			ID:                     c.ID,
			Title:                  title,
			ForkedAtEntryID:        c.ForkedAtEntryID,
			ForkedAtConversationID: c.ForkedAtConversationID,
			CreatedAt:              c.CreatedAt,
			UpdatedAt:              c.UpdatedAt,
		})
	}

	var next *string
	if end < len(all) && end > start {
		cursor := all[end-1].ID.String()
		next = &cursor
	}
	return forks, next, nil
}

// isExternalGrant reports whether an external authorizer (not the membership
// table) granted the user access. Used to relax the fork membership post-check
// when policy-based access is in play.
func (e *Engine) isExternalGrant(ctx context.Context, groupID uuid.UUID, userID string) bool {
	if _, builtin := e.authz.(*membershipAuthorizer); builtin {
		return false
	}
	ok, err := e.authz.HasAtLeastAccess(ctx, groupID, userID, model.AccessLevelWriter)
	return err == nil && ok
}

// callerLevel returns the caller's membership level, or reader when access
// comes from an external authorizer without a membership row.
func (e *Engine) callerLevel(ctx context.Context, groupID uuid.UUID, userID string) (model.AccessLevel, error) {
	membership, err := e.backend.GetMembership(ctx, groupID, userID, false)
	if err != nil {
		return "", err
	}
	if membership == nil {
		return model.AccessLevelReader, nil
	}
	return membership.AccessLevel, nil
}

func (e *Engine) toSummary(conv *model.Conversation, level model.AccessLevel) (*store.ConversationSummary, error) {
	title, err := e.decryptTitle(conv.Title)
	if err != nil {
		return nil, err
	}
	return &store.ConversationSummary{
		ID:                     conv.ID,
		Title:                  title,
		OwnerUserID:            conv.OwnerUserID,
		Metadata:               conv.Metadata,
		ConversationGroupID:    conv.ConversationGroupID,
		ForkedAtEntryID:        conv.ForkedAtEntryID,
		ForkedAtConversationID: conv.ForkedAtConversationID,
		CreatedAt:              conv.CreatedAt,
		UpdatedAt:              conv.UpdatedAt,
		DeletedAt:              conv.DeletedAt,
		AccessLevel:            level,
	}, nil
}

func (e *Engine) toDetail(conv *model.Conversation, level model.AccessLevel) (*store.ConversationDetail, error) {
	summary, err := e.toSummary(conv, level)
	if err != nil {
		return nil, err
	}
	return &store.ConversationDetail{ConversationSummary: *summary}, nil
}

func ptrTime(t time.Time) *time.Time { return &t }
