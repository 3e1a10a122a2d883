package engine

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/threadvault/threadvault/internal/model"
	"github.com/threadvault/threadvault/internal/registry/store"
	"github.com/threadvault/threadvault/internal/security"
)

// ListMemberships lists the live members of the conversation's group.
func (e *Engine) ListMemberships(ctx context.Context, userID string, conversationID uuid.UUID, afterCursor *string, limit int) ([]model.ConversationMembership, *string, error) {
	defer security.ObserveStoreLatency("list_memberships", time.Now())

	conv, err := e.requireAccess(ctx, userID, conversationID, model.AccessLevelReader)
	if err != nil {
		return nil, nil, err
	}
	members, err := e.backend.ListMemberships(ctx, conv.ConversationGroupID, false)
	if err != nil {
		return nil, nil, err
	}

	sort.Slice(members, func(i, j int) bool { return members[i].UserID < members[j].UserID })

	start := 0
	if afterCursor != nil && *afterCursor != "" {
		for i, m := range members {
			if m.UserID == *afterCursor {
				start = i + 1
				break
			}
		}
	}
	if limit <= 0 {
		limit = 50
	}
	end := start + limit
	if end > len(members) {
		end = len(members)
	}

	var next *string
	if end < len(members) && end > start {
		cursor := members[end-1].UserID
		next = &cursor
	}
	return members[start:end], next, nil
}

// ShareConversation grants a user access to the conversation's group, or
// raises/lowers an existing grant. Requires manager access. Ownership cannot
// be granted this way; use an ownership transfer.
func (e *Engine) ShareConversation(ctx context.Context, userID string, conversationID uuid.UUID, targetUserID string, accessLevel model.AccessLevel) (*model.ConversationMembership, error) {
	defer security.ObserveStoreLatency("share_conversation", time.Now())

	if targetUserID == "" {
		return nil, &store.ValidationError{Field: "userId", Message: "must not be empty"}
	}
	switch accessLevel {
	case model.AccessLevelReader, model.AccessLevelWriter, model.AccessLevelManager:
	case model.AccessLevelOwner:
		return nil, &store.ValidationError{Field: "accessLevel", Message: "ownership is granted via transfer, not share"}
	default:
		return nil, &store.ValidationError{Field: "accessLevel", Message: "must be reader, writer, or manager"}
	}

	conv, err := e.requireAccess(ctx, userID, conversationID, model.AccessLevelManager)
	if err != nil {
		return nil, err
	}
	if targetUserID == conv.OwnerUserID {
		return nil, &store.IllegalArgumentError{Message: "cannot change the owner's access level"}
	}

	existing, err := e.backend.GetMembership(ctx, conv.ConversationGroupID, targetUserID, true)
	if err != nil {
		return nil, err
	}

	membership := &model.ConversationMembership{
		ConversationGroupID: conv.ConversationGroupID,
		UserID:              targetUserID,
		AccessLevel:         accessLevel,
		CreatedAt:           time.Now(),
	}
	if existing != nil && existing.DeletedAt == nil {
		membership.CreatedAt = existing.CreatedAt
	}

	err = e.backend.InTx(ctx, func(ctx context.Context) error {
		if err := e.backend.UpsertMembership(ctx, membership); err != nil {
			return err
		}
		return e.authz.WriteRelationship(ctx, conv.ConversationGroupID, targetUserID, accessLevel)
	})
	if err != nil {
		return nil, err
	}

	if existing != nil && existing.DeletedAt == nil {
		e.audit.MembershipUpdated(ctx, conv.ConversationGroupID, userID, targetUserID, accessLevel)
	} else {
		e.audit.MembershipAdded(ctx, conv.ConversationGroupID, userID, targetUserID, accessLevel)
	}
	return membership, nil
}

// UpdateMembership changes an existing member's access level. Requires
// manager access. The owner's level cannot be changed here.
func (e *Engine) UpdateMembership(ctx context.Context, userID string, conversationID uuid.UUID, memberUserID string, accessLevel model.AccessLevel) (*model.ConversationMembership, error) {
	defer security.ObserveStoreLatency("update_membership", time.Now())

	switch accessLevel {
	case model.AccessLevelReader, model.AccessLevelWriter, model.AccessLevelManager:
	case model.AccessLevelOwner:
		return nil, &store.ValidationError{Field: "accessLevel", Message: "ownership is granted via transfer, not update"}
	default:
		return nil, &store.ValidationError{Field: "accessLevel", Message: "must be reader, writer, or manager"}
	}

	conv, err := e.requireAccess(ctx, userID, conversationID, model.AccessLevelManager)
	if err != nil {
		return nil, err
	}
	if memberUserID == conv.OwnerUserID {
		return nil, &store.IllegalArgumentError{Message: "cannot change the owner's access level"}
	}

	existing, err := e.backend.GetMembership(ctx, conv.ConversationGroupID, memberUserID, false)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		return nil, &store.NotFoundError{Resource: "membership", ID: memberUserID}
	}

	existing.AccessLevel = accessLevel
	err = e.backend.InTx(ctx, func(ctx context.Context) error {
		if err := e.backend.UpsertMembership(ctx, existing); err != nil {
			return err
		}
		return e.authz.WriteRelationship(ctx, conv.ConversationGroupID, memberUserID, accessLevel)
	})
	if err != nil {
		return nil, err
	}
	e.audit.MembershipUpdated(ctx, conv.ConversationGroupID, userID, memberUserID, accessLevel)
	return existing, nil
}

// RevokeMembership tombstones a member's access. Managers can revoke anyone
// but the owner; any member can remove themselves. The row is soft-deleted
// and hard-deleted later by the eviction engine.
func (e *Engine) RevokeMembership(ctx context.Context, userID string, conversationID uuid.UUID, memberUserID string) error {
	defer security.ObserveStoreLatency("revoke_membership", time.Now())

	required := model.AccessLevelManager
	if memberUserID == userID {
		required = model.AccessLevelReader
	}
	conv, err := e.requireAccess(ctx, userID, conversationID, required)
	if err != nil {
		return err
	}
	if memberUserID == conv.OwnerUserID {
		return &store.IllegalArgumentError{Message: "the owner's membership cannot be revoked"}
	}

	existing, err := e.backend.GetMembership(ctx, conv.ConversationGroupID, memberUserID, false)
	if err != nil {
		return err
	}
	if existing == nil {
		return &store.NotFoundError{Resource: "membership", ID: memberUserID}
	}

	err = e.backend.InTx(ctx, func(ctx context.Context) error {
		if err := e.backend.SoftDeleteMembership(ctx, conv.ConversationGroupID, memberUserID, time.Now()); err != nil {
			return err
		}
		return e.authz.DeleteRelationship(ctx, conv.ConversationGroupID, memberUserID)
	})
	if err != nil {
		return err
	}
	e.audit.MembershipRemoved(ctx, conv.ConversationGroupID, userID, memberUserID)
	return nil
}
