package engine

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/threadvault/threadvault/internal/model"
	"github.com/threadvault/threadvault/internal/registry/store"
	"github.com/threadvault/threadvault/internal/security"
)

// ListPendingTransfers lists transfers where the caller is the sender
// (role "sender") or the recipient (role "recipient").
func (e *Engine) ListPendingTransfers(ctx context.Context, userID string, role string, afterCursor *string, limit int) ([]store.OwnershipTransferDto, *string, error) {
	defer security.ObserveStoreLatency("list_transfers", time.Now())

	var incoming bool
	switch role {
	case "sender":
		incoming = false
	case "", "recipient":
		incoming = true
	default:
		return nil, nil, &store.ValidationError{Field: "role", Message: "must be sender or recipient"}
	}

	transfers, err := e.backend.ListTransfersForUser(ctx, userID, incoming)
	if err != nil {
		return nil, nil, err
	}

	start := 0
	if afterCursor != nil && *afterCursor != "" {
		for i, t := range transfers {
			if t.ID.String() == *afterCursor {
				start = i + 1
				break
			}
		}
	}
	if limit <= 0 {
		limit = 50
	}
	end := start + limit
	if end > len(transfers) {
		end = len(transfers)
	}

	dtos := make([]store.OwnershipTransferDto, 0, end-start)
	for _, t := range transfers[start:end] {
		dto, err := e.toTransferDto(ctx, &t)
		if err != nil {
			return nil, nil, err
		}
		dtos = append(dtos, *dto)
	}

	var next *string
	if end < len(transfers) && end > start {
		cursor := transfers[end-1].ID.String()
		next = &cursor
	}
	return dtos, next, nil
}

// GetTransfer returns one transfer. Only the sender and the recipient can see it.
func (e *Engine) GetTransfer(ctx context.Context, userID string, transferID uuid.UUID) (*store.OwnershipTransferDto, error) {
	defer security.ObserveStoreLatency("get_transfer", time.Now())

	transfer, err := e.backend.GetTransfer(ctx, transferID)
	if err != nil {
		return nil, err
	}
	if transfer.FromUserID != userID && transfer.ToUserID != userID {
		return nil, &store.NotFoundError{Resource: "transfer", ID: transferID.String()}
	}
	return e.toTransferDto(ctx, transfer)
}

// CreateOwnershipTransfer starts a transfer of the conversation group to
// another member. Only the owner can initiate one, the recipient must already
// be a live member, and a group holds at most one pending transfer.
func (e *Engine) CreateOwnershipTransfer(ctx context.Context, userID string, conversationID uuid.UUID, toUserID string) (*store.OwnershipTransferDto, error) {
	defer security.ObserveStoreLatency("create_transfer", time.Now())

	conv, err := e.requireAccess(ctx, userID, conversationID, model.AccessLevelOwner)
	if err != nil {
		return nil, err
	}
	if toUserID == "" {
		return nil, &store.ValidationError{Field: "toUserId", Message: "must not be empty"}
	}
	if toUserID == userID {
		return nil, &store.IllegalArgumentError{Message: "cannot transfer ownership to yourself"}
	}
	recipient, err := e.backend.GetMembership(ctx, conv.ConversationGroupID, toUserID, false)
	if err != nil {
		return nil, err
	}
	if recipient == nil {
		return nil, &store.IllegalArgumentError{Message: "transfer recipient must be a member of the conversation"}
	}

	transfer := &model.OwnershipTransfer{
		ID:                  uuid.New(),
		ConversationGroupID: conv.ConversationGroupID,
		FromUserID:          userID,
		ToUserID:            toUserID,
		CreatedAt:           time.Now(),
	}
	if err := e.backend.InsertTransfer(ctx, transfer); err != nil {
		return nil, err
	}
	dto, err := e.toTransferDto(ctx, transfer)
	if err != nil {
		return nil, err
	}
	dto.ConversationID = conversationID
	return dto, nil
}

// AcceptTransfer completes a pending transfer. Only the recipient can accept.
// The recipient becomes owner of the whole group, the previous owner is
// demoted to manager, and every conversation in the group gets the new owner.
func (e *Engine) AcceptTransfer(ctx context.Context, userID string, transferID uuid.UUID) error {
	defer security.ObserveStoreLatency("accept_transfer", time.Now())

	transfer, err := e.backend.GetTransfer(ctx, transferID)
	if err != nil {
		return err
	}
	if transfer.ToUserID != userID {
		if transfer.FromUserID == userID {
			return &store.ForbiddenError{}
		}
		return &store.NotFoundError{Resource: "transfer", ID: transferID.String()}
	}

	groupID := transfer.ConversationGroupID
	err = e.backend.InTx(ctx, func(ctx context.Context) error {
		recipient, err := e.backend.GetMembership(ctx, groupID, transfer.ToUserID, false)
		if err != nil {
			return err
		}
		if recipient == nil {
			return &store.IllegalArgumentError{Message: "transfer recipient is no longer a member of the conversation"}
		}
		recipient.AccessLevel = model.AccessLevelOwner
		if err := e.backend.UpsertMembership(ctx, recipient); err != nil {
			return err
		}
		if err := e.authz.WriteRelationship(ctx, groupID, transfer.ToUserID, model.AccessLevelOwner); err != nil {
			return err
		}

		prior, err := e.backend.GetMembership(ctx, groupID, transfer.FromUserID, false)
		if err != nil {
			return err
		}
		if prior != nil {
			prior.AccessLevel = model.AccessLevelManager
			if err := e.backend.UpsertMembership(ctx, prior); err != nil {
				return err
			}
			if err := e.authz.WriteRelationship(ctx, groupID, transfer.FromUserID, model.AccessLevelManager); err != nil {
				return err
			}
		}

		if err := e.backend.SetConversationsOwner(ctx, groupID, transfer.ToUserID); err != nil {
			return err
		}
		return e.backend.DeleteTransfer(ctx, transferID)
	})
	if err != nil {
		return err
	}
	e.audit.OwnershipTransferred(ctx, groupID, transfer.FromUserID, transfer.ToUserID)
	e.audit.MembershipUpdated(ctx, groupID, transfer.ToUserID, transfer.FromUserID, model.AccessLevelManager)
	return nil
}

// CancelTransfer deletes a pending transfer. Either side can cancel.
func (e *Engine) CancelTransfer(ctx context.Context, userID string, transferID uuid.UUID) error {
	defer security.ObserveStoreLatency("cancel_transfer", time.Now())

	transfer, err := e.backend.GetTransfer(ctx, transferID)
	if err != nil {
		return err
	}
	if transfer.FromUserID != userID && transfer.ToUserID != userID {
		return &store.NotFoundError{Resource: "transfer", ID: transferID.String()}
	}
	return e.backend.DeleteTransfer(ctx, transferID)
}

// toTransferDto resolves the group's root conversation so that the external
// representation can point at a conversation ID rather than the internal group.
func (e *Engine) toTransferDto(ctx context.Context, transfer *model.OwnershipTransfer) (*store.OwnershipTransferDto, error) {
	dto := &store.OwnershipTransferDto{
		ID:                  transfer.ID,
		ConversationGroupID: transfer.ConversationGroupID,
		FromUserID:          transfer.FromUserID,
		ToUserID:            transfer.ToUserID,
		CreatedAt:           transfer.CreatedAt,
	}
	conversations, err := e.backend.ListGroupConversations(ctx, transfer.ConversationGroupID, false)
	if err != nil {
		return nil, err
	}
	for _, c := range conversations {
		if c.ForkedAtConversationID == nil {
			dto.ConversationID = c.ID
			break
		}
	}
	if dto.ConversationID == uuid.Nil && len(conversations) > 0 {
		dto.ConversationID = conversations[0].ID
	}
	return dto, nil
}
