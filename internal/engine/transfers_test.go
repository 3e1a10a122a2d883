package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/threadvault/threadvault/internal/model"
	"github.com/threadvault/threadvault/internal/registry/store"
)

func setupTransferPair(t *testing.T) (*Engine, *fakeBackend, *store.ConversationDetail) {
	t.Helper()
	e, backend := newTestEngine(t, Options{})
	ctx := context.Background()
	conv, err := e.CreateConversation(ctx, "alice", "t", nil, nil, nil)
	require.NoError(t, err)
	_, err = e.ShareConversation(ctx, "alice", conv.ID, "bob", model.AccessLevelWriter)
	require.NoError(t, err)
	return e, backend, conv
}

func TestCreateTransferRequiresOwner(t *testing.T) {
	e, _, conv := setupTransferPair(t)
	ctx := context.Background()

	_, err := e.CreateOwnershipTransfer(ctx, "bob", conv.ID, "alice")
	var fErr *store.ForbiddenError
	require.ErrorAs(t, err, &fErr)
}

func TestCreateTransferRecipientMustBeMember(t *testing.T) {
	e, _, conv := setupTransferPair(t)
	ctx := context.Background()

	_, err := e.CreateOwnershipTransfer(ctx, "alice", conv.ID, "carol")
	var iaErr *store.IllegalArgumentError
	require.ErrorAs(t, err, &iaErr)

	_, err = e.CreateOwnershipTransfer(ctx, "alice", conv.ID, "alice")
	require.ErrorAs(t, err, &iaErr)
}

func TestSecondPendingTransferConflicts(t *testing.T) {
	e, _, conv := setupTransferPair(t)
	ctx := context.Background()

	first, err := e.CreateOwnershipTransfer(ctx, "alice", conv.ID, "bob")
	require.NoError(t, err)

	_, err = e.CreateOwnershipTransfer(ctx, "alice", conv.ID, "bob")
	var cErr *store.ConflictError
	require.ErrorAs(t, err, &cErr)
	assert.Equal(t, first.ID.String(), cErr.Details["existingTransferId"])
}

func TestAcceptTransferSwapsOwnership(t *testing.T) {
	e, backend, conv := setupTransferPair(t)
	ctx := context.Background()

	// A fork so the owner rewrite provably covers the whole group.
	entry := appendHistory(t, e, "alice", conv.ID, "one")
	fork, err := e.ForkConversationAtEntry(ctx, "alice", conv.ID, entry.ID, nil)
	require.NoError(t, err)

	transfer, err := e.CreateOwnershipTransfer(ctx, "alice", conv.ID, "bob")
	require.NoError(t, err)
	require.NoError(t, e.AcceptTransfer(ctx, "bob", transfer.ID))

	// Bob owns everything in the group, alice is demoted to manager.
	bobM, err := backend.GetMembership(ctx, conv.ConversationGroupID, "bob", false)
	require.NoError(t, err)
	require.NotNil(t, bobM)
	assert.Equal(t, model.AccessLevelOwner, bobM.AccessLevel)
	aliceM, err := backend.GetMembership(ctx, conv.ConversationGroupID, "alice", false)
	require.NoError(t, err)
	require.NotNil(t, aliceM)
	assert.Equal(t, model.AccessLevelManager, aliceM.AccessLevel)

	root, err := backend.GetConversation(ctx, conv.ID, false)
	require.NoError(t, err)
	assert.Equal(t, "bob", root.OwnerUserID)
	forked, err := backend.GetConversation(ctx, fork.ID, false)
	require.NoError(t, err)
	assert.Equal(t, "bob", forked.OwnerUserID)

	// The transfer is consumed.
	_, err = e.GetTransfer(ctx, "bob", transfer.ID)
	var nfErr *store.NotFoundError
	require.ErrorAs(t, err, &nfErr)
}

func TestAcceptTransferOnlyRecipient(t *testing.T) {
	e, _, conv := setupTransferPair(t)
	ctx := context.Background()

	transfer, err := e.CreateOwnershipTransfer(ctx, "alice", conv.ID, "bob")
	require.NoError(t, err)

	// The sender cannot accept their own transfer.
	err = e.AcceptTransfer(ctx, "alice", transfer.ID)
	var fErr *store.ForbiddenError
	require.ErrorAs(t, err, &fErr)

	// A stranger sees nothing.
	err = e.AcceptTransfer(ctx, "carol", transfer.ID)
	var nfErr *store.NotFoundError
	require.ErrorAs(t, err, &nfErr)
}

func TestCancelTransferEitherSide(t *testing.T) {
	e, _, conv := setupTransferPair(t)
	ctx := context.Background()

	transfer, err := e.CreateOwnershipTransfer(ctx, "alice", conv.ID, "bob")
	require.NoError(t, err)
	require.NoError(t, e.CancelTransfer(ctx, "bob", transfer.ID))

	// Cancelling frees the group for a new transfer.
	transfer2, err := e.CreateOwnershipTransfer(ctx, "alice", conv.ID, "bob")
	require.NoError(t, err)
	require.NoError(t, e.CancelTransfer(ctx, "alice", transfer2.ID))

	err = e.CancelTransfer(ctx, "carol", transfer2.ID)
	var nfErr *store.NotFoundError
	require.ErrorAs(t, err, &nfErr)
}

func TestListPendingTransfersByRole(t *testing.T) {
	e, _, conv := setupTransferPair(t)
	ctx := context.Background()

	transfer, err := e.CreateOwnershipTransfer(ctx, "alice", conv.ID, "bob")
	require.NoError(t, err)

	incoming, _, err := e.ListPendingTransfers(ctx, "bob", "recipient", nil, 0)
	require.NoError(t, err)
	require.Len(t, incoming, 1)
	assert.Equal(t, transfer.ID, incoming[0].ID)
	assert.Equal(t, conv.ID, incoming[0].ConversationID)

	outgoing, _, err := e.ListPendingTransfers(ctx, "alice", "sender", nil, 0)
	require.NoError(t, err)
	assert.Len(t, outgoing, 1)

	none, _, err := e.ListPendingTransfers(ctx, "alice", "recipient", nil, 0)
	require.NoError(t, err)
	assert.Empty(t, none)

	_, _, err = e.ListPendingTransfers(ctx, "alice", "bystander", nil, 0)
	var vErr *store.ValidationError
	require.ErrorAs(t, err, &vErr)
}
