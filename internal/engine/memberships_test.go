package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/threadvault/threadvault/internal/model"
	"github.com/threadvault/threadvault/internal/registry/store"
)

func TestShareConversation(t *testing.T) {
	e, _ := newTestEngine(t, Options{})
	ctx := context.Background()
	conv, err := e.CreateConversation(ctx, "alice", "t", nil, nil, nil)
	require.NoError(t, err)

	m, err := e.ShareConversation(ctx, "alice", conv.ID, "bob", model.AccessLevelWriter)
	require.NoError(t, err)
	assert.Equal(t, model.AccessLevelWriter, m.AccessLevel)

	members, _, err := e.ListMemberships(ctx, "bob", conv.ID, nil, 0)
	require.NoError(t, err)
	assert.Len(t, members, 2)
}

func TestShareRejectsOwnerLevel(t *testing.T) {
	e, _ := newTestEngine(t, Options{})
	ctx := context.Background()
	conv, err := e.CreateConversation(ctx, "alice", "t", nil, nil, nil)
	require.NoError(t, err)

	_, err = e.ShareConversation(ctx, "alice", conv.ID, "bob", model.AccessLevelOwner)
	var vErr *store.ValidationError
	require.ErrorAs(t, err, &vErr)
}

func TestShareRequiresManager(t *testing.T) {
	e, _ := newTestEngine(t, Options{})
	ctx := context.Background()
	conv, err := e.CreateConversation(ctx, "alice", "t", nil, nil, nil)
	require.NoError(t, err)
	_, err = e.ShareConversation(ctx, "alice", conv.ID, "bob", model.AccessLevelWriter)
	require.NoError(t, err)

	_, err = e.ShareConversation(ctx, "bob", conv.ID, "carol", model.AccessLevelReader)
	var fErr *store.ForbiddenError
	require.ErrorAs(t, err, &fErr)
}

func TestShareCannotTouchOwner(t *testing.T) {
	e, _ := newTestEngine(t, Options{})
	ctx := context.Background()
	conv, err := e.CreateConversation(ctx, "alice", "t", nil, nil, nil)
	require.NoError(t, err)
	_, err = e.ShareConversation(ctx, "alice", conv.ID, "bob", model.AccessLevelManager)
	require.NoError(t, err)

	_, err = e.ShareConversation(ctx, "bob", conv.ID, "alice", model.AccessLevelReader)
	var iaErr *store.IllegalArgumentError
	require.ErrorAs(t, err, &iaErr)
}

func TestRevokeMembershipSoftDeletes(t *testing.T) {
	e, backend := newTestEngine(t, Options{})
	ctx := context.Background()
	conv, err := e.CreateConversation(ctx, "alice", "t", nil, nil, nil)
	require.NoError(t, err)
	_, err = e.ShareConversation(ctx, "alice", conv.ID, "bob", model.AccessLevelWriter)
	require.NoError(t, err)

	require.NoError(t, e.RevokeMembership(ctx, "alice", conv.ID, "bob"))

	// Bob lost access entirely.
	_, err = e.GetConversation(ctx, "bob", conv.ID)
	var nfErr *store.NotFoundError
	require.ErrorAs(t, err, &nfErr)

	// The row is tombstoned, not gone.
	m, err := backend.GetMembership(ctx, conv.ConversationGroupID, "bob", true)
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.NotNil(t, m.DeletedAt)
}

func TestRegrantResurrectsTombstonedMembership(t *testing.T) {
	e, backend := newTestEngine(t, Options{})
	ctx := context.Background()
	conv, err := e.CreateConversation(ctx, "alice", "t", nil, nil, nil)
	require.NoError(t, err)
	_, err = e.ShareConversation(ctx, "alice", conv.ID, "bob", model.AccessLevelWriter)
	require.NoError(t, err)
	require.NoError(t, e.RevokeMembership(ctx, "alice", conv.ID, "bob"))

	_, err = e.ShareConversation(ctx, "alice", conv.ID, "bob", model.AccessLevelReader)
	require.NoError(t, err)

	m, err := backend.GetMembership(ctx, conv.ConversationGroupID, "bob", false)
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.Nil(t, m.DeletedAt)
	assert.Equal(t, model.AccessLevelReader, m.AccessLevel)
}

func TestMemberCanRemoveThemselves(t *testing.T) {
	e, _ := newTestEngine(t, Options{})
	ctx := context.Background()
	conv, err := e.CreateConversation(ctx, "alice", "t", nil, nil, nil)
	require.NoError(t, err)
	_, err = e.ShareConversation(ctx, "alice", conv.ID, "bob", model.AccessLevelReader)
	require.NoError(t, err)

	require.NoError(t, e.RevokeMembership(ctx, "bob", conv.ID, "bob"))
	_, err = e.GetConversation(ctx, "bob", conv.ID)
	var nfErr *store.NotFoundError
	require.ErrorAs(t, err, &nfErr)
}

func TestOwnerMembershipCannotBeRevoked(t *testing.T) {
	e, _ := newTestEngine(t, Options{})
	ctx := context.Background()
	conv, err := e.CreateConversation(ctx, "alice", "t", nil, nil, nil)
	require.NoError(t, err)

	err = e.RevokeMembership(ctx, "alice", conv.ID, "alice")
	var iaErr *store.IllegalArgumentError
	require.ErrorAs(t, err, &iaErr)
}

func TestUpdateMembershipUnknownMember(t *testing.T) {
	e, _ := newTestEngine(t, Options{})
	ctx := context.Background()
	conv, err := e.CreateConversation(ctx, "alice", "t", nil, nil, nil)
	require.NoError(t, err)

	_, err = e.UpdateMembership(ctx, "alice", conv.ID, "ghost", model.AccessLevelReader)
	var nfErr *store.NotFoundError
	require.ErrorAs(t, err, &nfErr)
}
