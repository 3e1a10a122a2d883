package engine

import (
	"context"

	"github.com/google/uuid"
	"github.com/threadvault/threadvault/internal/model"
	"github.com/threadvault/threadvault/internal/registry/authz"
)

// membershipAuthorizer answers access checks from the live membership rows.
// It is the default authorizer; external authorizers layer on top of it and
// fall through when their own policy has no opinion.
type membershipAuthorizer struct {
	backend Backend
}

var _ authz.Authorizer = (*membershipAuthorizer)(nil)

// NewMembershipAuthorizer returns the membership-table authorizer for the
// given backend. Store plugins hand it to chainable authz plugins as their
// fallback.
func NewMembershipAuthorizer(backend Backend) authz.Authorizer {
	return &membershipAuthorizer{backend: backend}
}

func (m *membershipAuthorizer) HasAtLeastAccess(ctx context.Context, groupID uuid.UUID, userID string, level model.AccessLevel) (bool, error) {
	membership, err := m.backend.GetMembership(ctx, groupID, userID, false)
	if err != nil {
		return false, err
	}
	if membership == nil || membership.DeletedAt != nil {
		return false, nil
	}
	return membership.AccessLevel.IsAtLeast(level), nil
}

// WriteRelationship is a no-op: the membership rows this authorizer reads are
// maintained by the engine itself.
func (m *membershipAuthorizer) WriteRelationship(ctx context.Context, groupID uuid.UUID, userID string, level model.AccessLevel) error {
	return nil
}

// DeleteRelationship is a no-op for the same reason as WriteRelationship.
func (m *membershipAuthorizer) DeleteRelationship(ctx context.Context, groupID uuid.UUID, userID string) error {
	return nil
}
