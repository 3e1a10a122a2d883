// Package local registers the "local" authorizer. It delegates every check to
// the fallback authorizer the store plugin installs, so access is governed
// entirely by the membership rows.
package local

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/threadvault/threadvault/internal/model"
	"github.com/threadvault/threadvault/internal/registry/authz"
)

func init() {
	authz.Register(authz.Plugin{
		Name: "local",
		Loader: func(_ context.Context) (authz.Authorizer, error) {
			return &localAuthorizer{}, nil
		},
	})
}

type localAuthorizer struct {
	next authz.Authorizer
}

var (
	_ authz.Authorizer = (*localAuthorizer)(nil)
	_ authz.Chainable  = (*localAuthorizer)(nil)
)

func (a *localAuthorizer) SetFallback(next authz.Authorizer) { a.next = next }

func (a *localAuthorizer) HasAtLeastAccess(ctx context.Context, groupID uuid.UUID, userID string, level model.AccessLevel) (bool, error) {
	if a.next == nil {
		return false, fmt.Errorf("local authorizer: no fallback configured")
	}
	return a.next.HasAtLeastAccess(ctx, groupID, userID, level)
}

func (a *localAuthorizer) WriteRelationship(ctx context.Context, groupID uuid.UUID, userID string, level model.AccessLevel) error {
	if a.next == nil {
		return nil
	}
	return a.next.WriteRelationship(ctx, groupID, userID, level)
}

func (a *localAuthorizer) DeleteRelationship(ctx context.Context, groupID uuid.UUID, userID string) error {
	if a.next == nil {
		return nil
	}
	return a.next.DeleteRelationship(ctx, groupID, userID)
}
