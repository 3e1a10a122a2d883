package authz

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/threadvault/threadvault/internal/model"
)

// Authorizer is the authorization collaborator. The access gate resolves a
// conversation to its group and asks the Authorizer whether the user holds at
// least the required access level. Relationship writes keep the backend in
// sync with membership mutations.
type Authorizer interface {
	HasAtLeastAccess(ctx context.Context, groupID uuid.UUID, userID string, level model.AccessLevel) (bool, error)
	WriteRelationship(ctx context.Context, groupID uuid.UUID, userID string, level model.AccessLevel) error
	DeleteRelationship(ctx context.Context, groupID uuid.UUID, userID string) error
}

// Chainable is implemented by authorizers that layer policy on top of another
// authorizer (e.g. the OPA plugin grants org/team access and falls through to
// the membership check).
type Chainable interface {
	SetFallback(next Authorizer)
}

// Loader creates an Authorizer from config.
type Loader func(ctx context.Context) (Authorizer, error)

// Plugin represents an authorizer plugin.
type Plugin struct {
	Name   string
	Loader Loader
}

var plugins []Plugin

// Register adds an authorizer plugin.
func Register(p Plugin) {
	plugins = append(plugins, p)
}

// Names returns all registered authorizer plugin names.
func Names() []string {
	names := make([]string, len(plugins))
	for i, p := range plugins {
		names[i] = p.Name
	}
	return names
}

// Select returns the loader for the named authorizer plugin.
func Select(name string) (Loader, error) {
	for _, p := range plugins {
		if p.Name == name {
			return p.Loader, nil
		}
	}
	return nil, fmt.Errorf("unknown authorizer %q; valid: %v", name, Names())
}
