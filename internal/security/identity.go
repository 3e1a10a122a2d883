package security

import "context"

// Identity holds the resolved caller identity. Token/credential resolution is
// the boundary layer's job; the engine only consumes the resolved result.
// A non-empty ClientID is the agent credential required for writes to the
// agent-only channels.
type Identity struct {
	UserID   string
	ClientID string
	IsAdmin  bool
}

// IsAgent reports whether the caller presented an agent credential.
func (id *Identity) IsAgent() bool {
	return id != nil && id.ClientID != ""
}

type identityKey struct{}

// WithIdentity returns a new context carrying the given Identity.
func WithIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// IdentityFromContext retrieves the Identity stored in a context.
// Returns nil if none was set.
func IdentityFromContext(ctx context.Context) *Identity {
	id, _ := ctx.Value(identityKey{}).(*Identity)
	return id
}
