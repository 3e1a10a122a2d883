// Package opa registers the "opa" authorizer. A Rego policy can grant access
// beyond the membership rows (org-wide roles, service accounts, break-glass
// accounts). When the policy has no opinion the check falls through to the
// membership authorizer installed as the fallback.
//
// The policy is evaluated as data.threadvault.authz.allow with input:
//
//	{"groupId": "<uuid>", "userId": "<subject>", "level": "reader|writer|manager|owner"}
package opa

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/open-policy-agent/opa/v1/rego"
	"github.com/threadvault/threadvault/internal/config"
	"github.com/threadvault/threadvault/internal/model"
	"github.com/threadvault/threadvault/internal/registry/authz"
)

// defaultPolicy denies everything, so a bare "opa" configuration behaves
// exactly like the membership-only authorizer.
const defaultPolicy = `package threadvault.authz

default allow := false
`

func init() {
	authz.Register(authz.Plugin{
		Name: "opa",
		Loader: func(ctx context.Context) (authz.Authorizer, error) {
			cfg := config.FromContext(ctx)
			policyDir := ""
			if cfg != nil {
				policyDir = cfg.AuthzPolicyDir
			}
			query, err := prepareQuery(ctx, policyDir)
			if err != nil {
				return nil, fmt.Errorf("opa authorizer: %w", err)
			}
			return &opaAuthorizer{query: query}, nil
		},
	})
}

func prepareQuery(ctx context.Context, policyDir string) (rego.PreparedEvalQuery, error) {
	opts := []func(*rego.Rego){
		rego.Query("data.threadvault.authz.allow"),
	}
	if policyDir != "" {
		opts = append(opts, rego.Load([]string{policyDir}, nil))
	} else {
		opts = append(opts, rego.Module("authz.rego", defaultPolicy))
	}
	return rego.New(opts...).PrepareForEval(ctx)
}

type opaAuthorizer struct {
	query rego.PreparedEvalQuery

	mu   sync.RWMutex
	next authz.Authorizer
}

var (
	_ authz.Authorizer = (*opaAuthorizer)(nil)
	_ authz.Chainable  = (*opaAuthorizer)(nil)
)

func (a *opaAuthorizer) SetFallback(next authz.Authorizer) {
	a.mu.Lock()
	a.next = next
	a.mu.Unlock()
}

func (a *opaAuthorizer) fallback() authz.Authorizer {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.next
}

func (a *opaAuthorizer) HasAtLeastAccess(ctx context.Context, groupID uuid.UUID, userID string, level model.AccessLevel) (bool, error) {
	results, err := a.query.Eval(ctx, rego.EvalInput(map[string]interface{}{
		"groupId": groupID.String(),
		"userId":  userID,
		"level":   string(level),
	}))
	if err != nil {
		return false, fmt.Errorf("opa authorizer: eval: %w", err)
	}
	if allowed(results) {
		return true, nil
	}
	next := a.fallback()
	if next == nil {
		return false, nil
	}
	return next.HasAtLeastAccess(ctx, groupID, userID, level)
}

// WriteRelationship keeps only the membership rows in sync; the Rego policy is
// static data from the policy dir, so there is nothing to write on the OPA side.
func (a *opaAuthorizer) WriteRelationship(ctx context.Context, groupID uuid.UUID, userID string, level model.AccessLevel) error {
	if next := a.fallback(); next != nil {
		return next.WriteRelationship(ctx, groupID, userID, level)
	}
	return nil
}

func (a *opaAuthorizer) DeleteRelationship(ctx context.Context, groupID uuid.UUID, userID string) error {
	if next := a.fallback(); next != nil {
		return next.DeleteRelationship(ctx, groupID, userID)
	}
	return nil
}

func allowed(results rego.ResultSet) bool {
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return false
	}
	v, ok := results[0].Expressions[0].Value.(bool)
	return ok && v
}
