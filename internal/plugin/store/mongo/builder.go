package mongo

import (
	"context"
	"fmt"
	"time"

	"github.com/threadvault/threadvault/internal/config"
	"github.com/threadvault/threadvault/internal/engine"
	registryauthz "github.com/threadvault/threadvault/internal/registry/authz"
	registrycache "github.com/threadvault/threadvault/internal/registry/cache"
	registryencrypt "github.com/threadvault/threadvault/internal/registry/encrypt"
)

// buildEngine assembles the engine collaborators around the mongo backend:
// the configured encryption provider, the entries cache from the context, and
// the configured authorizer chained onto the membership check.
func buildEngine(ctx context.Context, cfg *config.Config, backend engine.Backend) (*engine.Engine, error) {
	cryptPlugin, err := registryencrypt.Select(cfg.EncryptionProvider)
	if err != nil {
		return nil, err
	}
	crypt, err := cryptPlugin.Loader(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to load encryption provider %q: %w", cfg.EncryptionProvider, err)
	}

	var authorizer registryauthz.Authorizer
	if cfg.AuthzType != "" {
		loader, err := registryauthz.Select(cfg.AuthzType)
		if err != nil {
			return nil, err
		}
		authorizer, err = loader(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to load authorizer %q: %w", cfg.AuthzType, err)
		}
		if chainable, ok := authorizer.(registryauthz.Chainable); ok {
			chainable.SetFallback(engine.NewMembershipAuthorizer(backend))
		}
	}

	return engine.New(backend, engine.Options{
		Crypt:              crypt,
		Cache:              registrycache.EntriesCacheFromContext(ctx),
		Authorizer:         authorizer,
		CacheTTL:           cfg.CacheEpochTTL,
		EvictionBatchSize:  cfg.EvictionBatchSize,
		EvictionBatchDelay: time.Duration(cfg.EvictionBatchDelay) * time.Millisecond,
	})
}
