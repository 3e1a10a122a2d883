package service

import (
	"context"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/threadvault/threadvault/internal/config"
	registrystore "github.com/threadvault/threadvault/internal/registry/store"
)

// EvictionService periodically removes soft-deleted records past retention:
// tombstoned conversation groups, revoked memberships, and superseded memory
// epochs.
type EvictionService struct {
	store     registrystore.MemoryStore
	interval  time.Duration
	retention time.Duration
	kinds     []registrystore.EvictionKind
}

// NewEvictionService creates an eviction service from config.
func NewEvictionService(store registrystore.MemoryStore, cfg *config.Config) (*EvictionService, error) {
	kinds, err := ParseEvictionKinds(cfg.EvictionKinds)
	if err != nil {
		return nil, err
	}
	return &EvictionService{
		store:     store,
		interval:  cfg.EvictionInterval,
		retention: cfg.EvictionRetention,
		kinds:     kinds,
	}, nil
}

// ParseEvictionKinds parses a comma-separated kind list. Empty input selects
// all kinds.
func ParseEvictionKinds(raw string) ([]registrystore.EvictionKind, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	var kinds []registrystore.EvictionKind
	for _, part := range strings.Split(raw, ",") {
		if strings.TrimSpace(part) == "" {
			continue
		}
		kind, err := registrystore.ParseEvictionKind(part)
		if err != nil {
			return nil, err
		}
		kinds = append(kinds, kind)
	}
	return kinds, nil
}

// Start begins the periodic eviction loop. Returns when ctx is cancelled.
func (e *EvictionService) Start(ctx context.Context) {
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.RunOnce(ctx)
		}
	}
}

// RunOnce performs a single eviction pass.
func (e *EvictionService) RunOnce(ctx context.Context) {
	start := time.Now()
	lastPercent := -1
	err := e.store.Evict(ctx, e.retention, e.kinds, func(percent int) {
		// Progress moves in small steps on large backlogs; log every 10%.
		if percent/10 > lastPercent/10 || percent == 100 {
			log.Info("Eviction progress", "percent", percent)
		}
		lastPercent = percent
	})
	if err != nil {
		log.Error("Eviction failed", "err", err)
		return
	}
	log.Info("Eviction completed", "elapsed", time.Since(start))
}
