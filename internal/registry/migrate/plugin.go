package migrate

import (
	"context"
	"fmt"
	"sort"
)

// Migrator brings one plugin's schema up to date. Implementations decide
// from config whether they apply at all and must be safe to re-run.
type Migrator interface {
	Name() string
	Migrate(ctx context.Context) error
}

// Plugin pairs a migrator with its execution order. Store schemas run
// before vector schemas so foreign tables exist first.
type Plugin struct {
	Order    int
	Migrator Migrator
}

var plugins []Plugin

// Register adds a migration plugin. Called from init() in plugin packages.
func Register(p Plugin) {
	plugins = append(plugins, p)
}

// RunAll executes every registered migrator in ascending Order,
// stopping at the first failure.
func RunAll(ctx context.Context) error {
	sorted := make([]Plugin, len(plugins))
	copy(sorted, plugins)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Order < sorted[j].Order })

	for _, p := range sorted {
		if err := p.Migrator.Migrate(ctx); err != nil {
			return fmt.Errorf("migration %s: %w", p.Migrator.Name(), err)
		}
	}
	return nil
}
