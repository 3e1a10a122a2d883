package vector

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// VectorSearchResult is one semantic search hit. Score is backend-specific
// (cosine similarity for both pgvector and qdrant).
type VectorSearchResult struct {
	EntryID        uuid.UUID `json:"entryId"`
	ConversationID uuid.UUID `json:"conversationId"`
	Score          float64   `json:"score"`
}

// UpsertRequest holds one entry embedding to store. The group ID scopes
// deletion when a whole conversation group is purged.
type UpsertRequest struct {
	ConversationGroupID uuid.UUID
	ConversationID      uuid.UUID
	EntryID             uuid.UUID
	Embedding           []float32
	ModelName           string
}

// VectorStore is the semantic index collaborator. Deletions arrive through
// the task queue so eviction never blocks on the vector backend.
type VectorStore interface {
	// Search returns the closest entries within the given conversation groups.
	Search(ctx context.Context, embedding []float32, conversationGroupIDs []uuid.UUID, limit int) ([]VectorSearchResult, error)
	// Upsert stores or replaces embeddings for a batch of entries.
	Upsert(ctx context.Context, entries []UpsertRequest) error
	// DeleteByConversationGroupID drops every embedding under a group.
	DeleteByConversationGroupID(ctx context.Context, conversationGroupID uuid.UUID) error
	// DeleteByEntryID drops the embedding for one entry.
	DeleteByEntryID(ctx context.Context, entryID uuid.UUID) error
	// IsEnabled reports whether the store is configured and reachable.
	IsEnabled() bool
	// Name returns the plugin name (e.g. "qdrant", "pgvector").
	Name() string
}

// Loader creates a VectorStore from config.
type Loader func(ctx context.Context) (VectorStore, error)

// Plugin represents a vector store plugin.
type Plugin struct {
	Name   string
	Loader Loader
}

var plugins []Plugin

// Register adds a vector store plugin.
func Register(p Plugin) {
	plugins = append(plugins, p)
}

// Names returns all registered vector store plugin names.
func Names() []string {
	names := make([]string, len(plugins))
	for i, p := range plugins {
		names[i] = p.Name
	}
	return names
}

// Select returns the loader for the named vector store plugin.
func Select(name string) (Loader, error) {
	for _, p := range plugins {
		if p.Name == name {
			return p.Loader, nil
		}
	}
	return nil, fmt.Errorf("unknown vector store %q; valid: %v", name, Names())
}
