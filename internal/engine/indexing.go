package engine

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/threadvault/threadvault/internal/model"
)

// FindEntriesPendingVectorIndexing returns history entries that carry
// indexable content but have not been written to the vector store yet.
func (e *Engine) FindEntriesPendingVectorIndexing(ctx context.Context, limit int) ([]model.Entry, error) {
	return e.backend.FindEntriesPendingVectorIndexing(ctx, limit)
}

// SetIndexedAt marks an entry as indexed, or clears the mark (nil) to force
// the background indexer to pick it up again.
func (e *Engine) SetIndexedAt(ctx context.Context, entryID uuid.UUID, indexedAt *time.Time) error {
	return e.backend.SetIndexedAt(ctx, entryID, indexedAt)
}
