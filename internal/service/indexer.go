package service

import (
	"context"
	"time"

	"github.com/charmbracelet/log"
	"github.com/threadvault/threadvault/internal/model"
	registryembed "github.com/threadvault/threadvault/internal/registry/embed"
	registrystore "github.com/threadvault/threadvault/internal/registry/store"
	registryvector "github.com/threadvault/threadvault/internal/registry/vector"
)

const indexerInterval = 30 * time.Second

// BackgroundIndexer embeds history entries that carry indexedContent and
// pushes the vectors to the vector store. Indexing is best-effort: entries
// that fail stay unindexed and are picked up again on a later tick.
type BackgroundIndexer struct {
	store    registrystore.MemoryStore
	embedder registryembed.Embedder
	vector   registryvector.VectorStore
	batch    int
}

func NewBackgroundIndexer(store registrystore.MemoryStore, embedder registryembed.Embedder, vector registryvector.VectorStore, batchSize int) *BackgroundIndexer {
	return &BackgroundIndexer{
		store:    store,
		embedder: embedder,
		vector:   vector,
		batch:    batchSize,
	}
}

// Start runs the indexing loop until ctx is cancelled. It is a no-op when
// either the embedder or the vector store is absent.
func (b *BackgroundIndexer) Start(ctx context.Context) {
	if b.embedder == nil || b.vector == nil || !b.vector.IsEnabled() {
		log.Info("Background indexer disabled (no embedder or vector store)")
		return
	}

	ticker := time.NewTicker(indexerInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.indexBatch(ctx)
		}
	}
}

func (b *BackgroundIndexer) indexBatch(ctx context.Context) {
	pending, err := b.store.FindEntriesPendingVectorIndexing(ctx, b.batch)
	if err != nil {
		log.Error("Indexer: list pending entries failed", "err", err)
		return
	}

	var entries []model.Entry
	var texts []string
	for _, e := range pending {
		if e.IndexedContent == nil || *e.IndexedContent == "" {
			continue
		}
		entries = append(entries, e)
		texts = append(texts, *e.IndexedContent)
	}
	if len(entries) == 0 {
		return
	}

	embeddings, err := b.embedder.EmbedTexts(ctx, texts)
	if err != nil {
		log.Error("Indexer: embed failed", "count", len(texts), "err", err)
		return
	}

	upserts := make([]registryvector.UpsertRequest, len(entries))
	for i, e := range entries {
		upserts[i] = registryvector.UpsertRequest{
			ConversationGroupID: e.ConversationGroupID,
			ConversationID:      e.ConversationID,
			EntryID:             e.ID,
			Embedding:           embeddings[i],
			ModelName:           b.embedder.ModelName(),
		}
	}
	if err := b.vector.Upsert(ctx, upserts); err != nil {
		log.Error("Indexer: vector upsert failed", "count", len(upserts), "err", err)
		return
	}

	now := time.Now()
	indexed := 0
	for _, e := range entries {
		if err := b.store.SetIndexedAt(ctx, e.ID, &now); err != nil {
			log.Error("Indexer: set indexed_at failed", "entryId", e.ID, "err", err)
			continue
		}
		indexed++
	}
	if indexed > 0 {
		log.Info("Indexer: indexed entries", "count", indexed)
	}
}
