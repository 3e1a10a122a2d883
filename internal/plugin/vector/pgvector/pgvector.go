package pgvector

import (
	"context"
	"fmt"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	pgvec "github.com/pgvector/pgvector-go"
	"github.com/threadvault/threadvault/internal/config"
	registrymigrate "github.com/threadvault/threadvault/internal/registry/migrate"
	registryvector "github.com/threadvault/threadvault/internal/registry/vector"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// pgvectorSchemaSQL creates the extension and the embeddings table. The
// vector dimension is fixed at 1536 (text-embedding-3-small); a different
// embedding model needs a manual migration.
const pgvectorSchemaSQL = `
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS entry_embeddings (
	entry_id UUID NOT NULL,
	conversation_id UUID NOT NULL,
	conversation_group_id UUID NOT NULL,
	embedding vector(1536) NOT NULL,
	model TEXT NOT NULL,
	PRIMARY KEY (entry_id, conversation_group_id)
);

CREATE INDEX IF NOT EXISTS idx_entry_embeddings_group
	ON entry_embeddings (conversation_group_id);

CREATE INDEX IF NOT EXISTS idx_entry_embeddings_hnsw
	ON entry_embeddings USING hnsw (embedding vector_cosine_ops);
`

// pgvectorMigrator implements migrate.Migrator for the pgvector schema.
type pgvectorMigrator struct{}

func (m *pgvectorMigrator) Name() string { return "pgvector" }
func (m *pgvectorMigrator) Migrate(ctx context.Context) error {
	cfg := config.FromContext(ctx)
	if cfg == nil || !cfg.VectorMigrateAtStart || cfg.VectorType != "pgvector" || cfg.DBURL == "" || (cfg.DatastoreType != "" && cfg.DatastoreType != "postgres") {
		return nil
	}
	log.Info("Running migration", "name", m.Name())
	db, err := openDB(cfg.DBURL)
	if err != nil {
		return fmt.Errorf("pgvector migrate: %w", err)
	}
	return db.Exec(pgvectorSchemaSQL).Error
}

func init() {
	registryvector.Register(registryvector.Plugin{
		Name:   "pgvector",
		Loader: load,
	})
	registrymigrate.Register(registrymigrate.Plugin{Order: 200, Migrator: &pgvectorMigrator{}})
}

func load(ctx context.Context) (registryvector.VectorStore, error) {
	cfg := config.FromContext(ctx)
	if cfg == nil {
		return nil, fmt.Errorf("pgvector: missing config in context")
	}
	db, err := openDB(cfg.DBURL)
	if err != nil {
		return nil, fmt.Errorf("pgvector: %w", err)
	}
	return &PgvectorStore{db: db}, nil
}

func openDB(dbURL string) (*gorm.DB, error) {
	return gorm.Open(postgres.Open(dbURL), &gorm.Config{
		Logger: logger.Discard,
	})
}

// PgvectorStore implements VectorStore using the pgvector extension.
type PgvectorStore struct {
	db *gorm.DB
}

func (s *PgvectorStore) IsEnabled() bool { return true }
func (s *PgvectorStore) Name() string    { return "pgvector" }

func (s *PgvectorStore) Search(ctx context.Context, embedding []float32, conversationGroupIDs []uuid.UUID, limit int) ([]registryvector.VectorSearchResult, error) {
	if len(conversationGroupIDs) == 0 {
		return nil, nil
	}

	vec := pgvec.NewVector(embedding)
	rows, err := s.db.WithContext(ctx).Raw(`
		SELECT entry_id, conversation_id, conversation_group_id,
		       1 - (embedding <=> ?::vector) AS score
		FROM entry_embeddings
		WHERE conversation_group_id = ANY(?)
		ORDER BY embedding <=> ?::vector
		LIMIT ?`,
		vec, conversationGroupIDs, vec, limit,
	).Rows()
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []registryvector.VectorSearchResult
	for rows.Next() {
		var r registryvector.VectorSearchResult
		var groupID uuid.UUID
		if err := rows.Scan(&r.EntryID, &r.ConversationID, &groupID, &r.Score); err != nil {
			log.Error("pgvector scan error", "err", err)
			continue
		}
		results = append(results, r)
	}
	return results, nil
}

func (s *PgvectorStore) Upsert(ctx context.Context, entries []registryvector.UpsertRequest) error {
	for _, e := range entries {
		vec := pgvec.NewVector(e.Embedding)
		if err := s.db.WithContext(ctx).Exec(`
			INSERT INTO entry_embeddings (entry_id, conversation_id, conversation_group_id, embedding, model)
			VALUES (?, ?, ?, ?::vector, ?)
			ON CONFLICT (entry_id, conversation_group_id)
			DO UPDATE SET embedding = EXCLUDED.embedding, model = EXCLUDED.model`,
			e.EntryID, e.ConversationID, e.ConversationGroupID, vec, e.ModelName,
		).Error; err != nil {
			return err
		}
	}
	return nil
}

func (s *PgvectorStore) DeleteByConversationGroupID(ctx context.Context, conversationGroupID uuid.UUID) error {
	return s.db.WithContext(ctx).Exec(
		"DELETE FROM entry_embeddings WHERE conversation_group_id = ?",
		conversationGroupID,
	).Error
}

func (s *PgvectorStore) DeleteByEntryID(ctx context.Context, entryID uuid.UUID) error {
	return s.db.WithContext(ctx).Exec(
		"DELETE FROM entry_embeddings WHERE entry_id = ?",
		entryID,
	).Error
}
