package postgres

import (
	"context"
	"fmt"

	"github.com/charmbracelet/log"
	"github.com/threadvault/threadvault/internal/config"
	"github.com/threadvault/threadvault/internal/model"
	registrymigrate "github.com/threadvault/threadvault/internal/registry/migrate"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

func init() {
	registrymigrate.Register(registrymigrate.Plugin{Order: 100, Migrator: &postgresMigrator{}})
}

type postgresMigrator struct{}

func (m *postgresMigrator) Name() string { return "postgres-schema" }

// schemaIndexes holds the DDL GORM's AutoMigrate cannot express from tags
// alone, most importantly the one-pending-transfer-per-group constraint and
// the wrapped-DEK table used by the vault and kms encryption providers.
var schemaIndexes = []string{
	`CREATE TABLE IF NOT EXISTS encryption_deks (
		provider TEXT PRIMARY KEY,
		wrapped_deks BYTEA[] NOT NULL,
		revision BIGINT NOT NULL DEFAULT 0,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS unique_transfer_per_conversation
		ON conversation_ownership_transfers (conversation_group_id)`,
	`CREATE INDEX IF NOT EXISTS idx_conversations_group
		ON conversations (conversation_group_id)`,
	`CREATE INDEX IF NOT EXISTS idx_entries_conversation_created
		ON entries (conversation_id, created_at, id)`,
	`CREATE INDEX IF NOT EXISTS idx_entries_memory_epoch
		ON entries (conversation_id, client_id, epoch)
		WHERE channel = 'memory'`,
	`CREATE INDEX IF NOT EXISTS idx_entries_pending_index
		ON entries (created_at)
		WHERE indexed_content IS NOT NULL AND indexed_at IS NULL`,
	`CREATE INDEX IF NOT EXISTS idx_groups_deleted
		ON conversation_groups (deleted_at)
		WHERE deleted_at IS NOT NULL`,
	`CREATE INDEX IF NOT EXISTS idx_memberships_deleted
		ON conversation_memberships (deleted_at)
		WHERE deleted_at IS NOT NULL`,
	`CREATE INDEX IF NOT EXISTS idx_tasks_retry_at
		ON tasks (retry_at, created_at)`,
}

func (m *postgresMigrator) Migrate(ctx context.Context) error {
	cfg := config.FromContext(ctx)
	if cfg != nil && !cfg.DatastoreMigrateAtStart {
		return nil
	}
	if cfg.DatastoreType != "" && cfg.DatastoreType != "postgres" {
		return nil
	}
	log.Info("Running migration", "name", m.Name())
	db, err := gorm.Open(postgres.Open(cfg.DBURL), &gorm.Config{})
	if err != nil {
		return fmt.Errorf("migration: failed to connect: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	if err := db.WithContext(ctx).AutoMigrate(
		&model.ConversationGroup{},
		&model.Conversation{},
		&model.ConversationMembership{},
		&model.Entry{},
		&model.OwnershipTransfer{},
		&model.MembershipAuditRecord{},
		&model.Task{},
	); err != nil {
		return fmt.Errorf("migration: automigrate failed: %w", err)
	}
	for _, stmt := range schemaIndexes {
		if err := db.WithContext(ctx).Exec(stmt).Error; err != nil {
			return fmt.Errorf("migration: index creation failed: %w", err)
		}
	}
	log.Info("Postgres schema migration complete")
	return nil
}
