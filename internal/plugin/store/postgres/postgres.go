package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/threadvault/threadvault/internal/config"
	"github.com/threadvault/threadvault/internal/engine"
	"github.com/threadvault/threadvault/internal/model"
	registryauthz "github.com/threadvault/threadvault/internal/registry/authz"
	registrycache "github.com/threadvault/threadvault/internal/registry/cache"
	registryencrypt "github.com/threadvault/threadvault/internal/registry/encrypt"
	registrystore "github.com/threadvault/threadvault/internal/registry/store"
	"github.com/threadvault/threadvault/internal/security"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

func init() {
	registrystore.Register(registrystore.Plugin{
		Name: "postgres",
		Loader: func(ctx context.Context) (registrystore.MemoryStore, error) {
			cfg := config.FromContext(ctx)
			db, err := gorm.Open(postgres.Open(cfg.DBURL), &gorm.Config{})
			if err != nil {
				return nil, fmt.Errorf("failed to connect to postgres: %w", err)
			}
			sqlDB, err := db.DB()
			if err != nil {
				return nil, fmt.Errorf("failed to get underlying db: %w", err)
			}
			sqlDB.SetMaxOpenConns(cfg.DBMaxOpenConns)
			sqlDB.SetMaxIdleConns(cfg.DBMaxIdleConns)
			if security.DBPoolMaxConnections != nil {
				security.DBPoolMaxConnections.Set(float64(cfg.DBMaxOpenConns))
			}

			// Periodically update the open connections gauge.
			go func() {
				ticker := time.NewTicker(15 * time.Second)
				defer ticker.Stop()
				for {
					select {
					case <-ctx.Done():
						return
					case <-ticker.C:
						if security.DBPoolOpenConnections != nil {
							security.DBPoolOpenConnections.Set(float64(sqlDB.Stats().OpenConnections))
						}
					}
				}
			}()

			backend := &Backend{db: db}
			return buildEngine(ctx, cfg, backend)
		},
	})
}

// buildEngine assembles the engine collaborators around a backend: the
// configured encryption provider, the entries cache from the context, and the
// configured authorizer chained onto the membership check.
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

// Backend implements engine.Backend on GORM + PostgreSQL.
type Backend struct {
	db *gorm.DB
}

var _ engine.Backend = (*Backend)(nil)

func (b *Backend) Name() string { return "postgres" }

type txKey struct{}

// conn returns the transaction bound to ctx, or a fresh context-scoped handle.
func (b *Backend) conn(ctx context.Context) *gorm.DB {
	if tx, ok := ctx.Value(txKey{}).(*gorm.DB); ok {
		return tx.WithContext(ctx)
	}
	return b.db.WithContext(ctx)
}

// InTx runs fn inside a transaction carried by the derived context. Nested
// calls join the enclosing transaction.
func (b *Backend) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(txKey{}).(*gorm.DB); ok {
		return fn(ctx)
	}
	return b.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(context.WithValue(ctx, txKey{}, tx))
	})
}

func (b *Backend) Close() error {
	sqlDB, err := b.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// --- Groups and conversations ---

func (b *Backend) InsertGroup(ctx context.Context, group *model.ConversationGroup) error {
	if err := b.conn(ctx).Create(group).Error; err != nil {
		return fmt.Errorf("failed to create conversation group: %w", err)
	}
	return nil
}

func (b *Backend) GetGroup(ctx context.Context, groupID uuid.UUID) (*model.ConversationGroup, error) {
	var group model.ConversationGroup
	result := b.conn(ctx).Where("id = ?", groupID).Limit(1).Find(&group)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to load conversation group: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return nil, &registrystore.NotFoundError{Resource: "conversation group", ID: groupID.String()}
	}
	return &group, nil
}

func (b *Backend) InsertConversation(ctx context.Context, conv *model.Conversation) error {
	if err := b.conn(ctx).Create(conv).Error; err != nil {
		if isUniqueViolation(err, "") {
			return &registrystore.ConflictError{Message: "conversation already exists", Code: "conversation_exists"}
		}
		return fmt.Errorf("failed to create conversation: %w", err)
	}
	return nil
}

func (b *Backend) GetConversation(ctx context.Context, conversationID uuid.UUID, includeDeleted bool) (*model.Conversation, error) {
	tx := b.conn(ctx).Where("id = ?", conversationID)
	if !includeDeleted {
		tx = tx.Where("deleted_at IS NULL")
	}
	var conv model.Conversation
	result := tx.Limit(1).Find(&conv)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to load conversation: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return nil, &registrystore.NotFoundError{Resource: "conversation", ID: conversationID.String()}
	}
	return &conv, nil
}

func (b *Backend) UpdateConversation(ctx context.Context, conv *model.Conversation) error {
	if err := b.conn(ctx).Model(&model.Conversation{}).Where("id = ?", conv.ID).Updates(map[string]interface{}{
		"title":      conv.Title,
		"metadata":   conv.Metadata,
		"updated_at": conv.UpdatedAt,
	}).Error; err != nil {
		return fmt.Errorf("failed to update conversation: %w", err)
	}
	return nil
}

func (b *Backend) TouchConversation(ctx context.Context, conversationID uuid.UUID, updatedAt time.Time) error {
	return b.conn(ctx).Model(&model.Conversation{}).
		Where("id = ?", conversationID).
		Update("updated_at", updatedAt).Error
}

func (b *Backend) ListGroupConversations(ctx context.Context, groupID uuid.UUID, includeDeleted bool) ([]model.Conversation, error) {
	tx := b.conn(ctx).Where("conversation_group_id = ?", groupID)
	if !includeDeleted {
		tx = tx.Where("deleted_at IS NULL")
	}
	var conversations []model.Conversation
	if err := tx.Order("created_at ASC").Find(&conversations).Error; err != nil {
		return nil, fmt.Errorf("failed to list group conversations: %w", err)
	}
	return conversations, nil
}

func (b *Backend) ListUserConversations(ctx context.Context, userID string) ([]engine.ConversationAccess, error) {
	type row struct {
		model.Conversation
		AccessLevel model.AccessLevel `gorm:"column:access_level"`
	}
	var rows []row
	err := b.conn(ctx).
		Table("conversations c").
		Select("c.*, cm.access_level").
		Joins("JOIN conversation_memberships cm ON cm.conversation_group_id = c.conversation_group_id AND cm.user_id = ? AND cm.deleted_at IS NULL", userID).
		Joins("JOIN conversation_groups cg ON cg.id = c.conversation_group_id AND cg.deleted_at IS NULL").
		Where("c.deleted_at IS NULL").
		Order("c.updated_at DESC").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list user conversations: %w", err)
	}
	access := make([]engine.ConversationAccess, len(rows))
	for i, r := range rows {
		access[i] = engine.ConversationAccess{Conversation: r.Conversation, AccessLevel: r.AccessLevel}
	}
	return access, nil
}

func (b *Backend) SetGroupDeleted(ctx context.Context, groupID uuid.UUID, deletedAt *time.Time) error {
	return b.InTx(ctx, func(ctx context.Context) error {
		if err := b.conn(ctx).Model(&model.ConversationGroup{}).
			Where("id = ?", groupID).
			Update("deleted_at", deletedAt).Error; err != nil {
			return fmt.Errorf("failed to update group tombstone: %w", err)
		}
		if err := b.conn(ctx).Model(&model.Conversation{}).
			Where("conversation_group_id = ?", groupID).
			Update("deleted_at", deletedAt).Error; err != nil {
			return fmt.Errorf("failed to update conversation tombstones: %w", err)
		}
		return nil
	})
}

func (b *Backend) SetConversationsOwner(ctx context.Context, groupID uuid.UUID, ownerUserID string) error {
	return b.conn(ctx).Model(&model.Conversation{}).
		Where("conversation_group_id = ?", groupID).
		Update("owner_user_id", ownerUserID).Error
}

// --- Memberships ---

func (b *Backend) GetMembership(ctx context.Context, groupID uuid.UUID, userID string, includeDeleted bool) (*model.ConversationMembership, error) {
	tx := b.conn(ctx).Where("conversation_group_id = ? AND user_id = ?", groupID, userID)
	if !includeDeleted {
		tx = tx.Where("deleted_at IS NULL")
	}
	var membership model.ConversationMembership
	result := tx.Limit(1).Find(&membership)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to load membership: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return nil, nil
	}
	return &membership, nil
}

func (b *Backend) UpsertMembership(ctx context.Context, membership *model.ConversationMembership) error {
	err := b.conn(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "conversation_group_id"}, {Name: "user_id"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"access_level": membership.AccessLevel,
			"deleted_at":   nil,
		}),
	}).Create(membership).Error
	if err != nil {
		return fmt.Errorf("failed to upsert membership: %w", err)
	}
	return nil
}

func (b *Backend) SoftDeleteMembership(ctx context.Context, groupID uuid.UUID, userID string, deletedAt time.Time) error {
	return b.conn(ctx).Model(&model.ConversationMembership{}).
		Where("conversation_group_id = ? AND user_id = ?", groupID, userID).
		Update("deleted_at", deletedAt).Error
}

func (b *Backend) ListMemberships(ctx context.Context, groupID uuid.UUID, includeDeleted bool) ([]model.ConversationMembership, error) {
	tx := b.conn(ctx).Where("conversation_group_id = ?", groupID)
	if !includeDeleted {
		tx = tx.Where("deleted_at IS NULL")
	}
	var memberships []model.ConversationMembership
	if err := tx.Order("created_at ASC").Find(&memberships).Error; err != nil {
		return nil, fmt.Errorf("failed to list memberships: %w", err)
	}
	return memberships, nil
}

func (b *Backend) HardDeleteGroupMemberships(ctx context.Context, groupID uuid.UUID) ([]model.ConversationMembership, error) {
	var removed []model.ConversationMembership
	err := b.InTx(ctx, func(ctx context.Context) error {
		if err := b.conn(ctx).
			Where("conversation_group_id = ?", groupID).
			Find(&removed).Error; err != nil {
			return err
		}
		return b.conn(ctx).
			Where("conversation_group_id = ?", groupID).
			Delete(&model.ConversationMembership{}).Error
	})
	if err != nil {
		return nil, fmt.Errorf("failed to hard-delete memberships: %w", err)
	}
	return removed, nil
}

// --- Ownership transfers ---

func (b *Backend) GetTransfer(ctx context.Context, transferID uuid.UUID) (*model.OwnershipTransfer, error) {
	var transfer model.OwnershipTransfer
	result := b.conn(ctx).Where("id = ?", transferID).Limit(1).Find(&transfer)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to load transfer: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return nil, &registrystore.NotFoundError{Resource: "transfer", ID: transferID.String()}
	}
	return &transfer, nil
}

func (b *Backend) GetPendingTransferForGroup(ctx context.Context, groupID uuid.UUID) (*model.OwnershipTransfer, error) {
	var transfer model.OwnershipTransfer
	result := b.conn(ctx).Where("conversation_group_id = ?", groupID).Limit(1).Find(&transfer)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to load pending transfer: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return nil, nil
	}
	return &transfer, nil
}

func (b *Backend) ListTransfersForUser(ctx context.Context, userID string, incoming bool) ([]model.OwnershipTransfer, error) {
	tx := b.conn(ctx).Order("created_at ASC")
	if incoming {
		tx = tx.Where("to_user_id = ?", userID)
	} else {
		tx = tx.Where("from_user_id = ?", userID)
	}
	var transfers []model.OwnershipTransfer
	if err := tx.Find(&transfers).Error; err != nil {
		return nil, fmt.Errorf("failed to list transfers: %w", err)
	}
	return transfers, nil
}

func (b *Backend) InsertTransfer(ctx context.Context, transfer *model.OwnershipTransfer) error {
	if err := b.conn(ctx).Create(transfer).Error; err != nil {
		if isUniqueViolation(err, "unique_transfer_per_conversation") {
			details := map[string]interface{}{}
			if existing, lookupErr := b.GetPendingTransferForGroup(ctx, transfer.ConversationGroupID); lookupErr == nil && existing != nil {
				details["existingTransferId"] = existing.ID.String()
			}
			return &registrystore.ConflictError{
				Message: "a transfer is already pending for this conversation",
				Code:    "TRANSFER_ALREADY_PENDING",
				Details: details,
			}
		}
		return fmt.Errorf("failed to create transfer: %w", err)
	}
	return nil
}

func (b *Backend) DeleteTransfer(ctx context.Context, transferID uuid.UUID) error {
	return b.conn(ctx).Where("id = ?", transferID).Delete(&model.OwnershipTransfer{}).Error
}

func (b *Backend) DeleteGroupTransfers(ctx context.Context, groupID uuid.UUID) error {
	return b.conn(ctx).Where("conversation_group_id = ?", groupID).Delete(&model.OwnershipTransfer{}).Error
}

// --- Entries ---

func (b *Backend) InsertEntries(ctx context.Context, entries []model.Entry) error {
	if len(entries) == 0 {
		return nil
	}
	if err := b.conn(ctx).Create(&entries).Error; err != nil {
		return fmt.Errorf("failed to insert entries: %w", err)
	}
	return nil
}

func (b *Backend) GetEntry(ctx context.Context, entryID uuid.UUID) (*model.Entry, error) {
	var entry model.Entry
	result := b.conn(ctx).Where("id = ?", entryID).Limit(1).Find(&entry)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to load entry: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return nil, &registrystore.NotFoundError{Resource: "entry", ID: entryID.String()}
	}
	return &entry, nil
}

func (b *Backend) ListEntries(ctx context.Context, conversationID uuid.UUID, channels []model.Channel) ([]model.Entry, error) {
	tx := b.conn(ctx).Where("conversation_id = ?", conversationID)
	if len(channels) > 0 {
		tx = tx.Where("channel IN ?", channels)
	}
	var entries []model.Entry
	if err := tx.Order("created_at ASC, id ASC").Find(&entries).Error; err != nil {
		return nil, fmt.Errorf("failed to list entries: %w", err)
	}
	return entries, nil
}

func (b *Backend) PreviousHistoryEntry(ctx context.Context, conversationID uuid.UUID, before *model.Entry) (*model.Entry, error) {
	var previous model.Entry
	result := b.conn(ctx).
		Where("conversation_id = ? AND channel = ?", conversationID, model.ChannelHistory).
		Where("(created_at < ?) OR (created_at = ? AND id < ?)", before.CreatedAt, before.CreatedAt, before.ID).
		Order("created_at DESC, id DESC").
		Limit(1).
		Find(&previous)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to load previous history entry: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return nil, nil
	}
	return &previous, nil
}

func (b *Backend) LatestEpoch(ctx context.Context, conversationID uuid.UUID, clientID string) (*int64, error) {
	var epoch sql.NullInt64
	err := b.conn(ctx).Model(&model.Entry{}).
		Where("conversation_id = ? AND client_id = ? AND channel = ?", conversationID, clientID, model.ChannelMemory).
		Select("MAX(epoch)").
		Scan(&epoch).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load latest epoch: %w", err)
	}
	if !epoch.Valid {
		return nil, nil
	}
	return &epoch.Int64, nil
}

func (b *Backend) ListMemoryEntries(ctx context.Context, conversationID uuid.UUID, clientID string, epoch int64) ([]model.Entry, error) {
	var entries []model.Entry
	err := b.conn(ctx).
		Where("conversation_id = ? AND client_id = ? AND channel = ? AND epoch = ?",
			conversationID, clientID, model.ChannelMemory, epoch).
		Order("created_at ASC, id ASC").
		Find(&entries).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list memory entries: %w", err)
	}
	return entries, nil
}

func (b *Backend) AppendMemoryEntries(ctx context.Context, conversationID uuid.UUID, clientID string, expectedLatest *int64, entries []model.Entry) error {
	return b.InTx(ctx, func(ctx context.Context) error {
		// Serialize appenders on the (conversation, client) pair for the
		// duration of the transaction, then verify the epoch snapshot.
		lockKey := fmt.Sprintf("%s/%s", conversationID, clientID)
		if err := b.conn(ctx).Exec("SELECT pg_advisory_xact_lock(hashtext(?))", lockKey).Error; err != nil {
			return fmt.Errorf("failed to take epoch lock: %w", err)
		}
		latest, err := b.LatestEpoch(ctx, conversationID, clientID)
		if err != nil {
			return err
		}
		if (latest == nil) != (expectedLatest == nil) || (latest != nil && *latest != *expectedLatest) {
			return engine.ErrEpochAdvanced
		}
		return b.InsertEntries(ctx, entries)
	})
}

// --- Indexing ---

func (b *Backend) FindEntriesPendingVectorIndexing(ctx context.Context, limit int) ([]model.Entry, error) {
	var entries []model.Entry
	err := b.conn(ctx).
		Where("indexed_content IS NOT NULL AND indexed_at IS NULL").
		Order("created_at ASC").
		Limit(limit).
		Find(&entries).Error
	if err != nil {
		return nil, fmt.Errorf("failed to find entries pending vector indexing: %w", err)
	}
	return entries, nil
}

func (b *Backend) SetIndexedAt(ctx context.Context, entryID uuid.UUID, indexedAt *time.Time) error {
	return b.conn(ctx).Model(&model.Entry{}).
		Where("id = ?", entryID).
		Update("indexed_at", indexedAt).Error
}

// --- Audit ---

func (b *Backend) InsertAuditRecord(ctx context.Context, record *model.MembershipAuditRecord) error {
	return b.conn(ctx).Create(record).Error
}

// --- Eviction ---

func (b *Backend) CountEvictableGroups(ctx context.Context, cutoff time.Time) (int64, error) {
	var count int64
	err := b.conn(ctx).Model(&model.ConversationGroup{}).
		Where("deleted_at IS NOT NULL AND deleted_at < ?", cutoff).
		Count(&count).Error
	return count, err
}

func (b *Backend) ClaimEvictableGroups(ctx context.Context, cutoff time.Time, limit int) ([]uuid.UUID, error) {
	var ids []uuid.UUID
	err := b.conn(ctx).Raw(`
		SELECT id
		FROM conversation_groups
		WHERE deleted_at IS NOT NULL AND deleted_at < ?
		ORDER BY deleted_at
		LIMIT ?
		FOR UPDATE SKIP LOCKED
	`, cutoff, limit).Scan(&ids).Error
	if err != nil {
		return nil, fmt.Errorf("failed to claim evictable groups: %w", err)
	}
	return ids, nil
}

func (b *Backend) PurgeGroup(ctx context.Context, groupID uuid.UUID) (bool, error) {
	purged := false
	err := b.InTx(ctx, func(ctx context.Context) error {
		if err := b.conn(ctx).Where("conversation_group_id = ?", groupID).Delete(&model.Entry{}).Error; err != nil {
			return fmt.Errorf("failed to purge entries: %w", err)
		}
		if err := b.conn(ctx).Where("conversation_group_id = ?", groupID).Delete(&model.Conversation{}).Error; err != nil {
			return fmt.Errorf("failed to purge conversations: %w", err)
		}
		if err := b.conn(ctx).Where("conversation_group_id = ?", groupID).Delete(&model.ConversationMembership{}).Error; err != nil {
			return fmt.Errorf("failed to purge memberships: %w", err)
		}
		if err := b.conn(ctx).Where("conversation_group_id = ?", groupID).Delete(&model.OwnershipTransfer{}).Error; err != nil {
			return fmt.Errorf("failed to purge transfers: %w", err)
		}
		if err := b.conn(ctx).Where("conversation_group_id = ?", groupID).Delete(&model.MembershipAuditRecord{}).Error; err != nil {
			return fmt.Errorf("failed to purge audit records: %w", err)
		}
		// RowsAffected on the group row is the arbiter between concurrent
		// purgers of the same group.
		result := b.conn(ctx).Where("id = ?", groupID).Delete(&model.ConversationGroup{})
		if result.Error != nil {
			return fmt.Errorf("failed to purge group: %w", result.Error)
		}
		purged = result.RowsAffected == 1
		return nil
	})
	return purged, err
}

func (b *Backend) CountEvictableMemberships(ctx context.Context, cutoff time.Time) (int64, error) {
	var count int64
	err := b.conn(ctx).Model(&model.ConversationMembership{}).
		Where("deleted_at IS NOT NULL AND deleted_at < ?", cutoff).
		Count(&count).Error
	return count, err
}

func (b *Backend) DeleteEvictableMemberships(ctx context.Context, cutoff time.Time, limit int) (int64, error) {
	result := b.conn(ctx).Exec(`
		DELETE FROM conversation_memberships
		WHERE (conversation_group_id, user_id) IN (
			SELECT conversation_group_id, user_id
			FROM conversation_memberships
			WHERE deleted_at IS NOT NULL AND deleted_at < ?
			ORDER BY deleted_at
			LIMIT ?
			FOR UPDATE SKIP LOCKED
		)
	`, cutoff, limit)
	if result.Error != nil {
		return 0, fmt.Errorf("failed to delete evictable memberships: %w", result.Error)
	}
	return result.RowsAffected, nil
}

// evictableEpochsQuery selects superseded epochs whose newest entry is past
// the cutoff. The latest epoch of each pair is excluded by construction.
const evictableEpochsQuery = `
	SELECT e.conversation_id, e.client_id, e.epoch
	FROM entries e
	WHERE e.channel = 'memory' AND e.client_id IS NOT NULL AND e.epoch IS NOT NULL
	GROUP BY e.conversation_id, e.client_id, e.epoch
	HAVING MAX(e.created_at) < ?
	   AND e.epoch < (
		SELECT MAX(e2.epoch)
		FROM entries e2
		WHERE e2.conversation_id = e.conversation_id
		  AND e2.client_id = e.client_id
		  AND e2.channel = 'memory'
	   )
`

func (b *Backend) CountEvictableEpochs(ctx context.Context, cutoff time.Time) (int64, error) {
	var count int64
	err := b.conn(ctx).Raw("SELECT COUNT(*) FROM ("+evictableEpochsQuery+") evictable", cutoff).Scan(&count).Error
	if err != nil {
		return 0, fmt.Errorf("failed to count evictable epochs: %w", err)
	}
	return count, nil
}

func (b *Backend) ClaimEvictableEpochs(ctx context.Context, cutoff time.Time, limit int) ([]engine.EpochKey, error) {
	type row struct {
		ConversationID uuid.UUID `gorm:"column:conversation_id"`
		ClientID       string    `gorm:"column:client_id"`
		Epoch          int64     `gorm:"column:epoch"`
	}
	var rows []row
	err := b.conn(ctx).Raw(evictableEpochsQuery+" ORDER BY e.conversation_id, e.epoch LIMIT ?", cutoff, limit).Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to claim evictable epochs: %w", err)
	}
	keys := make([]engine.EpochKey, len(rows))
	for i, r := range rows {
		keys[i] = engine.EpochKey{ConversationID: r.ConversationID, ClientID: r.ClientID, Epoch: r.Epoch}
	}
	return keys, nil
}

func (b *Backend) DeleteEpochEntries(ctx context.Context, key engine.EpochKey) ([]uuid.UUID, error) {
	// RETURNING reports exactly the rows this statement removed, so two
	// workers deleting the same epoch get disjoint ID sets.
	var ids []uuid.UUID
	err := b.conn(ctx).Raw(`
		DELETE FROM entries
		WHERE conversation_id = ? AND client_id = ? AND channel = ? AND epoch = ?
		RETURNING id
	`, key.ConversationID, key.ClientID, model.ChannelMemory, key.Epoch).Scan(&ids).Error
	if err != nil {
		return nil, fmt.Errorf("failed to delete epoch entries: %w", err)
	}
	return ids, nil
}

// --- Tasks ---

func (b *Backend) InsertTask(ctx context.Context, task *model.Task) error {
	if err := b.conn(ctx).Create(task).Error; err != nil {
		if isUniqueViolation(err, "") {
			return &registrystore.ConflictError{Message: "task already exists", Code: "task_exists"}
		}
		return fmt.Errorf("failed to insert task: %w", err)
	}
	return nil
}

func (b *Backend) ClaimReadyTasks(ctx context.Context, limit int) ([]model.Task, error) {
	var tasks []model.Task
	err := b.conn(ctx).Raw(`
		WITH claimed AS (
			SELECT id
			FROM tasks
			WHERE retry_at <= NOW()
			ORDER BY retry_at, created_at
			LIMIT ?
			FOR UPDATE SKIP LOCKED
		)
		UPDATE tasks t
		SET retry_at = NOW() + INTERVAL '5 minutes'
		FROM claimed
		WHERE t.id = claimed.id
		RETURNING t.*
	`, limit).
		Scan(&tasks).Error
	return tasks, err
}

func (b *Backend) DeleteTask(ctx context.Context, taskID uuid.UUID) error {
	return b.conn(ctx).Where("id = ?", taskID).Delete(&model.Task{}).Error
}

func (b *Backend) FailTask(ctx context.Context, taskID uuid.UUID, errMsg string, retryAt time.Time) error {
	return b.conn(ctx).Model(&model.Task{}).Where("id = ?", taskID).Updates(map[string]interface{}{
		"retry_count": gorm.Expr("retry_count + 1"),
		"retry_at":    retryAt,
		"last_error":  errMsg,
	}).Error
}
