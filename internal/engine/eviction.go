package engine

import (
	"context"
	"time"

	"github.com/charmbracelet/log"
	"github.com/threadvault/threadvault/internal/registry/store"
	"github.com/threadvault/threadvault/internal/security"
)

// Task types consumed by the background task processor.
const (
	TaskVectorStoreDelete      = "vector_store_delete"
	TaskVectorStoreDeleteEntry = "vector_store_delete_entry"
	TaskVectorStoreIndexRetry  = "vector_store_index_retry"
)

// Evict hard-deletes data past the retention window, one kind at a time:
//
//   - conversation_groups: tombstoned groups and everything under them
//   - conversation_memberships: tombstoned membership rows
//   - memory_epochs: superseded memory epochs; the latest epoch of every
//     (conversation, client) pair survives regardless of age
//
// Work happens in claimed batches, and each purged group or entry enqueues a
// vector store cleanup task in the same transaction as the delete. The task is
// only written for rows this instance actually removed, so concurrent evictors
// racing on the same batch purge and enqueue exactly once. Progress is
// reported as a percentage and always ends at 100, even when there was
// nothing to do.
func (e *Engine) Evict(ctx context.Context, retention time.Duration, kinds []store.EvictionKind, progress store.ProgressFunc) error {
	defer security.ObserveStoreLatency("evict", time.Now())

	if len(kinds) == 0 {
		kinds = store.AllEvictionKinds()
	}
	if progress == nil {
		progress = func(int) {}
	}
	cutoff := time.Now().Add(-retention)

	totals := map[store.EvictionKind]int64{}
	var grandTotal int64
	for _, kind := range kinds {
		var n int64
		var err error
		switch kind {
		case store.EvictConversationGroups:
			n, err = e.backend.CountEvictableGroups(ctx, cutoff)
		case store.EvictConversationMemberships:
			n, err = e.backend.CountEvictableMemberships(ctx, cutoff)
		case store.EvictMemoryEpochs:
			n, err = e.backend.CountEvictableEpochs(ctx, cutoff)
		default:
			return &store.ValidationError{Field: "kinds", Message: "unknown eviction kind " + string(kind)}
		}
		if err != nil {
			return err
		}
		totals[kind] = n
		grandTotal += n
	}

	var processed int64
	report := func() {
		if grandTotal == 0 {
			return
		}
		percent := int(processed * 100 / grandTotal)
		if percent > 99 {
			percent = 99
		}
		progress(percent)
	}
	report()

	for _, kind := range kinds {
		log.Info("Eviction pass", "kind", kind, "evictable", totals[kind], "cutoff", cutoff)
		var err error
		var done int64
		switch kind {
		case store.EvictConversationGroups:
			done, err = e.evictGroups(ctx, cutoff, func(n int64) { processed += n; report() })
		case store.EvictConversationMemberships:
			done, err = e.evictMemberships(ctx, cutoff, func(n int64) { processed += n; report() })
		case store.EvictMemoryEpochs:
			done, err = e.evictEpochs(ctx, cutoff, func(n int64) { processed += n; report() })
		}
		if err != nil {
			return err
		}
		if security.EvictedTotal != nil && done > 0 {
			security.EvictedTotal.WithLabelValues(string(kind)).Add(float64(done))
		}
	}

	progress(100)
	return nil
}

func (e *Engine) evictGroups(ctx context.Context, cutoff time.Time, advance func(int64)) (int64, error) {
	var total int64
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		groupIDs, err := e.backend.ClaimEvictableGroups(ctx, cutoff, e.evictionBatchSize)
		if err != nil {
			return total, err
		}
		if len(groupIDs) == 0 {
			return total, nil
		}
		for _, groupID := range groupIDs {
			err := e.backend.InTx(ctx, func(ctx context.Context) error {
				purged, err := e.backend.PurgeGroup(ctx, groupID)
				if err != nil {
					return err
				}
				if !purged {
					// Another instance won this group; no cleanup task to enqueue.
					return nil
				}
				task := newTask(TaskVectorStoreDelete, map[string]interface{}{
					"conversationGroupId": groupID.String(),
				})
				if err := e.backend.InsertTask(ctx, task); err != nil {
					return err
				}
				log.Info("Evicted conversation group", "groupId", groupID)
				return nil
			})
			if err != nil {
				return total, err
			}
		}
		total += int64(len(groupIDs))
		advance(int64(len(groupIDs)))
		if err := e.batchPause(ctx); err != nil {
			return total, err
		}
	}
}

func (e *Engine) evictMemberships(ctx context.Context, cutoff time.Time, advance func(int64)) (int64, error) {
	var total int64
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		deleted, err := e.backend.DeleteEvictableMemberships(ctx, cutoff, e.evictionBatchSize)
		if err != nil {
			return total, err
		}
		if deleted == 0 {
			return total, nil
		}
		total += deleted
		advance(deleted)
		if err := e.batchPause(ctx); err != nil {
			return total, err
		}
	}
}

func (e *Engine) evictEpochs(ctx context.Context, cutoff time.Time, advance func(int64)) (int64, error) {
	var total int64
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		keys, err := e.backend.ClaimEvictableEpochs(ctx, cutoff, e.evictionBatchSize)
		if err != nil {
			return total, err
		}
		if len(keys) == 0 {
			return total, nil
		}
		for _, key := range keys {
			err := e.backend.InTx(ctx, func(ctx context.Context) error {
				// Tasks are enqueued only for the rows this delete removed, so a
				// racing evictor on the same epoch cannot double-enqueue.
				entryIDs, err := e.backend.DeleteEpochEntries(ctx, key)
				if err != nil {
					return err
				}
				for _, entryID := range entryIDs {
					task := newTask(TaskVectorStoreDeleteEntry, map[string]interface{}{
						"entryId": entryID.String(),
					})
					if err := e.backend.InsertTask(ctx, task); err != nil {
						return err
					}
				}
				if len(entryIDs) > 0 {
					log.Info("Evicted memory epoch",
						"conversationId", key.ConversationID,
						"clientId", key.ClientID,
						"epoch", key.Epoch,
					)
				}
				return nil
			})
			if err != nil {
				return total, err
			}
		}
		total += int64(len(keys))
		advance(int64(len(keys)))
		if err := e.batchPause(ctx); err != nil {
			return total, err
		}
	}
}

// batchPause spaces out eviction batches so bulk deletes do not starve
// foreground traffic.
func (e *Engine) batchPause(ctx context.Context) error {
	if e.evictionBatchDelay <= 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(e.evictionBatchDelay):
		return nil
	}
}
