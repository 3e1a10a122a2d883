package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/threadvault/threadvault/internal/model"
	"github.com/threadvault/threadvault/internal/registry/cache"
	"github.com/threadvault/threadvault/internal/registry/store"
	"github.com/threadvault/threadvault/internal/security"
)

// syncMaxRetries bounds how often a sync re-snapshots after losing an epoch
// race to a concurrent writer.
const syncMaxRetries = 3

// SyncAgentMemory reconciles an agent's full memory state against the stored
// latest epoch for the (conversation, client) pair:
//
//   - identical content is a no-op
//   - content that extends the stored state appends only the new suffix
//     within the same epoch
//   - anything else diverges and starts a new epoch holding the full
//     incoming state; an empty incoming state clears memory the same way
//
// Comparison happens over decrypted, canonicalized items, so key order and
// whitespace differences never force a new epoch.
func (e *Engine) SyncAgentMemory(ctx context.Context, userID string, conversationID uuid.UUID, req store.CreateEntryRequest, clientID string) (*store.SyncResult, error) {
	defer security.ObserveStoreLatency("sync_agent_memory", time.Now())

	if clientID == "" {
		return nil, &store.ForbiddenError{}
	}
	if req.Channel != "" && req.Channel != string(model.ChannelMemory) {
		return nil, &store.ValidationError{Field: "channel", Message: "sync only operates on the memory channel"}
	}
	if req.ContentType == "" {
		return nil, &store.ValidationError{Field: "contentType", Message: "must not be empty"}
	}

	conv, err := e.requireAccess(ctx, userID, conversationID, model.AccessLevelWriter)
	if err != nil {
		return nil, err
	}

	incoming, err := parseContentArray(req.Content)
	if err != nil {
		return nil, &store.ValidationError{Field: "content", Message: err.Error()}
	}

	var lastErr error
	for attempt := 0; attempt < syncMaxRetries; attempt++ {
		result, err := e.syncOnce(ctx, conv, clientID, req.ContentType, incoming)
		if errors.Is(err, ErrEpochAdvanced) {
			lastErr = err
			if e.cacheAvailable() {
				_ = e.cache.Remove(ctx, conversationID, clientID)
			}
			continue
		}
		if err != nil {
			return nil, err
		}
		return result, nil
	}
	return nil, &store.ConflictError{
		Message: fmt.Sprintf("memory sync lost the epoch race %d times: %v", syncMaxRetries, lastErr),
		Code:    "epoch_advanced",
	}
}

func (e *Engine) syncOnce(ctx context.Context, conv *model.Conversation, clientID, contentType string, incoming []canonicalItem) (*store.SyncResult, error) {
	conversationID := conv.ID
	snapshot, epoch, err := e.loadLatestEpochEntries(ctx, conversationID, clientID)
	if err != nil {
		return nil, err
	}

	existing, existingTypeMatches, err := e.flattenMemoryEntries(snapshot, contentType)
	if err != nil {
		return nil, err
	}

	// No stored state and nothing incoming: nothing to do.
	if epoch == nil && len(incoming) == 0 {
		e.recordSyncOutcome("noop")
		return &store.SyncResult{NoOp: true}, nil
	}

	if epoch != nil && existingTypeMatches && itemsEqual(existing, incoming) {
		e.recordSyncOutcome("noop")
		return &store.SyncResult{NoOp: true, Epoch: epoch}, nil
	}

	delta := epoch != nil && existingTypeMatches && isItemPrefix(existing, incoming)

	// Epochs are numbered from 1; a divergence advances by one.
	targetEpoch := int64(1)
	if delta {
		targetEpoch = *epoch
	} else if epoch != nil {
		targetEpoch = *epoch + 1
	}

	var items []canonicalItem
	if delta {
		items = incoming[len(existing):]
	} else {
		items = incoming
	}

	plaintext, err := marshalItems(items)
	if err != nil {
		return nil, err
	}
	content, err := e.encryptContent(plaintext)
	if err != nil {
		return nil, err
	}

	entry := model.Entry{
		ID:                  uuid.New(),
		ConversationID:      conversationID,
		ConversationGroupID: conv.ConversationGroupID,
		ClientID:            &clientID,
		Channel:             model.ChannelMemory,
		Epoch:               &targetEpoch,
		ContentType:         contentType,
		Content:             content,
		CreatedAt:           time.Now(),
	}
	if err := e.backend.AppendMemoryEntries(ctx, conversationID, clientID, epoch, []model.Entry{entry}); err != nil {
		return nil, err
	}

	if delta {
		e.recordSyncOutcome("delta")
		e.warmEntriesCache(ctx, conversationID, clientID, append(snapshot, entry), targetEpoch)
	} else {
		e.recordSyncOutcome("epoch")
		if len(incoming) == 0 {
			// Memory was cleared; drop the cached set rather than caching emptiness.
			if e.cacheAvailable() {
				_ = e.cache.Remove(ctx, conversationID, clientID)
			}
		} else {
			e.warmEntriesCache(ctx, conversationID, clientID, []model.Entry{entry}, targetEpoch)
		}
	}

	out, err := e.decryptEntry(entry)
	if err != nil {
		return nil, err
	}
	return &store.SyncResult{
		Entry:            &out,
		Epoch:            &targetEpoch,
		EpochIncremented: !delta,
	}, nil
}

// loadLatestEpochEntries returns the stored latest-epoch entry set, reading
// through the cache when one is configured. Entries stay encrypted.
func (e *Engine) loadLatestEpochEntries(ctx context.Context, conversationID uuid.UUID, clientID string) ([]model.Entry, *int64, error) {
	if e.cacheAvailable() {
		cached, err := e.cache.Get(ctx, conversationID, clientID)
		if err == nil && cached != nil && cached.Epoch != nil {
			if security.CacheHitsTotal != nil {
				security.CacheHitsTotal.Inc()
			}
			return cached.Entries, cached.Epoch, nil
		}
		if security.CacheMissesTotal != nil {
			security.CacheMissesTotal.Inc()
		}
	}

	epoch, err := e.backend.LatestEpoch(ctx, conversationID, clientID)
	if err != nil {
		return nil, nil, err
	}
	if epoch == nil {
		return nil, nil, nil
	}
	entries, err := e.backend.ListMemoryEntries(ctx, conversationID, clientID, *epoch)
	if err != nil {
		return nil, nil, err
	}
	e.warmEntriesCache(ctx, conversationID, clientID, entries, *epoch)
	return entries, epoch, nil
}

func (e *Engine) warmEntriesCache(ctx context.Context, conversationID uuid.UUID, clientID string, entries []model.Entry, epoch int64) {
	if !e.cacheAvailable() {
		return
	}
	_ = e.cache.Set(ctx, conversationID, clientID, cache.CachedMemoryEntries{
		Entries: entries,
		Epoch:   &epoch,
	}, e.cacheTTL)
}

func (e *Engine) recordSyncOutcome(outcome string) {
	if security.SyncOpsTotal != nil {
		security.SyncOpsTotal.WithLabelValues(outcome).Inc()
	}
}

// flattenMemoryEntries decrypts and concatenates the item arrays of the
// latest-epoch entries in storage order. The second return value is false
// when any entry carries a different content type than the incoming sync,
// which forces a divergence.
func (e *Engine) flattenMemoryEntries(entries []model.Entry, contentType string) ([]canonicalItem, bool, error) {
	var items []canonicalItem
	matches := true
	for _, entry := range entries {
		if entry.ContentType != contentType {
			matches = false
		}
		decrypted, err := e.decryptEntry(entry)
		if err != nil {
			return nil, false, err
		}
		parsed, err := parseContentArray(decrypted.Content)
		if err != nil {
			return nil, false, fmt.Errorf("entry %s: %w", entry.ID, err)
		}
		items = append(items, parsed...)
	}
	return items, matches, nil
}

// canonicalItem is one memory item in canonical JSON form, safe for byte
// comparison across clients that serialize maps in different key orders.
type canonicalItem struct {
	raw []byte
}

func canonicalizeItem(raw json.RawMessage) (canonicalItem, error) {
	var value interface{}
	if err := json.Unmarshal(raw, &value); err != nil {
		return canonicalItem{}, err
	}
	canonical, err := json.Marshal(value)
	if err != nil {
		return canonicalItem{}, err
	}
	return canonicalItem{raw: canonical}, nil
}

// parseContentArray parses a JSON array of memory items into canonical form.
// Nil and JSON null both mean the empty set.
func parseContentArray(content json.RawMessage) ([]canonicalItem, error) {
	if len(content) == 0 || bytes.Equal(bytes.TrimSpace(content), []byte("null")) {
		return nil, nil
	}
	var raws []json.RawMessage
	if err := json.Unmarshal(content, &raws); err != nil {
		return nil, fmt.Errorf("content must be a JSON array: %w", err)
	}
	items := make([]canonicalItem, 0, len(raws))
	for _, raw := range raws {
		item, err := canonicalizeItem(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid memory item: %w", err)
		}
		items = append(items, item)
	}
	return items, nil
}

func marshalItems(items []canonicalItem) ([]byte, error) {
	raws := make([]json.RawMessage, len(items))
	for i, item := range items {
		raws[i] = json.RawMessage(item.raw)
	}
	return json.Marshal(raws)
}

func itemsEqual(a, b []canonicalItem) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !bytes.Equal(a[i].raw, b[i].raw) {
			return false
		}
	}
	return true
}

// isItemPrefix reports whether a is a proper prefix of b.
func isItemPrefix(a, b []canonicalItem) bool {
	if len(a) >= len(b) {
		return false
	}
	return itemsEqual(a, b[:len(a)])
}
