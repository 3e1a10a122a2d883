package engine

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/threadvault/threadvault/internal/model"
	"github.com/threadvault/threadvault/internal/registry/store"
	"github.com/threadvault/threadvault/internal/security"
)

// GetEntries lists a conversation's entries, oldest first. The query can
// narrow by channel, client, and memory epoch, and can include the inherited
// timeline of ancestor conversations when AllForks is set. Ordinary users
// only ever see the history channel; the agent-only channels and the epoch
// selector require an agent credential on the query.
func (e *Engine) GetEntries(ctx context.Context, userID string, conversationID uuid.UUID, q store.EntryQuery) (*store.PagedEntries, error) {
	defer security.ObserveStoreLatency("get_entries", time.Now())

	conv, err := e.requireAccess(ctx, userID, conversationID, model.AccessLevelReader)
	if err != nil {
		return nil, err
	}

	agent := q.ClientID != nil && *q.ClientID != ""
	if !agent {
		if q.Channel != nil && *q.Channel != model.ChannelHistory {
			return nil, &store.ForbiddenError{}
		}
		if q.EpochFilter != nil {
			return nil, &store.ForbiddenError{}
		}
	}

	var channels []model.Channel
	if q.Channel != nil {
		channels = []model.Channel{*q.Channel}
	} else if !agent {
		channels = []model.Channel{model.ChannelHistory}
	}

	var entries []model.Entry
	if q.AllForks {
		entries, err = e.collectAncestryEntries(ctx, conv, channels)
	} else {
		entries, err = e.backend.ListEntries(ctx, conversationID, channels)
	}
	if err != nil {
		return nil, err
	}

	// Memory is clientId-scoped; other channels stay visible to any agent.
	if agent {
		filtered := entries[:0]
		for _, entry := range entries {
			if entry.Channel == model.ChannelMemory && (entry.ClientID == nil || *entry.ClientID != *q.ClientID) {
				continue
			}
			filtered = append(filtered, entry)
		}
		entries = filtered
	}

	if q.EpochFilter != nil {
		entries = filterByEpoch(entries, q.EpochFilter)
	}

	page, next := paginateEntries(entries, q.AfterEntryID, q.Limit)
	decrypted, err := e.decryptEntries(page)
	if err != nil {
		return nil, err
	}
	return &store.PagedEntries{Data: decrypted, AfterCursor: next}, nil
}

// AppendUserEntry appends a history entry on behalf of a user. An unseen
// conversation ID creates the conversation on the fly, so clients can write
// their first message without a separate create call.
func (e *Engine) AppendUserEntry(ctx context.Context, userID string, conversationID uuid.UUID, req store.CreateEntryRequest) (*model.Entry, error) {
	defer security.ObserveStoreLatency("append_user_entry", time.Now())

	channel := model.ChannelHistory
	if req.Channel != "" {
		parsed, ok := model.ParseChannel(req.Channel)
		if !ok {
			return nil, &store.ValidationError{Field: "channel", Message: "unknown channel"}
		}
		if parsed.AgentOnly() {
			return nil, &store.ForbiddenError{}
		}
		channel = parsed
	}
	if err := validateHistoryEntry(req.ContentType, req.Content); err != nil {
		return nil, err
	}

	conv, err := e.requireAccess(ctx, userID, conversationID, model.AccessLevelWriter)
	if err != nil {
		var notFound *store.NotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
		_, createErr := e.CreateConversationWithID(ctx, userID, conversationID, "", nil, req.ForkedAtConversationID, req.ForkedAtEntryID)
		if createErr != nil {
			var conflict *store.ConflictError
			if !errors.As(createErr, &conflict) {
				return nil, createErr
			}
			// Lost the creation race; the conversation now exists.
		}
		conv, err = e.requireAccess(ctx, userID, conversationID, model.AccessLevelWriter)
		if err != nil {
			return nil, err
		}
	}

	content, err := e.encryptContent(req.Content)
	if err != nil {
		return nil, err
	}
	entry := model.Entry{
		ID:                  uuid.New(),
		ConversationID:      conversationID,
		ConversationGroupID: conv.ConversationGroupID,
		UserID:              &userID,
		Channel:             channel,
		ContentType:         req.ContentType,
		Content:             content,
		IndexedContent:      req.IndexedContent,
		CreatedAt:           time.Now(),
	}

	err = e.backend.InTx(ctx, func(ctx context.Context) error {
		if err := e.backend.InsertEntries(ctx, []model.Entry{entry}); err != nil {
			return err
		}
		return e.backend.TouchConversation(ctx, conversationID, entry.CreatedAt)
	})
	if err != nil {
		return nil, err
	}

	out, err := e.decryptEntry(entry)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// AppendAgentEntries appends entries on behalf of an agent. The agent
// credential (a non-empty client ID) unlocks the memory, summary, and
// transcript channels; history entries are allowed too and are the only ones
// that advance the conversation's updatedAt.
func (e *Engine) AppendAgentEntries(ctx context.Context, userID string, conversationID uuid.UUID, reqs []store.CreateEntryRequest, clientID string, epoch *int64) ([]model.Entry, error) {
	defer security.ObserveStoreLatency("append_agent_entries", time.Now())

	if clientID == "" {
		return nil, &store.ForbiddenError{}
	}
	if len(reqs) == 0 {
		return nil, &store.ValidationError{Field: "entries", Message: "must not be empty"}
	}

	conv, err := e.requireAccess(ctx, userID, conversationID, model.AccessLevelWriter)
	if err != nil {
		return nil, err
	}

	latest, err := e.backend.LatestEpoch(ctx, conversationID, clientID)
	if err != nil {
		return nil, err
	}
	// Memory entries always carry a non-null epoch, numbered from 1.
	targetEpoch := int64(1)
	if latest != nil {
		targetEpoch = *latest
	}
	if epoch != nil {
		if *epoch < 0 {
			return nil, &store.ValidationError{Field: "epoch", Message: "must not be negative"}
		}
		if latest != nil && *epoch < *latest {
			return nil, &store.ConflictError{Message: "epoch is stale", Code: "stale_epoch"}
		}
		targetEpoch = *epoch
	}

	now := time.Now()
	var memoryEntries, otherEntries []model.Entry
	touched := false
	for i, req := range reqs {
		channel, ok := model.ParseChannel(req.Channel)
		if !ok {
			return nil, &store.ValidationError{Field: "channel", Message: "unknown channel"}
		}
		if req.IndexedContent != nil && channel != model.ChannelHistory {
			return nil, &store.ValidationError{Field: "indexedContent", Message: "only allowed on history entries"}
		}
		switch channel {
		case model.ChannelHistory:
			if err := validateHistoryEntry(req.ContentType, req.Content); err != nil {
				return nil, err
			}
			touched = true
		case model.ChannelMemory, model.ChannelSummary, model.ChannelTranscript:
			if req.ContentType == "" {
				return nil, &store.ValidationError{Field: "contentType", Message: "must not be empty"}
			}
			if len(req.Content) == 0 || !json.Valid(req.Content) {
				return nil, &store.ValidationError{Field: "content", Message: "must be valid JSON"}
			}
		}

		content, err := e.encryptContent(req.Content)
		if err != nil {
			return nil, err
		}
		entry := model.Entry{
			ID:                  uuid.New(),
			ConversationID:      conversationID,
			ConversationGroupID: conv.ConversationGroupID,
			ClientID:            &clientID,
			Channel:             channel,
			ContentType:         req.ContentType,
			Content:             content,
			IndexedContent:      req.IndexedContent,
			CreatedAt:           now.Add(time.Duration(i) * time.Microsecond),
		}
		if req.UserID != nil {
			entry.UserID = req.UserID
		}
		if channel == model.ChannelMemory {
			ep := targetEpoch
			entry.Epoch = &ep
			memoryEntries = append(memoryEntries, entry)
		} else {
			otherEntries = append(otherEntries, entry)
		}
	}

	err = e.backend.InTx(ctx, func(ctx context.Context) error {
		if len(memoryEntries) > 0 {
			if err := e.backend.AppendMemoryEntries(ctx, conversationID, clientID, latest, memoryEntries); err != nil {
				return err
			}
		}
		if len(otherEntries) > 0 {
			if err := e.backend.InsertEntries(ctx, otherEntries); err != nil {
				return err
			}
		}
		if touched {
			return e.backend.TouchConversation(ctx, conversationID, now)
		}
		return nil
	})
	if errors.Is(err, ErrEpochAdvanced) {
		return nil, &store.ConflictError{Message: "memory epoch advanced concurrently", Code: "epoch_advanced"}
	}
	if err != nil {
		return nil, err
	}

	if len(memoryEntries) > 0 && e.cacheAvailable() {
		_ = e.cache.Remove(ctx, conversationID, clientID)
	}

	inserted := append(memoryEntries, otherEntries...)
	return e.decryptEntries(inserted)
}

// GetEntryGroupID resolves the conversation group an entry belongs to.
// Used by background services to partition vector store operations.
func (e *Engine) GetEntryGroupID(ctx context.Context, entryID uuid.UUID) (uuid.UUID, error) {
	entry, err := e.backend.GetEntry(ctx, entryID)
	if err != nil {
		return uuid.Nil, err
	}
	return entry.ConversationGroupID, nil
}

// collectAncestryEntries walks the fork lineage up to the root, then
// concatenates each ancestor's timeline truncated at its fork point,
// oldest ancestor first, ending with the conversation's own entries.
func (e *Engine) collectAncestryEntries(ctx context.Context, conv *model.Conversation, channels []model.Channel) ([]model.Entry, error) {
	type segment struct {
		conversationID uuid.UUID
		until          *model.Entry // inclusive cut-off, nil for the tip
	}

	segments := []segment{{conversationID: conv.ID}}
	seen := map[uuid.UUID]bool{conv.ID: true}
	current := conv
	for current.ForkedAtConversationID != nil {
		parentID := *current.ForkedAtConversationID
		if seen[parentID] {
			break
		}
		seen[parentID] = true

		var until *model.Entry
		if current.ForkedAtEntryID != nil {
			entry, err := e.backend.GetEntry(ctx, *current.ForkedAtEntryID)
			if err != nil {
				return nil, err
			}
			until = entry
		}
		segments = append(segments, segment{conversationID: parentID, until: until})

		parent, err := e.backend.GetConversation(ctx, parentID, false)
		if err != nil {
			var notFound *store.NotFoundError
			if errors.As(err, &notFound) {
				break
			}
			return nil, err
		}
		current = parent
	}

	// Root-first ordering.
	var out []model.Entry
	for i := len(segments) - 1; i >= 0; i-- {
		seg := segments[i]
		entries, err := e.backend.ListEntries(ctx, seg.conversationID, channels)
		if err != nil {
			return nil, err
		}
		if seg.until != nil {
			entries = truncateAtEntry(entries, seg.until)
		}
		out = append(out, entries...)
	}
	return out, nil
}

// truncateAtEntry keeps the entries at or before the cut-off position in the
// (createdAt, id) ordering.
func truncateAtEntry(entries []model.Entry, until *model.Entry) []model.Entry {
	kept := entries[:0]
	for _, entry := range entries {
		if entry.CreatedAt.After(until.CreatedAt) {
			continue
		}
		if entry.CreatedAt.Equal(until.CreatedAt) && entry.ID.String() > until.ID.String() {
			continue
		}
		kept = append(kept, entry)
	}
	return kept
}

// filterByEpoch narrows memory entries by the epoch filter. Non-memory
// entries pass through untouched. Latest mode derives the newest epoch per
// (conversation, client) pair from the entries themselves.
func filterByEpoch(entries []model.Entry, filter *store.MemoryEpochFilter) []model.Entry {
	if filter == nil || filter.Mode == store.MemoryEpochModeAll {
		return entries
	}

	type pair struct {
		conversationID uuid.UUID
		clientID       string
	}
	latest := map[pair]int64{}
	if filter.Mode == store.MemoryEpochModeLatest {
		for _, entry := range entries {
			if entry.Channel != model.ChannelMemory || entry.Epoch == nil || entry.ClientID == nil {
				continue
			}
			key := pair{entry.ConversationID, *entry.ClientID}
			if cur, ok := latest[key]; !ok || *entry.Epoch > cur {
				latest[key] = *entry.Epoch
			}
		}
	}

	kept := entries[:0]
	for _, entry := range entries {
		if entry.Channel != model.ChannelMemory {
			kept = append(kept, entry)
			continue
		}
		if entry.Epoch == nil || entry.ClientID == nil {
			continue
		}
		switch filter.Mode {
		case store.MemoryEpochModeLatest:
			if *entry.Epoch == latest[pair{entry.ConversationID, *entry.ClientID}] {
				kept = append(kept, entry)
			}
		case store.MemoryEpochModeEpoch:
			if filter.Epoch != nil && *entry.Epoch == *filter.Epoch {
				kept = append(kept, entry)
			}
		}
	}
	return kept
}

// paginateEntries applies the after-cursor and limit to an already ordered slice.
func paginateEntries(entries []model.Entry, afterEntryID *string, limit int) ([]model.Entry, *string) {
	start := 0
	if afterEntryID != nil && *afterEntryID != "" {
		for i, entry := range entries {
			if entry.ID.String() == *afterEntryID {
				start = i + 1
				break
			}
		}
	}
	if limit <= 0 {
		limit = 100
	}
	end := start + limit
	if end > len(entries) {
		end = len(entries)
	}
	page := entries[start:end]
	if end < len(entries) && len(page) > 0 {
		cursor := page[len(page)-1].ID.String()
		return page, &cursor
	}
	return page, nil
}

type historyAttachment struct {
	Href         *string `json:"href,omitempty"`
	AttachmentID *string `json:"attachmentId,omitempty"`
	ContentType  *string `json:"contentType,omitempty"`
}

type historyBlock struct {
	Role        string              `json:"role"`
	Text        *string             `json:"text,omitempty"`
	Events      []json.RawMessage   `json:"events,omitempty"`
	Attachments []historyAttachment `json:"attachments,omitempty"`
}

// validateHistoryEntry enforces the history channel's shape: a history
// content type, a single block, a known role, and well-formed attachments.
func validateHistoryEntry(contentType string, content json.RawMessage) error {
	if contentType != "history" && !strings.HasPrefix(contentType, "history/") {
		return &store.ValidationError{Field: "contentType", Message: "must be history or history/<subtype>"}
	}
	if contentType == "history/" {
		return &store.ValidationError{Field: "contentType", Message: "subtype must not be empty"}
	}
	if len(content) == 0 {
		return &store.ValidationError{Field: "content", Message: "must not be empty"}
	}

	var blocks []historyBlock
	if err := json.Unmarshal(content, &blocks); err != nil {
		return &store.ValidationError{Field: "content", Message: "must be a JSON array of history blocks"}
	}
	if len(blocks) != 1 {
		return &store.ValidationError{Field: "content", Message: "must contain exactly one history block"}
	}

	block := blocks[0]
	if block.Role != "USER" && block.Role != "AI" {
		return &store.ValidationError{Field: "content.role", Message: "must be USER or AI"}
	}
	if block.Text == nil && len(block.Events) == 0 && len(block.Attachments) == 0 {
		return &store.ValidationError{Field: "content", Message: "block must carry text, events, or attachments"}
	}
	for i, att := range block.Attachments {
		hasHref := att.Href != nil && *att.Href != ""
		hasID := att.AttachmentID != nil && *att.AttachmentID != ""
		if !hasHref && !hasID {
			return &store.ValidationError{
				Field:   "content.attachments",
				Message: "attachment " + strconv.Itoa(i) + " needs an href or an attachmentId",
			}
		}
		if hasHref && (att.ContentType == nil || *att.ContentType == "") {
			return &store.ValidationError{
				Field:   "content.attachments",
				Message: "attachment " + strconv.Itoa(i) + " with an href needs a contentType",
			}
		}
	}
	return nil
}
