package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/threadvault/threadvault/internal/model"
	"github.com/threadvault/threadvault/internal/registry/authz"
	"github.com/threadvault/threadvault/internal/registry/cache"
	"github.com/threadvault/threadvault/internal/registry/encrypt"
	"github.com/threadvault/threadvault/internal/registry/store"
	"github.com/threadvault/threadvault/internal/security"
)

// Engine implements store.MemoryStore on top of a Backend. All semantics live
// here: the access gate, fork lineage, channel validation, the epoch
// synchronizer, eviction orchestration. Backends only move bytes.
type Engine struct {
	backend Backend
	crypt   encrypt.Provider
	cache   cache.MemoryEntriesCache
	authz   authz.Authorizer
	audit   *security.AuditLogger

	cacheTTL           time.Duration
	evictionBatchSize  int
	evictionBatchDelay time.Duration
}

var _ store.MemoryStore = (*Engine)(nil)

// Options configures optional engine collaborators. Zero values select the
// defaults: membership-table authorization, no cache, and the batch sizes
// from DefaultConfig.
type Options struct {
	Crypt      encrypt.Provider
	Cache      cache.MemoryEntriesCache
	Authorizer authz.Authorizer
	Audit      *security.AuditLogger

	CacheTTL           time.Duration
	EvictionBatchSize  int
	EvictionBatchDelay time.Duration
}

// New creates an Engine over the given backend.
func New(backend Backend, opts Options) (*Engine, error) {
	if backend == nil {
		return nil, fmt.Errorf("engine: backend is required")
	}
	if opts.Crypt == nil {
		return nil, fmt.Errorf("engine: encryption provider is required")
	}
	e := &Engine{
		backend:            backend,
		crypt:              opts.Crypt,
		cache:              opts.Cache,
		authz:              opts.Authorizer,
		audit:              opts.Audit,
		cacheTTL:           opts.CacheTTL,
		evictionBatchSize:  opts.EvictionBatchSize,
		evictionBatchDelay: opts.EvictionBatchDelay,
	}
	if e.authz == nil {
		e.authz = &membershipAuthorizer{backend: backend}
	}
	if e.audit == nil {
		e.audit = security.NewAuditLogger(backend)
	}
	if e.cacheTTL <= 0 {
		e.cacheTTL = 10 * time.Minute
	}
	if e.evictionBatchSize <= 0 {
		e.evictionBatchSize = 1000
	}
	return e, nil
}

// Backend exposes the underlying backend, mainly for tests and wiring.
func (e *Engine) Backend() Backend { return e.backend }

// Close releases the backend's resources.
func (e *Engine) Close() error { return e.backend.Close() }

func (e *Engine) cacheAvailable() bool {
	return e.cache != nil && e.cache.Available()
}

// requireAccess resolves a conversation and verifies the user holds at least
// the given access level on its group. Users without any access get NotFound
// so that conversation IDs do not leak; users with read access but below the
// required level get Forbidden.
func (e *Engine) requireAccess(ctx context.Context, userID string, conversationID uuid.UUID, level model.AccessLevel) (*model.Conversation, error) {
	conv, err := e.backend.GetConversation(ctx, conversationID, false)
	if err != nil {
		return nil, err
	}
	ok, err := e.authz.HasAtLeastAccess(ctx, conv.ConversationGroupID, userID, level)
	if err != nil {
		return nil, err
	}
	if ok {
		return conv, nil
	}
	if level != model.AccessLevelReader {
		canRead, err := e.authz.HasAtLeastAccess(ctx, conv.ConversationGroupID, userID, model.AccessLevelReader)
		if err != nil {
			return nil, err
		}
		if canRead {
			return nil, &store.ForbiddenError{}
		}
	}
	return nil, &store.NotFoundError{Resource: "conversation", ID: conversationID.String()}
}

func (e *Engine) encryptTitle(title string) ([]byte, error) {
	if title == "" {
		return nil, nil
	}
	return e.crypt.Encrypt([]byte(title))
}

func (e *Engine) decryptTitle(ciphertext []byte) (string, error) {
	if len(ciphertext) == 0 {
		return "", nil
	}
	plaintext, err := e.crypt.Decrypt(ciphertext)
	if err != nil {
		return "", fmt.Errorf("decrypt title: %w", err)
	}
	return string(plaintext), nil
}

func (e *Engine) encryptContent(content []byte) ([]byte, error) {
	if len(content) == 0 {
		return nil, nil
	}
	return e.crypt.Encrypt(content)
}

// decryptEntry returns a copy of the entry with plaintext content.
func (e *Engine) decryptEntry(entry model.Entry) (model.Entry, error) {
	if len(entry.Content) == 0 {
		return entry, nil
	}
	plaintext, err := e.crypt.Decrypt(entry.Content)
	if err != nil {
		return entry, fmt.Errorf("decrypt entry %s: %w", entry.ID, err)
	}
	entry.Content = plaintext
	return entry, nil
}

func (e *Engine) decryptEntries(entries []model.Entry) ([]model.Entry, error) {
	out := make([]model.Entry, 0, len(entries))
	for _, entry := range entries {
		decrypted, err := e.decryptEntry(entry)
		if err != nil {
			return nil, err
		}
		out = append(out, decrypted)
	}
	return out, nil
}
