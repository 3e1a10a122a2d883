package service

import (
	"context"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/threadvault/threadvault/internal/engine"
	registrystore "github.com/threadvault/threadvault/internal/registry/store"
	registryvector "github.com/threadvault/threadvault/internal/registry/vector"
)

// TaskProcessor polls for ready tasks and executes them. Eviction enqueues
// vector cleanup tasks here so embeddings are removed asynchronously after the
// source rows are already gone.
type TaskProcessor struct {
	store      registrystore.MemoryStore
	vector     registryvector.VectorStore
	interval   time.Duration
	retryDelay time.Duration
	batchSize  int
}

// NewTaskProcessor creates a new background task processor.
func NewTaskProcessor(store registrystore.MemoryStore, vector registryvector.VectorStore) *TaskProcessor {
	return &TaskProcessor{
		store:      store,
		vector:     vector,
		interval:   1 * time.Minute,
		retryDelay: 10 * time.Minute,
		batchSize:  100,
	}
}

// Start begins the periodic task processing loop. Returns when ctx is cancelled.
func (p *TaskProcessor) Start(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.ProcessBatch(ctx)
		}
	}
}

// ProcessBatch claims one batch of ready tasks and executes each. Failed tasks
// are rescheduled with a retry delay; successful ones are deleted.
func (p *TaskProcessor) ProcessBatch(ctx context.Context) {
	tasks, err := p.store.ClaimReadyTasks(ctx, p.batchSize)
	if err != nil {
		log.Error("TaskProcessor: claim tasks failed", "err", err)
		return
	}
	for _, task := range tasks {
		if err := p.executeTask(ctx, task.TaskType, task.TaskBody); err != nil {
			log.Error("TaskProcessor: task failed", "taskId", task.ID, "type", task.TaskType, "err", err)
			if fErr := p.store.FailTask(ctx, task.ID, err.Error(), p.retryDelay); fErr != nil {
				log.Error("TaskProcessor: fail task record failed", "taskId", task.ID, "err", fErr)
			}
		} else {
			if dErr := p.store.DeleteTask(ctx, task.ID); dErr != nil {
				log.Error("TaskProcessor: delete task failed", "taskId", task.ID, "err", dErr)
			}
		}
	}
}

func (p *TaskProcessor) executeTask(ctx context.Context, taskType string, body map[string]any) error {
	switch taskType {
	case engine.TaskVectorStoreDelete:
		return p.executeVectorStoreDelete(ctx, body)
	case engine.TaskVectorStoreDeleteEntry:
		return p.executeVectorStoreDeleteEntry(ctx, body)
	case engine.TaskVectorStoreIndexRetry:
		return p.executeVectorStoreIndexRetry(ctx, body)
	default:
		return fmt.Errorf("unknown task type: %s", taskType)
	}
}

func (p *TaskProcessor) executeVectorStoreDelete(ctx context.Context, body map[string]any) error {
	if p.vector == nil || !p.vector.IsEnabled() {
		return nil // vector store not configured, nothing to clean
	}
	groupID, err := bodyUUID(body, "conversationGroupId")
	if err != nil {
		return err
	}
	return p.vector.DeleteByConversationGroupID(ctx, groupID)
}

func (p *TaskProcessor) executeVectorStoreDeleteEntry(ctx context.Context, body map[string]any) error {
	if p.vector == nil || !p.vector.IsEnabled() {
		return nil
	}
	entryID, err := bodyUUID(body, "entryId")
	if err != nil {
		return err
	}
	return p.vector.DeleteByEntryID(ctx, entryID)
}

// executeVectorStoreIndexRetry clears indexed_at so the indexer picks the
// entry up again on its next pass.
func (p *TaskProcessor) executeVectorStoreIndexRetry(ctx context.Context, body map[string]any) error {
	entryID, err := bodyUUID(body, "entryId")
	if err != nil {
		return err
	}
	return p.store.SetIndexedAt(ctx, entryID, nil)
}

func bodyUUID(body map[string]any, key string) (uuid.UUID, error) {
	raw, ok := body[key].(string)
	if !ok {
		return uuid.Nil, fmt.Errorf("missing or invalid %s in task body", key)
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return id, nil
}
