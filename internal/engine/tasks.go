package engine

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/threadvault/threadvault/internal/model"
)

func newTask(taskType string, taskBody map[string]interface{}) *model.Task {
	now := time.Now()
	return &model.Task{
		ID:        uuid.New(),
		TaskType:  taskType,
		TaskBody:  taskBody,
		CreatedAt: now,
		RetryAt:   now,
	}
}

// CreateTask enqueues a background task for immediate execution.
func (e *Engine) CreateTask(ctx context.Context, taskType string, taskBody map[string]interface{}) error {
	return e.backend.InsertTask(ctx, newTask(taskType, taskBody))
}

// ClaimReadyTasks atomically claims up to limit tasks whose retry time has
// passed, pushing their next retry into the future so other workers skip them.
func (e *Engine) ClaimReadyTasks(ctx context.Context, limit int) ([]model.Task, error) {
	return e.backend.ClaimReadyTasks(ctx, limit)
}

// DeleteTask removes a completed task.
func (e *Engine) DeleteTask(ctx context.Context, taskID uuid.UUID) error {
	return e.backend.DeleteTask(ctx, taskID)
}

// FailTask records a task failure and schedules the next attempt.
func (e *Engine) FailTask(ctx context.Context, taskID uuid.UUID, errMsg string, retryDelay time.Duration) error {
	return e.backend.FailTask(ctx, taskID, errMsg, time.Now().Add(retryDelay))
}
