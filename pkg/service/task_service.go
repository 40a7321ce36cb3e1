package service

import (
	"context"

	"github.com/ATHARVA262005/mcp-control-plane/pkg/models"
	"github.com/ATHARVA262005/mcp-control-plane/pkg/storage"
	"github.com/pkg/errors"
)

// TaskService wraps task persistence with logging.
type TaskService struct {
	store  storage.TaskStore
	logger Logger
}

func NewTaskService(store storage.TaskStore, logger Logger) *TaskService {
	return &TaskService{
		store:  store,
		logger: logger,
	}
}

func (ts *TaskService) GetTask(ctx context.Context, taskID string) (models.Task, error) {
	task, err := ts.store.GetTask(ctx, taskID)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			ts.logger.Errorf("Failed to load task %s: %v", taskID, err)
		}
		return models.Task{}, errors.Wrapf(err, "failed to load task %s", taskID)
	}
	return task, nil
}

func (ts *TaskService) CreateTask(ctx context.Context, task models.Task) error {
	if err := ts.store.CreateTask(ctx, task); err != nil {
		ts.logger.Errorf("Failed to create task %s: %v", task.ID, err)
		return errors.Wrapf(err, "failed to create task %s", task.ID)
	}
	return nil
}

// SaveActive persists task only while the stored record is not yet COMPLETED or
// FAILED. It returns storage.ErrConflict when another delivery finished it first.
func (ts *TaskService) SaveActive(ctx context.Context, task models.Task) error {
	err := ts.store.TransitionTask(ctx, task, models.ActiveTaskStatuses...)
	switch {
	case errors.Is(err, storage.ErrConflict):
		ts.logger.Warnf("Task %s was finished concurrently, not saving status %s: %v", task.ID, task.Status, err)
		return err
	case err != nil:
		ts.logger.Errorf("Failed to save task %s with status %s: %v", task.ID, task.Status, err)
		return errors.Wrapf(err, "failed to save task %s", task.ID)
	}
	return nil
}

func (ts *TaskService) ListTasks(ctx context.Context, workflowID string) ([]models.Task, error) {
	tasks, err := ts.store.ListTasks(ctx, workflowID)
	if err != nil {
		ts.logger.Errorf("Failed to list tasks of workflow %s: %v", workflowID, err)
		return nil, errors.Wrapf(err, "failed to list tasks of workflow %s", workflowID)
	}
	return tasks, nil
}
