package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ATHARVA262005/mcp-control-plane/pkg/models"
	"github.com/pkg/errors"
)

// memoryStore implements Store with in-memory maps. It is safe for concurrent use
// and backs tests, examples and single-process deployments without a database.
type memoryStore struct {
	mu        sync.RWMutex
	workflows map[string]models.Workflow
	tasks     map[string]models.Task
	taskOrder map[string][]string // workflow id -> task ids in creation order
	audit     []models.AuditLogEntry
	nextLogID int64
}

func NewMemoryStore() Store {
	return &memoryStore{
		workflows: make(map[string]models.Workflow),
		tasks:     make(map[string]models.Task),
		taskOrder: make(map[string][]string),
	}
}

func (m *memoryStore) Close() error {
	return nil
}

func (m *memoryStore) CreateWorkflow(_ context.Context, w models.Workflow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.workflows[w.ID]; exists {
		return errors.Errorf("workflow %s already exists", w.ID)
	}
	for _, existing := range m.workflows {
		if existing.TraceID == w.TraceID {
			return errors.Errorf("trace id %s already in use", w.TraceID)
		}
	}
	m.workflows[w.ID] = w
	return nil
}

func (m *memoryStore) GetWorkflow(_ context.Context, id string) (models.Workflow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	wf, ok := m.workflows[id]
	if !ok {
		return models.Workflow{}, errors.Wrapf(ErrNotFound, "workflow %s", id)
	}
	return wf, nil
}

func (m *memoryStore) SaveWorkflow(_ context.Context, w models.Workflow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.workflows[w.ID]
	if !ok {
		return errors.Wrapf(ErrNotFound, "workflow %s", w.ID)
	}
	w.TraceID = existing.TraceID
	w.CreatedAt = existing.CreatedAt
	m.workflows[w.ID] = w
	return nil
}

func (m *memoryStore) TransitionWorkflow(_ context.Context, w models.Workflow, from ...models.WorkflowStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.workflows[w.ID]
	if !ok {
		return errors.Wrapf(ErrNotFound, "workflow %s", w.ID)
	}
	if !Contains(from, existing.Status) {
		return errors.Wrapf(ErrConflict, "workflow %s is %s", w.ID, existing.Status)
	}
	w.TraceID = existing.TraceID
	w.CreatedAt = existing.CreatedAt
	m.workflows[w.ID] = w
	return nil
}

func (m *memoryStore) ListWorkflows(_ context.Context) ([]models.Workflow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sortedWorkflows(nil), nil
}

func (m *memoryStore) ListWorkflowsByStatus(_ context.Context, statuses ...models.WorkflowStatus) ([]models.Workflow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sortedWorkflows(statuses), nil
}

// sortedWorkflows returns workflows newest first, optionally filtered by status.
func (m *memoryStore) sortedWorkflows(statuses []models.WorkflowStatus) []models.Workflow {
	workflows := []models.Workflow{}
	for _, wf := range m.workflows {
		if statuses != nil && !Contains(statuses, wf.Status) {
			continue
		}
		workflows = append(workflows, wf)
	}
	sort.Slice(workflows, func(i, j int) bool {
		if workflows[i].CreatedAt.Equal(workflows[j].CreatedAt) {
			return workflows[i].ID > workflows[j].ID
		}
		return workflows[i].CreatedAt.After(workflows[j].CreatedAt)
	})
	return workflows
}

func (m *memoryStore) CreateTask(_ context.Context, t models.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.workflows[t.WorkflowID]; !ok {
		return errors.Wrapf(ErrNotFound, "workflow %s", t.WorkflowID)
	}
	if _, exists := m.tasks[t.ID]; exists {
		return errors.Errorf("task %s already exists", t.ID)
	}
	m.tasks[t.ID] = t
	m.taskOrder[t.WorkflowID] = append(m.taskOrder[t.WorkflowID], t.ID)
	return nil
}

func (m *memoryStore) GetTask(_ context.Context, id string) (models.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tasks[id]
	if !ok {
		return models.Task{}, errors.Wrapf(ErrNotFound, "task %s", id)
	}
	return t, nil
}

func (m *memoryStore) SaveTask(_ context.Context, t models.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.tasks[t.ID]
	if !ok {
		return errors.Wrapf(ErrNotFound, "task %s", t.ID)
	}
	t.WorkflowID = existing.WorkflowID
	t.CreatedAt = existing.CreatedAt
	m.tasks[t.ID] = t
	return nil
}

func (m *memoryStore) TransitionTask(_ context.Context, t models.Task, from ...models.TaskStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.tasks[t.ID]
	if !ok {
		return errors.Wrapf(ErrNotFound, "task %s", t.ID)
	}
	if !Contains(from, existing.Status) {
		return errors.Wrapf(ErrConflict, "task %s is %s", t.ID, existing.Status)
	}
	t.WorkflowID = existing.WorkflowID
	t.CreatedAt = existing.CreatedAt
	m.tasks[t.ID] = t
	return nil
}

func (m *memoryStore) ListTasks(_ context.Context, workflowID string) ([]models.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := m.taskOrder[workflowID]
	tasks := make([]models.Task, 0, len(ids))
	for _, id := range ids {
		tasks = append(tasks, m.tasks[id])
	}
	return tasks, nil
}

func (m *memoryStore) AppendAuditLog(_ context.Context, e *models.AuditLogEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.workflows[e.WorkflowID]; !ok {
		return errors.Wrapf(ErrNotFound, "workflow %s", e.WorkflowID)
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	m.nextLogID++
	e.ID = m.nextLogID
	m.audit = append(m.audit, *e)
	return nil
}

func (m *memoryStore) ListAuditLogs(_ context.Context, workflowID string) ([]models.AuditLogEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entries := []models.AuditLogEntry{}
	for _, e := range m.audit {
		if e.WorkflowID == workflowID {
			entries = append(entries, e)
		}
	}
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].Timestamp.Equal(entries[j].Timestamp) {
			return entries[i].ID < entries[j].ID
		}
		return entries[i].Timestamp.Before(entries[j].Timestamp)
	})
	return entries, nil
}
