package storage

import (
	"context"

	"github.com/ATHARVA262005/mcp-control-plane/pkg/models"
	"github.com/pkg/errors"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrConflict is returned by TransitionWorkflow and TransitionTask when the stored
	// status is not one of the expected ones.
	ErrConflict = errors.New("record status changed concurrently")
)

// WorkflowStore persists workflow records. Every write is atomic for a single record.
type WorkflowStore interface {
	CreateWorkflow(ctx context.Context, w models.Workflow) error
	GetWorkflow(ctx context.Context, id string) (models.Workflow, error)
	// SaveWorkflow overwrites the record (last write wins).
	SaveWorkflow(ctx context.Context, w models.Workflow) error
	// TransitionWorkflow writes w only if the stored status is one of from, otherwise
	// it returns ErrConflict. The check and the write are a single atomic step.
	TransitionWorkflow(ctx context.Context, w models.Workflow, from ...models.WorkflowStatus) error
	ListWorkflows(ctx context.Context) ([]models.Workflow, error)
	ListWorkflowsByStatus(ctx context.Context, statuses ...models.WorkflowStatus) ([]models.Workflow, error)
}

// TaskStore persists task records.
type TaskStore interface {
	CreateTask(ctx context.Context, t models.Task) error
	GetTask(ctx context.Context, id string) (models.Task, error)
	// SaveTask overwrites the record (last write wins).
	SaveTask(ctx context.Context, t models.Task) error
	// TransitionTask writes t only if the stored status is one of from, otherwise it
	// returns ErrConflict.
	TransitionTask(ctx context.Context, t models.Task, from ...models.TaskStatus) error
	// ListTasks returns the tasks of a workflow in creation order.
	ListTasks(ctx context.Context, workflowID string) ([]models.Task, error)
}

// AuditStore is the append-only event log.
type AuditStore interface {
	// AppendAuditLog inserts e and assigns its ID. Entries are never updated or deleted.
	AppendAuditLog(ctx context.Context, e *models.AuditLogEntry) error
	// ListAuditLogs returns a workflow's entries ordered by timestamp, then ID.
	ListAuditLogs(ctx context.Context, workflowID string) ([]models.AuditLogEntry, error)
}

// Store defines the storage operations of the control plane.
type Store interface {
	WorkflowStore
	TaskStore
	AuditStore
	Close() error
}

// Contains reports whether status is one of statuses.
func Contains[S ~string](statuses []S, status S) bool {
	for _, s := range statuses {
		if s == status {
			return true
		}
	}
	return false
}
