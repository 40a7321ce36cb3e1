// Package audit records the append-only event trail of each workflow.
//
// Writes are best-effort relative to the workflow state machine: a failed
// append is reported on the diagnostic logger and never returned to the
// caller. Every append that succeeds is permanent.
package audit

import (
	"context"
	"time"

	"github.com/ATHARVA262005/mcp-control-plane/pkg/models"
	"github.com/ATHARVA262005/mcp-control-plane/pkg/storage"
)

// Event types. The set is open; these are the ones the engine emits.
const (
	WorkflowCreated   = "WORKFLOW_CREATED"
	WorkflowCompleted = "WORKFLOW_COMPLETED"
	WorkflowFailed    = "WORKFLOW_FAILED"
	WorkflowCancelled = "WORKFLOW_CANCELLED"
	TaskScheduled     = "TASK_SCHEDULED"
	TaskStarted       = "TASK_STARTED"
	TaskCompleted     = "TASK_COMPLETED"
	TaskFailed        = "TASK_FAILED"
)

// Details is the event payload as plain Go data.
type Details map[string]any

// Logger is the diagnostic channel used when an append fails.
type Logger interface {
	Errorf(format string, args ...interface{})
}

// Log appends audit entries to an AuditStore.
type Log struct {
	store  storage.AuditStore
	logger Logger
	now    func() time.Time
}

func New(store storage.AuditStore, logger Logger) *Log {
	return &Log{
		store:  store,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Append records an INFO event.
func (l *Log) Append(ctx context.Context, workflowID, eventType string, details Details) {
	l.AppendLevel(ctx, workflowID, eventType, details, models.InfoLevel)
}

// AppendLevel records an event with an explicit severity. The timestamp is assigned here.
func (l *Log) AppendLevel(ctx context.Context, workflowID, eventType string, details Details, level models.Level) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Errorf("Audit append %s for workflow %s panicked: %v", eventType, workflowID, r)
		}
	}()

	entry := &models.AuditLogEntry{
		WorkflowID: workflowID,
		Level:      level,
		EventType:  eventType,
		Details:    models.Object(details),
		Timestamp:  l.now(),
	}
	// the entry describes a transition that already happened, so it is written even if the caller gave up
	if err := l.store.AppendAuditLog(context.WithoutCancel(ctx), entry); err != nil {
		l.logger.Errorf("Failed to append audit event %s for workflow %s: %v", eventType, workflowID, err)
	}
}

// List returns a workflow's trail oldest first.
func (l *Log) List(ctx context.Context, workflowID string) ([]models.AuditLogEntry, error) {
	return l.store.ListAuditLogs(ctx, workflowID)
}
