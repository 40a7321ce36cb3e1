package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

type WorkflowStatus string

const (
	PendingWorkflowStatus   WorkflowStatus = "PENDING"
	RunningWorkflowStatus   WorkflowStatus = "RUNNING"
	CompletedWorkflowStatus WorkflowStatus = "COMPLETED"
	FailedWorkflowStatus    WorkflowStatus = "FAILED"
	CancelledWorkflowStatus WorkflowStatus = "CANCELLED"
)

// ErrInvalidTransition is returned when a record is asked to leave a terminal state
// or to make a move its state machine does not allow.
var ErrInvalidTransition = errors.New("invalid status transition")

// IsTerminal reports whether no further transition is allowed.
func (s WorkflowStatus) IsTerminal() bool {
	switch s {
	case CompletedWorkflowStatus, FailedWorkflowStatus, CancelledWorkflowStatus:
		return true
	}
	return false
}

func (s WorkflowStatus) Valid() bool {
	switch s {
	case PendingWorkflowStatus, RunningWorkflowStatus, CompletedWorkflowStatus,
		FailedWorkflowStatus, CancelledWorkflowStatus:
		return true
	}
	return false
}

// ActiveWorkflowStatuses are the statuses a workflow may still leave.
var ActiveWorkflowStatuses = []WorkflowStatus{PendingWorkflowStatus, RunningWorkflowStatus}

// ErrorInfo is the failure summary stored on a workflow or task.
type ErrorInfo struct {
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

// Workflow is the top-level unit of work, tracked from goal submission to a terminal outcome.
type Workflow struct {
	ID        string         `json:"id" db:"id"`             // UUIDv7, sortable by creation
	TraceID   string         `json:"traceId" db:"trace_id"`  // Assigned once at creation, used for cross-system correlation
	Goal      string         `json:"goal" db:"goal"`         // Free-form text supplied by the caller
	Context   Value          `json:"context" db:"context"`   // Opaque caller payload
	Status    WorkflowStatus `json:"status" db:"status"`     // "PENDING", "RUNNING", "COMPLETED", "FAILED", "CANCELLED"
	Result    Value          `json:"result" db:"result"`     // Set only on COMPLETED
	Error     *ErrorInfo     `json:"error,omitempty" db:"-"` // Set only on FAILED
	CreatedAt time.Time      `json:"createdAt" db:"created_at"`
	UpdatedAt time.Time      `json:"updatedAt" db:"updated_at"`
}

// NewWorkflow creates a PENDING workflow with a fresh id and trace id.
func NewWorkflow(goal string, context Value, now time.Time) Workflow {
	return Workflow{
		ID:        uuid.Must(uuid.NewV7()).String(),
		TraceID:   uuid.NewString(),
		Goal:      goal,
		Context:   context,
		Status:    PendingWorkflowStatus,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Start moves a PENDING workflow to RUNNING. Starting a RUNNING workflow is a no-op.
func (w *Workflow) Start(now time.Time) error {
	switch w.Status {
	case RunningWorkflowStatus:
		return nil
	case PendingWorkflowStatus:
		w.Status = RunningWorkflowStatus
		w.UpdatedAt = now
		return nil
	}
	return errors.Wrapf(ErrInvalidTransition, "workflow %s: %s -> %s", w.ID, w.Status, RunningWorkflowStatus)
}

// Complete moves the workflow to COMPLETED with the given result.
func (w *Workflow) Complete(result Value, now time.Time) error {
	if w.Status.IsTerminal() {
		return errors.Wrapf(ErrInvalidTransition, "workflow %s: %s -> %s", w.ID, w.Status, CompletedWorkflowStatus)
	}
	w.Status = CompletedWorkflowStatus
	w.Result = result
	w.Error = nil
	w.UpdatedAt = now
	return nil
}

// Fail moves the workflow to FAILED with the given error summary.
func (w *Workflow) Fail(message, detail string, now time.Time) error {
	if w.Status.IsTerminal() {
		return errors.Wrapf(ErrInvalidTransition, "workflow %s: %s -> %s", w.ID, w.Status, FailedWorkflowStatus)
	}
	w.Status = FailedWorkflowStatus
	w.Error = &ErrorInfo{Message: message, Detail: detail}
	w.Result = Null()
	w.UpdatedAt = now
	return nil
}

// Cancel moves the workflow to CANCELLED. Only external callers cancel workflows.
func (w *Workflow) Cancel(reason string, now time.Time) error {
	if w.Status.IsTerminal() {
		return errors.Wrapf(ErrInvalidTransition, "workflow %s: %s -> %s", w.ID, w.Status, CancelledWorkflowStatus)
	}
	w.Status = CancelledWorkflowStatus
	if reason != "" {
		w.Error = &ErrorInfo{Message: reason}
	}
	w.UpdatedAt = now
	return nil
}
