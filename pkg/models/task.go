package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

type TaskStatus string

const (
	PendingTaskStatus   TaskStatus = "PENDING"
	ScheduledTaskStatus TaskStatus = "SCHEDULED"
	RunningTaskStatus   TaskStatus = "RUNNING"
	FailedTaskStatus    TaskStatus = "FAILED"
	CompletedTaskStatus TaskStatus = "COMPLETED"
)

func (s TaskStatus) IsTerminal() bool {
	return s == CompletedTaskStatus || s == FailedTaskStatus
}

// ActiveTaskStatuses are the statuses a task may still leave.
var ActiveTaskStatuses = []TaskStatus{PendingTaskStatus, ScheduledTaskStatus, RunningTaskStatus}

type TaskKind string

const (
	ToolCallTaskKind  TaskKind = "TOOL_CALL"
	RoutingTaskKind   TaskKind = "ROUTING"
	ReasoningTaskKind TaskKind = "REASONING"
	SystemTaskKind    TaskKind = "SYSTEM"
)

func (k TaskKind) Valid() bool {
	switch k {
	case ToolCallTaskKind, RoutingTaskKind, ReasoningTaskKind, SystemTaskKind:
		return true
	}
	return false
}

// DefaultMaxRetries is the attempt budget of a task unless configured otherwise.
const DefaultMaxRetries = 3

// Task is one decomposed unit of execution, normally a single tool invocation.
// Only the execution engine mutates a task after it has been created.
type Task struct {
	ID          string     `json:"id" db:"id"`                   // UUIDv7
	WorkflowID  string     `json:"workflowId" db:"workflow_id"`  // Owning workflow
	Kind        TaskKind   `json:"type" db:"kind"`               // "TOOL_CALL", "ROUTING", "REASONING", "SYSTEM"
	Name        string     `json:"name" db:"name"`               // Tool or operation name
	Input       Value      `json:"input" db:"input"`             // Opaque tool input
	Output      Value      `json:"output" db:"output"`           // Set on COMPLETED
	Status      TaskStatus `json:"status" db:"status"`           // "PENDING", "SCHEDULED", "RUNNING", "COMPLETED", "FAILED"
	RetryCount  int        `json:"retryCount" db:"retry_count"`  // Failed attempts so far, never decreases
	MaxRetries  int        `json:"maxRetries" db:"max_retries"`  // Fixed at creation
	Error       *ErrorInfo `json:"error,omitempty" db:"-"`       // Last failure
	StartedAt   *time.Time `json:"startedAt,omitempty" db:"started_at"`
	CompletedAt *time.Time `json:"completedAt,omitempty" db:"completed_at"`
	CreatedAt   time.Time  `json:"createdAt" db:"created_at"`
	UpdatedAt   time.Time  `json:"updatedAt" db:"updated_at"`
}

// NewTask creates a PENDING task owned by workflowID. maxRetries <= 0 selects DefaultMaxRetries.
func NewTask(workflowID string, kind TaskKind, name string, input Value, maxRetries int, now time.Time) Task {
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	return Task{
		ID:         uuid.Must(uuid.NewV7()).String(),
		WorkflowID: workflowID,
		Kind:       kind,
		Name:       name,
		Input:      input,
		Status:     PendingTaskStatus,
		MaxRetries: maxRetries,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// HasOutput reports whether a previous attempt already persisted a tool result.
func (t *Task) HasOutput() bool {
	return !t.Output.IsNull()
}

func (t *Task) invalid(to TaskStatus) error {
	return errors.Wrapf(ErrInvalidTransition, "task %s: %s -> %s", t.ID, t.Status, to)
}

// MarkRunning starts an attempt.
func (t *Task) MarkRunning(now time.Time) error {
	if t.Status.IsTerminal() {
		return t.invalid(RunningTaskStatus)
	}
	t.Status = RunningTaskStatus
	t.StartedAt = &now
	t.UpdatedAt = now
	return nil
}

// MarkCompleted records the tool output and finishes the task.
func (t *Task) MarkCompleted(output Value, now time.Time) error {
	if t.Status.IsTerminal() {
		return t.invalid(CompletedTaskStatus)
	}
	t.Output = output
	t.Status = CompletedTaskStatus
	t.CompletedAt = &now
	t.UpdatedAt = now
	return nil
}

// RecoverCompleted finishes a task whose output was saved by an attempt that
// crashed before marking it COMPLETED.
func (t *Task) RecoverCompleted(now time.Time) error {
	if !t.HasOutput() {
		return errors.Wrapf(ErrInvalidTransition, "task %s: no output to recover", t.ID)
	}
	return t.MarkCompleted(t.Output, now)
}

// RecordFailure counts a failed attempt. The task goes back to PENDING while
// retries remain and to FAILED once RetryCount reaches MaxRetries; the return
// value reports the latter.
func (t *Task) RecordFailure(cause error, now time.Time) (bool, error) {
	if t.Status.IsTerminal() {
		return false, t.invalid(FailedTaskStatus)
	}
	t.RetryCount++
	t.Error = &ErrorInfo{Message: cause.Error(), Detail: detailOf(cause)}
	t.UpdatedAt = now
	if t.RetryCount < t.MaxRetries {
		t.Status = PendingTaskStatus
		return false, nil
	}
	t.Status = FailedTaskStatus
	t.CompletedAt = &now
	return true, nil
}

// detailOf renders the diagnostic chain of err; pkg/errors values include a stack trace.
func detailOf(err error) string {
	type stackTracer interface {
		StackTrace() errors.StackTrace
	}
	var st stackTracer
	if errors.As(err, &st) {
		return fmt.Sprintf("%+v", err)
	}
	if cause := errors.Cause(err); cause != err {
		return cause.Error()
	}
	return ""
}

// Abandon fails a task that never ran, without spending its retry budget.
func (t *Task) Abandon(cause error, now time.Time) error {
	if t.Status.IsTerminal() {
		return t.invalid(FailedTaskStatus)
	}
	t.Status = FailedTaskStatus
	t.Error = &ErrorInfo{Message: cause.Error(), Detail: detailOf(cause)}
	t.CompletedAt = &now
	t.UpdatedAt = now
	return nil
}
