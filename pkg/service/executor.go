package service

import (
	"context"
	"fmt"
	"time"

	"github.com/ATHARVA262005/mcp-control-plane/pkg/audit"
	"github.com/ATHARVA262005/mcp-control-plane/pkg/models"
	"github.com/ATHARVA262005/mcp-control-plane/pkg/storage"
	"github.com/ATHARVA262005/mcp-control-plane/pkg/tool"
	"github.com/pkg/errors"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// ErrTaskNotFound is reported for a delivery whose task no longer exists.
var ErrTaskNotFound = errors.New("task not found")

// Outcome tells the job queue what to do with a delivery.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	// Redeliver the job.
	OutcomeRetryable
	// Acknowledge the job as failed, never redeliver.
	OutcomeTerminal
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeRetryable:
		return "retryable"
	case OutcomeTerminal:
		return "terminal"
	}
	return fmt.Sprintf("Outcome(%d)", int(o))
}

// Result is the outcome of one delivery.
type Result struct {
	Outcome Outcome
	Err     error
}

func success() Result                  { return Result{Outcome: OutcomeSuccess} }
func retryable(err error) Result       { return Result{Outcome: OutcomeRetryable, Err: err} }
func terminalFailure(err error) Result { return Result{Outcome: OutcomeTerminal, Err: err} }

// TaskExecutor runs one task per delivery. Deliveries are at-least-once and may
// overlap for the same task, so every path first checks what earlier deliveries
// already persisted.
type TaskExecutor struct {
	workflows  storage.WorkflowStore
	tasks      *TaskService
	invoker    tool.Invoker
	audit      *audit.Log
	reconciler *Reconciler
	logger     Logger
	tracer     trace.Tracer
	opts       options
}

func NewTaskExecutor(store storage.Store, invoker tool.Invoker, auditLog *audit.Log, logger Logger, opts ...Option) *TaskExecutor {
	o := newOptions(opts)
	tasks := NewTaskService(store, logger)
	return &TaskExecutor{
		workflows:  store,
		tasks:      tasks,
		invoker:    tool.WithTimeout(invoker, o.taskTimeout),
		audit:      auditLog,
		reconciler: newReconciler(store, tasks, auditLog, logger, o),
		logger:     logger,
		tracer:     o.tracerProvider.Tracer(tracerName),
		opts:       o,
	}
}

// Reconciler returns the reconciler the executor triggers.
func (e *TaskExecutor) Reconciler() *Reconciler {
	return e.reconciler
}

// Execute processes one delivery of taskID. attemptToken only correlates log lines.
func (e *TaskExecutor) Execute(ctx context.Context, taskID, attemptToken string) Result {
	ctx, span := e.tracer.Start(ctx, "task.execute",
		trace.WithAttributes(
			attribute.String("task.id", taskID),
			attribute.String("task.attempt_token", attemptToken),
		),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	defer span.End()

	start := time.Now()
	task, res := e.execute(ctx, taskID, attemptToken)

	span.SetAttributes(attribute.String("task.outcome", res.Outcome.String()))
	if task.ID != "" {
		span.SetAttributes(
			attribute.String("task.name", task.Name),
			attribute.String("workflow.id", task.WorkflowID),
		)
	}
	if res.Err != nil {
		span.RecordError(res.Err)
		span.SetStatus(codes.Error, res.Err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	e.opts.observer.TaskExecuted(task.Kind, task.Name, res.Outcome, time.Since(start))
	return res
}

func (e *TaskExecutor) execute(ctx context.Context, taskID, token string) (models.Task, Result) {
	task, err := e.tasks.GetTask(ctx, taskID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			e.logger.Errorf("[ExecID: %s] Task not found: %s", token, taskID)
			return models.Task{}, terminalFailure(errors.Wrapf(ErrTaskNotFound, "task %s", taskID))
		}
		return models.Task{}, retryable(err)
	}

	switch {
	case task.Status == models.CompletedTaskStatus:
		e.logger.Warnf("[CrashGuard] [ExecID: %s] Task %s is already COMPLETED. Skipping execution, checking workflow completion.", token, taskID)
		return task, e.reconcile(ctx, task, token)

	case task.Status == models.FailedTaskStatus:
		e.logger.Warnf("[CrashGuard] [ExecID: %s] Task %s is already FAILED. Skipping execution.", token, taskID)
		return task, e.reconcile(ctx, task, token)

	case task.HasOutput():
		e.logger.Warnf("[IdempotencyGuard] [ExecID: %s] Task %s has output but status=%s. Marking COMPLETED.", token, taskID, task.Status)
		if err := task.RecoverCompleted(e.opts.now()); err != nil {
			return task, terminalFailure(err)
		}
		if t, res, ok := e.save(ctx, task, token); !ok {
			return t, res
		}
		return task, e.reconcile(ctx, task, token)
	}

	cancelled, err := e.workflowCancelled(ctx, task.WorkflowID)
	if err != nil {
		return task, retryable(err)
	}
	if cancelled {
		e.logger.Infof("[ExecID: %s] Workflow %s is CANCELLED, not starting task %s", token, task.WorkflowID, taskID)
		return task, success()
	}

	return e.run(ctx, task, token)
}

// run is the normal path: RUNNING, invoke the tool, COMPLETED or the retry policy.
func (e *TaskExecutor) run(ctx context.Context, task models.Task, token string) (models.Task, Result) {
	if err := task.MarkRunning(e.opts.now()); err != nil {
		return task, terminalFailure(err)
	}
	if t, res, ok := e.save(ctx, task, token); !ok {
		return t, res
	}
	e.audit.Append(ctx, task.WorkflowID, audit.TaskStarted, audit.Details{"taskId": task.ID, "tool": task.Name})
	e.logger.Infof("[ExecID: %s] Task %s started: invoking %s (attempt %d/%d)", token, task.ID, task.Name, task.RetryCount+1, task.MaxRetries)

	output, invokeErr := e.invoke(ctx, task)

	// the outcome of the call is persisted even if the delivery was cancelled meanwhile
	persistCtx := context.WithoutCancel(ctx)

	if invokeErr != nil {
		if ctx.Err() != nil {
			return e.interrupted(persistCtx, task, token, invokeErr)
		}
		return e.fail(persistCtx, task, token, invokeErr)
	}

	if err := task.MarkCompleted(output, e.opts.now()); err != nil {
		return task, terminalFailure(err)
	}
	if t, res, ok := e.save(persistCtx, task, token); !ok {
		if res.Outcome == OutcomeRetryable {
			e.logger.Errorf("[ExecID: %s] Task %s succeeded but its output could not be saved: %v", token, task.ID, res.Err)
		}
		return t, res
	}
	e.audit.Append(persistCtx, task.WorkflowID, audit.TaskCompleted, audit.Details{"taskId": task.ID, "result": output})
	e.logger.Infof("[ExecID: %s] Task %s completed", token, task.ID)

	return task, e.reconcile(persistCtx, task, token)
}

func (e *TaskExecutor) invoke(ctx context.Context, task models.Task) (models.Value, error) {
	ctx, span := e.tracer.Start(ctx, "tool.invoke",
		trace.WithAttributes(
			attribute.String("tool.name", task.Name),
			attribute.String("task.kind", string(task.Kind)),
		),
		trace.WithSpanKind(trace.SpanKindClient),
	)
	defer span.End()

	out, err := e.invoker.Invoke(ctx, task.Name, task.Input)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return models.Null(), err
	}
	span.SetStatus(codes.Ok, "")
	return out, nil
}

// fail applies the retry policy to a failed invocation.
func (e *TaskExecutor) fail(ctx context.Context, task models.Task, token string, cause error) (models.Task, Result) {
	e.logger.Errorf("[ExecID: %s] Task execution failed: %s: %v", token, task.Name, cause)

	exhausted, err := task.RecordFailure(cause, e.opts.now())
	if err != nil {
		return task, terminalFailure(err)
	}
	if t, res, ok := e.save(ctx, task, token); !ok {
		return t, res
	}

	if !exhausted {
		e.logger.Infof("[ExecID: %s] Task %s failed. Retrying... (%d/%d)", token, task.ID, task.RetryCount, task.MaxRetries)
		return task, retryable(cause)
	}

	e.audit.AppendLevel(ctx, task.WorkflowID, audit.TaskFailed, audit.Details{"taskId": task.ID, "error": cause.Error()}, models.ErrorLevel)

	wf, err := e.workflows.GetWorkflow(ctx, task.WorkflowID)
	if err != nil {
		// the task is FAILED now; the redelivery goes through the crash guard and reconciles
		return task, retryable(errors.Wrapf(err, "failed to load workflow %s", task.WorkflowID))
	}
	if wf.Status.IsTerminal() {
		e.logger.Infof("[ExecID: %s] Workflow %s already %s", token, wf.ID, wf.Status)
		return task, terminalFailure(cause)
	}
	if err := wf.Fail(fmt.Sprintf("Task %s failed: %s", task.Name, cause.Error()), task.Error.Detail, e.opts.now()); err != nil {
		return task, terminalFailure(cause)
	}
	err = e.workflows.TransitionWorkflow(ctx, wf, models.ActiveWorkflowStatuses...)
	switch {
	case errors.Is(err, storage.ErrConflict):
		e.logger.Infof("[ExecID: %s] Workflow %s was finalised concurrently", token, wf.ID)
	case err != nil:
		e.logger.Errorf("[ExecID: %s] Failed to mark workflow %s FAILED: %v", token, wf.ID, err)
		return task, retryable(errors.Wrapf(err, "failed to save workflow %s", wf.ID))
	default:
		e.audit.AppendLevel(ctx, wf.ID, audit.WorkflowFailed, audit.Details{"workflowId": wf.ID, "error": cause.Error()}, models.ErrorLevel)
		e.opts.observer.WorkflowFinished(models.FailedWorkflowStatus)
	}
	return task, terminalFailure(cause)
}

// interrupted puts a task whose delivery was cancelled mid-call back to PENDING
// without spending its retry budget.
func (e *TaskExecutor) interrupted(ctx context.Context, task models.Task, token string, cause error) (models.Task, Result) {
	e.logger.Warnf("[ExecID: %s] Task %s interrupted: %v", token, task.ID, cause)
	task.Status = models.PendingTaskStatus
	task.UpdatedAt = e.opts.now()
	if t, res, ok := e.save(ctx, task, token); !ok {
		return t, res
	}
	return task, retryable(cause)
}

// save persists a transition of task. A task another delivery already finished
// is left as it is: this delivery is dropped and only the workflow is reconciled.
// ok is false when the caller must return t and res.
func (e *TaskExecutor) save(ctx context.Context, task models.Task, token string) (t models.Task, res Result, ok bool) {
	err := e.tasks.SaveActive(ctx, task)
	if err == nil {
		return task, Result{}, true
	}
	if !errors.Is(err, storage.ErrConflict) {
		return task, retryable(err), false
	}
	e.logger.Warnf("[ExecID: %s] Task %s was finished by another delivery, discarding status %s", token, task.ID, task.Status)
	if current, err := e.tasks.GetTask(ctx, task.ID); err == nil {
		task = current
	}
	return task, e.reconcile(ctx, task, token), false
}

func (e *TaskExecutor) reconcile(ctx context.Context, task models.Task, token string) Result {
	decision, err := e.reconciler.Reconcile(ctx, task.WorkflowID)
	if err != nil {
		e.logger.Errorf("[ExecID: %s] Reconciliation of workflow %s failed: %v", token, task.WorkflowID, err)
		return retryable(err)
	}
	e.logger.Debugf("[ExecID: %s] Reconciled workflow %s after task %s: %s", token, task.WorkflowID, task.ID, decision)
	return success()
}

func (e *TaskExecutor) workflowCancelled(ctx context.Context, workflowID string) (bool, error) {
	wf, err := e.workflows.GetWorkflow(ctx, workflowID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return false, nil
		}
		return false, errors.Wrapf(err, "failed to load workflow %s", workflowID)
	}
	return wf.Status == models.CancelledWorkflowStatus, nil
}
