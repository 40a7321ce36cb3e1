package service

import (
	"context"

	"github.com/ATHARVA262005/mcp-control-plane/pkg/audit"
	"github.com/ATHARVA262005/mcp-control-plane/pkg/models"
	"github.com/ATHARVA262005/mcp-control-plane/pkg/storage"
	"github.com/pkg/errors"
)

const (
	reconciledFailureMessage = "Workflow failed due to one or more task failures (Reconciled)"
	reconciledSuccessMessage = "All tasks completed successfully (Reconciled)"
)

// Decision is what reconciliation does to a workflow.
type Decision int

const (
	// Leave the workflow as it is.
	DecisionNone Decision = iota
	DecisionComplete
	DecisionFail
)

func (d Decision) String() string {
	switch d {
	case DecisionComplete:
		return "complete"
	case DecisionFail:
		return "fail"
	}
	return "none"
}

// Decide derives the workflow outcome from the current task statuses.
// A terminal workflow is never reopened. Any FAILED task fails the workflow;
// otherwise the workflow completes once every task is COMPLETED (vacuously for none).
func Decide(wf models.Workflow, tasks []models.Task) Decision {
	if wf.Status.IsTerminal() {
		return DecisionNone
	}
	allCompleted := true
	for _, t := range tasks {
		if t.Status == models.FailedTaskStatus {
			return DecisionFail
		}
		if t.Status != models.CompletedTaskStatus {
			allCompleted = false
		}
	}
	if allCompleted {
		return DecisionComplete
	}
	return DecisionNone
}

// Reconciler applies Decide to stored workflows. The write is a compare-and-swap
// against the non-terminal statuses, so a stale task snapshot can never overwrite a
// terminal status set concurrently.
type Reconciler struct {
	workflows storage.WorkflowStore
	tasks     *TaskService
	audit     *audit.Log
	logger    Logger
	opts      options
}

func NewReconciler(store storage.Store, auditLog *audit.Log, logger Logger, opts ...Option) *Reconciler {
	return newReconciler(store, NewTaskService(store, logger), auditLog, logger, newOptions(opts))
}

func newReconciler(store storage.WorkflowStore, tasks *TaskService, auditLog *audit.Log, logger Logger, o options) *Reconciler {
	return &Reconciler{
		workflows: store,
		tasks:     tasks,
		audit:     auditLog,
		logger:    logger,
		opts:      o,
	}
}

// Reconcile recomputes the status of workflowID. It is safe to call redundantly and
// concurrently; losing a race to another writer is not an error.
func (r *Reconciler) Reconcile(ctx context.Context, workflowID string) (Decision, error) {
	tasks, err := r.tasks.ListTasks(ctx, workflowID)
	if err != nil {
		return DecisionNone, err
	}
	wf, err := r.workflows.GetWorkflow(ctx, workflowID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			r.logger.Errorf("Reconcile: workflow %s not found", workflowID)
			return DecisionNone, nil
		}
		return DecisionNone, errors.Wrapf(err, "failed to load workflow %s", workflowID)
	}

	decision := Decide(wf, tasks)
	now := r.opts.now()
	switch decision {
	case DecisionFail:
		var failed []string
		for _, t := range tasks {
			if t.Status == models.FailedTaskStatus {
				failed = append(failed, t.ID)
			}
		}
		if err := wf.Fail(reconciledFailureMessage, "", now); err != nil {
			return DecisionNone, err
		}
		if ok, err := r.transition(ctx, wf); !ok {
			return DecisionNone, err
		}
		r.audit.AppendLevel(ctx, workflowID, audit.WorkflowFailed, audit.Details{
			"reason":      "Reconciliation found failed tasks",
			"failedTasks": failed,
		}, models.ErrorLevel)
	case DecisionComplete:
		outputs := make([]any, 0, len(tasks))
		for _, t := range tasks {
			outputs = append(outputs, map[string]any{"taskId": t.ID, "name": t.Name, "output": t.Output})
		}
		result := models.Object(map[string]any{
			"message": reconciledSuccessMessage,
			"tasks":   outputs,
		})
		if err := wf.Complete(result, now); err != nil {
			return DecisionNone, err
		}
		if ok, err := r.transition(ctx, wf); !ok {
			return DecisionNone, err
		}
		r.audit.Append(ctx, workflowID, audit.WorkflowCompleted, audit.Details{
			"reason": "Reconciliation confirmed completion",
		})
	default:
		return DecisionNone, nil
	}

	r.logger.Infof("Workflow %s reconciled to %s", workflowID, wf.Status)
	r.opts.observer.WorkflowFinished(wf.Status)
	return decision, nil
}

func (r *Reconciler) transition(ctx context.Context, wf models.Workflow) (bool, error) {
	err := r.workflows.TransitionWorkflow(ctx, wf, models.ActiveWorkflowStatuses...)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, storage.ErrConflict) {
		r.logger.Debugf("Workflow %s changed concurrently, leaving it to the other writer", wf.ID)
		return false, nil
	}
	return false, errors.Wrapf(err, "failed to save workflow %s", wf.ID)
}
