package service

import (
	"context"
	"strings"

	"github.com/ATHARVA262005/mcp-control-plane/pkg/audit"
	"github.com/ATHARVA262005/mcp-control-plane/pkg/models"
	"github.com/ATHARVA262005/mcp-control-plane/pkg/router"
	"github.com/ATHARVA262005/mcp-control-plane/pkg/storage"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

var (
	ErrEmptyGoal    = errors.New("goal is required")
	ErrGoalTooLong  = errors.Errorf("goal exceeds %d characters", MaxGoalLength)
	ErrNotCancelled = errors.New("workflow can no longer be cancelled")
)

// WorkflowService is the producer side: it creates workflows, routes their goals
// into tasks and enqueues the task executions.
type WorkflowService struct {
	store      storage.Store
	tasks      *TaskService
	router     router.Router
	queue      Enqueuer
	audit      *audit.Log
	reconciler *Reconciler
	logger     Logger
	opts       options
}

func NewWorkflowService(store storage.Store, r router.Router, q Enqueuer, auditLog *audit.Log, logger Logger, opts ...Option) *WorkflowService {
	o := newOptions(opts)
	tasks := NewTaskService(store, logger)
	return &WorkflowService{
		store:      store,
		tasks:      tasks,
		router:     r,
		queue:      q,
		audit:      auditLog,
		reconciler: newReconciler(store, tasks, auditLog, logger, o),
		logger:     logger,
		opts:       o,
	}
}

func validateGoal(goal string) error {
	if strings.TrimSpace(goal) == "" {
		return ErrEmptyGoal
	}
	if len(goal) > MaxGoalLength {
		return ErrGoalTooLong
	}
	return nil
}

// CreateWorkflow persists a PENDING workflow, routes its goal and schedules one task
// per step. The workflow is RUNNING before any task exists. A routing failure leaves
// the workflow FAILED and is not returned as an error. Workers may already be running
// the tasks, so the returned workflow is the one read back once scheduling is done.
func (s *WorkflowService) CreateWorkflow(ctx context.Context, goal string, wfContext models.Value) (models.Workflow, error) {
	if err := validateGoal(goal); err != nil {
		return models.Workflow{}, err
	}

	wf := models.NewWorkflow(goal, wfContext, s.opts.now())
	if err := s.store.CreateWorkflow(ctx, wf); err != nil {
		s.logger.Errorf("Failed to create workflow: %v", err)
		return models.Workflow{}, errors.Wrap(err, "failed to create workflow")
	}
	s.audit.Append(ctx, wf.ID, audit.WorkflowCreated, audit.Details{"goal": goal, "traceId": wf.TraceID})
	s.logger.Infof("Created workflow %s (trace %s)", wf.ID, wf.TraceID)

	steps, err := s.router.Route(ctx, goal, wfContext)
	if err != nil {
		s.logger.Errorf("Routing failed for workflow %s: %v", wf.ID, err)
		return s.failWorkflow(ctx, wf, "routing", errors.WithMessage(err, "routing failed"))
	}

	if len(steps) == 0 {
		s.logger.Warnf("Router returned no steps for workflow %s", wf.ID)
		if _, err := s.reconciler.Reconcile(ctx, wf.ID); err != nil {
			return wf, err
		}
		return s.store.GetWorkflow(ctx, wf.ID)
	}

	if err := wf.Start(s.opts.now()); err != nil {
		return wf, err
	}
	if err := s.store.TransitionWorkflow(ctx, wf, models.PendingWorkflowStatus); err != nil {
		s.logger.Errorf("Failed to start workflow %s: %v", wf.ID, err)
		return wf, errors.Wrapf(err, "failed to start workflow %s", wf.ID)
	}

	// every task exists before the first one is enqueued, so reconciliation never
	// sees a partial task set
	tasks := make([]models.Task, 0, len(steps))
	for _, step := range steps {
		task := models.NewTask(wf.ID, step.Kind, step.Name, step.Input, s.opts.maxRetries, s.opts.now())
		if err := s.tasks.CreateTask(ctx, task); err != nil {
			for _, created := range tasks {
				s.abandon(ctx, created, "scheduling", err)
			}
			failed, ferr := s.failWorkflow(ctx, wf, "scheduling", err)
			if ferr != nil {
				s.logger.Errorf("Workflow %s stays %s after a scheduling failure: %v", wf.ID, wf.Status, ferr)
			}
			return failed, err
		}
		tasks = append(tasks, task)
	}

	abandoned := false
	for _, task := range tasks {
		if err := s.schedule(ctx, task); err != nil {
			abandoned = true
			s.abandon(ctx, task, "enqueue", err)
		}
	}
	if abandoned {
		if _, err := s.reconciler.Reconcile(ctx, wf.ID); err != nil {
			return wf, err
		}
	}
	return s.store.GetWorkflow(ctx, wf.ID)
}

// schedule enqueues one execution of task with a fresh attempt token.
func (s *WorkflowService) schedule(ctx context.Context, task models.Task) error {
	token := uuid.NewString()
	payload, err := encodeExecutePayload(task.ID, token)
	if err != nil {
		return err
	}
	// recorded before the enqueue so it precedes TASK_STARTED in the trail
	s.audit.Append(ctx, task.WorkflowID, audit.TaskScheduled, audit.Details{
		"taskId":      task.ID,
		"taskName":    task.Name,
		"executionId": token,
	})
	if err := s.queue.Enqueue(ctx, ExecuteTaskJob, payload); err != nil {
		s.logger.Errorf("[ExecID: %s] Failed to enqueue task %s: %v", token, task.ID, err)
		return errors.Wrapf(err, "failed to enqueue task %s", task.ID)
	}
	s.logger.Infof("[ExecID: %s] Scheduled task %s (%s)", token, task.ID, task.Name)
	return nil
}

func (s *WorkflowService) abandon(ctx context.Context, task models.Task, stage string, cause error) {
	if err := task.Abandon(cause, s.opts.now()); err != nil {
		s.logger.Errorf("Failed to abandon task %s: %v", task.ID, err)
		return
	}
	if err := s.tasks.SaveActive(ctx, task); err != nil {
		return
	}
	s.audit.AppendLevel(ctx, task.WorkflowID, audit.TaskFailed, audit.Details{
		"taskId": task.ID,
		"error":  cause.Error(),
		"stage":  stage,
	}, models.ErrorLevel)
}

func (s *WorkflowService) failWorkflow(ctx context.Context, wf models.Workflow, stage string, cause error) (models.Workflow, error) {
	if err := wf.Fail(cause.Error(), "", s.opts.now()); err != nil {
		return wf, err
	}
	if err := s.store.TransitionWorkflow(ctx, wf, models.ActiveWorkflowStatuses...); err != nil {
		s.logger.Errorf("Failed to mark workflow %s FAILED: %v", wf.ID, err)
		return wf, errors.Wrapf(err, "failed to save workflow %s", wf.ID)
	}
	s.audit.AppendLevel(ctx, wf.ID, audit.WorkflowFailed, audit.Details{"stage": stage, "error": cause.Error()}, models.ErrorLevel)
	s.opts.observer.WorkflowFinished(models.FailedWorkflowStatus)
	return wf, nil
}

func (s *WorkflowService) GetWorkflow(ctx context.Context, id string) (models.Workflow, error) {
	return s.store.GetWorkflow(ctx, id)
}

// ListWorkflows returns workflows newest first, optionally filtered by status.
func (s *WorkflowService) ListWorkflows(ctx context.Context, statuses ...models.WorkflowStatus) ([]models.Workflow, error) {
	if len(statuses) == 0 {
		return s.store.ListWorkflows(ctx)
	}
	return s.store.ListWorkflowsByStatus(ctx, statuses...)
}

func (s *WorkflowService) ListTasks(ctx context.Context, workflowID string) ([]models.Task, error) {
	if _, err := s.store.GetWorkflow(ctx, workflowID); err != nil {
		return nil, err
	}
	return s.tasks.ListTasks(ctx, workflowID)
}

// ListAuditLogs returns the workflow's trail oldest first.
func (s *WorkflowService) ListAuditLogs(ctx context.Context, workflowID string) ([]models.AuditLogEntry, error) {
	if _, err := s.store.GetWorkflow(ctx, workflowID); err != nil {
		return nil, err
	}
	return s.audit.List(ctx, workflowID)
}

// CancelWorkflow moves a PENDING or RUNNING workflow to CANCELLED. Tasks not yet
// started are skipped by the executor; running ones finish but no longer change the
// workflow.
func (s *WorkflowService) CancelWorkflow(ctx context.Context, id, reason string) (models.Workflow, error) {
	wf, err := s.store.GetWorkflow(ctx, id)
	if err != nil {
		return models.Workflow{}, err
	}
	if reason == "" {
		reason = "Cancelled by request"
	}
	if err := wf.Cancel(reason, s.opts.now()); err != nil {
		return wf, errors.Wrapf(ErrNotCancelled, "workflow %s is %s", id, wf.Status)
	}
	if err := s.store.TransitionWorkflow(ctx, wf, models.ActiveWorkflowStatuses...); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			return wf, errors.Wrapf(ErrNotCancelled, "workflow %s finished concurrently", id)
		}
		return wf, errors.Wrapf(err, "failed to cancel workflow %s", id)
	}
	s.audit.AppendLevel(ctx, id, audit.WorkflowCancelled, audit.Details{"reason": reason}, models.WarnLevel)
	s.opts.observer.WorkflowFinished(models.CancelledWorkflowStatus)
	s.logger.Infof("Cancelled workflow %s", id)
	return wf, nil
}

// RecoverPending re-drives RUNNING workflows after a restart: each is reconciled,
// and every unfinished task of one still RUNNING is enqueued again with a fresh
// attempt token. It is meant for queues that lose their jobs on restart; on a
// durable queue it duplicates deliveries. It returns the number of tasks enqueued.
func (s *WorkflowService) RecoverPending(ctx context.Context) (int, error) {
	workflows, err := s.store.ListWorkflowsByStatus(ctx, models.RunningWorkflowStatus)
	if err != nil {
		return 0, errors.Wrap(err, "failed to list running workflows")
	}
	enqueued := 0
	for _, wf := range workflows {
		decision, err := s.reconciler.Reconcile(ctx, wf.ID)
		if err != nil {
			return enqueued, err
		}
		if decision != DecisionNone {
			continue
		}
		tasks, err := s.tasks.ListTasks(ctx, wf.ID)
		if err != nil {
			return enqueued, err
		}
		for _, task := range tasks {
			if task.Status.IsTerminal() {
				continue
			}
			if err := s.schedule(ctx, task); err != nil {
				return enqueued, err
			}
			enqueued++
		}
	}
	if enqueued > 0 {
		s.logger.Infof("Recovered %d unfinished tasks", enqueued)
	}
	return enqueued, nil
}
