package service_test

import (
	"context"
	"testing"
	"time"

	"github.com/ATHARVA262005/mcp-control-plane/pkg/audit"
	"github.com/ATHARVA262005/mcp-control-plane/pkg/models"
	"github.com/ATHARVA262005/mcp-control-plane/pkg/service"
	"github.com/ATHARVA262005/mcp-control-plane/pkg/storage"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tasksWith(statuses ...models.TaskStatus) []models.Task {
	tasks := make([]models.Task, 0, len(statuses))
	for _, s := range statuses {
		tasks = append(tasks, models.Task{Status: s})
	}
	return tasks
}

func TestDecide(t *testing.T) {
	const (
		pending   = models.PendingTaskStatus
		running   = models.RunningTaskStatus
		completed = models.CompletedTaskStatus
		failed    = models.FailedTaskStatus
	)
	tests := []struct {
		name   string
		status models.WorkflowStatus
		tasks  []models.Task
		want   service.Decision
	}{
		{"AllCompleted", models.RunningWorkflowStatus, tasksWith(completed, completed), service.DecisionComplete},
		{"SingleCompleted", models.RunningWorkflowStatus, tasksWith(completed), service.DecisionComplete},
		{"NoTasks", models.PendingWorkflowStatus, nil, service.DecisionComplete},
		{"AnyFailed", models.RunningWorkflowStatus, tasksWith(completed, failed, pending), service.DecisionFail},
		{"FailedBeforePending", models.RunningWorkflowStatus, tasksWith(running, failed), service.DecisionFail},
		{"StillRunning", models.RunningWorkflowStatus, tasksWith(completed, running), service.DecisionNone},
		{"StillPending", models.RunningWorkflowStatus, tasksWith(pending), service.DecisionNone},
		{"CompletedIsFinal", models.CompletedWorkflowStatus, tasksWith(failed), service.DecisionNone},
		{"FailedIsFinal", models.FailedWorkflowStatus, tasksWith(completed), service.DecisionNone},
		{"CancelledIsFinal", models.CancelledWorkflowStatus, tasksWith(completed), service.DecisionNone},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			wf := models.Workflow{Status: tt.status}
			assert.Equal(t, tt.want, service.Decide(wf, tt.tasks))
		})
	}
}

func TestReconciler(t *testing.T) {
	ctx := context.Background()

	t.Run("CompletesWithSummary", func(t *testing.T) {
		f := newFixture()
		wf, _ := f.runningWorkflow(t, models.CompletedTaskStatus, models.CompletedTaskStatus)
		r := service.NewReconciler(f.store, f.audit, testLogger{})

		decision, err := r.Reconcile(ctx, wf.ID)
		require.NoError(t, err)
		assert.Equal(t, service.DecisionComplete, decision)

		got := f.workflow(t, wf.ID)
		assert.Equal(t, models.CompletedWorkflowStatus, got.Status)
		msg, _ := got.Result.Get("message")
		s, _ := msg.AsString()
		assert.Equal(t, "All tasks completed successfully (Reconciled)", s)
		tasks, _ := got.Result.Get("tasks")
		arr, _ := tasks.AsArray()
		assert.Len(t, arr, 2)
		assert.Equal(t, wf.TraceID, got.TraceID)
		assert.Equal(t, []string{audit.WorkflowCompleted}, f.events(t, wf.ID))
	})

	t.Run("FailsOnAnyFailedTask", func(t *testing.T) {
		f := newFixture()
		wf, _ := f.runningWorkflow(t, models.CompletedTaskStatus, models.FailedTaskStatus, models.PendingTaskStatus)
		r := service.NewReconciler(f.store, f.audit, testLogger{})

		decision, err := r.Reconcile(ctx, wf.ID)
		require.NoError(t, err)
		assert.Equal(t, service.DecisionFail, decision)

		got := f.workflow(t, wf.ID)
		assert.Equal(t, models.FailedWorkflowStatus, got.Status)
		require.NotNil(t, got.Error)
		assert.Equal(t, "Workflow failed due to one or more task failures (Reconciled)", got.Error.Message)
		assert.Equal(t, []string{audit.WorkflowFailed}, f.events(t, wf.ID))
	})

	t.Run("Monotonic", func(t *testing.T) {
		f := newFixture()
		wf, tasks := f.runningWorkflow(t, models.CompletedTaskStatus)
		r := service.NewReconciler(f.store, f.audit, testLogger{})

		_, err := r.Reconcile(ctx, wf.ID)
		require.NoError(t, err)

		task := tasks[0]
		task.Status = models.FailedTaskStatus
		require.NoError(t, f.store.SaveTask(ctx, task))

		for i := 0; i < 3; i++ {
			decision, err := r.Reconcile(ctx, wf.ID)
			require.NoError(t, err)
			assert.Equal(t, service.DecisionNone, decision)
		}
		assert.Equal(t, models.CompletedWorkflowStatus, f.workflow(t, wf.ID).Status)
		assert.Equal(t, []string{audit.WorkflowCompleted}, f.events(t, wf.ID))
	})

	t.Run("LeavesUnfinishedWorkflow", func(t *testing.T) {
		f := newFixture()
		wf, _ := f.runningWorkflow(t, models.CompletedTaskStatus, models.RunningTaskStatus)
		r := service.NewReconciler(f.store, f.audit, testLogger{})

		decision, err := r.Reconcile(ctx, wf.ID)
		require.NoError(t, err)
		assert.Equal(t, service.DecisionNone, decision)
		assert.Equal(t, models.RunningWorkflowStatus, f.workflow(t, wf.ID).Status)
		assert.Empty(t, f.events(t, wf.ID))
	})

	t.Run("LostRaceIsBenign", func(t *testing.T) {
		f := newFixture()
		wf, _ := f.runningWorkflow(t, models.CompletedTaskStatus)
		store := &racingStore{Store: f.store}
		r := service.NewReconciler(store, f.audit, testLogger{})

		decision, err := r.Reconcile(ctx, wf.ID)
		require.NoError(t, err)
		assert.Equal(t, service.DecisionNone, decision)
		// the concurrent writer's FAILED survives
		assert.Equal(t, models.FailedWorkflowStatus, f.workflow(t, wf.ID).Status)
		assert.Empty(t, f.events(t, wf.ID))
	})

	t.Run("MissingWorkflow", func(t *testing.T) {
		f := newFixture()
		r := service.NewReconciler(f.store, f.audit, testLogger{})
		decision, err := r.Reconcile(ctx, "missing")
		require.NoError(t, err)
		assert.Equal(t, service.DecisionNone, decision)
	})

	t.Run("ConcurrentCallsFinishOnce", func(t *testing.T) {
		f := newFixture()
		wf, _ := f.runningWorkflow(t, models.CompletedTaskStatus, models.CompletedTaskStatus)
		obs := &recordingObserver{}
		r := service.NewReconciler(f.store, f.audit, testLogger{}, service.WithObserver(obs))

		done := make(chan struct{})
		for i := 0; i < 8; i++ {
			go func() {
				defer func() { done <- struct{}{} }()
				_, err := r.Reconcile(ctx, wf.ID)
				assert.NoError(t, err)
			}()
		}
		for i := 0; i < 8; i++ {
			<-done
		}
		assert.Equal(t, 1, countEvents(f.events(t, wf.ID), audit.WorkflowCompleted))
		assert.Equal(t, []models.WorkflowStatus{models.CompletedWorkflowStatus}, obs.workflows)
	})
}

// racingStore fails the workflow between the reconciler's read and its write.
type racingStore struct {
	storage.Store
}

func (s *racingStore) TransitionWorkflow(ctx context.Context, w models.Workflow, from ...models.WorkflowStatus) error {
	current, err := s.Store.GetWorkflow(ctx, w.ID)
	if err != nil {
		return err
	}
	if err := current.Fail("Task search_web failed: boom", "", time.Now()); err != nil {
		return err
	}
	if err := s.Store.SaveWorkflow(ctx, current); err != nil {
		return errors.Wrap(err, "racing write")
	}
	return s.Store.TransitionWorkflow(ctx, w, from...)
}
