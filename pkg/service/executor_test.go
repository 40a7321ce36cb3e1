package service_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ATHARVA262005/mcp-control-plane/pkg/audit"
	"github.com/ATHARVA262005/mcp-control-plane/pkg/models"
	"github.com/ATHARVA262005/mcp-control-plane/pkg/queue"
	"github.com/ATHARVA262005/mcp-control-plane/pkg/service"
	"github.com/ATHARVA262005/mcp-control-plane/pkg/storage"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestTaskExecutor_NormalPath(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	wf, tasks := f.runningWorkflow(t, models.PendingTaskStatus)
	tool := succeedingTool()
	exec := service.NewTaskExecutor(f.store, tool, f.audit, testLogger{})

	res := exec.Execute(ctx, tasks[0].ID, "token-1")
	require.Equal(t, service.OutcomeSuccess, res.Outcome, "%v", res.Err)
	assert.Equal(t, int32(1), tool.calls.Load())

	task := f.task(t, tasks[0].ID)
	assert.Equal(t, models.CompletedTaskStatus, task.Status)
	assert.True(t, task.HasOutput())
	assert.NotNil(t, task.StartedAt)
	assert.NotNil(t, task.CompletedAt)
	assert.Equal(t, 0, task.RetryCount)

	assert.Equal(t, models.CompletedWorkflowStatus, f.workflow(t, wf.ID).Status)
	assert.Equal(t, []string{audit.TaskStarted, audit.TaskCompleted, audit.WorkflowCompleted}, f.events(t, wf.ID))
}

func TestTaskExecutor_IdempotentRedelivery(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	wf, tasks := f.runningWorkflow(t, models.PendingTaskStatus)
	tool := succeedingTool()
	exec := service.NewTaskExecutor(f.store, tool, f.audit, testLogger{})

	first := exec.Execute(ctx, tasks[0].ID, "token-1")
	require.Equal(t, service.OutcomeSuccess, first.Outcome)
	output := f.task(t, tasks[0].ID).Output

	second := exec.Execute(ctx, tasks[0].ID, "token-1")
	assert.Equal(t, service.OutcomeSuccess, second.Outcome)
	assert.Equal(t, int32(1), tool.calls.Load())
	assert.True(t, output.Equal(f.task(t, tasks[0].ID).Output))
	assert.Equal(t, 1, countEvents(f.events(t, wf.ID), audit.WorkflowCompleted))
}

func TestTaskExecutor_RetryBound(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	wf, tasks := f.runningWorkflow(t, models.PendingTaskStatus)
	tool := failingTool("connection reset")
	exec := service.NewTaskExecutor(f.store, tool, f.audit, testLogger{})

	for attempt := 1; attempt < 3; attempt++ {
		res := exec.Execute(ctx, tasks[0].ID, "token")
		assert.Equal(t, service.OutcomeRetryable, res.Outcome)
		task := f.task(t, tasks[0].ID)
		assert.Equal(t, models.PendingTaskStatus, task.Status)
		assert.Equal(t, attempt, task.RetryCount)
		require.NotNil(t, task.Error)
		assert.Equal(t, "connection reset", task.Error.Message)
		assert.NotEmpty(t, task.Error.Detail)
	}

	res := exec.Execute(ctx, tasks[0].ID, "token")
	assert.Equal(t, service.OutcomeTerminal, res.Outcome)
	assert.EqualError(t, res.Err, "connection reset")

	task := f.task(t, tasks[0].ID)
	assert.Equal(t, models.FailedTaskStatus, task.Status)
	assert.Equal(t, 3, task.RetryCount)
	assert.NotNil(t, task.CompletedAt)

	got := f.workflow(t, wf.ID)
	assert.Equal(t, models.FailedWorkflowStatus, got.Status)
	require.NotNil(t, got.Error)
	assert.Equal(t, "Task search_web failed: connection reset", got.Error.Message)

	events := f.events(t, wf.ID)
	assert.Equal(t, 3, countEvents(events, audit.TaskStarted))
	assert.Equal(t, []string{audit.TaskFailed, audit.WorkflowFailed}, events[len(events)-2:])

	// a late redelivery neither runs the tool nor changes the record
	res = exec.Execute(ctx, tasks[0].ID, "token")
	assert.Equal(t, service.OutcomeSuccess, res.Outcome)
	assert.Equal(t, int32(3), tool.calls.Load())
	assert.Equal(t, 3, f.task(t, tasks[0].ID).RetryCount)
	assert.Len(t, f.events(t, wf.ID), len(events))
}

func TestTaskExecutor_CrashGuards(t *testing.T) {
	ctx := context.Background()

	t.Run("OutputWithoutCompletion", func(t *testing.T) {
		f := newFixture()
		wf, tasks := f.runningWorkflow(t, models.PendingTaskStatus)
		task := tasks[0]
		task.Status = models.RunningTaskStatus
		task.Output = models.Array(models.String("cached"))
		require.NoError(t, f.store.SaveTask(ctx, task))

		tool := succeedingTool()
		exec := service.NewTaskExecutor(f.store, tool, f.audit, testLogger{})
		res := exec.Execute(ctx, task.ID, "token")
		assert.Equal(t, service.OutcomeSuccess, res.Outcome)
		assert.Equal(t, int32(0), tool.calls.Load())

		got := f.task(t, task.ID)
		assert.Equal(t, models.CompletedTaskStatus, got.Status)
		assert.NotNil(t, got.CompletedAt)
		assert.True(t, got.Output.Equal(task.Output))
		assert.Equal(t, models.CompletedWorkflowStatus, f.workflow(t, wf.ID).Status)
		assert.Equal(t, []string{audit.WorkflowCompleted}, f.events(t, wf.ID))
	})

	t.Run("AlreadyCompletedStillReconciles", func(t *testing.T) {
		f := newFixture()
		wf, tasks := f.runningWorkflow(t, models.CompletedTaskStatus)
		tool := succeedingTool()
		exec := service.NewTaskExecutor(f.store, tool, f.audit, testLogger{})

		res := exec.Execute(ctx, tasks[0].ID, "token")
		assert.Equal(t, service.OutcomeSuccess, res.Outcome)
		assert.Equal(t, int32(0), tool.calls.Load())
		assert.Equal(t, models.CompletedWorkflowStatus, f.workflow(t, wf.ID).Status)
	})

	t.Run("AlreadyFailedStillReconciles", func(t *testing.T) {
		f := newFixture()
		wf, tasks := f.runningWorkflow(t, models.FailedTaskStatus, models.PendingTaskStatus)
		tool := succeedingTool()
		exec := service.NewTaskExecutor(f.store, tool, f.audit, testLogger{})

		res := exec.Execute(ctx, tasks[0].ID, "token")
		assert.Equal(t, service.OutcomeSuccess, res.Outcome)
		assert.Equal(t, int32(0), tool.calls.Load())
		assert.Equal(t, models.FailedTaskStatus, f.task(t, tasks[0].ID).Status)
		assert.Equal(t, models.FailedWorkflowStatus, f.workflow(t, wf.ID).Status)
		assert.Equal(t, []string{audit.WorkflowFailed}, f.events(t, wf.ID))
	})
}

func TestTaskExecutor_Failures(t *testing.T) {
	ctx := context.Background()

	t.Run("NotFound", func(t *testing.T) {
		f := newFixture()
		tool := succeedingTool()
		exec := service.NewTaskExecutor(f.store, tool, f.audit, testLogger{})
		res := exec.Execute(ctx, "missing", "token")
		assert.Equal(t, service.OutcomeTerminal, res.Outcome)
		assert.True(t, errors.Is(res.Err, service.ErrTaskNotFound))
		assert.Equal(t, int32(0), tool.calls.Load())
	})

	t.Run("HungToolTimesOut", func(t *testing.T) {
		f := newFixture()
		_, tasks := f.runningWorkflow(t, models.PendingTaskStatus)
		hang := &countingTool{fn: func(ctx context.Context, _ string, _ models.Value) (models.Value, error) {
			time.Sleep(time.Second)
			return models.Null(), nil
		}}
		exec := service.NewTaskExecutor(f.store, hang, f.audit, testLogger{}, service.WithTaskTimeout(20*time.Millisecond))

		res := exec.Execute(ctx, tasks[0].ID, "token")
		assert.Equal(t, service.OutcomeRetryable, res.Outcome)
		assert.True(t, errors.Is(res.Err, context.DeadlineExceeded))
		task := f.task(t, tasks[0].ID)
		assert.Equal(t, models.PendingTaskStatus, task.Status)
		assert.Equal(t, 1, task.RetryCount)
	})

	t.Run("CancelledDeliveryKeepsBudget", func(t *testing.T) {
		f := newFixture()
		_, tasks := f.runningWorkflow(t, models.PendingTaskStatus)
		cctx, cancel := context.WithCancel(ctx)
		blocking := &countingTool{fn: func(ctx context.Context, _ string, _ models.Value) (models.Value, error) {
			cancel()
			<-ctx.Done()
			return models.Null(), ctx.Err()
		}}
		exec := service.NewTaskExecutor(f.store, blocking, f.audit, testLogger{})

		res := exec.Execute(cctx, tasks[0].ID, "token")
		assert.Equal(t, service.OutcomeRetryable, res.Outcome)
		task := f.task(t, tasks[0].ID)
		assert.Equal(t, models.PendingTaskStatus, task.Status)
		assert.Equal(t, 0, task.RetryCount)
	})

	t.Run("StoreFailureIsRetryable", func(t *testing.T) {
		f := newFixture()
		_, tasks := f.runningWorkflow(t, models.PendingTaskStatus)
		tool := succeedingTool()
		exec := service.NewTaskExecutor(&flakyStore{Store: f.store}, tool, f.audit, testLogger{})

		res := exec.Execute(ctx, tasks[0].ID, "token")
		assert.Equal(t, service.OutcomeRetryable, res.Outcome)
		assert.Equal(t, int32(0), tool.calls.Load())
		assert.Equal(t, models.PendingTaskStatus, f.task(t, tasks[0].ID).Status)
	})

	t.Run("CancelledWorkflowIsNotStarted", func(t *testing.T) {
		f := newFixture()
		wf, tasks := f.runningWorkflow(t, models.PendingTaskStatus)
		require.NoError(t, wf.Cancel("stop", time.Now()))
		require.NoError(t, f.store.SaveWorkflow(ctx, wf))

		tool := succeedingTool()
		exec := service.NewTaskExecutor(f.store, tool, f.audit, testLogger{})
		res := exec.Execute(ctx, tasks[0].ID, "token")
		assert.Equal(t, service.OutcomeSuccess, res.Outcome)
		assert.Equal(t, int32(0), tool.calls.Load())
		assert.Equal(t, models.PendingTaskStatus, f.task(t, tasks[0].ID).Status)
		assert.Equal(t, models.CancelledWorkflowStatus, f.workflow(t, wf.ID).Status)
	})

	t.Run("ExhaustedAfterWorkflowAlreadyFailed", func(t *testing.T) {
		f := newFixture()
		wf, tasks := f.runningWorkflow(t, models.PendingTaskStatus)
		task := tasks[0]
		task.RetryCount = 2
		require.NoError(t, f.store.SaveTask(ctx, task))
		require.NoError(t, wf.Fail("earlier failure", "", time.Now()))
		require.NoError(t, f.store.SaveWorkflow(ctx, wf))

		exec := service.NewTaskExecutor(f.store, failingTool("boom"), f.audit, testLogger{})
		res := exec.Execute(ctx, task.ID, "token")
		assert.Equal(t, service.OutcomeTerminal, res.Outcome)
		got := f.workflow(t, wf.ID)
		assert.Equal(t, "earlier failure", got.Error.Message)
		assert.Equal(t, 0, countEvents(f.events(t, wf.ID), audit.WorkflowFailed))
	})
}

func TestTaskExecutor_OverlappingDeliveries(t *testing.T) {
	ctx := context.Background()

	// the first delivery blocks inside the tool while a second one runs to the end
	overlap := func(t *testing.T, late func() (models.Value, error)) (*fixture, models.Workflow, models.Task, service.Result, *countingTool) {
		t.Helper()
		f := newFixture()
		wf, tasks := f.runningWorkflow(t, models.PendingTaskStatus)

		started := make(chan struct{})
		release := make(chan struct{})
		var n atomic.Int32
		tool := &countingTool{fn: func(context.Context, string, models.Value) (models.Value, error) {
			if n.Add(1) == 1 {
				close(started)
				<-release
				return late()
			}
			return models.String("fresh"), nil
		}}
		exec := service.NewTaskExecutor(f.store, tool, f.audit, testLogger{})

		stale := make(chan service.Result, 1)
		go func() {
			stale <- exec.Execute(ctx, tasks[0].ID, "token-a")
		}()
		<-started

		res := exec.Execute(ctx, tasks[0].ID, "token-b")
		require.Equal(t, service.OutcomeSuccess, res.Outcome, "%v", res.Err)
		require.Equal(t, models.CompletedWorkflowStatus, f.workflow(t, wf.ID).Status)

		close(release)
		return f, wf, tasks[0], <-stale, tool
	}

	t.Run("LateFailureKeepsCompletedTask", func(t *testing.T) {
		f, wf, task, res, tool := overlap(t, func() (models.Value, error) {
			return models.Null(), errors.New("connection reset")
		})
		assert.Equal(t, service.OutcomeSuccess, res.Outcome, "%v", res.Err)
		assert.Equal(t, int32(2), tool.calls.Load())

		got := f.task(t, task.ID)
		assert.Equal(t, models.CompletedTaskStatus, got.Status)
		assert.True(t, models.String("fresh").Equal(got.Output))
		assert.Equal(t, 0, got.RetryCount)
		assert.Nil(t, got.Error)

		events := f.events(t, wf.ID)
		assert.Equal(t, 0, countEvents(events, audit.TaskFailed))
		assert.Equal(t, 1, countEvents(events, audit.TaskCompleted))
		assert.Equal(t, 1, countEvents(events, audit.WorkflowCompleted))
		assert.Equal(t, models.CompletedWorkflowStatus, f.workflow(t, wf.ID).Status)
	})

	t.Run("LateSuccessKeepsFirstOutput", func(t *testing.T) {
		f, wf, task, res, _ := overlap(t, func() (models.Value, error) {
			return models.String("stale"), nil
		})
		assert.Equal(t, service.OutcomeSuccess, res.Outcome, "%v", res.Err)

		got := f.task(t, task.ID)
		assert.Equal(t, models.CompletedTaskStatus, got.Status)
		assert.True(t, models.String("fresh").Equal(got.Output))
		assert.Equal(t, 1, countEvents(f.events(t, wf.ID), audit.TaskCompleted))
	})
}

func TestTaskExecutor_Observability(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	_, tasks := f.runningWorkflow(t, models.PendingTaskStatus)

	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	obs := &recordingObserver{}
	exec := service.NewTaskExecutor(f.store, succeedingTool(), f.audit, testLogger{},
		service.WithTracerProvider(tp), service.WithObserver(obs))

	res := exec.Execute(ctx, tasks[0].ID, "token")
	require.Equal(t, service.OutcomeSuccess, res.Outcome)

	spans := sr.Ended()
	require.Len(t, spans, 2)
	assert.Equal(t, "tool.invoke", spans[0].Name())
	assert.Equal(t, "task.execute", spans[1].Name())
	assert.Equal(t, spans[1].SpanContext().SpanID(), spans[0].Parent().SpanID())

	assert.Equal(t, []service.Outcome{service.OutcomeSuccess}, obs.outcomes)
	assert.Equal(t, []models.WorkflowStatus{models.CompletedWorkflowStatus}, obs.workflows)
}

func TestTaskExecutor_HandleJob(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	_, tasks := f.runningWorkflow(t, models.PendingTaskStatus, models.PendingTaskStatus)
	tool := &countingTool{fn: func(_ context.Context, _ string, _ models.Value) (models.Value, error) {
		return models.Null(), errors.New("flaky")
	}}
	exec := service.NewTaskExecutor(f.store, tool, f.audit, testLogger{})

	t.Run("InvalidPayload", func(t *testing.T) {
		err := exec.HandleJob(ctx, &queue.Job{ID: "j1", Payload: []byte("{")})
		assert.True(t, queue.IsPermanent(err))
		err = exec.HandleJob(ctx, &queue.Job{ID: "j2", Payload: []byte(`{}`)})
		assert.True(t, queue.IsPermanent(err))
	})

	t.Run("NotFoundIsPermanent", func(t *testing.T) {
		err := exec.HandleJob(ctx, &queue.Job{ID: "j3", Payload: []byte(`{"taskId":"missing","attemptToken":"a"}`)})
		require.Error(t, err)
		assert.True(t, queue.IsPermanent(err))
		assert.True(t, errors.Is(err, service.ErrTaskNotFound))
	})

	t.Run("RetryableIsNotPermanent", func(t *testing.T) {
		err := exec.HandleJob(ctx, &queue.Job{ID: "j4", Attempt: 1, Payload: []byte(`{"taskId":"` + tasks[0].ID + `"}`)})
		require.Error(t, err)
		assert.False(t, queue.IsPermanent(err))
	})

	t.Run("ExhaustedIsPermanent", func(t *testing.T) {
		task := tasks[1]
		task.RetryCount = 2
		require.NoError(t, f.store.SaveTask(ctx, task))
		err := exec.HandleJob(ctx, &queue.Job{ID: "j5", Attempt: 3, Payload: []byte(`{"taskId":"` + task.ID + `","attemptToken":"t"}`)})
		require.Error(t, err)
		assert.True(t, queue.IsPermanent(err))
	})
}

// flakyStore fails every task write.
type flakyStore struct {
	storage.Store
}

func (s *flakyStore) SaveTask(context.Context, models.Task) error {
	return errors.New("connection refused")
}

func (s *flakyStore) TransitionTask(context.Context, models.Task, ...models.TaskStatus) error {
	return errors.New("connection refused")
}
