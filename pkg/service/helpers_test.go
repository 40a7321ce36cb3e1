package service_test

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ATHARVA262005/mcp-control-plane/pkg/audit"
	"github.com/ATHARVA262005/mcp-control-plane/pkg/models"
	"github.com/ATHARVA262005/mcp-control-plane/pkg/queue"
	"github.com/ATHARVA262005/mcp-control-plane/pkg/service"
	"github.com/ATHARVA262005/mcp-control-plane/pkg/storage"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

// testLogger implements Logger interface for testing
type testLogger struct{}

func (testLogger) Debugf(string, ...interface{}) {}
func (testLogger) Infof(string, ...interface{})  {}
func (testLogger) Warnf(string, ...interface{})  {}
func (testLogger) Errorf(string, ...interface{}) {}

// countingTool is a tool.Invoker that counts calls and delegates to fn.
type countingTool struct {
	calls atomic.Int32
	fn    func(ctx context.Context, name string, input models.Value) (models.Value, error)
}

func (c *countingTool) Invoke(ctx context.Context, name string, input models.Value) (models.Value, error) {
	c.calls.Add(1)
	return c.fn(ctx, name, input)
}

func succeedingTool() *countingTool {
	return &countingTool{fn: func(_ context.Context, name string, input models.Value) (models.Value, error) {
		return models.Object(map[string]any{"tool": name, "input": input}), nil
	}}
}

func failingTool(msg string) *countingTool {
	return &countingTool{fn: func(context.Context, string, models.Value) (models.Value, error) {
		return models.Null(), errors.New(msg)
	}}
}

// recordingEnqueuer keeps enqueued payloads without delivering them.
type recordingEnqueuer struct {
	mu   sync.Mutex
	jobs []service.ExecutePayload
	err  error
}

func (r *recordingEnqueuer) Enqueue(_ context.Context, name string, payload []byte) error {
	if r.err != nil {
		return r.err
	}
	if name != service.ExecuteTaskJob {
		return errors.Errorf("unexpected job %s", name)
	}
	var p service.ExecutePayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs = append(r.jobs, p)
	return nil
}

func (r *recordingEnqueuer) payloads() []service.ExecutePayload {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]service.ExecutePayload(nil), r.jobs...)
}

type fixture struct {
	store storage.Store
	audit *audit.Log
}

func newFixture() *fixture {
	store := storage.NewMemoryStore()
	return &fixture{store: store, audit: audit.New(store, testLogger{})}
}

// runningWorkflow seeds a RUNNING workflow owning one task per given status.
func (f *fixture) runningWorkflow(t *testing.T, statuses ...models.TaskStatus) (models.Workflow, []models.Task) {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UTC()
	wf := models.NewWorkflow("Search for trace execution logs", models.Null(), now)
	wf.Status = models.RunningWorkflowStatus
	require.NoError(t, f.store.CreateWorkflow(ctx, wf))

	tasks := make([]models.Task, 0, len(statuses))
	for _, status := range statuses {
		task := models.NewTask(wf.ID, models.ToolCallTaskKind, "search_web",
			models.Object(map[string]any{"query": wf.Goal}), 3, now)
		task.Status = status
		if status == models.CompletedTaskStatus {
			task.Output = models.String("done")
		}
		require.NoError(t, f.store.CreateTask(ctx, task))
		tasks = append(tasks, task)
	}
	return wf, tasks
}

func (f *fixture) workflow(t *testing.T, id string) models.Workflow {
	t.Helper()
	wf, err := f.store.GetWorkflow(context.Background(), id)
	require.NoError(t, err)
	return wf
}

func (f *fixture) task(t *testing.T, id string) models.Task {
	t.Helper()
	task, err := f.store.GetTask(context.Background(), id)
	require.NoError(t, err)
	return task
}

func (f *fixture) events(t *testing.T, workflowID string) []string {
	t.Helper()
	entries, err := f.store.ListAuditLogs(context.Background(), workflowID)
	require.NoError(t, err)
	events := make([]string, 0, len(entries))
	for _, e := range entries {
		events = append(events, e.EventType)
	}
	return events
}

func countEvents(events []string, eventType string) int {
	n := 0
	for _, e := range events {
		if e == eventType {
			n++
		}
	}
	return n
}

func newPool(t *testing.T) *queue.WorkerPool {
	t.Helper()
	p := queue.NewWorkerPool(
		queue.WithWorkers(4),
		queue.WithBackoff(queue.ConstantBackoff{Interval: time.Millisecond}),
	)
	t.Cleanup(func() {
		_ = p.Stop(context.Background())
	})
	return p
}

func waitIdle(t *testing.T, p *queue.WorkerPool) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, p.Wait(ctx))
}

type recordingObserver struct {
	mu        sync.Mutex
	outcomes  []service.Outcome
	workflows []models.WorkflowStatus
}

func (o *recordingObserver) TaskExecuted(_ models.TaskKind, _ string, outcome service.Outcome, _ time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.outcomes = append(o.outcomes, outcome)
}

func (o *recordingObserver) WorkflowFinished(status models.WorkflowStatus) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.workflows = append(o.workflows, status)
}
