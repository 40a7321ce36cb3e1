package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ATHARVA262005/mcp-control-plane/pkg/models"
	"github.com/ATHARVA262005/mcp-control-plane/pkg/service"
)

func TestRecorder(t *testing.T) {
	reg := prometheus.NewRegistry()
	r, err := NewRecorder(reg)
	require.NoError(t, err)

	r.TaskExecuted(models.ToolCallTaskKind, "search_web", service.OutcomeSuccess, 20*time.Millisecond)
	r.TaskExecuted(models.ToolCallTaskKind, "search_web", service.OutcomeRetryable, 5*time.Millisecond)
	r.TaskExecuted(models.ToolCallTaskKind, "search_web", service.OutcomeRetryable, 5*time.Millisecond)
	r.WorkflowFinished(models.CompletedWorkflowStatus)

	assert.Equal(t, 1.0, testutil.ToFloat64(r.taskExecutions.WithLabelValues("TOOL_CALL", "search_web", "success")))
	assert.Equal(t, 2.0, testutil.ToFloat64(r.taskExecutions.WithLabelValues("TOOL_CALL", "search_web", "retryable")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.workflowsFinished.WithLabelValues("COMPLETED")))
	assert.Equal(t, 0.0, testutil.ToFloat64(r.workflowsFinished.WithLabelValues("FAILED")))
	assert.Equal(t, 1, testutil.CollectAndCount(r.taskDuration))

	count, err := testutil.GatherAndCount(reg, "controlplane_task_executions_total")
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestNewRecorderRejectsDuplicateRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, err := NewRecorder(reg)
	require.NoError(t, err)
	_, err = NewRecorder(reg)
	assert.Error(t, err)
}
