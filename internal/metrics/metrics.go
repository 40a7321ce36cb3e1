// Package metrics exports execution outcomes as Prometheus metrics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/ATHARVA262005/mcp-control-plane/pkg/models"
	"github.com/ATHARVA262005/mcp-control-plane/pkg/service"
)

const namespace = "controlplane"

// Recorder implements service.Observer.
type Recorder struct {
	taskExecutions    *prometheus.CounterVec
	taskDuration      *prometheus.HistogramVec
	workflowsFinished *prometheus.CounterVec
}

var _ service.Observer = (*Recorder)(nil)

// NewRecorder creates the collectors and registers them with reg.
func NewRecorder(reg prometheus.Registerer) (*Recorder, error) {
	r := &Recorder{
		taskExecutions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_executions_total",
			Help:      "Task deliveries processed, by task kind, tool and outcome.",
		}, []string{"kind", "tool", "outcome"}),
		taskDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "task_execution_duration_seconds",
			Help:      "Time spent processing one task delivery.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"kind", "tool"}),
		workflowsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "workflows_finished_total",
			Help:      "Workflows that reached a terminal status.",
		}, []string{"status"}),
	}
	for _, c := range []prometheus.Collector{r.taskExecutions, r.taskDuration, r.workflowsFinished} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func (r *Recorder) TaskExecuted(kind models.TaskKind, name string, outcome service.Outcome, elapsed time.Duration) {
	r.taskExecutions.WithLabelValues(string(kind), name, outcome.String()).Inc()
	r.taskDuration.WithLabelValues(string(kind), name).Observe(elapsed.Seconds())
}

func (r *Recorder) WorkflowFinished(status models.WorkflowStatus) {
	r.workflowsFinished.WithLabelValues(string(status)).Inc()
}
