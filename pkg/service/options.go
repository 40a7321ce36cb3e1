package service

import (
	"time"

	"github.com/ATHARVA262005/mcp-control-plane/pkg/models"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

const (
	// default task timeout is 1m
	DefaultTaskTimeout = 60 * time.Second

	// MaxGoalLength bounds the goal text accepted by CreateWorkflow.
	MaxGoalLength = 4096

	tracerName = "github.com/ATHARVA262005/mcp-control-plane/pkg/service"
)

// Logger defines the logging interface used by the services.
type Logger interface {
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// Observer is notified of task and workflow outcomes.
type Observer interface {
	TaskExecuted(kind models.TaskKind, name string, outcome Outcome, elapsed time.Duration)
	WorkflowFinished(status models.WorkflowStatus)
}

type nopObserver struct{}

func (nopObserver) TaskExecuted(models.TaskKind, string, Outcome, time.Duration) {}
func (nopObserver) WorkflowFinished(models.WorkflowStatus)                       {}

type options struct {
	taskTimeout    time.Duration
	maxRetries     int
	observer       Observer
	tracerProvider trace.TracerProvider
	now            func() time.Time
}

func newOptions(opts []Option) options {
	o := options{
		taskTimeout:    DefaultTaskTimeout,
		maxRetries:     models.DefaultMaxRetries,
		observer:       nopObserver{},
		tracerProvider: otel.GetTracerProvider(),
		now:            func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Option configures the services of this package.
type Option func(*options)

// WithTaskTimeout bounds each tool invocation. Zero disables the bound.
func WithTaskTimeout(d time.Duration) Option {
	return func(o *options) { o.taskTimeout = d }
}

// WithMaxRetries sets the attempt budget of newly created tasks.
func WithMaxRetries(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maxRetries = n
		}
	}
}

func WithObserver(obs Observer) Option {
	return func(o *options) {
		if obs != nil {
			o.observer = obs
		}
	}
}

// WithTracerProvider sets the provider for execution spans. Defaults to the global one.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *options) {
		if tp != nil {
			o.tracerProvider = tp
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}
