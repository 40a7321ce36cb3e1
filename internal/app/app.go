// Package app builds the control plane's components from configuration.
package app

import (
	"context"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/ATHARVA262005/mcp-control-plane/internal/config"
	"github.com/ATHARVA262005/mcp-control-plane/internal/mcp"
	"github.com/ATHARVA262005/mcp-control-plane/internal/metrics"
	"github.com/ATHARVA262005/mcp-control-plane/internal/redisqueue"
	internal_storage "github.com/ATHARVA262005/mcp-control-plane/internal/storage"
	"github.com/ATHARVA262005/mcp-control-plane/pkg/audit"
	"github.com/ATHARVA262005/mcp-control-plane/pkg/queue"
	"github.com/ATHARVA262005/mcp-control-plane/pkg/router"
	"github.com/ATHARVA262005/mcp-control-plane/pkg/service"
	"github.com/ATHARVA262005/mcp-control-plane/pkg/storage"
	"github.com/ATHARVA262005/mcp-control-plane/pkg/tool"
)

// App holds the wired components. Nothing here is global; every process builds its own.
type App struct {
	Config    config.Config
	Logger    *logrus.Logger
	Store     storage.Store
	Queue     queue.Queue
	Audit     *audit.Log
	Executor  *service.TaskExecutor
	Workflows *service.WorkflowService
	Registry  *prometheus.Registry

	closers []func(context.Context) error
}

type buildOptions struct {
	store   storage.Store
	invoker tool.Invoker
	router  router.Router
}

type Option func(*buildOptions)

// WithStore replaces the store selected by DATABASE_URL.
func WithStore(s storage.Store) Option {
	return func(o *buildOptions) { o.store = s }
}

// WithInvoker replaces the MCP tool client.
func WithInvoker(inv tool.Invoker) Option {
	return func(o *buildOptions) { o.invoker = inv }
}

// WithRouter replaces the keyword router.
func WithRouter(r router.Router) Option {
	return func(o *buildOptions) { o.router = r }
}

// New wires every component. On error, whatever was already opened is closed.
func New(ctx context.Context, cfg config.Config, logger *logrus.Logger, opts ...Option) (_ *App, err error) {
	var bo buildOptions
	for _, opt := range opts {
		opt(&bo)
	}

	a := &App{Config: cfg, Logger: logger, Registry: prometheus.NewRegistry()}
	defer func() {
		if err != nil {
			_ = a.Close(context.Background())
		}
	}()

	a.Store = bo.store
	if a.Store == nil {
		if a.Store, err = internal_storage.InitStore(cfg.DatabaseURL); err != nil {
			return nil, errors.Wrap(err, "failed to initialize store")
		}
		store := a.Store
		a.onClose(func(context.Context) error { return store.Close() })
	}

	a.Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	recorder, err := metrics.NewRecorder(a.Registry)
	if err != nil {
		return nil, errors.Wrap(err, "failed to register metrics")
	}

	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(newLogExporter(logger)))
	a.onClose(tp.Shutdown)

	invoker := bo.invoker
	if invoker == nil {
		if invoker, err = a.connectTools(ctx); err != nil {
			return nil, err
		}
	}

	r := bo.router
	if r == nil {
		if r, err = newRouter(cfg); err != nil {
			return nil, err
		}
	}

	if a.Queue, err = a.newQueue(ctx); err != nil {
		return nil, err
	}

	a.Audit = audit.New(a.Store, logger)
	serviceOpts := []service.Option{
		service.WithTaskTimeout(cfg.TaskTimeout),
		service.WithMaxRetries(cfg.MaxRetries),
		service.WithObserver(recorder),
		service.WithTracerProvider(tp),
	}
	a.Executor = service.NewTaskExecutor(a.Store, invoker, a.Audit, logger, serviceOpts...)
	service.RegisterJobs(a.Queue, a.Executor)
	a.Workflows = service.NewWorkflowService(a.Store, r, a.Queue, a.Audit, logger, serviceOpts...)
	return a, nil
}

func (a *App) connectTools(ctx context.Context) (tool.Invoker, error) {
	var (
		inv *mcp.Invoker
		err error
	)
	if a.Config.ToolServerCommand != "" {
		inv, err = mcp.NewStdioInvoker(ctx, a.Logger, a.Config.ToolServerCommand, a.Config.ToolServerArgs...)
	} else {
		inv, err = mcp.NewInProcessInvoker(ctx, a.Logger, mcp.NewServer())
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to connect to tool server")
	}
	a.onClose(func(context.Context) error { return inv.Close() })
	return inv, nil
}

func newRouter(cfg config.Config) (router.Router, error) {
	if cfg.RouterRules == "" {
		return router.NewKeywordRouter(router.DefaultRules), nil
	}
	r, err := router.LoadRules(cfg.RouterRules)
	if err != nil {
		return nil, errors.Wrap(err, "failed to load router rules")
	}
	return r, nil
}

func (a *App) newQueue(ctx context.Context) (queue.Queue, error) {
	backoff := queue.DefaultBackoff(a.Config.RetryBackoff)
	switch a.Config.QueueBackend {
	case config.RedisQueue:
		client := redis.NewClient(&redis.Options{Addr: a.Config.RedisAddr})
		a.onClose(func(context.Context) error { return client.Close() })
		if err := client.Ping(ctx).Err(); err != nil {
			return nil, errors.Wrapf(err, "failed to connect to redis at %s", a.Config.RedisAddr)
		}
		q := redisqueue.New(client,
			redisqueue.WithWorkers(a.Config.Workers),
			redisqueue.WithBackoff(backoff),
			redisqueue.WithMaxAttempts(a.Config.QueueMaxAttempts()),
			redisqueue.WithLogger(a.Logger),
		)
		a.onClose(q.Stop)
		return q, nil
	default:
		q := queue.NewWorkerPool(
			queue.WithWorkers(a.Config.Workers),
			queue.WithBackoff(backoff),
			queue.WithMaxAttempts(a.Config.QueueMaxAttempts()),
			queue.WithLogger(a.Logger),
		)
		a.onClose(q.Stop)
		return q, nil
	}
}

// StartWorkers begins consuming execute-task jobs.
func (a *App) StartWorkers(ctx context.Context) error {
	return a.Queue.Start(ctx)
}

// Recover re-enqueues unfinished tasks of RUNNING workflows. Only the in-memory
// queue loses jobs on restart; Redis keeps them and requeues those of dead
// consumers itself, so the sweep would only duplicate live deliveries.
func (a *App) Recover(ctx context.Context) (int, error) {
	if a.Config.QueueBackend != config.MemoryQueue {
		a.Logger.Debugf("Skipping recovery sweep: %s queue keeps its jobs", a.Config.QueueBackend)
		return 0, nil
	}
	return a.Workflows.RecoverPending(ctx)
}

func (a *App) onClose(fn func(context.Context) error) {
	a.closers = append(a.closers, fn)
}

// Close releases resources in reverse order of acquisition: the queue drains
// before the tool client and store it depends on go away.
func (a *App) Close(ctx context.Context) error {
	var first error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil && first == nil {
			first = err
		}
	}
	a.closers = nil
	return first
}
