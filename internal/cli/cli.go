package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/ATHARVA262005/mcp-control-plane/internal/app"
	"github.com/ATHARVA262005/mcp-control-plane/internal/config"
	internal_http "github.com/ATHARVA262005/mcp-control-plane/internal/http"
	"github.com/ATHARVA262005/mcp-control-plane/internal/log"
	"github.com/ATHARVA262005/mcp-control-plane/pkg/models"
)

const shutdownTimeout = 30 * time.Second

// SetupCLI registers the persistent configuration flags and every subcommand on rootCmd.
func SetupCLI(rootCmd *cobra.Command) {
	flags := rootCmd.PersistentFlags()
	flags.String("db", "", "Postgres connection string (overrides DATABASE_URL; empty uses the in-memory store)")
	flags.String("queue", "", "Queue backend: memory or redis (overrides QUEUE_BACKEND)")
	flags.String("redis", "", "Redis address (overrides REDIS_ADDR)")
	flags.Int("workers", 0, "Concurrent task workers (overrides WORKERS)")
	flags.String("log-level", "", "DEBUG, INFO, WARN or ERROR (overrides LOG_LEVEL)")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, the task workers and the recovery sweep",
		Args:  cobra.NoArgs,
		RunE:  runServe,
	}
	serveCmd.Flags().Int("port", 0, "HTTP port (overrides PORT)")

	workerCmd := &cobra.Command{
		Use:   "worker",
		Short: "Run task workers against the Redis queue",
		Args:  cobra.NoArgs,
		RunE:  runWorker,
	}

	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Create a workflow from a goal",
		Args:  cobra.NoArgs,
		RunE:  runCreate,
	}
	createCmd.Flags().String("goal", "", "Goal text (required)")
	createCmd.Flags().String("context", "", "Workflow context as JSON")
	createCmd.Flags().Bool("wait", false, "Wait for a terminal status (always on with the memory queue)")
	createCmd.Flags().Duration("timeout", 2*time.Minute, "How long --wait waits")
	_ = createCmd.MarkFlagRequired("goal")

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List workflows, newest first",
		Args:  cobra.NoArgs,
		RunE:  runList,
	}
	listCmd.Flags().StringSlice("status", nil, "Only list workflows with these statuses")

	getCmd := &cobra.Command{
		Use:   "get <id>",
		Short: "Show a workflow",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(func(ctx context.Context, a *app.App, out io.Writer, args []string) error {
			wf, err := a.Workflows.GetWorkflow(ctx, args[0])
			if err != nil {
				return err
			}
			return printJSON(out, wf)
		}),
	}

	tasksCmd := &cobra.Command{
		Use:   "tasks <id>",
		Short: "List a workflow's tasks in creation order",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(func(ctx context.Context, a *app.App, out io.Writer, args []string) error {
			tasks, err := a.Workflows.ListTasks(ctx, args[0])
			if err != nil {
				return err
			}
			return printJSON(out, tasks)
		}),
	}

	logsCmd := &cobra.Command{
		Use:   "logs <id>",
		Short: "Show a workflow's audit trail, oldest first",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(func(ctx context.Context, a *app.App, out io.Writer, args []string) error {
			entries, err := a.Workflows.ListAuditLogs(ctx, args[0])
			if err != nil {
				return err
			}
			for _, e := range entries {
				fmt.Fprintf(out, "%s [%s] %s %s\n", e.Timestamp.Format(time.RFC3339Nano), e.Level, e.EventType, e.Details)
			}
			return nil
		}),
	}

	cancelCmd := &cobra.Command{
		Use:   "cancel <id>",
		Short: "Cancel a pending or running workflow",
		Args:  cobra.ExactArgs(1),
		RunE:  runCancel,
	}
	cancelCmd.Flags().String("reason", "", "Reason recorded in the audit log")

	rootCmd.AddCommand(serveCmd, workerCmd, createCmd, listCmd, getCmd, tasksCmd, logsCmd, cancelCmd)
}

// loadConfig reads the environment and applies the flags the user set explicitly.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return cfg, err
	}
	flags := cmd.Flags()
	if flags.Changed("db") {
		cfg.DatabaseURL, _ = flags.GetString("db")
	}
	if flags.Changed("queue") {
		cfg.QueueBackend, _ = flags.GetString("queue")
	}
	if flags.Changed("redis") {
		cfg.RedisAddr, _ = flags.GetString("redis")
	}
	if flags.Changed("workers") {
		cfg.Workers, _ = flags.GetInt("workers")
	}
	if flags.Changed("log-level") {
		cfg.LogLevel, _ = flags.GetString("log-level")
	}
	if flags.Lookup("port") != nil && flags.Changed("port") {
		cfg.Port, _ = flags.GetInt("port")
	}
	return cfg, cfg.Validate()
}

func buildApp(cmd *cobra.Command) (*app.App, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	log.Configure(cfg.LogLevel, cfg.LogFormat)
	logger := log.GetLogger()
	logger.Debugf("Running %s with queue backend %s", cmd.Name(), cfg.QueueBackend)
	return app.New(cmd.Context(), cfg, logger)
}

func closeApp(a *app.App) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := a.Close(ctx); err != nil {
		log.GetLogger().Errorf("Failed to shut down cleanly: %v", err)
	}
}

type appFunc func(ctx context.Context, a *app.App, out io.Writer, args []string) error

func withApp(fn appFunc) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		a, err := buildApp(cmd)
		if err != nil {
			return err
		}
		defer closeApp(a)
		return fn(cmd.Context(), a, cmd.OutOrStdout(), args)
	}
}

func signalContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
}

func runServe(cmd *cobra.Command, _ []string) error {
	a, err := buildApp(cmd)
	if err != nil {
		return err
	}
	defer closeApp(a)

	ctx, stop := signalContext(cmd.Context())
	defer stop()

	if err := a.StartWorkers(ctx); err != nil {
		return errors.Wrap(err, "failed to start workers")
	}

	handler := internal_http.NewHandler(a.Workflows, a.Registry, a.Logger)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return internal_http.StartServer(gctx, ":"+strconv.Itoa(a.Config.Port), handler, a.Logger)
	})
	g.Go(func() error {
		n, err := a.Recover(gctx)
		if err != nil {
			return errors.Wrap(err, "recovery sweep failed")
		}
		a.Logger.Infof("Recovery sweep re-enqueued %d tasks", n)
		return nil
	})
	return g.Wait()
}

func runWorker(cmd *cobra.Command, _ []string) error {
	a, err := buildApp(cmd)
	if err != nil {
		return err
	}
	defer closeApp(a)
	if a.Config.QueueBackend != config.RedisQueue {
		return errors.New("worker needs the redis queue backend; use serve for a single process")
	}

	ctx, stop := signalContext(cmd.Context())
	defer stop()
	if err := a.StartWorkers(ctx); err != nil {
		return errors.Wrap(err, "failed to start workers")
	}
	a.Logger.Infof("Worker running, press Ctrl+C to stop")
	<-ctx.Done()
	return nil
}

func runCreate(cmd *cobra.Command, _ []string) error {
	goal, _ := cmd.Flags().GetString("goal")
	rawContext, _ := cmd.Flags().GetString("context")
	wait, _ := cmd.Flags().GetBool("wait")
	timeout, _ := cmd.Flags().GetDuration("timeout")

	wfContext := models.Null()
	if rawContext != "" {
		if err := json.Unmarshal([]byte(rawContext), &wfContext); err != nil {
			return errors.Wrap(err, "invalid --context")
		}
	}

	a, err := buildApp(cmd)
	if err != nil {
		return err
	}
	defer closeApp(a)

	// The memory queue lives in this process, so its jobs only run while we wait.
	if a.Config.QueueBackend == config.MemoryQueue {
		wait = true
	}
	ctx := cmd.Context()
	if wait {
		if err := a.StartWorkers(ctx); err != nil {
			return errors.Wrap(err, "failed to start workers")
		}
	}

	wf, err := a.Workflows.CreateWorkflow(ctx, goal, wfContext)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Created workflow %s (trace %s), status %s\n", wf.ID, wf.TraceID, wf.Status)
	if !wait || wf.Status.IsTerminal() {
		if wf.Status.IsTerminal() {
			return printJSON(out, wf)
		}
		return nil
	}

	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	wf, err = waitForTerminal(waitCtx, a, wf.ID)
	if err != nil {
		return err
	}
	return printJSON(out, wf)
}

func waitForTerminal(ctx context.Context, a *app.App, id string) (models.Workflow, error) {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		wf, err := a.Workflows.GetWorkflow(ctx, id)
		if err != nil {
			return wf, err
		}
		if wf.Status.IsTerminal() {
			return wf, nil
		}
		select {
		case <-ctx.Done():
			return wf, errors.Wrapf(ctx.Err(), "workflow %s still %s", id, wf.Status)
		case <-ticker.C:
		}
	}
}

func runList(cmd *cobra.Command, _ []string) error {
	rawStatuses, _ := cmd.Flags().GetStringSlice("status")
	var statuses []models.WorkflowStatus
	for _, s := range rawStatuses {
		status := models.WorkflowStatus(s)
		if !status.Valid() {
			return errors.Errorf("unknown status %q", s)
		}
		statuses = append(statuses, status)
	}

	return withApp(func(ctx context.Context, a *app.App, out io.Writer, _ []string) error {
		workflows, err := a.Workflows.ListWorkflows(ctx, statuses...)
		if err != nil {
			return err
		}
		if len(workflows) == 0 {
			fmt.Fprintf(out, "No workflows found.\n")
			return nil
		}
		fmt.Fprintf(out, "Workflows:\n")
		for _, wf := range workflows {
			fmt.Fprintf(out, "- ID: %s, Goal: %s, Status: %s, Created: %s\n",
				wf.ID, wf.Goal, wf.Status, wf.CreatedAt.Format(time.RFC3339))
		}
		return nil
	})(cmd, nil)
}

func runCancel(cmd *cobra.Command, args []string) error {
	reason, _ := cmd.Flags().GetString("reason")
	return withApp(func(ctx context.Context, a *app.App, out io.Writer, args []string) error {
		wf, err := a.Workflows.CancelWorkflow(ctx, args[0], reason)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "Cancelled workflow %s\n", wf.ID)
		return nil
	})(cmd, args)
}

func printJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
