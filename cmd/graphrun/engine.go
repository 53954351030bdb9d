package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/aristath/graphrun/internal/backend"
	"github.com/aristath/graphrun/internal/balancer"
	"github.com/aristath/graphrun/internal/config"
	"github.com/aristath/graphrun/internal/events"
	"github.com/aristath/graphrun/internal/logging"
	"github.com/aristath/graphrun/internal/metrics"
	"github.com/aristath/graphrun/internal/orchestrator"
	"github.com/aristath/graphrun/internal/persistence"
	"github.com/aristath/graphrun/internal/session"
	"github.com/aristath/graphrun/internal/worktree"
)

const shutdownTimeout = 10 * time.Second

// engine is one fully wired orchestrator: store, workspace pool, session
// supervisor behind the balancer, and the service driving runs.
type engine struct {
	cfg       *config.Config
	log       *slog.Logger
	bus       *events.EventBus
	store     *persistence.SQLiteStore
	pool      *worktree.Pool
	balancer  *balancer.Balancer
	service   *orchestrator.Service
	metrics   *http.Server
	collector *metrics.Collector
}

// loadConfig loads configuration with the command's flags as the top layer
// and builds the logger it asks for.
func (a *app) loadConfig(cmd *cobra.Command) (*config.Config, *slog.Logger, error) {
	cfg, err := config.LoadDefault(cmd.Flags())
	if err != nil {
		return nil, nil, err
	}
	logger, err := logging.New(logging.Config{
		Level:  cfg.Log.Level,
		Format: logging.Format(cfg.Log.Format),
		Output: a.errOut,
	})
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}

// openStore opens the checkpoint database named by the configuration.
func openStore(ctx context.Context, cfg *config.Config) (*persistence.SQLiteStore, error) {
	store, err := persistence.NewSQLiteStore(ctx, cfg.Checkpoint.Path)
	if err != nil {
		return nil, fmt.Errorf("opening checkpoint store %s: %w", cfg.Checkpoint.Path, err)
	}
	return store, nil
}

// newWorkspaceBackend returns the configured checkout backend.
func newWorkspaceBackend(cfg *config.Config) worktree.Backend {
	if cfg.Workspaces.Backend == "dir" {
		return &worktree.DirBackend{}
	}
	return worktree.NewGitBackend(worktree.GitConfig{
		RepoPath:   cfg.Workspaces.RepoPath,
		BaseBranch: cfg.Workspaces.BaseBranch,
	})
}

// newEngine wires every component from cfg.
func (a *app) newEngine(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*engine, error) {
	e := &engine{cfg: cfg, log: logger, bus: events.NewEventBus()}

	store, err := openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	e.store = store

	pool, err := worktree.NewPool(worktree.PoolConfig{
		Capacity:     cfg.Workspaces.Max,
		Root:         cfg.Workspaces.Root,
		BranchPrefix: cfg.Workspaces.BranchPrefix,
		Recycle:      cfg.Workspaces.Recycle,
		Backend:      newWorkspaceBackend(cfg),
		Bus:          e.bus,
		Logger:       logger,
	})
	if err != nil {
		store.Close()
		return nil, err
	}
	e.pool = pool

	workers, err := backend.NewRegistry(cfg.WorkerConfigs())
	if err != nil {
		store.Close()
		return nil, err
	}
	supervisor, err := session.NewSupervisor(session.SupervisorConfig{
		Launcher: backend.NewLauncher(a.pm),
		Workers:  workers,
		Timeouts: session.Timeouts{
			Default: cfg.Sessions.DefaultTimeout,
			PerType: cfg.Sessions.Timeouts,
		},
		LogDir:     cfg.Sessions.LogDir,
		ResultFile: cfg.Sessions.ResultFile,
		KillGrace:  cfg.Sessions.KillGrace,
		Logger:     logger,
	})
	if err != nil {
		store.Close()
		return nil, err
	}

	e.balancer = balancer.New(balancer.Config{Logger: logger})
	local := orchestrator.NewLocalExecutor(pool, supervisor, logger)
	if err := e.balancer.Register(balancer.NewLocalHost(orchestrator.LocalHost, local)); err != nil {
		store.Close()
		return nil, err
	}

	e.service, err = orchestrator.NewService(orchestrator.ServiceConfig{
		Store:    store,
		Executor: e.balancer,
		Pool:     pool,
		Bus:      e.bus,
		Logger:   logger,
	})
	if err != nil {
		store.Close()
		return nil, err
	}
	return e, nil
}

// runOptions maps configuration onto per-run options.
func runOptions(cfg *config.Config) (orchestrator.RunOptions, error) {
	policy, err := orchestrator.ParsePolicy(cfg.Policy)
	if err != nil {
		return orchestrator.RunOptions{}, err
	}
	return orchestrator.RunOptions{
		MaxSessions:    cfg.Sessions.Max,
		MaxParallelism: cfg.Graph.MaxParallelism,
		Policy:         policy,
		Retry: orchestrator.RetryPolicy{
			MaxRetries:  cfg.Retry.MaxRetries,
			BackoffBase: cfg.Retry.BackoffBase,
			BackoffMax:  cfg.Retry.BackoffMax,
			Multiplier:  cfg.Retry.Multiplier,
			Jitter:      cfg.Retry.Jitter,
		},
		SnapshotInterval: cfg.Checkpoint.Interval,
	}, nil
}

// serveMetrics exposes a collector fed from the engine's bus on addr.
// It returns once the listener is bound.
func (e *engine) serveMetrics(ctx context.Context, addr string) error {
	registry := prometheus.NewRegistry()
	e.collector = metrics.NewCollector(registry, e.bus)
	go e.collector.Run(ctx, e.bus.SubscribeAll(0))

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("metrics listener: %w", err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler(registry))
	e.metrics = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := e.metrics.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			e.log.Error("metrics server stopped", "err", err)
		}
	}()
	e.log.Info("serving metrics", "addr", ln.Addr().String())
	return nil
}

// wait blocks until the run ends. If ctx is cancelled first the service is
// shut down, which cancels the run, and the partial report is returned.
func (e *engine) wait(ctx context.Context, runID string) (*orchestrator.Report, error) {
	report, err := e.service.Wait(ctx, runID)
	if err == nil || ctx.Err() == nil {
		return report, err
	}

	e.log.Warn("interrupted, cancelling run", "run_id", runID)
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := e.service.Shutdown(shutdownCtx); err != nil {
		return nil, err
	}
	return e.service.Wait(shutdownCtx, runID)
}

// Close releases the engine: the metrics server, the workspace pool, the
// event bus and the store, in that order.
func (e *engine) Close(ctx context.Context) error {
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()

	var errs []error
	if e.metrics != nil {
		errs = append(errs, e.metrics.Shutdown(shutdownCtx))
	}
	errs = append(errs, e.pool.Shutdown(shutdownCtx))
	e.bus.Close()
	errs = append(errs, e.store.Close())
	return errors.Join(errs...)
}
