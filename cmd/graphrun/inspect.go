package main

import (
	"context"
	"errors"

	"github.com/spf13/cobra"

	"github.com/aristath/graphrun/internal/orchestrator"
	"github.com/aristath/graphrun/internal/plan"
	"github.com/aristath/graphrun/internal/report"
	"github.com/aristath/graphrun/internal/scheduler"
	"github.com/aristath/graphrun/internal/session"
)

func newStatusCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status <run-id>",
		Short: "Show the task statuses of a run",
		Long: `Show a run's task statuses, rebuilt from its checkpoint log. Works for
finished runs and for runs another process is executing.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, logger, err := a.loadConfig(cmd)
			if err != nil {
				return err
			}
			store, err := openStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			// The service needs an executor but never runs one here.
			svc, err := orchestrator.NewService(orchestrator.ServiceConfig{
				Store:    store,
				Executor: noExecutor{},
				Logger:   logger,
			})
			if err != nil {
				return err
			}
			view, err := svc.Status(ctx, args[0])
			if err != nil {
				return err
			}
			if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
				return report.JSON(a.out, view)
			}
			return report.NewPrinter(a.out).View(view)
		},
	}
	cmd.Flags().Bool("json", false, "print JSON")
	return cmd
}

func newRunsCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List recorded runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, _, err := a.loadConfig(cmd)
			if err != nil {
				return err
			}
			store, err := openStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			runs, err := store.ListRuns(ctx)
			if err != nil {
				return err
			}
			if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
				return report.JSON(a.out, runs)
			}
			return report.NewPrinter(a.out).Runs(runs)
		},
	}
	cmd.Flags().Bool("json", false, "print JSON")
	return cmd
}

func newValidateCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <task-file>",
		Short: "Check a task file and print its execution levels",
		Long: `Parse a task file and build its graph without running anything. Cycles,
dangling dependencies, duplicate IDs and oversized levels are reported.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := a.loadConfig(cmd)
			if err != nil {
				return err
			}
			p, err := plan.Load(args[0])
			if err != nil {
				return err
			}
			g, err := p.Graph(scheduler.BuildOptions{MaxParallelism: cfg.Graph.MaxParallelism})
			if err != nil {
				return err
			}
			return report.NewPrinter(a.out).Plan(g)
		},
	}
	return cmd
}

// noExecutor backs services that only answer queries.
type noExecutor struct{}

func (noExecutor) Execute(ctx context.Context, req session.Request) session.Outcome {
	return session.Outcome{
		TaskID:  req.Task.ID,
		Attempt: req.Attempt,
		State:   session.StateFailed,
		Err:     errors.New("no executor configured"),
	}
}
