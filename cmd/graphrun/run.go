package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/aristath/graphrun/internal/orchestrator"
	"github.com/aristath/graphrun/internal/plan"
	"github.com/aristath/graphrun/internal/report"
)

func newRunCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run <task-file>",
		Short: "Execute a task file",
		Long: `Execute the tasks of a YAML or JSON task file and print the run report.

The exit status is 0 when every task completed, 2 for a partial failure
and 1 when the run failed or could not start.

Examples:
  graphrun run tasks.yaml
  graphrun run tasks.yaml --policy continue --max-sessions 8
  graphrun run tasks.json --backend dir --json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.run(cmd, args[0])
		},
	}
	addExecutionFlags(cmd)
	return cmd
}

func (a *app) run(cmd *cobra.Command, path string) error {
	ctx := cmd.Context()

	cfg, logger, err := a.loadConfig(cmd)
	if err != nil {
		return err
	}
	p, err := plan.Load(path)
	if err != nil {
		return err
	}
	opts, err := runOptions(cfg)
	if err != nil {
		return err
	}

	e, err := a.newEngine(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer e.Close(ctx)

	f, err := a.attach(cmd, e)
	if err != nil {
		return err
	}
	runID, err := e.service.Submit(ctx, orchestrator.Submission{Tasks: p.Tasks, Edges: p.Edges, Options: opts})
	if err != nil {
		return err
	}
	logger.Info("run submitted", "run_id", runID, "tasks", len(p.Tasks))

	return a.finish(cmd, e, f, runID)
}

// follower is the output side of one run: the metrics collector and the
// progress printer, both subscribed to the engine's bus.
type follower struct {
	asJSON   bool
	printer  *report.Printer
	followed chan struct{}
}

// attach subscribes the metrics collector and the progress printer. It runs
// before the run is submitted or resumed so the first events reach both.
func (a *app) attach(cmd *cobra.Command, e *engine) (*follower, error) {
	flags := cmd.Flags()
	if addr, _ := flags.GetString("metrics-addr"); addr != "" {
		if err := e.serveMetrics(cmd.Context(), addr); err != nil {
			return nil, err
		}
	}

	asJSON, _ := flags.GetBool("json")
	quiet, _ := flags.GetBool("quiet")
	f := &follower{asJSON: asJSON, printer: report.NewPrinter(a.out), followed: make(chan struct{})}
	if asJSON || quiet {
		close(f.followed)
		return f, nil
	}
	ch := e.bus.SubscribeAll(0)
	go func() {
		defer close(f.followed)
		f.printer.Follow(ch)
	}()
	return f, nil
}

// finish waits for runID and prints its report.
func (a *app) finish(cmd *cobra.Command, e *engine, f *follower, runID string) error {
	rep, err := e.wait(cmd.Context(), runID)
	if err != nil {
		return err
	}
	// Closing the bus ends the progress stream before the report is printed.
	e.bus.Close()
	<-f.followed

	if f.asJSON {
		if err := report.JSON(a.out, rep); err != nil {
			return err
		}
	} else {
		fmt.Fprintln(a.out)
		if err := f.printer.Report(rep); err != nil {
			return err
		}
	}
	return statusError(rep)
}

// statusError maps a finished run onto the process exit status.
func statusError(rep *orchestrator.Report) error {
	switch rep.Status {
	case orchestrator.RunSuccess:
		return nil
	case orchestrator.RunPartialFailure:
		return &exitError{code: 2, status: string(rep.Status)}
	default:
		return &exitError{code: 1, status: string(rep.Status)}
	}
}

func newResumeCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "resume <run-id>",
		Short: "Resume an interrupted run from its checkpoints",
		Long: `Resume a run that did not finish. Completed tasks are kept, tasks that
were running when the process stopped start over, and workspaces the run
still held are removed first. Scheduling options are the ones the run was
submitted with; the flags here only shape workspaces and workers.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.resume(cmd, args[0])
		},
	}
	addExecutionFlags(cmd)
	return cmd
}

func (a *app) resume(cmd *cobra.Command, runID string) error {
	ctx := cmd.Context()

	cfg, logger, err := a.loadConfig(cmd)
	if err != nil {
		return err
	}
	e, err := a.newEngine(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer e.Close(ctx)

	f, err := a.attach(cmd, e)
	if err != nil {
		return err
	}
	if err := e.service.Resume(ctx, runID); err != nil {
		return err
	}
	return a.finish(cmd, e, f, runID)
}
