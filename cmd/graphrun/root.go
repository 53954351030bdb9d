package main

import (
	"io"

	"github.com/spf13/cobra"

	"github.com/aristath/graphrun/internal/backend"
)

// app holds what every command shares: the process manager and the
// output streams.
type app struct {
	pm     *backend.ProcessManager
	out    io.Writer
	errOut io.Writer
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:   "graphrun",
		Short: "Run dependency graphs of agent and shell tasks in isolated workspaces",
		Long: `graphrun executes a task graph level by level. Every task gets its own
workspace and worker process; failures are retried with backoff and the run
is checkpointed so it can be resumed after a crash.

Configuration is read from ~/.graphrun/config.yaml, then .graphrun/config.yaml,
then GRAPHRUN_* environment variables, then flags.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(a.out)
	root.SetErr(a.errOut)

	flags := root.PersistentFlags()
	flags.String("log-level", "", "log level (debug, info, warn, error)")
	flags.String("log-format", "", "log format (text or json)")
	flags.String("checkpoint", "", "checkpoint database path")

	root.AddCommand(
		newRunCmd(a),
		newResumeCmd(a),
		newStatusCmd(a),
		newRunsCmd(a),
		newValidateCmd(a),
		newPruneCmd(a),
		newConfigCmd(a),
	)
	return root
}

// addExecutionFlags registers the flags that shape how a run executes.
func addExecutionFlags(cmd *cobra.Command) {
	flags := cmd.Flags()
	flags.Int("max-sessions", 0, "maximum concurrent sessions")
	flags.Int("max-workspaces", 0, "maximum concurrent workspaces")
	flags.String("policy", "", "failure policy (fail-fast or continue)")
	flags.Int("max-retries", 0, "retries per task after the first attempt")
	flags.Duration("timeout", 0, "default session timeout")
	flags.String("backend", "", "workspace backend (git or dir)")
	flags.String("repo", "", "repository the git backend checks out from")
	flags.String("metrics-addr", "", "serve Prometheus metrics on this address while running")
	flags.Bool("json", false, "print the report as JSON")
	flags.Bool("quiet", false, "do not print progress lines")
}
