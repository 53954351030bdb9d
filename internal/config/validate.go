package config

import (
	"errors"
	"fmt"
	"path/filepath"

	"github.com/aristath/graphrun/internal/backend"
	"github.com/aristath/graphrun/internal/logging"
)

// Validate rejects settings the run could not honor.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if c.Workspaces.Max <= 0 {
		add("workspaces.max must be positive, got %d", c.Workspaces.Max)
	}
	if c.Workspaces.Root == "" {
		add("workspaces.root must be set")
	}
	switch c.Workspaces.Backend {
	case "git", "dir":
	default:
		add("workspaces.backend must be \"git\" or \"dir\", got %q", c.Workspaces.Backend)
	}

	if c.Sessions.Max <= 0 {
		add("sessions.max must be positive, got %d", c.Sessions.Max)
	}
	if c.Sessions.DefaultTimeout <= 0 {
		add("sessions.default_timeout must be positive, got %s", c.Sessions.DefaultTimeout)
	}
	for taskType, d := range c.Sessions.Timeouts {
		if d <= 0 {
			add("sessions.timeouts.%s must be positive, got %s", taskType, d)
		}
	}
	if c.Sessions.KillGrace < 0 {
		add("sessions.kill_grace must not be negative, got %s", c.Sessions.KillGrace)
	}
	if filepath.IsAbs(c.Sessions.ResultFile) {
		add("sessions.result_file must be relative to the workspace, got %q", c.Sessions.ResultFile)
	}

	if c.Retry.MaxRetries < 0 {
		add("retry.max_retries must not be negative, got %d", c.Retry.MaxRetries)
	}
	if c.Retry.BackoffBase < 0 || c.Retry.BackoffMax < 0 {
		add("retry backoff durations must not be negative")
	}
	if c.Retry.Multiplier != 0 && c.Retry.Multiplier < 1 {
		add("retry.multiplier must be at least 1, got %g", c.Retry.Multiplier)
	}
	if c.Retry.Jitter < 0 || c.Retry.Jitter > 1 {
		add("retry.jitter must be within [0, 1], got %g", c.Retry.Jitter)
	}

	switch c.Policy {
	case "fail-fast", "continue":
	default:
		add("policy must be \"fail-fast\" or \"continue\", got %q", c.Policy)
	}
	if c.Checkpoint.Interval < 0 {
		add("checkpoint.interval must not be negative, got %s", c.Checkpoint.Interval)
	}
	if c.Graph.MaxParallelism < 0 {
		add("graph.max_parallelism must not be negative, got %d", c.Graph.MaxParallelism)
	}

	if _, err := backend.NewRegistry(c.WorkerConfigs()); err != nil {
		add("workers: %v", err)
	}
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		add("log.level: %v", err)
	}
	switch logging.Format(c.Log.Format) {
	case logging.FormatText, logging.FormatJSON, "":
	default:
		add("log.format must be \"text\" or \"json\", got %q", c.Log.Format)
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %w", errors.Join(errs...))
	}
	return nil
}

// WorkerConfigs converts the worker section for backend.NewRegistry.
func (c *Config) WorkerConfigs() map[string]backend.Config {
	out := make(map[string]backend.Config, len(c.Workers))
	for name, w := range c.Workers {
		out[name] = backend.Config{
			Type:         w.Type,
			Command:      w.Command,
			Args:         w.Args,
			Model:        w.Model,
			Provider:     w.Provider,
			SystemPrompt: w.SystemPrompt,
		}
	}
	return out
}
