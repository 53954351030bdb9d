package config

import (
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// DefaultConfig returns the built-in configuration.
func DefaultConfig() *Config {
	return &Config{
		Workspaces: WorkspacesConfig{
			Max:          4,
			Root:         filepath.Join(".graphrun", "workspaces"),
			Backend:      "git",
			RepoPath:     ".",
			BaseBranch:   "main",
			BranchPrefix: "graphrun",
		},
		Sessions: SessionsConfig{
			Max:            4,
			DefaultTimeout: 30 * time.Minute,
			Timeouts:       map[string]time.Duration{},
			KillGrace:      5 * time.Second,
			LogDir:         filepath.Join(".graphrun", "logs"),
			ResultFile:     filepath.Join(".graphrun", "result.json"),
		},
		Retry: RetryConfig{
			MaxRetries:  2,
			BackoffBase: time.Second,
			BackoffMax:  time.Minute,
			Multiplier:  2.0,
			Jitter:      0.2,
		},
		Policy: "fail-fast",
		Checkpoint: CheckpointConfig{
			Path:     filepath.Join(".graphrun", "state.db"),
			Interval: 30 * time.Second,
		},
		Workers: map[string]WorkerConfig{
			"shell":  {Type: "shell"},
			"claude": {Type: "claude", Command: "claude"},
			"codex":  {Type: "codex", Command: "codex"},
			"goose":  {Type: "goose", Command: "goose"},
		},
		Log: LogConfig{Level: "info", Format: "text"},
	}
}

// setDefaults registers every default key with v so that environment
// variables can override keys no file mentions.
func setDefaults(v *viper.Viper) {
	for key, value := range toMap(DefaultConfig()) {
		v.SetDefault(key, value)
	}
}

// toMap flattens cfg into dotted viper keys. Durations are written in
// their text form.
func toMap(cfg *Config) map[string]any {
	m := map[string]any{
		"workspaces.max":           cfg.Workspaces.Max,
		"workspaces.root":          cfg.Workspaces.Root,
		"workspaces.backend":       cfg.Workspaces.Backend,
		"workspaces.repo_path":     cfg.Workspaces.RepoPath,
		"workspaces.base_branch":   cfg.Workspaces.BaseBranch,
		"workspaces.branch_prefix": cfg.Workspaces.BranchPrefix,
		"workspaces.recycle":       cfg.Workspaces.Recycle,
		"sessions.max":             cfg.Sessions.Max,
		"sessions.default_timeout": cfg.Sessions.DefaultTimeout.String(),
		"sessions.kill_grace":      cfg.Sessions.KillGrace.String(),
		"sessions.log_dir":         cfg.Sessions.LogDir,
		"sessions.result_file":     cfg.Sessions.ResultFile,
		"retry.max_retries":        cfg.Retry.MaxRetries,
		"retry.backoff_base":       cfg.Retry.BackoffBase.String(),
		"retry.backoff_max":        cfg.Retry.BackoffMax.String(),
		"retry.multiplier":         cfg.Retry.Multiplier,
		"retry.jitter":             cfg.Retry.Jitter,
		"policy":                   cfg.Policy,
		"checkpoint.path":          cfg.Checkpoint.Path,
		"checkpoint.interval":      cfg.Checkpoint.Interval.String(),
		"graph.max_parallelism":    cfg.Graph.MaxParallelism,
		"log.level":                cfg.Log.Level,
		"log.format":               cfg.Log.Format,
	}
	for taskType, d := range cfg.Sessions.Timeouts {
		m["sessions.timeouts."+taskType] = d.String()
	}
	for name, w := range cfg.Workers {
		prefix := "workers." + name + "."
		m[prefix+"type"] = w.Type
		if w.Command != "" {
			m[prefix+"command"] = w.Command
		}
		if len(w.Args) > 0 {
			m[prefix+"args"] = w.Args
		}
		if w.Model != "" {
			m[prefix+"model"] = w.Model
		}
		if w.Provider != "" {
			m[prefix+"provider"] = w.Provider
		}
		if w.SystemPrompt != "" {
			m[prefix+"system_prompt"] = w.SystemPrompt
		}
	}
	return m
}
