// Package config loads graphrun settings. Values are layered: built-in
// defaults, the global file, the project file, GRAPHRUN_* environment
// variables and finally command-line flags.
package config

import "time"

// WorkerConfig defines one worker kind. Agent kinds share a CLI binary
// and differ by model and prompt.
type WorkerConfig struct {
	Type         string   `mapstructure:"type" yaml:"type"` // "shell", "exec", "claude", "codex" or "goose"
	Command      string   `mapstructure:"command" yaml:"command,omitempty"`
	Args         []string `mapstructure:"args" yaml:"args,omitempty"`
	Model        string   `mapstructure:"model" yaml:"model,omitempty"`
	Provider     string   `mapstructure:"provider" yaml:"provider,omitempty"` // Goose local LLM provider
	SystemPrompt string   `mapstructure:"system_prompt" yaml:"system_prompt,omitempty"`
}

// WorkspacesConfig configures the workspace pool.
type WorkspacesConfig struct {
	Max          int    `mapstructure:"max"`
	Root         string `mapstructure:"root"`
	Backend      string `mapstructure:"backend"` // "git" or "dir"
	RepoPath     string `mapstructure:"repo_path"`
	BaseBranch   string `mapstructure:"base_branch"`
	BranchPrefix string `mapstructure:"branch_prefix"`
	Recycle      bool   `mapstructure:"recycle"`
}

// SessionsConfig configures session supervision.
type SessionsConfig struct {
	Max            int                      `mapstructure:"max"` // Dispatch ceiling
	DefaultTimeout time.Duration            `mapstructure:"default_timeout"`
	Timeouts       map[string]time.Duration `mapstructure:"timeouts"` // Per task type
	KillGrace      time.Duration            `mapstructure:"kill_grace"`
	LogDir         string                   `mapstructure:"log_dir"`
	ResultFile     string                   `mapstructure:"result_file"`
}

// RetryConfig configures task retries.
type RetryConfig struct {
	MaxRetries  int           `mapstructure:"max_retries"`
	BackoffBase time.Duration `mapstructure:"backoff_base"`
	BackoffMax  time.Duration `mapstructure:"backoff_max"`
	Multiplier  float64       `mapstructure:"multiplier"`
	Jitter      float64       `mapstructure:"jitter"`
}

// CheckpointConfig configures the checkpoint store.
type CheckpointConfig struct {
	Path     string        `mapstructure:"path"`
	Interval time.Duration `mapstructure:"interval"` // Snapshot period, 0 disables
}

// GraphConfig configures graph construction.
type GraphConfig struct {
	MaxParallelism int `mapstructure:"max_parallelism"` // 0 means unbounded
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Config is the top-level configuration.
type Config struct {
	Workspaces WorkspacesConfig        `mapstructure:"workspaces"`
	Sessions   SessionsConfig          `mapstructure:"sessions"`
	Retry      RetryConfig             `mapstructure:"retry"`
	Policy     string                  `mapstructure:"policy"`
	Checkpoint CheckpointConfig        `mapstructure:"checkpoint"`
	Graph      GraphConfig             `mapstructure:"graph"`
	Workers    map[string]WorkerConfig `mapstructure:"workers"`
	Log        LogConfig               `mapstructure:"log"`
}
