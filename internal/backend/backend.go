package backend

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Worker turns a task invocation into a process command. Each worker kind
// implements it; the task's declared worker kind selects the implementation.
type Worker interface {
	Kind() string
	Command(inv Invocation) (Command, error)
}

// New creates a worker for the given configuration.
// This factory function switches on cfg.Type.
func New(cfg Config) (Worker, error) {
	switch cfg.Type {
	case "shell":
		return &ShellWorker{Shell: cfg.Command, ExtraArgs: cfg.Args}, nil
	case "exec":
		return &ExecWorker{}, nil
	case "claude":
		return NewClaudeWorker(cfg), nil
	case "codex":
		return NewCodexWorker(cfg), nil
	case "goose":
		return NewGooseWorker(cfg), nil
	default:
		return nil, fmt.Errorf("unknown worker type: %s", cfg.Type)
	}
}

// DefaultKind is used for tasks that declare no worker kind.
const DefaultKind = "shell"

// Registry maps worker kind names to workers.
type Registry struct {
	workers map[string]Worker
}

// NewRegistry builds a registry from named configurations. The "shell" and
// "exec" kinds are always available.
func NewRegistry(configs map[string]Config) (*Registry, error) {
	r := &Registry{workers: map[string]Worker{
		"shell": &ShellWorker{},
		"exec":  &ExecWorker{},
	}}
	for name, cfg := range configs {
		if cfg.Type == "" {
			cfg.Type = name
		}
		w, err := New(cfg)
		if err != nil {
			return nil, fmt.Errorf("worker %q: %w", name, err)
		}
		r.workers[strings.ToLower(name)] = w
	}
	return r, nil
}

// Register adds or replaces a worker under the given kind.
func (r *Registry) Register(kind string, w Worker) {
	r.workers[strings.ToLower(kind)] = w
}

// Lookup returns the worker for kind, falling back to DefaultKind when kind
// is empty.
func (r *Registry) Lookup(kind string) (Worker, error) {
	if kind == "" {
		kind = DefaultKind
	}
	w, ok := r.workers[strings.ToLower(kind)]
	if !ok {
		return nil, fmt.Errorf("unknown worker kind %q (known: %s)", kind, strings.Join(r.Kinds(), ", "))
	}
	return w, nil
}

// Kinds lists the registered kinds in sorted order.
func (r *Registry) Kinds() []string {
	kinds := make([]string, 0, len(r.workers))
	for k := range r.workers {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

// ShellWorker runs the task command through a shell.
type ShellWorker struct {
	Shell     string // defaults to "sh"
	ExtraArgs []string
}

func (w *ShellWorker) Kind() string { return "shell" }

// Command builds `sh -c <prompt>`.
func (w *ShellWorker) Command(inv Invocation) (Command, error) {
	if strings.TrimSpace(inv.Prompt) == "" {
		return Command{}, errors.New("shell worker: empty command")
	}
	shell := w.Shell
	if shell == "" {
		shell = "sh"
	}
	args := append([]string(nil), w.ExtraArgs...)
	args = append(args, "-c", inv.Prompt)
	args = append(args, inv.Args...)
	return Command{Name: shell, Args: args, Env: baseEnv(inv), Dir: inv.WorkDir}, nil
}

// ExecWorker runs the task command as an executable with the task args,
// without a shell.
type ExecWorker struct{}

func (w *ExecWorker) Kind() string { return "exec" }

// Command builds `<prompt> <args...>`.
func (w *ExecWorker) Command(inv Invocation) (Command, error) {
	if strings.TrimSpace(inv.Prompt) == "" {
		return Command{}, errors.New("exec worker: empty executable")
	}
	return Command{
		Name: inv.Prompt,
		Args: append([]string(nil), inv.Args...),
		Env:  baseEnv(inv),
		Dir:  inv.WorkDir,
	}, nil
}
