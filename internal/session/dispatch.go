package session

import (
	"context"

	"github.com/aristath/graphrun/internal/scheduler"
	"github.com/aristath/graphrun/internal/worktree"
)

// Request asks an executor to run one attempt of one task.
type Request struct {
	RunID   string
	Task    *scheduler.Task // A private copy; executors must not share it
	Attempt int

	// OnWorkspace, when set, is called once the workspace is reserved or
	// acquired and again after it was released or its checkout failed.
	OnWorkspace func(worktree.Workspace)
}

// Executor runs a request to completion and reports a terminal Outcome.
// Implementations must not return before the worker process is gone.
type Executor interface {
	Execute(ctx context.Context, req Request) Outcome
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, req Request) Outcome

// Execute calls f.
func (f ExecutorFunc) Execute(ctx context.Context, req Request) Outcome { return f(ctx, req) }
