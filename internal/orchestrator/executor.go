package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/aristath/graphrun/internal/logging"
	"github.com/aristath/graphrun/internal/session"
	"github.com/aristath/graphrun/internal/worktree"
)

// LocalHost is the host name reported for sessions run in this process.
const LocalHost = "local"

// LocalExecutor runs sessions on this machine: it acquires a workspace,
// supervises the worker inside it and releases the workspace afterwards.
type LocalExecutor struct {
	pool       *worktree.Pool
	supervisor *session.Supervisor
	log        *slog.Logger
	now        func() time.Time
}

// NewLocalExecutor creates an executor backed by pool and supervisor.
func NewLocalExecutor(pool *worktree.Pool, supervisor *session.Supervisor, logger *slog.Logger) *LocalExecutor {
	return &LocalExecutor{
		pool:       pool,
		supervisor: supervisor,
		log:        logging.OrDiscard(logger),
		now:        time.Now,
	}
}

// Execute implements session.Executor. The workspace is released on every
// path, after the worker process is gone.
func (e *LocalExecutor) Execute(ctx context.Context, req session.Request) session.Outcome {
	started := e.now()

	// The reservation reaches OnWorkspace before the checkout exists.
	var reserved worktree.Workspace
	lease, err := e.pool.AcquireReserved(ctx, req.Task.ID, func(ws worktree.Workspace) {
		reserved = ws
		if req.OnWorkspace != nil {
			req.OnWorkspace(ws)
		}
	})
	if err != nil {
		if req.OnWorkspace != nil && reserved.Path != "" {
			reserved.Status = worktree.StatusRemoved
			req.OnWorkspace(reserved)
		}
		state := session.StateFailed
		if ctx.Err() != nil {
			state = session.StateKilled
			err = fmt.Errorf("%w: %v", session.ErrKilled, err)
		}
		ended := e.now()
		return session.Outcome{
			TaskID:    req.Task.ID,
			Attempt:   req.Attempt,
			State:     state,
			ExitCode:  -1,
			Err:       err,
			Host:      LocalHost,
			StartedAt: started,
			EndedAt:   ended,
			Duration:  ended.Sub(started),
		}
	}
	if req.OnWorkspace != nil && lease.Workspace.Path != reserved.Path {
		req.OnWorkspace(lease.Workspace)
	}

	out := e.supervisor.Run(ctx, req.Task, lease.Workspace, req.Attempt)
	out.Host = LocalHost

	released, err := lease.Release(context.WithoutCancel(ctx))
	if err != nil && !errors.Is(err, worktree.ErrPoolClosed) {
		e.log.Warn("workspace teardown failed", "task_id", req.Task.ID, "path", released.Path, "err", err)
	}
	if req.OnWorkspace != nil && released.Path != "" {
		req.OnWorkspace(released)
	}
	return out
}
