package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/aristath/graphrun/internal/backend"
	"github.com/aristath/graphrun/internal/scheduler"
	"github.com/aristath/graphrun/internal/session"
)

// fakeExecutor simulates sessions without processes. behave decides the
// terminal state of each attempt; the zero value completes everything.
type fakeExecutor struct {
	delay  time.Duration
	delays map[string]time.Duration
	behave func(req session.Request) session.State

	mu         sync.Mutex
	running    int
	maxRunning int
	starts     map[string][]time.Time
	ends       map[string]time.Time
	calls      []string
}

func newFakeExecutor() *fakeExecutor {
	return &fakeExecutor{
		starts: make(map[string][]time.Time),
		ends:   make(map[string]time.Time),
	}
}

func (f *fakeExecutor) Execute(ctx context.Context, req session.Request) session.Outcome {
	started := time.Now()
	f.mu.Lock()
	f.running++
	if f.running > f.maxRunning {
		f.maxRunning = f.running
	}
	f.starts[req.Task.ID] = append(f.starts[req.Task.ID], started)
	f.calls = append(f.calls, req.Task.ID)
	delay := f.delay
	if d, ok := f.delays[req.Task.ID]; ok {
		delay = d
	}
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		f.running--
		f.ends[req.Task.ID] = time.Now()
		f.mu.Unlock()
	}()

	out := session.Outcome{
		SessionID: req.Task.ID + "-session",
		TaskID:    req.Task.ID,
		Attempt:   req.Attempt,
		Host:      LocalHost,
		StartedAt: started,
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
		out.State = session.StateKilled
		out.Err = session.ErrKilled
		out.ExitCode = -1
		return out
	}

	out.State = session.StateCompleted
	if f.behave != nil {
		out.State = f.behave(req)
	}
	switch out.State {
	case session.StateCompleted:
		out.Result = backend.Result{Success: true, Message: "done " + req.Task.ID}
	case session.StateFailed:
		out.ExitCode = 1
		out.Err = errors.New("exit status 1")
	case session.StateTimedOut:
		out.Err = &session.TimeoutError{Deadline: delay}
	}
	out.EndedAt = time.Now()
	out.Duration = out.EndedAt.Sub(started)
	return out
}

func (f *fakeExecutor) callsOf(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.starts[id])
}

func (f *fakeExecutor) firstStart(id string) time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.starts[id][0]
}

func (f *fakeExecutor) end(id string) time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ends[id]
}

func failing(ids ...string) func(session.Request) session.State {
	set := make(map[string]bool)
	for _, id := range ids {
		set[id] = true
	}
	return func(req session.Request) session.State {
		if set[req.Task.ID] {
			return session.StateFailed
		}
		return session.StateCompleted
	}
}

func task(id string, deps ...string) *scheduler.Task {
	return &scheduler.Task{ID: id, Title: "task " + id, DependsOn: deps, Command: "true"}
}

func buildGraph(t *testing.T, tasks ...*scheduler.Task) *scheduler.TaskGraph {
	t.Helper()
	g, err := scheduler.Build(tasks, nil, scheduler.BuildOptions{})
	require.NoError(t, err)
	return g
}

func fastRetry(maxRetries int) RetryPolicy {
	return RetryPolicy{MaxRetries: maxRetries, BackoffBase: time.Millisecond, BackoffMax: 5 * time.Millisecond, Multiplier: 2}
}

func newTestScheduler(t *testing.T, cfg SchedulerConfig) *Scheduler {
	t.Helper()
	if cfg.RunID == "" {
		cfg.RunID = "run-test"
	}
	s, err := NewScheduler(cfg)
	require.NoError(t, err)
	return s
}

func outcomeOf(t *testing.T, r *Report, id string) TaskOutcome {
	t.Helper()
	for _, o := range r.Tasks {
		if o.TaskID == id {
			return o
		}
	}
	t.Fatalf("task %s missing from report", id)
	return TaskOutcome{}
}
