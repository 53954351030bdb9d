package session

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/graphrun/internal/backend"
	"github.com/aristath/graphrun/internal/scheduler"
	"github.com/aristath/graphrun/internal/worktree"
)

func newSupervisor(t *testing.T, mutate ...func(*SupervisorConfig)) *Supervisor {
	t.Helper()
	registry, err := backend.NewRegistry(nil)
	require.NoError(t, err)

	cfg := SupervisorConfig{
		Launcher:  backend.NewLauncher(backend.NewProcessManager()),
		Workers:   registry,
		Timeouts:  Timeouts{Default: 10 * time.Second},
		LogDir:    t.TempDir(),
		KillGrace: 50 * time.Millisecond,
	}
	for _, m := range mutate {
		m(&cfg)
	}
	s, err := NewSupervisor(cfg)
	require.NoError(t, err)
	return s
}

func newWorkspace(t *testing.T) worktree.Workspace {
	return worktree.Workspace{Slot: 0, Path: t.TempDir(), Branch: "graphrun/test", Status: worktree.StatusActive}
}

func shellTask(id, command string) *scheduler.Task {
	return &scheduler.Task{ID: id, WorkerKind: "shell", Command: command}
}

// processAlive treats zombies as dead.
func processAlive(pid int) bool {
	if syscall.Kill(pid, 0) != nil {
		return false
	}
	stat, err := os.ReadFile(fmt.Sprintf("/proc/%d/stat", pid))
	if err != nil {
		return true
	}
	return !strings.Contains(string(stat), ") Z ")
}

func readPID(t *testing.T, path string) int {
	t.Helper()
	var pid int
	require.Eventually(t, func() bool {
		data, err := os.ReadFile(path)
		if err != nil {
			return false
		}
		pid, err = strconv.Atoi(strings.TrimSpace(string(data)))
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)
	return pid
}

func TestNewSupervisorValidates(t *testing.T) {
	_, err := NewSupervisor(SupervisorConfig{})
	assert.Error(t, err)

	registry, _ := backend.NewRegistry(nil)
	_, err = NewSupervisor(SupervisorConfig{Launcher: backend.NewLauncher(nil), Workers: registry, ResultFile: "/abs/result.json"})
	assert.Error(t, err)
}

func TestRunCompleted(t *testing.T) {
	s := newSupervisor(t)
	ws := newWorkspace(t)
	task := shellTask("build", `echo "{\"success\":true,\"message\":\"attempt $GRAPHRUN_ATTEMPT\",\"metrics\":{\"files\":3}}" > "$GRAPHRUN_RESULT_PATH"`)

	out := s.Run(context.Background(), task, ws, 3)

	require.NoError(t, out.Err)
	assert.Equal(t, StateCompleted, out.State)
	assert.True(t, out.Succeeded())
	assert.Equal(t, "attempt 3", out.Result.Message)
	assert.Equal(t, map[string]float64{"files": 3}, out.Result.Metrics)
	assert.Equal(t, 0, out.ExitCode)
	assert.Equal(t, "build", out.TaskID)
	assert.Equal(t, 3, out.Attempt)
	assert.Equal(t, ws, out.Workspace)
	assert.NotEmpty(t, out.SessionID)
	assert.FileExists(t, out.OutputPath)
	assert.FileExists(t, filepath.Join(ws.Path, ".graphrun", "result.json"))
}

func TestRunNonZeroExit(t *testing.T) {
	s := newSupervisor(t)
	out := s.Run(context.Background(), shellTask("lint", "echo 'lint: 2 problems' >&2; exit 4"), newWorkspace(t), 1)

	assert.Equal(t, StateFailed, out.State)
	assert.Equal(t, 4, out.ExitCode)
	require.ErrorIs(t, out.Err, ErrNonZeroExit)
	var exitErr *ExitError
	require.ErrorAs(t, out.Err, &exitErr)
	assert.Equal(t, 4, exitErr.Code)
	assert.Equal(t, "lint: 2 problems", out.StderrTail)
	assert.True(t, out.Retryable())
}

func TestRunMissingResult(t *testing.T) {
	s := newSupervisor(t)
	out := s.Run(context.Background(), shellTask("noop", "true"), newWorkspace(t), 1)

	assert.Equal(t, StateFailed, out.State)
	assert.ErrorIs(t, out.Err, ErrUnparseableResult)
}

func TestRunDropsStaleResult(t *testing.T) {
	s := newSupervisor(t)
	ws := newWorkspace(t)
	stale := filepath.Join(ws.Path, ".graphrun", "result.json")
	require.NoError(t, os.MkdirAll(filepath.Dir(stale), 0755))
	require.NoError(t, os.WriteFile(stale, []byte(`{"success":true}`), 0644))

	out := s.Run(context.Background(), shellTask("noop", "true"), ws, 2)

	assert.Equal(t, StateFailed, out.State)
	assert.ErrorIs(t, out.Err, ErrUnparseableResult)
}

func TestRunGarbageResult(t *testing.T) {
	s := newSupervisor(t)
	out := s.Run(context.Background(), shellTask("garbage", `echo 'not json' > "$GRAPHRUN_RESULT_PATH"`), newWorkspace(t), 1)

	assert.Equal(t, StateFailed, out.State)
	assert.ErrorIs(t, out.Err, ErrUnparseableResult)
}

func TestRunReportedFailure(t *testing.T) {
	s := newSupervisor(t)
	out := s.Run(context.Background(), shellTask("test", `echo '{"success":false,"message":"3 tests failed"}' > "$GRAPHRUN_RESULT_PATH"`), newWorkspace(t), 1)

	assert.Equal(t, StateFailed, out.State)
	assert.ErrorIs(t, out.Err, ErrReportedFailure)
	assert.Contains(t, out.Message(), "3 tests failed")
	assert.True(t, out.Retryable())
}

func TestRunTimeoutLeavesNoProcess(t *testing.T) {
	s := newSupervisor(t)
	ws := newWorkspace(t)
	pidFile := filepath.Join(ws.Path, "child.pid")
	task := shellTask("slow", "sleep 30 & echo $! > child.pid; wait")
	task.Timeout = 200 * time.Millisecond

	start := time.Now()
	out := s.Run(context.Background(), task, ws, 1)

	assert.Less(t, time.Since(start), 5*time.Second)
	assert.Equal(t, StateTimedOut, out.State)
	require.ErrorIs(t, out.Err, ErrTimedOut)
	var timeoutErr *TimeoutError
	require.ErrorAs(t, out.Err, &timeoutErr)
	assert.Equal(t, 200*time.Millisecond, timeoutErr.Deadline)
	assert.True(t, out.Retryable())

	child := readPID(t, pidFile)
	assert.Eventually(t, func() bool { return !processAlive(child) }, 2*time.Second, 10*time.Millisecond, "worker child outlived its session")
}

func TestRunCancelledIsKilled(t *testing.T) {
	s := newSupervisor(t)
	ws := newWorkspace(t)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan Outcome, 1)
	go func() { done <- s.Run(ctx, shellTask("long", "echo $$ > leader.pid; sleep 30"), ws, 1) }()

	leader := readPID(t, filepath.Join(ws.Path, "leader.pid"))
	cancel()

	select {
	case out := <-done:
		assert.Equal(t, StateKilled, out.State)
		assert.ErrorIs(t, out.Err, ErrKilled)
		assert.False(t, out.Retryable())
	case <-time.After(5 * time.Second):
		t.Fatal("session did not stop after cancellation")
	}
	assert.False(t, processAlive(leader))
}

func TestRunCancelledBeforeSpawn(t *testing.T) {
	s := newSupervisor(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	out := s.Run(ctx, shellTask("never", "true"), newWorkspace(t), 1)
	assert.Equal(t, StateKilled, out.State)
	assert.ErrorIs(t, out.Err, ErrKilled)
}

func TestRunSpawnFailed(t *testing.T) {
	s := newSupervisor(t)
	task := &scheduler.Task{ID: "missing", WorkerKind: "exec", Command: "/no/such/binary"}

	out := s.Run(context.Background(), task, newWorkspace(t), 1)

	assert.Equal(t, StateFailed, out.State)
	assert.True(t, errors.Is(out.Err, backend.ErrSpawnFailed))
	assert.True(t, out.Retryable())
}

func TestRunUnknownWorker(t *testing.T) {
	s := newSupervisor(t)
	task := &scheduler.Task{ID: "x", WorkerKind: "cobol", Command: "RUN"}

	out := s.Run(context.Background(), task, newWorkspace(t), 1)
	assert.Equal(t, StateFailed, out.State)
	assert.Contains(t, out.Err.Error(), "cobol")
}

func TestRunUsesWorkerDecoder(t *testing.T) {
	bin := filepath.Join(t.TempDir(), "fake-claude")
	script := "#!/bin/sh\necho '{\"type\":\"result\",\"is_error\":false,\"result\":\"patched\",\"num_turns\":2}'\n"
	require.NoError(t, os.WriteFile(bin, []byte(script), 0755))

	s := newSupervisor(t, func(cfg *SupervisorConfig) {
		cfg.Workers.Register("claude", backend.NewClaudeWorker(backend.Config{Command: bin}))
	})
	task := &scheduler.Task{ID: "agent", WorkerKind: "claude", Command: "fix the flaky test"}

	out := s.Run(context.Background(), task, newWorkspace(t), 1)

	require.NoError(t, out.Err)
	assert.Equal(t, StateCompleted, out.State)
	assert.Equal(t, "patched", out.Result.Message)
	assert.Equal(t, 2.0, out.Result.Metrics["num_turns"])
}

func TestTimeoutsFor(t *testing.T) {
	timeouts := Timeouts{Default: time.Minute, PerType: map[string]time.Duration{"review": 5 * time.Minute}}

	assert.Equal(t, time.Minute, timeouts.For(&scheduler.Task{Type: "build"}))
	assert.Equal(t, 5*time.Minute, timeouts.For(&scheduler.Task{Type: "Review"}))
	assert.Equal(t, time.Second, timeouts.For(&scheduler.Task{Type: "review", Timeout: time.Second}))
}

func TestEvaluateExit(t *testing.T) {
	ok := []byte(`{"success":true,"message":"done"}`)
	tests := []struct {
		name    string
		code    int
		data    []byte
		readErr error
		want    State
		wantErr error
	}{
		{name: "clean exit", code: 0, data: ok, want: StateCompleted},
		{name: "non-zero exit wins over result", code: 1, data: ok, want: StateFailed, wantErr: ErrNonZeroExit},
		{name: "signalled", code: -1, want: StateFailed, wantErr: ErrNonZeroExit},
		{name: "missing file", code: 0, readErr: os.ErrNotExist, want: StateFailed, wantErr: ErrUnparseableResult},
		{name: "bad json", code: 0, data: []byte("{"), want: StateFailed, wantErr: ErrUnparseableResult},
		{name: "null document", code: 0, data: []byte("null"), want: StateFailed, wantErr: ErrUnparseableResult},
		{name: "empty object", code: 0, data: []byte("{}"), want: StateFailed, wantErr: ErrUnparseableResult},
		{name: "worker said no", code: 0, data: []byte(`{"is_error":true}`), want: StateFailed, wantErr: ErrReportedFailure},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			state, _, err := evaluateExit(tt.code, tt.data, tt.readErr, backend.ParseResult)
			assert.Equal(t, tt.want, state)
			if tt.wantErr == nil {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, tt.wantErr)
			}
		})
	}
}

func TestSnapshotDropsProcess(t *testing.T) {
	sess := &Session{ID: "s1", TaskID: "A", Attempt: 2, machine: NewMachine(nil), proc: &backend.Process{}}
	require.NoError(t, sess.machine.Transition(StateRunning))

	rec := sess.Snapshot()
	assert.Equal(t, Record{ID: "s1", TaskID: "A", Attempt: 2, State: StateRunning, Command: " []"}, rec)
}
