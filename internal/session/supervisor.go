package session

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/aristath/graphrun/internal/backend"
	"github.com/aristath/graphrun/internal/logging"
	"github.com/aristath/graphrun/internal/scheduler"
	"github.com/aristath/graphrun/internal/worktree"
)

// stderrTailBytes bounds the captured output tail attached to failures.
const stderrTailBytes = 2048

// Launcher starts worker processes. *backend.Launcher implements it.
type Launcher interface {
	Launch(ctx context.Context, c backend.Command, outputPath string) (*backend.Process, error)
}

// Timeouts selects the deadline for a task: the task's own timeout, else
// the timeout of its declared type, else Default.
type Timeouts struct {
	Default time.Duration
	PerType map[string]time.Duration
}

// For returns the deadline for task.
func (t Timeouts) For(task *scheduler.Task) time.Duration {
	if task.Timeout > 0 {
		return task.Timeout
	}
	if d, ok := t.PerType[strings.ToLower(task.Type)]; ok && d > 0 {
		return d
	}
	return t.Default
}

// SupervisorConfig configures a Supervisor.
type SupervisorConfig struct {
	Launcher   Launcher
	Workers    *backend.Registry
	Timeouts   Timeouts
	LogDir     string        // Per-session output logs
	ResultFile string        // Result path relative to the workspace
	KillGrace  time.Duration // SIGTERM to SIGKILL grace
	Logger     *slog.Logger
	Now        func() time.Time
}

// Supervisor runs sessions. It is safe for concurrent use; every Run call
// owns its own Session.
type Supervisor struct {
	cfg SupervisorConfig
	log *slog.Logger
}

// NewSupervisor validates cfg and fills in defaults.
func NewSupervisor(cfg SupervisorConfig) (*Supervisor, error) {
	if cfg.Launcher == nil {
		return nil, errors.New("supervisor: launcher is required")
	}
	if cfg.Workers == nil {
		return nil, errors.New("supervisor: worker registry is required")
	}
	if cfg.Timeouts.Default <= 0 {
		cfg.Timeouts.Default = 30 * time.Minute
	}
	if cfg.LogDir == "" {
		cfg.LogDir = filepath.Join(".graphrun", "logs")
	}
	if cfg.ResultFile == "" {
		cfg.ResultFile = filepath.Join(".graphrun", "result.json")
	}
	if filepath.IsAbs(cfg.ResultFile) {
		return nil, fmt.Errorf("supervisor: result file %q must be relative to the workspace", cfg.ResultFile)
	}
	if cfg.KillGrace < 0 {
		cfg.KillGrace = 0
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Supervisor{cfg: cfg, log: logging.OrDiscard(cfg.Logger)}, nil
}

// Session is the runtime unit supervising one worker process. It owns its
// process handle exclusively.
type Session struct {
	ID         string
	TaskID     string
	Attempt    int
	Workspace  worktree.Workspace
	Command    backend.Command
	OutputPath string
	ResultPath string
	StartedAt  time.Time
	ExitCode   int

	machine *Machine
	proc    *backend.Process
}

// Record is the durable view of a Session. It never holds the process.
type Record struct {
	ID         string             `json:"id"`
	TaskID     string             `json:"task_id"`
	Attempt    int                `json:"attempt"`
	Workspace  worktree.Workspace `json:"workspace"`
	Command    string             `json:"command"`
	State      State              `json:"state"`
	ExitCode   int                `json:"exit_code"`
	OutputPath string             `json:"output_path"`
	StartedAt  time.Time          `json:"started_at"`
}

// Snapshot copies the session without its process handle.
func (s *Session) Snapshot() Record {
	return Record{
		ID:         s.ID,
		TaskID:     s.TaskID,
		Attempt:    s.Attempt,
		Workspace:  s.Workspace,
		Command:    s.Command.String(),
		State:      s.machine.State(),
		ExitCode:   s.ExitCode,
		OutputPath: s.OutputPath,
		StartedAt:  s.StartedAt,
	}
}

// Outcome is the immutable terminal report of one session.
type Outcome struct {
	SessionID  string
	TaskID     string
	Attempt    int
	State      State
	ExitCode   int
	Result     backend.Result
	Err        error
	StderrTail string
	OutputPath string
	Workspace  worktree.Workspace
	Host       string
	StartedAt  time.Time
	EndedAt    time.Time
	Duration   time.Duration
}

// Succeeded reports whether the session completed.
func (o Outcome) Succeeded() bool { return o.State == StateCompleted }

// Retryable reports whether the scheduler may try the task again. Killed
// sessions are never retried.
func (o Outcome) Retryable() bool {
	return o.State == StateFailed || o.State == StateTimedOut
}

// Message is the result message on success and the error text otherwise.
func (o Outcome) Message() string {
	if o.Err != nil {
		return o.Err.Error()
	}
	return o.Result.Message
}

// Run executes one attempt of task inside ws and blocks until the session
// reaches a terminal state. The worker process never outlives the call.
func (s *Supervisor) Run(ctx context.Context, task *scheduler.Task, ws worktree.Workspace, attempt int) Outcome {
	sess := &Session{
		ID:         uuid.New().String(),
		TaskID:     task.ID,
		Attempt:    attempt,
		Workspace:  ws,
		ResultPath: filepath.Join(ws.Path, s.cfg.ResultFile),
		StartedAt:  s.cfg.Now(),
		machine:    NewMachine(s.cfg.Now),
	}
	sess.OutputPath = filepath.Join(s.cfg.LogDir, safeName(task.ID), sess.ID+".log")
	log := s.log.With("task_id", task.ID, "session_id", sess.ID, "attempt", attempt)

	worker, err := s.cfg.Workers.Lookup(task.WorkerKind)
	if err != nil {
		return s.finish(sess, StateFailed, backend.Result{}, err)
	}

	if err := os.Remove(sess.ResultPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return s.finish(sess, StateFailed, backend.Result{}, fmt.Errorf("removing stale result: %w", err))
	}
	if err := os.MkdirAll(filepath.Dir(sess.ResultPath), 0755); err != nil {
		return s.finish(sess, StateFailed, backend.Result{}, fmt.Errorf("preparing result dir: %w", err))
	}

	sess.Command, err = worker.Command(backend.Invocation{
		TaskID:     task.ID,
		Prompt:     task.Command,
		Args:       task.Args,
		Env:        task.Env,
		WorkDir:    ws.Path,
		ResultPath: sess.ResultPath,
		Attempt:    attempt,
	})
	if err != nil {
		return s.finish(sess, StateFailed, backend.Result{}, err)
	}

	proc, err := s.cfg.Launcher.Launch(ctx, sess.Command, sess.OutputPath)
	if err != nil {
		if ctx.Err() != nil {
			return s.finish(sess, StateKilled, backend.Result{}, fmt.Errorf("%w: %v", ErrKilled, context.Cause(ctx)))
		}
		return s.finish(sess, StateFailed, backend.Result{}, err)
	}
	sess.proc = proc
	s.mustTransition(sess, StateRunning)

	deadline := s.cfg.Timeouts.For(task)
	timer := time.NewTimer(deadline)
	defer timer.Stop()
	log.Debug("session running", "pid", proc.Pid(), "command", sess.Command.String(), "deadline", deadline)

	select {
	case <-proc.Done():
		if err := proc.ReapGroup(); err != nil {
			log.Warn("failed to reap process group", "err", err)
		}
		sess.ExitCode = proc.ExitCode()
		data, readErr := os.ReadFile(sess.ResultPath)
		state, result, runErr := evaluateExit(sess.ExitCode, data, readErr, decoderFor(worker))
		if runErr != nil && errors.Is(runErr, ErrNonZeroExit) {
			var exitErr *ExitError
			if errors.As(runErr, &exitErr) {
				exitErr.StderrTail = tail(sess.OutputPath, stderrTailBytes)
			}
		}
		return s.finish(sess, state, result, runErr)

	case <-timer.C:
		log.Warn("session deadline elapsed, terminating", "deadline", deadline)
		if err := proc.Terminate(s.cfg.KillGrace); err != nil {
			log.Warn("terminate failed", "err", err)
		}
		sess.ExitCode = proc.ExitCode()
		return s.finish(sess, StateTimedOut, backend.Result{}, &TimeoutError{Deadline: deadline})

	case <-ctx.Done():
		log.Info("session cancelled, terminating")
		if err := proc.Terminate(s.cfg.KillGrace); err != nil {
			log.Warn("terminate failed", "err", err)
		}
		sess.ExitCode = proc.ExitCode()
		return s.finish(sess, StateKilled, backend.Result{}, fmt.Errorf("%w: %v", ErrKilled, context.Cause(ctx)))
	}
}

func (s *Supervisor) mustTransition(sess *Session, next State) {
	if err := sess.machine.Transition(next); err != nil {
		// Only reachable through a programming error in Run.
		panic(err)
	}
}

func (s *Supervisor) finish(sess *Session, state State, result backend.Result, err error) Outcome {
	s.mustTransition(sess, state)
	ended := s.cfg.Now()

	out := Outcome{
		SessionID:  sess.ID,
		TaskID:     sess.TaskID,
		Attempt:    sess.Attempt,
		State:      state,
		ExitCode:   sess.ExitCode,
		Result:     result,
		Err:        err,
		OutputPath: sess.OutputPath,
		Workspace:  sess.Workspace,
		StartedAt:  sess.StartedAt,
		EndedAt:    ended,
		Duration:   ended.Sub(sess.StartedAt),
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		out.StderrTail = exitErr.StderrTail
	}

	level := slog.LevelInfo
	if state != StateCompleted {
		level = slog.LevelWarn
	}
	s.log.Log(context.Background(), level, "session finished",
		"task_id", sess.TaskID, "session_id", sess.ID, "attempt", sess.Attempt,
		"state", state.String(), "exit_code", sess.ExitCode, "duration", out.Duration, "err", err)
	return out
}

// evaluateExit maps a finished process to a terminal state. It is pure so
// the mapping is testable without a live process.
func evaluateExit(code int, data []byte, readErr error, decode func([]byte) (backend.Result, error)) (State, backend.Result, error) {
	if code != 0 {
		return StateFailed, backend.Result{}, &ExitError{Code: code}
	}
	if readErr != nil {
		return StateFailed, backend.Result{}, fmt.Errorf("%w: %v", ErrUnparseableResult, readErr)
	}
	result, err := decode(data)
	if err != nil {
		return StateFailed, backend.Result{}, err
	}
	if !result.Success {
		msg := result.Message
		if msg == "" {
			msg = "no message"
		}
		return StateFailed, result, fmt.Errorf("%w: %s", ErrReportedFailure, msg)
	}
	return StateCompleted, result, nil
}

func decoderFor(w backend.Worker) func([]byte) (backend.Result, error) {
	if d, ok := w.(backend.ResultDecoder); ok {
		return d.DecodeResult
	}
	return backend.ParseResult
}

// tail returns at most n trailing bytes of the file at path.
func tail(path string, n int64) string {
	f, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return ""
	}
	offset := info.Size() - n
	if offset < 0 {
		offset = 0
	}
	buf, err := io.ReadAll(io.NewSectionReader(f, offset, n))
	if err != nil {
		return ""
	}
	return string(bytes.TrimSpace(buf))
}

func safeName(id string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		}
		return '_'
	}, id)
}
