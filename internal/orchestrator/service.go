package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aristath/graphrun/internal/events"
	"github.com/aristath/graphrun/internal/logging"
	"github.com/aristath/graphrun/internal/persistence"
	"github.com/aristath/graphrun/internal/scheduler"
	"github.com/aristath/graphrun/internal/session"
	"github.com/aristath/graphrun/internal/worktree"
)

// ErrRunNotActive is returned by Wait and Cancel for runs this process is
// not executing.
var ErrRunNotActive = errors.New("run is not active")

// ErrCancelled is the cancellation cause used by Cancel and Shutdown.
var ErrCancelled = errors.New("run cancelled")

// RunOptions are the per-run settings stored with a submission.
type RunOptions struct {
	MaxSessions      int           `json:"max_sessions"`
	MaxParallelism   int           `json:"max_parallelism,omitempty"`
	Policy           Policy        `json:"policy"`
	Retry            RetryPolicy   `json:"retry"`
	SnapshotInterval time.Duration `json:"snapshot_interval,omitempty"`
}

// Submission is everything needed to start, and later resume, a run.
type Submission struct {
	Tasks   []*scheduler.Task `json:"tasks"`
	Edges   []scheduler.Edge  `json:"edges,omitempty"`
	Options RunOptions        `json:"options"`
}

// RunView is the answer to a status query.
type RunView struct {
	RunID    string                          `json:"run_id"`
	Status   RunStatus                       `json:"status"`
	Tasks    map[string]scheduler.TaskStatus `json:"tasks"`
	Finished bool                            `json:"finished"`
	Degraded bool                            `json:"degraded,omitempty"`
}

// ServiceConfig configures a Service.
type ServiceConfig struct {
	Store      persistence.Store // nil disables checkpointing and resume
	Executor   session.Executor
	Pool       *worktree.Pool // Used by Resume to remove stale workspaces
	WriteRetry WriteRetry
	Bus        *events.EventBus
	Logger     *slog.Logger
	Now        func() time.Time
}

// Service accepts runs and executes them in the background.
type Service struct {
	cfg ServiceConfig
	log *slog.Logger

	mu   sync.Mutex
	runs map[string]*runHandle
}

type runHandle struct {
	id       string
	graph    *scheduler.TaskGraph
	recorder *Recorder
	cancel   context.CancelCauseFunc
	done     chan struct{}
	report   *Report
	err      error
}

// NewService creates a service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Executor == nil {
		return nil, errors.New("service: executor is required")
	}
	if cfg.WriteRetry == (WriteRetry{}) {
		cfg.WriteRetry = DefaultWriteRetry()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Service{
		cfg:  cfg,
		log:  logging.OrDiscard(cfg.Logger),
		runs: make(map[string]*runHandle),
	}, nil
}

// Submit validates the graph, registers the run and starts it. Graph
// errors and run registration failures are returned before any task
// starts.
func (s *Service) Submit(ctx context.Context, sub Submission) (string, error) {
	graph, err := scheduler.Build(sub.Tasks, sub.Edges, scheduler.BuildOptions{MaxParallelism: sub.Options.MaxParallelism})
	if err != nil {
		return "", err
	}

	runID := uuid.New().String()
	if s.cfg.Store != nil {
		spec, err := json.Marshal(sub)
		if err != nil {
			return "", fmt.Errorf("encoding submission: %w", err)
		}
		if err := s.cfg.Store.CreateRun(ctx, persistence.Run{ID: runID, Status: string(RunRunning), Spec: spec}); err != nil {
			return "", fmt.Errorf("registering run: %w", err)
		}
	}

	recorder := NewRecorder(s.cfg.Store, runID, persistence.NewState(), s.cfg.WriteRetry, s.cfg.Logger)
	ids := make([]string, 0, graph.Len())
	for _, task := range graph.Tasks() {
		ids = append(ids, task.ID)
	}
	recorder.Record(ctx, persistence.KindRunSubmitted, persistence.RunSubmittedPayload{TaskIDs: ids})

	if err := s.start(ctx, runID, graph, recorder, sub.Options, NewAggregator(), nil); err != nil {
		return "", err
	}
	return runID, nil
}

// Resume continues a run from its checkpoint log. Tasks that were ready or
// running at the crash start over from Pending; completed work is kept.
func (s *Service) Resume(ctx context.Context, runID string) error {
	if s.cfg.Store == nil {
		return errors.New("resume requires a checkpoint store")
	}
	if h, ok := s.handle(runID); ok {
		select {
		case <-h.done:
		default:
			return fmt.Errorf("run %s is already active", runID)
		}
	}

	run, err := s.cfg.Store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	var sub Submission
	if err := json.Unmarshal(run.Spec, &sub); err != nil {
		return fmt.Errorf("decoding submission of run %s: %w", runID, err)
	}
	checkpoints, err := s.cfg.Store.Checkpoints(ctx, runID)
	if err != nil {
		return err
	}
	state, err := persistence.Replay(checkpoints)
	if err != nil {
		return fmt.Errorf("replaying run %s: %w", runID, err)
	}
	if state.Finished {
		return fmt.Errorf("run %s already finished with status %s", runID, state.FinalStatus)
	}

	graph, err := scheduler.Build(sub.Tasks, sub.Edges, scheduler.BuildOptions{MaxParallelism: sub.Options.MaxParallelism})
	if err != nil {
		return err
	}
	reset, err := graph.Restore(state.TaskStatus)
	if err != nil {
		return err
	}

	log := s.log.With("run_id", runID)
	log.Info("resuming run", "last_seq", state.LastSeq, "reset_tasks", reset, "stale_workspaces", len(state.Workspaces))

	recorder := NewRecorder(s.cfg.Store, runID, state, s.cfg.WriteRetry, s.cfg.Logger)
	s.recoverWorkspaces(ctx, recorder, state, log)

	agg := NewAggregator()
	agg.Seed(state.Attempts, state.LastErrors)

	if err := s.cfg.Store.UpdateRunStatus(ctx, runID, string(RunRunning)); err != nil {
		log.Warn("failed to mark run as running", "err", err)
	}
	return s.start(ctx, runID, graph, recorder, sub.Options, agg, state.Attempts)
}

// recoverWorkspaces removes checkouts that the crashed run still held and
// records their release so the occupancy map starts empty.
func (s *Service) recoverWorkspaces(ctx context.Context, recorder *Recorder, state persistence.State, log *slog.Logger) {
	if len(state.Workspaces) == 0 {
		return
	}
	paths := make([]string, 0, len(state.Workspaces))
	for path := range state.Workspaces {
		paths = append(paths, path)
	}
	sort.Strings(paths)

	stale := make([]worktree.Workspace, 0, len(paths))
	for _, path := range paths {
		ws := state.Workspaces[path]
		stale = append(stale, worktree.Workspace{Slot: ws.Slot, Path: ws.Path, Branch: ws.Branch, TaskID: ws.TaskID})
	}
	if s.cfg.Pool != nil {
		if err := s.cfg.Pool.Recover(ctx, stale); err != nil {
			log.Warn("stale workspace cleanup incomplete", "err", err)
		}
	}
	for _, path := range paths {
		recorder.Record(ctx, persistence.KindWorkspaceReleased, state.Workspaces[path])
	}
}

func (s *Service) start(ctx context.Context, runID string, graph *scheduler.TaskGraph, recorder *Recorder, opts RunOptions, agg *Aggregator, attempts map[string]int) error {
	retry := opts.Retry
	if retry == (RetryPolicy{}) {
		retry = DefaultRetryPolicy()
	}
	sched, err := NewScheduler(SchedulerConfig{
		RunID:            runID,
		Graph:            graph,
		Executor:         s.cfg.Executor,
		MaxSessions:      opts.MaxSessions,
		Policy:           opts.Policy,
		Retry:            retry,
		Recorder:         recorder,
		SnapshotInterval: opts.SnapshotInterval,
		Aggregator:       agg,
		Attempts:         attempts,
		Bus:              s.cfg.Bus,
		Logger:           s.cfg.Logger,
		Now:              s.cfg.Now,
	})
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithCancelCause(context.WithoutCancel(ctx))
	h := &runHandle{id: runID, graph: graph, recorder: recorder, cancel: cancel, done: make(chan struct{})}

	s.mu.Lock()
	s.runs[runID] = h
	s.mu.Unlock()

	go func() {
		defer close(h.done)
		defer cancel(nil)

		report, err := sched.Run(runCtx)
		h.report, h.err = report, err
		if err != nil || s.cfg.Store == nil {
			return
		}
		if err := s.cfg.Store.UpdateRunStatus(context.WithoutCancel(ctx), runID, string(report.Status)); err != nil {
			s.log.Warn("failed to store run status", "run_id", runID, "err", err)
		}
	}()
	return nil
}

func (s *Service) handle(runID string) (*runHandle, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.runs[runID]
	return h, ok
}

// Status returns the current task statuses of a run. Runs executed by
// another process are answered from the checkpoint log.
func (s *Service) Status(ctx context.Context, runID string) (*RunView, error) {
	if h, ok := s.handle(runID); ok {
		view := &RunView{
			RunID:    runID,
			Status:   RunRunning,
			Tasks:    h.graph.Statuses(),
			Degraded: h.recorder.Degraded(),
		}
		select {
		case <-h.done:
			view.Finished = true
			if h.report != nil {
				view.Status = h.report.Status
			}
		default:
		}
		return view, nil
	}

	if s.cfg.Store == nil {
		return nil, fmt.Errorf("%w: %s", persistence.ErrRunNotFound, runID)
	}
	run, err := s.cfg.Store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	checkpoints, err := s.cfg.Store.Checkpoints(ctx, runID)
	if err != nil {
		return nil, err
	}
	state, err := persistence.Replay(checkpoints)
	if err != nil {
		return nil, err
	}

	view := &RunView{RunID: runID, Status: RunStatus(run.Status), Tasks: state.TaskStatus, Finished: state.Finished}
	if state.Finished && state.FinalStatus != "" {
		view.Status = RunStatus(state.FinalStatus)
	}
	return view, nil
}

// Wait blocks until the run finishes and returns its report.
func (s *Service) Wait(ctx context.Context, runID string) (*Report, error) {
	h, ok := s.handle(runID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRunNotActive, runID)
	}
	select {
	case <-h.done:
		return h.report, h.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Cancel aborts a run. In-flight sessions are killed and the remaining
// tasks are skipped.
func (s *Service) Cancel(runID string) error {
	h, ok := s.handle(runID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrRunNotActive, runID)
	}
	h.cancel(ErrCancelled)
	return nil
}

// Shutdown cancels every active run and waits for them to finish.
func (s *Service) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	handles := make([]*runHandle, 0, len(s.runs))
	for _, h := range s.runs {
		handles = append(handles, h)
	}
	s.mu.Unlock()

	for _, h := range handles {
		h.cancel(ErrCancelled)
	}
	for _, h := range handles {
		select {
		case <-h.done:
		case <-ctx.Done():
			return fmt.Errorf("waiting for run %s: %w", h.id, ctx.Err())
		}
	}
	return nil
}
