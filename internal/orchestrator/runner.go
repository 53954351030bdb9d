package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"

	"github.com/aristath/graphrun/internal/events"
	"github.com/aristath/graphrun/internal/logging"
	"github.com/aristath/graphrun/internal/persistence"
	"github.com/aristath/graphrun/internal/scheduler"
	"github.com/aristath/graphrun/internal/session"
	"github.com/aristath/graphrun/internal/worktree"
)

// Policy selects what happens after a task fails terminally.
type Policy string

const (
	// PolicyFailFast aborts the remaining graph, killing in-flight sessions.
	PolicyFailFast Policy = "fail-fast"
	// PolicyContinue skips the failed task's dependents and lets
	// independent branches finish.
	PolicyContinue Policy = "continue"
)

// ParsePolicy parses a policy name.
func ParsePolicy(name string) (Policy, error) {
	switch Policy(name) {
	case PolicyFailFast, PolicyContinue:
		return Policy(name), nil
	case "":
		return PolicyFailFast, nil
	}
	return "", fmt.Errorf("unknown policy %q (want %q or %q)", name, PolicyFailFast, PolicyContinue)
}

// ErrRunAborted is the cause attached to sessions killed by an abort.
var ErrRunAborted = errors.New("run aborted")

// SchedulerConfig configures the scheduler of one run.
type SchedulerConfig struct {
	RunID       string
	Graph       *scheduler.TaskGraph
	Executor    session.Executor
	MaxSessions int // Global dispatch ceiling (default 4)
	Policy      Policy
	Retry       RetryPolicy

	Recorder         *Recorder      // Optional checkpoint writer
	SnapshotInterval time.Duration  // Periodic snapshots, 0 disables
	Aggregator       *Aggregator    // Created when nil
	Attempts         map[string]int // Attempt counters restored on resume

	Bus    *events.EventBus
	Logger *slog.Logger
	Now    func() time.Time
}

// Scheduler drives a task graph level by level. Its task-status map lives
// in the graph; only the Run goroutine mutates it.
type Scheduler struct {
	cfg   SchedulerConfig
	graph *scheduler.TaskGraph
	agg   *Aggregator
	log   *slog.Logger

	attempts map[string]int
	backoffs map[string]backoff.BackOff
	aborted  bool
	abortErr error
}

// NewScheduler validates cfg and creates a scheduler.
func NewScheduler(cfg SchedulerConfig) (*Scheduler, error) {
	if cfg.Graph == nil {
		return nil, errors.New("scheduler: graph is required")
	}
	if cfg.Executor == nil {
		return nil, errors.New("scheduler: executor is required")
	}
	if cfg.MaxSessions <= 0 {
		cfg.MaxSessions = 4
	}
	if cfg.Policy == "" {
		cfg.Policy = PolicyFailFast
	}
	if _, err := ParsePolicy(string(cfg.Policy)); err != nil {
		return nil, err
	}
	if err := cfg.Retry.Validate(); err != nil {
		return nil, err
	}
	if cfg.Aggregator == nil {
		cfg.Aggregator = NewAggregator()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	attempts := make(map[string]int, len(cfg.Attempts))
	for id, n := range cfg.Attempts {
		attempts[id] = n
	}

	return &Scheduler{
		cfg:      cfg,
		graph:    cfg.Graph,
		agg:      cfg.Aggregator,
		log:      logging.OrDiscard(cfg.Logger).With("run_id", cfg.RunID),
		attempts: attempts,
		backoffs: make(map[string]backoff.BackOff),
	}, nil
}

// Run executes the graph from its first unresolved level and returns the
// aggregated report. It returns once no session of the run is alive.
func (s *Scheduler) Run(ctx context.Context) (*Report, error) {
	started := s.cfg.Now()
	s.cfg.Recorder.Start(ctx, s.cfg.SnapshotInterval)

	levels := s.graph.Levels()
	first := s.graph.FirstUnresolvedLevel()
	s.log.Info("run started", "tasks", s.graph.Len(), "levels", len(levels), "from_level", first, "policy", string(s.cfg.Policy))
	s.applyRestoredFailures(ctx)

	for level := first; level < len(levels); level++ {
		if !s.aborted && ctx.Err() != nil {
			s.abort(fmt.Errorf("%w: %v", ErrRunAborted, context.Cause(ctx)))
		}
		if s.aborted {
			break
		}
		s.runLevel(ctx, level, levels[level])
	}
	if s.aborted {
		s.skipPending(ctx, fmt.Sprintf("not started: %v", s.abortErr))
	}

	s.cfg.Recorder.Stop()
	ended := s.cfg.Now()
	report := s.agg.Finalize(s.cfg.RunID, s.graph, s.aborted, started, ended)
	report.Degraded = s.cfg.Recorder.Degraded()
	report.Warnings = s.cfg.Recorder.Warnings()

	s.cfg.Recorder.Record(ctx, persistence.KindRunFinished, persistence.RunFinishedPayload{
		Status:   string(report.Status),
		Degraded: report.Degraded,
	})
	// A failure of this last write is not in the report's warnings yet.
	report.Degraded = s.cfg.Recorder.Degraded()
	report.Warnings = s.cfg.Recorder.Warnings()

	s.cfg.Bus.Publish(events.RunFinishedEvent{
		RunID:     s.cfg.RunID,
		Status:    string(report.Status),
		Degraded:  report.Degraded,
		Duration:  report.Duration,
		Timestamp: ended,
	})
	s.log.Info("run finished", "status", string(report.Status), "duration", report.Duration, "degraded", report.Degraded)
	return report, nil
}

// runLevel dispatches every ready task of one level and returns once all
// of them are terminal.
func (s *Scheduler) runLevel(ctx context.Context, level int, ids []string) {
	levelStart := s.cfg.Now()

	var queue []string
	for _, id := range ids {
		if status, _ := s.graph.Status(id); status != scheduler.TaskPending {
			continue
		}
		if err := s.graph.MarkReady(id); err != nil {
			s.skip(ctx, id, "a dependency did not complete")
			continue
		}
		s.cfg.Recorder.Record(ctx, persistence.KindTaskReady, persistence.TaskPayload{TaskID: id})
		s.cfg.Bus.Publish(events.TaskReadyEvent{RunID: s.cfg.RunID, ID: id, Level: level, Timestamp: s.cfg.Now()})
		queue = append(queue, id)
	}

	s.cfg.Bus.Publish(events.LevelStartedEvent{RunID: s.cfg.RunID, Level: level, Tasks: len(queue), Timestamp: levelStart})
	s.log.Debug("level started", "level", level, "ready", len(queue))
	defer func() {
		s.cfg.Bus.Publish(events.LevelCompletedEvent{
			RunID:     s.cfg.RunID,
			Level:     level,
			Duration:  s.cfg.Now().Sub(levelStart),
			Timestamp: s.cfg.Now(),
		})
	}()
	if len(queue) == 0 {
		return
	}

	levelCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	outcomes := make(chan session.Outcome, len(ids))
	retries := make(chan string, len(ids))
	waiting := make(map[string]*time.Timer)
	inflight := 0
	done := ctx.Done()

	var g errgroup.Group
	g.SetLimit(s.cfg.MaxSessions)

	for {
		for len(queue) > 0 && inflight < s.cfg.MaxSessions && !s.aborted {
			id := queue[0]
			queue = queue[1:]
			s.dispatch(levelCtx, &g, id, outcomes)
			inflight++
		}
		if inflight == 0 && len(waiting) == 0 && len(queue) == 0 {
			break
		}

		select {
		case out := <-outcomes:
			inflight--
			if delay, retry := s.handle(ctx, out); retry {
				id := out.TaskID
				waiting[id] = time.AfterFunc(delay, func() {
					select {
					case retries <- id:
					default:
					}
				})
			}

		case id := <-retries:
			if _, ok := waiting[id]; ok {
				delete(waiting, id)
				queue = append(queue, id)
			}

		case <-done:
			done = nil
			if !s.aborted {
				s.abort(fmt.Errorf("%w: %v", ErrRunAborted, context.Cause(ctx)))
			}
		}

		if s.aborted {
			cancel(s.abortErr)
			queue = s.drain(ctx, queue, waiting)
		}
	}

	_ = g.Wait()
}

func (s *Scheduler) dispatch(ctx context.Context, g *errgroup.Group, id string, outcomes chan<- session.Outcome) {
	attempt := s.attempts[id] + 1
	s.attempts[id] = attempt
	now := s.cfg.Now()

	if err := s.graph.MarkRunning(id, now); err != nil {
		s.log.Error("invalid task transition", "task_id", id, "err", err)
	}
	task, _ := s.graph.Get(id)

	s.cfg.Recorder.Record(ctx, persistence.KindTaskStarted, persistence.TaskPayload{TaskID: id, Attempt: attempt})
	s.cfg.Bus.Publish(events.TaskStartedEvent{RunID: s.cfg.RunID, ID: id, Title: task.Title, Attempt: attempt, Timestamp: now})
	s.progress()
	s.log.Info("task dispatched", "task_id", id, "attempt", attempt)

	req := session.Request{
		RunID:       s.cfg.RunID,
		Task:        task,
		Attempt:     attempt,
		OnWorkspace: s.onWorkspace,
	}
	g.Go(func() error {
		outcomes <- s.cfg.Executor.Execute(ctx, req)
		return nil
	})
}

// handle applies one session outcome. It reports whether the task waits
// for another attempt and after which delay.
func (s *Scheduler) handle(ctx context.Context, out session.Outcome) (time.Duration, bool) {
	id := out.TaskID
	s.agg.Record(out)

	switch {
	case out.Succeeded():
		if err := s.graph.MarkCompleted(id, s.cfg.Now()); err != nil {
			s.log.Error("invalid task transition", "task_id", id, "err", err)
		}
		s.cfg.Recorder.Record(ctx, persistence.KindTaskCompleted, persistence.TaskPayload{
			TaskID: id, Attempt: out.Attempt, Message: out.Result.Message,
		})
		s.cfg.Bus.Publish(events.TaskCompletedEvent{
			RunID: s.cfg.RunID, ID: id, Message: out.Result.Message,
			Attempts: out.Attempt, Duration: out.Duration, Timestamp: s.cfg.Now(),
		})
		s.progress()
		s.log.Info("task completed", "task_id", id, "attempt", out.Attempt, "duration", out.Duration)
		return 0, false

	case s.aborted:
		msg := fmt.Sprintf("%v (last state %s)", s.abortErr, out.State)
		s.agg.Note(id, msg)
		s.fail(ctx, id, out.Attempt, out.Duration, msg)
		return 0, false

	case out.Retryable():
		if delay, ok := s.nextDelay(id, out.Attempt); ok {
			if err := s.graph.MarkRetrying(id); err != nil {
				s.log.Error("invalid task transition", "task_id", id, "err", err)
			}
			s.cfg.Recorder.Record(ctx, persistence.KindTaskRetrying, persistence.TaskPayload{
				TaskID: id, Attempt: out.Attempt, Error: out.Message(),
			})
			s.cfg.Bus.Publish(events.TaskRetryingEvent{
				RunID: s.cfg.RunID, ID: id, Attempt: out.Attempt,
				Delay: delay, Err: out.Message(), Timestamp: s.cfg.Now(),
			})
			s.log.Warn("task attempt failed, retrying", "task_id", id, "attempt", out.Attempt, "delay", delay, "err", out.Err)
			return delay, true
		}
		s.fail(ctx, id, out.Attempt, out.Duration, out.Message())
		s.afterFailure(ctx, id, out.Err)
		return 0, false

	default:
		// Killed without an abort: the caller cancelled the run.
		s.fail(ctx, id, out.Attempt, out.Duration, out.Message())
		if ctx.Err() != nil {
			s.abort(fmt.Errorf("%w: %v", ErrRunAborted, context.Cause(ctx)))
		} else {
			s.afterFailure(ctx, id, out.Err)
		}
		return 0, false
	}
}

// nextDelay returns the backoff before the next attempt, or false once
// the task used up its retries.
func (s *Scheduler) nextDelay(id string, attempt int) (time.Duration, bool) {
	task, ok := s.graph.Get(id)
	if !ok {
		return 0, false
	}
	maxRetries := s.cfg.Retry.retriesFor(task.MaxRetries)
	used := attempt - 1
	if used >= maxRetries {
		return 0, false
	}

	bo, ok := s.backoffs[id]
	if !ok {
		bo = s.cfg.Retry.newBackOff(maxRetries - used)
		s.backoffs[id] = bo
	}
	delay := bo.NextBackOff()
	if delay == backoff.Stop {
		return 0, false
	}
	return delay, true
}

func (s *Scheduler) fail(ctx context.Context, id string, attempt int, d time.Duration, msg string) {
	if err := s.graph.MarkFailed(id, s.cfg.Now()); err != nil {
		s.log.Error("invalid task transition", "task_id", id, "err", err)
	}
	s.cfg.Recorder.Record(ctx, persistence.KindTaskFailed, persistence.TaskPayload{TaskID: id, Attempt: attempt, Error: msg})
	s.cfg.Bus.Publish(events.TaskFailedEvent{
		RunID: s.cfg.RunID, ID: id, Err: msg, Attempts: attempt, Duration: d, Timestamp: s.cfg.Now(),
	})
	s.progress()
	s.log.Warn("task failed", "task_id", id, "attempts", attempt, "err", msg)
}

// afterFailure applies the policy to a terminally failed task.
func (s *Scheduler) afterFailure(ctx context.Context, id string, cause error) {
	if s.cfg.Policy == PolicyFailFast {
		s.abort(fmt.Errorf("%w: task %s failed: %v", ErrRunAborted, id, cause))
		return
	}
	for _, dep := range s.graph.TransitiveDependents(id) {
		if status, _ := s.graph.Status(dep); status == scheduler.TaskPending {
			s.skip(ctx, dep, fmt.Sprintf("dependency %s failed", id))
		}
	}
}

// applyRestoredFailures runs the failure policy for tasks that were already
// Failed when the graph was restored from a checkpoint log.
func (s *Scheduler) applyRestoredFailures(ctx context.Context) {
	for _, task := range s.graph.Tasks() {
		if task.Status == scheduler.TaskFailed {
			s.afterFailure(ctx, task.ID, errors.New("failed before resume"))
		}
	}
}

func (s *Scheduler) abort(err error) {
	if s.aborted {
		return
	}
	s.aborted = true
	s.abortErr = err
	s.log.Warn("aborting run", "err", err)
}

// drain skips every queued and retry-waiting task after an abort.
func (s *Scheduler) drain(ctx context.Context, queue []string, waiting map[string]*time.Timer) []string {
	reason := fmt.Sprintf("not started: %v", s.abortErr)
	for _, id := range queue {
		s.skip(ctx, id, reason)
	}
	for id, timer := range waiting {
		timer.Stop()
		delete(waiting, id)
		s.skip(ctx, id, reason)
	}
	return nil
}

func (s *Scheduler) skipPending(ctx context.Context, reason string) {
	for _, task := range s.graph.Tasks() {
		if task.Status == scheduler.TaskPending {
			s.skip(ctx, task.ID, reason)
		}
	}
}

func (s *Scheduler) skip(ctx context.Context, id, reason string) {
	if err := s.graph.MarkSkipped(id, s.cfg.Now()); err != nil {
		s.log.Error("invalid task transition", "task_id", id, "err", err)
		return
	}
	s.agg.Note(id, reason)
	s.cfg.Recorder.Record(ctx, persistence.KindTaskSkipped, persistence.TaskPayload{TaskID: id, Error: reason})
	s.cfg.Bus.Publish(events.TaskSkippedEvent{RunID: s.cfg.RunID, ID: id, Reason: reason, Timestamp: s.cfg.Now()})
	s.progress()
	s.log.Info("task skipped", "task_id", id, "reason", reason)
}

// onWorkspace records workspace lifecycle checkpoints. Executors call it
// from their own goroutines; the recorder serializes the writes.
func (s *Scheduler) onWorkspace(ws worktree.Workspace) {
	kind := persistence.KindWorkspaceReleased
	if ws.Status == worktree.StatusReserved || ws.Status == worktree.StatusActive {
		kind = persistence.KindWorkspaceCreated
	}
	s.cfg.Recorder.Record(context.Background(), kind, persistence.WorkspacePayload{
		Slot:   ws.Slot,
		Path:   ws.Path,
		Branch: ws.Branch,
		TaskID: ws.TaskID,
	})
}

func (s *Scheduler) progress() {
	if s.cfg.Bus == nil {
		return
	}
	counts := s.graph.Counts()
	s.cfg.Bus.Publish(events.DAGProgressEvent{
		RunID:     s.cfg.RunID,
		Total:     s.graph.Len(),
		Completed: counts[scheduler.TaskCompleted],
		Running:   counts[scheduler.TaskRunning],
		Failed:    counts[scheduler.TaskFailed],
		Skipped:   counts[scheduler.TaskSkipped],
		Pending:   counts[scheduler.TaskPending] + counts[scheduler.TaskReady],
		Timestamp: s.cfg.Now(),
	})
}
