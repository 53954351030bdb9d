package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/graphrun/internal/events"
	"github.com/aristath/graphrun/internal/scheduler"
	"github.com/aristath/graphrun/internal/session"
)

func TestParsePolicy(t *testing.T) {
	p, err := ParsePolicy("continue")
	require.NoError(t, err)
	assert.Equal(t, PolicyContinue, p)

	p, err = ParsePolicy("")
	require.NoError(t, err)
	assert.Equal(t, PolicyFailFast, p)

	_, err = ParsePolicy("yolo")
	assert.Error(t, err)
}

func TestNewSchedulerValidates(t *testing.T) {
	g := buildGraph(t, task("A"))

	_, err := NewScheduler(SchedulerConfig{Executor: newFakeExecutor()})
	assert.Error(t, err)
	_, err = NewScheduler(SchedulerConfig{Graph: g})
	assert.Error(t, err)
	_, err = NewScheduler(SchedulerConfig{Graph: g, Executor: newFakeExecutor(), Policy: "sometimes"})
	assert.Error(t, err)
	_, err = NewScheduler(SchedulerConfig{Graph: g, Executor: newFakeExecutor(), Retry: RetryPolicy{MaxRetries: -1}})
	assert.Error(t, err)
}

// A and B are independent, C depends on both, ceiling 2.
func TestSchedulerDiamond(t *testing.T) {
	exec := newFakeExecutor()
	exec.delay = 50 * time.Millisecond
	g := buildGraph(t, task("A"), task("B"), task("C", "A", "B"))

	report, err := newTestScheduler(t, SchedulerConfig{Graph: g, Executor: exec, MaxSessions: 2}).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, RunSuccess, report.Status)
	assert.Equal(t, 2, exec.maxRunning, "A and B should run together")
	assert.False(t, exec.firstStart("C").Before(exec.end("A")), "C started before A finished")
	assert.False(t, exec.firstStart("C").Before(exec.end("B")), "C started before B finished")

	require.Len(t, report.Tasks, 3)
	for _, o := range report.Tasks {
		assert.Equal(t, scheduler.TaskCompleted, o.Status, o.TaskID)
		assert.True(t, o.Success)
		assert.Equal(t, 1, o.Attempts)
		assert.Equal(t, 0, o.Retries)
		assert.Equal(t, "done "+o.TaskID, o.Message)
	}
	assert.Equal(t, 1, outcomeOf(t, report, "C").Level)
}

func TestSchedulerRespectsCeiling(t *testing.T) {
	exec := newFakeExecutor()
	exec.delay = 30 * time.Millisecond
	var tasks []*scheduler.Task
	for i := 0; i < 7; i++ {
		tasks = append(tasks, task(fmt.Sprintf("t%d", i)))
	}

	report, err := newTestScheduler(t, SchedulerConfig{Graph: buildGraph(t, tasks...), Executor: exec, MaxSessions: 3}).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, RunSuccess, report.Status)
	assert.Equal(t, 3, exec.maxRunning)
}

func TestSchedulerDispatchesByPriority(t *testing.T) {
	exec := newFakeExecutor()
	low := task("low")
	high := task("high")
	high.Priority = 10

	_, err := newTestScheduler(t, SchedulerConfig{Graph: buildGraph(t, low, high), Executor: exec, MaxSessions: 1}).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"high", "low"}, exec.calls)
}

// Level-0 failure under fail-fast: the running sibling is killed and
// ends Failed, the queued sibling and every later level are skipped.
func TestSchedulerFailFast(t *testing.T) {
	exec := newFakeExecutor()
	exec.delays = map[string]time.Duration{"A": 10 * time.Millisecond, "B": 10 * time.Second}
	exec.behave = failing("A")
	g := buildGraph(t, task("A"), task("B"), task("E"), task("C", "A"), task("D", "B"))

	start := time.Now()
	report, err := newTestScheduler(t, SchedulerConfig{
		Graph: g, Executor: exec, MaxSessions: 2, Policy: PolicyFailFast, Retry: fastRetry(0),
	}).Run(context.Background())
	require.NoError(t, err)

	assert.Less(t, time.Since(start), 5*time.Second, "in-flight session was not killed")
	assert.Equal(t, RunFailure, report.Status)
	assert.True(t, report.Aborted)

	assert.Equal(t, scheduler.TaskFailed, outcomeOf(t, report, "A").Status)
	b := outcomeOf(t, report, "B")
	assert.Equal(t, scheduler.TaskFailed, b.Status)
	assert.Contains(t, b.LastError, "run aborted")
	assert.Equal(t, 1, exec.callsOf("B"), "killed sessions are not retried")
	assert.Equal(t, scheduler.TaskSkipped, outcomeOf(t, report, "E").Status)
	assert.Equal(t, scheduler.TaskSkipped, outcomeOf(t, report, "C").Status)
	assert.Equal(t, scheduler.TaskSkipped, outcomeOf(t, report, "D").Status)
	assert.Zero(t, exec.callsOf("C"))
	assert.Zero(t, exec.callsOf("E"))
}

// Level-0 failure under continue: only the failed branch is skipped.
func TestSchedulerContinue(t *testing.T) {
	exec := newFakeExecutor()
	exec.behave = failing("A")
	g := buildGraph(t, task("A"), task("B"), task("C", "A"), task("D", "B"), task("F", "C", "D"))

	report, err := newTestScheduler(t, SchedulerConfig{
		Graph: g, Executor: exec, Policy: PolicyContinue, Retry: fastRetry(0),
	}).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, RunPartialFailure, report.Status)
	assert.False(t, report.Aborted)
	assert.Equal(t, scheduler.TaskFailed, outcomeOf(t, report, "A").Status)
	assert.Equal(t, scheduler.TaskCompleted, outcomeOf(t, report, "B").Status)
	assert.Equal(t, scheduler.TaskCompleted, outcomeOf(t, report, "D").Status)

	c := outcomeOf(t, report, "C")
	assert.Equal(t, scheduler.TaskSkipped, c.Status)
	assert.Equal(t, "dependency A failed", c.LastError)
	assert.Equal(t, scheduler.TaskSkipped, outcomeOf(t, report, "F").Status)
}

// Fails twice, succeeds on the third attempt.
func TestSchedulerRetriesThenSucceeds(t *testing.T) {
	exec := newFakeExecutor()
	var attempts atomic.Int32
	exec.behave = func(req session.Request) session.State {
		if attempts.Add(1) <= 2 {
			return session.StateFailed
		}
		return session.StateCompleted
	}
	bus := events.NewEventBus()
	defer bus.Close()
	retrying := bus.Subscribe(events.TopicTask, 64)

	report, err := newTestScheduler(t, SchedulerConfig{
		Graph: buildGraph(t, task("flaky")), Executor: exec, Retry: fastRetry(2), Bus: bus,
	}).Run(context.Background())
	require.NoError(t, err)

	flaky := outcomeOf(t, report, "flaky")
	assert.Equal(t, RunSuccess, report.Status)
	assert.Equal(t, scheduler.TaskCompleted, flaky.Status)
	assert.Equal(t, 3, flaky.Attempts)
	assert.Equal(t, 2, flaky.Retries)
	assert.Empty(t, flaky.LastError)

	var retryEvents []events.TaskRetryingEvent
	for len(retrying) > 0 {
		if e, ok := (<-retrying).(events.TaskRetryingEvent); ok {
			retryEvents = append(retryEvents, e)
		}
	}
	require.Len(t, retryEvents, 2)
	assert.Equal(t, 1, retryEvents[0].Attempt)
	assert.Equal(t, 2, retryEvents[1].Attempt)
}

func TestSchedulerRetriesExhausted(t *testing.T) {
	exec := newFakeExecutor()
	exec.behave = func(session.Request) session.State { return session.StateTimedOut }

	report, err := newTestScheduler(t, SchedulerConfig{
		Graph: buildGraph(t, task("slow")), Executor: exec, Retry: fastRetry(1),
	}).Run(context.Background())
	require.NoError(t, err)

	slow := outcomeOf(t, report, "slow")
	assert.Equal(t, scheduler.TaskFailed, slow.Status)
	assert.Equal(t, 2, slow.Attempts)
	assert.Equal(t, 1, slow.Retries)
	assert.Contains(t, slow.LastError, "timed out")
	assert.Equal(t, RunFailure, report.Status)
}

func TestSchedulerTaskRetryOverride(t *testing.T) {
	exec := newFakeExecutor()
	exec.behave = failing("once")
	zero := 0
	once := task("once")
	once.MaxRetries = &zero

	report, err := newTestScheduler(t, SchedulerConfig{
		Graph: buildGraph(t, once), Executor: exec, Retry: fastRetry(5),
	}).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, exec.callsOf("once"))
	assert.Equal(t, 0, outcomeOf(t, report, "once").Retries)
}

func TestSchedulerCancelledRun(t *testing.T) {
	exec := newFakeExecutor()
	exec.delays = map[string]time.Duration{"A": 10 * time.Second}
	g := buildGraph(t, task("A"), task("B", "A"))

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)

	report, err := newTestScheduler(t, SchedulerConfig{Graph: g, Executor: exec, Retry: fastRetry(3)}).Run(ctx)
	require.NoError(t, err)

	assert.Equal(t, RunFailure, report.Status)
	assert.True(t, report.Aborted)
	assert.Equal(t, scheduler.TaskFailed, outcomeOf(t, report, "A").Status)
	assert.Equal(t, 1, exec.callsOf("A"))
	assert.Equal(t, scheduler.TaskSkipped, outcomeOf(t, report, "B").Status)
}

func TestSchedulerResumesFromFirstUnresolvedLevel(t *testing.T) {
	exec := newFakeExecutor()
	g := buildGraph(t, task("A"), task("B"), task("C", "A", "B"))
	_, err := g.Restore(map[string]scheduler.TaskStatus{
		"A": scheduler.TaskCompleted,
		"B": scheduler.TaskRunning,
	})
	require.NoError(t, err)

	report, err := newTestScheduler(t, SchedulerConfig{
		Graph: g, Executor: exec, Attempts: map[string]int{"A": 1, "B": 1},
	}).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, RunSuccess, report.Status)
	assert.Zero(t, exec.callsOf("A"), "completed work must not run again")
	assert.Equal(t, 1, exec.callsOf("B"))
	assert.Equal(t, 2, outcomeOf(t, report, "B").Attempts)
}

func TestSchedulerPublishesLifecycleEvents(t *testing.T) {
	bus := events.NewEventBus()
	defer bus.Close()
	all := bus.SubscribeAll(256)

	_, err := newTestScheduler(t, SchedulerConfig{
		Graph: buildGraph(t, task("A"), task("B", "A")), Executor: newFakeExecutor(), Bus: bus,
	}).Run(context.Background())
	require.NoError(t, err)

	var types []string
	for len(all) > 0 {
		e := <-all
		if e.EventType() == events.EventTypeDAGProgress {
			continue
		}
		types = append(types, e.EventType())
	}
	assert.Equal(t, strings.Join([]string{
		events.EventTypeTaskReady, events.EventTypeLevelStarted, events.EventTypeTaskStarted, events.EventTypeTaskCompleted, events.EventTypeLevelCompleted,
		events.EventTypeTaskReady, events.EventTypeLevelStarted, events.EventTypeTaskStarted, events.EventTypeTaskCompleted, events.EventTypeLevelCompleted,
		events.EventTypeRunFinished,
	}, ","), strings.Join(types, ","))
}
