package events

import (
	"time"
)

// Event is the base interface for all events.
type Event interface {
	EventType() string
	Topic() string
	TaskID() string
}

// Topic constants
const (
	TopicTask      = "task"
	TopicWorkspace = "workspace"
	TopicRun       = "run"
)

// Event type constants
const (
	EventTypeTaskReady         = "task.ready"
	EventTypeTaskStarted       = "task.started"
	EventTypeTaskRetrying      = "task.retrying"
	EventTypeTaskCompleted     = "task.completed"
	EventTypeTaskFailed        = "task.failed"
	EventTypeTaskSkipped       = "task.skipped"
	EventTypeWorkspaceAcquired = "workspace.acquired"
	EventTypeWorkspaceReleased = "workspace.released"
	EventTypeLevelStarted      = "level.started"
	EventTypeLevelCompleted    = "level.completed"
	EventTypeRunFinished       = "run.finished"
	EventTypeDAGProgress       = "dag.progress"
)

// TaskReadyEvent is published when a task's dependencies have completed.
type TaskReadyEvent struct {
	RunID     string
	ID        string
	Level     int
	Timestamp time.Time
}

func (e TaskReadyEvent) EventType() string { return EventTypeTaskReady }
func (e TaskReadyEvent) Topic() string     { return TopicTask }
func (e TaskReadyEvent) TaskID() string    { return e.ID }

// TaskStartedEvent is published when a session is dispatched for a task.
type TaskStartedEvent struct {
	RunID     string
	ID        string
	Title     string
	Attempt   int
	Host      string
	Timestamp time.Time
}

func (e TaskStartedEvent) EventType() string { return EventTypeTaskStarted }
func (e TaskStartedEvent) Topic() string     { return TopicTask }
func (e TaskStartedEvent) TaskID() string    { return e.ID }

// TaskRetryingEvent is published when a failed attempt will be retried.
type TaskRetryingEvent struct {
	RunID     string
	ID        string
	Attempt   int // the attempt that failed
	Delay     time.Duration
	Err       string
	Timestamp time.Time
}

func (e TaskRetryingEvent) EventType() string { return EventTypeTaskRetrying }
func (e TaskRetryingEvent) Topic() string     { return TopicTask }
func (e TaskRetryingEvent) TaskID() string    { return e.ID }

// TaskCompletedEvent is published when a task completes successfully.
type TaskCompletedEvent struct {
	RunID     string
	ID        string
	Message   string
	Attempts  int
	Duration  time.Duration
	Timestamp time.Time
}

func (e TaskCompletedEvent) EventType() string { return EventTypeTaskCompleted }
func (e TaskCompletedEvent) Topic() string     { return TopicTask }
func (e TaskCompletedEvent) TaskID() string    { return e.ID }

// TaskFailedEvent is published when a task fails terminally.
type TaskFailedEvent struct {
	RunID     string
	ID        string
	Err       string
	Attempts  int
	Duration  time.Duration
	Timestamp time.Time
}

func (e TaskFailedEvent) EventType() string { return EventTypeTaskFailed }
func (e TaskFailedEvent) Topic() string     { return TopicTask }
func (e TaskFailedEvent) TaskID() string    { return e.ID }

// TaskSkippedEvent is published when a task will not run.
type TaskSkippedEvent struct {
	RunID     string
	ID        string
	Reason    string
	Timestamp time.Time
}

func (e TaskSkippedEvent) EventType() string { return EventTypeTaskSkipped }
func (e TaskSkippedEvent) Topic() string     { return TopicTask }
func (e TaskSkippedEvent) TaskID() string    { return e.ID }

// WorkspaceAcquiredEvent is emitted by the workspace pool on every grant.
// Wait is how long the caller blocked for a slot.
type WorkspaceAcquiredEvent struct {
	Slot      int
	Path      string
	Branch    string
	Task      string
	Wait      time.Duration
	Timestamp time.Time
}

func (e WorkspaceAcquiredEvent) EventType() string { return EventTypeWorkspaceAcquired }
func (e WorkspaceAcquiredEvent) Topic() string     { return TopicWorkspace }
func (e WorkspaceAcquiredEvent) TaskID() string    { return e.Task }

// WorkspaceReleasedEvent is emitted when a slot returns to the pool.
// Held is how long the workspace was owned.
type WorkspaceReleasedEvent struct {
	Slot      int
	Path      string
	Task      string
	Recycled  bool
	Held      time.Duration
	Err       string
	Timestamp time.Time
}

func (e WorkspaceReleasedEvent) EventType() string { return EventTypeWorkspaceReleased }
func (e WorkspaceReleasedEvent) Topic() string     { return TopicWorkspace }
func (e WorkspaceReleasedEvent) TaskID() string    { return e.Task }

// LevelStartedEvent marks the scheduler entering a level.
type LevelStartedEvent struct {
	RunID     string
	Level     int
	Tasks     int
	Timestamp time.Time
}

func (e LevelStartedEvent) EventType() string { return EventTypeLevelStarted }
func (e LevelStartedEvent) Topic() string     { return TopicRun }
func (e LevelStartedEvent) TaskID() string    { return "" }

// LevelCompletedEvent marks every task of a level as resolved.
type LevelCompletedEvent struct {
	RunID     string
	Level     int
	Duration  time.Duration
	Timestamp time.Time
}

func (e LevelCompletedEvent) EventType() string { return EventTypeLevelCompleted }
func (e LevelCompletedEvent) Topic() string     { return TopicRun }
func (e LevelCompletedEvent) TaskID() string    { return "" }

// RunFinishedEvent carries the overall status of a finished run.
type RunFinishedEvent struct {
	RunID     string
	Status    string
	Degraded  bool
	Duration  time.Duration
	Timestamp time.Time
}

func (e RunFinishedEvent) EventType() string { return EventTypeRunFinished }
func (e RunFinishedEvent) Topic() string     { return TopicRun }
func (e RunFinishedEvent) TaskID() string    { return "" }

// DAGProgressEvent is published when task counts change.
type DAGProgressEvent struct {
	RunID     string
	Total     int
	Completed int
	Running   int
	Failed    int
	Skipped   int
	Pending   int
	Timestamp time.Time
}

func (e DAGProgressEvent) EventType() string { return EventTypeDAGProgress }
func (e DAGProgressEvent) Topic() string     { return TopicRun }
func (e DAGProgressEvent) TaskID() string    { return "" }
