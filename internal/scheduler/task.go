package scheduler

import (
	"fmt"
	"time"
)

// TaskStatus represents the current state of a task.
type TaskStatus int

const (
	TaskPending   TaskStatus = iota // Waiting for dependencies
	TaskReady                       // All dependencies completed, waiting for dispatch
	TaskRunning                     // A session is executing it
	TaskCompleted                   // Finished successfully
	TaskFailed                      // Finished with error, retries exhausted
	TaskSkipped                     // Intentionally not run
)

var taskStatusNames = map[TaskStatus]string{
	TaskPending:   "pending",
	TaskReady:     "ready",
	TaskRunning:   "running",
	TaskCompleted: "completed",
	TaskFailed:    "failed",
	TaskSkipped:   "skipped",
}

func (s TaskStatus) String() string {
	if name, ok := taskStatusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("status(%d)", int(s))
}

// Terminal reports whether no further transitions are expected.
func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskFailed || s == TaskSkipped
}

// ParseTaskStatus is the inverse of String.
func ParseTaskStatus(name string) (TaskStatus, error) {
	for status, n := range taskStatusNames {
		if n == name {
			return status, nil
		}
	}
	return TaskPending, fmt.Errorf("unknown task status %q", name)
}

// MarshalText encodes the status by name so checkpoints stay readable.
func (s TaskStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText decodes a status name.
func (s *TaskStatus) UnmarshalText(text []byte) error {
	parsed, err := ParseTaskStatus(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// Task represents a unit of work in the graph.
type Task struct {
	ID          string            `json:"id"`
	Title       string            `json:"title,omitempty"`
	Description string            `json:"description,omitempty"`
	DependsOn   []string          `json:"depends_on,omitempty"` // Task IDs this task depends on
	Priority    int               `json:"priority,omitempty"`   // Higher dispatches first within a level
	Type        string            `json:"type,omitempty"`       // Declared type, selects the timeout
	WorkerKind  string            `json:"worker,omitempty"`     // Key into the worker registry
	Command     string            `json:"command,omitempty"`    // Shell command or agent prompt
	Args        []string          `json:"args,omitempty"`
	Env         map[string]string `json:"env,omitempty"`
	Timeout     time.Duration     `json:"timeout,omitempty"`     // Overrides the per-type timeout
	MaxRetries  *int              `json:"max_retries,omitempty"` // Overrides the configured retry limit

	EstimatedDuration time.Duration `json:"estimated_duration,omitempty"`

	Status    TaskStatus `json:"status"`
	StartedAt time.Time  `json:"started_at,omitempty"`
	EndedAt   time.Time  `json:"ended_at,omitempty"`
}

// Edge declares that From must complete before To starts.
type Edge struct {
	From string `json:"from" yaml:"from"`
	To   string `json:"to" yaml:"to"`
}

func cloneTask(task *Task) *Task {
	if task == nil {
		return nil
	}

	cp := *task
	if task.DependsOn != nil {
		cp.DependsOn = append([]string(nil), task.DependsOn...)
	}
	if task.Args != nil {
		cp.Args = append([]string(nil), task.Args...)
	}
	if task.Env != nil {
		cp.Env = make(map[string]string, len(task.Env))
		for k, v := range task.Env {
			cp.Env[k] = v
		}
	}
	if task.MaxRetries != nil {
		n := *task.MaxRetries
		cp.MaxRetries = &n
	}
	return &cp
}
