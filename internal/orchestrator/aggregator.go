package orchestrator

import (
	"sync"
	"time"

	"github.com/aristath/graphrun/internal/scheduler"
	"github.com/aristath/graphrun/internal/session"
)

// RunStatus is the overall status of a run.
type RunStatus string

const (
	RunRunning        RunStatus = "running"
	RunSuccess        RunStatus = "success"
	RunPartialFailure RunStatus = "partial_failure"
	RunFailure        RunStatus = "failure"
)

// TaskOutcome is the final record of one task in a Report.
type TaskOutcome struct {
	TaskID    string               `json:"task_id"`
	Title     string               `json:"title,omitempty"`
	Level     int                  `json:"level"`
	Status    scheduler.TaskStatus `json:"status"`
	Success   bool                 `json:"success"`
	Message   string               `json:"message,omitempty"`
	Metrics   map[string]float64   `json:"metrics,omitempty"`
	Artifacts []string             `json:"artifacts,omitempty"`
	Attempts  int                  `json:"attempts"`
	Retries   int                  `json:"retries"`
	LastError string               `json:"last_error,omitempty"`
	Host      string               `json:"host,omitempty"`
	Duration  time.Duration        `json:"duration"`
}

// Report is the aggregated result of a run.
type Report struct {
	RunID     string        `json:"run_id"`
	Status    RunStatus     `json:"status"`
	Tasks     []TaskOutcome `json:"tasks"`
	Aborted   bool          `json:"aborted,omitempty"`
	Degraded  bool          `json:"degraded,omitempty"`
	Warnings  []string      `json:"warnings,omitempty"`
	StartedAt time.Time     `json:"started_at"`
	EndedAt   time.Time     `json:"ended_at"`
	Duration  time.Duration `json:"duration"`
}

// Counts returns the number of tasks per status.
func (r *Report) Counts() map[scheduler.TaskStatus]int {
	out := make(map[scheduler.TaskStatus]int)
	for _, t := range r.Tasks {
		out[t.Status]++
	}
	return out
}

// ComputeStatus derives the overall status from the terminal task statuses.
func ComputeStatus(statuses map[string]scheduler.TaskStatus, aborted bool) RunStatus {
	completed := 0
	for _, s := range statuses {
		if s == scheduler.TaskCompleted {
			completed++
		}
	}
	switch {
	case !aborted && completed == len(statuses):
		return RunSuccess
	case aborted || completed == 0:
		return RunFailure
	default:
		return RunPartialFailure
	}
}

// Aggregator accumulates session outcomes per task.
type Aggregator struct {
	mu       sync.Mutex
	outcomes map[string]*TaskOutcome
}

// NewAggregator creates an empty aggregator.
func NewAggregator() *Aggregator {
	return &Aggregator{outcomes: make(map[string]*TaskOutcome)}
}

// Record folds one session outcome into the task's entry.
func (a *Aggregator) Record(out session.Outcome) {
	a.mu.Lock()
	defer a.mu.Unlock()

	entry := a.entry(out.TaskID)
	if out.Attempt > entry.Attempts {
		entry.Attempts = out.Attempt
	}
	entry.Success = out.Succeeded()
	entry.Message = out.Result.Message
	entry.Metrics = out.Result.Metrics
	entry.Artifacts = out.Result.Artifacts
	entry.Host = out.Host
	entry.Duration += out.Duration
	if out.Err != nil {
		entry.LastError = out.Err.Error()
	} else {
		entry.LastError = ""
	}
}

// Note records a task-level error that did not come from a session, such
// as a skip reason.
func (a *Aggregator) Note(taskID, msg string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entry(taskID).LastError = msg
}

// Seed restores attempt counters and errors after a resume.
func (a *Aggregator) Seed(attempts map[string]int, lastErrors map[string]string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for id, n := range attempts {
		a.entry(id).Attempts = n
	}
	for id, msg := range lastErrors {
		a.entry(id).LastError = msg
	}
}

func (a *Aggregator) entry(taskID string) *TaskOutcome {
	entry, ok := a.outcomes[taskID]
	if !ok {
		entry = &TaskOutcome{TaskID: taskID}
		a.outcomes[taskID] = entry
	}
	return entry
}

// Finalize builds the report. Every task of the graph is listed, in
// level order, with its terminal status.
func (a *Aggregator) Finalize(runID string, graph *scheduler.TaskGraph, aborted bool, started, ended time.Time) *Report {
	a.mu.Lock()
	defer a.mu.Unlock()

	statuses := graph.Statuses()
	report := &Report{
		RunID:     runID,
		Status:    ComputeStatus(statuses, aborted),
		Aborted:   aborted,
		StartedAt: started,
		EndedAt:   ended,
		Duration:  ended.Sub(started),
	}

	for _, task := range graph.Tasks() {
		outcome := TaskOutcome{TaskID: task.ID}
		if entry, ok := a.outcomes[task.ID]; ok {
			outcome = *entry
		}
		outcome.Title = task.Title
		outcome.Level, _ = graph.LevelOf(task.ID)
		outcome.Status = statuses[task.ID]
		outcome.Success = outcome.Status == scheduler.TaskCompleted
		if outcome.Attempts > 0 {
			outcome.Retries = outcome.Attempts - 1
		}
		report.Tasks = append(report.Tasks, outcome)
	}
	return report
}
