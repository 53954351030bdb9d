package persistence

import (
	"fmt"

	"github.com/aristath/graphrun/internal/scheduler"
)

// Payloads, one per checkpoint kind. Fields are only ever added, so logs
// written by older builds still decode.

// RunSubmittedPayload lists every task of the run.
type RunSubmittedPayload struct {
	TaskIDs []string `json:"task_ids"`
}

// WorkspacePayload records a workspace binding.
type WorkspacePayload struct {
	Slot   int    `json:"slot"`
	Path   string `json:"path"`
	Branch string `json:"branch"`
	TaskID string `json:"task_id"`
}

// TaskPayload records a task transition.
type TaskPayload struct {
	TaskID  string `json:"task_id"`
	Attempt int    `json:"attempt,omitempty"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
}

// SnapshotPayload captures the full state at one point in time.
type SnapshotPayload struct {
	Tasks      map[string]scheduler.TaskStatus `json:"tasks"`
	Attempts   map[string]int                  `json:"attempts,omitempty"`
	LastErrors map[string]string               `json:"last_errors,omitempty"`
	Workspaces map[string]WorkspacePayload     `json:"workspaces,omitempty"`
}

// RunFinishedPayload records the overall outcome.
type RunFinishedPayload struct {
	Status   string `json:"status"`
	Degraded bool   `json:"degraded,omitempty"`
}

// State is the result of replaying a checkpoint log.
type State struct {
	TaskStatus  map[string]scheduler.TaskStatus
	Workspaces  map[string]WorkspacePayload // keyed by path
	Attempts    map[string]int
	LastErrors  map[string]string
	LastSeq     int64
	Finished    bool
	FinalStatus string
}

// NewState returns an empty state.
func NewState() State {
	return State{
		TaskStatus: make(map[string]scheduler.TaskStatus),
		Workspaces: make(map[string]WorkspacePayload),
		Attempts:   make(map[string]int),
		LastErrors: make(map[string]string),
	}
}

// Occupancy maps workspace path to owning task, matching the pool's view.
func (s State) Occupancy() map[string]string {
	out := make(map[string]string, len(s.Workspaces))
	for path, ws := range s.Workspaces {
		out[path] = ws.TaskID
	}
	return out
}

// Snapshot converts the state into a snapshot payload.
func (s State) Snapshot() SnapshotPayload {
	snap := SnapshotPayload{
		Tasks:      make(map[string]scheduler.TaskStatus, len(s.TaskStatus)),
		Attempts:   make(map[string]int, len(s.Attempts)),
		LastErrors: make(map[string]string, len(s.LastErrors)),
		Workspaces: make(map[string]WorkspacePayload, len(s.Workspaces)),
	}
	for k, v := range s.TaskStatus {
		snap.Tasks[k] = v
	}
	for k, v := range s.Attempts {
		snap.Attempts[k] = v
	}
	for k, v := range s.LastErrors {
		snap.LastErrors[k] = v
	}
	for k, v := range s.Workspaces {
		snap.Workspaces[k] = v
	}
	return snap
}

// Replay folds checkpoints, in sequence order, into a State. Kinds it does
// not know are ignored so newer logs still replay.
func Replay(checkpoints []Checkpoint) (State, error) {
	st := NewState()
	for _, c := range checkpoints {
		if err := st.Apply(c); err != nil {
			return st, err
		}
	}
	return st, nil
}

// Apply folds one checkpoint into the state.
func (s *State) Apply(c Checkpoint) error {
	if c.Seq <= s.LastSeq {
		return fmt.Errorf("checkpoint %d out of order after %d", c.Seq, s.LastSeq)
	}

	switch c.Kind {
	case KindRunSubmitted:
		var p RunSubmittedPayload
		if err := c.Decode(&p); err != nil {
			return err
		}
		for _, id := range p.TaskIDs {
			s.TaskStatus[id] = scheduler.TaskPending
		}

	case KindWorkspaceCreated, KindWorkspaceReleased:
		var p WorkspacePayload
		if err := c.Decode(&p); err != nil {
			return err
		}
		if c.Kind == KindWorkspaceCreated {
			s.Workspaces[p.Path] = p
		} else {
			delete(s.Workspaces, p.Path)
		}

	case KindTaskReady, KindTaskStarted, KindTaskRetrying, KindTaskCompleted, KindTaskFailed, KindTaskSkipped:
		var p TaskPayload
		if err := c.Decode(&p); err != nil {
			return err
		}
		s.applyTask(c.Kind, p)

	case KindSnapshot:
		var p SnapshotPayload
		if err := c.Decode(&p); err != nil {
			return err
		}
		s.restoreSnapshot(p)

	case KindRunFinished:
		var p RunFinishedPayload
		if err := c.Decode(&p); err != nil {
			return err
		}
		s.Finished = true
		s.FinalStatus = p.Status
	}

	s.LastSeq = c.Seq
	return nil
}

func (s *State) applyTask(kind Kind, p TaskPayload) {
	switch kind {
	case KindTaskReady:
		s.TaskStatus[p.TaskID] = scheduler.TaskReady
	case KindTaskStarted:
		s.TaskStatus[p.TaskID] = scheduler.TaskRunning
		s.Attempts[p.TaskID] = p.Attempt
	case KindTaskRetrying:
		s.TaskStatus[p.TaskID] = scheduler.TaskReady
		s.LastErrors[p.TaskID] = p.Error
	case KindTaskCompleted:
		s.TaskStatus[p.TaskID] = scheduler.TaskCompleted
		delete(s.LastErrors, p.TaskID)
	case KindTaskFailed:
		s.TaskStatus[p.TaskID] = scheduler.TaskFailed
		s.LastErrors[p.TaskID] = p.Error
	case KindTaskSkipped:
		s.TaskStatus[p.TaskID] = scheduler.TaskSkipped
		if p.Error != "" {
			s.LastErrors[p.TaskID] = p.Error
		}
	}
	if p.Attempt > s.Attempts[p.TaskID] {
		s.Attempts[p.TaskID] = p.Attempt
	}
}

func (s *State) restoreSnapshot(p SnapshotPayload) {
	fresh := NewState()
	for k, v := range p.Tasks {
		fresh.TaskStatus[k] = v
	}
	for k, v := range p.Attempts {
		fresh.Attempts[k] = v
	}
	for k, v := range p.LastErrors {
		fresh.LastErrors[k] = v
	}
	for k, v := range p.Workspaces {
		fresh.Workspaces[k] = v
	}
	s.TaskStatus = fresh.TaskStatus
	s.Attempts = fresh.Attempts
	s.LastErrors = fresh.LastErrors
	s.Workspaces = fresh.Workspaces
}
