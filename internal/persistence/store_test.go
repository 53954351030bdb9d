package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/graphrun/internal/scheduler"
)

// testStore creates an in-memory store for testing and registers cleanup.
func testStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewMemoryStore(context.Background())
	if err != nil {
		t.Fatalf("failed to create test store: %v", err)
	}
	t.Cleanup(func() {
		store.Close()
	})
	return store
}

func TestAppendAssignsMonotonicSequence(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	var last int64
	for i, runID := range []string{"run-a", "run-b", "run-a", "run-a"} {
		c, err := store.Append(ctx, runID, KindTaskStarted, TaskPayload{TaskID: "t", Attempt: i + 1})
		require.NoError(t, err)
		assert.Greater(t, c.Seq, last)
		last = c.Seq
	}

	log, err := store.Checkpoints(ctx, "run-a")
	require.NoError(t, err)
	require.Len(t, log, 3)
	for i := 1; i < len(log); i++ {
		assert.Less(t, log[i-1].Seq, log[i].Seq)
	}

	var p TaskPayload
	require.NoError(t, log[2].Decode(&p))
	assert.Equal(t, TaskPayload{TaskID: "t", Attempt: 4}, p)
}

func TestMemoryStoresAreIsolated(t *testing.T) {
	a := testStore(t)
	b := testStore(t)
	ctx := context.Background()

	_, err := a.Append(ctx, "run", KindTaskReady, TaskPayload{TaskID: "x"})
	require.NoError(t, err)

	log, err := b.Checkpoints(ctx, "run")
	require.NoError(t, err)
	assert.Empty(t, log)
}

func TestFileStoreSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "state.db")

	store, err := NewSQLiteStore(ctx, path)
	require.NoError(t, err)
	require.NoError(t, store.CreateRun(ctx, Run{ID: "r1", Status: "running", Spec: json.RawMessage(`{"tasks":[]}`)}))
	_, err = store.Append(ctx, "r1", KindRunSubmitted, RunSubmittedPayload{TaskIDs: []string{"A"}})
	require.NoError(t, err)
	require.NoError(t, store.Close())

	store, err = NewSQLiteStore(ctx, path)
	require.NoError(t, err)
	defer store.Close()

	run, err := store.GetRun(ctx, "r1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"tasks":[]}`, string(run.Spec))

	log, err := store.Checkpoints(ctx, "r1")
	require.NoError(t, err)
	require.Len(t, log, 1)
	assert.Equal(t, KindRunSubmitted, log[0].Kind)
}

func TestNewerSchemaIsRejected(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "state.db")

	store, err := NewSQLiteStore(ctx, path)
	require.NoError(t, err)
	_, err = store.db.ExecContext(ctx, `UPDATE schema_version SET version = 99`)
	require.NoError(t, err)
	require.NoError(t, store.Close())

	_, err = NewSQLiteStore(ctx, path)
	assert.ErrorContains(t, err, "newer than supported")
}

func TestRunRegistry(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	require.NoError(t, store.CreateRun(ctx, Run{ID: "r1", Status: "running"}))
	require.NoError(t, store.CreateRun(ctx, Run{ID: "r2", Status: "running"}))
	assert.Error(t, store.CreateRun(ctx, Run{ID: "r1", Status: "running"}), "duplicate ID")

	require.NoError(t, store.UpdateRunStatus(ctx, "r1", "success"))
	run, err := store.GetRun(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, "success", run.Status)
	assert.Equal(t, "{}", string(run.Spec))

	runs, err := store.ListRuns(ctx)
	require.NoError(t, err)
	assert.Len(t, runs, 2)

	_, err = store.GetRun(ctx, "nope")
	assert.True(t, errors.Is(err, ErrRunNotFound))
	assert.ErrorIs(t, store.UpdateRunStatus(ctx, "nope", "x"), ErrRunNotFound)
}

type step struct {
	kind    Kind
	payload any
}

// runScript is a plausible run: A and B in level 0, C depending on both,
// B failing once before succeeding.
var runScript = []step{
	{KindRunSubmitted, RunSubmittedPayload{TaskIDs: []string{"A", "B", "C"}}},
	{KindTaskReady, TaskPayload{TaskID: "A"}},
	{KindTaskReady, TaskPayload{TaskID: "B"}},
	{KindWorkspaceCreated, WorkspacePayload{Slot: 0, Path: "/ws/0", Branch: "graphrun/a-1", TaskID: "A"}},
	{KindTaskStarted, TaskPayload{TaskID: "A", Attempt: 1}},
	{KindWorkspaceCreated, WorkspacePayload{Slot: 1, Path: "/ws/1", Branch: "graphrun/b-1", TaskID: "B"}},
	{KindTaskStarted, TaskPayload{TaskID: "B", Attempt: 1}},
	{KindTaskCompleted, TaskPayload{TaskID: "A", Attempt: 1, Message: "ok"}},
	{KindWorkspaceReleased, WorkspacePayload{Slot: 0, Path: "/ws/0", TaskID: "A"}},
	{KindTaskRetrying, TaskPayload{TaskID: "B", Attempt: 1, Error: "exit 1"}},
	{KindWorkspaceReleased, WorkspacePayload{Slot: 1, Path: "/ws/1", TaskID: "B"}},
	{KindSnapshot, nil}, // filled from the expected state
	{KindWorkspaceCreated, WorkspacePayload{Slot: 0, Path: "/ws/2", Branch: "graphrun/b-2", TaskID: "B"}},
	{KindTaskStarted, TaskPayload{TaskID: "B", Attempt: 2}},
	{KindTaskCompleted, TaskPayload{TaskID: "B", Attempt: 2}},
	{KindWorkspaceReleased, WorkspacePayload{Slot: 0, Path: "/ws/2", TaskID: "B"}},
	{KindTaskReady, TaskPayload{TaskID: "C"}},
	{KindTaskStarted, TaskPayload{TaskID: "C", Attempt: 1}},
	{KindTaskFailed, TaskPayload{TaskID: "C", Attempt: 1, Error: "boom"}},
	{KindRunFinished, RunFinishedPayload{Status: "partial_failure"}},
}

// expectAfter applies one step to a hand-maintained model.
func expectAfter(m State, s step) State {
	next := NewState()
	for k, v := range m.TaskStatus {
		next.TaskStatus[k] = v
	}
	for k, v := range m.Workspaces {
		next.Workspaces[k] = v
	}
	for k, v := range m.Attempts {
		next.Attempts[k] = v
	}
	for k, v := range m.LastErrors {
		next.LastErrors[k] = v
	}
	next.Finished, next.FinalStatus = m.Finished, m.FinalStatus

	switch p := s.payload.(type) {
	case RunSubmittedPayload:
		for _, id := range p.TaskIDs {
			next.TaskStatus[id] = scheduler.TaskPending
		}
	case WorkspacePayload:
		if s.kind == KindWorkspaceCreated {
			next.Workspaces[p.Path] = p
		} else {
			delete(next.Workspaces, p.Path)
		}
	case TaskPayload:
		status := map[Kind]scheduler.TaskStatus{
			KindTaskReady:     scheduler.TaskReady,
			KindTaskStarted:   scheduler.TaskRunning,
			KindTaskRetrying:  scheduler.TaskReady,
			KindTaskCompleted: scheduler.TaskCompleted,
			KindTaskFailed:    scheduler.TaskFailed,
		}[s.kind]
		next.TaskStatus[p.TaskID] = status
		if p.Attempt > next.Attempts[p.TaskID] {
			next.Attempts[p.TaskID] = p.Attempt
		}
		switch s.kind {
		case KindTaskRetrying, KindTaskFailed:
			next.LastErrors[p.TaskID] = p.Error
		case KindTaskCompleted:
			delete(next.LastErrors, p.TaskID)
		}
	case RunFinishedPayload:
		next.Finished, next.FinalStatus = true, p.Status
	}
	return next
}

func TestReplayReproducesStateAtEveryCrashPoint(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	model := NewState()
	var expected []State
	for _, s := range runScript {
		if s.kind == KindSnapshot {
			s.payload = model.Snapshot()
		} else {
			model = expectAfter(model, s)
		}
		c, err := store.Append(ctx, "run-1", s.kind, s.payload)
		require.NoError(t, err)
		model.LastSeq = c.Seq
		expected = append(expected, model)
	}

	log, err := store.Checkpoints(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, log, len(runScript))

	// A crash after checkpoint i leaves exactly log[:i+1] on disk.
	for i := range log {
		got, err := Replay(log[:i+1])
		require.NoError(t, err)
		if diff := cmp.Diff(expected[i], got); diff != "" {
			t.Fatalf("replay after checkpoint %d (%s) mismatch (-want +got):\n%s", i, log[i].Kind, diff)
		}
	}

	final := expected[len(expected)-1]
	assert.Equal(t, map[string]scheduler.TaskStatus{
		"A": scheduler.TaskCompleted,
		"B": scheduler.TaskCompleted,
		"C": scheduler.TaskFailed,
	}, final.TaskStatus)
	assert.Equal(t, 2, final.Attempts["B"])
	assert.Empty(t, final.Occupancy())
}

func TestReplayMidRunOccupancy(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()
	for _, s := range runScript[:7] {
		_, err := store.Append(ctx, "run", s.kind, s.payload)
		require.NoError(t, err)
	}

	log, err := store.Checkpoints(ctx, "run")
	require.NoError(t, err)
	st, err := Replay(log)
	require.NoError(t, err)

	assert.Equal(t, map[string]string{"/ws/0": "A", "/ws/1": "B"}, st.Occupancy())
	assert.Equal(t, scheduler.TaskRunning, st.TaskStatus["B"])
	assert.Equal(t, scheduler.TaskPending, st.TaskStatus["C"])
	assert.False(t, st.Finished)
}

func TestReplaySnapshotResetsState(t *testing.T) {
	snap, err := json.Marshal(SnapshotPayload{
		Tasks:    map[string]scheduler.TaskStatus{"A": scheduler.TaskCompleted},
		Attempts: map[string]int{"A": 1},
	})
	require.NoError(t, err)
	ready, _ := json.Marshal(TaskPayload{TaskID: "Z"})

	st, err := Replay([]Checkpoint{
		{Seq: 1, Kind: KindTaskReady, Payload: ready},
		{Seq: 2, Kind: KindSnapshot, Payload: snap},
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]scheduler.TaskStatus{"A": scheduler.TaskCompleted}, st.TaskStatus)
	assert.Empty(t, st.Workspaces)
}

func TestReplayRejectsOutOfOrder(t *testing.T) {
	p, _ := json.Marshal(TaskPayload{TaskID: "A"})
	_, err := Replay([]Checkpoint{
		{Seq: 5, Kind: KindTaskReady, Payload: p},
		{Seq: 5, Kind: KindTaskReady, Payload: p},
	})
	assert.Error(t, err)
}

func TestReplayIgnoresUnknownKinds(t *testing.T) {
	st, err := Replay([]Checkpoint{{Seq: 1, Kind: "future_kind", Payload: json.RawMessage(`{"x":1}`)}})
	require.NoError(t, err)
	assert.Equal(t, int64(1), st.LastSeq)
	assert.Empty(t, st.TaskStatus)
}
