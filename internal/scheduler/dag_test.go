package scheduler

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tasks(specs ...[]string) []*Task {
	out := make([]*Task, 0, len(specs))
	for _, s := range specs {
		out = append(out, &Task{ID: s[0], DependsOn: s[1:]})
	}
	return out
}

// TestBuild tests graph construction with various structures.
func TestBuild(t *testing.T) {
	tests := []struct {
		name       string
		tasks      []*Task
		edges      []Edge
		opts       BuildOptions
		wantLevels [][]string
		wantErr    error
	}{
		{
			name:       "linear chain",
			tasks:      tasks([]string{"A"}, []string{"B", "A"}, []string{"C", "B"}),
			wantLevels: [][]string{{"A"}, {"B"}, {"C"}},
		},
		{
			name:       "fan in",
			tasks:      tasks([]string{"A"}, []string{"B"}, []string{"C", "A", "B"}),
			wantLevels: [][]string{{"A", "B"}, {"C"}},
		},
		{
			name:       "diamond",
			tasks:      tasks([]string{"A"}, []string{"B", "A"}, []string{"C", "A"}, []string{"D", "B", "C"}),
			wantLevels: [][]string{{"A"}, {"B", "C"}, {"D"}},
		},
		{
			name:       "level follows longest path",
			tasks:      tasks([]string{"A"}, []string{"B", "A"}, []string{"C", "A", "B"}),
			wantLevels: [][]string{{"A"}, {"B"}, {"C"}},
		},
		{
			name:       "explicit edges merge into dependencies",
			tasks:      tasks([]string{"A"}, []string{"B"}, []string{"C"}),
			edges:      []Edge{{From: "A", To: "C"}, {From: "B", To: "C"}},
			wantLevels: [][]string{{"A", "B"}, {"C"}},
		},
		{
			name:       "disconnected components",
			tasks:      tasks([]string{"A"}, []string{"B", "A"}, []string{"X"}, []string{"Y", "X"}),
			wantLevels: [][]string{{"A", "X"}, {"B", "Y"}},
		},
		{
			name:    "empty input",
			tasks:   nil,
			wantErr: ErrEmptyGraph,
		},
		{
			name:    "unknown dependency",
			tasks:   tasks([]string{"A", "missing"}),
			wantErr: ErrInvalidGraph,
		},
		{
			name:    "edge to unknown task",
			tasks:   tasks([]string{"A"}),
			edges:   []Edge{{From: "A", To: "B"}},
			wantErr: ErrInvalidGraph,
		},
		{
			name:    "duplicate ID",
			tasks:   tasks([]string{"A"}, []string{"A"}),
			wantErr: ErrInvalidGraph,
		},
		{
			name:    "self loop",
			tasks:   tasks([]string{"A", "A"}),
			wantErr: ErrCircularDependency,
		},
		{
			name:    "transitive cycle",
			tasks:   tasks([]string{"A", "C"}, []string{"B", "A"}, []string{"C", "B"}),
			wantErr: ErrCircularDependency,
		},
		{
			name:    "cycle through explicit edge",
			tasks:   tasks([]string{"A"}, []string{"B", "A"}),
			edges:   []Edge{{From: "B", To: "A"}},
			wantErr: ErrCircularDependency,
		},
		{
			name:    "level too wide",
			tasks:   tasks([]string{"A"}, []string{"B"}, []string{"C"}),
			opts:    BuildOptions{MaxParallelism: 2},
			wantErr: ErrMaxParallelismExceeded,
		},
		{
			name:       "level at the limit",
			tasks:      tasks([]string{"A"}, []string{"B"}, []string{"C", "A"}),
			opts:       BuildOptions{MaxParallelism: 2},
			wantLevels: [][]string{{"A", "B"}, {"C"}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g, err := Build(tt.tasks, tt.edges, tt.opts)
			if tt.wantErr != nil {
				require.Error(t, err)
				assert.True(t, errors.Is(err, tt.wantErr), "got %v, want %v", err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantLevels, g.Levels())
		})
	}
}

func TestBuildCycleNamesMember(t *testing.T) {
	_, err := Build(tasks([]string{"root"}, []string{"A", "root", "C"}, []string{"B", "A"}, []string{"C", "B"}), nil, BuildOptions{})

	var cycleErr *CircularDependencyError
	require.ErrorAs(t, err, &cycleErr)
	assert.Contains(t, []string{"A", "B", "C"}, cycleErr.TaskID)
	assert.Equal(t, cycleErr.Cycle[0], cycleErr.Cycle[len(cycleErr.Cycle)-1], "cycle path should be closed")
	assert.NotContains(t, cycleErr.Cycle, "root")
}

func TestBuildMaxParallelismDetails(t *testing.T) {
	_, err := Build(tasks([]string{"A"}, []string{"B"}, []string{"C"}, []string{"D", "A"}), nil, BuildOptions{MaxParallelism: 2})

	var mpErr *MaxParallelismError
	require.ErrorAs(t, err, &mpErr)
	assert.Equal(t, 0, mpErr.Level)
	assert.Equal(t, 2, mpErr.Max)
	assert.Equal(t, 3, mpErr.Requested)
}

func TestBuildDoesNotAliasInput(t *testing.T) {
	input := tasks([]string{"A"}, []string{"B"})
	g, err := Build(input, []Edge{{From: "A", To: "B"}}, BuildOptions{})
	require.NoError(t, err)

	assert.Empty(t, input[1].DependsOn, "caller's task must not be mutated")
	b, _ := g.Get("B")
	assert.Equal(t, []string{"A"}, b.DependsOn)
}

func TestLevelOrderingByPriority(t *testing.T) {
	g, err := Build([]*Task{
		{ID: "low", Priority: 1},
		{ID: "high", Priority: 10},
		{ID: "mid", Priority: 5},
		{ID: "mid2", Priority: 5},
	}, nil, BuildOptions{})
	require.NoError(t, err)

	assert.Equal(t, [][]string{{"high", "mid", "mid2", "low"}}, g.Levels())
}

func TestReadyRequiresCompletedDependencies(t *testing.T) {
	g, err := Build(tasks([]string{"A"}, []string{"B"}, []string{"C", "A", "B"}), nil, BuildOptions{})
	require.NoError(t, err)
	now := time.Now()

	assert.Len(t, g.Ready(0), 2)
	assert.Empty(t, g.Ready(1))
	require.Error(t, g.MarkReady("C"), "C must not become ready before its dependencies")

	for _, id := range []string{"A", "B"} {
		require.NoError(t, g.MarkReady(id))
		require.NoError(t, g.MarkRunning(id, now))
	}
	require.NoError(t, g.MarkCompleted("A", now))
	assert.Empty(t, g.Ready(1))
	assert.False(t, g.LevelResolved(0))

	require.NoError(t, g.MarkCompleted("B", now))
	assert.True(t, g.LevelResolved(0))
	ready := g.Ready(1)
	require.Len(t, ready, 1)
	assert.Equal(t, "C", ready[0].ID)
	assert.Equal(t, 1, g.FirstUnresolvedLevel())
}

func TestStatusTransitions(t *testing.T) {
	g, err := Build(tasks([]string{"A"}), nil, BuildOptions{})
	require.NoError(t, err)
	now := time.Now()

	assert.Error(t, g.MarkRunning("A", now), "pending cannot jump to running")
	require.NoError(t, g.MarkReady("A"))
	require.NoError(t, g.MarkRunning("A", now))
	require.NoError(t, g.MarkRetrying("A"))
	require.NoError(t, g.MarkRunning("A", now))
	require.NoError(t, g.MarkCompleted("A", now.Add(time.Second)))

	assert.Error(t, g.MarkFailed("A", now), "terminal status is final")
	task, _ := g.Get("A")
	assert.Equal(t, TaskCompleted, task.Status)
	assert.Equal(t, time.Second, task.EndedAt.Sub(task.StartedAt))
	assert.Error(t, g.MarkReady("nope"))
}

func TestTransitiveDependents(t *testing.T) {
	g, err := Build(tasks(
		[]string{"A"},
		[]string{"B", "A"},
		[]string{"C", "B"},
		[]string{"D", "A", "X"},
		[]string{"X"},
		[]string{"Y", "X"},
	), nil, BuildOptions{})
	require.NoError(t, err)

	assert.Equal(t, []string{"B", "D", "C"}, g.TransitiveDependents("A"))
	assert.Equal(t, []string{"D", "Y"}, g.TransitiveDependents("X"))
	assert.Empty(t, g.TransitiveDependents("C"))
	assert.ElementsMatch(t, []string{"B", "D"}, g.Dependents("A"))
}

func TestRestoreResetsInFlight(t *testing.T) {
	g, err := Build(tasks([]string{"A"}, []string{"B"}, []string{"C", "A", "B"}), nil, BuildOptions{})
	require.NoError(t, err)

	reset, err := g.Restore(map[string]TaskStatus{
		"A": TaskCompleted,
		"B": TaskRunning,
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"B"}, reset)

	assert.Equal(t, map[string]TaskStatus{
		"A": TaskCompleted,
		"B": TaskPending,
		"C": TaskPending,
	}, g.Statuses())
	assert.Equal(t, 0, g.FirstUnresolvedLevel())

	_, err = g.Restore(map[string]TaskStatus{"ghost": TaskCompleted})
	assert.Error(t, err)
}

func TestTaskStatusText(t *testing.T) {
	for status := TaskPending; status <= TaskSkipped; status++ {
		text, err := status.MarshalText()
		require.NoError(t, err)

		var decoded TaskStatus
		require.NoError(t, decoded.UnmarshalText(text))
		assert.Equal(t, status, decoded)
	}

	var s TaskStatus
	assert.Error(t, s.UnmarshalText([]byte("bogus")))
}
