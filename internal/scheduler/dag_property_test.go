package scheduler

import (
	"errors"
	"fmt"
	"testing"

	"pgregory.net/rapid"
)

// genAcyclicTasks generates tasks whose dependencies only point at tasks
// declared earlier, which makes the graph acyclic by construction.
func genAcyclicTasks(t *rapid.T) []*Task {
	n := rapid.IntRange(1, 30).Draw(t, "n")
	out := make([]*Task, n)
	for i := 0; i < n; i++ {
		task := &Task{ID: fmt.Sprintf("t%d", i)}
		if i > 0 {
			deps := rapid.SliceOfNDistinct(rapid.IntRange(0, i-1), 0, 4, rapid.ID[int]).Draw(t, fmt.Sprintf("deps%d", i))
			for _, d := range deps {
				task.DependsOn = append(task.DependsOn, fmt.Sprintf("t%d", d))
			}
		}
		out[i] = task
	}
	return out
}

// TestBuild_DependencyLevelsStrictlyLower checks that every dependency sits
// on a lower level than its dependent and that no level holds an edge.
func TestBuild_DependencyLevelsStrictlyLower(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		input := genAcyclicTasks(t)

		g, err := Build(input, nil, BuildOptions{})
		if err != nil {
			t.Fatalf("acyclic input rejected: %v", err)
		}

		seen := 0
		for _, level := range g.Levels() {
			seen += len(level)
		}
		if seen != len(input) {
			t.Fatalf("levels hold %d tasks, want %d", seen, len(input))
		}

		for _, task := range input {
			level, _ := g.LevelOf(task.ID)
			for _, dep := range task.DependsOn {
				depLevel, _ := g.LevelOf(dep)
				if depLevel >= level {
					t.Fatalf("dependency %s (level %d) not below %s (level %d)", dep, depLevel, task.ID, level)
				}
			}
		}
	})
}

// TestBuild_CyclesAlwaysRejected closes a back edge in an otherwise acyclic
// graph and expects CircularDependency every time.
func TestBuild_CyclesAlwaysRejected(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		input := genAcyclicTasks(t)

		// Make input[from] depend on input[to] while input[to] depends on input[from].
		to := rapid.IntRange(0, len(input)-1).Draw(t, "to")
		from := rapid.IntRange(0, to).Draw(t, "from")

		if from != to {
			input[to].DependsOn = append(input[to].DependsOn, input[from].ID)
		}
		input[from].DependsOn = append(input[from].DependsOn, input[to].ID)

		_, err := Build(input, nil, BuildOptions{})
		if !errors.Is(err, ErrCircularDependency) {
			t.Fatalf("expected circular dependency, got %v", err)
		}
	})
}

// TestBuild_EmptyAlwaysRejected covers both nil and empty slices.
func TestBuild_EmptyAlwaysRejected(t *testing.T) {
	for _, input := range [][]*Task{nil, {}} {
		if _, err := Build(input, nil, BuildOptions{}); !errors.Is(err, ErrEmptyGraph) {
			t.Fatalf("expected empty graph error, got %v", err)
		}
	}
}
