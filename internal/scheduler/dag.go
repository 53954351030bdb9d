package scheduler

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/gammazero/toposort"
)

// BuildOptions tunes graph construction.
type BuildOptions struct {
	// MaxParallelism caps the number of tasks in any single level.
	// Zero means unbounded.
	MaxParallelism int
}

// TaskGraph is a validated, leveled DAG of tasks. The task-status map lives
// here and is only mutated through the Mark* methods under the graph's lock.
type TaskGraph struct {
	mu         sync.RWMutex
	tasks      map[string]*Task    // All tasks indexed by ID
	order      []string            // Declaration order
	dependents map[string][]string // Maps taskID -> tasks that depend on it
	levels     [][]string
	levelOf    map[string]int
}

// Build validates the tasks and edges and groups the tasks into levels.
// Edges are merged into each target task's DependsOn.
func Build(tasks []*Task, edges []Edge, opts BuildOptions) (*TaskGraph, error) {
	if len(tasks) == 0 {
		return nil, ErrEmptyGraph
	}

	g := &TaskGraph{
		tasks:      make(map[string]*Task, len(tasks)),
		order:      make([]string, 0, len(tasks)),
		dependents: make(map[string][]string),
		levelOf:    make(map[string]int, len(tasks)),
	}

	for _, t := range tasks {
		if t == nil || t.ID == "" {
			return nil, &InvalidGraphError{Reason: "task has no ID"}
		}
		if _, exists := g.tasks[t.ID]; exists {
			return nil, &InvalidGraphError{TaskID: t.ID, Reason: "duplicate task ID"}
		}
		cp := cloneTask(t)
		cp.DependsOn = dedupe(cp.DependsOn)
		g.tasks[t.ID] = cp
		g.order = append(g.order, t.ID)
	}

	for _, e := range edges {
		if _, ok := g.tasks[e.From]; !ok {
			return nil, &InvalidGraphError{TaskID: e.To, Reason: fmt.Sprintf("edge from unknown task %q", e.From)}
		}
		to, ok := g.tasks[e.To]
		if !ok {
			return nil, &InvalidGraphError{TaskID: e.From, Reason: fmt.Sprintf("edge to unknown task %q", e.To)}
		}
		to.DependsOn = dedupe(append(to.DependsOn, e.From))
	}

	// Every dependency must reference a declared task
	for _, id := range g.order {
		for _, depID := range g.tasks[id].DependsOn {
			if _, exists := g.tasks[depID]; !exists {
				return nil, &InvalidGraphError{TaskID: id, Reason: fmt.Sprintf("depends on unknown task %q", depID)}
			}
		}
	}

	if cycle := g.findCycle(); cycle != nil {
		return nil, &CircularDependencyError{TaskID: cycle[0], Cycle: cycle}
	}

	sorted, err := g.topoOrder()
	if err != nil {
		return nil, err
	}

	g.assignLevels(sorted)

	if opts.MaxParallelism > 0 {
		for i, level := range g.levels {
			if len(level) > opts.MaxParallelism {
				return nil, &MaxParallelismError{Level: i, Max: opts.MaxParallelism, Requested: len(level)}
			}
		}
	}

	for _, id := range g.order {
		for _, depID := range g.tasks[id].DependsOn {
			g.dependents[depID] = append(g.dependents[depID], id)
		}
	}

	return g, nil
}

// findCycle runs a DFS with recursion-stack marking and returns the first
// cycle found as a closed path (first element repeated at the end).
func (g *TaskGraph) findCycle() []string {
	const (
		unvisited = iota
		onStack
		done
	)
	state := make(map[string]int, len(g.tasks))
	var stack []string

	var visit func(id string) []string
	visit = func(id string) []string {
		state[id] = onStack
		stack = append(stack, id)
		for _, depID := range g.tasks[id].DependsOn {
			switch state[depID] {
			case onStack:
				start := 0
				for i, s := range stack {
					if s == depID {
						start = i
						break
					}
				}
				cycle := append([]string(nil), stack[start:]...)
				return append(cycle, depID)
			case unvisited:
				if cycle := visit(depID); cycle != nil {
					return cycle
				}
			}
		}
		stack = stack[:len(stack)-1]
		state[id] = done
		return nil
	}

	for _, id := range g.order {
		if state[id] == unvisited {
			if cycle := visit(id); cycle != nil {
				return cycle
			}
		}
	}
	return nil
}

// topoOrder sorts task IDs with gammazero/toposort.
func (g *TaskGraph) topoOrder() ([]string, error) {
	var edges []toposort.Edge
	for _, id := range g.order {
		task := g.tasks[id]
		if len(task.DependsOn) == 0 {
			// Root task - edge from nil keeps it in the result
			edges = append(edges, toposort.Edge{nil, id})
			continue
		}
		for _, depID := range task.DependsOn {
			edges = append(edges, toposort.Edge{depID, id})
		}
	}

	sorted, err := toposort.Toposort(edges)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCircularDependency, err)
	}

	order := make([]string, 0, len(sorted))
	for _, id := range sorted {
		if id != nil {
			order = append(order, id.(string))
		}
	}
	if len(order) != len(g.tasks) {
		return nil, fmt.Errorf("%w: topological sort returned %d of %d tasks", ErrInvalidGraph, len(order), len(g.tasks))
	}
	return order, nil
}

// assignLevels computes level = 1 + max(level of dependencies) over a
// topological order, then orders each level by priority and declaration.
func (g *TaskGraph) assignLevels(sorted []string) {
	maxLevel := 0
	for _, id := range sorted {
		level := 0
		for _, depID := range g.tasks[id].DependsOn {
			if l := g.levelOf[depID] + 1; l > level {
				level = l
			}
		}
		g.levelOf[id] = level
		if level > maxLevel {
			maxLevel = level
		}
	}

	position := make(map[string]int, len(g.order))
	for i, id := range g.order {
		position[id] = i
	}

	g.levels = make([][]string, maxLevel+1)
	for _, id := range g.order {
		l := g.levelOf[id]
		g.levels[l] = append(g.levels[l], id)
	}
	for _, level := range g.levels {
		sort.SliceStable(level, func(i, j int) bool {
			a, b := g.tasks[level[i]], g.tasks[level[j]]
			if a.Priority != b.Priority {
				return a.Priority > b.Priority
			}
			return position[a.ID] < position[b.ID]
		})
	}
}

// Levels returns the parallel execution plan.
func (g *TaskGraph) Levels() [][]string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	out := make([][]string, len(g.levels))
	for i, level := range g.levels {
		out[i] = append([]string(nil), level...)
	}
	return out
}

// LevelOf returns the level index of a task.
func (g *TaskGraph) LevelOf(taskID string) (int, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	l, ok := g.levelOf[taskID]
	return l, ok
}

// Len returns the number of tasks.
func (g *TaskGraph) Len() int {
	return len(g.order)
}

// Get returns a copy of the task.
func (g *TaskGraph) Get(taskID string) (*Task, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	task, exists := g.tasks[taskID]
	if !exists {
		return nil, false
	}
	return cloneTask(task), true
}

// Tasks returns copies of all tasks in level order.
func (g *TaskGraph) Tasks() []*Task {
	g.mu.RLock()
	defer g.mu.RUnlock()

	tasks := make([]*Task, 0, len(g.tasks))
	for _, level := range g.levels {
		for _, id := range level {
			tasks = append(tasks, cloneTask(g.tasks[id]))
		}
	}
	return tasks
}

// Edges returns every dependency pair in declaration order.
func (g *TaskGraph) Edges() []Edge {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var edges []Edge
	for _, id := range g.order {
		for _, depID := range g.tasks[id].DependsOn {
			edges = append(edges, Edge{From: depID, To: id})
		}
	}
	return edges
}

// Dependents returns the direct dependents of a task.
func (g *TaskGraph) Dependents(taskID string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return append([]string(nil), g.dependents[taskID]...)
}

// TransitiveDependents returns every task reachable through dependent
// edges, ordered by level.
func (g *TaskGraph) TransitiveDependents(taskID string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	seen := make(map[string]bool)
	queue := append([]string(nil), g.dependents[taskID]...)
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if seen[id] {
			continue
		}
		seen[id] = true
		queue = append(queue, g.dependents[id]...)
	}

	var out []string
	for _, level := range g.levels {
		for _, id := range level {
			if seen[id] {
				out = append(out, id)
			}
		}
	}
	return out
}

// Ready returns the pending tasks of a level whose dependencies have all
// completed, in dispatch order. It does not change any status.
func (g *TaskGraph) Ready(level int) []*Task {
	g.mu.RLock()
	defer g.mu.RUnlock()

	if level < 0 || level >= len(g.levels) {
		return nil
	}

	var ready []*Task
	for _, id := range g.levels[level] {
		task := g.tasks[id]
		if task.Status == TaskPending && g.dependenciesCompleted(task) {
			ready = append(ready, cloneTask(task))
		}
	}
	return ready
}

func (g *TaskGraph) dependenciesCompleted(task *Task) bool {
	for _, depID := range task.DependsOn {
		if g.tasks[depID].Status != TaskCompleted {
			return false
		}
	}
	return true
}

// LevelResolved reports whether every task of the level is terminal.
func (g *TaskGraph) LevelResolved(level int) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()

	if level < 0 || level >= len(g.levels) {
		return true
	}
	for _, id := range g.levels[level] {
		if !g.tasks[id].Status.Terminal() {
			return false
		}
	}
	return true
}

// FirstUnresolvedLevel returns the lowest level holding a non-terminal
// task, or len(Levels()) when everything is resolved.
func (g *TaskGraph) FirstUnresolvedLevel() int {
	g.mu.RLock()
	defer g.mu.RUnlock()

	for i, level := range g.levels {
		for _, id := range level {
			if !g.tasks[id].Status.Terminal() {
				return i
			}
		}
	}
	return len(g.levels)
}

// Status returns the current status of a task.
func (g *TaskGraph) Status(taskID string) (TaskStatus, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	task, ok := g.tasks[taskID]
	if !ok {
		return TaskPending, false
	}
	return task.Status, true
}

// Statuses returns a snapshot of the task-status map.
func (g *TaskGraph) Statuses() map[string]TaskStatus {
	g.mu.RLock()
	defer g.mu.RUnlock()

	out := make(map[string]TaskStatus, len(g.tasks))
	for id, task := range g.tasks {
		out[id] = task.Status
	}
	return out
}

// Counts returns the number of tasks in each status.
func (g *TaskGraph) Counts() map[TaskStatus]int {
	g.mu.RLock()
	defer g.mu.RUnlock()

	out := make(map[TaskStatus]int)
	for _, task := range g.tasks {
		out[task.Status]++
	}
	return out
}

var allowedTransitions = map[TaskStatus][]TaskStatus{
	TaskPending: {TaskReady, TaskSkipped},
	TaskReady:   {TaskRunning, TaskSkipped, TaskFailed, TaskPending},
	TaskRunning: {TaskCompleted, TaskFailed, TaskReady, TaskPending},
}

func (g *TaskGraph) transition(taskID string, to TaskStatus, at time.Time) error {
	task, exists := g.tasks[taskID]
	if !exists {
		return fmt.Errorf("task %q not found", taskID)
	}

	allowed := false
	for _, s := range allowedTransitions[task.Status] {
		if s == to {
			allowed = true
			break
		}
	}
	if !allowed {
		return fmt.Errorf("task %q: invalid transition %s -> %s", taskID, task.Status, to)
	}

	task.Status = to
	switch {
	case to == TaskRunning:
		task.StartedAt = at
		task.EndedAt = time.Time{}
	case to.Terminal():
		task.EndedAt = at
	}
	return nil
}

// MarkReady moves a pending task to Ready. It fails unless every
// dependency has completed.
func (g *TaskGraph) MarkReady(taskID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	task, exists := g.tasks[taskID]
	if !exists {
		return fmt.Errorf("task %q not found", taskID)
	}
	if !g.dependenciesCompleted(task) {
		return fmt.Errorf("task %q: dependencies not completed", taskID)
	}
	return g.transition(taskID, TaskReady, time.Time{})
}

// MarkRunning sets task status to TaskRunning.
func (g *TaskGraph) MarkRunning(taskID string, at time.Time) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.transition(taskID, TaskRunning, at)
}

// MarkRetrying returns a running task to Ready while it waits for its
// next attempt.
func (g *TaskGraph) MarkRetrying(taskID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.transition(taskID, TaskReady, time.Time{})
}

// MarkCompleted sets task status to TaskCompleted.
func (g *TaskGraph) MarkCompleted(taskID string, at time.Time) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.transition(taskID, TaskCompleted, at)
}

// MarkFailed sets task status to TaskFailed.
func (g *TaskGraph) MarkFailed(taskID string, at time.Time) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.transition(taskID, TaskFailed, at)
}

// MarkSkipped sets task status to TaskSkipped.
func (g *TaskGraph) MarkSkipped(taskID string, at time.Time) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.transition(taskID, TaskSkipped, at)
}

// Restore overwrites task statuses from a replayed checkpoint log. Tasks
// that were Ready or Running when the log ended are reset to Pending.
// It returns the IDs that were reset.
func (g *TaskGraph) Restore(statuses map[string]TaskStatus) ([]string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	for id := range statuses {
		if _, ok := g.tasks[id]; !ok {
			return nil, fmt.Errorf("restore: task %q not in graph", id)
		}
	}

	var reset []string
	for _, id := range g.order {
		status, ok := statuses[id]
		if !ok {
			continue
		}
		task := g.tasks[id]
		if status == TaskReady || status == TaskRunning {
			task.Status = TaskPending
			task.StartedAt = time.Time{}
			reset = append(reset, id)
			continue
		}
		task.Status = status
	}
	return reset, nil
}

func dedupe(ids []string) []string {
	if len(ids) == 0 {
		return ids
	}
	seen := make(map[string]bool, len(ids))
	out := ids[:0:0]
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}
