package scheduler

import (
	"errors"
	"fmt"
	"strings"
)

// Graph-construction errors. All of them are fatal to a run and surface
// before any task starts.
var (
	ErrEmptyGraph             = errors.New("empty graph: no tasks given")
	ErrInvalidGraph           = errors.New("invalid graph")
	ErrCircularDependency     = errors.New("circular dependency")
	ErrMaxParallelismExceeded = errors.New("max parallelism exceeded")
)

// InvalidGraphError describes a structural problem such as a dangling edge
// or a duplicate task ID.
type InvalidGraphError struct {
	TaskID string
	Reason string
}

func (e *InvalidGraphError) Error() string {
	return fmt.Sprintf("invalid graph: task %q: %s", e.TaskID, e.Reason)
}

func (e *InvalidGraphError) Is(target error) bool { return target == ErrInvalidGraph }

// CircularDependencyError names one member of a detected cycle and the
// path that closes it.
type CircularDependencyError struct {
	TaskID string
	Cycle  []string
}

func (e *CircularDependencyError) Error() string {
	if len(e.Cycle) == 0 {
		return fmt.Sprintf("circular dependency involving task %q", e.TaskID)
	}
	return fmt.Sprintf("circular dependency involving task %q: %s", e.TaskID, strings.Join(e.Cycle, " -> "))
}

func (e *CircularDependencyError) Is(target error) bool { return target == ErrCircularDependency }

// MaxParallelismError is returned when a level holds more tasks than the
// configured maximum. Callers are expected to split the work, not truncate it.
type MaxParallelismError struct {
	Level     int
	Max       int
	Requested int
}

func (e *MaxParallelismError) Error() string {
	return fmt.Sprintf("max parallelism exceeded: level %d has %d tasks, maximum is %d", e.Level, e.Requested, e.Max)
}

func (e *MaxParallelismError) Is(target error) bool { return target == ErrMaxParallelismExceeded }
