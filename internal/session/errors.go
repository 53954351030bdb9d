package session

import (
	"errors"
	"fmt"
	"time"

	"github.com/aristath/graphrun/internal/backend"
)

// Execution errors. Every failed, timed out or killed Outcome carries one of
// them, matchable with errors.Is.
var (
	ErrNonZeroExit       = errors.New("worker exited non-zero")
	ErrUnparseableResult = backend.ErrUnparseableResult
	ErrReportedFailure   = errors.New("worker reported failure")
	ErrTimedOut          = errors.New("session timed out")
	ErrKilled            = errors.New("session killed")
)

// ExitError is returned when the worker exits with a non-zero code.
type ExitError struct {
	Code       int
	StderrTail string
}

func (e *ExitError) Error() string {
	if e.StderrTail == "" {
		return fmt.Sprintf("worker exited with code %d", e.Code)
	}
	return fmt.Sprintf("worker exited with code %d: %s", e.Code, e.StderrTail)
}

func (e *ExitError) Is(target error) bool { return target == ErrNonZeroExit }

// TimeoutError carries the deadline that elapsed.
type TimeoutError struct {
	Deadline time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("session timed out after %s", e.Deadline)
}

func (e *TimeoutError) Is(target error) bool { return target == ErrTimedOut }
