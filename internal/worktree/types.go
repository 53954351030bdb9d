package worktree

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Status is the lifecycle state of a workspace.
type Status int

const (
	StatusCreated  Status = iota // Checked out, not owned by a task
	StatusActive                 // Owned by exactly one task
	StatusCleaning               // Being torn down after release
	StatusRemoved                // Deleted from disk
	StatusReserved               // Path and branch chosen, checkout not created yet
)

func (s Status) String() string {
	switch s {
	case StatusCreated:
		return "created"
	case StatusActive:
		return "active"
	case StatusCleaning:
		return "cleaning"
	case StatusRemoved:
		return "removed"
	case StatusReserved:
		return "reserved"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// MarshalText encodes the status by name.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText decodes a status name.
func (s *Status) UnmarshalText(text []byte) error {
	for _, candidate := range []Status{StatusCreated, StatusActive, StatusCleaning, StatusRemoved, StatusReserved} {
		if candidate.String() == string(text) {
			*s = candidate
			return nil
		}
	}
	return fmt.Errorf("unknown workspace status %q", text)
}

// Workspace is an isolated checkout bound to one task at a time.
type Workspace struct {
	Slot      int       `json:"slot"`
	Path      string    `json:"path"`   // Absolute path to the checkout
	Branch    string    `json:"branch"` // Fresh branch created for the current owner
	Head      string    `json:"head,omitempty"`
	TaskID    string    `json:"task_id,omitempty"` // Empty while idle
	Status    Status    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}

// Backend provides the checkout and teardown primitives of a
// version-controlled source.
type Backend interface {
	// Checkout creates a new workspace at path on a new branch.
	Checkout(ctx context.Context, path, branch string) (head string, err error)
	// Clean removes generated state from a workspace, keeping the checkout.
	Clean(ctx context.Context, path string) error
	// Switch rebinds an existing checkout to a new branch from the base.
	Switch(ctx context.Context, path, oldBranch, newBranch string) (head string, err error)
	// Remove deletes the checkout and its branch.
	Remove(ctx context.Context, path, branch string) error
	// Prune drops stale metadata left by checkouts that vanished.
	Prune(ctx context.Context) error
}

var (
	// ErrCheckout wraps any failure to prepare a workspace for a task.
	ErrCheckout = errors.New("workspace checkout failed")
	// ErrPoolClosed is returned by Acquire after Shutdown.
	ErrPoolClosed = errors.New("workspace pool is shut down")
)
