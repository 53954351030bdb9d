package session

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// State is the lifecycle state of one session.
type State int

const (
	StateSpawning  State = iota // Process not started yet
	StateRunning                // Process started, deadline armed
	StateCompleted              // Exit 0 with a successful result
	StateFailed                 // Spawn error, non-zero exit or bad result
	StateTimedOut               // Deadline elapsed, process terminated
	StateKilled                 // Cancelled from outside, process terminated
)

var stateNames = map[State]string{
	StateSpawning:  "spawning",
	StateRunning:   "running",
	StateCompleted: "completed",
	StateFailed:    "failed",
	StateTimedOut:  "timed_out",
	StateKilled:    "killed",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Terminal reports whether s ends the session.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateTimedOut, StateKilled:
		return true
	}
	return false
}

// MarshalText encodes the state by name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText decodes a state name.
func (s *State) UnmarshalText(text []byte) error {
	for state, name := range stateNames {
		if name == string(text) {
			*s = state
			return nil
		}
	}
	return fmt.Errorf("unknown session state %q", text)
}

// ErrInvalidTransition is returned for any transition missing from the table.
var ErrInvalidTransition = errors.New("invalid session transition")

var transitions = map[State][]State{
	StateSpawning: {StateRunning, StateFailed, StateKilled},
	StateRunning:  {StateCompleted, StateFailed, StateTimedOut, StateKilled},
}

// CanTransition reports whether from -> to is allowed.
func CanTransition(from, to State) bool {
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Transition records one state change.
type Transition struct {
	From State     `json:"from"`
	To   State     `json:"to"`
	At   time.Time `json:"at"`
}

// Machine enforces the session transition table. The zero value is not
// usable; call NewMachine.
type Machine struct {
	mu      sync.Mutex
	state   State
	history []Transition
	now     func() time.Time
}

// NewMachine returns a machine in StateSpawning.
func NewMachine(now func() time.Time) *Machine {
	if now == nil {
		now = time.Now
	}
	return &Machine{state: StateSpawning, now: now}
}

// State returns the current state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Transition moves the machine to next, or returns ErrInvalidTransition.
func (m *Machine) Transition(next State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !CanTransition(m.state, next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, m.state, next)
	}
	m.history = append(m.history, Transition{From: m.state, To: next, At: m.now()})
	m.state = next
	return nil
}

// History returns a copy of all recorded transitions.
func (m *Machine) History() []Transition {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Transition(nil), m.history...)
}
