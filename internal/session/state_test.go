package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransitionTable(t *testing.T) {
	all := []State{StateSpawning, StateRunning, StateCompleted, StateFailed, StateTimedOut, StateKilled}
	allowed := map[[2]State]bool{
		{StateSpawning, StateRunning}:  true,
		{StateSpawning, StateFailed}:   true,
		{StateSpawning, StateKilled}:   true,
		{StateRunning, StateCompleted}: true,
		{StateRunning, StateFailed}:    true,
		{StateRunning, StateTimedOut}:  true,
		{StateRunning, StateKilled}:    true,
	}

	for _, from := range all {
		for _, to := range all {
			assert.Equal(t, allowed[[2]State{from, to}], CanTransition(from, to), "%s -> %s", from, to)
		}
	}
}

func TestTerminalStates(t *testing.T) {
	assert.False(t, StateSpawning.Terminal())
	assert.False(t, StateRunning.Terminal())
	for _, s := range []State{StateCompleted, StateFailed, StateTimedOut, StateKilled} {
		assert.True(t, s.Terminal(), s.String())
		for _, next := range []State{StateSpawning, StateRunning, StateCompleted, StateFailed, StateTimedOut, StateKilled} {
			assert.False(t, CanTransition(s, next), "terminal %s must not leave", s)
		}
	}
}

func TestMachine(t *testing.T) {
	clock := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	m := NewMachine(func() time.Time { return clock })
	assert.Equal(t, StateSpawning, m.State())

	err := m.Transition(StateCompleted)
	require.ErrorIs(t, err, ErrInvalidTransition, "skipping Running is not allowed")

	require.NoError(t, m.Transition(StateRunning))
	require.NoError(t, m.Transition(StateTimedOut))
	assert.ErrorIs(t, m.Transition(StateKilled), ErrInvalidTransition)

	assert.Equal(t, []Transition{
		{From: StateSpawning, To: StateRunning, At: clock},
		{From: StateRunning, To: StateTimedOut, At: clock},
	}, m.History())
}

func TestStateText(t *testing.T) {
	for s := range stateNames {
		text, err := s.MarshalText()
		require.NoError(t, err)
		var decoded State
		require.NoError(t, decoded.UnmarshalText(text))
		assert.Equal(t, s, decoded)
	}
	var s State
	assert.Error(t, s.UnmarshalText([]byte("zombie")))
}
