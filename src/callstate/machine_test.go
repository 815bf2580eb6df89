package callstate

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestLegalTransitions(t *testing.T) {
	tests := []struct {
		name string
		path []State
	}{
		{"simple reply", []State{Listening, Thinking, Speaking, Listening}},
		{"barge-in", []State{Listening, Thinking, Speaking, Interrupted, Listening}},
		{"tool-only turn", []State{Listening, Thinking, Listening}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewMachine(zap.NewNop())
			for _, to := range tt.path {
				assert.Truef(t, m.Attempt(to, "test"), "step to %s", to)
			}
			assert.Equal(t, tt.path[len(tt.path)-1], m.Current())
		})
	}
}

func TestIllegalTransitionRejected(t *testing.T) {
	m := NewMachine(zap.NewNop())

	// LISTENING cannot jump straight to SPEAKING
	require.True(t, m.Attempt(Listening, "init"))
	assert.False(t, m.Attempt(Speaking, "skip thinking"))
	assert.Equal(t, Listening, m.Current())

	// INTERRUPTED only exits to LISTENING
	require.True(t, m.Attempt(Thinking, ""))
	require.True(t, m.Attempt(Speaking, ""))
	require.True(t, m.Attempt(Interrupted, ""))
	assert.False(t, m.Attempt(Thinking, ""))
	assert.False(t, m.Attempt(Speaking, ""))
	assert.True(t, m.Attempt(Listening, ""))
}

func TestIdleReachableFromAnywhere(t *testing.T) {
	for _, from := range []State{Idle, Listening, Thinking, Speaking, Interrupted} {
		m := NewMachine(zap.NewNop())
		walkTo(t, m, from)
		assert.Truef(t, m.Attempt(Idle, "teardown"), "from %s", from)
	}
}

// walkTo drives the machine to the target through legal edges.
func walkTo(t *testing.T, m *Machine, target State) {
	t.Helper()
	switch target {
	case Idle:
	case Listening:
		require.True(t, m.Attempt(Listening, ""))
	case Thinking:
		require.True(t, m.Attempt(Listening, ""))
		require.True(t, m.Attempt(Thinking, ""))
	case Speaking:
		require.True(t, m.Attempt(Listening, ""))
		require.True(t, m.Attempt(Thinking, ""))
		require.True(t, m.Attempt(Speaking, ""))
	case Interrupted:
		require.True(t, m.Attempt(Listening, ""))
		require.True(t, m.Attempt(Thinking, ""))
		require.True(t, m.Attempt(Speaking, ""))
		require.True(t, m.Attempt(Interrupted, ""))
	}
}

func TestListenersSeeEveryTransition(t *testing.T) {
	m := NewMachine(zap.NewNop())
	var seen []Transition
	m.Subscribe(func(tr Transition) { seen = append(seen, tr) })

	m.Attempt(Listening, "init")
	m.Attempt(Speaking, "illegal")
	m.Attempt(Thinking, "input")

	require.Len(t, seen, 2)
	assert.Equal(t, Idle, seen[0].From)
	assert.Equal(t, Listening, seen[0].To)
	assert.Equal(t, "input", seen[1].Reason)
}

func TestHistoryBounded(t *testing.T) {
	m := NewMachine(zap.NewNop())
	require.True(t, m.Attempt(Listening, "init"))
	for i := 0; i < 100; i++ {
		require.True(t, m.Attempt(Thinking, ""))
		require.True(t, m.Attempt(Listening, ""))
	}
	assert.Len(t, m.History(), maxHistory)
}

func TestMustWrapsSentinel(t *testing.T) {
	m := NewMachine(zap.NewNop())
	err := m.Must(Thinking, "from idle")
	assert.True(t, errors.Is(err, ErrIllegalTransition))
	assert.NoError(t, m.Must(Listening, "init"))
}

func TestStateStrings(t *testing.T) {
	assert.Equal(t, "IDLE", Idle.String())
	assert.Equal(t, "SPEAKING", Speaking.String())
	assert.Equal(t, "UNKNOWN", State(99).String())
}
