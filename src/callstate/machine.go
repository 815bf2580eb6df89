package callstate

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// State is the call phase of a session.
type State int

const (
	Idle State = iota
	Listening
	Thinking
	Speaking
	Interrupted
)

func (s State) String() string {
	switch s {
	case Idle:
		return "IDLE"
	case Listening:
		return "LISTENING"
	case Thinking:
		return "THINKING"
	case Speaking:
		return "SPEAKING"
	case Interrupted:
		return "INTERRUPTED"
	default:
		return "UNKNOWN"
	}
}

// ErrIllegalTransition is returned when a transition is not in the legal set.
// It is logged and ignored by callers; never fatal.
var ErrIllegalTransition = errors.New("illegal state transition")

// Transition records one successful state change.
type Transition struct {
	From   State
	To     State
	Reason string
	At     time.Time
}

// Listener is invoked synchronously on each successful transition.
// Listeners must not block.
type Listener func(t Transition)

// maxHistory bounds the transition log per session.
const maxHistory = 64

var legal = map[State][]State{
	Idle:        {Listening},
	Listening:   {Thinking},
	Thinking:    {Speaking, Listening},
	Speaking:    {Listening, Interrupted},
	Interrupted: {Listening},
}

// Machine enforces legal call-phase transitions for one session. Any state
// may transition to Idle (teardown).
type Machine struct {
	mu        sync.Mutex
	current   State
	history   []Transition
	listeners []Listener
	log       *zap.Logger
}

// NewMachine creates a machine in the Idle state.
func NewMachine(log *zap.Logger) *Machine {
	return &Machine{
		current: Idle,
		log:     log.Named("callstate"),
	}
}

// Current returns the present state.
func (m *Machine) Current() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Attempt tries to move to the target state. Illegal transitions are logged
// and rejected; the machine stays put.
func (m *Machine) Attempt(to State, reason string) bool {
	m.mu.Lock()

	if !m.allowed(to) {
		from := m.current
		m.mu.Unlock()
		m.log.Warn("rejected transition",
			zap.Stringer("from", from),
			zap.Stringer("to", to),
			zap.String("reason", reason),
			zap.Error(ErrIllegalTransition))
		return false
	}

	t := Transition{From: m.current, To: to, Reason: reason, At: time.Now()}
	m.current = to
	m.history = append(m.history, t)
	if len(m.history) > maxHistory {
		m.history = m.history[len(m.history)-maxHistory:]
	}
	listeners := make([]Listener, len(m.listeners))
	copy(listeners, m.listeners)
	m.mu.Unlock()

	m.log.Debug("transition",
		zap.Stringer("from", t.From),
		zap.Stringer("to", t.To),
		zap.String("reason", reason))

	for _, l := range listeners {
		l(t)
	}
	return true
}

func (m *Machine) allowed(to State) bool {
	if to == Idle {
		return true // teardown from anywhere
	}
	for _, s := range legal[m.current] {
		if s == to {
			return true
		}
	}
	return false
}

// Subscribe registers a listener for successful transitions.
func (m *Machine) Subscribe(l Listener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, l)
}

// History returns a copy of the bounded transition log.
func (m *Machine) History() []Transition {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Transition, len(m.history))
	copy(out, m.history)
	return out
}

// Must attempts a transition and returns an error describing the rejection,
// for the few callers that need to propagate it.
func (m *Machine) Must(to State, reason string) error {
	if !m.Attempt(to, reason) {
		return fmt.Errorf("%w: %s -> %s (%s)", ErrIllegalTransition, m.Current(), to, reason)
	}
	return nil
}
