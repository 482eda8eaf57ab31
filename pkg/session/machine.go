package session

import (
	"fmt"
	"sync"
)

// State describes the lifecycle position of a session.
type State string

const (
	StateIdle          State = "idle"
	StateConnecting    State = "connecting"
	StateAwaitingHello State = "awaiting_hello"
	StateReady         State = "ready"
	StateListening     State = "listening"
	StateStopping      State = "stopping"
	StateClosed        State = "closed"
	StateFailed        State = "failed"
)

// transitions lists the allowed forward edges. Closed and Failed are
// terminal; every non-terminal state may fall into either of them when the
// transport closes underneath the session.
var transitions = map[State][]State{
	StateIdle:          {StateConnecting, StateClosed},
	StateConnecting:    {StateAwaitingHello, StateClosed, StateFailed},
	StateAwaitingHello: {StateReady, StateStopping, StateClosed, StateFailed},
	StateReady:         {StateListening, StateStopping, StateClosed, StateFailed},
	StateListening:     {StateStopping, StateClosed, StateFailed},
	StateStopping:      {StateClosed, StateFailed},
}

// machine serializes state transitions for a single session.
type machine struct {
	mu    sync.RWMutex
	state State
}

func newMachine() *machine {
	return &machine{state: StateIdle}
}

// State returns the current state.
func (m *machine) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Terminal reports whether the machine reached a terminal state.
func (m *machine) Terminal() bool {
	state := m.State()
	return state == StateClosed || state == StateFailed
}

// Transition moves to the target state if the edge is allowed.
func (m *machine) Transition(to State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == to {
		return nil
	}
	for _, allowed := range transitions[m.state] {
		if allowed == to {
			m.state = to
			return nil
		}
	}
	return fmt.Errorf("invalid session transition %s -> %s", m.state, to)
}

// TransitionFrom moves to the target state only when currently in from.
func (m *machine) TransitionFrom(from State, to State) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != from {
		return false
	}
	for _, allowed := range transitions[from] {
		if allowed == to {
			m.state = to
			return true
		}
	}
	return false
}
