package engine

import (
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// State is the engine lifecycle state.
type State int32

// Lifecycle states. STOPPED is terminal.
const (
	StateIdle State = iota
	StateStarting
	StateRunning
	StateStopping
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateStarting:
		return "STARTING"
	case StateRunning:
		return "RUNNING"
	case StateStopping:
		return "STOPPING"
	case StateStopped:
		return "STOPPED"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// StateError reports an illegal lifecycle transition.
type StateError struct {
	From State
	To   State
}

func (e *StateError) Error() string {
	return fmt.Sprintf("illegal engine transition %s -> %s", e.From, e.To)
}

var legalTransitions = map[State][]State{
	StateIdle:     {StateStarting, StateStopping},
	StateStarting: {StateRunning, StateStopping},
	StateRunning:  {StateStopping},
	StateStopping: {StateStopped},
}

// CanTransition reports whether from -> to is a legal edge.
func CanTransition(from, to State) bool {
	for _, next := range legalTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// stateChange is a transition waiting to be published.
type stateChange struct {
	from, to State
}

// stateMachine serializes lifecycle transitions and queues them so they are
// published in the order they happened.
type stateMachine struct {
	mu         sync.Mutex
	state      State
	pending    []stateChange
	publishing bool
	logger     *zap.Logger
}

func newStateMachine(logger *zap.Logger) *stateMachine {
	return &stateMachine{state: StateIdle, logger: logger}
}

func (m *stateMachine) current() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// transition moves to the target state if the edge is legal and returns the
// state it moved from.
func (m *stateMachine) transition(to State) (State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	from := m.state
	if !CanTransition(from, to) {
		return from, &StateError{From: from, To: to}
	}
	m.state = to
	m.pending = append(m.pending, stateChange{from: from, to: to})
	m.logger.Debug("engine state transition",
		zap.String("from", from.String()),
		zap.String("to", to.String()),
	)
	return from, nil
}

// claim hands the oldest queued change to the caller, who must call release
// after publishing it. It reports false when nothing is queued or another
// goroutine is publishing.
func (m *stateMachine) claim() (stateChange, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.publishing || len(m.pending) == 0 {
		return stateChange{}, false
	}
	change := m.pending[0]
	m.pending = m.pending[1:]
	m.publishing = true
	return change, true
}

func (m *stateMachine) release() {
	m.mu.Lock()
	m.publishing = false
	m.mu.Unlock()
}
