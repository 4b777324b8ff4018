package bridge

import (
	"fmt"
	"sync"

	"github.com/zjrosen/biomcp/internal/pubsub"
)

// ConnectionState is the lifecycle state of a Session.
type ConnectionState int

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateReady
	StateClosed
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateReady:
		return "ready"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// StateChange is published on every transition.
type StateChange struct {
	From ConnectionState
	To   ConnectionState
}

// validTransitions lists the allowed edges. Closed is terminal.
var validTransitions = map[ConnectionState][]ConnectionState{
	StateDisconnected: {StateConnecting, StateClosed},
	StateConnecting:   {StateReady, StateClosed},
	StateReady:        {StateClosed},
}

// CanTransition reports whether from -> to is an allowed edge.
func CanTransition(from, to ConnectionState) bool {
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// stateMachine guards the connection state and publishes transitions.
type stateMachine struct {
	mu     sync.RWMutex
	state  ConnectionState
	broker *pubsub.Broker[StateChange]
}

func newStateMachine(broker *pubsub.Broker[StateChange]) *stateMachine {
	return &stateMachine{state: StateDisconnected, broker: broker}
}

func (m *stateMachine) get() ConnectionState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// transition moves to the target state, failing on an invalid edge.
func (m *stateMachine) transition(to ConnectionState) error {
	m.mu.Lock()
	from := m.state
	if !CanTransition(from, to) {
		m.mu.Unlock()
		return fmt.Errorf("invalid state transition %s -> %s", from, to)
	}
	m.state = to
	m.mu.Unlock()

	if m.broker != nil {
		m.broker.Publish(pubsub.StateChangedEvent, StateChange{From: from, To: to})
	}
	return nil
}

// close moves to closed from any state. It reports whether this call did it.
func (m *stateMachine) close() bool {
	m.mu.Lock()
	from := m.state
	if from == StateClosed {
		m.mu.Unlock()
		return false
	}
	m.state = StateClosed
	m.mu.Unlock()

	if m.broker != nil {
		m.broker.Publish(pubsub.StateChangedEvent, StateChange{From: from, To: StateClosed})
	}
	return true
}
