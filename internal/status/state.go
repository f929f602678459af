package status

import (
	"fmt"
	"slices"
	"sync"

	"github.com/matheus3301/ethchat/internal/bus"
	"github.com/matheus3301/ethchat/internal/chainerr"
)

// State represents the externally visible session state.
type State string

const (
	Disconnected         State = "DISCONNECTED"
	Connecting           State = "CONNECTING"
	RegistrationRequired State = "REGISTRATION_REQUIRED"
	Ready                State = "READY"
)

// validTransitions defines allowed state transitions.
var validTransitions = map[State][]State{
	Disconnected:         {Connecting},
	Connecting:           {RegistrationRequired, Ready, Disconnected},
	RegistrationRequired: {Ready, Disconnected},
	Ready:                {Disconnected},
}

// Machine tracks and enforces session state transitions.
type Machine struct {
	mu      sync.RWMutex
	current State
	bus     *bus.Bus
}

// NewMachine creates a new state machine starting in Disconnected state.
func NewMachine(b *bus.Bus) *Machine {
	return &Machine{
		current: Disconnected,
		bus:     b,
	}
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Transition attempts to move to a new state. Returns error if transition is invalid.
func (m *Machine) Transition(to State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.transitionLocked(to)
}

// Disconnect moves to Disconnected from any state. It reports whether a
// transition happened.
func (m *Machine) Disconnect() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == Disconnected {
		return false
	}
	return m.transitionLocked(Disconnected) == nil
}

// Require fails fast with a NotReady error unless the machine is in want.
func (m *Machine) Require(want State) error {
	cur := m.Current()
	if cur != want {
		return chainerr.Newf(chainerr.NotReady, "session is %s, operation requires %s", cur, want)
	}
	return nil
}

func (m *Machine) transitionLocked(to State) error {
	allowed := validTransitions[m.current]
	if !slices.Contains(allowed, to) {
		return fmt.Errorf("invalid transition from %s to %s", m.current, to)
	}
	from := m.current
	m.current = to
	if m.bus != nil {
		m.bus.Emit(bus.SessionStatusChanged, StatusChange{From: from, To: to})
	}
	return nil
}

// StatusChange is the payload for status change events.
type StatusChange struct {
	From State
	To   State
}
