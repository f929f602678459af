package status

import (
	"testing"

	"github.com/matheus3301/ethchat/internal/bus"
	"github.com/matheus3301/ethchat/internal/chainerr"
)

func TestInitialState(t *testing.T) {
	m := NewMachine(nil)
	if m.Current() != Disconnected {
		t.Errorf("initial state = %s, want DISCONNECTED", m.Current())
	}
}

func TestValidTransitions(t *testing.T) {
	tests := []struct {
		from State
		to   State
	}{
		{Disconnected, Connecting},
		{Connecting, RegistrationRequired},
		{Connecting, Ready},
		{Connecting, Disconnected},
		{RegistrationRequired, Ready},
		{RegistrationRequired, Disconnected},
		{Ready, Disconnected},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			m := NewMachine(nil)
			walkTo(t, m, tt.from)
			if err := m.Transition(tt.to); err != nil {
				t.Errorf("Transition(%s -> %s) error = %v", tt.from, tt.to, err)
			}
			if m.Current() != tt.to {
				t.Errorf("state = %s, want %s", m.Current(), tt.to)
			}
		})
	}
}

func TestInvalidTransitions(t *testing.T) {
	tests := []struct {
		from State
		to   State
	}{
		{Disconnected, Ready},
		{Disconnected, RegistrationRequired},
		{Ready, RegistrationRequired},
		{Ready, Connecting},
		{RegistrationRequired, Connecting},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			m := NewMachine(nil)
			walkTo(t, m, tt.from)
			if err := m.Transition(tt.to); err == nil {
				t.Errorf("Transition(%s -> %s) should fail", tt.from, tt.to)
			}
			if m.Current() != tt.from {
				t.Errorf("state changed to %s on invalid transition", m.Current())
			}
		})
	}
}

func TestTransitionEmitsEvent(t *testing.T) {
	b := bus.New()
	ch, unsub := b.Subscribe("session.", 10)
	defer unsub()

	m := NewMachine(b)
	if err := m.Transition(Connecting); err != nil {
		t.Fatal(err)
	}

	evt := <-ch
	if evt.Kind != bus.SessionStatusChanged {
		t.Errorf("event kind = %q, want %s", evt.Kind, bus.SessionStatusChanged)
	}
	change, ok := evt.Payload.(StatusChange)
	if !ok {
		t.Fatalf("payload type = %T, want StatusChange", evt.Payload)
	}
	if change.From != Disconnected || change.To != Connecting {
		t.Errorf("change = %v -> %v, want DISCONNECTED -> CONNECTING", change.From, change.To)
	}
}

// TestRegistrationLifecycle walks a first-time user:
// DISCONNECTED → CONNECTING → REGISTRATION_REQUIRED → READY → DISCONNECTED
func TestRegistrationLifecycle(t *testing.T) {
	m := NewMachine(nil)

	steps := []State{Connecting, RegistrationRequired, Ready, Disconnected}
	for _, s := range steps {
		if err := m.Transition(s); err != nil {
			t.Fatalf("Transition to %s: %v (current: %s)", s, err, m.Current())
		}
	}
}

func TestDisconnectFromAnyState(t *testing.T) {
	for _, from := range []State{Connecting, RegistrationRequired, Ready} {
		m := NewMachine(nil)
		walkTo(t, m, from)
		if !m.Disconnect() {
			t.Errorf("Disconnect() from %s reported no transition", from)
		}
		if m.Current() != Disconnected {
			t.Errorf("state = %s after Disconnect()", m.Current())
		}
	}

	m := NewMachine(nil)
	if m.Disconnect() {
		t.Error("Disconnect() while disconnected should be a no-op")
	}
}

func TestRequire(t *testing.T) {
	m := NewMachine(nil)
	walkTo(t, m, RegistrationRequired)

	err := m.Require(Ready)
	if !chainerr.IsKind(err, chainerr.NotReady) {
		t.Fatalf("Require(READY) = %v, want NotReady", err)
	}
	if err := m.Require(RegistrationRequired); err != nil {
		t.Errorf("Require(current) = %v", err)
	}
}

// walkTo is a helper that transitions the machine to a target state.
func walkTo(t *testing.T, m *Machine, target State) {
	t.Helper()
	paths := map[State][]State{
		Disconnected:         {},
		Connecting:           {Connecting},
		RegistrationRequired: {Connecting, RegistrationRequired},
		Ready:                {Connecting, Ready},
	}
	for _, s := range paths[target] {
		if err := m.Transition(s); err != nil {
			t.Fatalf("walkTo(%s): %v", target, err)
		}
	}
}
