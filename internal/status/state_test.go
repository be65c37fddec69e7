package status

import (
	"testing"

	"github.com/matheus3301/mailchat/internal/bus"
)

func TestInitialState(t *testing.T) {
	m := NewMachine(nil)
	if m.Current() != Booting {
		t.Errorf("initial state = %s, want BOOTING", m.Current())
	}
}

func TestValidTransitions(t *testing.T) {
	tests := []struct {
		from State
		to   State
	}{
		{Booting, Migrating},
		{Booting, Error},
		{Migrating, Syncing},
		{Syncing, Ready},
		{Syncing, Degraded},
		{Ready, Syncing},
		{Degraded, Ready},
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

func TestInvalidTransition(t *testing.T) {
	m := NewMachine(nil)
	if err := m.Transition(Ready); err == nil {
		t.Error("Transition(BOOTING -> READY) should fail")
	}
}

func TestTransitionEmitsEvent(t *testing.T) {
	b := bus.New()
	ch, unsub := b.Subscribe("daemon.", 10)
	defer unsub()

	m := NewMachine(b)
	if err := m.Transition(Migrating); err != nil {
		t.Fatal(err)
	}

	evt := <-ch
	if evt.Kind != bus.KindDaemonStatus {
		t.Errorf("event kind = %q", evt.Kind)
	}
	change, ok := evt.Payload.(StatusChange)
	if !ok {
		t.Fatalf("payload type = %T, want StatusChange", evt.Payload)
	}
	if change.From != Booting || change.To != Migrating {
		t.Errorf("change = %v -> %v, want BOOTING -> MIGRATING", change.From, change.To)
	}
}

// TestDegradedRecovers verifies the transport-failure loop:
// READY → DEGRADED → READY without passing through boot states.
func TestDegradedRecovers(t *testing.T) {
	m := NewMachine(nil)
	walkTo(t, m, Ready)

	if err := m.Transition(Degraded); err != nil {
		t.Fatal(err)
	}
	if err := m.Transition(Ready); err != nil {
		t.Fatal(err)
	}
	if m.Current() != Ready {
		t.Errorf("final state = %s, want READY", m.Current())
	}
}

// TestStartupLifecycle simulates a full clean start:
// BOOTING → MIGRATING → SYNCING → READY
func TestStartupLifecycle(t *testing.T) {
	m := NewMachine(nil)

	steps := []State{Migrating, Syncing, Ready}
	for _, s := range steps {
		if err := m.Transition(s); err != nil {
			t.Fatalf("Transition to %s: %v (current: %s)", s, err, m.Current())
		}
	}
	if m.Current() != Ready {
		t.Errorf("final state = %s, want READY", m.Current())
	}
}

// walkTo is a helper that transitions the machine to a target state.
func walkTo(t *testing.T, m *Machine, target State) {
	t.Helper()
	paths := map[State][]State{
		Booting:   {},
		Migrating: {Migrating},
		Syncing:   {Migrating, Syncing},
		Ready:     {Migrating, Syncing, Ready},
		Degraded:  {Migrating, Syncing, Degraded},
		Error:     {Error},
	}
	for _, s := range paths[target] {
		if err := m.Transition(s); err != nil {
			t.Fatalf("walkTo(%s): %v", target, err)
		}
	}
}
