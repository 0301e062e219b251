package status

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/matheus3301/spark/internal/bus"
)

// State is the connection state of the client daemon.
type State string

const (
	Booting      State = "BOOTING"
	Connecting   State = "CONNECTING"
	Online       State = "ONLINE"
	Reconnecting State = "RECONNECTING"
	Offline      State = "OFFLINE"
	Error        State = "ERROR"
)

// validTransitions defines allowed state transitions.
var validTransitions = map[State][]State{
	Booting:      {Connecting, Offline, Error},
	Connecting:   {Online, Reconnecting, Offline, Error},
	Online:       {Reconnecting, Offline, Error},
	Reconnecting: {Connecting, Online, Offline, Error},
	Offline:      {Connecting, Error},
	Error:        {Booting},
}

// Machine tracks and enforces connection state transitions.
type Machine struct {
	mu      sync.RWMutex
	current State
	since   time.Time
	bus     *bus.Bus
}

// NewMachine creates a new state machine starting in Booting state.
func NewMachine(b *bus.Bus) *Machine {
	return &Machine{
		current: Booting,
		since:   time.Now(),
		bus:     b,
	}
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Since returns when the current state was entered.
func (m *Machine) Since() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.since
}

// Online reports whether the realtime channel is up.
func (m *Machine) Online() bool {
	return m.Current() == Online
}

// Transition attempts to move to a new state. Returns error if transition is invalid.
func (m *Machine) Transition(to State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	allowed := validTransitions[m.current]
	if !slices.Contains(allowed, to) {
		return fmt.Errorf("invalid transition from %s to %s", m.current, to)
	}
	from := m.current
	m.current = to
	m.since = time.Now()
	m.bus.Emit(bus.ConnectionStateChanged, StatusChange{From: from, To: to})
	return nil
}

// Connected moves the machine to Online, passing through Connecting when
// the current state requires it.
func (m *Machine) Connected() error {
	switch m.Current() {
	case Online:
		return nil
	case Booting, Offline:
		if err := m.Transition(Connecting); err != nil {
			return err
		}
	}
	return m.Transition(Online)
}

// Disconnected records a lost connection. With retrying the machine goes to
// Reconnecting, otherwise to Offline.
func (m *Machine) Disconnected(retrying bool) error {
	cur := m.Current()
	to := Offline
	if retrying && cur != Booting && cur != Offline {
		to = Reconnecting
	}
	if cur == to {
		return nil
	}
	return m.Transition(to)
}

// StatusChange is the payload for status change events.
type StatusChange struct {
	From State
	To   State
}
