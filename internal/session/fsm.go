// Package session keeps one whatsmeow connection per business.
package session

import (
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"
)

type State string

const (
	Initializing  State = "initializing"
	AwaitingScan  State = "awaiting_scan"
	Authenticated State = "authenticated"
	Ready         State = "ready"
	Disconnecting State = "disconnecting"
	Disconnected  State = "disconnected"
	Error         State = "error"
)

var ErrInvalidTransition = errors.New("session: invalid state transition")

var transitions = map[State][]State{
	Initializing:  {AwaitingScan, Authenticated, Ready, Disconnecting, Disconnected, Error},
	AwaitingScan:  {Authenticated, Disconnecting, Disconnected, Error},
	Authenticated: {Ready, Disconnecting, Disconnected, Error},
	Ready:         {Disconnecting, Disconnected, Error},
	Disconnecting: {Disconnected},
	Disconnected:  {Initializing},
	Error:         {Initializing, Disconnected},
}

// CanTransition reports whether from -> to is an allowed edge.
func CanTransition(from, to State) bool {
	return slices.Contains(transitions[from], to)
}

// Machine is the lifecycle of one session. The zero value is not usable;
// sessions start Disconnected.
type Machine struct {
	mu      sync.Mutex
	state   State
	since   time.Time
	lastErr string
	now     func() time.Time
}

func NewMachine(now func() time.Time) *Machine {
	if now == nil {
		now = time.Now
	}
	return &Machine{state: Disconnected, since: now(), now: now}
}

func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Machine) LastError() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastErr
}

// Since is when the current state was entered.
func (m *Machine) Since() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.since
}

// Transition moves to the next state. Moving to the current state is a no-op.
func (m *Machine) Transition(to State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.transitionLocked(to, "")
}

// Fail moves to Error and records why. A session already going down ends in
// Disconnected instead.
func (m *Machine) Fail(cause error) State {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	if m.state == Disconnecting {
		m.transitionLocked(Disconnected, msg)
		return m.state
	}
	if err := m.transitionLocked(Error, msg); err != nil {
		m.lastErr = msg
	}
	return m.state
}

func (m *Machine) transitionLocked(to State, errMsg string) error {
	if m.state == to {
		return nil
	}
	if !CanTransition(m.state, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, m.state, to)
	}
	m.state = to
	m.since = m.now()
	if to == Error || errMsg != "" {
		m.lastErr = errMsg
	} else if to == Ready {
		m.lastErr = ""
	}
	return nil
}
