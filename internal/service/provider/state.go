package provider

import (
	"errors"
	"fmt"
	"sync"
)

// State represents the connection state of a provider client.
type State int

const (
	// StateIdle - No connection attempted yet.
	StateIdle State = iota
	// StateConnecting - Token fetched or in flight, awaiting handshake ack.
	StateConnecting
	// StateReady - Handshake acknowledged; audio may be forwarded.
	StateReady
	// StateClosing - Graceful termination sent, awaiting transport close.
	StateClosing
	// StateClosed - Connection closed normally. Terminal.
	StateClosed
	// StateError - Connection failed or dropped. Terminal.
	StateError
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateConnecting:
		return "CONNECTING"
	case StateReady:
		return "READY"
	case StateClosing:
		return "CLOSING"
	case StateClosed:
		return "CLOSED"
	case StateError:
		return "ERROR"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", s)
	}
}

// IsTerminal returns true if the state is terminal (CLOSED or ERROR).
func (s State) IsTerminal() bool {
	return s == StateClosed || s == StateError
}

// Errors for invalid state transitions.
var (
	ErrAlreadyConnected = errors.New("connection already attempted")
	ErrConnClosed       = errors.New("connection is closed")
)

// connState manages the state machine for a single provider connection.
// Thread-safe for concurrent access.
//
// State transitions:
//
//	IDLE → CONNECTING → READY → CLOSING → CLOSED
//
// ERROR is reachable from any non-terminal state.
type connState struct {
	mu    sync.RWMutex
	state State
}

func newConnState() *connState {
	return &connState{state: StateIdle}
}

// State returns the current state.
func (c *connState) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// ToConnecting transitions IDLE → CONNECTING.
func (c *connState) ToConnecting() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateIdle {
		return fmt.Errorf("%w: state=%s", ErrAlreadyConnected, c.state)
	}
	c.state = StateConnecting
	return nil
}

// ToReady transitions CONNECTING → READY.
func (c *connState) ToReady() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateConnecting {
		return fmt.Errorf("cannot become ready from %s", c.state)
	}
	c.state = StateReady
	return nil
}

// ToClosing transitions any non-terminal state to CLOSING.
// Returns false if already closing or terminal.
func (c *connState) ToClosing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateClosing || c.state.IsTerminal() {
		return false
	}
	c.state = StateClosing
	return true
}

// ToClosed transitions to CLOSED.
func (c *connState) ToClosed() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateError {
		return
	}
	c.state = StateClosed
}

// ToError transitions any non-terminal state to ERROR.
// Returns false if already terminal.
func (c *connState) ToError() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state.IsTerminal() {
		return false
	}
	c.state = StateError
	return true
}
