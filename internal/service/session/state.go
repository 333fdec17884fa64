package session

import (
	"errors"
	"fmt"
	"sync"
)

// State is a session lifecycle state.
type State int

const (
	// StateCreated - session object exists, provider connection not yet attempted.
	StateCreated State = iota
	// StateAwaitingReady - provider connection in flight, waiting for acknowledgement.
	StateAwaitingReady
	// StateReady - provider acknowledged, not currently recording.
	StateReady
	// StateRecording - audio frames are being relayed to the provider.
	StateRecording
	// StatePaused - recording suspended by the client; audio is discarded.
	StatePaused
	// StateEnded - terminal. No further transitions.
	StateEnded
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateCreated:
		return "CREATED"
	case StateAwaitingReady:
		return "AWAITING_READY"
	case StateReady:
		return "READY"
	case StateRecording:
		return "RECORDING"
	case StatePaused:
		return "PAUSED"
	case StateEnded:
		return "ENDED"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", int(s))
	}
}

// Transition errors.
var (
	ErrSessionEnded     = errors.New("session has ended")
	ErrNotReady         = errors.New("provider connection not ready")
	ErrAlreadyRecording = errors.New("recording already in progress")
	ErrNotRecording     = errors.New("no recording in progress")
	ErrNotPaused        = errors.New("recording is not paused")
)

// Lifecycle guards the session state machine. All transitions are
// serialized; invalid ones return a sentinel error the caller can
// surface to the client.
type Lifecycle struct {
	mu    sync.Mutex
	state State
}

// NewLifecycle creates a lifecycle in the CREATED state.
func NewLifecycle() *Lifecycle {
	return &Lifecycle{state: StateCreated}
}

// State returns the current state.
func (l *Lifecycle) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Connecting moves CREATED -> AWAITING_READY.
func (l *Lifecycle) Connecting() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state == StateEnded {
		return ErrSessionEnded
	}
	if l.state != StateCreated {
		return fmt.Errorf("cannot start connecting from %s", l.state)
	}
	l.state = StateAwaitingReady
	return nil
}

// ProviderReady moves AWAITING_READY -> READY.
func (l *Lifecycle) ProviderReady() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state == StateEnded {
		return ErrSessionEnded
	}
	if l.state != StateAwaitingReady {
		return fmt.Errorf("cannot become ready from %s", l.state)
	}
	l.state = StateReady
	return nil
}

// StartRecording moves READY -> RECORDING.
func (l *Lifecycle) StartRecording() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	switch l.state {
	case StateEnded:
		return ErrSessionEnded
	case StateRecording, StatePaused:
		return ErrAlreadyRecording
	case StateCreated, StateAwaitingReady:
		return ErrNotReady
	}
	l.state = StateRecording
	return nil
}

// Pause moves RECORDING -> PAUSED.
func (l *Lifecycle) Pause() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state == StateEnded {
		return ErrSessionEnded
	}
	if l.state != StateRecording {
		return ErrNotRecording
	}
	l.state = StatePaused
	return nil
}

// Resume moves PAUSED -> RECORDING.
func (l *Lifecycle) Resume() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state == StateEnded {
		return ErrSessionEnded
	}
	if l.state != StatePaused {
		return ErrNotPaused
	}
	l.state = StateRecording
	return nil
}

// StopRecording moves RECORDING or PAUSED back to READY.
func (l *Lifecycle) StopRecording() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state == StateEnded {
		return ErrSessionEnded
	}
	if l.state != StateRecording && l.state != StatePaused {
		return ErrNotRecording
	}
	l.state = StateReady
	return nil
}

// End moves to ENDED from any state. Idempotent; reports whether this
// call performed the transition.
func (l *Lifecycle) End() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state == StateEnded {
		return false
	}
	l.state = StateEnded
	return true
}
