package lifecycle

import "time"

// State represents the lifecycle state of a device session.
type State int

const (
	StateUnbound State = iota
	StateLinkConnecting
	StateLinkReady
	StateProvisioning
	StateSecureReady
	StateDegraded
	StateClosed
)

// String returns a human-readable representation of the state.
func (s State) String() string {
	switch s {
	case StateUnbound:
		return "Unbound"
	case StateLinkConnecting:
		return "LinkConnecting"
	case StateLinkReady:
		return "LinkReady"
	case StateProvisioning:
		return "Provisioning"
	case StateSecureReady:
		return "SecureReady"
	case StateDegraded:
		return "Degraded"
	case StateClosed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// Connected reports whether the link is up in this state.
func (s State) Connected() bool {
	switch s {
	case StateLinkReady, StateProvisioning, StateSecureReady, StateDegraded:
		return true
	}
	return false
}

// transitions lists the allowed next states for each state.
var transitions = map[State][]State{
	StateUnbound:        {StateLinkConnecting, StateClosed},
	StateLinkConnecting: {StateLinkReady, StateSecureReady, StateUnbound, StateClosed},
	StateLinkReady:      {StateProvisioning, StateSecureReady, StateLinkConnecting, StateUnbound, StateClosed},
	StateProvisioning:   {StateLinkReady, StateSecureReady, StateUnbound, StateClosed},
	StateSecureReady:    {StateProvisioning, StateLinkReady, StateLinkConnecting, StateDegraded, StateUnbound, StateClosed},
	StateDegraded:       {StateSecureReady, StateLinkConnecting, StateLinkReady, StateProvisioning, StateUnbound, StateClosed},
	StateClosed:         nil,
}

// CanTransition reports whether from -> to is allowed.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// EventEmitter is called when lifecycle state changes.
type EventEmitter interface {
	OnStateChange(previous, current State, reason string)
}

// Manager manages the lifecycle state machine for a device session.
type Manager interface {
	// State returns the current lifecycle state.
	State() State

	// TransitionTo attempts to transition to a new state.
	// Returns an error matching domain.ErrInvalidTransition if the transition is not valid.
	TransitionTo(newState State, reason string) error

	// WaitWithTimeout waits for all workers to finish with a timeout.
	// Returns ErrShutdownTimeout if the timeout expires.
	WaitWithTimeout(timeout time.Duration) error

	// AddWorker increments the worker count.
	AddWorker()

	// WorkerDone decrements the worker count.
	WorkerDone()
}
