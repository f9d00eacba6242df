package plugin

// State represents the lifecycle state of a plugin instance.
type State int

// Plugin states.
const (
	// StateDiscovered - Manifest found, nothing checked yet.
	StateDiscovered State = iota

	// StateValidated - Approved by the security manager.
	StateValidated

	// StateRejected - Refused by the security manager. Only cleanup remains.
	StateRejected

	// StateInitialized - Sandbox created and plugin code loaded.
	StateInitialized

	// StateActive - Activated and accepting invocations.
	StateActive

	// StateDeactivated - Stopped but able to activate again.
	StateDeactivated

	// StateFailed - Halted by a fatal error or resource violation.
	StateFailed

	// StateCleaned - Resources released. Terminal.
	StateCleaned
)

// String returns a string representation of the state.
func (s State) String() string {
	switch s {
	case StateDiscovered:
		return "discovered"
	case StateValidated:
		return "validated"
	case StateRejected:
		return "rejected"
	case StateInitialized:
		return "initialized"
	case StateActive:
		return "active"
	case StateDeactivated:
		return "deactivated"
	case StateFailed:
		return "failed"
	case StateCleaned:
		return "cleaned"
	default:
		return "unknown"
	}
}

// MarshalText encodes the state by name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// transitions lists the legal moves out of each state. Validated may fail
// directly when its sandbox cannot be created or its code does not load.
var transitions = map[State][]State{
	StateDiscovered:  {StateValidated, StateRejected},
	StateValidated:   {StateInitialized, StateFailed},
	StateRejected:    {StateCleaned},
	StateInitialized: {StateActive, StateFailed},
	StateActive:      {StateDeactivated, StateFailed},
	StateDeactivated: {StateActive, StateFailed, StateCleaned},
	StateFailed:      {StateCleaned},
}

// CanTransition reports whether to is reachable from s in one step.
func (s State) CanTransition(to State) bool {
	for _, next := range transitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// Terminal reports whether s admits no further lifecycle progress.
// A rejected instance may still be cleaned up.
func (s State) Terminal() bool {
	return s == StateRejected || s == StateCleaned
}

// HoldsSandbox reports whether an instance in s owns a live sandbox.
func (s State) HoldsSandbox() bool {
	switch s {
	case StateInitialized, StateActive, StateDeactivated, StateFailed:
		return true
	}
	return false
}
