package service

import "fmt"

// State is the lifecycle state of a service process.
type State string

const (
	StateCreated      State = "created"
	StateInitializing State = "initializing"
	StateReady        State = "ready"
	StateDegraded     State = "degraded"
	StateStopping     State = "stopping"
	StateStopped      State = "stopped"
	StateFailed       State = "failed"
)

// Transition represents a state change from one state to another
type Transition struct {
	From State
	To   State
}

// validTransitions defines the allowed lifecycle transitions. Any state may
// move to stopping on a shutdown signal.
var validTransitions = map[Transition]bool{
	{StateCreated, StateInitializing}: true,

	{StateInitializing, StateReady}:  true,
	{StateInitializing, StateFailed}: true,

	{StateReady, StateDegraded}: true,
	{StateDegraded, StateReady}: true,

	{StateCreated, StateStopping}:      true,
	{StateInitializing, StateStopping}: true,
	{StateReady, StateStopping}:        true,
	{StateDegraded, StateStopping}:     true,
	{StateFailed, StateStopping}:       true,

	{StateStopping, StateStopped}: true,
}

// ValidateTransition checks if a state transition is valid
func ValidateTransition(from, to State) error {
	if from == to {
		return nil // No-op transitions are allowed
	}

	if validTransitions[Transition{from, to}] {
		return nil
	}

	return &InvalidTransitionError{
		From:    from,
		To:      to,
		Message: fmt.Sprintf("invalid lifecycle transition from %s to %s", from, to),
	}
}

// InvalidTransitionError represents an invalid state transition error
type InvalidTransitionError struct {
	From    State
	To      State
	Message string
}

func (e *InvalidTransitionError) Error() string {
	return e.Message
}

// IsTerminal reports whether no further transitions except stopping can
// leave the state.
func (s State) IsTerminal() bool {
	return s == StateStopped
}

// Healthy reports whether the service is serving traffic.
func (s State) Healthy() bool {
	return s == StateReady
}
