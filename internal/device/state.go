// Package device implements the command plane: the registry of announced
// devices, the capability index used for intent routing, and the per-device
// command queues with their dispatch workers.
package device

import "fmt"

// CommandState is the lifecycle state of one command leg (one command on
// one device).
type CommandState string

const (
	CommandQueued       CommandState = "queued"
	CommandDispatched   CommandState = "dispatched"
	CommandAcknowledged CommandState = "acknowledged"
	CommandCompleted    CommandState = "completed"
	CommandFailed       CommandState = "failed"
	CommandTimedOut     CommandState = "timed_out"
	CommandCancelled    CommandState = "cancelled"
)

// Transition represents a state change from one state to another
type Transition struct {
	From CommandState
	To   CommandState
}

// validTransitions is a DAG except for the single back-edge
// dispatched -> queued, taken on ack-timeout retry and on device loss
// mid-dispatch.
var validTransitions = map[Transition]bool{
	{CommandQueued, CommandDispatched}:       true,
	{CommandQueued, CommandCancelled}:        true,
	{CommandDispatched, CommandAcknowledged}: true,
	{CommandDispatched, CommandQueued}:       true,
	{CommandDispatched, CommandTimedOut}:     true,
	{CommandAcknowledged, CommandCompleted}:  true,
	{CommandAcknowledged, CommandFailed}:     true,
}

// ValidateTransition checks whether a command may move from one state to
// another.
func ValidateTransition(from, to CommandState) error {
	if from == to {
		return nil // No-op transitions are allowed
	}

	if validTransitions[Transition{from, to}] {
		return nil
	}

	return &InvalidTransitionError{
		From:    from,
		To:      to,
		Message: fmt.Sprintf("invalid command transition from %s to %s", from, to),
	}
}

type InvalidTransitionError struct {
	From    CommandState
	To      CommandState
	Message string
}

func (e *InvalidTransitionError) Error() string {
	return e.Message
}

// Terminal reports whether no further transitions are possible.
func (s CommandState) Terminal() bool {
	switch s {
	case CommandCompleted, CommandFailed, CommandTimedOut, CommandCancelled:
		return true
	}
	return false
}
