// Package voice implements the pipeline orchestrator: the session store and
// the per-session driver that walks a voice interaction through STT, AI,
// optional device dispatch, and TTS.
package voice

import "fmt"

// SessionState is the lifecycle state of one voice session.
type SessionState string

const (
	SessionIdle            SessionState = "idle"
	SessionSTTPending      SessionState = "stt_pending"
	SessionAIPending       SessionState = "ai_pending"
	SessionDispatchPending SessionState = "dispatch_pending"
	SessionTTSPending      SessionState = "tts_pending"
	SessionComplete        SessionState = "complete"
	SessionFailed          SessionState = "failed"
	SessionCancelled       SessionState = "cancelled"
)

// Transition represents a state change from one state to another
type Transition struct {
	From SessionState
	To   SessionState
}

// validTransitions is the session DAG. Every non-terminal state may fail or
// be cancelled; dispatch_pending is optional and only entered when the AI
// response carries intents.
var validTransitions = map[Transition]bool{
	{SessionIdle, SessionSTTPending}: true,
	{SessionIdle, SessionFailed}:     true,
	{SessionIdle, SessionCancelled}:  true,

	{SessionSTTPending, SessionAIPending}: true,
	{SessionSTTPending, SessionFailed}:    true,
	{SessionSTTPending, SessionCancelled}: true,

	{SessionAIPending, SessionDispatchPending}: true,
	{SessionAIPending, SessionTTSPending}:      true,
	{SessionAIPending, SessionFailed}:          true,
	{SessionAIPending, SessionCancelled}:       true,

	{SessionDispatchPending, SessionTTSPending}: true,
	{SessionDispatchPending, SessionFailed}:     true,
	{SessionDispatchPending, SessionCancelled}:  true,

	{SessionTTSPending, SessionComplete}:  true,
	{SessionTTSPending, SessionFailed}:    true,
	{SessionTTSPending, SessionCancelled}: true,
}

// ValidateTransition checks whether a session may move from one state to
// another.
func ValidateTransition(from, to SessionState) error {
	if from == to {
		return nil // No-op transitions are allowed
	}

	if validTransitions[Transition{from, to}] {
		return nil
	}

	return &InvalidTransitionError{
		From:    from,
		To:      to,
		Message: fmt.Sprintf("invalid session transition from %s to %s", from, to),
	}
}

type InvalidTransitionError struct {
	From    SessionState
	To      SessionState
	Message string
}

func (e *InvalidTransitionError) Error() string {
	return e.Message
}

// Terminal reports whether no further transitions are possible.
func (s SessionState) Terminal() bool {
	switch s {
	case SessionComplete, SessionFailed, SessionCancelled:
		return true
	}
	return false
}
