package voice

import (
	"errors"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func TestValidateTransition(t *testing.T) {
	tests := []struct {
		name    string
		from    SessionState
		to      SessionState
		wantErr bool
	}{
		{"idle to stt", SessionIdle, SessionSTTPending, false},
		{"stt to ai", SessionSTTPending, SessionAIPending, false},
		{"ai to dispatch", SessionAIPending, SessionDispatchPending, false},
		{"ai straight to tts", SessionAIPending, SessionTTSPending, false},
		{"dispatch to tts", SessionDispatchPending, SessionTTSPending, false},
		{"tts to complete", SessionTTSPending, SessionComplete, false},
		{"idle can fail", SessionIdle, SessionFailed, false},
		{"stt can be cancelled", SessionSTTPending, SessionCancelled, false},
		{"tts can fail", SessionTTSPending, SessionFailed, false},
		{"no-op is allowed", SessionAIPending, SessionAIPending, false},
		{"idle cannot skip stt", SessionIdle, SessionAIPending, true},
		{"stt cannot skip ai", SessionSTTPending, SessionTTSPending, true},
		{"ai cannot complete directly", SessionAIPending, SessionComplete, true},
		{"dispatch cannot regress", SessionDispatchPending, SessionAIPending, true},
		{"complete is terminal", SessionComplete, SessionTTSPending, true},
		{"failed is terminal", SessionFailed, SessionSTTPending, true},
		{"cancelled is terminal", SessionCancelled, SessionIdle, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateTransition(tt.from, tt.to)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ValidateTransition(%s, %s) error = %v, wantErr %v", tt.from, tt.to, err, tt.wantErr)
			}
			if err == nil {
				return
			}
			var ite *InvalidTransitionError
			if !errors.As(err, &ite) {
				t.Fatalf("error type = %T, want *InvalidTransitionError", err)
			}
			if ite.From != tt.from || ite.To != tt.to {
				t.Errorf("error fields = %s -> %s, want %s -> %s", ite.From, ite.To, tt.from, tt.to)
			}
		})
	}
}

func TestSessionStateTerminal(t *testing.T) {
	terminal := map[SessionState]bool{
		SessionIdle:            false,
		SessionSTTPending:      false,
		SessionAIPending:       false,
		SessionDispatchPending: false,
		SessionTTSPending:      false,
		SessionComplete:        true,
		SessionFailed:          true,
		SessionCancelled:       true,
	}
	for state, want := range terminal {
		if got := state.Terminal(); got != want {
			t.Errorf("%s.Terminal() = %v, want %v", state, got, want)
		}
	}
}

func TestTransitionProperties(t *testing.T) {
	states := []SessionState{
		SessionIdle, SessionSTTPending, SessionAIPending, SessionDispatchPending,
		SessionTTSPending, SessionComplete, SessionFailed, SessionCancelled,
		SessionState("bogus"),
	}

	// Independent oracle for the pipeline graph.
	allowed := func(from, to SessionState) bool {
		if from == to {
			return true
		}
		if to == SessionFailed || to == SessionCancelled {
			switch from {
			case SessionIdle, SessionSTTPending, SessionAIPending, SessionDispatchPending, SessionTTSPending:
				return true
			}
			return false
		}
		switch from {
		case SessionIdle:
			return to == SessionSTTPending
		case SessionSTTPending:
			return to == SessionAIPending
		case SessionAIPending:
			return to == SessionDispatchPending || to == SessionTTSPending
		case SessionDispatchPending:
			return to == SessionTTSPending
		case SessionTTSPending:
			return to == SessionComplete
		}
		return false
	}

	properties := gopter.NewProperties(nil)

	properties.Property("ValidateTransition matches the pipeline graph", prop.ForAll(
		func(fromIdx, toIdx int) bool {
			from, to := states[fromIdx], states[toIdx]
			return (ValidateTransition(from, to) == nil) == allowed(from, to)
		},
		gen.IntRange(0, len(states)-1),
		gen.IntRange(0, len(states)-1),
	))

	properties.Property("terminal states admit only no-ops", prop.ForAll(
		func(fromIdx, toIdx int) bool {
			from, to := states[fromIdx], states[toIdx]
			if !from.Terminal() || from == to {
				return true
			}
			return ValidateTransition(from, to) != nil
		},
		gen.IntRange(0, len(states)-1),
		gen.IntRange(0, len(states)-1),
	))

	properties.TestingRun(t)
}
