package service

import (
	"errors"
	"testing"
)

func TestValidateTransition(t *testing.T) {
	tests := []struct {
		name    string
		from    State
		to      State
		wantErr bool
	}{
		{"created to initializing", StateCreated, StateInitializing, false},
		{"initializing to ready", StateInitializing, StateReady, false},
		{"initializing to failed", StateInitializing, StateFailed, false},
		{"ready to degraded", StateReady, StateDegraded, false},
		{"degraded to ready", StateDegraded, StateReady, false},
		{"ready to stopping", StateReady, StateStopping, false},
		{"degraded to stopping", StateDegraded, StateStopping, false},
		{"created to stopping", StateCreated, StateStopping, false},
		{"failed to stopping", StateFailed, StateStopping, false},
		{"stopping to stopped", StateStopping, StateStopped, false},
		{"no-op transition", StateReady, StateReady, false},
		{"created to ready skips initializing", StateCreated, StateReady, true},
		{"stopped is terminal", StateStopped, StateInitializing, true},
		{"stopping cannot resume", StateStopping, StateReady, true},
		{"ready cannot fail directly", StateReady, StateFailed, true},
		{"degraded cannot fail directly", StateDegraded, StateFailed, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateTransition(tt.from, tt.to)
			if tt.wantErr && err == nil {
				t.Errorf("ValidateTransition(%s, %s) = nil, want error", tt.from, tt.to)
			}
			if !tt.wantErr && err != nil {
				t.Errorf("ValidateTransition(%s, %s) = %v, want nil", tt.from, tt.to, err)
			}
			if tt.wantErr {
				var ite *InvalidTransitionError
				if !errors.As(err, &ite) {
					t.Fatalf("error type = %T, want *InvalidTransitionError", err)
				}
				if ite.From != tt.from || ite.To != tt.to {
					t.Errorf("error carries %s -> %s, want %s -> %s", ite.From, ite.To, tt.from, tt.to)
				}
			}
		})
	}
}

func TestStatePredicates(t *testing.T) {
	if !StateStopped.IsTerminal() {
		t.Error("stopped should be terminal")
	}
	for _, s := range []State{StateCreated, StateInitializing, StateReady, StateDegraded, StateStopping, StateFailed} {
		if s.IsTerminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
	if !StateReady.Healthy() {
		t.Error("ready should be healthy")
	}
	if StateDegraded.Healthy() {
		t.Error("degraded should not report healthy")
	}
}
