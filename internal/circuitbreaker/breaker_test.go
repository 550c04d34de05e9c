package circuitbreaker

import (
	"errors"
	"testing"
	"time"
)

func TestBreakerOpensAfterMaxFailures(t *testing.T) {
	cb := New(3, time.Minute)
	boom := errors.New("collaborator down")

	for i := 0; i < 3; i++ {
		if err := cb.Execute(func() error { return boom }); !errors.Is(err, boom) {
			t.Fatalf("attempt %d: err = %v, want %v", i+1, err, boom)
		}
	}

	if cb.State() != StateOpen {
		t.Fatalf("state = %v, want open", cb.State())
	}

	err := cb.Execute(func() error {
		t.Fatal("fn must not run while open")
		return nil
	})
	if !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("err = %v, want ErrCircuitOpen", err)
	}
	if cb.Ready() {
		t.Error("Ready() = true while open within timeout")
	}
}

func TestBreakerClosesFromHalfOpen(t *testing.T) {
	cb := New(1, 10*time.Millisecond)

	if err := cb.Execute(func() error { return errors.New("fail") }); err == nil {
		t.Fatal("expected failure")
	}
	if cb.State() != StateOpen {
		t.Fatalf("state = %v, want open", cb.State())
	}

	time.Sleep(15 * time.Millisecond)
	if !cb.Ready() {
		t.Fatal("Ready() = false after timeout elapsed")
	}

	// Half-open requires halfOpenMax consecutive successes to close.
	for i := 0; i < 3; i++ {
		if err := cb.Execute(func() error { return nil }); err != nil {
			t.Fatalf("success %d rejected: %v", i+1, err)
		}
	}
	if cb.State() != StateClosed {
		t.Errorf("state = %v, want closed", cb.State())
	}
}

func TestBreakerReopensOnHalfOpenFailure(t *testing.T) {
	cb := New(1, 10*time.Millisecond)

	_ = cb.Execute(func() error { return errors.New("fail") })
	time.Sleep(15 * time.Millisecond)

	_ = cb.Execute(func() error { return errors.New("still failing") })
	if cb.State() != StateOpen {
		t.Errorf("state = %v, want open after half-open failure", cb.State())
	}
}

func TestBreakerStaysClosedOnSuccess(t *testing.T) {
	cb := New(2, time.Minute)

	for i := 0; i < 10; i++ {
		if err := cb.Execute(func() error { return nil }); err != nil {
			t.Fatalf("err = %v", err)
		}
	}
	if cb.State() != StateClosed {
		t.Errorf("state = %v, want closed", cb.State())
	}

	// A single failure below the threshold does not open the breaker.
	_ = cb.Execute(func() error { return errors.New("one-off") })
	if cb.State() != StateClosed {
		t.Errorf("state = %v, want closed after single failure", cb.State())
	}
}

func TestStateString(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{StateClosed, "closed"},
		{StateOpen, "open"},
		{StateHalfOpen, "half_open"},
		{State(42), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", tt.state, got, tt.want)
		}
	}
}
