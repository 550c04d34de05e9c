package bus

import (
	"context"
	"reflect"
	"testing"

	"github.com/alicia-home/alicia/internal/protocol"
)

func testEnvelope(t *testing.T) *protocol.Envelope {
	t.Helper()
	env, err := protocol.NewEnvelope("tester", protocol.TypeEvent, map[string]string{"k": "v"})
	if err != nil {
		t.Fatalf("NewEnvelope: %v", err)
	}
	return env
}

func TestRouterDispatchOrder(t *testing.T) {
	r := NewRouter(nil)
	var order []string
	record := func(name string) EnvelopeHandler {
		return func(ctx context.Context, topic string, env *protocol.Envelope) {
			order = append(order, name)
		}
	}

	// Registered least specific first to prove dispatch reorders.
	if err := r.Handle("alicia/#", record("catchall")); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if err := r.Handle("alicia/voice/+", record("wildcard")); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if err := r.Handle("alicia/voice/command", record("literal")); err != nil {
		t.Fatalf("Handle: %v", err)
	}

	n := r.Dispatch(context.Background(), "alicia/voice/command", testEnvelope(t))
	if n != 3 {
		t.Fatalf("Dispatch matched %d handlers, want 3", n)
	}
	want := []string{"literal", "wildcard", "catchall"}
	if !reflect.DeepEqual(order, want) {
		t.Errorf("dispatch order = %v, want %v", order, want)
	}
}

func TestRouterRegistrationOrderBreaksTies(t *testing.T) {
	r := NewRouter(nil)
	var order []string
	record := func(name string) EnvelopeHandler {
		return func(ctx context.Context, topic string, env *protocol.Envelope) {
			order = append(order, name)
		}
	}

	if err := r.Handle("alicia/voice/command", record("first")); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if err := r.Handle("alicia/voice/command", record("second")); err != nil {
		t.Fatalf("Handle: %v", err)
	}

	r.Dispatch(context.Background(), "alicia/voice/command", testEnvelope(t))
	want := []string{"first", "second"}
	if !reflect.DeepEqual(order, want) {
		t.Errorf("dispatch order = %v, want %v", order, want)
	}
}

func TestRouterUnrouted(t *testing.T) {
	r := NewRouter(nil)
	if err := r.Handle("alicia/voice/command", func(ctx context.Context, topic string, env *protocol.Envelope) {}); err != nil {
		t.Fatalf("Handle: %v", err)
	}

	n := r.Dispatch(context.Background(), "alicia/devices/lamp-1/state", testEnvelope(t))
	if n != 0 {
		t.Fatalf("Dispatch matched %d handlers, want 0", n)
	}
	if got := r.Unrouted(); got != 1 {
		t.Errorf("Unrouted() = %d, want 1", got)
	}
}

func TestRouterRejectsBadFilter(t *testing.T) {
	r := NewRouter(nil)
	err := r.Handle("alicia/#/oops", func(ctx context.Context, topic string, env *protocol.Envelope) {})
	if err == nil {
		t.Fatal("Handle accepted an invalid filter")
	}
}

func TestRouterFilters(t *testing.T) {
	r := NewRouter(nil)
	noop := func(ctx context.Context, topic string, env *protocol.Envelope) {}
	for _, f := range []string{"alicia/#", "alicia/voice/command", "alicia/voice/command", "alicia/health/+"} {
		if err := r.Handle(f, noop); err != nil {
			t.Fatalf("Handle(%q): %v", f, err)
		}
	}
	want := []string{"alicia/#", "alicia/voice/command", "alicia/health/+"}
	if got := r.Filters(); !reflect.DeepEqual(got, want) {
		t.Errorf("Filters() = %v, want %v", got, want)
	}
}
