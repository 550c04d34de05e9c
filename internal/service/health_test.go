package service

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func TestHealthSetState(t *testing.T) {
	h := NewHealth()
	if got := h.State(); got != StateCreated {
		t.Fatalf("initial state = %s, want created", got)
	}
	if err := h.SetState(StateInitializing); err != nil {
		t.Fatalf("created -> initializing: %v", err)
	}
	if err := h.SetState(StateReady); err != nil {
		t.Fatalf("initializing -> ready: %v", err)
	}
	if err := h.SetState(StateFailed); err == nil {
		t.Fatal("ready -> failed should be rejected")
	}
	if got := h.State(); got != StateReady {
		t.Errorf("rejected transition mutated state to %s", got)
	}
}

func TestHealthErrorWindow(t *testing.T) {
	h := NewHealth()
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	current := base
	h.now = func() time.Time { return current }

	for i := 0; i < 5; i++ {
		h.RecordError("bus", errors.New("boom"))
		current = current.Add(10 * time.Second)
	}
	// now = base+50s; all five errors are inside a 60s window.
	if got := h.ErrorsWithin(time.Minute); got != 5 {
		t.Errorf("errors within 60s = %d, want 5", got)
	}

	current = base.Add(65 * time.Second)
	// First error (at base) is now 65s old.
	if got := h.ErrorsWithin(time.Minute); got != 4 {
		t.Errorf("errors within 60s after aging = %d, want 4", got)
	}

	current = base.Add(10 * time.Minute)
	if got := h.ErrorsWithin(time.Minute); got != 0 {
		t.Errorf("errors within 60s much later = %d, want 0", got)
	}
}

func TestHealthRecentErrorsBounded(t *testing.T) {
	h := NewHealth()
	for i := 0; i < recentErrorCap+5; i++ {
		h.RecordError("handler", errors.New("x"))
	}
	snap := h.Snapshot("svc", "inst", "v1")
	if len(snap.RecentErrors) != recentErrorCap {
		t.Errorf("recent errors kept = %d, want %d", len(snap.RecentErrors), recentErrorCap)
	}
	if snap.Errors != uint64(recentErrorCap+5) {
		t.Errorf("total errors = %d, want %d", snap.Errors, recentErrorCap+5)
	}
}

func TestHealthSnapshot(t *testing.T) {
	h := NewHealth()
	if err := h.SetState(StateInitializing); err != nil {
		t.Fatal(err)
	}
	if err := h.SetState(StateReady); err != nil {
		t.Fatal(err)
	}
	h.SetMQTTConnected(true)
	h.IncProcessed("alicia/voice/command")
	h.IncProcessed("alicia/voice/command")
	h.IncProcessed("alicia/health/stt")
	h.ReportMetric("sessions_active", 3)
	h.RecordError("stt", errors.New("deadline exceeded"))

	snap := h.Snapshot("voice_router", "alicia-voice_router-abc", "1.2.0")

	if snap.Service != "voice_router" || snap.InstanceID != "alicia-voice_router-abc" || snap.Version != "1.2.0" {
		t.Errorf("identity fields wrong: %+v", snap)
	}
	if snap.State != "ready" {
		t.Errorf("state = %s, want ready", snap.State)
	}
	if !snap.MQTTConnected {
		t.Error("mqtt_connected not reflected")
	}
	if snap.MessagesProcessed != 3 {
		t.Errorf("messages processed = %d, want 3", snap.MessagesProcessed)
	}
	if snap.TopicHits["alicia/voice/command"] != 2 {
		t.Errorf("topic hits = %v", snap.TopicHits)
	}
	if snap.Metrics["sessions_active"] != 3 {
		t.Errorf("metrics = %v", snap.Metrics)
	}
	if !strings.Contains(snap.LastError, "deadline exceeded") {
		t.Errorf("last error = %q", snap.LastError)
	}

	// Snapshot maps are copies, not views.
	snap.TopicHits["injected"] = 99
	again := h.Snapshot("voice_router", "alicia-voice_router-abc", "1.2.0")
	if _, ok := again.TopicHits["injected"]; ok {
		t.Error("snapshot shares internal map")
	}
}
