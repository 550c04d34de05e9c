package service

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicia-home/alicia/internal/config"
	"github.com/alicia-home/alicia/internal/protocol"
)

func TestHandleHealth(t *testing.T) {
	svc, _ := newTestService(t, nil)

	rec := httptest.NewRecorder()
	svc.handleHealth(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status before ready = %d, want 503", rec.Code)
	}

	if err := svc.health.SetState(StateInitializing); err != nil {
		t.Fatal(err)
	}
	if err := svc.health.SetState(StateReady); err != nil {
		t.Fatal(err)
	}

	rec = httptest.NewRecorder()
	svc.handleHealth(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status when ready = %d, want 200", rec.Code)
	}
	var snap protocol.HealthSnapshot
	if err := json.NewDecoder(rec.Body).Decode(&snap); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if snap.State != "ready" || snap.Service != "testsvc" {
		t.Errorf("snapshot = %s/%s, want testsvc/ready", snap.Service, snap.State)
	}

	// Degraded still answers 200 so load balancers keep routing.
	if err := svc.health.SetState(StateDegraded); err != nil {
		t.Fatal(err)
	}
	rec = httptest.NewRecorder()
	svc.handleHealth(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("status when degraded = %d, want 200", rec.Code)
	}
}

func TestHandleShutdown(t *testing.T) {
	t.Run("disabled without token", func(t *testing.T) {
		svc, _ := newTestService(t, nil)
		rec := httptest.NewRecorder()
		svc.handleShutdown(rec, httptest.NewRequest(http.MethodPost, "/shutdown", nil))
		if rec.Code != http.StatusNotFound {
			t.Errorf("status = %d, want 404", rec.Code)
		}
	})

	t.Run("rejects wrong token", func(t *testing.T) {
		svc, _ := newTestService(t, func(c *config.Config) {
			c.HTTP.ShutdownToken = "sekrit"
		})
		req := httptest.NewRequest(http.MethodPost, "/shutdown", nil)
		req.Header.Set("Authorization", "Bearer wrong")
		rec := httptest.NewRecorder()
		svc.handleShutdown(rec, req)
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("status = %d, want 401", rec.Code)
		}
		select {
		case <-svc.shutdownCh:
			t.Error("wrong token triggered shutdown")
		default:
		}
	})

	t.Run("accepts correct token", func(t *testing.T) {
		svc, _ := newTestService(t, func(c *config.Config) {
			c.HTTP.ShutdownToken = "sekrit"
		})
		req := httptest.NewRequest(http.MethodPost, "/shutdown", nil)
		req.Header.Set("Authorization", "Bearer sekrit")
		rec := httptest.NewRecorder()
		svc.handleShutdown(rec, req)
		if rec.Code != http.StatusAccepted {
			t.Errorf("status = %d, want 202", rec.Code)
		}
		select {
		case <-svc.shutdownCh:
		default:
			t.Error("correct token did not trigger shutdown")
		}
	})
}

func TestServiceHTTPEndToEnd(t *testing.T) {
	svc, _ := newTestService(t, nil)
	startService(t, svc)

	waitFor(t, 2*time.Second, func() bool { return svc.HTTPAddr() != "" },
		"listener address never recorded")
	base := "http://" + svc.HTTPAddr()

	resp, err := http.Get(base + "/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("GET /health = %d, want 200", resp.StatusCode)
	}

	mresp, err := http.Get(base + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer mresp.Body.Close()
	body, err := io.ReadAll(mresp.Body)
	if err != nil {
		t.Fatalf("read metrics: %v", err)
	}
	if mresp.StatusCode != http.StatusOK || !strings.Contains(string(body), "alicia_") {
		t.Errorf("GET /metrics = %d, alicia metrics present = %v", mresp.StatusCode, strings.Contains(string(body), "alicia_"))
	}
}
