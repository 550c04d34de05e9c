package service

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/alicia-home/alicia/pkg/otel"
)

// serveHTTP runs the per-service HTTP listener: health, metrics, remote
// shutdown, plus whatever the service mounted through Options.Routes.
func (s *Service) serveHTTP(ctx context.Context) error {
	r := chi.NewRouter()
	r.Use(requestLogger(s.log))
	r.Use(recovery(s.log))
	r.Use(otel.Middleware(s.name))

	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())
	r.Post("/shutdown", s.handleShutdown)
	s.mu.Lock()
	mounts := make([]func(chi.Router), len(s.routes))
	copy(mounts, s.routes)
	s.mu.Unlock()
	for _, mount := range mounts {
		mount(r)
	}

	addr := fmt.Sprintf("%s:%d", s.cfg.HTTP.Host, s.cfg.HTTP.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("http listen %s: %w", addr, err)
	}
	s.mu.Lock()
	s.httpAddr = ln.Addr().String()
	s.mu.Unlock()
	s.log.Info("service: http listening", "addr", ln.Addr().String())

	srv := &http.Server{
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownGrace())
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return nil
	}
}

// HTTPAddr returns the bound listener address, or "" before Run.
func (s *Service) HTTPAddr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.httpAddr
}

func (s *Service) handleHealth(w http.ResponseWriter, r *http.Request) {
	snap := s.health.Snapshot(s.name, s.instanceID, s.version)
	status := http.StatusServiceUnavailable
	if st := State(snap.State); st == StateReady || st == StateDegraded {
		status = http.StatusOK
	}
	writeJSON(w, status, snap)
}

func (s *Service) handleShutdown(w http.ResponseWriter, r *http.Request) {
	token := s.cfg.HTTP.ShutdownToken
	if token == "" {
		http.Error(w, `{"error":"shutdown endpoint disabled"}`, http.StatusNotFound)
		return
	}
	got := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	if got != token {
		http.Error(w, `{"error":"invalid shutdown token"}`, http.StatusUnauthorized)
		return
	}
	s.log.Info("service: shutdown requested over http", "remote", r.RemoteAddr)
	s.Shutdown()
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "stopping"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("service: encode http response", "error", err)
	}
}

func requestLogger(log *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}

			next.ServeHTTP(sw, r)

			log.Info("http request", "method", r.Method, "path", r.URL.Path, "status", sw.status, "duration", time.Since(start))
		})
	}
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Hijack keeps websocket upgrades working behind the logger.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if hj, ok := w.ResponseWriter.(http.Hijacker); ok {
		return hj.Hijack()
	}
	return nil, nil, http.ErrNotSupported
}

func recovery(log *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if err := recover(); err != nil {
					log.Error("http panic recovered", "path", r.URL.Path, "error", err)
					http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}
