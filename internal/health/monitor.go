// Package health implements the fleet aggregator behind the health-monitor
// service: it folds per-service heartbeats into a fleet view, republishes
// that view on the bus, and streams status changes to operator dashboards.
package health

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/alicia-home/alicia/internal/bus"
	"github.com/alicia-home/alicia/internal/config"
	"github.com/alicia-home/alicia/internal/metrics"
	"github.com/alicia-home/alicia/internal/protocol"
)

const (
	// offlineAfterMisses consecutive missed heartbeats mark a service
	// offline.
	offlineAfterMisses = 3
	fleetSweepInterval = 5 * time.Second
)

// Host is the slice of the service runtime the monitor plugs into.
type Host interface {
	Name() string
	RegisterHandler(filter string, qos byte, h bus.EnvelopeHandler) error
	PublishEnvelope(ctx context.Context, env *protocol.Envelope, topic string, qos byte, retained bool) error
	MountRoutes(fn func(chi.Router))
	Logger() *slog.Logger
	Config() *config.Config
	RecordError(source string, err error)
}

type serviceEntry struct {
	online   bool
	lastSeen time.Time
	snapshot protocol.HealthSnapshot
}

// Monitor aggregates alicia/health/+ heartbeats into one fleet view.
type Monitor struct {
	host Host
	log  *slog.Logger
	cfg  *config.Config
	hub  *Hub

	mu    sync.Mutex
	fleet map[string]*serviceEntry
	dirty bool
	now   func() time.Time
}

func NewMonitor(host Host) (*Monitor, error) {
	m := &Monitor{
		host:  host,
		log:   host.Logger(),
		cfg:   host.Config(),
		hub:   NewHub(host.Logger()),
		fleet: make(map[string]*serviceEntry),
		now:   time.Now,
	}
	m.warmStart()
	if err := host.RegisterHandler(protocol.FilterHealth, 0, m.handleHeartbeat); err != nil {
		return nil, err
	}
	host.MountRoutes(m.routes)
	return m, nil
}

// warmStart reloads the cached fleet so a monitor restart keeps reporting
// services the broker no longer retains heartbeats for. The first sweep
// flips anything that stayed silent through the restart.
func (m *Monitor) warmStart() {
	path := m.cfg.Health.SnapshotPath
	if path == "" {
		return
	}
	snap, err := loadSnapshot(path)
	if err != nil {
		if !os.IsNotExist(err) {
			m.log.Warn("health: fleet snapshot unreadable", "path", path, "error", err)
		}
		return
	}
	m.mu.Lock()
	for _, e := range snap.Entries {
		m.fleet[e.Service] = &serviceEntry{online: e.Online, lastSeen: e.LastSeen, snapshot: e.Snapshot}
	}
	n := len(m.fleet)
	m.mu.Unlock()
	m.log.Info("health: fleet warm start", "services", n, "saved_at", snap.SavedAt)
}

// Run republishes the fleet view until ctx ends, then persists it.
func (m *Monitor) Run(ctx context.Context) error {
	m.publishFleet(ctx)
	ticker := time.NewTicker(fleetSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			m.persist()
			m.hub.Close()
			return nil
		case <-ticker.C:
			for _, svc := range m.sweepStale() {
				m.notifyChange(svc, false, "heartbeat_timeout")
			}
			if m.consumeDirty() {
				m.publishFleet(ctx)
			}
		}
	}
}

func (m *Monitor) handleHeartbeat(ctx context.Context, topic string, env *protocol.Envelope) {
	if topic == protocol.TopicHealthFleet {
		// Our own aggregate rides the same namespace.
		return
	}
	snap, err := protocol.DecodeAs[protocol.HealthSnapshot](env)
	if err != nil {
		m.host.RecordError("health_heartbeat", err)
		m.log.Warn("health: malformed heartbeat", "topic", topic, "error", err)
		return
	}
	svc := snap.Service
	if svc == "" {
		svc = protocol.ServiceFromHealthTopic(topic)
	}
	if svc == "" {
		return
	}

	// "stopping" is the farewell heartbeat, "offline" the broker's last
	// will; both mean the process is gone.
	online := snap.State != "offline" && snap.State != "stopping"

	now := m.now().UTC()
	m.mu.Lock()
	e, known := m.fleet[svc]
	if !known {
		e = &serviceEntry{}
		m.fleet[svc] = e
	}
	wasOnline := known && e.online
	e.snapshot = *snap
	e.lastSeen = now
	e.online = online
	m.dirty = true
	m.mu.Unlock()

	if !known || wasOnline != online {
		reason := "heartbeat"
		if !online {
			reason = snap.State
		}
		m.notifyChange(svc, online, reason)
		m.publishFleet(ctx)
	}
}

// sweepStale flips services whose heartbeats stopped without a farewell.
func (m *Monitor) sweepStale() []string {
	cutoff := time.Duration(offlineAfterMisses) * m.cfg.HeartbeatInterval()
	now := m.now().UTC()
	m.mu.Lock()
	defer m.mu.Unlock()
	var flipped []string
	for svc, e := range m.fleet {
		if e.online && now.Sub(e.lastSeen) > cutoff {
			e.online = false
			flipped = append(flipped, svc)
			m.dirty = true
		}
	}
	sort.Strings(flipped)
	return flipped
}

func (m *Monitor) consumeDirty() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	d := m.dirty
	m.dirty = false
	return d
}

// View assembles the current fleet, sorted by service name.
func (m *Monitor) View() protocol.FleetView {
	m.mu.Lock()
	defer m.mu.Unlock()
	view := protocol.FleetView{GeneratedAt: m.now().UTC()}
	for svc, e := range m.fleet {
		snap := e.snapshot
		view.Services = append(view.Services, protocol.FleetEntry{
			Service:  svc,
			Online:   e.online,
			LastSeen: e.lastSeen,
			Snapshot: &snap,
		})
	}
	sort.Slice(view.Services, func(i, j int) bool {
		return view.Services[i].Service < view.Services[j].Service
	})
	return view
}

func (m *Monitor) publishFleet(ctx context.Context) {
	m.mu.Lock()
	m.dirty = false
	m.mu.Unlock()

	view := m.View()
	online := 0
	for _, e := range view.Services {
		if e.Online {
			online++
		}
	}
	metrics.FleetServicesOnline.Set(float64(online))

	env, err := protocol.NewEnvelope(m.host.Name(), protocol.TypeEvent, view)
	if err != nil {
		m.log.Error("health: build fleet view", "error", err)
		return
	}
	if err := m.host.PublishEnvelope(ctx, env, protocol.TopicHealthFleet, 0, true); err != nil {
		m.log.Warn("health: publish fleet view", "error", err)
	}
}

func (m *Monitor) notifyChange(svc string, online bool, reason string) {
	if online {
		m.log.Info("health: service online", "service", svc)
	} else {
		m.log.Warn("health: service offline", "service", svc, "reason", reason)
	}
	ev := protocol.FleetStatusChanged{Service: svc, Online: online, Reason: reason, At: m.now().UTC()}
	env, err := protocol.NewEnvelope(m.host.Name(), protocol.TypeEvent, ev)
	if err != nil {
		return
	}
	data, err := env.Encode()
	if err != nil {
		return
	}
	m.hub.Broadcast(data)
}

// persist caches the fleet so the next monitor process warm-starts from it.
func (m *Monitor) persist() {
	path := m.cfg.Health.SnapshotPath
	if path == "" {
		return
	}
	m.mu.Lock()
	snap := fleetSnapshot{SavedAt: m.now().UTC()}
	for svc, e := range m.fleet {
		snap.Entries = append(snap.Entries, snapshotEntry{
			Service:  svc,
			Online:   e.online,
			LastSeen: e.lastSeen,
			Snapshot: e.snapshot,
		})
	}
	m.mu.Unlock()
	sort.Slice(snap.Entries, func(i, j int) bool { return snap.Entries[i].Service < snap.Entries[j].Service })

	if err := saveSnapshot(path, snap); err != nil {
		m.log.Warn("health: persist fleet snapshot", "path", path, "error", err)
		return
	}
	m.log.Info("health: fleet snapshot saved", "path", path, "services", len(snap.Entries))
}

func (m *Monitor) routes(r chi.Router) {
	r.Get("/fleet", m.httpFleet)
	r.Get("/events", m.hub.ServeHTTP)
}

func (m *Monitor) httpFleet(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(m.View())
}
