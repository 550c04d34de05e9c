package service

import (
	"fmt"
	"sync"
	"time"

	"github.com/alicia-home/alicia/internal/protocol"
)

const (
	// recentErrorCap bounds the ring of recent errors kept for /health and
	// heartbeat payloads.
	recentErrorCap = 10

	// degradedErrorThreshold and degradedErrorWindow define the inbound
	// error rate that flips a ready service to degraded.
	degradedErrorThreshold = 10
	degradedErrorWindow    = 60 * time.Second
)

// Health tracks the live state and counters of one service process. All
// methods are safe for concurrent use.
type Health struct {
	mu sync.Mutex

	state         State
	startedAt     time.Time
	mqttConnected bool

	messagesProcessed uint64
	errorsTotal       uint64
	topicHits         map[string]uint64
	recentErrors      []protocol.ErrorRecord
	errorTimes        []time.Time
	gauges            map[string]float64

	now func() time.Time
}

func NewHealth() *Health {
	return &Health{
		state:     StateCreated,
		startedAt: time.Now(),
		topicHits: make(map[string]uint64),
		gauges:    make(map[string]float64),
		now:       time.Now,
	}
}

// SetState applies a lifecycle transition. Invalid transitions are
// returned, not applied; the caller decides whether that is fatal.
func (h *Health) SetState(to State) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := ValidateTransition(h.state, to); err != nil {
		return err
	}
	h.state = to
	return nil
}

func (h *Health) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

func (h *Health) SetMQTTConnected(up bool) {
	h.mu.Lock()
	h.mqttConnected = up
	h.mu.Unlock()
}

func (h *Health) MQTTConnected() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.mqttConnected
}

// IncProcessed counts one handled inbound message on topic.
func (h *Health) IncProcessed(topic string) {
	h.mu.Lock()
	h.messagesProcessed++
	h.topicHits[topic]++
	h.mu.Unlock()
}

// RecordError counts an error against the degradation window and keeps it
// in the bounded recent-errors ring.
func (h *Health) RecordError(source string, err error) {
	now := h.now()
	rec := protocol.ErrorRecord{
		At:      now.UTC(),
		Message: fmt.Sprintf("%s: %v", source, err),
	}
	h.mu.Lock()
	h.errorsTotal++
	h.recentErrors = append(h.recentErrors, rec)
	if len(h.recentErrors) > recentErrorCap {
		h.recentErrors = h.recentErrors[1:]
	}
	h.errorTimes = append(h.errorTimes, now)
	h.pruneLocked(now)
	h.mu.Unlock()
}

// ErrorsWithin reports how many errors were recorded in the trailing
// window.
func (h *Health) ErrorsWithin(window time.Duration) int {
	now := h.now()
	h.mu.Lock()
	defer h.mu.Unlock()
	h.pruneLocked(now)
	n := 0
	for _, t := range h.errorTimes {
		if now.Sub(t) <= window {
			n++
		}
	}
	return n
}

func (h *Health) pruneLocked(now time.Time) {
	cutoff := now.Add(-degradedErrorWindow)
	i := 0
	for ; i < len(h.errorTimes); i++ {
		if h.errorTimes[i].After(cutoff) {
			break
		}
	}
	if i > 0 {
		h.errorTimes = h.errorTimes[i:]
	}
}

// ReportMetric records a named gauge exposed in heartbeats and /health.
func (h *Health) ReportMetric(name string, value float64) {
	h.mu.Lock()
	h.gauges[name] = value
	h.mu.Unlock()
}

// Snapshot renders the current health for heartbeats and the HTTP surface.
func (h *Health) Snapshot(service, instanceID, version string) protocol.HealthSnapshot {
	h.mu.Lock()
	defer h.mu.Unlock()

	topics := make(map[string]uint64, len(h.topicHits))
	for k, v := range h.topicHits {
		topics[k] = v
	}
	recent := make([]protocol.ErrorRecord, len(h.recentErrors))
	copy(recent, h.recentErrors)
	gauges := make(map[string]float64, len(h.gauges))
	for k, v := range h.gauges {
		gauges[k] = v
	}

	snap := protocol.HealthSnapshot{
		Service:           service,
		InstanceID:        instanceID,
		Version:           version,
		State:             string(h.state),
		UptimeMs:          h.now().Sub(h.startedAt).Milliseconds(),
		MQTTConnected:     h.mqttConnected,
		MessagesProcessed: h.messagesProcessed,
		Errors:            h.errorsTotal,
		TopicHits:         topics,
		RecentErrors:      recent,
		Metrics:           gauges,
	}
	if len(recent) > 0 {
		snap.LastError = recent[len(recent)-1].Message
	}
	return snap
}
