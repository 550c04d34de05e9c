package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	BusConnectsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "alicia_bus_connects_total",
		Help: "Successful MQTT connections (including reconnects)",
	})

	BusDisconnectsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "alicia_bus_disconnects_total",
		Help: "MQTT connection losses",
	})

	PublishesDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "alicia_bus_publishes_dropped_total",
		Help: "Publishes dropped from the offline ring buffer on overflow",
	})

	PublishesBuffered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "alicia_bus_publishes_buffered_total",
		Help: "Publishes buffered while disconnected",
	})

	MessagesProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "alicia_bus_messages_processed_total",
		Help: "Envelopes accepted and dispatched to handlers",
	}, []string{"message_type"})

	EnvelopesRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "alicia_bus_envelopes_rejected_total",
		Help: "Inbound payloads dropped before dispatch",
	}, []string{"reason"})

	UnroutedMessages = promauto.NewCounter(prometheus.CounterOpts{
		Name: "alicia_bus_unrouted_messages_total",
		Help: "Envelopes that matched no registered handler",
	})

	HandlerPanics = promauto.NewCounter(prometheus.CounterOpts{
		Name: "alicia_bus_handler_panics_total",
		Help: "Handler panics recovered by the service wrapper",
	})

	CorrelationTimeouts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "alicia_correlation_timeouts_total",
		Help: "Requests resolved by the sweeper with a timeout outcome",
	})

	CorrelationLate = promauto.NewCounter(prometheus.CounterOpts{
		Name: "alicia_correlation_late_responses_total",
		Help: "Responses arriving after their correlation entry was gone",
	})

	RequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "alicia_request_duration_seconds",
		Help:    "Bus request/response round-trip duration",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10},
	}, []string{"destination"})

	HeartbeatsSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "alicia_heartbeats_sent_total",
		Help: "Health snapshots published",
	})

	SessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "alicia_voice_sessions_active",
		Help: "Voice sessions not yet in a terminal state",
	})

	SessionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "alicia_voice_sessions_total",
		Help: "Voice sessions by terminal outcome",
	}, []string{"outcome"})

	SessionsRejected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "alicia_voice_sessions_rejected_total",
		Help: "Voice commands rejected because the session limit was reached",
	})

	SessionStageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "alicia_voice_stage_duration_seconds",
		Help:    "Duration of each pipeline stage",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 15},
	}, []string{"stage"})

	LateSessionEvents = promauto.NewCounter(prometheus.CounterOpts{
		Name: "alicia_voice_late_events_total",
		Help: "Session-scoped events arriving after their session stopped waiting",
	})

	CommandsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "alicia_commands_total",
		Help: "Device command legs by terminal state",
	}, []string{"state"})

	CommandRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "alicia_command_retries_total",
		Help: "Command re-dispatches after ack timeout",
	})

	CommandDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "alicia_command_duration_seconds",
		Help:    "Command leg duration from enqueue to terminal state",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 15, 60, 300},
	})

	DevicesOnline = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "alicia_devices_online",
		Help: "Devices currently marked online",
	})

	DevicesRegistered = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "alicia_devices_registered",
		Help: "Devices known to the registry",
	})

	FleetServicesOnline = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "alicia_fleet_services_online",
		Help: "Services with a fresh heartbeat in the fleet view",
	})
)
