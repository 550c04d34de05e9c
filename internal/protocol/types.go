package protocol

import "time"

// Core service names on the bus.
const (
	ServiceVoiceRouter   = "voice_router"
	ServiceDeviceManager = "device_manager"
	ServiceHealthMonitor = "health_monitor"
)

// Collaborator service names. Their domain logic lives outside this repo;
// these are the inbox names the voice router addresses.
const (
	ServiceSTT = "stt"
	ServiceAI  = "ai"
	ServiceTTS = "tts"
)

// ---- voice pipeline ----

// VoiceCommand arrives on alicia/voice/command. Audio is either inlined
// base64 or referenced by URL; envelopes over 256 KB must use the reference
// form.
type VoiceCommand struct {
	SessionID   string `json:"session_id,omitempty"` // assigned by the router when empty
	AudioB64    string `json:"audio_b64,omitempty"`
	AudioRef    string `json:"audio_ref,omitempty"`
	ContentType string `json:"content_type,omitempty"`
	Language    string `json:"language,omitempty"`
}

type VoiceCancel struct {
	SessionID string `json:"session_id"`
	Reason    string `json:"reason,omitempty"`
}

// VoiceResponse is published on alicia/voice/response when a session
// finishes. Fallback marks the spoken-apology path.
type VoiceResponse struct {
	SessionID   string `json:"session_id"`
	Text        string `json:"text,omitempty"`
	AudioB64    string `json:"audio_b64,omitempty"`
	AudioRef    string `json:"audio_ref,omitempty"`
	ContentType string `json:"content_type,omitempty"`
	Fallback    bool   `json:"fallback,omitempty"`
}

// SessionStatus is the event form of a voice session for operator mirrors.
type SessionStatus struct {
	SessionID     string    `json:"session_id"`
	State         string    `json:"state"`
	Transcript    string    `json:"transcript,omitempty"`
	ResponseText  string    `json:"response_text,omitempty"`
	CommandIDs    []string  `json:"command_ids,omitempty"`
	FailureReason string    `json:"failure_reason,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
	Deadline      time.Time `json:"deadline"`
}

// SessionFilter narrows session.list; zero value matches everything.
type SessionFilter struct {
	State string `json:"state,omitempty"`
}

// SessionListResult answers session.list.
type SessionListResult struct {
	Sessions []SessionStatus `json:"sessions"`
	Count    int             `json:"count"`
}

// ---- collaborator contracts (STT / AI / TTS) ----

type TranscribeRequest struct {
	SessionID   string `json:"session_id"`
	AudioB64    string `json:"audio_b64,omitempty"`
	AudioRef    string `json:"audio_ref,omitempty"`
	ContentType string `json:"content_type,omitempty"`
	Language    string `json:"language,omitempty"`
}

type TranscribeResult struct {
	SessionID  string  `json:"session_id"`
	Transcript string  `json:"transcript"`
	Confidence float64 `json:"confidence,omitempty"`
}

type GenerateRequest struct {
	SessionID  string `json:"session_id"`
	Transcript string `json:"transcript"`
	Language   string `json:"language,omitempty"`
}

type GenerateResult struct {
	SessionID    string   `json:"session_id"`
	ResponseText string   `json:"response_text"`
	Intents      []Intent `json:"intents,omitempty"`
}

// Intent is a device action extracted by the AI collaborator. It names a
// concrete device_id or a (device_type, room, capability) selector resolved
// through the registry's capability index.
type Intent struct {
	DeviceID    string         `json:"device_id,omitempty"`
	DeviceType  string         `json:"device_type,omitempty"`
	Room        string         `json:"room,omitempty"`
	Capability  string         `json:"capability"`
	Parameters  map[string]any `json:"parameters,omitempty"`
	Synchronous bool           `json:"synchronous,omitempty"`
}

type SynthesizeRequest struct {
	SessionID string `json:"session_id"`
	Text      string `json:"text"`
	Voice     string `json:"voice,omitempty"`
}

type SynthesizeResult struct {
	SessionID   string `json:"session_id"`
	AudioB64    string `json:"audio_b64,omitempty"`
	AudioRef    string `json:"audio_ref,omitempty"`
	ContentType string `json:"content_type,omitempty"`
}

// ---- devices ----

type ParamType string

const (
	ParamBool   ParamType = "bool"
	ParamInt    ParamType = "int"
	ParamFloat  ParamType = "float"
	ParamString ParamType = "string"
	ParamEnum   ParamType = "enum"
)

type Parameter struct {
	Name     string    `json:"name"`
	Type     ParamType `json:"type"`
	Required bool      `json:"required,omitempty"`
	Min      *float64  `json:"min,omitempty"`
	Max      *float64  `json:"max,omitempty"`
	Enum     []string  `json:"enum,omitempty"`
}

type Capability struct {
	Name       string      `json:"name"`
	Parameters []Parameter `json:"parameters,omitempty"`
}

// DeviceAnnouncement is published (retained) on alicia/devices/register.
type DeviceAnnouncement struct {
	DeviceID     string            `json:"device_id"`
	DeviceType   string            `json:"device_type"`
	Room         string            `json:"room,omitempty"`
	Capabilities []Capability      `json:"capabilities,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// DeviceState is the retained per-device status document on
// alicia/devices/<id>/state. It carries enough to rebuild the registry
// after a restart.
type DeviceState struct {
	DeviceID     string            `json:"device_id"`
	Status       string            `json:"status"` // registered, online, offline, faulted
	DeviceType   string            `json:"device_type,omitempty"`
	Room         string            `json:"room,omitempty"`
	Capabilities []Capability      `json:"capabilities,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	UpdatedAt    time.Time         `json:"updated_at,omitempty"`
}

type DeviceHeartbeat struct {
	DeviceID string `json:"device_id,omitempty"`
}

// DeviceRecord is the registry's view of a device, returned by RPC and HTTP.
type DeviceRecord struct {
	DeviceID     string            `json:"device_id"`
	DeviceType   string            `json:"device_type"`
	Room         string            `json:"room,omitempty"`
	Capabilities []Capability      `json:"capabilities,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	Status       string            `json:"status"`
	RegisteredAt time.Time         `json:"registered_at"`
	LastSeen     time.Time         `json:"last_seen"`
}

type DeviceFilter struct {
	DeviceType string `json:"device_type,omitempty"`
	Room       string `json:"room,omitempty"`
	Capability string `json:"capability,omitempty"`
	Status     string `json:"status,omitempty"`
}

// DeviceListResult answers device.list.
type DeviceListResult struct {
	Devices []DeviceRecord `json:"devices"`
	Count   int            `json:"count"`
}

// DeviceStatusChanged is the event on alicia/devices/status_changed.
type DeviceStatusChanged struct {
	DeviceID string `json:"device_id"`
	From     string `json:"from"`
	To       string `json:"to"`
	Reason   string `json:"reason,omitempty"`
}

// ---- commands ----

// DeviceCommand is what a device receives on alicia/devices/<id>/command.
type DeviceCommand struct {
	CommandID  string         `json:"command_id"`
	Capability string         `json:"capability"`
	Parameters map[string]any `json:"parameters,omitempty"`
	Attempt    int            `json:"attempt"`
}

// DeviceAck is the device's reply on alicia/devices/<id>/ack.
type DeviceAck struct {
	CommandID string `json:"command_id"`
	DeviceID  string `json:"device_id,omitempty"`
	Success   bool   `json:"success"`
	Error     string `json:"error,omitempty"`
}

// CommandRequest submits a command to the device manager.
type CommandRequest struct {
	DeviceIDs    []string       `json:"device_ids"`
	Capability   string         `json:"capability"`
	Parameters   map[string]any `json:"parameters,omitempty"`
	AllowOffline bool           `json:"allow_offline,omitempty"`
	Source       string         `json:"source,omitempty"` // session id or operator
}

// CommandReceipt acknowledges acceptance of a CommandRequest.
type CommandReceipt struct {
	CommandID string   `json:"command_id"`
	DeviceIDs []string `json:"device_ids"`
	State     string   `json:"state"`
}

// CommandOutcome is the per-device result inside a terminal CommandStatus.
type CommandOutcome struct {
	DeviceID string `json:"device_id"`
	State    string `json:"state"`
	Attempts int    `json:"attempts"`
	Error    string `json:"error,omitempty"`
}

// CommandStatus is the lifecycle event on alicia/commands/<id>/status.
// Per-device transitions carry device_id; the terminal aggregate event sets
// Terminal and lists every device outcome.
type CommandStatus struct {
	CommandID string           `json:"command_id"`
	DeviceID  string           `json:"device_id,omitempty"`
	State     string           `json:"state"`
	Attempts  int              `json:"attempts,omitempty"`
	Error     string           `json:"error,omitempty"`
	Terminal  bool             `json:"terminal,omitempty"`
	Outcomes  []CommandOutcome `json:"outcomes,omitempty"`
}

// ---- health ----

type ErrorRecord struct {
	At      time.Time `json:"at"`
	Message string    `json:"message"`
}

// HealthSnapshot is the heartbeat payload published on
// alicia/health/<service> and returned by GET /health.
type HealthSnapshot struct {
	Service           string             `json:"service"`
	InstanceID        string             `json:"instance_id"`
	Version           string             `json:"version,omitempty"`
	State             string             `json:"state"`
	UptimeMs          int64              `json:"uptime_ms"`
	MQTTConnected     bool               `json:"mqtt_connected"`
	MessagesProcessed uint64             `json:"messages_processed"`
	Errors            uint64             `json:"errors"`
	LastError         string             `json:"last_error,omitempty"`
	TopicHits         map[string]uint64  `json:"topic_hits,omitempty"`
	RecentErrors      []ErrorRecord      `json:"recent_errors,omitempty"`
	Metrics           map[string]float64 `json:"metrics,omitempty"`
}

// FleetEntry is one service in the aggregated fleet view.
type FleetEntry struct {
	Service  string          `json:"service"`
	Online   bool            `json:"online"`
	LastSeen time.Time       `json:"last_seen"`
	Snapshot *HealthSnapshot `json:"snapshot,omitempty"`
}

// FleetView is published on alicia/health/fleet by the health monitor.
type FleetView struct {
	GeneratedAt time.Time    `json:"generated_at"`
	Services    []FleetEntry `json:"services"`
}

// FleetStatusChanged is streamed to fleet dashboards when a service flips
// between online and offline.
type FleetStatusChanged struct {
	Service string    `json:"service"`
	Online  bool      `json:"online"`
	Reason  string    `json:"reason,omitempty"`
	At      time.Time `json:"at"`
}
