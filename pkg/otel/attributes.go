package otel

import "go.opentelemetry.io/otel/attribute"

// Standard attribute keys for Alicia services.
const (
	AttrSessionID     = "session.id"
	AttrSessionState  = "session.state"
	AttrStage         = "pipeline.stage"
	AttrMessageID     = "message.id"
	AttrMessageType   = "message.type"
	AttrCorrelationID = "correlation.id"
	AttrTopic         = "mqtt.topic"
	AttrSource        = "envelope.source"
	AttrDestination   = "envelope.destination"
	AttrDeviceID      = "device.id"
	AttrDeviceType    = "device.type"
	AttrRoom          = "device.room"
	AttrCapability    = "device.capability"
	AttrCommandID     = "command.id"
	AttrCommandState  = "command.state"
	AttrAttempt       = "command.attempt"
	AttrService       = "alicia.service"
	AttrOp            = "rpc.op"
	AttrTranscript    = "stt.transcript"
	AttrConfidence    = "stt.confidence"
	AttrIntentCount   = "ai.intent_count"
	AttrAudioBytes    = "tts.audio_bytes"
)

func SessionID(id string) attribute.KeyValue        { return attribute.String(AttrSessionID, id) }
func SessionState(state string) attribute.KeyValue  { return attribute.String(AttrSessionState, state) }
func Stage(stage string) attribute.KeyValue         { return attribute.String(AttrStage, stage) }
func MessageID(id string) attribute.KeyValue        { return attribute.String(AttrMessageID, id) }
func MessageType(t string) attribute.KeyValue       { return attribute.String(AttrMessageType, t) }
func CorrelationID(id string) attribute.KeyValue    { return attribute.String(AttrCorrelationID, id) }
func Topic(topic string) attribute.KeyValue         { return attribute.String(AttrTopic, topic) }
func Source(source string) attribute.KeyValue       { return attribute.String(AttrSource, source) }
func Destination(dest string) attribute.KeyValue    { return attribute.String(AttrDestination, dest) }
func DeviceID(id string) attribute.KeyValue         { return attribute.String(AttrDeviceID, id) }
func DeviceType(t string) attribute.KeyValue        { return attribute.String(AttrDeviceType, t) }
func Room(room string) attribute.KeyValue           { return attribute.String(AttrRoom, room) }
func Capability(name string) attribute.KeyValue     { return attribute.String(AttrCapability, name) }
func CommandID(id string) attribute.KeyValue        { return attribute.String(AttrCommandID, id) }
func CommandState(state string) attribute.KeyValue  { return attribute.String(AttrCommandState, state) }
func Attempt(n int) attribute.KeyValue              { return attribute.Int(AttrAttempt, n) }
func Service(name string) attribute.KeyValue        { return attribute.String(AttrService, name) }
func Op(op string) attribute.KeyValue               { return attribute.String(AttrOp, op) }
func Confidence(c float64) attribute.KeyValue       { return attribute.Float64(AttrConfidence, c) }
func IntentCount(n int) attribute.KeyValue          { return attribute.Int(AttrIntentCount, n) }
func AudioBytes(n int) attribute.KeyValue           { return attribute.Int(AttrAudioBytes, n) }
