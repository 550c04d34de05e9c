// Package protocol defines the envelope and payload types that cross the
// Alicia message bus. Every bus payload is a JSON Envelope; payloads are
// typed per message_type and decoded with DecodeAs.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type MessageType string

const (
	TypeRequest   MessageType = "request"
	TypeResponse  MessageType = "response"
	TypeEvent     MessageType = "event"
	TypeHeartbeat MessageType = "heartbeat"
	TypeCommand   MessageType = "command"
	TypeError     MessageType = "error"
)

func (t MessageType) Valid() bool {
	switch t {
	case TypeRequest, TypeResponse, TypeEvent, TypeHeartbeat, TypeCommand, TypeError:
		return true
	}
	return false
}

// MaxEnvelopeBytes is the largest envelope the bus accepts. Larger payloads
// (audio) must use reference form (audio_ref) instead of inline base64.
const MaxEnvelopeBytes = 256 * 1024

// BroadcastDestination marks an envelope addressed to no service in particular.
const BroadcastDestination = "*"

var (
	ErrEnvelopeTooLarge = errors.New("protocol: envelope exceeds max size")
	ErrInvalidEnvelope  = errors.New("protocol: invalid envelope")
)

type Envelope struct {
	MessageID     string          `json:"message_id"`
	Timestamp     time.Time       `json:"timestamp"`
	Source        string          `json:"source"`
	Destination   string          `json:"destination,omitempty"`
	Type          MessageType     `json:"message_type"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`

	// TTLMs distinguishes absent (nil, never expires) from zero
	// (expires immediately).
	TTLMs *int64 `json:"ttl_ms,omitempty"`

	// W3C Trace Context
	TraceID    string `json:"trace_id,omitempty"`    // 32 hex chars
	SpanID     string `json:"span_id,omitempty"`     // 16 hex chars
	TraceFlags byte   `json:"trace_flags,omitempty"` // 0x01 = sampled
}

// NewEnvelope builds an envelope of the given type with a fresh message_id
// and the payload marshaled to JSON.
func NewEnvelope(source string, msgType MessageType, payload any) (*Envelope, error) {
	e := &Envelope{
		MessageID: uuid.NewString(),
		Timestamp: time.Now().UTC(),
		Source:    source,
		Type:      msgType,
	}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal payload: %w", err)
		}
		e.Payload = raw
	}
	return e, nil
}

// NewRequest builds a request envelope with a fresh correlation_id.
func NewRequest(source, destination string, payload any) (*Envelope, error) {
	e, err := NewEnvelope(source, TypeRequest, payload)
	if err != nil {
		return nil, err
	}
	e.Destination = destination
	e.CorrelationID = uuid.NewString()
	return e, nil
}

// NewEvent builds a broadcast event envelope.
func NewEvent(source string, payload any) (*Envelope, error) {
	e, err := NewEnvelope(source, TypeEvent, payload)
	if err != nil {
		return nil, err
	}
	e.Destination = BroadcastDestination
	return e, nil
}

// Reply builds a response envelope echoing the request's correlation_id,
// addressed back at the request's source.
func Reply(req *Envelope, source string, payload any) (*Envelope, error) {
	e, err := NewEnvelope(source, TypeResponse, payload)
	if err != nil {
		return nil, err
	}
	e.Destination = req.Source
	e.CorrelationID = req.CorrelationID
	return e, nil
}

// ReplyError builds an error envelope echoing the request's correlation_id.
func ReplyError(req *Envelope, source string, perr *ErrorPayload) (*Envelope, error) {
	e, err := NewEnvelope(source, TypeError, perr)
	if err != nil {
		return nil, err
	}
	e.Destination = req.Source
	e.CorrelationID = req.CorrelationID
	return e, nil
}

// Validate checks the envelope invariants of the bus contract. Envelopes
// failing validation are dropped and counted by the receiver.
func (e *Envelope) Validate() error {
	switch {
	case e.MessageID == "":
		return fmt.Errorf("%w: missing message_id", ErrInvalidEnvelope)
	case e.Timestamp.IsZero():
		return fmt.Errorf("%w: missing timestamp", ErrInvalidEnvelope)
	case e.Source == "":
		return fmt.Errorf("%w: missing source", ErrInvalidEnvelope)
	case !e.Type.Valid():
		return fmt.Errorf("%w: unknown message_type %q", ErrInvalidEnvelope, e.Type)
	}
	if e.CorrelationID == "" {
		switch e.Type {
		case TypeRequest, TypeResponse:
			return fmt.Errorf("%w: %s without correlation_id", ErrInvalidEnvelope, e.Type)
		}
	}
	return nil
}

// Expired reports whether the envelope's age exceeds its ttl_ms. A ttl of 0
// expires immediately; an absent ttl never expires.
func (e *Envelope) Expired(now time.Time) bool {
	if e.TTLMs == nil {
		return false
	}
	ttl := time.Duration(*e.TTLMs) * time.Millisecond
	return now.Sub(e.Timestamp) >= ttl || ttl < 0
}

// TTL wraps a millisecond count for Envelope.TTLMs.
func TTL(ms int64) *int64 {
	return &ms
}

func (e *Envelope) HasTraceContext() bool {
	return e.TraceID != "" && e.SpanID != ""
}

// TraceParent returns the W3C traceparent form: 00-{trace_id}-{span_id}-{flags}.
func (e *Envelope) TraceParent() string {
	if !e.HasTraceContext() {
		return ""
	}
	return fmt.Sprintf("00-%s-%s-%02x", e.TraceID, e.SpanID, e.TraceFlags)
}

func (e *Envelope) Encode() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	if len(data) > MaxEnvelopeBytes {
		return nil, fmt.Errorf("%w: %d bytes", ErrEnvelopeTooLarge, len(data))
	}
	return data, nil
}

// DecodeEnvelope parses and validates a wire envelope.
func DecodeEnvelope(data []byte) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return &e, nil
}

// DecodeAs unmarshals the envelope payload into T.
func DecodeAs[T any](e *Envelope) (*T, error) {
	var result T
	if len(e.Payload) == 0 {
		return &result, nil
	}
	if err := json.Unmarshal(e.Payload, &result); err != nil {
		return nil, fmt.Errorf("decode payload to %T: %w", result, err)
	}
	return &result, nil
}
