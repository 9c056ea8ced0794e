// Package protocol defines the WebSocket message types of the workflow event
// stream. All messages are JSON-encoded and wrapped in an Envelope.
package protocol

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/grcflow/internal/workflow"
)

// Subprotocol is negotiated on the WebSocket upgrade.
const Subprotocol = "grcflow-events-v1"

// MessageType identifies the kind of message in the event stream.
type MessageType string

const (
	// Server → client
	MsgHello               MessageType = "stream.hello"
	MsgConfigSaved         MessageType = MessageType(workflow.EventConfigSaved)
	MsgRequestCreated      MessageType = MessageType(workflow.EventRequestCreated)
	MsgRequestTransitioned MessageType = MessageType(workflow.EventRequestTransitioned)
	MsgPing                MessageType = "stream.ping"

	// Client → server
	MsgSubscribe MessageType = "stream.subscribe"
	MsgPong      MessageType = "stream.pong"

	// Bidirectional
	MsgError MessageType = "error"
)

// Envelope is the top-level message wrapper for the event stream.
type Envelope struct {
	Type      MessageType     `json:"type"`
	ID        string          `json:"id"` // Message ID for deduplication.
	RequestID string          `json:"request_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// NewEnvelope creates an Envelope with a fresh ID and current timestamp.
func NewEnvelope(msgType MessageType, payload any) (*Envelope, error) {
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		raw = data
	}
	return &Envelope{
		Type:      msgType,
		ID:        uuid.New().String(),
		Payload:   raw,
		Timestamp: time.Now().UTC(),
	}, nil
}

// Decode unmarshals the Payload into the given target.
func (e *Envelope) Decode(target any) error {
	return json.Unmarshal(e.Payload, target)
}

// --- Server → client payloads ---

// HelloPayload is the first message on every connection.
type HelloPayload struct {
	Principal         string   `json:"principal"`
	Role              string   `json:"role"`
	RequestIDs        []string `json:"request_ids,omitempty"` // Active filter; empty means all requests.
	HeartbeatInterval int      `json:"heartbeat_interval_seconds"`
}

// RequestEventPayload accompanies request.created and request.transitioned.
type RequestEventPayload struct {
	Request       workflow.View   `json:"request"`
	Actor         string          `json:"actor,omitempty"`
	Action        workflow.Action `json:"action,omitempty"`
	ActingRole    string          `json:"acting_role,omitempty"`
	ConfigVersion int64           `json:"config_version,omitempty"`
}

// ConfigEventPayload accompanies config.saved.
type ConfigEventPayload struct {
	Config workflow.Config `json:"config"`
	Actor  string          `json:"actor,omitempty"`
}

// ErrorPayload reports a protocol violation to the peer.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// --- Client → server payloads ---

// SubscribePayload narrows the stream to the given requests. An empty list
// restores the full stream. Config events are always delivered.
type SubscribePayload struct {
	RequestIDs []string `json:"request_ids"`
}

// FromEvent converts a committed workflow event into a stream envelope.
func FromEvent(ev workflow.Event) (*Envelope, error) {
	var payload any
	switch ev.Type {
	case workflow.EventConfigSaved:
		p := ConfigEventPayload{Actor: ev.Actor}
		if ev.Config != nil {
			p.Config = *ev.Config
		}
		payload = p
	default:
		p := RequestEventPayload{
			Request:    workflow.NewView(ev.Request, ev.Config),
			Actor:      ev.Actor,
			Action:     ev.Action,
			ActingRole: ev.Role,
		}
		if ev.Config != nil {
			p.ConfigVersion = ev.Config.Version
		}
		payload = p
	}

	env, err := NewEnvelope(MessageType(ev.Type), payload)
	if err != nil {
		return nil, err
	}
	env.RequestID = ev.RequestID()
	if !ev.Timestamp.IsZero() {
		env.Timestamp = ev.Timestamp.UTC()
	}
	return env, nil
}
