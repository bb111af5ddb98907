// Package realtime defines the wire-level types shared by the consultation
// gateway and its clients: identities, the event envelope, and the payloads
// carried by each event.
package realtime

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Role is the platform role attached to an identity.
type Role string

const (
	RolePatient Role = "patient"
	RoleDoctor  Role = "doctor"
	RoleAdmin   Role = "admin"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RolePatient, RoleDoctor, RoleAdmin:
		return true
	}
	return false
}

// ParseRole converts a string into a Role, rejecting unknown values.
func ParseRole(s string) (Role, error) {
	r := Role(s)
	if !r.Valid() {
		return "", fmt.Errorf("unknown role %q", s)
	}
	return r, nil
}

// ErrInvalidIdentity is returned by Identity.Validate.
var ErrInvalidIdentity = errors.New("invalid identity")

// Identity is the authenticated (id, role) pair bound to a connection.
type Identity struct {
	ID   string `json:"id"`
	Role Role   `json:"role"`
}

// Validate checks that the identity carries an id and a known role.
func (i Identity) Validate() error {
	if i.ID == "" {
		return fmt.Errorf("%w: missing id", ErrInvalidIdentity)
	}
	if !i.Role.Valid() {
		return fmt.Errorf("%w: unknown role %q", ErrInvalidIdentity, i.Role)
	}
	return nil
}

func (i Identity) String() string {
	return string(i.Role) + ":" + i.ID
}

// Event names used on the wire.
const (
	EventConnect             = "connect"
	EventConnected           = "connected"
	EventJoinConsultation    = "join-consultation"
	EventConsultationJoined  = "consultation-joined"
	EventLeaveConsultation   = "leave-consultation"
	EventConsultationMessage = "consultation-message"
	EventTypingStart         = "typing-start"
	EventTypingStop          = "typing-stop"
	EventHeartbeat           = "heartbeat"
	EventHeartbeatAck        = "heartbeat-ack"
	EventNotification        = "notification"
	EventParticipantJoined   = "participant-joined"
	EventParticipantLeft     = "participant-left"
	EventError               = "error"
)

// Envelope is the unit exchanged in both directions.
type Envelope struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewEnvelope marshals payload into an envelope for the given event.
func NewEnvelope(event string, payload any) (Envelope, error) {
	if payload == nil {
		return Envelope{Event: event}, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s payload: %w", event, err)
	}
	return Envelope{Event: event, Payload: data}, nil
}

// MustEnvelope is NewEnvelope for payloads that are known to marshal.
func MustEnvelope(event string, payload any) Envelope {
	env, err := NewEnvelope(event, payload)
	if err != nil {
		panic(err)
	}
	return env
}

// Decode unmarshals the envelope payload into v.
func (e Envelope) Decode(v any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("%s: empty payload", e.Event)
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.Event, err)
	}
	return nil
}

// ConnectPayload is sent by a client that did not present a token during the
// HTTP upgrade.
type ConnectPayload struct {
	Token string `json:"token"`
}

// ConnectedPayload acknowledges a successful bind.
type ConnectedPayload struct {
	Identity   Identity  `json:"identity"`
	ServerTime time.Time `json:"serverTime"`
}

// RoomPayload carries only a room id (join, leave, typing).
type RoomPayload struct {
	RoomID string `json:"roomId"`
}

// ConsultationJoinedPayload is returned to the joiner.
type ConsultationJoinedPayload struct {
	RoomID       string    `json:"roomId"`
	Participants []string  `json:"participants"`
	StartedAt    time.Time `json:"startedAt"`
}

// MessagePayload is the inbound consultation-message body.
type MessagePayload struct {
	RoomID    string          `json:"roomId"`
	Message   json.RawMessage `json:"message"`
	Timestamp time.Time       `json:"timestamp,omitempty"`
}

// RelayedMessage is the consultation-message delivered to room members.
type RelayedMessage struct {
	RoomID     string          `json:"roomId"`
	SenderID   string          `json:"senderId"`
	SenderRole Role            `json:"senderRole"`
	Message    json.RawMessage `json:"message"`
	Timestamp  time.Time       `json:"timestamp"`
}

// TypingPayload is delivered for typing-start and typing-stop.
type TypingPayload struct {
	RoomID     string `json:"roomId"`
	IdentityID string `json:"identityId"`
}

// HeartbeatAckPayload answers a heartbeat.
type HeartbeatAckPayload struct {
	Timestamp time.Time `json:"timestamp"`
}

// ParticipantPayload is delivered for participant-joined and participant-left.
type ParticipantPayload struct {
	RoomID     string `json:"roomId"`
	IdentityID string `json:"identityId"`
	Role       Role   `json:"role"`
}

// NotificationPayload is the server-to-client notification body.
type NotificationPayload struct {
	Type      string         `json:"type"`
	Title     string         `json:"title"`
	Message   string         `json:"message"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// ErrorPayload is sent before the server closes a connection it refuses.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message,omitempty"`
}
