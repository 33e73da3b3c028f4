// Package envelope defines the tagged event format exchanged with clients and
// published on the shared broker.
package envelope

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"
)

// ErrMalformed is returned when a frame cannot be decoded into an envelope.
var ErrMalformed = errors.New("malformed envelope")

// Type is the envelope discriminator.
type Type string

// Recognized envelope types.
const (
	TypeGroupMessage     Type = "group_message"
	TypePersonalMessage  Type = "personal_message"
	TypeNotification     Type = "notification"
	TypeUserConnected    Type = "user_connected"
	TypeUserDisconnected Type = "user_disconnected"
	TypeError            Type = "error"
)

// Known reports whether t is one of the recognized types.
func (t Type) Known() bool {
	switch t {
	case TypeGroupMessage, TypePersonalMessage, TypeNotification,
		TypeUserConnected, TypeUserDisconnected, TypeError:
		return true
	}
	return false
}

// Envelope is the wire representation: {"type": ..., "payload": {...}}.
type Envelope struct {
	Type    Type            `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// GroupMessage is a room chat message.
type GroupMessage struct {
	Content   string `json:"content"`
	SenderID  string `json:"sender_id,omitempty"`
	ProjectID string `json:"project_id,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
}

// PersonalMessage is a direct message to a single user.
type PersonalMessage struct {
	Content        string `json:"content"`
	ReceivedUserID string `json:"received_user_id"`
	SenderID       string `json:"sender_id,omitempty"`
	Timestamp      string `json:"timestamp,omitempty"`
}

// Notification is a system notice (mention, permission change, assignment).
type Notification struct {
	NotificationType string `json:"notification_type"`
	Message          string `json:"message"`
	RelatedEntityID  string `json:"related_entity_id,omitempty"`
}

// Presence is the payload of user_connected and user_disconnected.
type Presence struct {
	UserID    string `json:"user_id"`
	ProjectID string `json:"project_id"`
	Timestamp string `json:"timestamp"`
	Content   string `json:"content"`
}

// ErrorReply is sent back on the socket that produced a bad frame.
type ErrorReply struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// New builds an envelope by marshaling payload.
func New(t Type, payload any) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s payload: %w", t, err)
	}
	return Envelope{Type: t, Payload: raw}, nil
}

// NewPresence builds a user_connected or user_disconnected envelope.
func NewPresence(t Type, userID, projectID, content string, at time.Time) (Envelope, error) {
	return New(t, Presence{
		UserID:    userID,
		ProjectID: projectID,
		Timestamp: at.UTC().Format(time.RFC3339),
		Content:   content,
	})
}

// NewError builds an error reply envelope.
func NewError(code, message string) Envelope {
	env, _ := New(TypeError, ErrorReply{Code: code, Message: message})
	return env
}

// Decode parses a raw frame. The payload must be a JSON object and the type
// must be non-empty; unknown types decode successfully so callers can log
// and skip them.
func Decode(data []byte) (Envelope, error) {
	var env Envelope
	dec := json.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(&env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return Envelope{}, fmt.Errorf("%w: trailing data after envelope", ErrMalformed)
	}
	if env.Type == "" {
		return Envelope{}, fmt.Errorf("%w: missing type", ErrMalformed)
	}
	trimmed := bytes.TrimSpace(env.Payload)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return Envelope{}, fmt.Errorf("%w: payload must be an object", ErrMalformed)
	}
	env.Payload = trimmed
	return env, nil
}

// Encode serializes the envelope to its text frame.
func (e Envelope) Encode() ([]byte, error) {
	if e.Type == "" {
		return nil, fmt.Errorf("%w: missing type", ErrMalformed)
	}
	if len(e.Payload) == 0 {
		e.Payload = json.RawMessage("{}")
	}
	return json.Marshal(e)
}

// GroupMessage decodes the payload of a group_message envelope.
func (e Envelope) GroupMessage() (GroupMessage, error) {
	var m GroupMessage
	if err := e.decodePayload(TypeGroupMessage, &m); err != nil {
		return GroupMessage{}, err
	}
	return m, nil
}

// PersonalMessage decodes and validates a personal_message payload.
func (e Envelope) PersonalMessage() (PersonalMessage, error) {
	var m PersonalMessage
	if err := e.decodePayload(TypePersonalMessage, &m); err != nil {
		return PersonalMessage{}, err
	}
	if m.ReceivedUserID == "" {
		return PersonalMessage{}, fmt.Errorf("%w: received_user_id is required", ErrMalformed)
	}
	return m, nil
}

// Notification decodes and validates a notification payload.
func (e Envelope) Notification() (Notification, error) {
	var n Notification
	if err := e.decodePayload(TypeNotification, &n); err != nil {
		return Notification{}, err
	}
	if n.NotificationType == "" {
		return Notification{}, fmt.Errorf("%w: notification_type is required", ErrMalformed)
	}
	return n, nil
}

// Presence decodes a user_connected or user_disconnected payload.
func (e Envelope) Presence() (Presence, error) {
	if e.Type != TypeUserConnected && e.Type != TypeUserDisconnected {
		return Presence{}, fmt.Errorf("%w: %s is not a presence event", ErrMalformed, e.Type)
	}
	var p Presence
	if err := json.Unmarshal(e.Payload, &p); err != nil {
		return Presence{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return p, nil
}

func (e Envelope) decodePayload(want Type, v any) error {
	if e.Type != want {
		return fmt.Errorf("%w: expected %s, got %s", ErrMalformed, want, e.Type)
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return nil
}
