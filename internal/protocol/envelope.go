package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/go-playground/validator/v10"
)

// Envelope is the wire frame exchanged over the room transport. Type is the
// discriminator; Payload carries the type-specific body.
type Envelope struct {
	Type          string          `json:"type" validate:"required"`
	Room          string          `json:"room,omitempty"`
	SenderID      string          `json:"sender_id,omitempty"`
	SenderName    string          `json:"sender_name,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
}

// Envelope types. The chat.* family mutates the room timeline, presence.*
// feeds the roster, call.* carries mesh signaling, auth* is the handshake.
const (
	TypeAuth    = "auth"
	TypeAuthOK  = "auth.ok"
	TypeAuthErr = "auth.err"

	TypeRoomJoin  = "room.join"
	TypeRoomLeave = "room.leave"

	TypeChatMessage  = "chat.message"
	TypeChatReaction = "chat.reaction"
	TypeChatReceipt  = "chat.receipt"
	TypeChatDelete   = "chat.delete"
	TypeChatEdit     = "chat.edit"
	TypeChatTyping   = "chat.typing"

	TypePresenceJoin      = "presence.join"
	TypePresenceLeave     = "presence.leave"
	TypePresenceHeartbeat = "presence.heartbeat"
	TypePresenceState     = "presence.state"

	TypeCallInvite = "call.invite"
	TypeCallUpdate = "call.update"
	TypeCallSignal = "call.signal"

	TypeError = "error"
)

// AuthPayload is the first frame a client sends after connecting.
type AuthPayload struct {
	Token    string `json:"token" validate:"required"`
	UserID   string `json:"user_id" validate:"required"`
	UserName string `json:"user_name,omitempty"`
}

// AuthErrPayload carries the reason an auth frame was rejected.
type AuthErrPayload struct {
	Reason string `json:"reason"`
}

// ReactionPayload toggles a user's membership in a message's reaction set.
type ReactionPayload struct {
	MessageID string `json:"message_id" validate:"required"`
	Emoji     string `json:"emoji" validate:"required"`
	UserID    string `json:"user_id" validate:"required"`
	// Set reports the state after the toggle on the sender's side. The
	// server's fan-out is authoritative for everyone else.
	Set bool `json:"set"`
	// Reactions is the server's authoritative set, present on fan-out only.
	Reactions map[string][]string `json:"reactions,omitempty"`
}

// ReceiptPayload records that a viewer has read a message.
type ReceiptPayload struct {
	MessageID string `json:"message_id" validate:"required"`
	UserID    string `json:"user_id" validate:"required"`
}

// DeletePayload marks a message deleted in place.
type DeletePayload struct {
	MessageID string `json:"message_id" validate:"required"`
	ActorID   string `json:"actor_id" validate:"required"`
	Reason    string `json:"reason,omitempty"`
}

// EditPayload replaces a message's text in place.
type EditPayload struct {
	MessageID string `json:"message_id" validate:"required"`
	Text      string `json:"text" validate:"required"`
}

// TypingPayload signals typing start/stop for the sender in a room.
type TypingPayload struct {
	UserID string `json:"user_id" validate:"required"`
	Typing bool   `json:"typing"`
}

// PresencePayload is a single roster event (join, leave, heartbeat).
type PresencePayload struct {
	UserID   string `json:"user_id" validate:"required"`
	UserName string `json:"user_name,omitempty"`
}

// PresenceStatePayload is the full roster snapshot the server sends on join.
type PresenceStatePayload struct {
	Users []PresenceEntry `json:"users"`
}

// PresenceEntry is one user's presence as seen by the server.
type PresenceEntry struct {
	UserID   string `json:"user_id"`
	UserName string `json:"user_name,omitempty"`
	Online   bool   `json:"online"`
	LastSeen int64  `json:"last_seen"`
}

// ErrorPayload is a protocol-level rejection (e.g. unknown room).
type ErrorPayload struct {
	Code   string `json:"code"`
	Detail string `json:"detail,omitempty"`
}

// Protocol error codes carried in ErrorPayload.Code.
const (
	CodeRoomNotFound = "room_not_found"
	CodeBadFrame     = "bad_frame"
)

var validate = validator.New()

// NewEnvelope marshals payload into an envelope of the given type.
func NewEnvelope(msgType, room string, payload any) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s payload: %w", msgType, err)
	}
	return Envelope{Type: msgType, Room: room, Payload: raw}, nil
}

// DecodeEnvelope parses and validates a raw frame.
func DecodeEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	if err := validate.Struct(env); err != nil {
		return Envelope{}, fmt.Errorf("invalid envelope: %w", err)
	}
	return env, nil
}

// DecodePayload unmarshals an envelope payload into T and validates it at
// the transport boundary.
func DecodePayload[T any](env Envelope) (T, error) {
	var payload T
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		return payload, fmt.Errorf("decode %s payload: %w", env.Type, err)
	}
	if err := validate.Struct(payload); err != nil {
		return payload, fmt.Errorf("invalid %s payload: %w", env.Type, err)
	}
	return payload, nil
}

// Encode serializes an envelope for the wire.
func (e Envelope) Encode() ([]byte, error) {
	return json.Marshal(e)
}
