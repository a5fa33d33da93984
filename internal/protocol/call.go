package protocol

import "encoding/json"

// CallSignalKind discriminates the mesh signaling sub-protocol carried in
// call.signal envelopes.
type CallSignalKind string

const (
	SignalJoin      CallSignalKind = "join"
	SignalLeave     CallSignalKind = "leave"
	SignalOffer     CallSignalKind = "offer"
	SignalAnswer    CallSignalKind = "answer"
	SignalCandidate CallSignalKind = "candidate"
)

// CallSignal is one mesh negotiation step. Offer/answer/candidate signals
// are addressed to a single peer via TargetID; join/leave are room-wide.
type CallSignal struct {
	Kind     CallSignalKind `json:"kind" validate:"required"`
	CallID   string         `json:"call_id" validate:"required"`
	PeerID   string         `json:"peer_id" validate:"required"`
	PeerName string         `json:"peer_name,omitempty"`
	TargetID string         `json:"target_id,omitempty"`
	// SDP carries the session description for offer/answer signals.
	SDP string `json:"sdp,omitempty"`
	// Candidate carries the serialized ICE candidate for candidate signals.
	Candidate json.RawMessage `json:"candidate,omitempty"`
}

// CallInvitePayload announces a call into a room as a joinable chat message.
type CallInvitePayload struct {
	CallID   string `json:"call_id" validate:"required"`
	HostID   string `json:"host_id" validate:"required"`
	HostName string `json:"host_name,omitempty"`
}

// CallUpdatePayload concludes the invitation message when the call ends.
type CallUpdatePayload struct {
	CallID          string `json:"call_id" validate:"required"`
	MessageID       string `json:"message_id,omitempty"`
	DurationSeconds int    `json:"duration_seconds"`
	Ended           bool   `json:"ended"`
}
