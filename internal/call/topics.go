package call

import "github.com/wardlink/wardlink/internal/pubsub"

// EventKind enumerates call lifecycle events surfaced to the UI.
type EventKind string

const (
	EventStarted     EventKind = "started"
	EventPeerJoined  EventKind = "peer_joined"
	EventPeerLeft    EventKind = "peer_left"
	EventRemoteTrack EventKind = "remote_track"
	EventScreenShare EventKind = "screen_share"
	EventPeerFailed  EventKind = "peer_failed"
	EventEnded       EventKind = "ended"
)

// Event is one call lifecycle change.
type Event struct {
	Kind     EventKind `json:"kind"`
	CallID   string    `json:"call_id"`
	Room     string    `json:"room,omitempty"`
	PeerID   string    `json:"peer_id,omitempty"`
	PeerName string    `json:"peer_name,omitempty"`
	TrackID  string    `json:"track_id,omitempty"`
	Sharing  bool      `json:"sharing,omitempty"`
	Error    string    `json:"error,omitempty"`
}

// TopicCallEvents carries all call lifecycle events.
var TopicCallEvents = pubsub.NewEvent[Event]("call.events")
