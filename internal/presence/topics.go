package presence

import "github.com/wardlink/wardlink/internal/pubsub"

// RosterUpdate is emitted whenever the room roster changes.
type RosterUpdate struct {
	Room  string  `json:"room"`
	Users []Entry `json:"users"`
}

// TypingUpdate is emitted whenever the set of typing users changes.
type TypingUpdate struct {
	Room  string   `json:"room"`
	Users []string `json:"users"`
}

var (
	// TopicRosterUpdated carries the full roster after every change.
	TopicRosterUpdated = pubsub.NewEvent[RosterUpdate]("presence.roster.updated")

	// TopicTypingUpdated carries the currently-typing users after every change.
	TopicTypingUpdated = pubsub.NewEvent[TypingUpdate]("presence.typing.updated")
)
