package client

import (
	"github.com/wardlink/wardlink/internal/protocol"
	"github.com/wardlink/wardlink/internal/pubsub"
)

// MessagesUpdate carries the reconciled message list after every change.
type MessagesUpdate struct {
	Room     string             `json:"room"`
	Messages []protocol.Message `json:"messages"`
}

// TopicMessagesUpdated is the reactive message-list accessor: subscribers
// receive the full ordered view on every mutation.
var TopicMessagesUpdated = pubsub.NewEvent[MessagesUpdate]("chat.messages.updated")
