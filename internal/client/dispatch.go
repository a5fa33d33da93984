package client

import (
	"time"

	"github.com/wardlink/wardlink/internal/presence"
	"github.com/wardlink/wardlink/internal/protocol"
)

// onFrame dispatches every inbound envelope. It runs on the session's pump
// goroutine, so handlers must not block on the transport.
func (c *Client) onFrame(env protocol.Envelope) {
	switch env.Type {
	case protocol.TypeChatMessage:
		c.handleChatMessage(env)

	case protocol.TypeChatReaction:
		payload, err := protocol.DecodePayload[protocol.ReactionPayload](env)
		if err != nil {
			c.logger.Warn("Bad reaction frame", "error", err)
			return
		}
		if payload.Reactions != nil {
			c.timeline.ApplyReactions(payload.MessageID, payload.Reactions)
		} else if payload.UserID != c.cfg.UserID {
			c.timeline.ApplyReactionToggle(payload.MessageID, payload.Emoji, payload.UserID, payload.Set)
		}
		c.publishMessages()

	case protocol.TypeChatReceipt:
		payload, err := protocol.DecodePayload[protocol.ReceiptPayload](env)
		if err != nil {
			c.logger.Warn("Bad receipt frame", "error", err)
			return
		}
		c.timeline.ApplyReceipt(payload.MessageID, payload.UserID)
		c.publishMessages()

	case protocol.TypeChatDelete:
		payload, err := protocol.DecodePayload[protocol.DeletePayload](env)
		if err != nil {
			c.logger.Warn("Bad delete frame", "error", err)
			return
		}
		c.timeline.MarkDeleted(payload.MessageID, payload.ActorID, payload.Reason)
		c.publishMessages()

	case protocol.TypeChatEdit:
		payload, err := protocol.DecodePayload[protocol.EditPayload](env)
		if err != nil {
			c.logger.Warn("Bad edit frame", "error", err)
			return
		}
		c.timeline.ApplyEdit(payload.MessageID, payload.Text, time.Now().UTC())
		c.publishMessages()

	case protocol.TypeChatTyping:
		payload, err := protocol.DecodePayload[protocol.TypingPayload](env)
		if err != nil {
			return
		}
		if payload.UserID != c.cfg.UserID {
			c.tracker.ObserveTyping(payload.UserID, payload.Typing)
		}

	case protocol.TypePresenceJoin:
		if payload, err := protocol.DecodePayload[protocol.PresencePayload](env); err == nil {
			c.tracker.ObserveJoin(payload.UserID, payload.UserName)
		}

	case protocol.TypePresenceLeave:
		if payload, err := protocol.DecodePayload[protocol.PresencePayload](env); err == nil {
			c.tracker.ObserveLeave(payload.UserID)
		}

	case protocol.TypePresenceHeartbeat:
		if payload, err := protocol.DecodePayload[protocol.PresencePayload](env); err == nil {
			c.tracker.ObserveHeartbeat(payload.UserID, payload.UserName)
		}

	case protocol.TypePresenceState:
		payload, err := protocol.DecodePayload[protocol.PresenceStatePayload](env)
		if err != nil {
			c.logger.Warn("Bad presence state frame", "error", err)
			return
		}
		c.tracker.ApplyState(presenceEntries(payload.Users))

	case protocol.TypeCallSignal:
		sig, err := protocol.DecodePayload[protocol.CallSignal](env)
		if err != nil {
			c.logger.Warn("Bad call signal frame", "error", err)
			return
		}
		c.call.HandleSignal(c.ctx, sig)

	case protocol.TypeCallUpdate:
		payload, err := protocol.DecodePayload[protocol.CallUpdatePayload](env)
		if err != nil {
			c.logger.Warn("Bad call update frame", "error", err)
			return
		}
		c.timeline.UpdateInvite(payload.CallID, payload.DurationSeconds, payload.Ended)
		c.publishMessages()

	case protocol.TypeError:
		payload, _ := protocol.DecodePayload[protocol.ErrorPayload](env)
		c.logger.Warn("Server rejected a frame", "code", payload.Code, "detail", payload.Detail)

	default:
		c.logger.Debug("Unhandled frame", "type", env.Type)
	}
}

// handleChatMessage reconciles a server-confirmed message into the
// timeline. Our own echo replaces its optimistic entry in place; everything
// else merges by id and timestamp.
func (c *Client) handleChatMessage(env protocol.Envelope) {
	msg, err := protocol.DecodePayload[protocol.Message](env)
	if err != nil {
		c.logger.Warn("Bad chat message frame", "error", err)
		return
	}
	if msg.CorrelationID == "" {
		msg.CorrelationID = env.CorrelationID
	}
	if msg.Room != "" && msg.Room != c.timeline.Room() {
		return
	}

	if msg.SenderID == c.cfg.UserID && c.timeline.Confirm(msg) {
		c.publishMessages()
		return
	}
	c.timeline.Merge(msg)
	c.publishMessages()
}

// onHistory replaces the timeline with a room's backlog. The session
// manager has already discarded fetches for rooms no longer active.
func (c *Client) onHistory(room string, msgs []protocol.Message) {
	c.timeline.ReplaceAll(room, msgs)
	c.publishMessages()
}

// onDrop runs when the transport is lost unexpectedly. Call media and peers
// stay untouched while signaling is down; peers heal via their own ICE
// recovery once frames flow again.
func (c *Client) onDrop(room string) {
	c.call.HandleTransportLoss()
}

func presenceEntries(users []protocol.PresenceEntry) []presence.Entry {
	entries := make([]presence.Entry, 0, len(users))
	for _, u := range users {
		entries = append(entries, presence.Entry{
			UserID:   u.UserID,
			UserName: u.UserName,
			Online:   u.Online,
			LastSeen: time.Unix(u.LastSeen, 0).UTC(),
		})
	}
	return entries
}
