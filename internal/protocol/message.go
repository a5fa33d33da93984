package protocol

import (
	"slices"
	"time"
)

// DeliveryStatus tracks how far a message has travelled.
type DeliveryStatus string

const (
	StatusSent      DeliveryStatus = "sent"
	StatusDelivered DeliveryStatus = "delivered"
	StatusRead      DeliveryStatus = "read"
)

// AttachmentKind tags the shape of an attachment so consumers don't have to
// sniff mime types.
type AttachmentKind string

const (
	AttachmentImage AttachmentKind = "image"
	AttachmentAudio AttachmentKind = "audio"
	AttachmentPDF   AttachmentKind = "pdf"
	AttachmentFile  AttachmentKind = "file"
)

// KindForMime maps a mime type onto an attachment kind.
func KindForMime(mime string) AttachmentKind {
	switch {
	case len(mime) >= 6 && mime[:6] == "image/":
		return AttachmentImage
	case len(mime) >= 6 && mime[:6] == "audio/":
		return AttachmentAudio
	case mime == "application/pdf":
		return AttachmentPDF
	default:
		return AttachmentFile
	}
}

// Attachment is a fully uploaded file referenced by a message.
type Attachment struct {
	URL       string         `json:"url" validate:"required"`
	Name      string         `json:"name" validate:"required"`
	SizeBytes int64          `json:"size_bytes"`
	Mime      string         `json:"mime,omitempty"`
	Kind      AttachmentKind `json:"kind,omitempty"`
}

// ReplyRef points at the message being replied to, with a denormalized
// snippet so the reference survives history truncation.
type ReplyRef struct {
	MessageID string `json:"message_id"`
	Snippet   string `json:"snippet,omitempty"`
}

// Deletion marks a message as deleted in place.
type Deletion struct {
	ActorID string `json:"actor_id"`
	Reason  string `json:"reason,omitempty"`
}

// CallInvite embeds an active call into the timeline so room members can
// join it. Duration and Ended are filled in by the final call.update.
type CallInvite struct {
	CallID          string `json:"call_id"`
	DurationSeconds int    `json:"duration_seconds,omitempty"`
	Ended           bool   `json:"ended"`
}

// Message is one chat event in a room timeline.
type Message struct {
	ID            string              `json:"id"`
	Room          string              `json:"room"`
	SenderID      string              `json:"sender_id"`
	SenderName    string              `json:"sender_name,omitempty"`
	Text          string              `json:"text,omitempty"`
	Attachments   []Attachment        `json:"attachments,omitempty"`
	Voice         bool                `json:"voice,omitempty"`
	CreatedAt     time.Time           `json:"created_at"`
	EditedAt      *time.Time          `json:"edited_at,omitempty"`
	Status        DeliveryStatus      `json:"status"`
	ReplyTo       *ReplyRef           `json:"reply_to,omitempty"`
	ThreadID      string              `json:"thread_id,omitempty"`
	Reactions     map[string][]string `json:"reactions,omitempty"`
	ReadBy        []string            `json:"read_by,omitempty"`
	Deleted       *Deletion           `json:"deleted,omitempty"`
	Invite        *CallInvite         `json:"invite,omitempty"`
	Alert         string              `json:"alert,omitempty"`
	CorrelationID string              `json:"correlation_id,omitempty"`
}

// Clone returns a deep copy of the message. Reaction sets, read sets,
// attachments and markers are duplicated, so the copy stays stable while the
// original keeps mutating.
func (m Message) Clone() Message {
	out := m
	if m.Reactions != nil {
		out.Reactions = make(map[string][]string, len(m.Reactions))
		for emoji, users := range m.Reactions {
			out.Reactions[emoji] = slices.Clone(users)
		}
	}
	out.ReadBy = slices.Clone(m.ReadBy)
	out.Attachments = slices.Clone(m.Attachments)
	if m.EditedAt != nil {
		at := *m.EditedAt
		out.EditedAt = &at
	}
	if m.ReplyTo != nil {
		ref := *m.ReplyTo
		out.ReplyTo = &ref
	}
	if m.Deleted != nil {
		del := *m.Deleted
		out.Deleted = &del
	}
	if m.Invite != nil {
		inv := *m.Invite
		out.Invite = &inv
	}
	return out
}

// ToggleReaction flips userID's membership in the emoji's reaction set and
// reports whether the reaction is set afterwards. Order of first reaction is
// preserved; double-toggle restores the original set.
func ToggleReaction(reactions map[string][]string, emoji, userID string) (map[string][]string, bool) {
	if reactions == nil {
		reactions = make(map[string][]string)
	}
	users := reactions[emoji]
	if i := slices.Index(users, userID); i >= 0 {
		users = slices.Delete(slices.Clone(users), i, i+1)
		if len(users) == 0 {
			delete(reactions, emoji)
		} else {
			reactions[emoji] = users
		}
		return reactions, false
	}
	reactions[emoji] = append(slices.Clone(users), userID)
	return reactions, true
}

// MarkReadBy adds userID to the message's read set, idempotently.
func (m *Message) MarkReadBy(userID string) bool {
	if slices.Contains(m.ReadBy, userID) {
		return false
	}
	m.ReadBy = append(m.ReadBy, userID)
	m.Status = StatusRead
	return true
}
