package server

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/wardlink/wardlink/internal/domain"
	"github.com/wardlink/wardlink/internal/protocol"
)

// MessageStore persists room timelines. The hub is the only writer; reads
// serve the history endpoint.
type MessageStore interface {
	Append(ctx context.Context, msg protocol.Message) error
	History(ctx context.Context, room string) ([]protocol.Message, error)
	// ToggleReaction flips the user's membership in the emoji set and
	// returns the authoritative reaction map afterwards.
	ToggleReaction(ctx context.Context, room, messageID, emoji, userID string) (map[string][]string, error)
	MarkRead(ctx context.Context, room, messageID, userID string) error
	Delete(ctx context.Context, room, messageID, actorID, reason string) error
	Edit(ctx context.Context, room, messageID, text string, at time.Time) error
	// ConcludeInvite stamps the duration onto the invitation message for a
	// finished call and returns the message id, or empty when no invitation
	// references the call.
	ConcludeInvite(ctx context.Context, room, callID string, duration int) (string, error)
}

// MemoryStore is the in-process MessageStore used when no database is
// configured, and by tests.
type MemoryStore struct {
	mu    sync.RWMutex
	rooms map[string][]protocol.Message
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rooms: make(map[string][]protocol.Message)}
}

func (s *MemoryStore) Append(_ context.Context, msg protocol.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rooms[msg.Room] = append(s.rooms[msg.Room], msg)
	return nil
}

func (s *MemoryStore) History(_ context.Context, room string) ([]protocol.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	msgs := make([]protocol.Message, len(s.rooms[room]))
	copy(msgs, s.rooms[room])
	sort.SliceStable(msgs, func(i, j int) bool { return msgs[i].CreatedAt.Before(msgs[j].CreatedAt) })
	return msgs, nil
}

func (s *MemoryStore) ToggleReaction(_ context.Context, room, messageID, emoji, userID string) (map[string][]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg, err := s.find(room, messageID)
	if err != nil {
		return nil, err
	}
	msg.Reactions, _ = protocol.ToggleReaction(msg.Reactions, emoji, userID)
	return msg.Reactions, nil
}

func (s *MemoryStore) MarkRead(_ context.Context, room, messageID, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg, err := s.find(room, messageID)
	if err != nil {
		return err
	}
	msg.MarkReadBy(userID)
	msg.Status = protocol.StatusRead
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, room, messageID, actorID, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg, err := s.find(room, messageID)
	if err != nil {
		return err
	}
	msg.Deleted = &protocol.Deletion{ActorID: actorID, Reason: reason}
	msg.Text = ""
	msg.Attachments = nil
	return nil
}

func (s *MemoryStore) Edit(_ context.Context, room, messageID, text string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg, err := s.find(room, messageID)
	if err != nil {
		return err
	}
	msg.Text = text
	msg.EditedAt = &at
	return nil
}

func (s *MemoryStore) ConcludeInvite(_ context.Context, room, callID string, duration int) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msgs := s.rooms[room]
	for i := range msgs {
		if msgs[i].Invite != nil && msgs[i].Invite.CallID == callID {
			msgs[i].Invite.DurationSeconds = duration
			msgs[i].Invite.Ended = true
			return msgs[i].ID, nil
		}
	}
	return "", nil
}

func (s *MemoryStore) find(room, messageID string) (*protocol.Message, error) {
	msgs := s.rooms[room]
	for i := range msgs {
		if msgs[i].ID == messageID {
			return &msgs[i], nil
		}
	}
	return nil, domain.ErrMessageNotFound
}
