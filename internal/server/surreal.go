package server

import (
	"context"
	"fmt"
	"time"

	"github.com/surrealdb/surrealdb.go"

	"github.com/wardlink/wardlink/internal/config"
	"github.com/wardlink/wardlink/internal/domain"
	"github.com/wardlink/wardlink/internal/protocol"
)

// SurrealStore is the durable MessageStore backed by SurrealDB. Messages
// live in the "message" table keyed by their uuid.
type SurrealStore struct {
	db *surrealdb.DB
}

// ConnectSurreal opens, authenticates and scopes a SurrealDB connection
// from configuration.
func ConnectSurreal(ctx context.Context, cfg *config.Config) (*surrealdb.DB, error) {
	db, err := surrealdb.FromEndpointURLString(ctx, cfg.SurrealURL)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	if _, err := db.SignIn(ctx, &surrealdb.Auth{
		Username: cfg.SurrealUser,
		Password: cfg.SurrealPass,
	}); err != nil {
		db.Close(ctx)
		return nil, fmt.Errorf("sign in: %w", err)
	}

	if err := db.Use(ctx, cfg.SurrealNS, cfg.SurrealDB); err != nil {
		db.Close(ctx)
		return nil, fmt.Errorf("use namespace/db: %w", err)
	}
	return db, nil
}

func NewSurrealStore(db *surrealdb.DB) *SurrealStore {
	return &SurrealStore{db: db}
}

// query runs a SurrealQL statement and returns the first result set.
func query[T any](ctx context.Context, db *surrealdb.DB, q string, params map[string]any) ([]T, error) {
	results, err := surrealdb.Query[[]T](ctx, db, q, params)
	if err != nil {
		return nil, fmt.Errorf("query execution failed: %w", err)
	}
	if len(*results) == 0 {
		return nil, nil
	}
	return (*results)[0].Result, nil
}

// execute runs a statement whose rows we discard.
func execute(ctx context.Context, db *surrealdb.DB, q string, params map[string]any) error {
	if _, err := surrealdb.Query[any](ctx, db, q, params); err != nil {
		return fmt.Errorf("query execution failed: %w", err)
	}
	return nil
}

func (s *SurrealStore) Append(ctx context.Context, msg protocol.Message) error {
	return execute(ctx, s.db, "CREATE message CONTENT $msg", map[string]any{"msg": msg})
}

func (s *SurrealStore) History(ctx context.Context, room string) ([]protocol.Message, error) {
	return query[protocol.Message](ctx, s.db,
		"SELECT * FROM message WHERE room = $room ORDER BY created_at ASC",
		map[string]any{"room": room})
}

func (s *SurrealStore) get(ctx context.Context, room, messageID string) (*protocol.Message, error) {
	msgs, err := query[protocol.Message](ctx, s.db,
		"SELECT * FROM message WHERE room = $room AND id = $id LIMIT 1",
		map[string]any{"room": room, "id": messageID})
	if err != nil {
		return nil, err
	}
	if len(msgs) == 0 {
		return nil, domain.ErrMessageNotFound
	}
	return &msgs[0], nil
}

func (s *SurrealStore) ToggleReaction(ctx context.Context, room, messageID, emoji, userID string) (map[string][]string, error) {
	msg, err := s.get(ctx, room, messageID)
	if err != nil {
		return nil, err
	}
	reactions, _ := protocol.ToggleReaction(msg.Reactions, emoji, userID)
	err = execute(ctx, s.db,
		"UPDATE message SET reactions = $reactions WHERE room = $room AND id = $id",
		map[string]any{"reactions": reactions, "room": room, "id": messageID})
	if err != nil {
		return nil, err
	}
	return reactions, nil
}

func (s *SurrealStore) MarkRead(ctx context.Context, room, messageID, userID string) error {
	return execute(ctx, s.db,
		"UPDATE message SET read_by = array::union(read_by ?? [], [$user]), status = 'read' WHERE room = $room AND id = $id",
		map[string]any{"user": userID, "room": room, "id": messageID})
}

func (s *SurrealStore) Delete(ctx context.Context, room, messageID, actorID, reason string) error {
	return execute(ctx, s.db,
		"UPDATE message SET deleted = { actor_id: $actor, reason: $reason }, text = '', attachments = NONE WHERE room = $room AND id = $id",
		map[string]any{"actor": actorID, "reason": reason, "room": room, "id": messageID})
}

func (s *SurrealStore) Edit(ctx context.Context, room, messageID, text string, at time.Time) error {
	return execute(ctx, s.db,
		"UPDATE message SET text = $text, edited_at = $at WHERE room = $room AND id = $id",
		map[string]any{"text": text, "at": at, "room": room, "id": messageID})
}

func (s *SurrealStore) ConcludeInvite(ctx context.Context, room, callID string, duration int) (string, error) {
	msgs, err := query[protocol.Message](ctx, s.db,
		"SELECT * FROM message WHERE room = $room AND invite.call_id = $call LIMIT 1",
		map[string]any{"room": room, "call": callID})
	if err != nil {
		return "", err
	}
	if len(msgs) == 0 {
		return "", nil
	}
	err = execute(ctx, s.db,
		"UPDATE message SET invite.duration_seconds = $duration, invite.ended = true WHERE room = $room AND invite.call_id = $call",
		map[string]any{"duration": duration, "room": room, "call": callID})
	if err != nil {
		return "", err
	}
	return msgs[0].ID, nil
}
