package server

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wardlink/wardlink/internal/domain"
	"github.com/wardlink/wardlink/internal/protocol"
)

func storedMessage(id, text string, at time.Time) protocol.Message {
	return protocol.Message{
		ID:        id,
		Room:      "ward-7",
		SenderID:  "nurse-1",
		Text:      text,
		CreatedAt: at,
		Status:    protocol.StatusDelivered,
	}
}

func TestMemoryStoreHistoryIsChronological(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	base := time.Now().UTC()

	require.NoError(t, store.Append(ctx, storedMessage("m-2", "second", base.Add(time.Minute))))
	require.NoError(t, store.Append(ctx, storedMessage("m-1", "first", base)))

	msgs, err := store.History(ctx, "ward-7")
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "m-1", msgs[0].ID)
	assert.Equal(t, "m-2", msgs[1].ID)

	other, err := store.History(ctx, "ward-8")
	require.NoError(t, err)
	assert.Empty(t, other)
}

func TestMemoryStoreToggleReactionRoundTrip(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, store.Append(ctx, storedMessage("m-1", "hello", time.Now())))

	reactions, err := store.ToggleReaction(ctx, "ward-7", "m-1", "👍", "doc-2")
	require.NoError(t, err)
	assert.Equal(t, []string{"doc-2"}, reactions["👍"])

	reactions, err = store.ToggleReaction(ctx, "ward-7", "m-1", "👍", "doc-2")
	require.NoError(t, err)
	assert.NotContains(t, reactions, "👍")

	_, err = store.ToggleReaction(ctx, "ward-7", "missing", "👍", "doc-2")
	assert.ErrorIs(t, err, domain.ErrMessageNotFound)
}

func TestMemoryStoreMarkReadUpdatesStatus(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, store.Append(ctx, storedMessage("m-1", "hello", time.Now())))

	require.NoError(t, store.MarkRead(ctx, "ward-7", "m-1", "doc-2"))
	require.NoError(t, store.MarkRead(ctx, "ward-7", "m-1", "doc-2"))

	msgs, err := store.History(ctx, "ward-7")
	require.NoError(t, err)
	assert.Equal(t, []string{"doc-2"}, msgs[0].ReadBy)
	assert.Equal(t, protocol.StatusRead, msgs[0].Status)
}

func TestMemoryStoreDeleteClearsContent(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	msg := storedMessage("m-1", "sensitive", time.Now())
	msg.Attachments = []protocol.Attachment{{URL: "http://x/f", Name: "f"}}
	require.NoError(t, store.Append(ctx, msg))

	require.NoError(t, store.Delete(ctx, "ward-7", "m-1", "nurse-1", "typo"))

	msgs, err := store.History(ctx, "ward-7")
	require.NoError(t, err)
	require.NotNil(t, msgs[0].Deleted)
	assert.Equal(t, "nurse-1", msgs[0].Deleted.ActorID)
	assert.Empty(t, msgs[0].Text)
	assert.Empty(t, msgs[0].Attachments)
}

func TestMemoryStoreEditStampsTime(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, store.Append(ctx, storedMessage("m-1", "helo", time.Now())))

	at := time.Now().UTC()
	require.NoError(t, store.Edit(ctx, "ward-7", "m-1", "hello", at))

	msgs, err := store.History(ctx, "ward-7")
	require.NoError(t, err)
	assert.Equal(t, "hello", msgs[0].Text)
	require.NotNil(t, msgs[0].EditedAt)
	assert.Equal(t, at, *msgs[0].EditedAt)
}

func TestMemoryStoreConcludeInvite(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	msg := storedMessage("m-1", "started a call", time.Now())
	msg.Invite = &protocol.CallInvite{CallID: "call-9"}
	require.NoError(t, store.Append(ctx, msg))

	id, err := store.ConcludeInvite(ctx, "ward-7", "call-9", 125)
	require.NoError(t, err)
	assert.Equal(t, "m-1", id)

	msgs, err := store.History(ctx, "ward-7")
	require.NoError(t, err)
	assert.True(t, msgs[0].Invite.Ended)
	assert.Equal(t, 125, msgs[0].Invite.DurationSeconds)

	id, err = store.ConcludeInvite(ctx, "ward-7", "call-unknown", 10)
	require.NoError(t, err)
	assert.Empty(t, id)
}
