package client

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wardlink/wardlink/internal/protocol"
	"github.com/wardlink/wardlink/internal/transport"
)

// fakeConn is a scriptable transport: tests inject inbound frames and
// inspect what the client sent.
type fakeConn struct {
	mu     sync.Mutex
	sent   []protocol.Envelope
	frames chan protocol.Envelope
	once   sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		frames: make(chan protocol.Envelope, 16),
	}
}

func (c *fakeConn) Send(_ context.Context, env protocol.Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, env)
	return nil
}

func (c *fakeConn) Frames() <-chan protocol.Envelope { return c.frames }
func (c *fakeConn) Err() error                       { return nil }

func (c *fakeConn) Close(string) error {
	c.once.Do(func() {
		close(c.frames)
	})
	return nil
}

// inject delivers a frame as if the server sent it.
func (c *fakeConn) inject(env protocol.Envelope) {
	c.frames <- env
}

func (c *fakeConn) sentOfType(msgType string) []protocol.Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []protocol.Envelope
	for _, env := range c.sent {
		if env.Type == msgType {
			out = append(out, env)
		}
	}
	return out
}

type fakeDialer struct {
	mu    sync.Mutex
	conns []*fakeConn
}

func (d *fakeDialer) Dial(_ context.Context, _ string, _ protocol.AuthPayload) (transport.Conn, error) {
	conn := newFakeConn()
	d.mu.Lock()
	d.conns = append(d.conns, conn)
	d.mu.Unlock()
	return conn, nil
}

func (d *fakeDialer) current() *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.conns[len(d.conns)-1]
}

type fakeHistory struct {
	mu   sync.Mutex
	msgs map[string][]protocol.Message
}

func (h *fakeHistory) Fetch(_ context.Context, room string) ([]protocol.Message, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.msgs[room], nil
}

func newTestClient(t *testing.T) (*Client, *fakeDialer, *fakeHistory) {
	t.Helper()

	dialer := &fakeDialer{}
	history := &fakeHistory{msgs: make(map[string][]protocol.Message)}

	c := New(Config{
		Token:             "secret",
		UserID:            "nurse-1",
		UserName:          "Priya",
		ReconnectBase:     time.Millisecond,
		ReconnectCap:      5 * time.Millisecond,
		HeartbeatInterval: time.Hour,
		TypingDebounce:    time.Hour,
		TypingExpiry:      time.Hour,
		PresenceStale:     time.Hour,
	}, WithDialer(dialer), WithHistory(history))
	t.Cleanup(c.Close)

	return c, dialer, history
}

func serverEcho(t *testing.T, room string, msg protocol.Message) protocol.Envelope {
	t.Helper()
	env, err := protocol.NewEnvelope(protocol.TypeChatMessage, room, msg)
	require.NoError(t, err)
	env.SenderID = msg.SenderID
	return env
}

func TestDMRoomIsOrderIndependent(t *testing.T) {
	assert.Equal(t, "dm:doc-2:nurse-1", DMRoom("nurse-1", "doc-2"))
	assert.Equal(t, "dm:doc-2:nurse-1", DMRoom("doc-2", "nurse-1"))
}

func TestSendMessageConfirmedByServerEcho(t *testing.T) {
	c, dialer, _ := newTestClient(t)
	require.NoError(t, c.JoinRoom(context.Background(), "ward-7"))

	msg, err := c.SendMessage(context.Background(), "rounds at nine")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(msg.ID, "local-"))
	assert.NotEmpty(t, msg.CorrelationID)

	// Pending until the echo lands.
	msgs := c.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, protocol.StatusSent, msgs[0].Status)

	// The outgoing envelope carries the correlation id.
	sent := dialer.current().sentOfType(protocol.TypeChatMessage)
	require.Len(t, sent, 1)
	assert.Equal(t, msg.CorrelationID, sent[0].CorrelationID)

	confirmed := msg
	confirmed.ID = "m-1"
	confirmed.Status = protocol.StatusDelivered
	dialer.current().inject(serverEcho(t, "ward-7", confirmed))

	require.Eventually(t, func() bool {
		msgs := c.Messages()
		return len(msgs) == 1 && msgs[0].ID == "m-1"
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, protocol.StatusDelivered, c.Messages()[0].Status)
}

func TestRemoteMessageMergesIntoTimeline(t *testing.T) {
	c, dialer, _ := newTestClient(t)
	require.NoError(t, c.JoinRoom(context.Background(), "ward-7"))

	remote := protocol.Message{
		ID:        "m-2",
		Room:      "ward-7",
		SenderID:  "doc-2",
		Text:      "on my way",
		CreatedAt: time.Now().UTC(),
		Status:    protocol.StatusDelivered,
	}
	dialer.current().inject(serverEcho(t, "ward-7", remote))
	// A frame for another room must not leak into this timeline.
	other := remote
	other.ID = "m-3"
	other.Room = "ward-8"
	dialer.current().inject(serverEcho(t, "ward-8", other))

	require.Eventually(t, func() bool {
		return len(c.Messages()) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, "m-2", c.Messages()[0].ID)
}

func TestReactionAppliesLocallyThenAuthoritatively(t *testing.T) {
	c, dialer, _ := newTestClient(t)
	require.NoError(t, c.JoinRoom(context.Background(), "ward-7"))

	remote := protocol.Message{
		ID:        "m-2",
		Room:      "ward-7",
		SenderID:  "doc-2",
		Text:      "on my way",
		CreatedAt: time.Now().UTC(),
		Status:    protocol.StatusDelivered,
	}
	dialer.current().inject(serverEcho(t, "ward-7", remote))
	require.Eventually(t, func() bool { return len(c.Messages()) == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, c.SendReaction(context.Background(), "m-2", "👍"))
	assert.Equal(t, []string{"nurse-1"}, c.Messages()[0].Reactions["👍"])

	// The server's fan-out carries the authoritative set, which may include
	// toggles from other users we have not seen yet.
	env, err := protocol.NewEnvelope(protocol.TypeChatReaction, "ward-7", protocol.ReactionPayload{
		MessageID: "m-2",
		Emoji:     "👍",
		UserID:    "nurse-1",
		Reactions: map[string][]string{"👍": {"doc-3", "nurse-1"}},
	})
	require.NoError(t, err)
	env.SenderID = "nurse-1"
	dialer.current().inject(env)

	require.Eventually(t, func() bool {
		users := c.Messages()[0].Reactions["👍"]
		return len(users) == 2
	}, time.Second, 5*time.Millisecond)
}

func TestJoinRoomLoadsHistory(t *testing.T) {
	c, _, history := newTestClient(t)
	history.msgs["ward-7"] = []protocol.Message{
		{ID: "m-1", Room: "ward-7", SenderID: "doc-2", Text: "first", CreatedAt: time.Now().Add(-time.Minute), Status: protocol.StatusDelivered},
		{ID: "m-2", Room: "ward-7", SenderID: "doc-2", Text: "second", CreatedAt: time.Now(), Status: protocol.StatusDelivered},
	}

	require.NoError(t, c.JoinRoom(context.Background(), "ward-7"))

	require.Eventually(t, func() bool {
		return len(c.Messages()) == 2
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, "m-1", c.Messages()[0].ID)
}

func TestCallInviteMessageConcludedByUpdate(t *testing.T) {
	c, dialer, _ := newTestClient(t)
	require.NoError(t, c.JoinRoom(context.Background(), "ward-7"))

	invite := protocol.Message{
		ID:        "m-9",
		Room:      "ward-7",
		SenderID:  "doc-2",
		Text:      "Marco started a call",
		CreatedAt: time.Now().UTC(),
		Status:    protocol.StatusDelivered,
		Invite:    &protocol.CallInvite{CallID: "call-1"},
	}
	dialer.current().inject(serverEcho(t, "ward-7", invite))
	require.Eventually(t, func() bool { return len(c.Messages()) == 1 }, time.Second, 5*time.Millisecond)

	env, err := protocol.NewEnvelope(protocol.TypeCallUpdate, "ward-7", protocol.CallUpdatePayload{
		CallID:          "call-1",
		MessageID:       "m-9",
		DurationSeconds: 90,
		Ended:           true,
	})
	require.NoError(t, err)
	env.SenderID = "doc-2"
	dialer.current().inject(env)

	require.Eventually(t, func() bool {
		inv := c.Messages()[0].Invite
		return inv != nil && inv.Ended
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 90, c.Messages()[0].Invite.DurationSeconds)
}

func TestDeleteUnknownMessageFails(t *testing.T) {
	c, _, _ := newTestClient(t)
	require.NoError(t, c.JoinRoom(context.Background(), "ward-7"))

	err := c.DeleteMessage(context.Background(), "missing", "")
	assert.Error(t, err)
}
