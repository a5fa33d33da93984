package server_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wardlink/wardlink/internal/protocol"
	"github.com/wardlink/wardlink/internal/server"
)

const testToken = "secret"

type hubFixture struct {
	hub    *server.Hub
	store  *server.MemoryStore
	server *httptest.Server
	ctx    context.Context
	cancel context.CancelFunc
}

func setupHub(t *testing.T, opts ...server.HubOption) *hubFixture {
	t.Helper()

	store := server.NewMemoryStore()
	hub := server.NewHub(store, nil, testToken, opts...)

	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	e := echo.New()
	e.GET("/ws/:room", hub.Serve())
	srv := httptest.NewServer(e)

	t.Cleanup(func() {
		srv.Close()
		cancel()
	})

	return &hubFixture{hub: hub, store: store, server: srv, ctx: ctx, cancel: cancel}
}

func (f *hubFixture) dial(t *testing.T, room string) *websocket.Conn {
	t.Helper()

	wsURL := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/ws/" + room
	conn, resp, err := websocket.Dial(context.Background(), wsURL, nil)
	require.NoError(t, err)
	require.Equal(t, http.StatusSwitchingProtocols, resp.StatusCode)
	t.Cleanup(func() {
		conn.Close(websocket.StatusNormalClosure, "test complete")
	})
	return conn
}

func sendEnvelope(t *testing.T, conn *websocket.Conn, env protocol.Envelope) {
	t.Helper()
	data, err := env.Encode()
	require.NoError(t, err)
	require.NoError(t, conn.Write(context.Background(), websocket.MessageText, data))
}

func readEnvelope(t *testing.T, conn *websocket.Conn) protocol.Envelope {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, data, err := conn.Read(ctx)
	require.NoError(t, err)
	env, err := protocol.DecodeEnvelope(data)
	require.NoError(t, err)
	return env
}

// waitFor reads frames until one of the given type arrives, skipping
// interleaved presence traffic.
func waitFor(t *testing.T, conn *websocket.Conn, msgType string) protocol.Envelope {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		env := readEnvelope(t, conn)
		if env.Type == msgType {
			return env
		}
	}
	t.Fatalf("no %s frame arrived", msgType)
	return protocol.Envelope{}
}

// authenticate sends the auth frame and returns the server's reply.
func authenticate(t *testing.T, conn *websocket.Conn, room, token, userID, userName string) protocol.Envelope {
	t.Helper()
	env, err := protocol.NewEnvelope(protocol.TypeAuth, room, protocol.AuthPayload{
		Token:    token,
		UserID:   userID,
		UserName: userName,
	})
	require.NoError(t, err)
	sendEnvelope(t, conn, env)
	return readEnvelope(t, conn)
}

// connect dials and completes the handshake as the given user.
func (f *hubFixture) connect(t *testing.T, room, userID, userName string) *websocket.Conn {
	t.Helper()
	conn := f.dial(t, room)
	reply := authenticate(t, conn, room, testToken, userID, userName)
	require.Equal(t, protocol.TypeAuthOK, reply.Type)
	return conn
}

func TestHandshakeRejectsBadToken(t *testing.T) {
	f := setupHub(t)
	conn := f.dial(t, "ward-7")

	reply := authenticate(t, conn, "ward-7", "wrong", "nurse-1", "Priya")

	require.Equal(t, protocol.TypeAuthErr, reply.Type)
	payload, err := protocol.DecodePayload[protocol.AuthErrPayload](reply)
	require.NoError(t, err)
	assert.Equal(t, "invalid token", payload.Reason)
}

func TestHandshakeRequiresAuthFirst(t *testing.T) {
	f := setupHub(t)
	conn := f.dial(t, "ward-7")

	env, err := protocol.NewEnvelope(protocol.TypeChatMessage, "ward-7", protocol.Message{Text: "hi"})
	require.NoError(t, err)
	sendEnvelope(t, conn, env)

	reply := readEnvelope(t, conn)
	assert.Equal(t, protocol.TypeAuthErr, reply.Type)
}

func TestRoomAllowlistAdmitsDMRooms(t *testing.T) {
	f := setupHub(t, server.WithAllowedRooms([]string{"ward-7"}))

	f.connect(t, "ward-7", "nurse-1", "Priya")
	f.connect(t, "dm:doc-2:nurse-1", "nurse-1", "Priya")

	conn := f.dial(t, "ward-9")
	reply := authenticate(t, conn, "ward-9", testToken, "nurse-1", "Priya")
	require.Equal(t, protocol.TypeError, reply.Type)
	payload, err := protocol.DecodePayload[protocol.ErrorPayload](reply)
	require.NoError(t, err)
	assert.Equal(t, protocol.CodeRoomNotFound, payload.Code)
}

func TestChatMessageFanOutStampsServerIdentity(t *testing.T) {
	f := setupHub(t)
	alice := f.connect(t, "ward-7", "nurse-1", "Priya")
	bob := f.connect(t, "ward-7", "doc-2", "Marco")

	env, err := protocol.NewEnvelope(protocol.TypeChatMessage, "", protocol.Message{
		Text:     "rounds at nine",
		SenderID: "spoofed-id",
	})
	require.NoError(t, err)
	env.CorrelationID = "corr-1"
	sendEnvelope(t, alice, env)

	for _, conn := range []*websocket.Conn{alice, bob} {
		got := waitFor(t, conn, protocol.TypeChatMessage)
		msg, err := protocol.DecodePayload[protocol.Message](got)
		require.NoError(t, err)
		assert.True(t, strings.HasPrefix(msg.ID, "m-"))
		assert.Equal(t, "nurse-1", msg.SenderID)
		assert.Equal(t, "ward-7", msg.Room)
		assert.Equal(t, protocol.StatusDelivered, msg.Status)
		assert.Equal(t, "corr-1", msg.CorrelationID)
	}

	history, err := f.store.History(context.Background(), "ward-7")
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "rounds at nine", history[0].Text)
}

func TestReactionFanOutCarriesAuthoritativeSet(t *testing.T) {
	f := setupHub(t)
	alice := f.connect(t, "ward-7", "nurse-1", "Priya")

	env, err := protocol.NewEnvelope(protocol.TypeChatMessage, "", protocol.Message{Text: "hello"})
	require.NoError(t, err)
	sendEnvelope(t, alice, env)
	echoed := waitFor(t, alice, protocol.TypeChatMessage)
	msg, err := protocol.DecodePayload[protocol.Message](echoed)
	require.NoError(t, err)

	bob := f.connect(t, "ward-7", "doc-2", "Marco")
	reaction, err := protocol.NewEnvelope(protocol.TypeChatReaction, "", protocol.ReactionPayload{
		MessageID: msg.ID,
		Emoji:     "👍",
		UserID:    "doc-2",
	})
	require.NoError(t, err)
	sendEnvelope(t, bob, reaction)

	for _, conn := range []*websocket.Conn{alice, bob} {
		got := waitFor(t, conn, protocol.TypeChatReaction)
		payload, err := protocol.DecodePayload[protocol.ReactionPayload](got)
		require.NoError(t, err)
		assert.Equal(t, msg.ID, payload.MessageID)
		assert.Equal(t, map[string][]string{"👍": {"doc-2"}}, payload.Reactions)
	}
}

func TestCallSignalTargetedRelay(t *testing.T) {
	f := setupHub(t)
	alice := f.connect(t, "ward-7", "nurse-1", "Priya")
	bob := f.connect(t, "ward-7", "doc-2", "Marco")
	carol := f.connect(t, "ward-7", "doc-3", "Ines")

	offer, err := protocol.NewEnvelope(protocol.TypeCallSignal, "", protocol.CallSignal{
		Kind:     protocol.SignalOffer,
		CallID:   "call-1",
		PeerID:   "nurse-1",
		TargetID: "doc-2",
		SDP:      "offer-sdp",
	})
	require.NoError(t, err)
	sendEnvelope(t, alice, offer)

	got := waitFor(t, bob, protocol.TypeCallSignal)
	sig, err := protocol.DecodePayload[protocol.CallSignal](got)
	require.NoError(t, err)
	assert.Equal(t, protocol.SignalOffer, sig.Kind)

	// A broadcast following the targeted signal is the first call traffic
	// carol sees: the offer never reached her.
	join, err := protocol.NewEnvelope(protocol.TypeCallSignal, "", protocol.CallSignal{
		Kind:   protocol.SignalJoin,
		CallID: "call-1",
		PeerID: "nurse-1",
	})
	require.NoError(t, err)
	sendEnvelope(t, alice, join)

	got = waitFor(t, carol, protocol.TypeCallSignal)
	sig, err = protocol.DecodePayload[protocol.CallSignal](got)
	require.NoError(t, err)
	assert.Equal(t, protocol.SignalJoin, sig.Kind)
}

func TestPresenceLifecycle(t *testing.T) {
	f := setupHub(t)
	alice := f.connect(t, "ward-7", "nurse-1", "Priya")

	state := waitFor(t, alice, protocol.TypePresenceState)
	snapshot, err := protocol.DecodePayload[protocol.PresenceStatePayload](state)
	require.NoError(t, err)
	require.Len(t, snapshot.Users, 1)
	assert.Equal(t, "nurse-1", snapshot.Users[0].UserID)

	bob := f.connect(t, "ward-7", "doc-2", "Marco")
	join := waitFor(t, alice, protocol.TypePresenceJoin)
	joined, err := protocol.DecodePayload[protocol.PresencePayload](join)
	require.NoError(t, err)
	assert.Equal(t, "doc-2", joined.UserID)

	bob.Close(websocket.StatusNormalClosure, "done")
	leave := waitFor(t, alice, protocol.TypePresenceLeave)
	left, err := protocol.DecodePayload[protocol.PresencePayload](leave)
	require.NoError(t, err)
	assert.Equal(t, "doc-2", left.UserID)
}

func TestCallInviteBecomesTimelineMessage(t *testing.T) {
	f := setupHub(t)
	alice := f.connect(t, "ward-7", "nurse-1", "Priya")
	bob := f.connect(t, "ward-7", "doc-2", "Marco")

	invite, err := protocol.NewEnvelope(protocol.TypeCallInvite, "", protocol.CallInvitePayload{
		CallID:   "call-1",
		HostID:   "nurse-1",
		HostName: "Priya",
	})
	require.NoError(t, err)
	sendEnvelope(t, alice, invite)

	var inviteMessageID string
	for _, conn := range []*websocket.Conn{alice, bob} {
		got := waitFor(t, conn, protocol.TypeChatMessage)
		msg, err := protocol.DecodePayload[protocol.Message](got)
		require.NoError(t, err)
		require.NotNil(t, msg.Invite)
		assert.Equal(t, "call-1", msg.Invite.CallID)
		assert.Equal(t, "Priya started a call", msg.Text)
		inviteMessageID = msg.ID
	}

	update, err := protocol.NewEnvelope(protocol.TypeCallUpdate, "", protocol.CallUpdatePayload{
		CallID:          "call-1",
		DurationSeconds: 42,
	})
	require.NoError(t, err)
	sendEnvelope(t, alice, update)

	for _, conn := range []*websocket.Conn{alice, bob} {
		got := waitFor(t, conn, protocol.TypeCallUpdate)
		upd, err := protocol.DecodePayload[protocol.CallUpdatePayload](got)
		require.NoError(t, err)
		assert.Equal(t, inviteMessageID, upd.MessageID)
		assert.Equal(t, 42, upd.DurationSeconds)
		assert.True(t, upd.Ended)
	}

	history, err := f.store.History(context.Background(), "ward-7")
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.True(t, history[0].Invite.Ended)
}

func TestShutdownUnblocksConnectionGoroutines(t *testing.T) {
	f := setupHub(t)
	baseline := runtime.NumGoroutine()

	alice := f.connect(t, "ward-7", "nurse-1", "Priya")
	bob := f.connect(t, "ward-7", "doc-2", "Omar")
	waitFor(t, alice, protocol.TypePresenceJoin)

	f.cancel()

	for _, conn := range []*websocket.Conn{alice, bob} {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				break
			}
		}
		cancel()
	}

	// Every pump goroutine must drain out once the routing loop is gone.
	require.Eventually(t, func() bool {
		return runtime.NumGoroutine() <= baseline
	}, 2*time.Second, 20*time.Millisecond)
}
