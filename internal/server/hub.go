package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/wardlink/wardlink/internal/protocol"
	"github.com/wardlink/wardlink/internal/pubsub"
)

const (
	handshakeTimeout = 10 * time.Second
	writeTimeout     = 10 * time.Second
	sendBuffer       = 256
)

// TopicMessageStored announces every persisted message on the server bus so
// other server components can react without touching the hub.
const TopicMessageStored = "server.message.stored"

// client is one authenticated websocket connection scoped to a room. A user
// can hold several (browser tab, mobile).
type client struct {
	userID   string
	userName string
	room     string
	conn     *websocket.Conn
	send     chan []byte
	hub      *Hub
}

// frame is one outbound fan-out unit. TargetID narrows delivery to a single
// user; ExceptID skips the originating user.
type frame struct {
	room     string
	payload  []byte
	targetID string
	exceptID string
}

type presenceInfo struct {
	name     string
	lastSeen time.Time
	conns    int
}

// Hub owns every websocket connection and routes frames between clients,
// the message store and the server bus.
type Hub struct {
	store     MessageStore
	publisher pubsub.Publisher
	token     string
	allowed   map[string]bool
	logger    *slog.Logger

	register   chan *client
	unregister chan *client
	outbound   chan frame
	done       chan struct{}

	mu       sync.RWMutex
	rooms    map[string]map[*client]bool
	presence map[string]map[string]*presenceInfo
}

// HubOption configures a Hub.
type HubOption func(*Hub)

// WithAllowedRooms restricts connections to the named channels. Direct
// message rooms (dm: prefix) are always allowed.
func WithAllowedRooms(rooms []string) HubOption {
	return func(h *Hub) {
		h.allowed = make(map[string]bool, len(rooms))
		for _, r := range rooms {
			h.allowed[r] = true
		}
	}
}

// NewHub creates a hub. An empty token disables token checking; pub may be
// nil when no server bus is wired.
func NewHub(store MessageStore, pub pubsub.Publisher, token string, opts ...HubOption) *Hub {
	h := &Hub{
		store:      store,
		publisher:  pub,
		token:      token,
		logger:     slog.Default().With("service", "hub"),
		register:   make(chan *client),
		unregister: make(chan *client),
		outbound:   make(chan frame, sendBuffer),
		done:       make(chan struct{}),
		rooms:      make(map[string]map[*client]bool),
		presence:   make(map[string]map[string]*presenceInfo),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Run is the hub's single routing goroutine. It owns client lifecycle and
// all fan-out so handlers never race on the connection maps. Closing done on
// exit releases any pump goroutine still trying to hand work over.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)

	h.logger.Info("Hub started")
	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return

		case c := <-h.register:
			h.addClient(c)

		case c := <-h.unregister:
			h.removeClient(c)

		case f := <-h.outbound:
			h.fanOut(f)
		}
	}
}

func (h *Hub) addClient(c *client) {
	h.mu.Lock()
	if h.rooms[c.room] == nil {
		h.rooms[c.room] = make(map[*client]bool)
	}
	h.rooms[c.room][c] = true

	if h.presence[c.room] == nil {
		h.presence[c.room] = make(map[string]*presenceInfo)
	}
	info := h.presence[c.room][c.userID]
	first := info == nil || info.conns == 0
	if info == nil {
		info = &presenceInfo{}
		h.presence[c.room][c.userID] = info
	}
	info.name = c.userName
	info.lastSeen = time.Now().UTC()
	info.conns++
	snapshot := h.presenceSnapshotLocked(c.room)
	h.mu.Unlock()

	h.logger.Info("Client registered", "userID", c.userID, "room", c.room)

	// The newcomer gets the full roster; everyone else learns about the
	// newcomer only on their first connection.
	if payload := h.encode(protocol.TypePresenceState, c.room, "", protocol.PresenceStatePayload{Users: snapshot}); payload != nil {
		h.deliver(c, payload)
	}
	if first {
		if payload := h.encode(protocol.TypePresenceJoin, c.room, c.userID, protocol.PresencePayload{
			UserID:   c.userID,
			UserName: c.userName,
		}); payload != nil {
			h.fanOut(frame{room: c.room, payload: payload, exceptID: c.userID})
		}
	}
}

func (h *Hub) removeClient(c *client) {
	h.mu.Lock()
	if clients, ok := h.rooms[c.room]; ok && clients[c] {
		delete(clients, c)
		if len(clients) == 0 {
			delete(h.rooms, c.room)
		}
		close(c.send)
	} else {
		h.mu.Unlock()
		return
	}

	last := false
	if info, ok := h.presence[c.room][c.userID]; ok {
		info.conns--
		if info.conns <= 0 {
			delete(h.presence[c.room], c.userID)
			last = true
		}
		if len(h.presence[c.room]) == 0 {
			delete(h.presence, c.room)
		}
	}
	h.mu.Unlock()

	h.logger.Info("Client unregistered", "userID", c.userID, "room", c.room)

	if last {
		if payload := h.encode(protocol.TypePresenceLeave, c.room, c.userID, protocol.PresencePayload{UserID: c.userID}); payload != nil {
			h.fanOut(frame{room: c.room, payload: payload})
		}
	}
}

// broadcast hands a frame to the routing goroutine. Frames arriving after
// shutdown are dropped.
func (h *Hub) broadcast(f frame) {
	select {
	case h.outbound <- f:
	case <-h.done:
	}
}

func (h *Hub) fanOut(f frame) {
	h.mu.RLock()
	for c := range h.rooms[f.room] {
		if f.targetID != "" && c.userID != f.targetID {
			continue
		}
		if f.exceptID != "" && c.userID == f.exceptID {
			continue
		}
		select {
		case c.send <- f.payload:
		default:
			h.logger.Warn("Client send channel full, dropping frame", "userID", c.userID, "room", f.room)
		}
	}
	h.mu.RUnlock()
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for room, clients := range h.rooms {
		for c := range clients {
			close(c.send)
		}
		delete(h.rooms, room)
	}
	h.presence = make(map[string]map[string]*presenceInfo)
}

func (h *Hub) presenceSnapshotLocked(room string) []protocol.PresenceEntry {
	entries := make([]protocol.PresenceEntry, 0, len(h.presence[room]))
	for id, info := range h.presence[room] {
		entries = append(entries, protocol.PresenceEntry{
			UserID:   id,
			UserName: info.name,
			Online:   true,
			LastSeen: info.lastSeen.Unix(),
		})
	}
	return entries
}

func (h *Hub) roomAllowed(room string) bool {
	if room == "" {
		return false
	}
	if h.allowed == nil || strings.HasPrefix(room, "dm:") {
		return true
	}
	return h.allowed[room]
}

// Serve returns the echo handler for GET /ws/:room. The first frame after
// the upgrade must be an auth envelope; everything before auth.ok is part
// of the handshake.
func (h *Hub) Serve() echo.HandlerFunc {
	return func(c echo.Context) error {
		room := c.Param("room")

		conn, err := websocket.Accept(c.Response(), c.Request(), &websocket.AcceptOptions{
			InsecureSkipVerify: true, // In production, check origin.
		})
		if err != nil {
			h.logger.Error("Failed to upgrade connection", "error", err)
			return err
		}
		conn.SetReadLimit(1 << 20)

		auth, err := h.handshake(c.Request().Context(), conn, room)
		if err != nil {
			h.logger.Warn("Handshake failed", "room", room, "error", err)
			return nil
		}

		cl := &client{
			userID:   auth.UserID,
			userName: auth.UserName,
			room:     room,
			conn:     conn,
			send:     make(chan []byte, sendBuffer),
			hub:      h,
		}
		select {
		case h.register <- cl:
		case <-h.done:
			conn.Close(websocket.StatusGoingAway, "shutting down")
			return nil
		}

		go cl.writePump()
		go cl.readPump()
		return nil
	}
}

// handshake consumes the auth frame and answers auth.ok or a terminal
// rejection. A rejected connection is closed before returning.
func (h *Hub) handshake(ctx context.Context, conn *websocket.Conn, room string) (protocol.AuthPayload, error) {
	ctx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	defer cancel()

	_, data, err := conn.Read(ctx)
	if err != nil {
		conn.Close(websocket.StatusPolicyViolation, "auth frame expected")
		return protocol.AuthPayload{}, err
	}

	env, err := protocol.DecodeEnvelope(data)
	if err != nil || env.Type != protocol.TypeAuth {
		h.reject(ctx, conn, protocol.TypeAuthErr, room, protocol.AuthErrPayload{Reason: "first frame must be auth"})
		return protocol.AuthPayload{}, errEnvelope(err)
	}

	auth, err := protocol.DecodePayload[protocol.AuthPayload](env)
	if err != nil {
		h.reject(ctx, conn, protocol.TypeAuthErr, room, protocol.AuthErrPayload{Reason: "malformed auth payload"})
		return protocol.AuthPayload{}, err
	}
	if h.token != "" && auth.Token != h.token {
		h.reject(ctx, conn, protocol.TypeAuthErr, room, protocol.AuthErrPayload{Reason: "invalid token"})
		return protocol.AuthPayload{}, errAuth
	}
	if !h.roomAllowed(room) {
		h.reject(ctx, conn, protocol.TypeError, room, protocol.ErrorPayload{Code: protocol.CodeRoomNotFound, Detail: room})
		return protocol.AuthPayload{}, errRoom
	}

	ok, err := protocol.NewEnvelope(protocol.TypeAuthOK, room, nil)
	if err != nil {
		return protocol.AuthPayload{}, err
	}
	data, err = ok.Encode()
	if err != nil {
		return protocol.AuthPayload{}, err
	}
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		return protocol.AuthPayload{}, err
	}
	return auth, nil
}

func (h *Hub) reject(ctx context.Context, conn *websocket.Conn, msgType, room string, payload any) {
	env, err := protocol.NewEnvelope(msgType, room, payload)
	if err == nil {
		if data, err := env.Encode(); err == nil {
			_ = conn.Write(ctx, websocket.MessageText, data)
		}
	}
	conn.Close(websocket.StatusPolicyViolation, "rejected")
}

// encode builds and serializes an envelope, logging instead of failing:
// fan-out paths have no one to return an error to.
func (h *Hub) encode(msgType, room, senderID string, payload any) []byte {
	env, err := protocol.NewEnvelope(msgType, room, payload)
	if err != nil {
		h.logger.Error("Failed to build envelope", "type", msgType, "error", err)
		return nil
	}
	env.SenderID = senderID
	data, err := env.Encode()
	if err != nil {
		h.logger.Error("Failed to encode envelope", "type", msgType, "error", err)
		return nil
	}
	return data
}

// deliver sends directly to one client, bypassing the fan-out path.
func (h *Hub) deliver(c *client, payload []byte) {
	select {
	case c.send <- payload:
	default:
		h.logger.Warn("Client send channel full, dropping frame", "userID", c.userID)
	}
}

func (c *client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close(websocket.StatusNormalClosure, "client disconnected")
	}()

	for {
		_, data, err := c.conn.Read(context.Background())
		if err != nil {
			status := websocket.CloseStatus(err)
			if status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway {
				c.hub.logger.Info("WebSocket closed by client", "userID", c.userID)
			} else if err != io.EOF {
				c.hub.logger.Error("WebSocket read error", "userID", c.userID, "error", err)
			}
			return
		}
		c.hub.handleFrame(c, data)
	}
}

func (c *client) writePump() {
	defer c.conn.Close(websocket.StatusNormalClosure, "server-side cleanup")

	for payload := range c.send {
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		err := c.conn.Write(ctx, websocket.MessageText, payload)
		cancel()
		if err != nil {
			c.hub.logger.Error("WebSocket write error", "userID", c.userID, "error", err)
			return
		}
	}
}

// handleFrame processes one inbound envelope. Sender identity always comes
// from the authenticated connection, never from the frame.
func (h *Hub) handleFrame(c *client, data []byte) {
	ctx := context.Background()

	env, err := protocol.DecodeEnvelope(data)
	if err != nil {
		h.sendError(c, protocol.CodeBadFrame, err.Error())
		return
	}
	env.SenderID = c.userID
	if env.SenderName == "" {
		env.SenderName = c.userName
	}
	// Frames default to the connection's room; calls may address DM rooms
	// for cross-room invitations.
	if env.Room == "" {
		env.Room = c.room
	}

	switch env.Type {
	case protocol.TypeChatMessage:
		h.handleChatMessage(ctx, c, env)

	case protocol.TypeChatReaction:
		h.handleReaction(ctx, c, env)

	case protocol.TypeChatReceipt:
		h.handleReceipt(ctx, c, env)

	case protocol.TypeChatDelete:
		h.handleDelete(ctx, c, env)

	case protocol.TypeChatEdit:
		h.handleEdit(ctx, c, env)

	case protocol.TypeChatTyping:
		h.rebroadcast(c, env)

	case protocol.TypePresenceHeartbeat:
		h.touchPresence(c)
		h.rebroadcast(c, env)

	case protocol.TypeCallInvite:
		h.handleCallInvite(ctx, c, env)

	case protocol.TypeCallUpdate:
		h.handleCallUpdate(ctx, c, env)

	case protocol.TypeCallSignal:
		h.handleCallSignal(c, env)

	case protocol.TypeRoomLeave:
		h.logger.Debug("Room leave", "userID", c.userID, "room", env.Room)

	default:
		h.sendError(c, protocol.CodeBadFrame, "unknown frame type: "+env.Type)
	}
}

// handleChatMessage persists a message with server-assigned identity and
// fans the confirmed version out to the whole room, sender included. The
// sender reconciles it against its optimistic entry by correlation id.
func (h *Hub) handleChatMessage(ctx context.Context, c *client, env protocol.Envelope) {
	msg, err := protocol.DecodePayload[protocol.Message](env)
	if err != nil {
		h.sendError(c, protocol.CodeBadFrame, err.Error())
		return
	}

	msg.ID = "m-" + uuid.NewString()
	msg.Room = env.Room
	msg.SenderID = c.userID
	if msg.SenderName == "" {
		msg.SenderName = c.userName
	}
	msg.CreatedAt = time.Now().UTC()
	msg.Status = protocol.StatusDelivered
	if msg.CorrelationID == "" {
		msg.CorrelationID = env.CorrelationID
	}

	if err := h.store.Append(ctx, msg); err != nil {
		h.logger.Error("Failed to persist message", "room", msg.Room, "error", err)
		h.sendError(c, protocol.CodeBadFrame, "message not stored")
		return
	}
	h.announceStored(ctx, msg)

	if payload := h.encode(protocol.TypeChatMessage, msg.Room, c.userID, msg); payload != nil {
		h.broadcast(frame{room: msg.Room, payload: payload})
	}
}

func (h *Hub) handleReaction(ctx context.Context, c *client, env protocol.Envelope) {
	payload, err := protocol.DecodePayload[protocol.ReactionPayload](env)
	if err != nil {
		h.sendError(c, protocol.CodeBadFrame, err.Error())
		return
	}

	reactions, err := h.store.ToggleReaction(ctx, env.Room, payload.MessageID, payload.Emoji, c.userID)
	if err != nil {
		h.logger.Warn("Reaction toggle failed", "messageID", payload.MessageID, "error", err)
		return
	}

	out := protocol.ReactionPayload{
		MessageID: payload.MessageID,
		Emoji:     payload.Emoji,
		UserID:    c.userID,
		Reactions: reactions,
	}
	if data := h.encode(protocol.TypeChatReaction, env.Room, c.userID, out); data != nil {
		h.broadcast(frame{room: env.Room, payload: data})
	}
}

func (h *Hub) handleReceipt(ctx context.Context, c *client, env protocol.Envelope) {
	payload, err := protocol.DecodePayload[protocol.ReceiptPayload](env)
	if err != nil {
		h.sendError(c, protocol.CodeBadFrame, err.Error())
		return
	}
	if err := h.store.MarkRead(ctx, env.Room, payload.MessageID, c.userID); err != nil {
		h.logger.Warn("Read receipt failed", "messageID", payload.MessageID, "error", err)
		return
	}
	payload.UserID = c.userID
	if data := h.encode(protocol.TypeChatReceipt, env.Room, c.userID, payload); data != nil {
		h.broadcast(frame{room: env.Room, payload: data, exceptID: c.userID})
	}
}

func (h *Hub) handleDelete(ctx context.Context, c *client, env protocol.Envelope) {
	payload, err := protocol.DecodePayload[protocol.DeletePayload](env)
	if err != nil {
		h.sendError(c, protocol.CodeBadFrame, err.Error())
		return
	}
	payload.ActorID = c.userID
	if err := h.store.Delete(ctx, env.Room, payload.MessageID, c.userID, payload.Reason); err != nil {
		h.logger.Warn("Delete failed", "messageID", payload.MessageID, "error", err)
		return
	}
	if data := h.encode(protocol.TypeChatDelete, env.Room, c.userID, payload); data != nil {
		h.broadcast(frame{room: env.Room, payload: data, exceptID: c.userID})
	}
}

func (h *Hub) handleEdit(ctx context.Context, c *client, env protocol.Envelope) {
	payload, err := protocol.DecodePayload[protocol.EditPayload](env)
	if err != nil {
		h.sendError(c, protocol.CodeBadFrame, err.Error())
		return
	}
	if err := h.store.Edit(ctx, env.Room, payload.MessageID, payload.Text, time.Now().UTC()); err != nil {
		h.logger.Warn("Edit failed", "messageID", payload.MessageID, "error", err)
		return
	}
	if data := h.encode(protocol.TypeChatEdit, env.Room, c.userID, payload); data != nil {
		h.broadcast(frame{room: env.Room, payload: data, exceptID: c.userID})
	}
}

// handleCallInvite materializes an invitation as a chat message so the call
// is joinable from the room timeline.
func (h *Hub) handleCallInvite(ctx context.Context, c *client, env protocol.Envelope) {
	inv, err := protocol.DecodePayload[protocol.CallInvitePayload](env)
	if err != nil {
		h.sendError(c, protocol.CodeBadFrame, err.Error())
		return
	}

	msg := protocol.Message{
		ID:         "m-" + uuid.NewString(),
		Room:       env.Room,
		SenderID:   c.userID,
		SenderName: c.userName,
		Text:       c.userName + " started a call",
		CreatedAt:  time.Now().UTC(),
		Status:     protocol.StatusDelivered,
		Invite:     &protocol.CallInvite{CallID: inv.CallID},
	}
	if err := h.store.Append(ctx, msg); err != nil {
		h.logger.Error("Failed to persist call invite", "room", msg.Room, "error", err)
		return
	}
	h.announceStored(ctx, msg)

	if payload := h.encode(protocol.TypeChatMessage, msg.Room, c.userID, msg); payload != nil {
		h.broadcast(frame{room: msg.Room, payload: payload})
	}
}

func (h *Hub) handleCallUpdate(ctx context.Context, c *client, env protocol.Envelope) {
	upd, err := protocol.DecodePayload[protocol.CallUpdatePayload](env)
	if err != nil {
		h.sendError(c, protocol.CodeBadFrame, err.Error())
		return
	}

	messageID, err := h.store.ConcludeInvite(ctx, env.Room, upd.CallID, upd.DurationSeconds)
	if err != nil {
		h.logger.Warn("Call conclusion failed", "callID", upd.CallID, "error", err)
		return
	}
	upd.MessageID = messageID
	upd.Ended = true

	if data := h.encode(protocol.TypeCallUpdate, env.Room, c.userID, upd); data != nil {
		h.broadcast(frame{room: env.Room, payload: data})
	}
}

// handleCallSignal relays mesh negotiation traffic. Targeted signals reach
// only the addressed user; join and leave go to everyone else in the room.
func (h *Hub) handleCallSignal(c *client, env protocol.Envelope) {
	sig, err := protocol.DecodePayload[protocol.CallSignal](env)
	if err != nil {
		h.sendError(c, protocol.CodeBadFrame, err.Error())
		return
	}

	data, err := env.Encode()
	if err != nil {
		h.logger.Error("Failed to re-encode call signal", "error", err)
		return
	}
	h.broadcast(frame{room: env.Room, payload: data, targetID: sig.TargetID, exceptID: c.userID})
}

func (h *Hub) rebroadcast(c *client, env protocol.Envelope) {
	data, err := env.Encode()
	if err != nil {
		h.logger.Error("Failed to re-encode frame", "type", env.Type, "error", err)
		return
	}
	h.broadcast(frame{room: env.Room, payload: data, exceptID: c.userID})
}

func (h *Hub) touchPresence(c *client) {
	h.mu.Lock()
	if info, ok := h.presence[c.room][c.userID]; ok {
		info.lastSeen = time.Now().UTC()
	}
	h.mu.Unlock()
}

func (h *Hub) sendError(c *client, code, detail string) {
	if payload := h.encode(protocol.TypeError, c.room, "", protocol.ErrorPayload{Code: code, Detail: detail}); payload != nil {
		h.deliver(c, payload)
	}
}

func (h *Hub) announceStored(ctx context.Context, msg protocol.Message) {
	if h.publisher == nil {
		return
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	err = h.publisher.Publish(ctx, pubsub.Message{
		Topic:    TopicMessageStored,
		UserID:   msg.SenderID,
		Payload:  data,
		Metadata: map[string]string{"room": msg.Room},
	})
	if err != nil {
		h.logger.Error("Failed to announce stored message", "error", err)
	}
}

var (
	errAuth = errors.New("invalid auth token")
	errRoom = errors.New("unknown room")
)

func errEnvelope(err error) error {
	if err != nil {
		return err
	}
	return errors.New("first frame was not auth")
}
