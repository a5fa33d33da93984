package client

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/wardlink/wardlink/internal/call"
	"github.com/wardlink/wardlink/internal/domain"
	"github.com/wardlink/wardlink/internal/presence"
	"github.com/wardlink/wardlink/internal/protocol"
	"github.com/wardlink/wardlink/internal/pubsub"
	"github.com/wardlink/wardlink/internal/session"
	"github.com/wardlink/wardlink/internal/timeline"
	"github.com/wardlink/wardlink/internal/transport"
	"github.com/wardlink/wardlink/internal/uploads"
)

const sendTimeout = 10 * time.Second

// Config wires a Client from application-level settings.
type Config struct {
	BaseURL  string
	Token    string
	UserID   string
	UserName string

	ReconnectBase     time.Duration
	ReconnectCap      time.Duration
	HeartbeatInterval time.Duration
	TypingDebounce    time.Duration
	TypingExpiry      time.Duration
	PresenceStale     time.Duration
}

// Option overrides a collaborator, mostly for tests.
type Option func(*Client)

// WithBus replaces the internally owned event bus.
func WithBus(b pubsub.Bus) Option { return func(c *Client) { c.bus = b; c.ownsBus = false } }

// WithDialer replaces the websocket dialer.
func WithDialer(d transport.Dialer) Option { return func(c *Client) { c.dialer = d } }

// WithHistory replaces the HTTP history fetcher.
func WithHistory(h session.HistoryFetcher) Option { return func(c *Client) { c.history = h } }

// WithUploader replaces the HTTP uploader.
func WithUploader(u uploads.Uploader) Option { return func(c *Client) { c.uploader = u } }

// WithMedia replaces the media source used for calls.
func WithMedia(m call.Media) Option { return func(c *Client) { c.media = m } }

// WithPeerFactory replaces the WebRTC peer factory used for calls.
func WithPeerFactory(f call.PeerFactory) Option { return func(c *Client) { c.newPeer = f } }

// Client is the engine facade: one instance per signed-in user. It owns the
// room transport, the reconciled timeline, presence and typing state, and
// at most one call session, and surfaces every change as a typed event on
// its bus.
type Client struct {
	cfg     Config
	bus     pubsub.Bus
	ownsBus bool
	logger  *slog.Logger

	dialer  transport.Dialer
	history session.HistoryFetcher
	uploader uploads.Uploader
	media   call.Media
	newPeer call.PeerFactory

	session  *session.Manager
	timeline *timeline.Timeline
	tracker  *presence.Tracker
	typist   *presence.Typist
	call     *call.Session

	ctx    context.Context
	cancel context.CancelFunc
}

// New assembles a client. It does not connect; call JoinRoom.
func New(cfg Config, opts ...Option) *Client {
	c := &Client{
		cfg:     cfg,
		bus:     pubsub.NewWatermillBridge(),
		ownsBus: true,
		logger:  slog.Default().With("service", "client"),
	}
	for _, opt := range opts {
		opt(c)
	}

	if c.dialer == nil {
		c.dialer = transport.NewWebsocketDialer(cfg.BaseURL)
	}
	if c.history == nil {
		c.history = session.NewHTTPHistory(cfg.BaseURL, cfg.Token)
	}
	if c.uploader == nil {
		c.uploader = uploads.NewHTTPUploader(cfg.BaseURL, cfg.Token)
	}
	if c.newPeer == nil {
		c.newPeer = call.NewPionPeerFactory(call.PionConfig{})
	}
	if c.media == nil {
		c.media = call.NewPionMedia(call.DeviceAvailability{Microphone: true, Camera: true, Display: true})
	}

	c.ctx, c.cancel = context.WithCancel(context.Background())

	c.timeline = timeline.New("")
	c.tracker = presence.NewTracker(c.bus,
		presence.WithStaleThreshold(cfg.PresenceStale),
		presence.WithTypingExpiry(cfg.TypingExpiry),
	)
	c.typist = presence.NewTypist(cfg.TypingDebounce, c.emitTyping)

	c.session = session.NewManager(session.Config{
		Dialer:    c.dialer,
		History:   c.history,
		Publisher: c.bus,
		Auth: protocol.AuthPayload{
			Token:    cfg.Token,
			UserID:   cfg.UserID,
			UserName: cfg.UserName,
		},
		BackoffBase:       cfg.ReconnectBase,
		BackoffCap:        cfg.ReconnectCap,
		HeartbeatInterval: cfg.HeartbeatInterval,
		Hooks: session.Hooks{
			OnFrame:   c.onFrame,
			OnHistory: c.onHistory,
			OnDrop:    c.onDrop,
		},
	})

	c.call = call.NewSession(call.Config{
		SelfID:    cfg.UserID,
		SelfName:  cfg.UserName,
		Media:     c.media,
		NewPeer:   c.newPeer,
		Signaler:  &managerSignaler{client: c},
		Publisher: c.bus,
		DMRoom:    func(userID string) string { return DMRoom(cfg.UserID, userID) },
	})

	return c
}

// DMRoom returns the canonical direct-message room name for a pair of
// users. Both sides derive the same name regardless of argument order.
func DMRoom(a, b string) string {
	pair := []string{a, b}
	sort.Strings(pair)
	return "dm:" + pair[0] + ":" + pair[1]
}

func isDirectRoom(room string) bool {
	return strings.HasPrefix(room, "dm:")
}

// Bus exposes the client's event bus for subscriptions.
func (c *Client) Bus() pubsub.Bus {
	return c.bus
}

// Room returns the currently active room, or empty when disconnected.
func (c *Client) Room() string {
	return c.session.Room()
}

// JoinRoom connects to a room, switching away from any currently active
// room first. History for the new room replaces the timeline wholesale.
func (c *Client) JoinRoom(ctx context.Context, room string) error {
	c.typist.Stop()
	c.timeline.Reset(room)
	c.tracker.Reset(room)
	c.publishMessages()

	if c.session.Room() != "" {
		return c.session.SwitchRoom(ctx, room)
	}
	return c.session.Connect(ctx, room)
}

// LeaveRoom disconnects from the active room without disposing the client.
func (c *Client) LeaveRoom() {
	c.typist.Stop()
	c.session.Disconnect()
	c.timeline.Reset("")
	c.tracker.Reset("")
	c.publishMessages()
}

// Close disposes the client. Any active call is ended first so remote peers
// see a clean leave rather than a timeout.
func (c *Client) Close() {
	if c.call.State() != call.StateIdle {
		ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
		if err := c.call.End(ctx); err != nil {
			c.logger.Warn("Ending call during close", "error", err)
		}
		cancel()
	}
	c.typist.Close()
	c.tracker.Close()
	c.session.Close()
	c.cancel()
	if c.ownsBus {
		if err := c.bus.Close(); err != nil {
			c.logger.Warn("Closing event bus", "error", err)
		}
	}
}

// SendOption customizes an outgoing message.
type SendOption func(*sendOptions)

type sendOptions struct {
	files    []uploads.Local
	progress uploads.Progress
	voice    bool
	replyTo  *protocol.ReplyRef
	threadID string
	alert    string
}

// WithAttachments uploads the files before the message is sent. The batch
// is all-or-none: any upload failure aborts the send.
func WithAttachments(files []uploads.Local, progress uploads.Progress) SendOption {
	return func(o *sendOptions) { o.files = files; o.progress = progress }
}

// WithVoice marks the message as a voice note.
func WithVoice() SendOption {
	return func(o *sendOptions) { o.voice = true }
}

// WithReplyTo threads the message under the referenced one.
func WithReplyTo(messageID, snippet string) SendOption {
	return func(o *sendOptions) {
		o.replyTo = &protocol.ReplyRef{MessageID: messageID, Snippet: snippet}
	}
}

// WithThread places the message in an existing thread.
func WithThread(threadID string) SendOption {
	return func(o *sendOptions) { o.threadID = threadID }
}

// WithAlert attaches an urgency tag to the message.
func WithAlert(level string) SendOption {
	return func(o *sendOptions) { o.alert = level }
}

// SendMessage appends the message optimistically and sends it. The returned
// message carries the local id and correlation id; the server echo replaces
// it in place once delivery is confirmed.
func (c *Client) SendMessage(ctx context.Context, text string, opts ...SendOption) (protocol.Message, error) {
	room := c.session.Room()
	if room == "" {
		return protocol.Message{}, domain.ErrConnectionLost
	}

	var o sendOptions
	for _, opt := range opts {
		opt(&o)
	}

	var attachments []protocol.Attachment
	if len(o.files) > 0 {
		var err error
		attachments, err = uploads.UploadAll(ctx, c.uploader, o.files, o.progress)
		if err != nil {
			return protocol.Message{}, err
		}
	}

	msg := protocol.Message{
		ID:            "local-" + uuid.NewString(),
		Room:          room,
		SenderID:      c.cfg.UserID,
		SenderName:    c.cfg.UserName,
		Text:          text,
		Attachments:   attachments,
		Voice:         o.voice,
		CreatedAt:     time.Now().UTC(),
		Status:        protocol.StatusSent,
		ReplyTo:       o.replyTo,
		ThreadID:      o.threadID,
		Alert:         o.alert,
		CorrelationID: uuid.NewString(),
	}

	c.typist.Stop()
	c.timeline.AppendLocal(msg)
	c.publishMessages()

	env, err := protocol.NewEnvelope(protocol.TypeChatMessage, room, msg)
	if err != nil {
		return protocol.Message{}, err
	}
	env.CorrelationID = msg.CorrelationID
	if err := c.session.Send(ctx, env); err != nil {
		return protocol.Message{}, err
	}
	return msg, nil
}

// SendReaction toggles the user's reaction on a message, locally first. The
// server's fan-out carries the authoritative set back to everyone.
func (c *Client) SendReaction(ctx context.Context, messageID, emoji string) error {
	set, ok := c.timeline.ToggleReaction(messageID, emoji, c.cfg.UserID)
	if !ok {
		return domain.ErrMessageNotFound
	}
	c.publishMessages()

	env, err := protocol.NewEnvelope(protocol.TypeChatReaction, c.session.Room(), protocol.ReactionPayload{
		MessageID: messageID,
		Emoji:     emoji,
		UserID:    c.cfg.UserID,
		Set:       set,
	})
	if err != nil {
		return err
	}
	return c.session.Send(ctx, env)
}

// MarkRead records that the user has read a message. The receipt is emitted
// at most once per message per session.
func (c *Client) MarkRead(ctx context.Context, messageID string) error {
	if !c.timeline.MarkRead(messageID, c.cfg.UserID) {
		return nil
	}
	c.publishMessages()

	env, err := protocol.NewEnvelope(protocol.TypeChatReceipt, c.session.Room(), protocol.ReceiptPayload{
		MessageID: messageID,
		UserID:    c.cfg.UserID,
	})
	if err != nil {
		return err
	}
	return c.session.Send(ctx, env)
}

// DeleteMessage tombstones a message in place.
func (c *Client) DeleteMessage(ctx context.Context, messageID, reason string) error {
	if !c.timeline.MarkDeleted(messageID, c.cfg.UserID, reason) {
		return domain.ErrMessageNotFound
	}
	c.publishMessages()

	env, err := protocol.NewEnvelope(protocol.TypeChatDelete, c.session.Room(), protocol.DeletePayload{
		MessageID: messageID,
		ActorID:   c.cfg.UserID,
		Reason:    reason,
	})
	if err != nil {
		return err
	}
	return c.session.Send(ctx, env)
}

// EditMessage replaces a message's text in place.
func (c *Client) EditMessage(ctx context.Context, messageID, text string) error {
	if !c.timeline.ApplyEdit(messageID, text, time.Now().UTC()) {
		return domain.ErrMessageNotFound
	}
	c.publishMessages()

	env, err := protocol.NewEnvelope(protocol.TypeChatEdit, c.session.Room(), protocol.EditPayload{
		MessageID: messageID,
		Text:      text,
	})
	if err != nil {
		return err
	}
	return c.session.Send(ctx, env)
}

// Typing reports a keystroke. The first call in a quiet period emits a
// typing-start frame; the stop frame follows automatically after the
// debounce window, or immediately when a message is sent.
func (c *Client) Typing() {
	c.typist.Touch()
}

// StopTyping emits the typing-stop frame immediately.
func (c *Client) StopTyping() {
	c.typist.Stop()
}

func (c *Client) emitTyping(typing bool) {
	room := c.session.Room()
	if room == "" {
		return
	}
	env, err := protocol.NewEnvelope(protocol.TypeChatTyping, room, protocol.TypingPayload{
		UserID: c.cfg.UserID,
		Typing: typing,
	})
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(c.ctx, sendTimeout)
	defer cancel()
	if err := c.session.Send(ctx, env); err != nil {
		c.logger.Debug("Typing frame dropped", "error", err)
	}
}

// Messages returns the reconciled ordered timeline.
func (c *Client) Messages() []protocol.Message {
	return c.timeline.Snapshot()
}

// Roster returns the room's presence roster, online users first.
func (c *Client) Roster() []presence.Entry {
	return c.tracker.Roster()
}

// TypingUsers returns the ids of users currently typing.
func (c *Client) TypingUsers() []string {
	return c.tracker.TypingUsers()
}

// StartCall starts a call in the active room and announces it as a joinable
// invitation message.
func (c *Client) StartCall(ctx context.Context) error {
	room := c.session.Room()
	if room == "" {
		return domain.ErrConnectionLost
	}
	return c.call.Start(ctx, room, originKind(room))
}

// JoinCall joins an existing call announced in the active room.
func (c *Client) JoinCall(ctx context.Context, callID string) error {
	room := c.session.Room()
	if room == "" {
		return domain.ErrConnectionLost
	}
	return c.call.Join(ctx, callID, room, originKind(room))
}

// EndCall leaves the active call, releasing all media and peers.
func (c *Client) EndCall(ctx context.Context) error {
	return c.call.End(ctx)
}

// ShareScreen swaps the outgoing video to a display capture. The camera is
// restored automatically when the capture ends.
func (c *Client) ShareScreen(ctx context.Context) error {
	return c.call.ShareScreen(ctx)
}

// StopScreenShare restores the camera track.
func (c *Client) StopScreenShare() error {
	return c.call.StopScreenShare()
}

// ToggleAudio flips the microphone and reports the new enabled state.
func (c *Client) ToggleAudio() bool {
	return c.call.ToggleAudio()
}

// ToggleVideo flips the camera and reports the new enabled state.
func (c *Client) ToggleVideo() bool {
	return c.call.ToggleVideo()
}

// InviteToCall invites users into the active call mid-flight.
func (c *Client) InviteToCall(ctx context.Context, userIDs []string) error {
	return c.call.InviteUsers(ctx, userIDs)
}

// CallState reports the call lifecycle state.
func (c *Client) CallState() call.State {
	return c.call.State()
}

func originKind(room string) call.OriginKind {
	if isDirectRoom(room) {
		return call.OriginDirect
	}
	return call.OriginChannel
}

func (c *Client) publishMessages() {
	update := MessagesUpdate{
		Room:     c.timeline.Room(),
		Messages: c.timeline.Snapshot(),
	}
	if err := pubsub.Publish(c.ctx, c.bus, TopicMessagesUpdated, update); err != nil {
		c.logger.Error("Publishing messages update", "error", err)
	}
}

// managerSignaler routes call traffic through the session transport. The
// room on each envelope may differ from the active room for DM invitations;
// the server routes by envelope room.
type managerSignaler struct {
	client *Client
}

func (s *managerSignaler) SendSignal(ctx context.Context, room string, sig protocol.CallSignal) error {
	env, err := protocol.NewEnvelope(protocol.TypeCallSignal, room, sig)
	if err != nil {
		return err
	}
	return s.client.session.Send(ctx, env)
}

func (s *managerSignaler) SendInvite(ctx context.Context, room string, inv protocol.CallInvitePayload) error {
	env, err := protocol.NewEnvelope(protocol.TypeCallInvite, room, inv)
	if err != nil {
		return err
	}
	return s.client.session.Send(ctx, env)
}

func (s *managerSignaler) SendUpdate(ctx context.Context, room string, upd protocol.CallUpdatePayload) error {
	env, err := protocol.NewEnvelope(protocol.TypeCallUpdate, room, upd)
	if err != nil {
		return err
	}
	return s.client.session.Send(ctx, env)
}
