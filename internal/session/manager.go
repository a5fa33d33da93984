// Package session owns the one live transport for the active room:
// establishing it, authenticating it, and re-establishing it transparently
// after network-level failures.
package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/wardlink/wardlink/internal/domain"
	"github.com/wardlink/wardlink/internal/protocol"
	"github.com/wardlink/wardlink/internal/pubsub"
	"github.com/wardlink/wardlink/internal/transport"
)

// Connectivity is the transport status surfaced to the UI.
type Connectivity string

const (
	StatusConnecting   Connectivity = "connecting"
	StatusConnected    Connectivity = "connected"
	StatusReconnecting Connectivity = "reconnecting"
	StatusDisconnected Connectivity = "disconnected"
)

// StatusUpdate is published on every connectivity change. Transient
// reconnects surface here as a non-blocking indicator; terminal failures
// carry the error.
type StatusUpdate struct {
	Room   string       `json:"room"`
	Status Connectivity `json:"status"`
	Error  string       `json:"error,omitempty"`
}

// TopicConnectivity carries transport status changes.
var TopicConnectivity = pubsub.NewEvent[StatusUpdate]("session.connectivity")

// HistoryFetcher returns the ordered message backlog for a room. Used on
// connect, reconnect and room switch. Always a full replace, never
// incremental.
type HistoryFetcher interface {
	Fetch(ctx context.Context, room string) ([]protocol.Message, error)
}

// Hooks are the manager's outbound edges into the rest of the engine.
type Hooks struct {
	// OnFrame receives every inbound envelope in transport delivery order.
	OnFrame func(env protocol.Envelope)
	// OnHistory receives a room's full backlog. The manager guarantees it is
	// never called for a room that is no longer active.
	OnHistory func(room string, msgs []protocol.Message)
	// OnDrop is called when an established transport is lost unexpectedly,
	// before the reconnect loop starts.
	OnDrop func(room string)
}

// Config wires a Manager.
type Config struct {
	Dialer            transport.Dialer
	History           HistoryFetcher
	Publisher         pubsub.Publisher
	Auth              protocol.AuthPayload
	BackoffBase       time.Duration
	BackoffCap        time.Duration
	HeartbeatInterval time.Duration
	Hooks             Hooks
}

// Manager maintains exactly one live transport for the currently active
// room. It is an explicitly owned object: create with NewManager, dispose
// with Disconnect.
type Manager struct {
	dialer    transport.Dialer
	history   HistoryFetcher
	publisher pubsub.Publisher
	auth      protocol.AuthPayload
	hooks     Hooks
	logger    *slog.Logger

	backoffBase       time.Duration
	backoffCap        time.Duration
	heartbeatInterval time.Duration

	mu     sync.Mutex
	room   string
	conn   transport.Conn
	cancel context.CancelFunc
	gen    int
	closed bool
}

// NewManager creates a disconnected manager.
func NewManager(cfg Config) *Manager {
	hb := cfg.HeartbeatInterval
	if hb <= 0 {
		hb = 30 * time.Second
	}
	return &Manager{
		dialer:            cfg.Dialer,
		history:           cfg.History,
		publisher:         cfg.Publisher,
		auth:              cfg.Auth,
		hooks:             cfg.Hooks,
		logger:            slog.Default().With("service", "session"),
		backoffBase:       cfg.BackoffBase,
		backoffCap:        cfg.BackoffCap,
		heartbeatInterval: hb,
	}
}

// Connect opens the transport for a room. Auth rejections and unknown rooms
// are terminal and returned to the caller; they are never retried here.
func (m *Manager) Connect(ctx context.Context, room string) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return domain.ErrSessionClosed
	}
	if m.conn != nil {
		m.mu.Unlock()
		return m.SwitchRoom(ctx, room)
	}
	m.mu.Unlock()

	m.publishStatus(room, StatusConnecting, nil)

	conn, err := m.dialer.Dial(ctx, room, m.auth)
	if err != nil {
		m.publishStatus(room, StatusDisconnected, err)
		return err
	}

	runCtx, cancel := context.WithCancel(context.Background())

	m.mu.Lock()
	m.room = room
	m.conn = conn
	m.cancel = cancel
	m.gen++
	gen := m.gen
	m.mu.Unlock()

	m.publishStatus(room, StatusConnected, nil)
	m.requestHistory(runCtx, room, gen)

	go m.run(runCtx, room, conn, gen)
	go m.heartbeat(runCtx, room)
	return nil
}

// SwitchRoom tears the current transport down cleanly, then connects to the
// new room. The two transports are never live simultaneously, and any
// in-flight history fetch for the old room is discarded.
func (m *Manager) SwitchRoom(ctx context.Context, newRoom string) error {
	m.teardown("room switch")
	return m.Connect(ctx, newRoom)
}

// Disconnect is the deterministic teardown used on unmount. The manager can
// be reconnected afterwards with Connect.
func (m *Manager) Disconnect() {
	room := m.Room()
	m.teardown("client disconnect")
	m.publishStatus(room, StatusDisconnected, nil)
}

// Close disposes the manager permanently.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.Disconnect()
}

func (m *Manager) teardown(reason string) {
	m.mu.Lock()
	conn := m.conn
	cancel := m.cancel
	room := m.room
	m.conn = nil
	m.cancel = nil
	m.room = ""
	m.gen++ // invalidates in-flight history fetches
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		// Best effort; the server also notices the close.
		leaveCtx, leaveCancel := context.WithTimeout(context.Background(), time.Second)
		leave, err := protocol.NewEnvelope(protocol.TypeRoomLeave, room, protocol.PresencePayload{UserID: m.auth.UserID})
		if err == nil {
			_ = conn.Send(leaveCtx, leave)
		}
		leaveCancel()
		_ = conn.Close(reason)
	}
}

// Room returns the active room, empty when disconnected.
func (m *Manager) Room() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.room
}

// Send transmits an envelope on the live transport, stamping sender
// identity and room.
func (m *Manager) Send(ctx context.Context, env protocol.Envelope) error {
	m.mu.Lock()
	conn := m.conn
	room := m.room
	m.mu.Unlock()

	if conn == nil {
		return domain.ErrSessionClosed
	}
	if env.Room == "" {
		env.Room = room
	}
	env.SenderID = m.auth.UserID
	if env.SenderName == "" {
		env.SenderName = m.auth.UserName
	}
	return conn.Send(ctx, env)
}

// run pumps frames until the connection ends, then reconnects with capped
// exponential backoff unless the teardown was caller-initiated.
func (m *Manager) run(ctx context.Context, room string, conn transport.Conn, gen int) {
	for {
		m.pump(ctx, conn, gen)

		select {
		case <-ctx.Done():
			return
		default:
		}
		if !m.isCurrent(gen) {
			return
		}

		err := conn.Err()
		if err == nil {
			// Caller-initiated close raced the generation check.
			return
		}
		m.logger.Warn("Transport lost, reconnecting", "room", room, "error", err)
		if m.hooks.OnDrop != nil {
			m.hooks.OnDrop(room)
		}
		m.publishStatus(room, StatusReconnecting, nil)

		next, ok := m.reconnect(ctx, room, gen)
		if !ok {
			return
		}
		conn = next
	}
}

func (m *Manager) pump(ctx context.Context, conn transport.Conn, gen int) {
	for {
		select {
		case <-ctx.Done():
			return
		case env, ok := <-conn.Frames():
			if !ok {
				return
			}
			if m.isCurrent(gen) && m.hooks.OnFrame != nil {
				m.hooks.OnFrame(env)
			}
		}
	}
}

// reconnect retries until the transport is back or the session ends.
// Protocol-level rejections stop the loop and surface as terminal.
func (m *Manager) reconnect(ctx context.Context, room string, gen int) (transport.Conn, bool) {
	bo := newBackoff(m.backoffBase, m.backoffCap)
	for {
		select {
		case <-ctx.Done():
			m.publishStatus(room, StatusDisconnected, domain.ErrConnectionLost)
			return nil, false
		case <-time.After(bo.next()):
		}
		if !m.isCurrent(gen) {
			return nil, false
		}

		conn, err := m.dialer.Dial(ctx, room, m.auth)
		if err != nil {
			if errors.Is(err, domain.ErrAuthRejected) || errors.Is(err, domain.ErrRoomNotFound) {
				m.logger.Error("Reconnect rejected by server", "room", room, "error", err)
				m.publishStatus(room, StatusDisconnected, err)
				return nil, false
			}
			m.logger.Debug("Reconnect attempt failed", "room", room, "error", err)
			continue
		}

		m.mu.Lock()
		if m.gen != gen || m.closed {
			m.mu.Unlock()
			_ = conn.Close("superseded")
			return nil, false
		}
		m.conn = conn
		m.mu.Unlock()

		m.publishStatus(room, StatusConnected, nil)
		// Full history replace guarantees consistency after any gap.
		m.requestHistory(ctx, room, gen)
		return conn, true
	}
}

// requestHistory fetches the room backlog in the background. The result is
// applied only if the room is still the active one: a late response for an
// abandoned room is discarded, not applied to the new room's state.
func (m *Manager) requestHistory(ctx context.Context, room string, gen int) {
	if m.history == nil {
		return
	}
	go func() {
		msgs, err := m.history.Fetch(ctx, room)
		if err != nil {
			if ctx.Err() == nil {
				m.logger.Error("History fetch failed", "room", room, "error", err)
			}
			return
		}
		if !m.isCurrent(gen) {
			m.logger.Debug("Discarding stale history fetch", "room", room)
			return
		}
		if m.hooks.OnHistory != nil {
			m.hooks.OnHistory(room, msgs)
		}
	}()
}

func (m *Manager) isCurrent(gen int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.gen == gen && !m.closed
}

// heartbeat announces liveness on a fixed interval while connected.
func (m *Manager) heartbeat(ctx context.Context, room string) {
	ticker := time.NewTicker(m.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			env, err := protocol.NewEnvelope(protocol.TypePresenceHeartbeat, room, protocol.PresencePayload{
				UserID:   m.auth.UserID,
				UserName: m.auth.UserName,
			})
			if err != nil {
				continue
			}
			if err := m.Send(ctx, env); err != nil {
				m.logger.Debug("Heartbeat send failed", "error", err)
			}
		}
	}
}

func (m *Manager) publishStatus(room string, status Connectivity, err error) {
	update := StatusUpdate{Room: room, Status: status}
	if err != nil {
		update.Error = err.Error()
	}
	if pubErr := pubsub.Publish(context.Background(), m.publisher, TopicConnectivity, update); pubErr != nil {
		m.logger.Error("Failed to publish connectivity update", "error", pubErr)
	}
}
