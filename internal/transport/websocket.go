package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/wardlink/wardlink/internal/domain"
	"github.com/wardlink/wardlink/internal/protocol"
)

const (
	writeTimeout  = 10 * time.Second
	authTimeout   = 10 * time.Second
	inboundBuffer = 256
)

// WebsocketDialer dials the server's per-room websocket endpoint and runs
// the auth-first-frame handshake.
type WebsocketDialer struct {
	// BaseURL is the server's HTTP base URL; the scheme is rewritten to ws/wss.
	BaseURL string
}

// NewWebsocketDialer creates a dialer for the given server base URL.
func NewWebsocketDialer(baseURL string) *WebsocketDialer {
	return &WebsocketDialer{BaseURL: baseURL}
}

// Dial implements Dialer.
func (d *WebsocketDialer) Dial(ctx context.Context, room string, auth protocol.AuthPayload) (Conn, error) {
	endpoint, err := d.roomURL(room)
	if err != nil {
		return nil, err
	}

	ws, _, err := websocket.Dial(ctx, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", endpoint, err)
	}
	// Room history can exceed the library's small default read limit.
	ws.SetReadLimit(1 << 20)

	conn := &wsConn{
		ws:     ws,
		frames: make(chan protocol.Envelope, inboundBuffer),
	}

	if err := conn.handshake(ctx, room, auth); err != nil {
		ws.Close(websocket.StatusPolicyViolation, "auth failed")
		return nil, err
	}

	go conn.readLoop()
	return conn, nil
}

func (d *WebsocketDialer) roomURL(room string) (string, error) {
	u, err := url.Parse(d.BaseURL)
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/ws/" + url.PathEscape(room)
	return u.String(), nil
}

type wsConn struct {
	ws     *websocket.Conn
	frames chan protocol.Envelope

	writeMu sync.Mutex

	mu     sync.Mutex
	err    error
	closed bool
}

// handshake sends the auth frame and waits for the server's verdict.
func (c *wsConn) handshake(ctx context.Context, room string, auth protocol.AuthPayload) error {
	env, err := protocol.NewEnvelope(protocol.TypeAuth, room, auth)
	if err != nil {
		return err
	}
	env.SenderID = auth.UserID
	env.SenderName = auth.UserName
	if err := c.Send(ctx, env); err != nil {
		return err
	}

	authCtx, cancel := context.WithTimeout(ctx, authTimeout)
	defer cancel()

	_, data, err := c.ws.Read(authCtx)
	if err != nil {
		return fmt.Errorf("await auth reply: %w", err)
	}
	reply, err := protocol.DecodeEnvelope(data)
	if err != nil {
		return err
	}

	switch reply.Type {
	case protocol.TypeAuthOK:
		return nil
	case protocol.TypeAuthErr:
		payload, _ := protocol.DecodePayload[protocol.AuthErrPayload](reply)
		return fmt.Errorf("%w: %s", domain.ErrAuthRejected, payload.Reason)
	case protocol.TypeError:
		payload, _ := protocol.DecodePayload[protocol.ErrorPayload](reply)
		if payload.Code == protocol.CodeRoomNotFound {
			return fmt.Errorf("%w: %s", domain.ErrRoomNotFound, room)
		}
		return fmt.Errorf("protocol error during handshake: %s", payload.Code)
	default:
		return fmt.Errorf("unexpected handshake reply: %s", reply.Type)
	}
}

func (c *wsConn) readLoop() {
	defer close(c.frames)

	for {
		_, data, err := c.ws.Read(context.Background())
		if err != nil {
			c.mu.Lock()
			callerClosed := c.closed
			if !callerClosed {
				status := websocket.CloseStatus(err)
				if status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway {
					slog.Info("WebSocket closed by server")
					c.err = errors.New("server closed connection")
				} else if err != io.EOF {
					c.err = err
				} else {
					c.err = io.ErrUnexpectedEOF
				}
			}
			c.mu.Unlock()
			return
		}

		env, err := protocol.DecodeEnvelope(data)
		if err != nil {
			slog.Warn("Dropping malformed frame", "error", err)
			continue
		}

		select {
		case c.frames <- env:
		default:
			slog.Warn("Inbound frame buffer full, dropping frame", "type", env.Type)
		}
	}
}

func (c *wsConn) Send(ctx context.Context, env protocol.Envelope) error {
	data, err := env.Encode()
	if err != nil {
		return err
	}

	writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.Write(writeCtx, websocket.MessageText, data)
}

func (c *wsConn) Frames() <-chan protocol.Envelope { return c.frames }

func (c *wsConn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *wsConn) Close(reason string) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()
	return c.ws.Close(websocket.StatusNormalClosure, reason)
}
