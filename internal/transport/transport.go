package transport

import (
	"context"

	"github.com/wardlink/wardlink/internal/protocol"
)

// Conn is one live, authenticated room transport. Frames() yields inbound
// envelopes in delivery order and closes when the connection ends for any
// reason, with Err() reporting why.
type Conn interface {
	Send(ctx context.Context, env protocol.Envelope) error
	Frames() <-chan protocol.Envelope
	Err() error
	// Close tears the connection down from our side. Frames() still closes,
	// but Err() stays nil for caller-initiated closes.
	Close(reason string) error
}

// Dialer opens an authenticated transport scoped to a room. Implementations
// must complete the auth handshake before returning: a returned Conn is
// ready for traffic.
type Dialer interface {
	Dial(ctx context.Context, room string, auth protocol.AuthPayload) (Conn, error)
}
