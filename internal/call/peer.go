package call

import "context"

// PeerState mirrors the platform peer-connection state.
type PeerState string

const (
	PeerConnecting PeerState = "connecting"
	PeerConnected  PeerState = "connected"
	PeerFailed     PeerState = "failed"
	PeerClosed     PeerState = "closed"
)

// Sender is the outgoing half of one track on one peer connection. Tracks
// are swapped in place through ReplaceTrack, never by renegotiating.
type Sender interface {
	Kind() TrackKind
	ReplaceTrack(t Track) error
}

// PeerConnection abstracts one direct connection to a remote participant.
// The production implementation is pion-backed (NewPionPeerFactory); tests
// use fakes.
type PeerConnection interface {
	AddTrack(t Track) (Sender, error)
	// CreateOffer produces and installs the local offer, returning its SDP.
	CreateOffer(ctx context.Context) (string, error)
	// AcceptOffer installs the remote offer and returns the local answer.
	AcceptOffer(ctx context.Context, sdp string) (string, error)
	// AcceptAnswer installs the remote answer to our offer.
	AcceptAnswer(sdp string) error
	AddICECandidate(candidate []byte) error
	OnICECandidate(fn func(candidate []byte))
	OnStateChange(fn func(state PeerState))
	OnRemoteTrack(fn func(trackID string, kind TrackKind))
	Senders() []Sender
	Close() error
}

// PeerFactory creates a fresh peer connection per remote participant.
type PeerFactory func() (PeerConnection, error)
