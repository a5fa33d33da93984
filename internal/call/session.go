// Package call negotiates multi-party mesh audio/video sessions over the
// room transport: every participant holds a direct peer connection to every
// other participant, with the chat connection as the signaling channel.
package call

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/wardlink/wardlink/internal/domain"
	"github.com/wardlink/wardlink/internal/protocol"
	"github.com/wardlink/wardlink/internal/pubsub"
)

// State is the call session lifecycle.
type State string

const (
	StateIdle            State = "idle"
	StateRequestingMedia State = "requesting_media"
	StateSignaling       State = "signaling"
	StateActive          State = "active"
	StateEnding          State = "ending"
)

// OriginKind records whether the call was started from a DM or a channel;
// it decides how mid-call invitations are addressed.
type OriginKind string

const (
	OriginDirect  OriginKind = "dm"
	OriginChannel OriginKind = "channel"
)

// Signaler sends call traffic out through the room transport.
type Signaler interface {
	SendSignal(ctx context.Context, room string, sig protocol.CallSignal) error
	SendInvite(ctx context.Context, room string, inv protocol.CallInvitePayload) error
	SendUpdate(ctx context.Context, room string, upd protocol.CallUpdatePayload) error
}

type peer struct {
	id      string
	name    string
	pc      PeerConnection
	state   PeerState
	senders []Sender
}

// Session is one mesh call. At most one exists per client at a time; the
// engine facade enforces that.
type Session struct {
	mu sync.Mutex

	state      State
	callID     string
	originRoom string
	originKind OriginKind
	selfID     string
	selfName   string
	isHost     bool
	startedAt  time.Time

	local  MediaStream
	camera Track // parked camera track while screen sharing
	screen MediaStream

	peers map[string]*peer

	media     Media
	newPeer   PeerFactory
	signaler  Signaler
	publisher pubsub.Publisher
	dmRoom    func(userID string) string
	logger    *slog.Logger
}

// Config wires a Session's collaborators.
type Config struct {
	SelfID   string
	SelfName string
	Media    Media
	NewPeer  PeerFactory
	Signaler Signaler
	Publisher pubsub.Publisher
	// DMRoom maps an invitee onto their direct-message room for mid-call
	// invitations from DM-origin calls.
	DMRoom func(userID string) string
}

// NewSession creates an idle call session.
func NewSession(cfg Config) *Session {
	return &Session{
		state:     StateIdle,
		selfID:    cfg.SelfID,
		selfName:  cfg.SelfName,
		peers:     make(map[string]*peer),
		media:     cfg.Media,
		newPeer:   cfg.NewPeer,
		signaler:  cfg.Signaler,
		publisher: cfg.Publisher,
		dmRoom:    cfg.DMRoom,
		logger:    slog.Default().With("service", "call"),
	}
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// CallID returns the active call id, empty when idle.
func (s *Session) CallID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.callID
}

// LocalStream returns the local media stream, nil when idle.
func (s *Session) LocalStream() MediaStream {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.local
}

// PeerCount reports the number of live peer connections.
func (s *Session) PeerCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.peers)
}

// Start begins a new call from the given room, broadcasting a joinable
// invitation into it. Media acquisition failures are terminal for the
// attempt and leave the session idle.
func (s *Session) Start(ctx context.Context, room string, kind OriginKind) error {
	callID := uuid.NewString()
	if err := s.acquire(ctx, callID, room, kind, true); err != nil {
		return err
	}

	if err := s.signaler.SendInvite(ctx, room, protocol.CallInvitePayload{
		CallID:   callID,
		HostID:   s.selfID,
		HostName: s.selfName,
	}); err != nil {
		s.logger.Error("Failed to send call invitation", "call_id", callID, "error", err)
	}

	return s.announce(ctx)
}

// Join enters an existing call announced in the given room.
func (s *Session) Join(ctx context.Context, callID, room string, kind OriginKind) error {
	if err := s.acquire(ctx, callID, room, kind, false); err != nil {
		return err
	}
	return s.announce(ctx)
}

// acquire runs idle → requesting-media → signaling. A media failure rolls
// back to idle; the session never holds a null stream.
func (s *Session) acquire(ctx context.Context, callID, room string, kind OriginKind, host bool) error {
	s.mu.Lock()
	if s.state != StateIdle {
		s.mu.Unlock()
		return domain.ErrCallActive
	}
	s.state = StateRequestingMedia
	s.mu.Unlock()

	stream, err := s.media.CaptureDevices(ctx)
	if err != nil {
		s.mu.Lock()
		s.state = StateIdle
		s.mu.Unlock()
		return fmt.Errorf("acquire local media: %w", err)
	}

	s.mu.Lock()
	s.state = StateSignaling
	s.callID = callID
	s.originRoom = room
	s.originKind = kind
	s.isHost = host
	s.startedAt = time.Now()
	s.local = stream
	s.camera = stream.VideoTrack()
	s.mu.Unlock()
	return nil
}

// announce broadcasts our join into the call room. The session is active as
// soon as local media flows; peers attach asynchronously.
func (s *Session) announce(ctx context.Context) error {
	s.mu.Lock()
	room := s.originRoom
	sig := protocol.CallSignal{
		Kind:     protocol.SignalJoin,
		CallID:   s.callID,
		PeerID:   s.selfID,
		PeerName: s.selfName,
	}
	s.state = StateActive
	callID := s.callID
	s.mu.Unlock()

	if err := s.signaler.SendSignal(ctx, room, sig); err != nil {
		return fmt.Errorf("announce call join: %w", err)
	}

	s.publish(Event{Kind: EventStarted, CallID: callID, Room: room})
	return nil
}

// HandleSignal processes one inbound call.signal frame. Unknown calls and
// self-echoes are ignored. Per-peer failures are isolated: an error with one
// peer never tears down the session.
func (s *Session) HandleSignal(ctx context.Context, sig protocol.CallSignal) {
	s.mu.Lock()
	active := s.state == StateActive || s.state == StateSignaling
	match := sig.CallID == s.callID
	s.mu.Unlock()

	if !active || !match || sig.PeerID == s.selfID {
		return
	}
	if sig.TargetID != "" && sig.TargetID != s.selfID {
		return
	}

	var err error
	switch sig.Kind {
	case protocol.SignalJoin:
		err = s.handleJoin(ctx, sig)
	case protocol.SignalOffer:
		err = s.handleOffer(ctx, sig)
	case protocol.SignalAnswer:
		err = s.handleAnswer(sig)
	case protocol.SignalCandidate:
		err = s.handleCandidate(sig)
	case protocol.SignalLeave:
		s.removePeer(sig.PeerID, EventPeerLeft)
	default:
		s.logger.Warn("Unknown call signal", "kind", sig.Kind)
	}

	if err != nil {
		s.logger.Error("Call signal handling failed",
			"kind", sig.Kind, "peer_id", sig.PeerID, "error", err)
		s.failPeer(sig.PeerID, err)
	}
}

// handleJoin reacts to a newcomer's broadcast. Existing participants answer
// with a targeted join so the newcomer learns who is here; the newer
// participant is the one that initiates the offer.
func (s *Session) handleJoin(ctx context.Context, sig protocol.CallSignal) error {
	if sig.TargetID == "" {
		// Broadcast join from a newcomer: announce ourselves back, targeted.
		s.mu.Lock()
		room := s.originRoom
		reply := protocol.CallSignal{
			Kind:     protocol.SignalJoin,
			CallID:   s.callID,
			PeerID:   s.selfID,
			PeerName: s.selfName,
			TargetID: sig.PeerID,
		}
		s.mu.Unlock()
		return s.signaler.SendSignal(ctx, room, reply)
	}

	// Targeted join from an existing participant: we are the newer side,
	// so we initiate the offer.
	p, created, err := s.ensurePeer(sig.PeerID, sig.PeerName)
	if err != nil {
		return err
	}
	if !created {
		return nil
	}

	offer, err := p.pc.CreateOffer(ctx)
	if err != nil {
		return fmt.Errorf("create offer for %s: %w", sig.PeerID, err)
	}

	s.mu.Lock()
	room := s.originRoom
	out := protocol.CallSignal{
		Kind:     protocol.SignalOffer,
		CallID:   s.callID,
		PeerID:   s.selfID,
		PeerName: s.selfName,
		TargetID: sig.PeerID,
		SDP:      offer,
	}
	s.mu.Unlock()
	return s.signaler.SendSignal(ctx, room, out)
}

func (s *Session) handleOffer(ctx context.Context, sig protocol.CallSignal) error {
	p, _, err := s.ensurePeer(sig.PeerID, sig.PeerName)
	if err != nil {
		return err
	}

	answer, err := p.pc.AcceptOffer(ctx, sig.SDP)
	if err != nil {
		return fmt.Errorf("accept offer from %s: %w", sig.PeerID, err)
	}

	s.mu.Lock()
	room := s.originRoom
	out := protocol.CallSignal{
		Kind:     protocol.SignalAnswer,
		CallID:   s.callID,
		PeerID:   s.selfID,
		PeerName: s.selfName,
		TargetID: sig.PeerID,
		SDP:      answer,
	}
	s.mu.Unlock()
	return s.signaler.SendSignal(ctx, room, out)
}

func (s *Session) handleAnswer(sig protocol.CallSignal) error {
	s.mu.Lock()
	p, ok := s.peers[sig.PeerID]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("answer from unknown peer %s", sig.PeerID)
	}
	return p.pc.AcceptAnswer(sig.SDP)
}

func (s *Session) handleCandidate(sig protocol.CallSignal) error {
	p, _, err := s.ensurePeer(sig.PeerID, sig.PeerName)
	if err != nil {
		return err
	}
	return p.pc.AddICECandidate(sig.Candidate)
}

// ensurePeer returns the peer connection for a remote participant, creating
// it on first signaling activity: local tracks attached, candidate/track/
// state handlers wired.
func (s *Session) ensurePeer(peerID, peerName string) (*peer, bool, error) {
	s.mu.Lock()
	if existing, ok := s.peers[peerID]; ok {
		s.mu.Unlock()
		return existing, false, nil
	}
	local := s.local
	callID := s.callID
	s.mu.Unlock()

	pc, err := s.newPeer()
	if err != nil {
		return nil, false, &domain.PeerError{PeerID: peerID, Err: err}
	}

	p := &peer{id: peerID, name: peerName, pc: pc, state: PeerConnecting}
	if local != nil {
		for _, t := range local.Tracks() {
			sender, err := pc.AddTrack(t)
			if err != nil {
				pc.Close()
				return nil, false, &domain.PeerError{PeerID: peerID, Err: err}
			}
			p.senders = append(p.senders, sender)
		}
	}

	pc.OnICECandidate(func(candidate []byte) {
		s.sendCandidate(peerID, candidate)
	})
	pc.OnRemoteTrack(func(trackID string, kind TrackKind) {
		s.publish(Event{Kind: EventRemoteTrack, CallID: callID, PeerID: peerID, PeerName: peerName, TrackID: trackID})
	})
	pc.OnStateChange(func(state PeerState) {
		s.peerStateChanged(peerID, state)
	})

	s.mu.Lock()
	if s.state != StateActive && s.state != StateSignaling {
		// Call ended while we were setting up; drop the connection.
		s.mu.Unlock()
		pc.Close()
		return nil, false, domain.ErrNoCall
	}
	s.peers[peerID] = p
	s.mu.Unlock()

	s.publish(Event{Kind: EventPeerJoined, CallID: callID, PeerID: peerID, PeerName: peerName})
	return p, true, nil
}

func (s *Session) sendCandidate(peerID string, candidate []byte) {
	s.mu.Lock()
	if s.state != StateActive && s.state != StateSignaling {
		s.mu.Unlock()
		return
	}
	room := s.originRoom
	sig := protocol.CallSignal{
		Kind:      protocol.SignalCandidate,
		CallID:    s.callID,
		PeerID:    s.selfID,
		TargetID:  peerID,
		Candidate: json.RawMessage(candidate),
	}
	s.mu.Unlock()

	if err := s.signaler.SendSignal(context.Background(), room, sig); err != nil {
		s.logger.Warn("Failed to send ICE candidate", "peer_id", peerID, "error", err)
	}
}

func (s *Session) peerStateChanged(peerID string, state PeerState) {
	s.mu.Lock()
	p, ok := s.peers[peerID]
	if ok {
		p.state = state
	}
	s.mu.Unlock()

	if ok && state == PeerFailed {
		s.removePeer(peerID, EventPeerFailed)
	}
}

// failPeer destroys a single peer connection after an isolated error.
func (s *Session) failPeer(peerID string, err error) {
	s.mu.Lock()
	_, ok := s.peers[peerID]
	s.mu.Unlock()
	if ok {
		s.removePeer(peerID, EventPeerFailed)
	}
}

// removePeer destroys one peer connection; other peers are untouched.
func (s *Session) removePeer(peerID string, kind EventKind) {
	s.mu.Lock()
	p, ok := s.peers[peerID]
	if ok {
		delete(s.peers, peerID)
	}
	callID := s.callID
	s.mu.Unlock()

	if !ok {
		return
	}
	if err := p.pc.Close(); err != nil {
		s.logger.Warn("Peer connection close failed", "peer_id", peerID, "error", err)
	}
	s.publish(Event{Kind: kind, CallID: callID, PeerID: peerID, PeerName: p.name})
}

// ReplaceVideoTrack swaps the outgoing video track on every peer connection
// in place, without renegotiation.
func (s *Session) ReplaceVideoTrack(t Track) error {
	return s.replaceTrack(TrackVideo, t)
}

func (s *Session) replaceTrack(kind TrackKind, t Track) error {
	s.mu.Lock()
	if s.state != StateActive {
		s.mu.Unlock()
		return domain.ErrNoCall
	}
	peers := make([]*peer, 0, len(s.peers))
	for _, p := range s.peers {
		peers = append(peers, p)
	}
	s.mu.Unlock()

	for _, p := range peers {
		for _, sender := range p.senders {
			if sender.Kind() != kind {
				continue
			}
			if err := sender.ReplaceTrack(t); err != nil {
				s.logger.Error("Track replacement failed", "peer_id", p.id, "error", err)
			}
		}
	}
	return nil
}

// ShareScreen captures the display and substitutes it for the camera track
// on every peer. If the capture source ends on its own (platform-level
// "stop sharing"), the camera is restored automatically.
func (s *Session) ShareScreen(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateActive {
		s.mu.Unlock()
		return domain.ErrNoCall
	}
	if s.screen != nil {
		s.mu.Unlock()
		return nil
	}
	callID := s.callID
	s.mu.Unlock()

	display, err := s.media.CaptureDisplay(ctx)
	if err != nil {
		return fmt.Errorf("capture display: %w", err)
	}
	screenTrack := display.VideoTrack()
	if screenTrack == nil {
		display.Close()
		return domain.ErrNoDevicesFound
	}

	s.mu.Lock()
	s.screen = display
	s.mu.Unlock()

	screenTrack.OnEnded(func() {
		// Implicit restore, not a call-ending event.
		if err := s.StopScreenShare(); err != nil && err != domain.ErrNoCall {
			s.logger.Warn("Screen share auto-restore failed", "error", err)
		}
	})

	if err := s.replaceTrack(TrackVideo, screenTrack); err != nil {
		return err
	}
	s.publish(Event{Kind: EventScreenShare, CallID: callID, Sharing: true})
	return nil
}

// StopScreenShare restores the camera track on every peer and releases the
// capture stream.
func (s *Session) StopScreenShare() error {
	s.mu.Lock()
	display := s.screen
	camera := s.camera
	callID := s.callID
	s.screen = nil
	s.mu.Unlock()

	if display == nil {
		return nil
	}
	display.Close()

	if camera != nil {
		if err := s.replaceTrack(TrackVideo, camera); err != nil {
			return err
		}
	}
	s.publish(Event{Kind: EventScreenShare, CallID: callID, Sharing: false})
	return nil
}

// Sharing reports whether a screen capture is live.
func (s *Session) Sharing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.screen != nil
}

// ToggleAudio flips the local microphone track and reports the new state.
func (s *Session) ToggleAudio() bool {
	return s.toggle(TrackAudio)
}

// ToggleVideo flips the local camera track and reports the new state.
func (s *Session) ToggleVideo() bool {
	return s.toggle(TrackVideo)
}

func (s *Session) toggle(kind TrackKind) bool {
	s.mu.Lock()
	local := s.local
	s.mu.Unlock()

	if local == nil {
		return false
	}
	var track Track
	if kind == TrackAudio {
		track = local.AudioTrack()
	} else {
		track = local.VideoTrack()
	}
	if track == nil {
		return false
	}
	track.SetEnabled(!track.Enabled())
	return track.Enabled()
}

// InviteUsers sends mid-call invitations. DM-origin calls invite each user
// in their own direct-message room; channel-origin calls send exactly one
// invitation to the originating channel, regardless of invitee count.
func (s *Session) InviteUsers(ctx context.Context, userIDs []string) error {
	s.mu.Lock()
	if s.state != StateActive {
		s.mu.Unlock()
		return domain.ErrNoCall
	}
	inv := protocol.CallInvitePayload{
		CallID:   s.callID,
		HostID:   s.selfID,
		HostName: s.selfName,
	}
	kind := s.originKind
	room := s.originRoom
	s.mu.Unlock()

	if kind == OriginChannel {
		return s.signaler.SendInvite(ctx, room, inv)
	}

	for _, userID := range userIDs {
		if err := s.signaler.SendInvite(ctx, s.dmRoom(userID), inv); err != nil {
			return fmt.Errorf("invite %s: %w", userID, err)
		}
	}
	return nil
}

// End tears the call down: every local track stopped, every peer connection
// closed, departure announced, and, when this client holds the invitation,
// a final call.update with the call duration.
func (s *Session) End(ctx context.Context) error {
	s.mu.Lock()
	if s.state == StateIdle || s.state == StateEnding {
		s.mu.Unlock()
		return domain.ErrNoCall
	}
	s.state = StateEnding

	local := s.local
	screen := s.screen
	peers := s.peers
	callID := s.callID
	room := s.originRoom
	host := s.isHost
	duration := int(time.Since(s.startedAt).Seconds())

	s.local = nil
	s.screen = nil
	s.camera = nil
	s.peers = make(map[string]*peer)
	s.mu.Unlock()

	if screen != nil {
		screen.Close()
	}
	if local != nil {
		local.Close()
	}
	for _, p := range peers {
		if err := p.pc.Close(); err != nil {
			s.logger.Warn("Peer connection close failed", "peer_id", p.id, "error", err)
		}
	}

	leave := protocol.CallSignal{
		Kind:   protocol.SignalLeave,
		CallID: callID,
		PeerID: s.selfID,
	}
	if err := s.signaler.SendSignal(ctx, room, leave); err != nil {
		s.logger.Warn("Failed to announce call departure", "error", err)
	}

	if host {
		upd := protocol.CallUpdatePayload{
			CallID:          callID,
			DurationSeconds: duration,
			Ended:           true,
		}
		if err := s.signaler.SendUpdate(ctx, room, upd); err != nil {
			s.logger.Warn("Failed to send call-end update", "error", err)
		}
	}

	s.mu.Lock()
	s.state = StateIdle
	s.callID = ""
	s.mu.Unlock()

	s.publish(Event{Kind: EventEnded, CallID: callID, Room: room})
	return nil
}

// HandleTransportLoss is invoked when the signaling transport drops during
// an active call. The loss is surfaced, but local media keeps flowing: only
// an explicit End stops tracks.
func (s *Session) HandleTransportLoss() {
	s.mu.Lock()
	active := s.state == StateActive
	callID := s.callID
	s.mu.Unlock()

	if active {
		s.logger.Warn("Signaling transport lost during active call", "call_id", callID)
	}
}

func (s *Session) publish(ev Event) {
	if err := pubsub.Publish(context.Background(), s.publisher, TopicCallEvents, ev); err != nil {
		s.logger.Error("Failed to publish call event", "kind", ev.Kind, "error", err)
	}
}
