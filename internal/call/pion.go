package call

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"
)

// PionConfig configures the production WebRTC stack.
type PionConfig struct {
	ICEServers []webrtc.ICEServer
}

// NewPionPeerFactory returns a PeerFactory producing pion-backed peer
// connections.
func NewPionPeerFactory(cfg PionConfig) PeerFactory {
	return func() (PeerConnection, error) {
		pc, err := webrtc.NewPeerConnection(webrtc.Configuration{
			ICEServers: cfg.ICEServers,
		})
		if err != nil {
			return nil, fmt.Errorf("create peer connection: %w", err)
		}
		return newPionPeer(pc), nil
	}
}

type pionPeer struct {
	pc *webrtc.PeerConnection

	mu        sync.Mutex
	remoteSet bool
	pending   []webrtc.ICECandidateInit
	senders   []Sender
}

func newPionPeer(pc *webrtc.PeerConnection) *pionPeer {
	return &pionPeer{pc: pc}
}

// platformTrack extracts the pion track from our Track abstraction.
func platformTrack(t Track) (webrtc.TrackLocal, error) {
	local, ok := t.(*LocalTrack)
	if !ok {
		return nil, fmt.Errorf("track %s is not a local track", t.ID())
	}
	platform, ok := local.Platform().(webrtc.TrackLocal)
	if !ok {
		return nil, fmt.Errorf("track %s has no platform track", t.ID())
	}
	return platform, nil
}

func (p *pionPeer) AddTrack(t Track) (Sender, error) {
	platform, err := platformTrack(t)
	if err != nil {
		return nil, err
	}
	rtp, err := p.pc.AddTrack(platform)
	if err != nil {
		return nil, fmt.Errorf("add track: %w", err)
	}
	s := &pionSender{rtp: rtp, kind: t.Kind()}

	p.mu.Lock()
	p.senders = append(p.senders, s)
	p.mu.Unlock()
	return s, nil
}

func (p *pionPeer) CreateOffer(ctx context.Context) (string, error) {
	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return "", fmt.Errorf("create offer: %w", err)
	}
	if err := p.pc.SetLocalDescription(offer); err != nil {
		return "", fmt.Errorf("set local description: %w", err)
	}
	return offer.SDP, nil
}

func (p *pionPeer) AcceptOffer(ctx context.Context, sdp string) (string, error) {
	remote := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sdp}
	if err := p.pc.SetRemoteDescription(remote); err != nil {
		return "", fmt.Errorf("set remote offer: %w", err)
	}
	p.flushCandidates()

	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return "", fmt.Errorf("create answer: %w", err)
	}
	if err := p.pc.SetLocalDescription(answer); err != nil {
		return "", fmt.Errorf("set local answer: %w", err)
	}
	return answer.SDP, nil
}

func (p *pionPeer) AcceptAnswer(sdp string) error {
	remote := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: sdp}
	if err := p.pc.SetRemoteDescription(remote); err != nil {
		return fmt.Errorf("set remote answer: %w", err)
	}
	p.flushCandidates()
	return nil
}

// AddICECandidate queues candidates that race ahead of the remote
// description and applies them once it lands.
func (p *pionPeer) AddICECandidate(candidate []byte) error {
	var init webrtc.ICECandidateInit
	if err := json.Unmarshal(candidate, &init); err != nil {
		return fmt.Errorf("decode candidate: %w", err)
	}

	p.mu.Lock()
	if !p.remoteSet {
		p.pending = append(p.pending, init)
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()
	return p.pc.AddICECandidate(init)
}

func (p *pionPeer) flushCandidates() {
	p.mu.Lock()
	p.remoteSet = true
	pending := p.pending
	p.pending = nil
	p.mu.Unlock()

	for _, init := range pending {
		// Individual candidate failures are non-fatal; others may connect.
		_ = p.pc.AddICECandidate(init)
	}
}

func (p *pionPeer) OnICECandidate(fn func(candidate []byte)) {
	p.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		data, err := json.Marshal(c.ToJSON())
		if err != nil {
			return
		}
		fn(data)
	})
}

func (p *pionPeer) OnStateChange(fn func(state PeerState)) {
	p.pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		switch state {
		case webrtc.PeerConnectionStateConnected:
			fn(PeerConnected)
		case webrtc.PeerConnectionStateFailed:
			fn(PeerFailed)
		case webrtc.PeerConnectionStateClosed:
			fn(PeerClosed)
		default:
			fn(PeerConnecting)
		}
	})
}

func (p *pionPeer) OnRemoteTrack(fn func(trackID string, kind TrackKind)) {
	p.pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		kind := TrackAudio
		if track.Kind() == webrtc.RTPCodecTypeVideo {
			kind = TrackVideo
		}
		fn(track.ID(), kind)
	})
}

func (p *pionPeer) Senders() []Sender {
	p.mu.Lock()
	defer p.mu.Unlock()
	result := make([]Sender, len(p.senders))
	copy(result, p.senders)
	return result
}

func (p *pionPeer) Close() error {
	return p.pc.Close()
}

type pionSender struct {
	rtp  *webrtc.RTPSender
	kind TrackKind
}

func (s *pionSender) Kind() TrackKind { return s.kind }

func (s *pionSender) ReplaceTrack(t Track) error {
	platform, err := platformTrack(t)
	if err != nil {
		return err
	}
	return s.rtp.ReplaceTrack(platform)
}

// PionMedia produces pion sample tracks for the configured capture sources.
// Frame production is fed by the embedding application; the engine only
// owns track lifecycle.
type PionMedia struct {
	Availability DeviceAvailability
}

// NewPionMedia creates a Media for the given device availability.
func NewPionMedia(availability DeviceAvailability) *PionMedia {
	return &PionMedia{Availability: availability}
}

// CaptureDevices implements Media.
func (m *PionMedia) CaptureDevices(ctx context.Context) (MediaStream, error) {
	if err := checkDevices(m.Availability); err != nil {
		return nil, err
	}

	var tracks []Track
	if m.Availability.Microphone {
		audio, err := webrtc.NewTrackLocalStaticSample(
			webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus},
			"audio", "wardlink-mic",
		)
		if err != nil {
			return nil, fmt.Errorf("create audio track: %w", err)
		}
		tracks = append(tracks, NewLocalTrack(TrackAudio, audio))
	}
	if m.Availability.Camera {
		video, err := webrtc.NewTrackLocalStaticSample(
			webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8},
			"video", "wardlink-camera",
		)
		if err != nil {
			return nil, fmt.Errorf("create video track: %w", err)
		}
		tracks = append(tracks, NewLocalTrack(TrackVideo, video))
	}
	return NewStream(tracks...), nil
}

// CaptureDisplay implements Media.
func (m *PionMedia) CaptureDisplay(ctx context.Context) (MediaStream, error) {
	if m.Availability.Denied {
		return nil, checkDevices(m.Availability)
	}
	if !m.Availability.Display {
		return nil, checkDevices(DeviceAvailability{})
	}
	screen, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8},
		"video", "wardlink-screen",
	)
	if err != nil {
		return nil, fmt.Errorf("create screen track: %w", err)
	}
	return NewStream(NewLocalTrack(TrackVideo, screen)), nil
}
