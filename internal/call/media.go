package call

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/wardlink/wardlink/internal/domain"
)

// TrackKind distinguishes audio from video tracks.
type TrackKind string

const (
	TrackAudio TrackKind = "audio"
	TrackVideo TrackKind = "video"
)

// Track is one local media track. The call session is its single owner:
// UI-level mute toggles flip Enabled, but only the session stops or replaces
// tracks.
type Track interface {
	ID() string
	Kind() TrackKind
	Enabled() bool
	SetEnabled(enabled bool)
	// Stop ends the track permanently. Idempotent.
	Stop()
	Ended() bool
	// OnEnded registers a callback fired once when the track ends, whether
	// through Stop or through the underlying source going away (e.g. the
	// browser-level "stop sharing" control).
	OnEnded(fn func())
}

// MediaStream is a set of tracks captured together.
type MediaStream interface {
	Tracks() []Track
	AudioTrack() Track
	VideoTrack() Track
	// Close stops every track in the stream.
	Close()
}

// Media acquires local capture streams. Implementations map platform
// failures onto domain.ErrPermissionDenied / domain.ErrNoDevicesFound.
type Media interface {
	// CaptureDevices opens the microphone and camera.
	CaptureDevices(ctx context.Context) (MediaStream, error)
	// CaptureDisplay opens a screen capture stream.
	CaptureDisplay(ctx context.Context) (MediaStream, error)
}

// LocalTrack is the concrete Track used by both the pion-backed media
// source and test fakes.
type LocalTrack struct {
	id   string
	kind TrackKind

	mu       sync.Mutex
	enabled  bool
	ended    bool
	onEnded  []func()
	platform any // underlying platform track, e.g. a pion TrackLocal
}

// NewLocalTrack creates an enabled track of the given kind.
func NewLocalTrack(kind TrackKind, platform any) *LocalTrack {
	return &LocalTrack{
		id:       uuid.NewString(),
		kind:     kind,
		enabled:  true,
		platform: platform,
	}
}

func (t *LocalTrack) ID() string      { return t.id }
func (t *LocalTrack) Kind() TrackKind { return t.kind }

func (t *LocalTrack) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled && !t.ended
}

func (t *LocalTrack) SetEnabled(enabled bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.enabled = enabled
}

func (t *LocalTrack) Stop() {
	t.mu.Lock()
	if t.ended {
		t.mu.Unlock()
		return
	}
	t.ended = true
	callbacks := t.onEnded
	t.onEnded = nil
	t.mu.Unlock()

	for _, fn := range callbacks {
		fn()
	}
}

func (t *LocalTrack) Ended() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ended
}

func (t *LocalTrack) OnEnded(fn func()) {
	t.mu.Lock()
	if t.ended {
		t.mu.Unlock()
		fn()
		return
	}
	t.onEnded = append(t.onEnded, fn)
	t.mu.Unlock()
}

// Platform returns the underlying platform track, if any.
func (t *LocalTrack) Platform() any { return t.platform }

// Stream is the concrete MediaStream.
type Stream struct {
	tracks []Track
}

// NewStream groups tracks into a stream.
func NewStream(tracks ...Track) *Stream {
	return &Stream{tracks: tracks}
}

func (s *Stream) Tracks() []Track { return s.tracks }

func (s *Stream) AudioTrack() Track { return s.trackOf(TrackAudio) }
func (s *Stream) VideoTrack() Track { return s.trackOf(TrackVideo) }

func (s *Stream) trackOf(kind TrackKind) Track {
	for _, t := range s.tracks {
		if t.Kind() == kind {
			return t
		}
	}
	return nil
}

func (s *Stream) Close() {
	for _, t := range s.tracks {
		t.Stop()
	}
}

// DeviceAvailability describes which capture sources a Media implementation
// can open.
type DeviceAvailability struct {
	Microphone bool
	Camera     bool
	Display    bool
	// Denied simulates/propagates a permission rejection for all sources.
	Denied bool
}

// checkDevices maps availability onto the error taxonomy shared by all
// Media implementations: denial beats absence, and a call needs at least
// one device.
func checkDevices(a DeviceAvailability) error {
	if a.Denied {
		return domain.ErrPermissionDenied
	}
	if !a.Microphone && !a.Camera {
		return domain.ErrNoDevicesFound
	}
	return nil
}
