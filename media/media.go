// Package media manages local capture devices for calls: microphone
// and camera acquisition, screen capture, and per-track enable
// toggles.
//
// Tracks are renewable resources. Toggling a track flips its enabled
// flag without stopping the underlying device, so the toggle is
// near-instant and reversible without a new permission prompt.
// Teardown stops every track explicitly; hardware release is never
// left to the garbage collector.
package media

import (
	"context"
	"errors"
	"sync"

	"github.com/pion/webrtc/v4"
)

// TrackKind distinguishes audio from video tracks.
type TrackKind string

const (
	// TrackAudio is a microphone (or other audio) track.
	TrackAudio TrackKind = "audio"
	// TrackVideo is a camera, screen, or other video track.
	TrackVideo TrackKind = "video"
)

// Acquisition errors.
var (
	// ErrNoDevice indicates no usable capture device was found or the
	// platform denied access to it.
	ErrNoDevice = errors.New("media: no capture device available")

	// ErrCaptureUnsupported indicates this build has no capture
	// backend for the platform.
	ErrCaptureUnsupported = errors.New("media: capture not supported on this platform")
)

// Track is one local capture track attached to a call.
type Track interface {
	// Kind reports whether this is an audio or video track.
	Kind() TrackKind

	// Enabled reports whether the track is currently live from the
	// consumer's point of view.
	Enabled() bool

	// SetEnabled flips the track's enabled flag. The device keeps
	// running either way.
	SetEnabled(enabled bool)

	// Stop releases the underlying device. Stopping a stopped track
	// is a no-op.
	Stop() error

	// OnEnded registers a handler fired when the platform terminates
	// the track on its own (a screen track ended from the OS "stop
	// sharing" surface, an unplugged camera). If the track already
	// ended, fn runs immediately.
	OnEnded(fn func())

	// Local exposes the track for attachment to a peer connection.
	Local() webrtc.TrackLocal
}

// Acquirer obtains local capture as renewable resources.
type Acquirer interface {
	// AcquireUserMedia opens the microphone, and the camera when
	// withVideo is set, returning them as one stream. Failure leaves
	// no devices open.
	AcquireUserMedia(ctx context.Context, withVideo bool) (*Stream, error)

	// AcquireDisplay opens a display-capture video track.
	AcquireDisplay(ctx context.Context) (Track, error)
}

// Stream is a set of local tracks acquired together.
type Stream struct {
	mu      sync.Mutex
	tracks  []Track
	stopped bool
}

// NewStream groups tracks into a stream.
func NewStream(tracks ...Track) *Stream {
	return &Stream{tracks: tracks}
}

// Tracks returns all tracks in the stream.
func (s *Stream) Tracks() []Track {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Track, len(s.tracks))
	copy(out, s.tracks)
	return out
}

// AudioTrack returns the first audio track, or nil.
func (s *Stream) AudioTrack() Track { return s.first(TrackAudio) }

// VideoTrack returns the first video track, or nil.
func (s *Stream) VideoTrack() Track { return s.first(TrackVideo) }

func (s *Stream) first(kind TrackKind) Track {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.tracks {
		if t.Kind() == kind {
			return t
		}
	}
	return nil
}

// SetAudioEnabled flips the enabled flag on every audio track and
// returns the new state. Returns false when the stream has no audio.
func (s *Stream) SetAudioEnabled(enabled bool) bool {
	return s.setEnabled(TrackAudio, enabled)
}

// SetVideoEnabled flips the enabled flag on every video track and
// returns the new state. Returns false when the stream has no video.
func (s *Stream) SetVideoEnabled(enabled bool) bool {
	return s.setEnabled(TrackVideo, enabled)
}

func (s *Stream) setEnabled(kind TrackKind, enabled bool) bool {
	found := false
	for _, t := range s.Tracks() {
		if t.Kind() == kind {
			t.SetEnabled(enabled)
			found = true
		}
	}
	return found
}

// Stop releases every track in the stream. Idempotent.
func (s *Stream) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	tracks := s.tracks
	s.mu.Unlock()

	for _, t := range tracks {
		_ = t.Stop()
	}
}

// StaticTrack adapts any webrtc.TrackLocal into a Track, carrying the
// enabled flag and lifecycle bookkeeping. Capture backends and tests
// build on it; the device-specific part is the stop function.
type StaticTrack struct {
	kind  TrackKind
	local webrtc.TrackLocal

	mu      sync.Mutex
	enabled bool
	stopped bool
	ended   bool
	stopFn  func() error
	onEnded func()
}

// NewStaticTrack wraps local as an enabled track of the given kind.
// stopFn releases the underlying device and may be nil.
func NewStaticTrack(kind TrackKind, local webrtc.TrackLocal, stopFn func() error) *StaticTrack {
	return &StaticTrack{kind: kind, local: local, enabled: true, stopFn: stopFn}
}

// Kind implements Track.
func (t *StaticTrack) Kind() TrackKind { return t.kind }

// Enabled implements Track.
func (t *StaticTrack) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled
}

// SetEnabled implements Track. The flag is advisory: pion's RTP
// sender pulls samples straight from the underlying device track, so
// flipping it does not gate the capture pipeline.
func (t *StaticTrack) SetEnabled(enabled bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.enabled = enabled
}

// Stop implements Track.
func (t *StaticTrack) Stop() error {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return nil
	}
	t.stopped = true
	stopFn := t.stopFn
	t.mu.Unlock()

	if stopFn != nil {
		return stopFn()
	}
	return nil
}

// Stopped reports whether Stop has been called.
func (t *StaticTrack) Stopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopped
}

// OnEnded implements Track. If the track already ended, fn runs
// immediately so the notification cannot be lost to registration
// order.
func (t *StaticTrack) OnEnded(fn func()) {
	t.mu.Lock()
	t.onEnded = fn
	ended := t.ended
	t.mu.Unlock()
	if ended && fn != nil {
		fn()
	}
}

// FireEnded marks the track ended and invokes the registered end
// handler once. Capture backends call it when the platform
// terminates the track.
func (t *StaticTrack) FireEnded() {
	t.mu.Lock()
	if t.ended {
		t.mu.Unlock()
		return
	}
	t.ended = true
	fn := t.onEnded
	t.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// Local implements Track.
func (t *StaticTrack) Local() webrtc.TrackLocal { return t.local }
