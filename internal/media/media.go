// Package media owns local camera/microphone capture. It produces a Stream —
// the engine-side "localStream" handle — whose tracks are handed to the peer
// negotiation engine. Capture is platform-specific (V4L2 + malgo via
// pion/mediadevices on Linux); this file is platform-neutral.
package media

import (
	"errors"
	"sync"

	"github.com/pion/webrtc/v4"
)

// ErrCaptureFailed is returned when no combination of camera/microphone could
// be opened. Callers treat it as a permission/device error: the attempted call
// transition fails and the user is told.
var ErrCaptureFailed = errors.New("media: no capture device could be opened")

// Options bound the capture attempt.
type Options struct {
	MaxWidth      int
	MaxHeight     int
	VideoDisabled bool // audio-only capture
}

// Stream owns a set of captured local tracks. It is created by Capture and
// must be closed exactly once; Close stops the hardware capture.
type Stream struct {
	mu     sync.Mutex
	tracks []webrtc.TrackLocal
	stop   func()
	closed bool

	// populate registers the capture codecs on a webrtc.MediaEngine, so a
	// PeerConnection can carry these tracks. Nil means default codecs.
	populate func(*webrtc.MediaEngine) error
}

// Tracks returns the captured local tracks.
func (s *Stream) Tracks() []webrtc.TrackLocal {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tracks
}

// HasAudio reports whether an audio track was captured.
func (s *Stream) HasAudio() bool { return s.hasKind(webrtc.RTPCodecTypeAudio) }

// HasVideo reports whether a video track was captured.
func (s *Stream) HasVideo() bool { return s.hasKind(webrtc.RTPCodecTypeVideo) }

func (s *Stream) hasKind(kind webrtc.RTPCodecType) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.tracks {
		if t.Kind() == kind {
			return true
		}
	}
	return false
}

// PopulateMediaEngine registers this stream's codecs on me.
func (s *Stream) PopulateMediaEngine(me *webrtc.MediaEngine) error {
	if s.populate == nil {
		return me.RegisterDefaultCodecs()
	}
	return s.populate(me)
}

// Close stops capture and releases the devices. Idempotent.
func (s *Stream) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	stop := s.stop
	s.tracks = nil
	s.mu.Unlock()

	if stop != nil {
		stop()
	}
}
