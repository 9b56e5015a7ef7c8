//go:build linux

package media

import (
	"log"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
)

// Capture opens camera and microphone via pion/mediadevices.
//
// GetUserMedia fails as a unit if either requested track can't be opened, so
// the attempt ladder degrades gracefully: video+audio, then video-only, then
// audio-only. A busy microphone must not keep the camera from working and
// vice versa. If every attempt fails, ErrCaptureFailed is returned — the
// caller aborts the call rather than placing a media-less one.
func Capture(opts Options) (*Stream, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, err
	}
	vpxParams.BitRate = 1_500_000 // 1.5 Mbps

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, err
	}

	selector := mediadevices.NewCodecSelector(
		mediadevices.WithVideoEncoders(&vpxParams),
		mediadevices.WithAudioEncoders(&opusParams),
	)

	if devices := mediadevices.EnumerateDevices(); len(devices) == 0 {
		log.Printf("MEDIA: no capture devices found")
	} else {
		for _, d := range devices {
			log.Printf("MEDIA: device kind=%v label=%q", d.Kind, d.Label)
		}
	}

	type attempt struct {
		video bool
		audio bool
		label string
	}
	ladder := []attempt{
		{true, true, "video+audio"},
		{true, false, "video-only"},
		{false, true, "audio-only"},
	}
	if opts.VideoDisabled {
		ladder = []attempt{{false, true, "audio-only"}}
	}

	for _, a := range ladder {
		constraints := mediadevices.MediaStreamConstraints{Codec: selector}
		if a.video {
			constraints.Video = func(c *mediadevices.MediaTrackConstraints) {
				// Raw frame formats only: some cameras expose an MJPEG V4L2
				// node producing malformed JPEG frames that poison the VP8
				// encoder and break SDP negotiation.
				c.FrameFormat = prop.FrameFormatOneOf{
					frame.FormatYUYV,
					frame.FormatI420,
					frame.FormatI444,
					frame.FormatRGBA,
				}
				c.Width = prop.IntRanged{Max: opts.MaxWidth}
				c.Height = prop.IntRanged{Max: opts.MaxHeight}
			}
		}
		if a.audio {
			constraints.Audio = func(_ *mediadevices.MediaTrackConstraints) {}
		}

		ms, err := mediadevices.GetUserMedia(constraints)
		if err != nil {
			log.Printf("MEDIA: GetUserMedia (%s) failed: %v", a.label, err)
			continue
		}

		mdTracks := ms.GetTracks()
		tracks := make([]webrtc.TrackLocal, 0, len(mdTracks))
		for _, t := range mdTracks {
			t.OnEnded(func(err error) {
				if err != nil {
					log.Printf("MEDIA: local track ended: %v", err)
				}
			})
			tracks = append(tracks, t)
		}

		log.Printf("MEDIA: captured %s (%d tracks)", a.label, len(tracks))
		return &Stream{
			tracks: tracks,
			stop: func() {
				for _, t := range mdTracks {
					t.Close()
				}
			},
			populate: func(me *webrtc.MediaEngine) error {
				selector.Populate(me)
				return nil
			},
		}, nil
	}

	return nil, ErrCaptureFailed
}
