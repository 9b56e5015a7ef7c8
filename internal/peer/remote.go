package peer

import (
	"errors"
	"io"
	"log"
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

// SampleSink receives depacketized remote media. The viewer fans these out to
// the browser over a websocket for display.
type SampleSink interface {
	WriteRTP(kind string, pkt *rtp.Packet)
}

// pliInterval is how often a keyframe is requested on remote video. Without
// periodic PLIs a viewer that joins mid-stream can wait a long time for a
// decodable frame.
const pliInterval = 3 * time.Second

// handleRemoteTrack is the OnTrack callback: it announces the track and
// starts its pump.
func (e *Engine) handleRemoteTrack(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
	kind := track.Kind().String()
	log.Printf("PEER: remote %s track %s (%s)", kind, track.ID(), track.Codec().MimeType)

	if e.cfg.OnRemoteTrack != nil {
		e.cfg.OnRemoteTrack(kind)
	}

	if track.Kind() == webrtc.RTPCodecTypeVideo {
		go e.pliLoop(track)
	}
	go e.pumpRemote(track, kind)
}

// pliLoop asks the sender for a keyframe every pliInterval until the engine
// closes.
func (e *Engine) pliLoop(track *webrtc.TrackRemote) {
	ticker := time.NewTicker(pliInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.done:
			return
		case <-ticker.C:
			err := e.pc.WriteRTCP([]rtcp.Packet{
				&rtcp.PictureLossIndication{MediaSSRC: uint32(track.SSRC())},
			})
			if err != nil {
				return
			}
		}
	}
}

// pumpRemote reads RTP from a remote track into the sink until the track or
// the engine dies.
func (e *Engine) pumpRemote(track *webrtc.TrackRemote, kind string) {
	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				log.Printf("PEER: remote %s track read: %v", kind, err)
			}
			return
		}
		if e.cfg.Sink != nil {
			e.cfg.Sink.WriteRTP(kind, pkt)
		}
	}
}
