package peer

import (
	"encoding/json"
	"fmt"

	"github.com/pion/webrtc/v4"
)

// Signal kinds produced by OnSignal and accepted by FeedSignal. They match
// the relay's event names so payloads pass through the hub unmodified.
const (
	SignalOffer     = "offer"
	SignalAnswer    = "answer"
	SignalCandidate = "ice-candidate"
)

// signalPayload is the JSON body of every signaling message.
type signalPayload struct {
	Type      string                     `json:"type"`
	SDP       *webrtc.SessionDescription `json:"sdp,omitempty"`
	Candidate *webrtc.ICECandidateInit   `json:"candidate,omitempty"`
}

func encodeSDP(kind string, sd *webrtc.SessionDescription) ([]byte, error) {
	return json.Marshal(signalPayload{Type: kind, SDP: sd})
}

func encodeCandidate(c webrtc.ICECandidateInit) ([]byte, error) {
	return json.Marshal(signalPayload{Type: SignalCandidate, Candidate: &c})
}

func decodeSignal(data []byte) (signalPayload, error) {
	var p signalPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return p, fmt.Errorf("peer: decode signal: %w", err)
	}
	switch p.Type {
	case SignalOffer, SignalAnswer:
		if p.SDP == nil {
			return p, fmt.Errorf("peer: %s signal without sdp", p.Type)
		}
	case SignalCandidate:
		if p.Candidate == nil {
			return p, fmt.Errorf("peer: candidate signal without candidate")
		}
	default:
		return p, fmt.Errorf("peer: unknown signal type %q", p.Type)
	}
	return p, nil
}
