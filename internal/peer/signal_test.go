package peer

import (
	"testing"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSDPSignalRoundTrip(t *testing.T) {
	sd := &webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  "v=0\r\no=- 0 0 IN IP4 127.0.0.1\r\n",
	}
	data, err := encodeSDP(SignalOffer, sd)
	require.NoError(t, err)

	p, err := decodeSignal(data)
	require.NoError(t, err)
	assert.Equal(t, SignalOffer, p.Type)
	require.NotNil(t, p.SDP)
	assert.Equal(t, sd.SDP, p.SDP.SDP)
	assert.Equal(t, webrtc.SDPTypeOffer, p.SDP.Type)
}

func TestCandidateSignalRoundTrip(t *testing.T) {
	mid := "0"
	idx := uint16(0)
	c := webrtc.ICECandidateInit{
		Candidate:     "candidate:1 1 udp 2122260223 192.0.2.1 54321 typ host",
		SDPMid:        &mid,
		SDPMLineIndex: &idx,
	}
	data, err := encodeCandidate(c)
	require.NoError(t, err)

	p, err := decodeSignal(data)
	require.NoError(t, err)
	assert.Equal(t, SignalCandidate, p.Type)
	require.NotNil(t, p.Candidate)
	assert.Equal(t, c.Candidate, p.Candidate.Candidate)
}

func TestDecodeSignalRejectsMalformed(t *testing.T) {
	cases := map[string]string{
		"not json":          `{{`,
		"unknown type":      `{"type":"renegotiate"}`,
		"offer without sdp": `{"type":"offer"}`,
		"candidate without candidate": `{"type":"ice-candidate"}`,
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := decodeSignal([]byte(raw))
			assert.Error(t, err)
		})
	}
}
