// Package peer wraps a pion PeerConnection as the call engine's negotiation
// engine: it owns the offer/answer handshake, trickle ICE, and the remote
// media pumps. It knows nothing about the relay or the call state machine —
// signals go out and come in as opaque JSON through callbacks.
package peer

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"

	"github.com/pitchroom/callengine/internal/media"
)

// Config wires a new Engine.
type Config struct {
	// Initiator engines create the offer; responders answer one fed in
	// via FeedSignal.
	Initiator bool

	ICEServers []webrtc.ICEServer

	// Stream provides the local tracks and their codec parameters.
	Stream *media.Stream

	// OnSignal emits an outbound signaling payload (offer, answer or
	// ice-candidate) for the relay. Required.
	OnSignal func(kind string, payload []byte)

	// OnRemoteTrack fires once per inbound track, before its pump starts.
	OnRemoteTrack func(kind string)

	// OnConnected fires once when the peer connection reaches Connected.
	OnConnected func()

	// OnClosed fires once when the connection fails or closes, with the
	// terminal error (nil for an orderly close).
	OnClosed func(err error)

	// Sink receives depacketized remote media. Optional.
	Sink SampleSink
}

// Engine is one negotiation session. Create with New, destroy with Close.
type Engine struct {
	pc        *webrtc.PeerConnection
	cfg       Config
	done      chan struct{}
	closeOnce sync.Once

	mu        sync.Mutex
	remoteSet bool
	pending   []webrtc.ICECandidateInit
	senders   map[webrtc.RTPCodecType]*trackSender
	connected bool
}

type trackSender struct {
	sender *webrtc.RTPSender
	track  webrtc.TrackLocal
}

// New builds the PeerConnection, attaches the local tracks and registers all
// callbacks. Initiators must call Start afterwards to produce the offer.
func New(cfg Config) (*Engine, error) {
	if cfg.OnSignal == nil {
		return nil, errors.New("peer: OnSignal is required")
	}
	if cfg.Stream == nil {
		return nil, errors.New("peer: local stream is required")
	}

	mediaEngine := &webrtc.MediaEngine{}
	if err := cfg.Stream.PopulateMediaEngine(mediaEngine); err != nil {
		return nil, fmt.Errorf("peer: populate media engine: %w", err)
	}

	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, registry); err != nil {
		return nil, fmt.Errorf("peer: register interceptors: %w", err)
	}

	// Generous ICE timeouts: the default 5 s disconnect is too short for
	// relay paths with brief outages during re-keying or failover.
	se := webrtc.SettingEngine{}
	se.SetICETimeouts(30*time.Second, 120*time.Second, 2*time.Second)

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(registry),
		webrtc.WithSettingEngine(se),
	)

	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: cfg.ICEServers})
	if err != nil {
		return nil, fmt.Errorf("peer: new peer connection: %w", err)
	}

	e := &Engine{
		pc:      pc,
		cfg:     cfg,
		done:    make(chan struct{}),
		senders: make(map[webrtc.RTPCodecType]*trackSender),
	}

	for _, track := range cfg.Stream.Tracks() {
		sender, err := pc.AddTrack(track)
		if err != nil {
			pc.Close()
			return nil, fmt.Errorf("peer: add %s track: %w", track.Kind(), err)
		}
		e.senders[track.Kind()] = &trackSender{sender: sender, track: track}
		go e.drainRTCP(sender)
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return // end of gathering
		}
		payload, err := encodeCandidate(c.ToJSON())
		if err != nil {
			log.Printf("PEER: encode candidate: %v", err)
			return
		}
		cfg.OnSignal(SignalCandidate, payload)
	})

	pc.OnTrack(e.handleRemoteTrack)

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		log.Printf("PEER: connection state %s", state)
		switch state {
		case webrtc.PeerConnectionStateConnected:
			e.mu.Lock()
			first := !e.connected
			e.connected = true
			e.mu.Unlock()
			if first && cfg.OnConnected != nil {
				cfg.OnConnected()
			}
		case webrtc.PeerConnectionStateFailed:
			e.fail(errors.New("peer: connection failed"))
		case webrtc.PeerConnectionStateClosed:
			e.fail(nil)
		}
		// Disconnected is left to ICE: with the long timeouts above it
		// either recovers or progresses to Failed.
	})

	return e, nil
}

// Start kicks off negotiation. On an initiator this creates the offer and
// emits it via OnSignal; on a responder it is a no-op (the responder acts
// when FeedSignal delivers the offer).
func (e *Engine) Start() error {
	if !e.cfg.Initiator {
		return nil
	}

	offer, err := e.pc.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("peer: create offer: %w", err)
	}
	if err := e.pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("peer: set local offer: %w", err)
	}
	payload, err := encodeSDP(SignalOffer, e.pc.LocalDescription())
	if err != nil {
		return err
	}
	e.cfg.OnSignal(SignalOffer, payload)
	return nil
}

// FeedSignal applies one inbound signaling payload: an offer (responder),
// an answer (initiator) or a trickled ICE candidate. Candidates arriving
// before the remote description are buffered and drained once it is set.
func (e *Engine) FeedSignal(data []byte) error {
	p, err := decodeSignal(data)
	if err != nil {
		return err
	}

	switch p.Type {
	case SignalOffer:
		return e.handleOffer(*p.SDP)
	case SignalAnswer:
		return e.handleAnswer(*p.SDP)
	default:
		return e.handleCandidate(*p.Candidate)
	}
}

func (e *Engine) handleOffer(sd webrtc.SessionDescription) error {
	if e.cfg.Initiator {
		return errors.New("peer: initiator received an offer")
	}
	if err := e.pc.SetRemoteDescription(sd); err != nil {
		return fmt.Errorf("peer: set remote offer: %w", err)
	}
	e.drainPending()

	answer, err := e.pc.CreateAnswer(nil)
	if err != nil {
		return fmt.Errorf("peer: create answer: %w", err)
	}
	if err := e.pc.SetLocalDescription(answer); err != nil {
		return fmt.Errorf("peer: set local answer: %w", err)
	}
	payload, err := encodeSDP(SignalAnswer, e.pc.LocalDescription())
	if err != nil {
		return err
	}
	e.cfg.OnSignal(SignalAnswer, payload)
	return nil
}

func (e *Engine) handleAnswer(sd webrtc.SessionDescription) error {
	if !e.cfg.Initiator {
		return errors.New("peer: responder received an answer")
	}
	if err := e.pc.SetRemoteDescription(sd); err != nil {
		return fmt.Errorf("peer: set remote answer: %w", err)
	}
	e.drainPending()
	return nil
}

func (e *Engine) handleCandidate(c webrtc.ICECandidateInit) error {
	e.mu.Lock()
	if !e.remoteSet && e.pc.RemoteDescription() == nil {
		e.pending = append(e.pending, c)
		e.mu.Unlock()
		return nil
	}
	e.mu.Unlock()
	return e.pc.AddICECandidate(c)
}

// drainPending flushes candidates buffered before the remote description.
func (e *Engine) drainPending() {
	e.mu.Lock()
	e.remoteSet = true
	pending := e.pending
	e.pending = nil
	e.mu.Unlock()

	for _, c := range pending {
		if err := e.pc.AddICECandidate(c); err != nil {
			log.Printf("PEER: buffered candidate rejected: %v", err)
		}
	}
}

// SetAudioEnabled mutes or unmutes the outbound audio track by swapping the
// sender's track. No renegotiation happens: the m-line stays in place.
func (e *Engine) SetAudioEnabled(on bool) { e.setTrackEnabled(webrtc.RTPCodecTypeAudio, on) }

// SetVideoEnabled enables or disables the outbound video track.
func (e *Engine) SetVideoEnabled(on bool) { e.setTrackEnabled(webrtc.RTPCodecTypeVideo, on) }

func (e *Engine) setTrackEnabled(kind webrtc.RTPCodecType, on bool) {
	e.mu.Lock()
	ts := e.senders[kind]
	e.mu.Unlock()
	if ts == nil {
		return
	}

	var err error
	if on {
		err = ts.sender.ReplaceTrack(ts.track)
	} else {
		err = ts.sender.ReplaceTrack(nil)
	}
	if err != nil {
		log.Printf("PEER: toggle %s (on=%v): %v", kind, on, err)
	}
}

// Close destroys the engine and the underlying PeerConnection. Idempotent,
// and does not fire OnClosed — Close is the owner hanging up, not a failure.
func (e *Engine) Close() {
	e.closeOnce.Do(func() {
		close(e.done)
		if err := e.pc.Close(); err != nil {
			log.Printf("PEER: close: %v", err)
		}
	})
}

// fail reports a terminal connection error exactly once.
func (e *Engine) fail(err error) {
	select {
	case <-e.done:
		return // owner already closed us; not a failure
	default:
	}
	e.closeOnce.Do(func() {
		close(e.done)
		_ = e.pc.Close()
		if e.cfg.OnClosed != nil {
			e.cfg.OnClosed(err)
		}
	})
}

// drainRTCP consumes sender reports so interceptors keep working.
func (e *Engine) drainRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}
