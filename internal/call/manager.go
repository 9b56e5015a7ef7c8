package call

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"
)

// DefaultRingTimeout bounds how long a call may ring unanswered.
const DefaultRingTimeout = 45 * time.Second

// recordsTimeout bounds the best-effort bookkeeping calls made during
// teardown and busy-reject; they must never hold a session hostage.
const recordsTimeout = 5 * time.Second

// Options configures a Manager.
type Options struct {
	SelfID      string
	SelfName    string
	RingTimeout time.Duration // 0 means DefaultRingTimeout
}

// Manager owns the single call session and every transition it may take.
//
// One mutex guards all session state. Blocking setup steps (media capture,
// record-service calls, the relay dial) run with the mutex released; on
// re-entry the step checks that the session it started under is still the
// live one and abandons its work otherwise.
type Manager struct {
	mu sync.Mutex

	sig       Signaling
	rec       Records
	capture   CaptureFunc
	negotiate NegotiatorFactory
	history   History

	selfID      string
	selfName    string
	ringTimeout time.Duration

	sess    *session
	nextGen uint64

	subsMu sync.RWMutex
	subs   map[chan Event]struct{}
}

// NewManager wires a call manager. History is optional; see SetHistory.
func NewManager(sig Signaling, rec Records, capture CaptureFunc, negotiate NegotiatorFactory, opts Options) *Manager {
	rt := opts.RingTimeout
	if rt <= 0 {
		rt = DefaultRingTimeout
	}
	return &Manager{
		sig:         sig,
		rec:         rec,
		capture:     capture,
		negotiate:   negotiate,
		selfID:      opts.SelfID,
		selfName:    opts.SelfName,
		ringTimeout: rt,
		subs:        make(map[chan Event]struct{}),
	}
}

// SetHistory installs the call-history sink. Nil disables recording.
func (m *Manager) SetHistory(h History) {
	m.mu.Lock()
	m.history = h
	m.mu.Unlock()
}

// SetRingTimeout changes the unanswered-call timeout for future calls.
func (m *Manager) SetRingTimeout(d time.Duration) {
	if d <= 0 {
		d = DefaultRingTimeout
	}
	m.mu.Lock()
	m.ringTimeout = d
	m.mu.Unlock()
}

// State reports the current session state; Idle when no session exists.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sess == nil {
		return StateIdle
	}
	return m.sess.state()
}

// Snapshot returns the UI view of the current session, nil when idle.
func (m *Manager) Snapshot() *Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sess == nil {
		return nil
	}
	return m.sess.snapshot()
}

// StartCall places an outgoing call to peer. It blocks through media
// capture, call-record creation and negotiation start; on any failure the
// session is torn down and the error returned. ErrBusy when a session
// already exists.
func (m *Manager) StartCall(ctx context.Context, peer PeerInfo) error {
	m.mu.Lock()
	if m.sess != nil {
		m.mu.Unlock()
		return ErrBusy
	}
	m.nextGen++
	gen := m.nextGen
	s := newSession(gen, RoleCaller)
	s.peerID = peer.UserID
	s.peerName = peer.DisplayName
	s.roomID = peer.RoomID
	if err := s.fire(evDial); err != nil {
		m.mu.Unlock()
		return err
	}
	m.sess = s
	log.Printf("CALL: dialing %s (%s) in room %s", peer.UserID, peer.DisplayName, peer.RoomID)
	m.emit(Event{Type: EventState, State: StateOutgoing, Call: s.snapshot()})
	m.mu.Unlock()

	// Media first: a permission prompt must resolve before the callee's
	// phone rings, and a denial must leave no record behind.
	local, err := m.capture(ctx)
	if err != nil {
		return m.abortSetup(gen, fmt.Errorf("media capture: %w", err))
	}
	s, ok := m.resume(gen)
	if !ok {
		local.Close()
		return ErrCancelled
	}
	s.local = local
	m.mu.Unlock()

	connID, err := m.sig.Connect(ctx)
	if err != nil {
		return m.abortSetup(gen, fmt.Errorf("relay connect: %w", err))
	}

	res, err := m.rec.Create(ctx, peer.RoomID, m.selfID, connID)
	if err != nil {
		return m.abortSetup(gen, fmt.Errorf("create call record: %w", err))
	}

	// Store the identifiers before touching any further shared resource:
	// once they are on the session, teardown knows to end the record and
	// leave the room. A session torn down while Create was in flight
	// never learned them, so the record must be ended here or the callee
	// rings until their own timeout.
	s, ok = m.resume(gen)
	if !ok {
		m.endOrphanRecord(res.SessionID)
		return ErrCancelled
	}
	s.sessionID = res.SessionID
	s.roomToken = res.RoomToken
	s.peerConnID = res.CalleeConnID
	if s.peerName == "" {
		s.peerName = res.CalleeName
	}
	m.mu.Unlock()

	if err := m.sig.JoinRoom(res.RoomToken); err != nil {
		return m.abortSetup(gen, fmt.Errorf("join signaling room: %w", err))
	}
	// Teardown may have run, and left the room, while the join was in
	// flight; the join would silently re-subscribe a dead session.
	s, ok = m.resume(gen)
	if !ok {
		m.leaveOrphanRoom(res.RoomToken)
		return ErrCancelled
	}
	m.mu.Unlock()

	eng, err := m.negotiate(m.setup(gen, true, local))
	if err != nil {
		return m.abortSetup(gen, fmt.Errorf("negotiation engine: %w", err))
	}

	s, ok = m.resume(gen)
	if !ok {
		eng.Close()
		return ErrCancelled
	}
	s.engine = eng
	applyTrackFlags(s)
	timeout := m.ringTimeout
	s.ringTimer = time.AfterFunc(timeout, func() { m.handleRingTimeout(gen) })
	m.mu.Unlock()

	if err := eng.Start(); err != nil {
		return m.abortSetup(gen, fmt.Errorf("start negotiation: %w", err))
	}
	log.Printf("CALL: session %s ringing, timeout %s", res.SessionID, timeout)
	return nil
}

// AnswerCall accepts the currently ringing incoming call.
func (m *Manager) AnswerCall(ctx context.Context) error {
	m.mu.Lock()
	s := m.sess
	if s == nil || s.state() != StateRinging {
		m.mu.Unlock()
		return ErrBadState
	}
	gen := s.gen
	sessionID := s.sessionID
	roomToken := s.roomToken
	m.mu.Unlock()

	local, err := m.capture(ctx)
	if err != nil {
		return m.abortSetup(gen, fmt.Errorf("media capture: %w", err))
	}
	s, ok := m.resume(gen)
	if !ok {
		local.Close()
		return ErrCancelled
	}
	s.local = local
	m.mu.Unlock()

	connID, err := m.sig.Connect(ctx)
	if err != nil {
		return m.abortSetup(gen, fmt.Errorf("relay connect: %w", err))
	}
	// Re-join in case the ring-time join raced a reconnect.
	if err := m.sig.JoinRoom(roomToken); err != nil {
		return m.abortSetup(gen, fmt.Errorf("join signaling room: %w", err))
	}
	// Teardown may have run, and left the room, while the join was in
	// flight; the join would silently re-subscribe a dead session.
	if _, ok := m.resume(gen); !ok {
		m.leaveOrphanRoom(roomToken)
		return ErrCancelled
	}
	m.mu.Unlock()

	if err := m.rec.Accept(ctx, sessionID, roomToken, connID); err != nil {
		return m.abortSetup(gen, fmt.Errorf("accept call record: %w", err))
	}

	eng, err := m.negotiate(m.setup(gen, false, local))
	if err != nil {
		return m.abortSetup(gen, fmt.Errorf("negotiation engine: %w", err))
	}

	s, ok = m.resume(gen)
	if !ok {
		eng.Close()
		return ErrCancelled
	}
	s.engine = eng
	applyTrackFlags(s)
	s.stopRingTimer()
	if err := s.fire(evAccept); err != nil {
		m.mu.Unlock()
		return m.abortSetup(gen, err)
	}
	offer := s.pendingOffer
	candidates := s.pendingCandidates
	s.pendingOffer = nil
	s.pendingCandidates = nil
	m.emit(Event{Type: EventState, State: StateNegotiating, Call: s.snapshot()})
	m.mu.Unlock()

	// Drain whatever arrived while we had no engine: the offer raced the
	// user's answer, candidates trickled behind it.
	if offer != nil {
		if err := eng.FeedSignal(offer); err != nil {
			return m.abortSetup(gen, fmt.Errorf("apply buffered offer: %w", err))
		}
	}
	for _, c := range candidates {
		if err := eng.FeedSignal(c); err != nil {
			log.Printf("CALL: apply buffered candidate: %v", err)
		}
	}
	log.Printf("CALL: answered session %s", sessionID)
	return nil
}

// RejectCall declines the currently ringing incoming call.
func (m *Manager) RejectCall() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.sess
	if s == nil || s.state() != StateRinging {
		return ErrBadState
	}
	sessionID := s.sessionID
	roomToken := s.roomToken
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), recordsTimeout)
		defer cancel()
		if err := m.rec.Reject(ctx, sessionID, roomToken); err != nil {
			log.Printf("CALL: reject record %s: %v", sessionID, err)
		}
	}()
	log.Printf("CALL: rejected session %s", sessionID)
	m.teardownLocked(OutcomeRejected)
	return nil
}

// EndCall hangs up the current session. Calling it with no session is a
// no-op, so the UI can always offer a hangup button.
func (m *Manager) EndCall() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sess == nil {
		return nil
	}
	log.Printf("CALL: hangup in state %s", m.sess.state())
	m.teardownLocked(OutcomeCompleted)
	return nil
}

// ToggleMute flips the microphone and reports the new muted state.
func (m *Manager) ToggleMute() (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.sess
	if s == nil || s.local == nil {
		return false, ErrBadState
	}
	s.muted = !s.muted
	if s.engine != nil {
		s.engine.SetAudioEnabled(!s.muted)
	}
	m.emit(Event{Type: EventState, State: s.state(), Call: s.snapshot()})
	return s.muted, nil
}

// ToggleVideo flips the camera and reports whether video is now disabled.
func (m *Manager) ToggleVideo() (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.sess
	if s == nil || s.local == nil {
		return false, ErrBadState
	}
	s.videoOff = !s.videoOff
	if s.engine != nil {
		s.engine.SetVideoEnabled(!s.videoOff)
	}
	m.emit(Event{Type: EventState, State: s.state(), Call: s.snapshot()})
	return s.videoOff, nil
}

// --- relay event handlers -------------------------------------------------

// HandleIncomingCall reacts to the relay's incoming-call push.
func (m *Manager) HandleIncomingCall(inc IncomingCall) {
	m.mu.Lock()
	if m.sess != nil {
		m.mu.Unlock()
		log.Printf("CALL: busy, auto-rejecting session %s from %s", inc.SessionID, inc.CallerID)
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), recordsTimeout)
			defer cancel()
			if err := m.rec.Reject(ctx, inc.SessionID, inc.RoomToken); err != nil {
				log.Printf("CALL: busy-reject record %s: %v", inc.SessionID, err)
			}
		}()
		return
	}
	m.nextGen++
	gen := m.nextGen
	s := newSession(gen, RoleCallee)
	s.sessionID = inc.SessionID
	s.roomToken = inc.RoomToken
	s.peerID = inc.CallerID
	s.peerName = inc.CallerName
	s.peerConnID = inc.SenderConnID
	if err := s.fire(evRing); err != nil {
		m.mu.Unlock()
		return
	}
	m.sess = s
	timeout := m.ringTimeout
	s.ringTimer = time.AfterFunc(timeout, func() { m.handleRingTimeout(gen) })
	log.Printf("CALL: incoming session %s from %s (%s)", inc.SessionID, inc.CallerID, inc.CallerName)
	m.emit(Event{Type: EventIncoming, State: StateRinging, Call: s.snapshot()})
	m.mu.Unlock()

	// Join the call room now so signaling addressed to the room token
	// reaches us even if the caller's connection id goes stale.
	if err := m.sig.JoinRoom(inc.RoomToken); err != nil {
		log.Printf("CALL: join room for session %s: %v", inc.SessionID, err)
	}
}

// HandleOffer applies or buffers an inbound SDP offer.
func (m *Manager) HandleOffer(senderConnID string, data json.RawMessage) {
	m.mu.Lock()
	s := m.sess
	if s == nil {
		m.mu.Unlock()
		log.Printf("CALL: offer with no session, dropped")
		return
	}
	if senderConnID != "" {
		s.peerConnID = senderConnID
	}
	if s.engine == nil {
		if s.pendingOffer != nil {
			log.Printf("CALL: replacing buffered offer for session %s", s.sessionID)
		}
		s.pendingOffer = append(json.RawMessage(nil), data...)
		m.mu.Unlock()
		return
	}
	eng := s.engine
	gen := s.gen
	m.mu.Unlock()
	if err := eng.FeedSignal(data); err != nil {
		m.signalApplyFailed(gen, "offer", err)
	}
}

// HandleAnswer applies the callee's SDP answer on the calling side.
func (m *Manager) HandleAnswer(senderConnID string, data json.RawMessage) {
	m.mu.Lock()
	s := m.sess
	if s == nil || s.engine == nil {
		m.mu.Unlock()
		log.Printf("CALL: answer with no negotiation in flight, dropped")
		return
	}
	if senderConnID != "" {
		s.peerConnID = senderConnID
	}
	if s.state() == StateOutgoing {
		s.stopRingTimer()
		if err := s.fire(evAnswered); err != nil {
			m.mu.Unlock()
			log.Printf("CALL: answer in state %s, dropped: %v", s.state(), err)
			return
		}
		m.emit(Event{Type: EventState, State: StateNegotiating, Call: s.snapshot()})
	}
	eng := s.engine
	gen := s.gen
	m.mu.Unlock()
	if err := eng.FeedSignal(data); err != nil {
		m.signalApplyFailed(gen, "answer", err)
	}
}

// HandleIceCandidate applies or buffers a trickled ICE candidate. Candidate
// failures degrade connectivity but never end a call by themselves.
func (m *Manager) HandleIceCandidate(senderConnID string, data json.RawMessage) {
	m.mu.Lock()
	s := m.sess
	if s == nil {
		m.mu.Unlock()
		return
	}
	if senderConnID != "" {
		s.peerConnID = senderConnID
	}
	if s.engine == nil {
		s.pendingCandidates = append(s.pendingCandidates, append(json.RawMessage(nil), data...))
		m.mu.Unlock()
		return
	}
	eng := s.engine
	m.mu.Unlock()
	if err := eng.FeedSignal(data); err != nil {
		log.Printf("CALL: apply candidate: %v", err)
	}
}

// HandleCallEnded reacts to the relay's call-ended push. A session id that
// does not match the live session is a late echo of an older call. A session
// that has not learned its own id yet cannot tell such an echo apart from a
// genuine end, so it drops the push rather than kill a call mid-setup.
func (m *Manager) HandleCallEnded(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.sess
	if s == nil || s.sessionID == "" || sessionID != s.sessionID {
		log.Printf("CALL: call-ended for %s ignored (not the live session)", sessionID)
		return
	}
	log.Printf("CALL: remote ended session %s", sessionID)
	outcome := OutcomeRemoteEnded
	if s.state() == StateRinging {
		outcome = OutcomeNoAnswer
	}
	m.teardownLocked(outcome)
}

// HandleRelayDown reacts to losing the relay connection. An active call
// keeps running: media flows peer to peer and the relay is only needed for
// further signaling. Anything earlier cannot complete and is torn down.
func (m *Manager) HandleRelayDown(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.sess
	if s == nil {
		return
	}
	if s.state() == StateActive {
		log.Printf("CALL: relay down during active call, continuing: %v", err)
		return
	}
	log.Printf("CALL: relay down in state %s, ending: %v", s.state(), err)
	m.emit(Event{Type: EventError, State: s.state(), Message: "signaling relay connection lost"})
	m.teardownLocked(OutcomeRelayLost)
}

// --- engine callbacks and timers ------------------------------------------

// setup builds the negotiation-engine configuration for the session started
// under gen. Every callback checks gen before touching manager state.
func (m *Manager) setup(gen uint64, initiator bool, media LocalMedia) NegotiatorSetup {
	return NegotiatorSetup{
		Initiator: initiator,
		Media:     media,
		OnSignal: func(kind string, payload []byte) {
			m.sendSignal(gen, kind, payload)
		},
		OnRemoteTrack: func(kind string) {
			m.handleRemoteTrack(gen, kind)
		},
		OnConnected: func() {
			m.handleConnected(gen)
		},
		OnClosed: func(err error) {
			m.handleEngineClosed(gen, err)
		},
	}
}

func (m *Manager) sendSignal(gen uint64, kind string, payload []byte) {
	m.mu.Lock()
	s := m.sess
	if s == nil || s.gen != gen {
		m.mu.Unlock()
		return
	}
	target, err := s.signalTarget()
	if err != nil {
		log.Printf("CALL: cannot route %s for session %s: %v", kind, s.sessionID, err)
		m.emit(Event{Type: EventError, State: s.state(), Message: "no signaling route to peer"})
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()
	if err := m.sig.Send(target, kind, payload); err != nil {
		// Lost candidates only narrow the ICE search; lost SDP is fatal
		// and surfaces as a connect timeout through the engine.
		log.Printf("CALL: send %s: %v", kind, err)
	}
}

func (m *Manager) handleConnected(gen uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.sess
	if s == nil || s.gen != gen {
		return
	}
	if err := s.fire(evConnect); err != nil {
		log.Printf("CALL: connected in state %s: %v", s.state(), err)
		return
	}
	s.connected = true
	s.connectedAt = time.Now()
	log.Printf("CALL: session %s connected", s.sessionID)
	m.emit(Event{Type: EventState, State: StateActive, Call: s.snapshot()})
}

func (m *Manager) handleRemoteTrack(gen uint64, kind string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.sess
	if s == nil || s.gen != gen {
		return
	}
	s.remoteMedia = true
	m.emit(Event{Type: EventRemoteMedia, State: s.state(), MediaKind: kind, Call: s.snapshot()})
}

func (m *Manager) handleEngineClosed(gen uint64, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.sess
	if s == nil || s.gen != gen {
		return
	}
	outcome := OutcomePeerClosed
	if err != nil {
		outcome = OutcomeFailed
		log.Printf("CALL: negotiation engine failed for session %s: %v", s.sessionID, err)
		m.emit(Event{Type: EventError, State: s.state(), Message: "peer connection failed"})
	} else {
		log.Printf("CALL: peer closed session %s", s.sessionID)
	}
	m.teardownLocked(outcome)
}

func (m *Manager) handleRingTimeout(gen uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.sess
	if s == nil || s.gen != gen {
		return
	}
	st := s.state()
	if st != StateOutgoing && st != StateRinging {
		return
	}
	log.Printf("CALL: session %s rang unanswered", s.sessionID)
	m.teardownLocked(OutcomeNoAnswer)
}

// signalApplyFailed tears down after the engine rejected an offer or answer;
// negotiation cannot recover from bad SDP.
func (m *Manager) signalApplyFailed(gen uint64, what string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.sess
	if s == nil || s.gen != gen {
		return
	}
	log.Printf("CALL: apply %s: %v", what, err)
	m.emit(Event{Type: EventError, State: s.state(), Message: fmt.Sprintf("applying remote %s failed", what)})
	m.teardownLocked(OutcomeFailed)
}

// --- setup plumbing --------------------------------------------------------

// resume re-enters the manager after a blocking setup step. On true the
// manager mutex is held and the session started under gen is live; the
// caller must unlock. On false the session is gone and the step must roll
// back whatever it acquired.
func (m *Manager) resume(gen uint64) (*session, bool) {
	m.mu.Lock()
	if m.sess == nil || m.sess.gen != gen {
		m.mu.Unlock()
		return nil, false
	}
	return m.sess, true
}

// abortSetup ends the session a failed setup step belongs to and returns
// the step's error. If the session already ended for another reason the
// step's partial work is moot and ErrCancelled is returned instead.
func (m *Manager) abortSetup(gen uint64, err error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.sess
	if s == nil || s.gen != gen {
		return ErrCancelled
	}
	log.Printf("CALL: setup failed for session %q: %v", s.sessionID, err)
	m.emit(Event{Type: EventError, State: s.state(), Message: err.Error()})
	m.teardownLocked(OutcomeFailed)
	return err
}

// endOrphanRecord finishes a call record created for a session that ended
// while the create was still in flight. Teardown never saw the session id,
// so the record must be ended here or the callee rings until their own
// timeout.
func (m *Manager) endOrphanRecord(sessionID string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), recordsTimeout)
		defer cancel()
		if err := m.rec.End(ctx, sessionID); err != nil {
			log.Printf("CALL: end orphaned record %s: %v", sessionID, err)
		}
	}()
}

// leaveOrphanRoom undoes a room join that completed after teardown had
// already left the room for the same session.
func (m *Manager) leaveOrphanRoom(token string) {
	if err := m.sig.LeaveRoom(token); err != nil {
		log.Printf("CALL: leave room after cancelled setup: %v", err)
	}
}

// applyTrackFlags pushes mute and video toggles flipped during setup onto a
// freshly installed engine. Caller holds m.mu and has just set s.engine.
func applyTrackFlags(s *session) {
	if s.muted {
		s.engine.SetAudioEnabled(false)
	}
	if s.videoOff {
		s.engine.SetVideoEnabled(false)
	}
}

// --- teardown ---------------------------------------------------------------

// teardownLocked releases everything the session holds, in a fixed order:
// local capture, then the negotiation engine, then remote-media state, then
// signaling routes, then best-effort bookkeeping, then the session slot
// itself. Caller holds m.mu. Safe against re-entry: once m.sess is nil every
// later path is a no-op.
func (m *Manager) teardownLocked(outcome string) {
	s := m.sess
	if s == nil {
		return
	}
	if err := s.fire(evEnd); err != nil {
		// A session torn down before its first transition (setup abort
		// mid-construction) has no legal end edge; proceed regardless.
		log.Printf("CALL: teardown from state %s: %v", s.state(), err)
	}
	s.stopRingTimer()

	if s.local != nil {
		s.local.Close()
		s.local = nil
	}
	if s.engine != nil {
		s.engine.Close()
		s.engine = nil
	}
	s.remoteMedia = false
	s.connected = false

	s.peerConnID = ""
	s.pendingOffer = nil
	s.pendingCandidates = nil
	if s.roomToken != "" {
		if err := m.sig.LeaveRoom(s.roomToken); err != nil {
			log.Printf("CALL: leave room: %v", err)
		}
		s.roomToken = ""
	}

	if s.sessionID != "" {
		sessionID := s.sessionID
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), recordsTimeout)
			defer cancel()
			if err := m.rec.End(ctx, sessionID); err != nil {
				log.Printf("CALL: end record %s: %v", sessionID, err)
			}
		}()
	}

	if m.history != nil {
		h := m.history
		entry := s.historyEntry(outcome, time.Now())
		go func() {
			if err := h.RecordCall(entry); err != nil {
				log.Printf("CALL: record history: %v", err)
			}
		}()
	}

	m.sess = nil
	log.Printf("CALL: session %q ended: %s", s.sessionID, outcome)
	m.emit(Event{Type: EventEnded, State: StateIdle, Outcome: outcome})
	m.emit(Event{Type: EventState, State: StateIdle})
}
