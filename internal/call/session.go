package call

import (
	"encoding/json"
	"time"

	"github.com/looplab/fsm"
)

// Role of the local side in a session. Immutable once set; it decides the
// negotiation engine's initiator flag.
type Role string

const (
	RoleCaller Role = "caller"
	RoleCallee Role = "callee"
)

// session is the aggregate for one call engagement. The manager owns at most
// one; all fields are guarded by the manager's mutex.
type session struct {
	machine *fsm.FSM

	// gen distinguishes this session from its successors. Async callbacks
	// and resumed setup steps carry the gen they were started under and
	// are discarded when it no longer matches.
	gen uint64

	role Role

	sessionID string // from the call-record service
	roomToken string // relay routing token; preferred signaling target
	// peerConnID is the remote relay connection id. Fallback target only:
	// it goes stale when the remote side reconnects to the relay.
	peerConnID string

	peerID   string
	peerName string
	roomID   string

	local  LocalMedia
	engine Negotiator

	// pendingOffer buffers the one offer that may arrive before the
	// negotiation engine exists (push delivery races local construction).
	// Last write wins; losing an earlier offer is logged, not fatal.
	pendingOffer json.RawMessage
	// pendingCandidates buffers candidates trickled in during the same
	// window; drained right after the buffered offer.
	pendingCandidates []json.RawMessage

	muted       bool
	videoOff    bool
	connected   bool
	remoteMedia bool

	startedAt   time.Time
	connectedAt time.Time

	ringTimer *time.Timer
}

func newSession(gen uint64, role Role) *session {
	return &session{
		machine:   newCallFSM(),
		gen:       gen,
		role:      role,
		startedAt: time.Now(),
	}
}

func (s *session) state() State {
	return State(s.machine.Current())
}

func (s *session) fire(event string) error {
	return fireEvent(s.machine, event)
}

// signalTarget resolves where outbound signaling goes: the room token when
// known (it survives relay reconnects), the peer connection id otherwise.
func (s *session) signalTarget() (string, error) {
	if s.roomToken != "" {
		return s.roomToken, nil
	}
	if s.peerConnID != "" {
		return s.peerConnID, nil
	}
	return "", ErrNoRoute
}

func (s *session) stopRingTimer() {
	if s.ringTimer != nil {
		s.ringTimer.Stop()
		s.ringTimer = nil
	}
}

// Snapshot is the UI-facing view of a session.
type Snapshot struct {
	SessionID     string    `json:"session_id,omitempty"`
	State         State     `json:"state"`
	Role          Role      `json:"role"`
	PeerID        string    `json:"peer_id"`
	PeerName      string    `json:"peer_name,omitempty"`
	Muted         bool      `json:"muted"`
	VideoDisabled bool      `json:"video_disabled"`
	Connected     bool      `json:"connected"`
	RemoteMedia   bool      `json:"remote_media"`
	StartedAt     time.Time `json:"started_at"`
}

func (s *session) snapshot() *Snapshot {
	return &Snapshot{
		SessionID:     s.sessionID,
		State:         s.state(),
		Role:          s.role,
		PeerID:        s.peerID,
		PeerName:      s.peerName,
		Muted:         s.muted,
		VideoDisabled: s.videoOff,
		Connected:     s.connected,
		RemoteMedia:   s.remoteMedia,
		StartedAt:     s.startedAt,
	}
}

// historyEntry builds the history row for this session at teardown time.
func (s *session) historyEntry(outcome string, endedAt time.Time) HistoryEntry {
	direction := "outgoing"
	if s.role == RoleCallee {
		direction = "incoming"
	}
	var dur time.Duration
	if !s.connectedAt.IsZero() {
		dur = endedAt.Sub(s.connectedAt)
	}
	return HistoryEntry{
		SessionID:   s.sessionID,
		PeerID:      s.peerID,
		PeerName:    s.peerName,
		Direction:   direction,
		Outcome:     outcome,
		StartedAt:   s.startedAt,
		ConnectedAt: s.connectedAt,
		EndedAt:     endedAt,
		Duration:    dur,
	}
}
