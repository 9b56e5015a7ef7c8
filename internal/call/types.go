// Package call owns the call session state machine. It mediates between
// user intent (the UI routes), the signaling relay, and the peer negotiation
// engine, and is the only place call state lives.
//
// The package is deliberately standalone: it talks to the relay, the
// call-record service, media capture and the negotiation engine through the
// small interfaces below. The concrete types are adapted in internal/app,
// the only place that imports both sides.
package call

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// Signaling is the surface the call engine needs from the relay client.
type Signaling interface {
	// Connect is idempotent and returns this client's connection id.
	Connect(ctx context.Context) (string, error)
	JoinRoom(token string) error
	LeaveRoom(token string) error
	// Send routes a signaling payload to a room token or peer connection id.
	Send(target, kind string, payload json.RawMessage) error
}

// CreateResult is what the call-record service returns for a new call.
type CreateResult struct {
	SessionID    string
	RoomToken    string
	CalleeConnID string
	CalleeName   string
}

// Records is the surface the call engine needs from the call-record service.
type Records interface {
	Create(ctx context.Context, roomID, callerID, callerConnID string) (CreateResult, error)
	Accept(ctx context.Context, sessionID, roomToken, connID string) error
	Reject(ctx context.Context, sessionID, roomToken string) error
	End(ctx context.Context, sessionID string) error
}

// LocalMedia is an owned capture handle. The session holds exactly one from
// acquisition until teardown, where it is closed exactly once.
type LocalMedia interface {
	HasAudio() bool
	HasVideo() bool
	Close()
}

// CaptureFunc acquires camera/microphone. It blocks and may fail (permission
// denied, no devices); failure aborts the attempted transition.
type CaptureFunc func(ctx context.Context) (LocalMedia, error)

// Negotiator is one peer negotiation engine instance.
type Negotiator interface {
	// Start kicks off negotiation (emits the offer on an initiator).
	Start() error
	// FeedSignal applies an inbound offer, answer or ICE candidate.
	FeedSignal(data []byte) error
	SetAudioEnabled(on bool)
	SetVideoEnabled(on bool)
	// Close destroys the engine without firing its closed callback.
	Close()
}

// NegotiatorSetup carries everything a factory needs to build a Negotiator.
type NegotiatorSetup struct {
	Initiator bool
	Media     LocalMedia

	OnSignal      func(kind string, payload []byte)
	OnRemoteTrack func(kind string)
	OnConnected   func()
	OnClosed      func(err error)
}

// NegotiatorFactory builds negotiation engines. Swapped for a fake in tests.
type NegotiatorFactory func(setup NegotiatorSetup) (Negotiator, error)

// HistoryEntry is one finished call, handed to the optional history sink.
type HistoryEntry struct {
	SessionID   string
	PeerID      string
	PeerName    string
	Direction   string // "outgoing" | "incoming"
	Outcome     string
	StartedAt   time.Time
	ConnectedAt time.Time
	EndedAt     time.Time
	Duration    time.Duration
}

// History persists finished calls. Failures are logged, never blocking.
type History interface {
	RecordCall(e HistoryEntry) error
}

// PeerInfo identifies who is being called and in which conversation room.
type PeerInfo struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
	RoomID      string `json:"room_id"`
}

// IncomingCall is the relay's notification that a peer is calling us.
type IncomingCall struct {
	SessionID    string
	RoomToken    string
	CallerID     string
	CallerName   string
	SenderConnID string
}

// Call outcomes recorded in history and reported to the UI.
const (
	OutcomeCompleted   = "completed"
	OutcomeRejected    = "rejected"
	OutcomeNoAnswer    = "no-answer"
	OutcomeRemoteEnded = "remote-ended"
	OutcomePeerClosed  = "peer-closed"
	OutcomeFailed      = "failed"
	OutcomeRelayLost   = "relay-lost"
)

var (
	// ErrBusy: a call is already active or pending. Calls are rejected,
	// not queued.
	ErrBusy = errors.New("call: another call is already in progress")

	// ErrBadState: the operation is not valid in the current state.
	ErrBadState = errors.New("call: operation not valid in current state")

	// ErrCancelled: the session ended while an async setup step was in
	// flight; the operation's partial work has been rolled back.
	ErrCancelled = errors.New("call: session ended during setup")

	// ErrNoRoute: neither a room token nor a peer connection id is known,
	// so an outbound signaling message cannot be addressed.
	ErrNoRoute = errors.New("call: no signaling route to peer")
)
