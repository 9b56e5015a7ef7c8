// Package hub is the websocket client for the signaling relay. The relay is a
// push hub: it delivers named events to a process-wide connection and routes
// outbound payloads either to a room (all other members) or to a specific
// peer connection id.
package hub

import "encoding/json"

// Frame type / event kind constants on the relay wire.
const (
	// client → relay
	FrameJoin  = "join"
	FrameLeave = "leave"

	// relay → client
	FrameHello = "hello"

	// bidirectional signaling payloads
	KindOffer        = "offer"
	KindAnswer       = "answer"
	KindIceCandidate = "ice-candidate"

	// relay → client notifications
	KindIncomingCall = "incoming-call"
	KindCallEnded    = "call-ended"
)

// frame is one JSON message on the relay websocket.
type frame struct {
	Type string `json:"type"`
	ID   string `json:"id,omitempty"`

	// Routing. Target is a room token or a peer connection id; the relay
	// resolves whichever it recognises. From carries the sender's
	// connection id on delivery.
	Room   string `json:"room,omitempty"`
	Target string `json:"target,omitempty"`
	From   string `json:"from,omitempty"`

	// hello
	ConnID string `json:"conn_id,omitempty"`

	// incoming-call / call-ended
	SessionID  string `json:"session_id,omitempty"`
	CallerID   string `json:"caller_id,omitempty"`
	CallerName string `json:"caller_name,omitempty"`

	Payload json.RawMessage `json:"payload,omitempty"`
}

// IncomingCall is the relay's notification that someone is calling us.
type IncomingCall struct {
	SessionID  string
	RoomToken  string
	CallerID   string
	CallerName string
	// SenderConnID is the caller's relay connection id, usable as a direct
	// signaling target until the caller reconnects.
	SenderConnID string
}

// Handlers receives inbound relay events. Register once via SetHandlers;
// nil fields ignore that event kind.
type Handlers struct {
	IncomingCall func(ev IncomingCall)
	Offer        func(senderConnID string, data json.RawMessage)
	Answer       func(senderConnID string, data json.RawMessage)
	IceCandidate func(senderConnID string, data json.RawMessage)
	CallEnded    func(sessionID string)

	// Down fires when the relay connection is lost. A later Connect dials anew.
	Down func(err error)
}
