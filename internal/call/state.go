package call

import (
	"context"
	"fmt"

	"github.com/looplab/fsm"
)

// State is the call session lifecycle state.
type State string

const (
	StateIdle        State = "idle"
	StateOutgoing    State = "outgoing"
	StateRinging     State = "ringing" // incoming call, not yet answered
	StateNegotiating State = "negotiating"
	StateActive      State = "active"
	StateEnding      State = "ending"
)

// Session events. The transition table is the single source of truth for
// which state changes are legal; everything else in the manager is guards
// and side effects.
const (
	evDial     = "dial"            // user starts an outgoing call
	evRing     = "ring"            // relay announces an incoming call
	evAnswered = "remote-answered" // callee's answer arrived
	evAccept   = "accept"          // user answers the incoming call
	evConnect  = "connected"       // negotiation engine is connected
	evEnd      = "end"             // any path to teardown
)

// newCallFSM builds the per-session state machine. Sessions are born either
// dialing out or ringing, so the machine starts at Idle and the first event
// is fired immediately by the session constructor.
func newCallFSM() *fsm.FSM {
	return fsm.NewFSM(
		string(StateIdle),
		fsm.Events{
			{Name: evDial, Src: []string{string(StateIdle)}, Dst: string(StateOutgoing)},
			{Name: evRing, Src: []string{string(StateIdle)}, Dst: string(StateRinging)},
			{Name: evAnswered, Src: []string{string(StateOutgoing)}, Dst: string(StateNegotiating)},
			{Name: evAccept, Src: []string{string(StateRinging)}, Dst: string(StateNegotiating)},
			{Name: evConnect, Src: []string{string(StateNegotiating)}, Dst: string(StateActive)},
			{Name: evEnd, Src: []string{
				string(StateOutgoing),
				string(StateRinging),
				string(StateNegotiating),
				string(StateActive),
			}, Dst: string(StateEnding)},
		},
		fsm.Callbacks{},
	)
}

// fireEvent applies an event to the machine, mapping illegal transitions to
// ErrBadState.
func fireEvent(m *fsm.FSM, event string) error {
	if err := m.Event(context.Background(), event); err != nil {
		return fmt.Errorf("%w: %s in state %s (%v)", ErrBadState, event, m.Current(), err)
	}
	return nil
}
