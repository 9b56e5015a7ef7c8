package hub

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// relayStub is a minimal in-process relay: it greets with a hello frame,
// records inbound frames and lets tests push frames to the client.
type relayStub struct {
	t        *testing.T
	upgrader websocket.Upgrader

	mu       sync.Mutex
	conn     *websocket.Conn
	received []frame

	gotAuth chan string
	frames  chan frame
}

func newRelayStub(t *testing.T) (*relayStub, string) {
	s := &relayStub{
		t:       t,
		gotAuth: make(chan string, 1),
		frames:  make(chan frame, 16),
	}
	srv := httptest.NewServer(http.HandlerFunc(s.handle))
	t.Cleanup(srv.Close)
	return s, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func (s *relayStub) handle(w http.ResponseWriter, r *http.Request) {
	select {
	case s.gotAuth <- r.Header.Get("Authorization"):
	default:
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()

	if err := conn.WriteJSON(frame{Type: FrameHello, ConnID: "conn-42"}); err != nil {
		return
	}
	for {
		var f frame
		if err := conn.ReadJSON(&f); err != nil {
			return
		}
		s.mu.Lock()
		s.received = append(s.received, f)
		s.mu.Unlock()
		s.frames <- f
	}
}

func (s *relayStub) push(t *testing.T, f frame) {
	t.Helper()
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	require.NotNil(t, conn)
	require.NoError(t, conn.WriteJSON(f))
}

func (s *relayStub) dropConn() {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

func (s *relayStub) nextFrame(t *testing.T) frame {
	t.Helper()
	select {
	case f := <-s.frames:
		return f
	case <-time.After(2 * time.Second):
		t.Fatal("relay stub received no frame")
		return frame{}
	}
}

func TestConnectHandshake(t *testing.T) {
	stub, url := newRelayStub(t)
	c := New(url, "tok-abc")
	defer c.Close()

	id, err := c.Connect(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "conn-42", id)
	assert.Equal(t, "conn-42", c.ConnID())

	select {
	case auth := <-stub.gotAuth:
		assert.Equal(t, "Bearer tok-abc", auth)
	case <-time.After(time.Second):
		t.Fatal("no handshake seen")
	}
}

func TestConnectIsIdempotent(t *testing.T) {
	_, url := newRelayStub(t)
	c := New(url, "")
	defer c.Close()

	id1, err := c.Connect(context.Background())
	require.NoError(t, err)
	id2, err := c.Connect(context.Background())
	require.NoError(t, err)
	assert.Equal(t, id1, id2)
}

func TestSendRequiresConnection(t *testing.T) {
	c := New("ws://127.0.0.1:1/ws", "")
	err := c.Send("room-1", KindOffer, json.RawMessage(`{}`))
	require.ErrorIs(t, err, ErrNotConnected)
	require.ErrorIs(t, c.JoinRoom("room-1"), ErrNotConnected)
}

func TestJoinLeaveAndSendFrames(t *testing.T) {
	stub, url := newRelayStub(t)
	c := New(url, "")
	defer c.Close()
	_, err := c.Connect(context.Background())
	require.NoError(t, err)

	require.NoError(t, c.JoinRoom("room-tok"))
	f := stub.nextFrame(t)
	assert.Equal(t, FrameJoin, f.Type)
	assert.Equal(t, "room-tok", f.Room)
	assert.NotEmpty(t, f.ID)

	require.NoError(t, c.Send("room-tok", KindOffer, json.RawMessage(`{"sdp":"x"}`)))
	f = stub.nextFrame(t)
	assert.Equal(t, KindOffer, f.Type)
	assert.Equal(t, "room-tok", f.Target)
	assert.JSONEq(t, `{"sdp":"x"}`, string(f.Payload))

	require.NoError(t, c.LeaveRoom("room-tok"))
	f = stub.nextFrame(t)
	assert.Equal(t, FrameLeave, f.Type)
}

func TestDispatchInbound(t *testing.T) {
	stub, url := newRelayStub(t)
	c := New(url, "")
	defer c.Close()

	type offerEv struct {
		from string
		data string
	}
	offers := make(chan offerEv, 1)
	incoming := make(chan IncomingCall, 1)
	ended := make(chan string, 1)

	c.SetHandlers(Handlers{
		IncomingCall: func(ev IncomingCall) { incoming <- ev },
		Offer:        func(from string, data json.RawMessage) { offers <- offerEv{from, string(data)} },
		CallEnded:    func(sessionID string) { ended <- sessionID },
	})

	_, err := c.Connect(context.Background())
	require.NoError(t, err)

	stub.push(t, frame{
		Type:       KindIncomingCall,
		SessionID:  "sess-1",
		Room:       "room-tok",
		CallerID:   "cy",
		CallerName: "Cy",
		From:       "conn-cy",
	})
	select {
	case ev := <-incoming:
		assert.Equal(t, "sess-1", ev.SessionID)
		assert.Equal(t, "room-tok", ev.RoomToken)
		assert.Equal(t, "conn-cy", ev.SenderConnID)
	case <-time.After(2 * time.Second):
		t.Fatal("incoming-call never dispatched")
	}

	stub.push(t, frame{Type: KindOffer, From: "conn-cy", Payload: json.RawMessage(`{"type":"offer"}`)})
	select {
	case ev := <-offers:
		assert.Equal(t, "conn-cy", ev.from)
		assert.JSONEq(t, `{"type":"offer"}`, ev.data)
	case <-time.After(2 * time.Second):
		t.Fatal("offer never dispatched")
	}

	stub.push(t, frame{Type: KindCallEnded, SessionID: "sess-1"})
	select {
	case id := <-ended:
		assert.Equal(t, "sess-1", id)
	case <-time.After(2 * time.Second):
		t.Fatal("call-ended never dispatched")
	}
}

func TestDownFiresOnConnectionLoss(t *testing.T) {
	stub, url := newRelayStub(t)
	c := New(url, "")

	down := make(chan error, 1)
	c.SetHandlers(Handlers{Down: func(err error) { down <- err }})

	_, err := c.Connect(context.Background())
	require.NoError(t, err)

	stub.dropConn()

	select {
	case err := <-down:
		require.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Down never fired")
	}
	assert.Empty(t, c.ConnID())
}
