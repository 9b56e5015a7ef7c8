package routes

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pitchroom/callengine/internal/call"
	"github.com/pitchroom/callengine/internal/storage"
)

type stubSignaling struct{}

func (stubSignaling) Connect(ctx context.Context) (string, error)          { return "conn-1", nil }
func (stubSignaling) JoinRoom(token string) error                          { return nil }
func (stubSignaling) LeaveRoom(token string) error                         { return nil }
func (stubSignaling) Send(target, kind string, p json.RawMessage) error    { return nil }

type stubRecords struct{}

func (stubRecords) Create(ctx context.Context, roomID, callerID, callerConnID string) (call.CreateResult, error) {
	return call.CreateResult{SessionID: "sess-1", RoomToken: "tok-1"}, nil
}
func (stubRecords) Accept(ctx context.Context, sessionID, roomToken, connID string) error { return nil }
func (stubRecords) Reject(ctx context.Context, sessionID, roomToken string) error         { return nil }
func (stubRecords) End(ctx context.Context, sessionID string) error                       { return nil }

type stubMedia struct{}

func (stubMedia) HasAudio() bool { return true }
func (stubMedia) HasVideo() bool { return true }
func (stubMedia) Close()         {}

type stubNegotiator struct{}

func (stubNegotiator) Start() error                { return nil }
func (stubNegotiator) FeedSignal(data []byte) error { return nil }
func (stubNegotiator) SetAudioEnabled(on bool)     {}
func (stubNegotiator) SetVideoEnabled(on bool)     {}
func (stubNegotiator) Close()                      {}

type historySink struct{ db *storage.DB }

func (h historySink) RecordCall(e call.HistoryEntry) error {
	return h.db.RecordCall(storage.CallEntry{
		SessionID:   e.SessionID,
		PeerID:      e.PeerID,
		PeerName:    e.PeerName,
		Direction:   e.Direction,
		Outcome:     e.Outcome,
		StartedAt:   e.StartedAt,
		ConnectedAt: e.ConnectedAt,
		EndedAt:     e.EndedAt,
		DurationMS:  e.Duration.Milliseconds(),
	})
}

func newTestServer(t *testing.T) (*httptest.Server, *call.Manager) {
	t.Helper()
	mgr := call.NewManager(
		stubSignaling{},
		stubRecords{},
		func(ctx context.Context) (call.LocalMedia, error) { return stubMedia{}, nil },
		func(setup call.NegotiatorSetup) (call.Negotiator, error) { return stubNegotiator{}, nil },
		call.Options{SelfID: "me", RingTimeout: time.Minute},
	)

	db, err := storage.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	mgr.SetHistory(historySink{db})

	mux := http.NewServeMux()
	Register(mux, Deps{
		Call:     mgr,
		History:  db,
		SelfID:   "me",
		SelfName: "Al",
		Version:  "test",
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, mgr
}

func postJSON(t *testing.T, url, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestStartEndpoint(t *testing.T) {
	srv, mgr := newTestServer(t)

	resp := postJSON(t, srv.URL+"/api/call/start", `{"user_id":"bo","room_id":"room-9"}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, call.StateOutgoing, mgr.State())
}

func TestStartEndpointValidatesBody(t *testing.T) {
	srv, _ := newTestServer(t)
	resp := postJSON(t, srv.URL+"/api/call/start", `{"user_id":"bo"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestBusyMapsToConflict(t *testing.T) {
	srv, _ := newTestServer(t)
	postJSON(t, srv.URL+"/api/call/start", `{"user_id":"bo","room_id":"room-9"}`)

	resp := postJSON(t, srv.URL+"/api/call/start", `{"user_id":"cy","room_id":"room-2"}`)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestAnswerWithoutRingingIsConflict(t *testing.T) {
	srv, _ := newTestServer(t)
	resp := postJSON(t, srv.URL+"/api/call/answer", ``)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestEndIsAlwaysOK(t *testing.T) {
	srv, _ := newTestServer(t)
	resp := postJSON(t, srv.URL+"/api/call/end", ``)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestMethodGuard(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, err := http.Get(srv.URL + "/api/call/start")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestStateEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, err := http.Get(srv.URL + "/api/call/state")
	require.NoError(t, err)
	defer resp.Body.Close()

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "idle", body["state"])

	postJSON(t, srv.URL+"/api/call/start", `{"user_id":"bo","room_id":"room-9"}`)

	resp2, err := http.Get(srv.URL + "/api/call/state")
	require.NoError(t, err)
	defer resp2.Body.Close()
	var snap call.Snapshot
	require.NoError(t, json.NewDecoder(resp2.Body).Decode(&snap))
	assert.Equal(t, call.StateOutgoing, snap.State)
	assert.Equal(t, "bo", snap.PeerID)
}

func TestHistoryEndpoint(t *testing.T) {
	srv, mgr := newTestServer(t)

	// Completing a call lands a row in history.
	postJSON(t, srv.URL+"/api/call/start", `{"user_id":"bo","room_id":"room-9"}`)
	require.NoError(t, mgr.EndCall())

	var entries []storage.CallEntry
	require.Eventually(t, func() bool {
		resp, err := http.Get(srv.URL + "/api/call/history?n=5")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		entries = nil
		if json.NewDecoder(resp.Body).Decode(&entries) != nil {
			return false
		}
		return len(entries) == 1
	}, 2*time.Second, 20*time.Millisecond)

	assert.Equal(t, "sess-1", entries[0].SessionID)
	assert.Equal(t, "outgoing", entries[0].Direction)
}

func TestSelfEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, err := http.Get(srv.URL + "/api/self")
	require.NoError(t, err)
	defer resp.Body.Close()

	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "me", body["user_id"])
	assert.Equal(t, "test", body["version"])
}
