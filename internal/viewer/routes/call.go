package routes

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/pitchroom/callengine/internal/call"
)

// registerCallRoutes wires the call engine to the browser UI.
func registerCallRoutes(mux *http.ServeMux, d Deps) {
	mgr := d.Call
	if mgr == nil {
		return
	}

	// POST /api/call/start
	handlePost(mux, "/api/call/start", func(w http.ResponseWriter, r *http.Request, req call.PeerInfo) {
		if req.UserID == "" || req.RoomID == "" {
			http.Error(w, "missing user_id or room_id", http.StatusBadRequest)
			return
		}
		if err := mgr.StartCall(r.Context(), req); err != nil {
			callError(w, "start call", err)
			return
		}
		writeJSON(w, map[string]string{"status": "dialing"})
	})

	// POST /api/call/answer
	handlePost(mux, "/api/call/answer", func(w http.ResponseWriter, r *http.Request, _ struct{}) {
		if err := mgr.AnswerCall(r.Context()); err != nil {
			callError(w, "answer call", err)
			return
		}
		writeJSON(w, map[string]string{"status": "answered"})
	})

	// POST /api/call/reject
	handlePost(mux, "/api/call/reject", func(w http.ResponseWriter, r *http.Request, _ struct{}) {
		if err := mgr.RejectCall(); err != nil {
			callError(w, "reject call", err)
			return
		}
		writeJSON(w, map[string]string{"status": "rejected"})
	})

	// POST /api/call/end — always succeeds, even with nothing to end.
	handlePost(mux, "/api/call/end", func(w http.ResponseWriter, r *http.Request, _ struct{}) {
		if err := mgr.EndCall(); err != nil {
			callError(w, "end call", err)
			return
		}
		writeJSON(w, map[string]string{"status": "ended"})
	})

	// POST /api/call/toggle-audio
	handlePost(mux, "/api/call/toggle-audio", func(w http.ResponseWriter, r *http.Request, _ struct{}) {
		muted, err := mgr.ToggleMute()
		if err != nil {
			callError(w, "toggle audio", err)
			return
		}
		writeJSON(w, map[string]bool{"muted": muted})
	})

	// POST /api/call/toggle-video
	handlePost(mux, "/api/call/toggle-video", func(w http.ResponseWriter, r *http.Request, _ struct{}) {
		disabled, err := mgr.ToggleVideo()
		if err != nil {
			callError(w, "toggle video", err)
			return
		}
		writeJSON(w, map[string]bool{"disabled": disabled})
	})

	// GET /api/call/state
	handleGet(mux, "/api/call/state", func(w http.ResponseWriter, r *http.Request) {
		snap := mgr.Snapshot()
		if snap == nil {
			writeJSON(w, map[string]any{"state": call.StateIdle})
			return
		}
		writeJSON(w, snap)
	})

	// GET /api/call/history?n=50
	handleGet(mux, "/api/call/history", func(w http.ResponseWriter, r *http.Request) {
		if d.History == nil {
			writeJSON(w, []struct{}{})
			return
		}
		n := atoiOrNeg(r.URL.Query().Get("n"))
		if n <= 0 {
			n = 50
		}
		entries, err := d.History.RecentCalls(n)
		if err != nil {
			http.Error(w, fmt.Sprintf("load history: %v", err), http.StatusInternalServerError)
			return
		}
		writeJSON(w, entries)
	})

	// GET /api/call/events — SSE stream of session events. Each connection
	// gets its own subscription, dropped on disconnect.
	handleGet(mux, "/api/call/events", func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming not supported", http.StatusInternalServerError)
			return
		}
		sseHeaders(w)

		ch, cancel := mgr.Subscribe()
		defer cancel()

		fmt.Fprintf(w, "event: connected\ndata: {\"status\":\"ok\"}\n\n")
		flusher.Flush()

		for {
			select {
			case <-r.Context().Done():
				return
			case ev, ok := <-ch:
				if !ok {
					return
				}
				data, err := json.Marshal(ev)
				if err != nil {
					continue
				}
				fmt.Fprintf(w, "event: call\ndata: %s\n\n", data)
				flusher.Flush()
			}
		}
	})
}

// callError maps engine errors onto HTTP statuses: state conflicts are the
// client's race to lose, everything else is on us.
func callError(w http.ResponseWriter, what string, err error) {
	status := http.StatusInternalServerError
	if errors.Is(err, call.ErrBusy) || errors.Is(err, call.ErrBadState) {
		status = http.StatusConflict
	}
	http.Error(w, fmt.Sprintf("%s failed: %v", what, err), status)
}
