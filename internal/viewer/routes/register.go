package routes

import (
	"net/http"

	"github.com/pitchroom/callengine/internal/call"
	"github.com/pitchroom/callengine/internal/storage"
)

// Logs is the slice of the log buffer the routes need. An interface here
// avoids importing the parent package.
type Logs interface {
	ServeLogsJSON(w http.ResponseWriter, r *http.Request)
	ServeLogsSSE(w http.ResponseWriter, r *http.Request)
}

type Deps struct {
	Call    *call.Manager
	Media   *MediaFanout
	History *storage.DB

	SelfID   string
	SelfName string

	CfgPath string
	Cfg     any // Config value for GET /api/config; avoids an import cycle
	Logs    Logs

	Version string
}

func Register(mux *http.ServeMux, d Deps) {
	registerStatusRoutes(mux, d)
	registerCallRoutes(mux, d)
	registerMediaRoutes(mux, d)
	registerAPILogRoutes(mux, d)
}

func registerStatusRoutes(mux *http.ServeMux, d Deps) {
	handleGet(mux, "/api/self", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]string{
			"user_id":      d.SelfID,
			"display_name": d.SelfName,
			"version":      d.Version,
		})
	})

	// Config carries relay and record-service tokens; never serve it to a
	// forwarded or proxied request.
	handleGet(mux, "/api/config", func(w http.ResponseWriter, r *http.Request) {
		if !isLocalRequest(r) {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		writeJSON(w, map[string]any{
			"path":   d.CfgPath,
			"config": d.Cfg,
		})
	})
}

func registerAPILogRoutes(mux *http.ServeMux, d Deps) {
	if d.Logs == nil {
		return
	}
	mux.HandleFunc("/api/logs", d.Logs.ServeLogsJSON)
	mux.HandleFunc("/api/logs/stream", d.Logs.ServeLogsSSE)
}
