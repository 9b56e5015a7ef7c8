// Package viewer is the localhost HTTP surface the browser UI talks to:
// call control, the session event stream, remote media, history and logs.
package viewer

import (
	"net/http"

	"github.com/pitchroom/callengine/internal/call"
	"github.com/pitchroom/callengine/internal/storage"
	"github.com/pitchroom/callengine/internal/viewer/routes"
)

type Viewer struct {
	Call    *call.Manager
	Media   *routes.MediaFanout
	History *storage.DB

	SelfID   string
	SelfName string

	CfgPath string
	Cfg     any
	Logs    *LogBuffer

	Version string
}

// Start serves the API on addr until the listener fails. addr should be a
// loopback address; this process has no auth story for anything else.
func Start(addr string, v Viewer) error {
	mux := http.NewServeMux()

	routes.Register(mux, routes.Deps{
		Call:     v.Call,
		Media:    v.Media,
		History:  v.History,
		SelfID:   v.SelfID,
		SelfName: v.SelfName,
		CfgPath:  v.CfgPath,
		Cfg:      v.Cfg,
		Logs:     v.Logs,
		Version:  v.Version,
	})

	return http.ListenAndServe(addr, noCache(mux))
}

// noCache keeps the browser from caching API responses; state changes every
// request and stale snapshots confuse the UI.
func noCache(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "no-store")
		next.ServeHTTP(w, r)
	})
}
