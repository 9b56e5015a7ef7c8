// Package app assembles the daemon: it owns the wiring between the relay
// client, the call-record client, media capture, the negotiation engine and
// the viewer, and the small adapters that keep internal/call free of
// concrete dependencies.
package app

import (
	"context"
	"io"
	"log"
	"os"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/pitchroom/callengine/internal/call"
	"github.com/pitchroom/callengine/internal/config"
	"github.com/pitchroom/callengine/internal/hub"
	"github.com/pitchroom/callengine/internal/media"
	"github.com/pitchroom/callengine/internal/peer"
	"github.com/pitchroom/callengine/internal/records"
	"github.com/pitchroom/callengine/internal/storage"
	"github.com/pitchroom/callengine/internal/viewer"
	"github.com/pitchroom/callengine/internal/viewer/routes"
)

type Options struct {
	CfgPath string
	Cfg     config.Config
	Version string
}

// Run starts the daemon and blocks until ctx is cancelled or the API
// listener fails.
func Run(ctx context.Context, opt Options) error {
	logBuf := viewer.NewLogBuffer(800)
	log.SetOutput(io.MultiWriter(os.Stderr, logBuf))

	cfg := opt.Cfg
	log.Printf("APP: callengine %s starting", opt.Version)
	log.Printf("APP: relay %s, records %s", cfg.Relay.URL, cfg.Records.URL)

	// Call history is optional: a broken disk should not block calling.
	var db *storage.DB
	if cfg.Storage.Dir != "" {
		var err error
		db, err = storage.Open(cfg.Storage.Dir)
		if err != nil {
			log.Printf("APP: call history disabled: %v", err)
			db = nil
		} else {
			defer db.Close()
		}
	}

	relay := hub.New(cfg.Relay.URL, cfg.Relay.AuthToken)
	recs := records.New(cfg.Records.URL, cfg.Records.AuthToken)
	fanout := routes.NewMediaFanout()

	ice := &iceHolder{servers: iceServers(cfg.ICE)}

	mgr := call.NewManager(
		relay,
		recordsAdapter{recs},
		captureFunc(cfg.Media),
		negotiatorFactory(ice, fanout),
		call.Options{
			SelfID:      cfg.Self.UserID,
			SelfName:    cfg.Self.DisplayName,
			RingTimeout: cfg.RingTimeout(),
		},
	)
	if db != nil {
		mgr.SetHistory(historyAdapter{db})
	}

	relay.SetHandlers(hub.Handlers{
		IncomingCall: func(ev hub.IncomingCall) {
			mgr.HandleIncomingCall(call.IncomingCall{
				SessionID:    ev.SessionID,
				RoomToken:    ev.RoomToken,
				CallerID:     ev.CallerID,
				CallerName:   ev.CallerName,
				SenderConnID: ev.SenderConnID,
			})
		},
		Offer:        mgr.HandleOffer,
		Answer:       mgr.HandleAnswer,
		IceCandidate: mgr.HandleIceCandidate,
		CallEnded:    mgr.HandleCallEnded,
		Down: func(err error) {
			mgr.HandleRelayDown(err)
			go reconnectRelay(ctx, relay)
		},
	})

	// First connect, with retries: the relay may come up after us.
	go reconnectRelay(ctx, relay)

	// Config edits take effect without a restart where that is safe.
	go func() {
		if err := config.Watch(ctx, opt.CfgPath, func(c config.Config) {
			log.Printf("APP: config reloaded from %s", opt.CfgPath)
			mgr.SetRingTimeout(c.RingTimeout())
			// New ICE servers apply to the next call's engine.
			ice.set(iceServers(c.ICE))
		}); err != nil {
			log.Printf("APP: config watch: %v", err)
		}
	}()

	addr := cfg.APIAddr()
	errCh := make(chan error, 1)
	go func() {
		errCh <- viewer.Start(addr, viewer.Viewer{
			Call:     mgr,
			Media:    fanout,
			History:  db,
			SelfID:   cfg.Self.UserID,
			SelfName: cfg.Self.DisplayName,
			CfgPath:  opt.CfgPath,
			Cfg:      cfg,
			Logs:     logBuf,
			Version:  opt.Version,
		})
	}()
	log.Printf("APP: API listening on http://%s", addr)

	select {
	case <-ctx.Done():
		log.Printf("APP: shutting down")
		_ = mgr.EndCall()
		relay.Close()
		return nil
	case err := <-errCh:
		return err
	}
}

// reconnectRelay dials the relay until it sticks or ctx ends. Backoff is
// capped; the relay being down for a while is normal during deploys.
func reconnectRelay(ctx context.Context, relay *hub.Client) {
	backoff := time.Second
	for {
		_, err := relay.Connect(ctx)
		if err == nil {
			return
		}
		log.Printf("APP: relay connect: %v (retry in %s)", err, backoff)
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		if backoff < 30*time.Second {
			backoff *= 2
		}
	}
}

// iceHolder lets config reloads swap the ICE server list without tearing
// down anything; engines read it at construction time.
type iceHolder struct {
	mu      sync.Mutex
	servers []webrtc.ICEServer
}

func (h *iceHolder) set(s []webrtc.ICEServer) {
	h.mu.Lock()
	h.servers = s
	h.mu.Unlock()
}

func (h *iceHolder) get() []webrtc.ICEServer {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.servers
}

func iceServers(ice config.ICE) []webrtc.ICEServer {
	out := make([]webrtc.ICEServer, 0, len(ice.Servers))
	for _, s := range ice.Servers {
		srv := webrtc.ICEServer{URLs: s.URLs}
		if s.Username != "" {
			srv.Username = s.Username
			srv.Credential = s.Credential
		}
		out = append(out, srv)
	}
	return out
}

// captureFunc adapts the platform capture entry point to the call engine.
func captureFunc(m config.Media) call.CaptureFunc {
	return func(ctx context.Context) (call.LocalMedia, error) {
		stream, err := media.Capture(media.Options{
			MaxWidth:      m.MaxWidth,
			MaxHeight:     m.MaxHeight,
			VideoDisabled: m.VideoDisabled,
		})
		if err != nil {
			return nil, err
		}
		return stream, nil
	}
}

// negotiatorFactory builds WebRTC engines for the call manager.
func negotiatorFactory(ice *iceHolder, sink peer.SampleSink) call.NegotiatorFactory {
	return func(setup call.NegotiatorSetup) (call.Negotiator, error) {
		stream, _ := setup.Media.(*media.Stream)
		return peer.New(peer.Config{
			Initiator:     setup.Initiator,
			ICEServers:    ice.get(),
			Stream:        stream,
			OnSignal:      setup.OnSignal,
			OnRemoteTrack: setup.OnRemoteTrack,
			OnConnected:   setup.OnConnected,
			OnClosed:      setup.OnClosed,
			Sink:          sink,
		})
	}
}

// recordsAdapter narrows the REST client to the surface the engine needs.
type recordsAdapter struct {
	c *records.Client
}

func (a recordsAdapter) Create(ctx context.Context, roomID, callerID, callerConnID string) (call.CreateResult, error) {
	res, err := a.c.Create(ctx, roomID, callerID, callerConnID)
	if err != nil {
		return call.CreateResult{}, err
	}
	return call.CreateResult{
		SessionID:    res.SessionID,
		RoomToken:    res.RoomToken,
		CalleeConnID: res.CalleeConnID,
		CalleeName:   res.Callee.DisplayName,
	}, nil
}

func (a recordsAdapter) Accept(ctx context.Context, sessionID, roomToken, connID string) error {
	return a.c.Accept(ctx, sessionID, roomToken, connID)
}

func (a recordsAdapter) Reject(ctx context.Context, sessionID, roomToken string) error {
	return a.c.Reject(ctx, sessionID, roomToken)
}

func (a recordsAdapter) End(ctx context.Context, sessionID string) error {
	return a.c.End(ctx, sessionID)
}

type historyAdapter struct {
	db *storage.DB
}

func (a historyAdapter) RecordCall(e call.HistoryEntry) error {
	return a.db.RecordCall(storage.CallEntry{
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
