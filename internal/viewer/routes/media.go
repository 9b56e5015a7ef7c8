package routes

import (
	"log"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/pion/rtp"
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 65536,
	// The viewer only listens on loopback; origin checks add nothing here.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Binary frame prefixes on the media websocket.
const (
	mediaKindAudio byte = 'a'
	mediaKindVideo byte = 'v'
)

// MediaFanout forwards remote RTP packets to browser websocket subscribers.
// It is the sink the negotiation engine's remote pump writes into; frames
// are [kind byte | serialized RTP packet]. Slow subscribers lose packets.
type MediaFanout struct {
	mu   sync.Mutex
	subs map[chan []byte]struct{}
}

func NewMediaFanout() *MediaFanout {
	return &MediaFanout{subs: make(map[chan []byte]struct{})}
}

// WriteRTP implements the engine's sample sink.
func (f *MediaFanout) WriteRTP(kind string, pkt *rtp.Packet) {
	f.mu.Lock()
	if len(f.subs) == 0 {
		f.mu.Unlock()
		return
	}
	f.mu.Unlock()

	prefix := mediaKindAudio
	if kind == "video" {
		prefix = mediaKindVideo
	}
	payload, err := pkt.Marshal()
	if err != nil {
		return
	}
	frame := make([]byte, 0, len(payload)+1)
	frame = append(frame, prefix)
	frame = append(frame, payload...)

	f.mu.Lock()
	for ch := range f.subs {
		select {
		case ch <- frame:
		default:
		}
	}
	f.mu.Unlock()
}

func (f *MediaFanout) subscribe() (ch chan []byte, cancel func()) {
	ch = make(chan []byte, 256)
	f.mu.Lock()
	f.subs[ch] = struct{}{}
	f.mu.Unlock()
	cancel = func() {
		f.mu.Lock()
		if _, ok := f.subs[ch]; ok {
			delete(f.subs, ch)
			close(ch)
		}
		f.mu.Unlock()
	}
	return ch, cancel
}

// registerMediaRoutes wires GET /api/call/media, the websocket the browser
// reads remote RTP from.
func registerMediaRoutes(mux *http.ServeMux, d Deps) {
	if d.Media == nil {
		return
	}
	mux.HandleFunc("/api/call/media", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		conn, err := wsUpgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Printf("MEDIA: websocket upgrade: %v", err)
			return
		}
		defer conn.Close()
		log.Printf("MEDIA: websocket subscriber connected")

		ch, cancel := d.Media.subscribe()
		defer cancel()

		// Drain control frames so pings are answered.
		go func() {
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()

		for {
			select {
			case <-r.Context().Done():
				return
			case frame, ok := <-ch:
				if !ok {
					return
				}
				if err := conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
					log.Printf("MEDIA: websocket subscriber gone: %v", err)
					return
				}
			}
		}
	})
}
