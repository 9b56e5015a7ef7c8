package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/pitchroom/callengine/internal/util"
)

// ErrNotConnected is returned by Send and room operations before Connect.
var ErrNotConnected = errors.New("hub: not connected")

// Client is the process-wide connection to the signaling relay.
//
// The connection is lazy: nothing is dialed until Connect, and Connect is
// idempotent — callers may invoke it before every operation and pay only a
// mutex check once the connection is up.
type Client struct {
	url       string
	authToken string

	hmu      sync.RWMutex
	handlers Handlers

	mu     sync.Mutex // guards conn, connID, dialing state
	conn   *websocket.Conn
	connID string

	writeMu sync.Mutex // serializes websocket writes
}

// New creates a relay client for wsURL. No network activity until Connect.
func New(wsURL, authToken string) *Client {
	return &Client{url: wsURL, authToken: authToken}
}

// SetHandlers registers the inbound event handlers. Call once, before
// Connect, per the one-registration rule: the handler set lives as long as
// the client, not as long as one call.
func (c *Client) SetHandlers(h Handlers) {
	c.hmu.Lock()
	c.handlers = h
	c.hmu.Unlock()
}

// Connect dials the relay if needed and returns this client's connection id.
// Safe to call when already connected: the existing id is returned.
func (c *Client) Connect(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil {
		return c.connID, nil
	}

	dialer := websocket.Dialer{HandshakeTimeout: util.DefaultConnectTimeout}
	hdr := http.Header{}
	if c.authToken != "" {
		hdr.Set("Authorization", "Bearer "+c.authToken)
	}

	conn, _, err := dialer.DialContext(ctx, c.url, hdr)
	if err != nil {
		return "", fmt.Errorf("hub: dial %s: %w", c.url, err)
	}

	// The relay's first frame is a hello carrying our connection id.
	_ = conn.SetReadDeadline(time.Now().Add(util.DefaultFetchTimeout))
	var hello frame
	if err := conn.ReadJSON(&hello); err != nil {
		conn.Close()
		return "", fmt.Errorf("hub: read hello: %w", err)
	}
	if hello.Type != FrameHello || hello.ConnID == "" {
		conn.Close()
		return "", fmt.Errorf("hub: unexpected first frame %q", hello.Type)
	}
	_ = conn.SetReadDeadline(time.Time{})

	c.conn = conn
	c.connID = hello.ConnID
	go c.readPump(conn)

	log.Printf("HUB: connected to %s as %s", c.url, c.connID)
	return c.connID, nil
}

// ConnID returns the current connection id, or "" when disconnected.
func (c *Client) ConnID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connID
}

// JoinRoom subscribes this connection to a relay room. Required before the
// relay will deliver room-addressed events.
func (c *Client) JoinRoom(token string) error {
	return c.write(frame{Type: FrameJoin, ID: uuid.NewString(), Room: token})
}

// LeaveRoom unsubscribes from a relay room.
func (c *Client) LeaveRoom(token string) error {
	return c.write(frame{Type: FrameLeave, ID: uuid.NewString(), Room: token})
}

// Send routes a signaling payload to target, which is either a room token or
// a peer connection id — the relay resolves whichever it recognises.
// kind is one of KindOffer, KindAnswer, KindIceCandidate.
func (c *Client) Send(target, kind string, payload json.RawMessage) error {
	if target == "" {
		return errors.New("hub: send without target")
	}
	return c.write(frame{Type: kind, ID: uuid.NewString(), Target: target, Payload: payload})
}

// Close tears down the relay connection. A later Connect dials again.
func (c *Client) Close() {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.connID = ""
	c.mu.Unlock()

	if conn != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(util.ShortTimeout))
		conn.Close()
	}
}

func (c *Client) write(f frame) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := conn.WriteJSON(f); err != nil {
		return fmt.Errorf("hub: write %s: %w", f.Type, err)
	}
	return nil
}

// readPump dispatches inbound frames until the connection dies.
func (c *Client) readPump(conn *websocket.Conn) {
	for {
		var f frame
		if err := conn.ReadJSON(&f); err != nil {
			c.mu.Lock()
			// Only clear state if this pump's connection is still current;
			// a Close+Connect pair may already have replaced it.
			if c.conn == conn {
				c.conn = nil
				c.connID = ""
			}
			current := c.conn == nil
			c.mu.Unlock()

			if current && !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				log.Printf("HUB: connection lost: %v", err)
				c.hmu.RLock()
				down := c.handlers.Down
				c.hmu.RUnlock()
				if down != nil {
					down(err)
				}
			}
			return
		}
		c.dispatch(f)
	}
}

func (c *Client) dispatch(f frame) {
	c.hmu.RLock()
	h := c.handlers
	c.hmu.RUnlock()

	switch f.Type {
	case KindIncomingCall:
		if h.IncomingCall != nil {
			h.IncomingCall(IncomingCall{
				SessionID:    f.SessionID,
				RoomToken:    f.Room,
				CallerID:     f.CallerID,
				CallerName:   f.CallerName,
				SenderConnID: f.From,
			})
		}
	case KindOffer:
		if h.Offer != nil {
			h.Offer(f.From, f.Payload)
		}
	case KindAnswer:
		if h.Answer != nil {
			h.Answer(f.From, f.Payload)
		}
	case KindIceCandidate:
		if h.IceCandidate != nil {
			h.IceCandidate(f.From, f.Payload)
		}
	case KindCallEnded:
		if h.CallEnded != nil {
			h.CallEnded(f.SessionID)
		}
	default:
		log.Printf("HUB: dropping unknown frame type %q", f.Type)
	}
}
