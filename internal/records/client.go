// Package records is the REST client for the call-record service: the
// server-side bookkeeping that creates, accepts, rejects and ends call rows
// and hands out room tokens for the signaling relay.
package records

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/google/uuid"

	"github.com/pitchroom/callengine/internal/util"
)

// CallerInfo is the display info the service returns for the remote party.
type CallerInfo struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
	AvatarURL   string `json:"avatar_url,omitempty"`
}

// CreateResult is the response to Create.
type CreateResult struct {
	SessionID    string     `json:"session_id"`
	RoomToken    string     `json:"room_token"`
	CalleeConnID string     `json:"callee_connection_id"`
	Callee       CallerInfo `json:"callee"`
}

// Client talks to the call-record service.
type Client struct {
	baseURL   string
	authToken string
	http      *http.Client
}

// New creates a records client for baseURL.
func New(baseURL, authToken string) *Client {
	return &Client{
		baseURL:   util.NormalizeURL(baseURL),
		authToken: authToken,
		http:      &http.Client{Timeout: util.DefaultFetchTimeout},
	}
}

// Create registers a new call session and returns its identifiers.
// The Idempotency-Key header lets the service dedupe a retried create.
func (c *Client) Create(ctx context.Context, roomID, callerID, callerConnID string) (*CreateResult, error) {
	body := map[string]string{
		"room_id":              roomID,
		"caller_id":            callerID,
		"caller_connection_id": callerConnID,
	}
	var out CreateResult
	if err := c.do(ctx, http.MethodPost, "/api/calls", body, &out, uuid.NewString()); err != nil {
		return nil, err
	}
	if out.SessionID == "" || out.RoomToken == "" {
		return nil, fmt.Errorf("records: create returned incomplete session (id=%q token=%q)", out.SessionID, out.RoomToken)
	}
	return &out, nil
}

// Accept marks the call answered by the callee.
func (c *Client) Accept(ctx context.Context, sessionID, roomToken, connID string) error {
	body := map[string]string{"room_token": roomToken, "connection_id": connID}
	return c.do(ctx, http.MethodPost, "/api/calls/"+sessionID+"/accept", body, nil, "")
}

// Reject marks the call declined by the callee.
func (c *Client) Reject(ctx context.Context, sessionID, roomToken string) error {
	body := map[string]string{"room_token": roomToken}
	return c.do(ctx, http.MethodPost, "/api/calls/"+sessionID+"/reject", body, nil, "")
}

// End marks the call finished. The service notifies the other party through
// the relay's call-ended push.
func (c *Client) End(ctx context.Context, sessionID string) error {
	return c.do(ctx, http.MethodPost, "/api/calls/"+sessionID+"/end", nil, nil, "")
}

func (c *Client) do(ctx context.Context, method, path string, in any, out any, idemKey string) error {
	var rd io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("records: encode request: %w", err)
		}
		rd = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}
	if idemKey != "" {
		req.Header.Set("Idempotency-Key", idemKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("records: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("records: %s %s: status %d: %s", method, path, resp.StatusCode, bytes.TrimSpace(msg))
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("records: decode response: %w", err)
		}
	}
	return nil
}
