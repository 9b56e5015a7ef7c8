package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"
)

type Config struct {
	Self    Self    `json:"self"`
	Relay   Relay   `json:"relay"`
	Records Records `json:"records"`
	ICE     ICE     `json:"ice"`
	Call    Call    `json:"call"`
	Media   Media   `json:"media"`
	API     API     `json:"api"`
	Storage Storage `json:"storage"`
}

type Self struct {
	// UserID is the account identifier this engine signs in as.
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
}

type Relay struct {
	// URL of the signaling relay websocket endpoint, e.g. wss://relay.example.org/ws
	URL       string `json:"url"`
	AuthToken string `json:"auth_token"`
}

type Records struct {
	// URL of the call-record REST service, e.g. https://api.example.org
	URL       string `json:"url"`
	AuthToken string `json:"auth_token"`
}

type ICE struct {
	Servers []ICEServer `json:"servers"`
}

type ICEServer struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username,omitempty"`
	Credential string   `json:"credential,omitempty"`
}

type Call struct {
	// RingTimeoutSec bounds how long an outgoing call rings before it is
	// hung up automatically with a "no-answer" outcome.
	RingTimeoutSec int `json:"ring_timeout_seconds"`
}

type Media struct {
	// MaxWidth/MaxHeight cap capture resolution. Higher resolutions increase
	// VP8 encoding latency without a visible quality win in a call window.
	MaxWidth      int  `json:"max_width"`
	MaxHeight     int  `json:"max_height"`
	VideoDisabled bool `json:"video_disabled"` // audio-only engine
}

type API struct {
	// Bind address for the local UI API. Loopback only unless overridden.
	Bind string `json:"bind"`
	Port int    `json:"port"`
}

type Storage struct {
	// Dir holds the call-history database. Empty disables history.
	Dir string `json:"dir"`
}

func Default() Config {
	return Config{
		ICE: ICE{
			Servers: []ICEServer{
				{URLs: []string{"stun:stun.l.google.com:19302"}},
			},
		},
		Call: Call{
			RingTimeoutSec: 45,
		},
		Media: Media{
			MaxWidth:  640,
			MaxHeight: 480,
		},
		API: API{
			Bind: "127.0.0.1",
			Port: 7780,
		},
		Storage: Storage{
			Dir: "data",
		},
	}
}

// Load reads the config file at path, layered over Default(). A missing file
// is not an error: defaults are returned and the caller may Save them.
func Load(path string) (Config, error) {
	cfg := Default()

	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := json.Unmarshal(b, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// Save writes the config as indented JSON, creating parent directories.
func Save(path string, cfg Config) error {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	b, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(b, '\n'), 0o600)
}

func (c *Config) Validate() error {
	if strings.TrimSpace(c.Self.UserID) == "" {
		return errors.New("self.user_id is required")
	}

	if strings.TrimSpace(c.Relay.URL) == "" {
		return errors.New("relay.url is required")
	}
	if !strings.HasPrefix(c.Relay.URL, "ws://") && !strings.HasPrefix(c.Relay.URL, "wss://") {
		return errors.New("relay.url must be a ws:// or wss:// URL")
	}

	if strings.TrimSpace(c.Records.URL) == "" {
		return errors.New("records.url is required")
	}

	if len(c.ICE.Servers) == 0 {
		return errors.New("ice.servers must list at least one STUN or TURN server")
	}
	for i, s := range c.ICE.Servers {
		if len(s.URLs) == 0 {
			return fmt.Errorf("ice.servers[%d].urls is empty", i)
		}
	}

	if c.Call.RingTimeoutSec <= 0 {
		return errors.New("call.ring_timeout_seconds must be > 0")
	}

	if c.Media.MaxWidth <= 0 || c.Media.MaxHeight <= 0 {
		return errors.New("media.max_width and media.max_height must be > 0")
	}

	if b := c.API.Bind; b != "" {
		if net.ParseIP(b) == nil {
			return errors.New("api.bind must be a valid IP address")
		}
	}
	if c.API.Port <= 0 || c.API.Port > 65535 {
		return errors.New("api.port must be 1..65535")
	}

	return nil
}

// RingTimeout returns the configured ring duration.
func (c *Config) RingTimeout() time.Duration {
	return time.Duration(c.Call.RingTimeoutSec) * time.Second
}

// APIAddr returns the listen address for the local UI API.
func (c *Config) APIAddr() string {
	bind := c.API.Bind
	if bind == "" {
		bind = "127.0.0.1"
	}
	return fmt.Sprintf("%s:%d", bind, c.API.Port)
}
