package util

import (
	"strings"
	"time"
)

// Common timeout durations shared by the HTTP and websocket clients.
const (
	DefaultFetchTimeout   = 5 * time.Second
	DefaultConnectTimeout = 3 * time.Second
	ShortTimeout          = 2 * time.Second
)

// NormalizeURL trims whitespace and trailing slashes and defaults the scheme
// to https:// when none is given. Empty input stays empty.
func NormalizeURL(raw string) string {
	s := strings.TrimSpace(raw)
	if s == "" {
		return ""
	}
	if !strings.Contains(s, "://") {
		s = "https://" + s
	}
	return strings.TrimRight(s, "/")
}
