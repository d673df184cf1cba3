package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/pion/webrtc/v4"
)

type ICE struct {
	Servers []ICEServer `json:"servers"`

	// ICE agent timeouts. Generous values let a brief NAT hiccup recover
	// before the connection is declared failed (which ends the call).
	DisconnectedTimeoutSec int `json:"disconnected_timeout_seconds"`
	FailedTimeoutSec       int `json:"failed_timeout_seconds"`
	KeepAliveSec           int `json:"keepalive_seconds"`
}

// ICEServer mirrors the browser RTCIceServer dictionary: "urls" may be a
// single string or a list.
type ICEServer struct {
	URLs       stringOrStringSlice `json:"urls"`
	Username   string              `json:"username,omitempty"`
	Credential string              `json:"credential,omitempty"`
}

type stringOrStringSlice []string

func (s *stringOrStringSlice) UnmarshalJSON(b []byte) error {
	var single string
	if err := json.Unmarshal(b, &single); err == nil {
		*s = []string{single}
		return nil
	}
	var many []string
	if err := json.Unmarshal(b, &many); err != nil {
		return err
	}
	*s = many
	return nil
}

func (i *ICE) Validate() error {
	for idx, s := range i.Servers {
		if err := validateICEServer(s.toWebRTC()); err != nil {
			return fmt.Errorf("servers[%d]: %w", idx, err)
		}
	}
	if i.DisconnectedTimeoutSec <= 0 {
		return errors.New("disconnected_timeout_seconds must be > 0")
	}
	if i.FailedTimeoutSec <= i.DisconnectedTimeoutSec {
		return errors.New("failed_timeout_seconds must be > disconnected_timeout_seconds")
	}
	if i.KeepAliveSec <= 0 || i.KeepAliveSec >= i.DisconnectedTimeoutSec {
		return errors.New("keepalive_seconds must be > 0 and < disconnected_timeout_seconds")
	}
	return nil
}

// WebRTCServers converts the configured servers for webrtc.Configuration.
func (i *ICE) WebRTCServers() []webrtc.ICEServer {
	out := make([]webrtc.ICEServer, 0, len(i.Servers))
	for _, s := range i.Servers {
		out = append(out, s.toWebRTC())
	}
	return out
}

// Timeouts returns the disconnected, failed and keepalive intervals.
func (i *ICE) Timeouts() (disconnected, failed, keepAlive time.Duration) {
	return time.Duration(i.DisconnectedTimeoutSec) * time.Second,
		time.Duration(i.FailedTimeoutSec) * time.Second,
		time.Duration(i.KeepAliveSec) * time.Second
}

func (s ICEServer) toWebRTC() webrtc.ICEServer {
	urls := make([]string, 0, len(s.URLs))
	for _, u := range s.URLs {
		if u = strings.TrimSpace(u); u != "" {
			urls = append(urls, u)
		}
	}
	out := webrtc.ICEServer{
		URLs:     urls,
		Username: strings.TrimSpace(s.Username),
	}
	if strings.TrimSpace(s.Credential) != "" {
		out.Credential = s.Credential
	}
	return out
}

func validateICEServer(s webrtc.ICEServer) error {
	if len(s.URLs) == 0 {
		return errors.New("urls must not be empty")
	}
	hasTURN := false
	for _, u := range s.URLs {
		switch {
		case strings.HasPrefix(u, "stun:"), strings.HasPrefix(u, "stuns:"):
		case strings.HasPrefix(u, "turn:"), strings.HasPrefix(u, "turns:"):
			hasTURN = true
		default:
			return fmt.Errorf("unsupported url scheme %q (expected stun:, stuns:, turn: or turns:)", u)
		}
	}
	if hasTURN {
		cred, _ := s.Credential.(string)
		if s.Username == "" || cred == "" {
			return errors.New("turn urls require username and credential")
		}
	}
	return nil
}
