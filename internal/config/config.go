package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"

	"github.com/petervdpas/duocall/internal/util"
)

type Config struct {
	Identity Identity `json:"identity"`
	Store    Store    `json:"store"`
	ICE      ICE      `json:"ice"`
	Media    Media    `json:"media"`
	Call     Call     `json:"call"`
	Presence Presence `json:"presence"`
	Chat     Chat     `json:"chat"`
	Viewer   Viewer   `json:"viewer"`
	Hub      Hub      `json:"hub"`
}

type Identity struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Avatar string `json:"avatar"`
}

// Store drivers.
const (
	StoreMemory = "memory"
	StoreSQLite = "sqlite"
	StoreRemote = "remote"
)

type Store struct {
	// Driver selects the shared document store: "memory", "sqlite" or "remote".
	Driver string `json:"driver"`

	// SQLite database directory, relative to the client directory. The
	// default is shared by sibling client directories on one machine.
	Path string `json:"path"`

	// WebSocket URL of a duocall hub (driver "remote"), e.g. ws://10.0.0.5:8790/store.
	URL string `json:"url"`

	// How often SQLite watchers poll the change log when no file event woke them.
	PollMillis int `json:"poll_millis"`
}

// Media quality hints.
const (
	QualityAuto        = "auto"
	QualityStandard    = "standard"
	QualityConstrained = "constrained"
)

type Media struct {
	// Quality is "standard", "constrained" or "auto". Auto picks constrained
	// when the viewer binds to loopback (two clients on one device).
	Quality string `json:"quality"`
}

type Call struct {
	// A call record older than this is treated as abandoned and may be replaced.
	StaleAfterSec int `json:"stale_after_seconds"`

	// Unanswered outgoing calls hang up after this many seconds. 0 disables.
	RingTimeoutSec int `json:"ring_timeout_seconds"`

	// Number of finished calls kept for /api/call/history.
	HistorySize int `json:"history_size"`
}

type Presence struct {
	Enabled      bool `json:"enabled"`
	HeartbeatSec int  `json:"heartbeat_seconds"`
}

type Chat struct {
	// CallEvents appends a chat entry to the thread with the peer whenever a call ends.
	CallEvents bool `json:"call_events"`
	BufferSize int  `json:"buffer_size"`
}

type Viewer struct {
	HTTPAddr string `json:"http_addr"`
	Debug    bool   `json:"debug"`
}

type Hub struct {
	// Listen address of "duocall hub".
	ListenAddr string `json:"listen_addr"`
	// SQLite directory backing the hub, relative to the hub directory.
	StorePath string `json:"store_path"`
}

func Default() Config {
	return Config{
		Identity: Identity{
			Name: "anonymous",
		},
		Store: Store{
			Driver:     StoreSQLite,
			Path:       "../shared",
			PollMillis: 250,
		},
		ICE: ICE{
			Servers: []ICEServer{
				{URLs: []string{"stun:stun.l.google.com:19302"}},
				{URLs: []string{"stun:stun1.l.google.com:19302"}},
				{URLs: []string{"stun:stun2.l.google.com:19302"}},
			},
			DisconnectedTimeoutSec: 30,
			FailedTimeoutSec:       120,
			KeepAliveSec:           2,
		},
		Media: Media{
			Quality: QualityAuto,
		},
		Call: Call{
			StaleAfterSec:  120,
			RingTimeoutSec: 45,
			HistorySize:    50,
		},
		Presence: Presence{
			Enabled:      true,
			HeartbeatSec: 60,
		},
		Chat: Chat{
			CallEvents: true,
			BufferSize: 100,
		},
		Viewer: Viewer{
			HTTPAddr: "127.0.0.1:8780",
		},
		Hub: Hub{
			ListenAddr: "127.0.0.1:8790",
			StorePath:  "data",
		},
	}
}

func (c *Config) Validate() error {
	// Identity
	if _, err := util.ValidateUserID(c.Identity.ID); err != nil {
		return fmt.Errorf("identity.id: %w", err)
	}
	if strings.TrimSpace(c.Identity.Name) == "" {
		return errors.New("identity.name is required")
	}

	// Store
	switch c.Store.Driver {
	case StoreMemory:
	case StoreSQLite:
		if strings.TrimSpace(c.Store.Path) == "" {
			return errors.New("store.path is required for the sqlite driver")
		}
	case StoreRemote:
		if err := validateHubURL(c.Store.URL); err != nil {
			return fmt.Errorf("store.url: %w", err)
		}
	default:
		return fmt.Errorf("store.driver must be one of %s, %s, %s", StoreMemory, StoreSQLite, StoreRemote)
	}
	if c.Store.PollMillis < 10 || c.Store.PollMillis > 60000 {
		return errors.New("store.poll_millis must be 10..60000")
	}

	// ICE
	if err := c.ICE.Validate(); err != nil {
		return fmt.Errorf("ice: %w", err)
	}

	// Media
	switch c.Media.Quality {
	case QualityAuto, QualityStandard, QualityConstrained:
	default:
		return errors.New("media.quality must be auto, standard or constrained")
	}

	// Call
	if c.Call.StaleAfterSec <= 0 {
		return errors.New("call.stale_after_seconds must be > 0")
	}
	if c.Call.RingTimeoutSec < 0 {
		return errors.New("call.ring_timeout_seconds must be >= 0")
	}
	if c.Call.RingTimeoutSec > 0 && c.Call.RingTimeoutSec >= c.Call.StaleAfterSec {
		return errors.New("call.ring_timeout_seconds must be < call.stale_after_seconds")
	}
	if c.Call.HistorySize < 1 || c.Call.HistorySize > 10000 {
		return errors.New("call.history_size must be 1..10000")
	}

	// Presence
	if c.Presence.Enabled && c.Presence.HeartbeatSec <= 0 {
		return errors.New("presence.heartbeat_seconds must be > 0")
	}

	// Chat
	if c.Chat.BufferSize <= 0 {
		return errors.New("chat.buffer_size must be > 0")
	}

	// Viewer
	if c.Viewer.HTTPAddr != "" {
		if _, _, err := net.SplitHostPort(c.Viewer.HTTPAddr); err != nil {
			return fmt.Errorf("viewer.http_addr: %w", err)
		}
	}

	return nil
}

// ValidateHub checks only the fields "duocall hub" needs; a hub has no identity.
func (c *Config) ValidateHub() error {
	if _, _, err := net.SplitHostPort(c.Hub.ListenAddr); err != nil {
		return fmt.Errorf("hub.listen_addr: %w", err)
	}
	if strings.TrimSpace(c.Hub.StorePath) == "" {
		return errors.New("hub.store_path is required")
	}
	if c.Store.PollMillis < 10 || c.Store.PollMillis > 60000 {
		return errors.New("store.poll_millis must be 10..60000")
	}
	return nil
}

// LoopbackViewer reports whether the UI API only listens on a loopback address.
func (c *Config) LoopbackViewer() bool {
	host, _, err := net.SplitHostPort(c.Viewer.HTTPAddr)
	if err != nil {
		return false
	}
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func validateHubURL(raw string) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return errors.New("required for the remote driver")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid url: %v", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return errors.New("scheme must be ws or wss")
	}
	if u.Hostname() == "" {
		return errors.New("missing host")
	}
	if u.Hostname() == "0.0.0.0" {
		return errors.New("host must not be 0.0.0.0")
	}
	return nil
}

func Load(path string) (Config, error) {
	cfg, err := LoadPartial(path)
	if err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadPartial reads a config file without validation. The hub uses it, since
// it has no identity section to validate.
func LoadPartial(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	// Strip UTF-8 BOM if present (common when editing JSON on Windows).
	b = stripBOM(b)

	// Start from defaults so missing JSON fields remain initialized.
	cfg := Default()
	if err := json.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// stripBOM removes a UTF-8 byte order mark if present.
func stripBOM(b []byte) []byte {
	if len(b) >= 3 && b[0] == 0xEF && b[1] == 0xBB && b[2] == 0xBF {
		return b[3:]
	}
	return b
}

func Save(path string, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	return util.WriteJSONFile(path, cfg)
}

// Ensure loads config if it exists; otherwise creates a default config file
// for the given identity. Returns (cfg, createdNew, err).
func Ensure(path, id string) (Config, bool, error) {
	if _, err := os.Stat(path); err == nil {
		cfg, err := Load(path)
		return cfg, false, err
	} else if !os.IsNotExist(err) {
		return Config{}, false, err
	}

	cfg := Default()
	cfg.Identity.ID = id
	cfg.Identity.Name = id
	if err := Save(path, cfg); err != nil {
		return Config{}, false, fmt.Errorf("create default config: %w", err)
	}
	return cfg, true, nil
}
