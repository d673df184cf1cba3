package config

import (
	"os"
	"path/filepath"
	"testing"
)

func validConfig() Config {
	cfg := Default()
	cfg.Identity.ID = "u1"
	cfg.Identity.Name = "Alice"
	return cfg
}

func TestDefaultWithIdentityValidates(t *testing.T) {
	cfg := validConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}
}

func TestValidateRejects(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing id", func(c *Config) { c.Identity.ID = "" }},
		{"id with slash", func(c *Config) { c.Identity.ID = "a/b" }},
		{"unknown driver", func(c *Config) { c.Store.Driver = "mongo" }},
		{"remote without url", func(c *Config) { c.Store.Driver = StoreRemote }},
		{"remote with http url", func(c *Config) {
			c.Store.Driver = StoreRemote
			c.Store.URL = "http://hub.example:8790/store"
		}},
		{"bad quality", func(c *Config) { c.Media.Quality = "ultra" }},
		{"ring timeout beyond stale", func(c *Config) { c.Call.RingTimeoutSec = c.Call.StaleAfterSec }},
		{"turn without credentials", func(c *Config) {
			c.ICE.Servers = []ICEServer{{URLs: []string{"turn:turn.example:3478"}}}
		}},
		{"failed before disconnected", func(c *Config) { c.ICE.FailedTimeoutSec = c.ICE.DisconnectedTimeoutSec }},
		{"bad http addr", func(c *Config) { c.Viewer.HTTPAddr = "nope" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validConfig()
			tc.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestLoadStripsBOMAndKeepsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "duocall.json")
	body := "\xEF\xBB\xBF" + `{"identity":{"id":"u2","name":"Bob"},"ice":{"servers":[{"urls":"stun:stun.example:3478"}]}}`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Identity.ID != "u2" {
		t.Fatalf("identity.id = %q", cfg.Identity.ID)
	}
	if cfg.Store.Driver != StoreSQLite {
		t.Fatalf("store.driver default lost: %q", cfg.Store.Driver)
	}
	servers := cfg.ICE.WebRTCServers()
	if len(servers) != 1 || servers[0].URLs[0] != "stun:stun.example:3478" {
		t.Fatalf("unexpected ice servers: %#v", servers)
	}
}

func TestEnsureCreatesDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "duocall.json")
	cfg, created, err := Ensure(path, "u9")
	if err != nil {
		t.Fatal(err)
	}
	if !created {
		t.Fatal("expected a new config to be created")
	}
	if cfg.Identity.ID != "u9" {
		t.Fatalf("identity.id = %q", cfg.Identity.ID)
	}

	again, created, err := Ensure(path, "ignored")
	if err != nil {
		t.Fatal(err)
	}
	if created || again.Identity.ID != "u9" {
		t.Fatalf("second Ensure should load existing file, got created=%v id=%q", created, again.Identity.ID)
	}
}

func TestLoopbackViewer(t *testing.T) {
	cfg := validConfig()
	for addr, want := range map[string]bool{
		"127.0.0.1:8780": true,
		"localhost:1":    true,
		"[::1]:8780":     true,
		"0.0.0.0:8780":   false,
		"10.1.2.3:8780":  false,
	} {
		cfg.Viewer.HTTPAddr = addr
		if got := cfg.LoopbackViewer(); got != want {
			t.Fatalf("LoopbackViewer(%s) = %v, want %v", addr, got, want)
		}
	}
}

func TestICEServerAcceptsTURNWithCredentials(t *testing.T) {
	ice := Default().ICE
	ice.Servers = []ICEServer{{
		URLs:       []string{"turn:turn.example:3478?transport=udp"},
		Username:   "user",
		Credential: "pass",
	}}
	if err := ice.Validate(); err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	cred, ok := ice.WebRTCServers()[0].Credential.(string)
	if !ok || cred != "pass" {
		t.Fatalf("unexpected credential: %#v", ice.WebRTCServers()[0].Credential)
	}
}
