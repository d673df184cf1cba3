package app

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/petervdpas/duocall/internal/config"
	"github.com/petervdpas/duocall/internal/docstore"
	"github.com/petervdpas/duocall/internal/media"
)

func TestResolveQuality(t *testing.T) {
	tests := []struct {
		quality, addr string
		want          media.Quality
	}{
		{config.QualityAuto, "127.0.0.1:8780", media.Constrained},
		{config.QualityAuto, "localhost:8780", media.Constrained},
		{config.QualityAuto, "10.0.0.5:8780", media.Standard},
		{config.QualityStandard, "127.0.0.1:8780", media.Standard},
		{config.QualityConstrained, "10.0.0.5:8780", media.Constrained},
	}
	for _, tt := range tests {
		cfg := config.Default()
		cfg.Media.Quality = tt.quality
		cfg.Viewer.HTTPAddr = tt.addr
		if got := resolveQuality(cfg); got != tt.want {
			t.Errorf("%s on %s: got %s, want %s", tt.quality, tt.addr, got, tt.want)
		}
	}
}

func TestNormalizeLocalViewer(t *testing.T) {
	for in, want := range map[string]string{
		":8780":         "127.0.0.1:8780",
		"0.0.0.0:8780":  "127.0.0.1:8780",
		" 10.1.1.1:80 ": "10.1.1.1:80",
	} {
		addr, url := NormalizeLocalViewer(in)
		if addr != want || url != "http://"+want {
			t.Errorf("%q: got %q %q", in, addr, url)
		}
	}
}

func TestOpenStoreDrivers(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	cfg := config.Default()
	cfg.Store.Driver = config.StoreSQLite
	cfg.Store.Path = "shared"
	s, err := openStore(ctx, dir, cfg)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Set(ctx, "users/u1", docstore.Fields{"name": "A"}); err != nil {
		t.Fatal(err)
	}
	s.Close()

	cfg.Store.Driver = config.StoreMemory
	m, err := openStore(ctx, dir, cfg)
	if err != nil {
		t.Fatal(err)
	}
	m.Close()

	cfg.Store.Driver = "tape"
	if _, err := openStore(ctx, dir, cfg); err == nil {
		t.Fatal("expected unknown driver error")
	}
}

func TestHubServesStore(t *testing.T) {
	backing := docstore.NewMemory()
	defer backing.Close()
	srv := httptest.NewServer(HubHandler(backing))
	defer srv.Close()

	ctx := context.Background()
	cfg := config.Default()
	cfg.Store.Driver = config.StoreRemote
	cfg.Store.URL = "ws" + strings.TrimPrefix(srv.URL, "http") + "/store"
	remote, err := openStore(ctx, t.TempDir(), cfg)
	if err != nil {
		t.Fatal(err)
	}
	defer remote.Close()

	if err := remote.Create(ctx, "calls/u2", docstore.Fields{"caller": "u1"}); err != nil {
		t.Fatal(err)
	}
	doc, err := backing.Get(ctx, "calls/u2")
	if err != nil {
		t.Fatal(err)
	}
	if doc.Data["caller"] != "u1" {
		t.Fatalf("doc = %+v", doc)
	}
}
