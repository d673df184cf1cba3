package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/petervdpas/duocall/internal/config"
	"github.com/petervdpas/duocall/internal/docstore"
	"github.com/petervdpas/duocall/internal/util"
)

// HubHandler serves a store to remote clients on /store.
func HubHandler(store docstore.Store) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Handle("/store", docstore.NewServer(store))
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("ok\n"))
	})
	return r
}

// RunHub serves the SQLite store under dir until ctx ends.
func RunHub(ctx context.Context, dir string, cfg config.Config) error {
	SetupLogging(cfg.Viewer.Debug)

	storeDir := util.ResolvePath(dir, cfg.Hub.StorePath)
	store, err := docstore.OpenSQLite(storeDir, time.Duration(cfg.Store.PollMillis)*time.Millisecond)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()

	ln, err := net.Listen("tcp", cfg.Hub.ListenAddr)
	if err != nil {
		return err
	}
	srv := &http.Server{Handler: HubHandler(store), ReadHeaderTimeout: 10 * time.Second}

	log.Info("────────────────────────────────────────")
	log.Infof("hub store:   %s", store.Path())
	log.Infof("clients use: ws://%s/store", ln.Addr())
	log.Info("────────────────────────────────────────")

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), util.CleanupTimeout)
	defer cancel()
	// Shutdown does not wait for hijacked websocket connections; closing
	// the store ends their watches.
	return srv.Shutdown(shutdownCtx)
}
