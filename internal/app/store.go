package app

import (
	"context"
	"fmt"
	"time"

	"github.com/petervdpas/duocall/internal/config"
	"github.com/petervdpas/duocall/internal/docstore"
	"github.com/petervdpas/duocall/internal/util"
)

// openStore opens the shared document store selected by cfg.Store.
func openStore(ctx context.Context, dir string, cfg config.Config) (docstore.Store, error) {
	poll := time.Duration(cfg.Store.PollMillis) * time.Millisecond
	switch cfg.Store.Driver {
	case config.StoreMemory:
		log.Warn("memory store: calls only reach clients in this process")
		return docstore.NewMemory(), nil
	case config.StoreSQLite:
		return docstore.OpenSQLite(util.ResolvePath(dir, cfg.Store.Path), poll)
	case config.StoreRemote:
		ctx, cancel := context.WithTimeout(ctx, util.StoreOpTimeout)
		defer cancel()
		return docstore.DialRemote(ctx, cfg.Store.URL)
	}
	return nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
}
