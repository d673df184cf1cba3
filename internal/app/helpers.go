package app

import (
	"strings"

	"github.com/petervdpas/duocall/internal/config"
	"github.com/petervdpas/duocall/internal/media"
)

// NormalizeLocalViewer ensures the viewer only binds to localhost
// and returns the listen addr and browser URL.
func NormalizeLocalViewer(cfgAddr string) (listenAddr string, url string) {
	a := strings.TrimSpace(cfgAddr)

	if strings.HasPrefix(a, ":") {
		a = "127.0.0.1" + a
	}
	if strings.HasPrefix(a, "0.0.0.0:") {
		a = "127.0.0.1:" + strings.TrimPrefix(a, "0.0.0.0:")
	}

	return a, "http://" + a
}

// resolveQuality turns the configured hint into a capture quality. "auto"
// picks constrained when the viewer is loopback-only, which is how two
// clients share one machine and its camera.
func resolveQuality(cfg config.Config) media.Quality {
	switch cfg.Media.Quality {
	case config.QualityStandard:
		return media.Standard
	case config.QualityConstrained:
		return media.Constrained
	}
	if cfg.LoopbackViewer() {
		return media.Constrained
	}
	return media.Standard
}

func logBanner(dir, cfgPath string, cfg config.Config) {
	log.Info("────────────────────────────────────────")
	log.Infof("client dir:  %s", dir)
	log.Infof("config:      %s", cfgPath)
	log.Infof("identity:    %s (%s)", cfg.Identity.ID, cfg.Identity.Name)
	log.Infof("store:       %s", describeStore(cfg))
	log.Info("────────────────────────────────────────")
}

func describeStore(cfg config.Config) string {
	switch cfg.Store.Driver {
	case config.StoreRemote:
		return "remote " + cfg.Store.URL
	case config.StoreSQLite:
		return "sqlite " + cfg.Store.Path
	default:
		return cfg.Store.Driver
	}
}
