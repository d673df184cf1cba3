// Package routes is the local HTTP API the UI talks to.
package routes

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/duocall/internal/call"
	"github.com/petervdpas/duocall/internal/chat"
	"github.com/petervdpas/duocall/internal/docstore"
	"github.com/petervdpas/duocall/internal/media"
	"github.com/petervdpas/duocall/internal/presence"
	"github.com/petervdpas/duocall/internal/viewer/logs"
)

var log = logging.Logger("routes")

// Logs is the captured log output. *logs.Buffer satisfies it.
type Logs interface {
	Since(seq uint64, logger string) []logs.Entry
	Subscribe() (<-chan logs.Entry, func())
}

// Calls is the controller surface the API drives. *call.Manager satisfies it.
type Calls interface {
	Snapshot() call.Snapshot
	Subscribe() (<-chan call.Snapshot, func())
	History() []call.HistoryEntry

	Initiate(ctx context.Context, calleeID string, mode media.Mode) error
	Accept(ctx context.Context, callID string) error
	Reject(ctx context.Context, callID string) error
	HangUp(ctx context.Context) error
	ToggleAudio() (bool, error)
	ToggleVideo(ctx context.Context) (bool, error)
}

type Deps struct {
	Self  presence.Provider
	Calls Calls
	// Optional collaborators; their routes are skipped when nil.
	Chat  *chat.Store
	Store docstore.Store
	Logs  Logs

	// Users seen within this window are reported online.
	OnlineWindow time.Duration
	// Debug enables request logging.
	Debug bool
}

func NewRouter(d Deps) http.Handler {
	r := chi.NewRouter()
	if d.Debug {
		r.Use(middleware.Logger)
	}
	r.Use(middleware.Recoverer)
	r.Use(noCache)

	registerSelfRoutes(r, d)
	registerCallRoutes(r, d)
	registerChatRoutes(r, d)
	registerAPILogRoutes(r, d)
	return r
}
