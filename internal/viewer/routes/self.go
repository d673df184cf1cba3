package routes

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/petervdpas/duocall/internal/presence"
)

type userView struct {
	presence.User
	Online bool `json:"online"`
}

func registerSelfRoutes(r chi.Router, d Deps) {
	// GET /api/self: the local identity.
	r.Get("/api/self", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, d.Self.CurrentUser())
	})

	if d.Store == nil {
		return
	}
	window := d.OnlineWindow
	if window <= 0 {
		window = 3 * time.Minute
	}

	// GET /api/users: everyone with a presence record, self excluded.
	r.Get("/api/users", func(w http.ResponseWriter, r *http.Request) {
		users, err := presence.List(r.Context(), d.Store)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadGateway)
			return
		}
		me := d.Self.CurrentUser().ID
		now := time.Now()
		out := make([]userView, 0, len(users))
		for _, u := range users {
			if u.ID == me {
				continue
			}
			out = append(out, userView{User: u, Online: u.Online(now, window)})
		}
		writeJSON(w, out)
	})
}
