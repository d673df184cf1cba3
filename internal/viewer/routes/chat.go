package routes

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/petervdpas/duocall/internal/chat"
	"github.com/petervdpas/duocall/internal/util"
)

func registerChatRoutes(r chi.Router, d Deps) {
	if d.Chat == nil {
		return
	}

	thread := func(w http.ResponseWriter, r *http.Request) (me, peerID, id string, ok bool) {
		peerID, err := util.ValidateUserID(chi.URLParam(r, "peer"))
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return "", "", "", false
		}
		me = d.Self.CurrentUser().ID
		return me, peerID, chat.ThreadID(me, peerID), true
	}

	// GET /api/chat/{peer}/messages: oldest first.
	r.Get("/api/chat/{peer}/messages", func(w http.ResponseWriter, r *http.Request) {
		_, _, id, ok := thread(w, r)
		if !ok {
			return
		}
		msgs, err := d.Chat.Messages(r.Context(), id)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadGateway)
			return
		}
		if msgs == nil {
			msgs = []chat.Message{}
		}
		writeJSON(w, msgs)
	})

	// POST /api/chat/{peer}/messages {"content": "..."}
	r.Post("/api/chat/{peer}/messages", func(w http.ResponseWriter, r *http.Request) {
		me, peerID, id, ok := thread(w, r)
		if !ok {
			return
		}
		var req struct {
			Content string `json:"content"`
		}
		if decodeJSON(w, r, &req) != nil {
			return
		}
		msg := chat.NewMessage(me, peerID, req.Content, time.Now())
		if err := d.Chat.AppendMessage(r.Context(), id, msg); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		writeJSONStatus(w, http.StatusCreated, msg)
	})

	// GET /api/chat/{peer}/events: SSE: the whole thread after every message.
	r.Get("/api/chat/{peer}/events", func(w http.ResponseWriter, r *http.Request) {
		_, _, id, ok := thread(w, r)
		if !ok {
			return
		}
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming not supported", http.StatusInternalServerError)
			return
		}
		ch, cancel, err := d.Chat.Subscribe(r.Context(), id)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadGateway)
			return
		}
		defer cancel()
		sseHeaders(w)

		for msgs := range ch {
			if err := writeSSE(w, "messages", msgs); err != nil {
				return
			}
			flusher.Flush()
		}
	})
}
