package routes

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/petervdpas/duocall/internal/call"
	"github.com/petervdpas/duocall/internal/media"
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// The API only listens locally; the UI may be served from file:// or another port.
	CheckOrigin: func(r *http.Request) bool { return true },
}

const wsWriteWait = 10 * time.Second

func registerCallRoutes(r chi.Router, d Deps) {
	calls := d.Calls

	// GET /api/call/state
	r.Get("/api/call/state", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, calls.Snapshot())
	})

	// GET /api/call/history: newest first.
	r.Get("/api/call/history", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, calls.History())
	})

	// POST /api/call/start {"callee": "u2", "video": true}
	r.Post("/api/call/start", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Callee string `json:"callee"`
			Video  bool   `json:"video"`
		}
		if decodeJSON(w, r, &req) != nil {
			return
		}
		if req.Callee == "" {
			http.Error(w, "missing callee", http.StatusBadRequest)
			return
		}
		if err := calls.Initiate(r.Context(), req.Callee, media.ModeOf(req.Video)); err != nil {
			writeCallError(w, err)
			return
		}
		writeJSON(w, calls.Snapshot())
	})

	// POST /api/call/accept {"call_id": "u1"}
	r.Post("/api/call/accept", func(w http.ResponseWriter, r *http.Request) {
		id, ok := callID(w, r, calls)
		if !ok {
			return
		}
		if err := calls.Accept(r.Context(), id); err != nil {
			writeCallError(w, err)
			return
		}
		writeJSON(w, calls.Snapshot())
	})

	// POST /api/call/reject {"call_id": "u1"}
	r.Post("/api/call/reject", func(w http.ResponseWriter, r *http.Request) {
		id, ok := callID(w, r, calls)
		if !ok {
			return
		}
		if err := calls.Reject(r.Context(), id); err != nil {
			writeCallError(w, err)
			return
		}
		writeJSON(w, calls.Snapshot())
	})

	// POST /api/call/hangup: always ends Idle; cleanup problems are reported, not fatal.
	r.Post("/api/call/hangup", func(w http.ResponseWriter, r *http.Request) {
		resp := map[string]any{"status": "idle"}
		if err := calls.HangUp(r.Context()); err != nil {
			log.Warnf("hang-up: %v", err)
			resp["warning"] = err.Error()
		}
		writeJSON(w, resp)
	})

	// POST /api/call/toggle-audio
	r.Post("/api/call/toggle-audio", func(w http.ResponseWriter, r *http.Request) {
		on, err := calls.ToggleAudio()
		if err != nil {
			writeCallError(w, err)
			return
		}
		writeJSON(w, map[string]bool{"audio_enabled": on})
	})

	// POST /api/call/toggle-video: upgrades a voice call when no camera is attached.
	r.Post("/api/call/toggle-video", func(w http.ResponseWriter, r *http.Request) {
		on, err := calls.ToggleVideo(r.Context())
		if err != nil {
			writeCallError(w, err)
			return
		}
		writeJSON(w, map[string]bool{"video_enabled": on})
	})

	// GET /api/call/events: SSE: current state, then one event per change.
	r.Get("/api/call/events", func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming not supported", http.StatusInternalServerError)
			return
		}
		sseHeaders(w)

		ch, cancel := calls.Subscribe()
		defer cancel()

		for {
			select {
			case <-r.Context().Done():
				return
			case snap, ok := <-ch:
				if !ok {
					return
				}
				if err := writeSSE(w, "state", snap); err != nil {
					return
				}
				flusher.Flush()
			}
		}
	})

	// GET /api/call/ws: WebSocket: same stream as /api/call/events.
	r.Get("/api/call/ws", func(w http.ResponseWriter, r *http.Request) {
		conn, err := wsUpgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Debugf("state websocket upgrade: %v", err)
			return
		}
		defer conn.Close()

		ch, cancel := calls.Subscribe()
		defer cancel()

		// Drain client frames; a read error means the client is gone.
		gone := make(chan struct{})
		go func() {
			defer close(gone)
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()

		for {
			select {
			case <-gone:
				return
			case <-r.Context().Done():
				return
			case snap, ok := <-ch:
				if !ok {
					_ = conn.WriteControl(websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
						time.Now().Add(wsWriteWait))
					return
				}
				_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
				if err := conn.WriteJSON(stateMessage{Type: "state", State: snap}); err != nil {
					return
				}
			}
		}
	})
}

type stateMessage struct {
	Type  string        `json:"type"`
	State call.Snapshot `json:"state"`
}

// callID reads {"call_id"} from the body, defaulting to the ringing call.
func callID(w http.ResponseWriter, r *http.Request, calls Calls) (string, bool) {
	var req struct {
		CallID string `json:"call_id"`
	}
	if decodeJSON(w, r, &req) != nil {
		return "", false
	}
	if req.CallID == "" {
		if in := calls.Snapshot().Incoming; in != nil {
			req.CallID = in.ID
		}
	}
	if req.CallID == "" {
		writeCallError(w, call.ErrNoIncomingCall)
		return "", false
	}
	return req.CallID, true
}
