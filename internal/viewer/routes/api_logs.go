package routes

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/petervdpas/duocall/internal/viewer/logs"
)

func registerAPILogRoutes(r chi.Router, d Deps) {
	if d.Logs == nil {
		return
	}
	buf := d.Logs

	// GET /api/logs?since=seq&logger=name
	r.Get("/api/logs", func(w http.ResponseWriter, r *http.Request) {
		since, logger, ok := logQuery(w, r)
		if !ok {
			return
		}
		writeJSON(w, buf.Since(since, logger))
	})

	// GET /api/logs/stream?since=seq&logger=name: SSE, buffered lines after
	// since first, then new ones.
	r.Get("/api/logs/stream", func(w http.ResponseWriter, r *http.Request) {
		since, logger, ok := logQuery(w, r)
		if !ok {
			return
		}
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming not supported", http.StatusInternalServerError)
			return
		}
		sseHeaders(w)

		ch, cancel := buf.Subscribe()
		defer cancel()

		last := since
		for _, e := range buf.Since(since, logger) {
			if err := writeSSE(w, "log", e); err != nil {
				return
			}
			last = e.Seq
		}
		flusher.Flush()

		for {
			select {
			case <-r.Context().Done():
				return
			case e, ok := <-ch:
				if !ok {
					return
				}
				if e.Seq <= last || !logs.Match(e, logger) {
					continue
				}
				if err := writeSSE(w, "log", e); err != nil {
					return
				}
				last = e.Seq
				flusher.Flush()
			}
		}
	})
}

func logQuery(w http.ResponseWriter, r *http.Request) (uint64, string, bool) {
	var since uint64
	if raw := r.URL.Query().Get("since"); raw != "" {
		n, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			writeJSONStatus(w, http.StatusBadRequest, apiError{Error: "since must be a sequence number"})
			return 0, "", false
		}
		since = n
	}
	return since, r.URL.Query().Get("logger"), true
}
