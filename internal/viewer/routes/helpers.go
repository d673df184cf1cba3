package routes

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/petervdpas/duocall/internal/call"
	"github.com/petervdpas/duocall/internal/media"
)

const maxBody = 64 << 10

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONStatus(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// decodeJSON reads the request body into v. An empty body leaves v as is.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	err := json.NewDecoder(io.LimitReader(r.Body, maxBody)).Decode(v)
	if err == nil || errors.Is(err, io.EOF) {
		return nil
	}
	http.Error(w, "invalid json: "+err.Error(), http.StatusBadRequest)
	return err
}

type apiError struct {
	Error   string `json:"error"`
	Class   string `json:"class,omitempty"`
	Message string `json:"message,omitempty"`
}

// writeCallError maps controller errors to HTTP statuses.
func writeCallError(w http.ResponseWriter, err error) {
	var cerr *call.Error
	switch {
	case errors.Is(err, call.ErrBusy), errors.Is(err, call.ErrAbandoned):
		writeJSONStatus(w, http.StatusConflict, apiError{Error: err.Error()})
	case errors.Is(err, call.ErrNoIncomingCall), errors.Is(err, call.ErrNoActiveCall):
		writeJSONStatus(w, http.StatusNotFound, apiError{Error: err.Error()})
	case errors.As(err, &cerr):
		body := apiError{Error: err.Error(), Class: string(cerr.Class)}
		var mf *media.Failure
		if errors.As(err, &mf) {
			body.Message = mf.Message()
		}
		status := http.StatusBadGateway
		if cerr.Class == call.MediaFailure {
			status = http.StatusServiceUnavailable
		}
		writeJSONStatus(w, status, body)
	default:
		writeJSONStatus(w, http.StatusBadRequest, apiError{Error: err.Error()})
	}
}

func sseHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
}

func writeSSE(w http.ResponseWriter, event string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, b)
	return err
}

// noCache disables browser caching of API responses.
func noCache(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "no-store, no-cache, must-revalidate, max-age=0")
		w.Header().Set("Pragma", "no-cache")
		w.Header().Set("Expires", "0")
		next.ServeHTTP(w, r)
	})
}
