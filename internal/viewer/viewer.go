// Package viewer runs the local HTTP server of a client.
package viewer

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/duocall/internal/viewer/routes"
)

var log = logging.Logger("viewer")

type Server struct {
	srv *http.Server
	ln  net.Listener
}

// Listen binds addr. Use port 0 to pick a free port.
func Listen(addr string, d routes.Deps) (*Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	return &Server{
		ln: ln,
		srv: &http.Server{
			Handler:           routes.NewRouter(d),
			ReadHeaderTimeout: 10 * time.Second,
		},
	}, nil
}

// URL is the base address of the API, e.g. http://127.0.0.1:8780.
func (s *Server) URL() string {
	return "http://" + s.ln.Addr().String()
}

// Serve blocks until Shutdown.
func (s *Server) Serve() error {
	log.Infof("UI API listening on %s", s.URL())
	err := s.srv.Serve(s.ln)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops accepting requests. Streaming handlers end when their
// subscriptions close, so callers should close the controller first.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
