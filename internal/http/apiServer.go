package http

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"
)

// APIServer runs a handler until Shutdown.
type APIServer struct {
	server *http.Server
	logger *slog.Logger
	wg     sync.WaitGroup
}

func NewAPIServer(handler http.Handler, addr string, logger *slog.Logger) *APIServer {
	if addr == "" {
		addr = "localhost:8090"
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &APIServer{
		server: &http.Server{
			Addr:              addr,
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
		},
		logger: logger,
	}
}

// Start blocks serving on the configured address.
func (s *APIServer) Start() error {
	ln, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// Serve blocks serving on ln, which the server takes ownership of.
func (s *APIServer) Serve(ln net.Listener) error {
	s.logger.Info("server started", "addr", ln.Addr().String())
	s.wg.Add(1)
	defer s.wg.Done()

	if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *APIServer) Shutdown(ctx context.Context) error {
	defer s.wg.Wait()
	return s.server.Shutdown(ctx)
}
