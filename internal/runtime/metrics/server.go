package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/drblury/robohub/internal/runtime/logging"
)

// Server runs one HTTP listener per port with the handlers registered for
// that port.
type Server struct {
	logger logging.ServiceLogger

	mu      sync.Mutex
	muxes   map[int]*http.ServeMux
	servers []*http.Server
}

func NewServer(logger logging.ServiceLogger) *Server {
	return &Server{logger: logging.OrNop(logger), muxes: make(map[int]*http.ServeMux)}
}

// Handle registers handler for pattern on port.
func (s *Server) Handle(port int, pattern string, handler http.Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	mux, ok := s.muxes[port]
	if !ok {
		mux = http.NewServeMux()
		s.muxes[port] = mux
	}
	mux.Handle(pattern, handler)
}

// Mux returns the handler registered for port, or nil.
func (s *Server) Mux(port int) http.Handler {
	s.mu.Lock()
	defer s.mu.Unlock()
	if mux, ok := s.muxes[port]; ok {
		return mux
	}
	return nil
}

// Start begins serving every registered port in the background.
func (s *Server) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for port, mux := range s.muxes {
		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		s.servers = append(s.servers, srv)
		s.logger.Info("Starting HTTP server", logging.LogFields{"address": srv.Addr})
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.logger.Error("HTTP server stopped", err, logging.LogFields{"address": srv.Addr})
			}
		}()
	}
}

// Shutdown stops every started server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	servers := s.servers
	s.servers = nil
	s.mu.Unlock()

	var errs []error
	for _, srv := range servers {
		if err := srv.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown %s: %w", srv.Addr, err))
		}
	}
	return errors.Join(errs...)
}
