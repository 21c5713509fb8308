package admin

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

// Server serves the admin API on its own listener
type Server struct {
	httpServer *http.Server
	listener   net.Listener
	started    atomic.Bool
	done       chan struct{}
}

// NewServer binds address and prepares the admin routes
func NewServer(address string, handlers *AdminHandlers) (*Server, error) {
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", address, err)
	}

	mux := http.NewServeMux()
	RegisterRoutes(mux, handlers)

	return &Server{
		httpServer: &http.Server{
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
		listener: listener,
		done:     make(chan struct{}),
	}, nil
}

// Addr returns the bound address
func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

// Start serves requests in the background
func (s *Server) Start() {
	if !s.started.CompareAndSwap(false, true) {
		return
	}
	log.Info().Str("address", s.Addr()).Msg("Starting admin server")
	go func() {
		defer close(s.done)
		if err := s.httpServer.Serve(s.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("Admin server failed")
		}
	}()
}

// Shutdown stops accepting requests and waits for in-flight ones
func (s *Server) Shutdown(ctx context.Context) error {
	if !s.started.Load() {
		return s.listener.Close()
	}
	err := s.httpServer.Shutdown(ctx)
	select {
	case <-s.done:
	case <-ctx.Done():
	}
	return err
}
