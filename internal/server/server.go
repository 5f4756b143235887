package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"
)

const DefaultShutdownTimeout = 5 * time.Second

// Server runs the router on a listen address as a supervised service.
type Server struct {
	Addr            string
	Handler         http.Handler
	ShutdownTimeout time.Duration
	Logger          *slog.Logger

	// Ready, when non-nil, receives the bound address once listening.
	Ready chan<- net.Addr
}

// NewServer builds a service serving r on addr.
func NewServer(addr string, r *Router, logger *slog.Logger) *Server {
	return &Server{Addr: addr, Handler: r.Handler(), Logger: logger}
}

// Serve listens until ctx is cancelled, then shuts the HTTP server down
// gracefully. A listen or serve failure is returned as an error.
func (s *Server) Serve(ctx context.Context) error {
	log := s.Logger
	if log == nil {
		log = slog.Default()
	}
	srv := &http.Server{
		Handler:           s.Handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	ln, err := net.Listen("tcp", s.Addr)
	if err != nil {
		return fmt.Errorf("http server listen %s: %w", s.Addr, err)
	}
	log.Info("HTTP server listening", "addr", ln.Addr().String())
	if s.Ready != nil {
		select {
		case s.Ready <- ln.Addr():
		default:
		}
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
		timeout := s.ShutdownTimeout
		if timeout <= 0 {
			timeout = DefaultShutdownTimeout
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			_ = srv.Close()
			return fmt.Errorf("http server shutdown failed: %w", err)
		}
		<-errCh
		log.Info("HTTP server stopped")
		return ctx.Err()
	}
}

func (s *Server) String() string { return "http-server" }
