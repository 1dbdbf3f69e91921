package control

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"tcpscan/internal/logging"
)

// Server wraps one HTTP listener. It is safe to call Shutdown before or
// concurrently with ListenAndServe.
type Server struct {
	name    string
	addr    string
	handler http.Handler
	log     *zap.Logger

	mu     sync.Mutex
	srv    *http.Server
	closed bool
}

func NewServer(name, addr string, handler http.Handler, log *zap.Logger) *Server {
	if log == nil {
		log = logging.Named("control")
	}
	return &Server{name: name, addr: addr, handler: handler, log: log}
}

// ListenAndServe binds addr and serves until Shutdown. A clean shutdown
// returns nil.
func (s *Server) ListenAndServe() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// Serve serves on ln until Shutdown.
func (s *Server) Serve(ln net.Listener) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = ln.Close()
		return nil
	}
	s.srv = &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 5 * time.Second,
	}
	srv := s.srv
	s.mu.Unlock()

	s.log.Info("listening", zap.String("server", s.name), zap.String("addr", ln.Addr().String()))
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting connections and waits for in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	srv := s.srv
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}
