package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"go.uber.org/zap"
)

// StartAsync binds the listen address and serves in a goroutine. The
// returned channel receives nil once the listener is bound, or the bind
// error.
func (s *Server) StartAsync() <-chan error {
	errCh := make(chan error, 1)

	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		errCh <- fmt.Errorf("failed to listen on %s: %w", s.addr, err)
		close(errCh)
		return errCh
	}

	srv := &http.Server{Handler: s.Handler()}
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		ln.Close()
		errCh <- errors.New("server stopped")
		close(errCh)
		return errCh
	}
	s.ln = ln
	s.httpServer = srv
	s.mu.Unlock()

	s.log.Info("messaging server listening", zap.String("addr", ln.Addr().String()))
	errCh <- nil
	close(errCh)

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("messaging server stopped", zap.Error(err))
		}
	}()
	return errCh
}

// Stop closes every listener socket and shuts the HTTP server down,
// waiting for in-flight requests until ctx expires.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	for _, l := range s.listeners {
		l.close()
	}
	s.listeners = make(map[string]*Listener)
	srv := s.httpServer
	sub := s.sub
	s.mu.Unlock()

	if sub.Unsubscribe != nil {
		sub.Unsubscribe()
	}
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}
