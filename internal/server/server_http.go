package server

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/debugrelay/host/internal/router"
	"github.com/debugrelay/host/internal/wire"
)

// Handler returns the server's routes.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	if !s.opts.AllowRemote {
		r.Use(s.loopbackOnly)
	}

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	r.Get("/status", s.handleStatus)

	r.Route("/runtime", func(r chi.Router) {
		r.Post("/message", s.handleMessage(router.SurfaceRuntime))
		r.Post("/external", s.handleMessage(router.SurfaceExternal))
		r.Get("/listen", s.handleListen)
	})
	return r
}

// loopbackOnly rejects requests from peers outside the local machine.
func (s *Server) loopbackOnly(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !isLoopbackRequest(r) {
			s.log.Warn("rejected non-local request", zap.String("remote", r.RemoteAddr))
			http.Error(w, "Forbidden: messaging server is local-only", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// isLoopbackRequest reports whether r comes from 127.0.0.0/8 or ::1.
func isLoopbackRequest(r *http.Request) bool {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return false
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// handleMessage answers one request on surface. Handler failures are
// replies, not HTTP errors: the body is an ErrorResponse with status 200.
func (s *Server) handleMessage(surface router.Surface) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxMessageSize)

		var msg RuntimeMessage
		if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
			writeJSON(w, http.StatusBadRequest, &wire.ErrorResponse{Error: "invalid message: " + err.Error()})
			return
		}
		if msg.Name == "" {
			writeJSON(w, http.StatusBadRequest, &wire.ErrorResponse{Error: "invalid message: name is required"})
			return
		}

		reply := s.opts.Router.Dispatch(r.Context(), msg.toRouter(surface))
		writeJSON(w, http.StatusOK, reply)
	}
}

// handleListen upgrades to a listener socket. The optional recipient and
// tabId query parameters narrow the broadcasts it receives.
func (s *Server) handleListen(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var tabID int
	if v := q.Get("tabId"); v != "" {
		id, err := strconv.Atoi(v)
		if err != nil {
			http.Error(w, "invalid tabId", http.StatusBadRequest)
			return
		}
		tabID = id
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug("websocket upgrade failed", zap.Error(err))
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	l := &Listener{
		id:        uuid.NewString(),
		conn:      conn,
		server:    s,
		recipient: q.Get("recipient"),
		tabID:     tabID,
		send:      make(chan Frame, channelBufferSize),
		done:      make(chan struct{}),
		limiter:   rate.NewLimiter(s.opts.InputRate, s.opts.InputBurst),
		ctx:       ctx,
		cancel:    cancel,
	}
	l.log = s.log.With(zap.String("listener", l.id))

	l.send <- Frame{Type: FrameHello, ID: l.id}
	if !s.addListener(l) {
		cancel()
		conn.Close()
		return
	}
	l.log.Info("listener connected",
		zap.String("recipient", l.recipient),
		zap.Int("tab", l.tabID),
		zap.Int("total", s.ListenerCount()))

	go l.writePump()
	go l.readPump()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
