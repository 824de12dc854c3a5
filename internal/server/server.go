package server

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/debugrelay/host/internal/events"
	"github.com/debugrelay/host/internal/logging"
	"github.com/debugrelay/host/internal/router"
	"github.com/debugrelay/host/internal/session"
)

const (
	channelBufferSize = 256
	maxMessageSize    = 512 * 1024
)

// Default per-listener request limits.
const (
	DefaultInputRate  = rate.Limit(100)
	DefaultInputBurst = 10
)

// Dispatcher handles one routed message and returns its reply.
type Dispatcher interface {
	Dispatch(ctx context.Context, msg router.Message) any
}

// SessionLister reports the live debug sessions for /status.
type SessionLister interface {
	Sessions() []*session.Session
}

// Options configures a Server.
type Options struct {
	// Addr is the listen address, e.g. "127.0.0.1:7071". Port 0 picks a free
	// port; Addr reports the bound address once started.
	Addr string

	Router   Dispatcher
	Hub      *events.Subject
	Sessions SessionLister

	// InputRate and InputBurst bound the requests a listener may send over
	// its socket.
	InputRate  rate.Limit
	InputBurst int

	// AllowRemote accepts connections from non-loopback peers.
	AllowRemote bool

	Logger *zap.Logger
}

// Server is the messaging server.
type Server struct {
	addr     string
	opts     Options
	log      *zap.Logger
	upgrader websocket.Upgrader
	started  time.Time

	// mu protects the fields below.
	mu         sync.RWMutex
	listeners  map[string]*Listener
	stopped    bool
	httpServer *http.Server
	ln         net.Listener
	sub        events.Subscription
}

// New creates a Server and subscribes it to panel broadcasts on the hub.
func New(opts Options) *Server {
	if opts.InputRate <= 0 {
		opts.InputRate = DefaultInputRate
	}
	if opts.InputBurst <= 0 {
		opts.InputBurst = DefaultInputBurst
	}
	s := &Server{
		addr:      opts.Addr,
		opts:      opts,
		log:       logging.OrNop(opts.Logger).With(zap.String("component", "server")),
		started:   time.Now(),
		listeners: make(map[string]*Listener),
		upgrader: websocket.Upgrader{
			// Loopback peers are checked by middleware; extension origins
			// (chrome-extension://) are accepted.
			CheckOrigin:     func(*http.Request) bool { return true },
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
	if opts.Hub != nil {
		s.sub = events.Subscribe(opts.Hub, events.TopicPanel, func(_ context.Context, msg events.PanelMessage) error {
			s.Broadcast(msg)
			return nil
		})
	}
	return s
}

// Addr returns the bound address once the server is listening, and the
// configured address before that.
func (s *Server) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.ln != nil {
		return s.ln.Addr().String()
	}
	return s.addr
}

// ListenerCount returns the number of connected listeners.
func (s *Server) ListenerCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.listeners)
}

func (s *Server) addListener(l *Listener) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return false
	}
	s.listeners[l.id] = l
	return true
}

func (s *Server) removeListener(l *Listener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.listeners[l.id]; ok && cur == l {
		delete(s.listeners, l.id)
	}
}
