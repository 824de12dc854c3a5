// Package transport provides the persistent connection to the dev server.
//
// Two implementations share the Transport interface: an SSE pairing
// (EventSource-style GET stream for inbound, one POST per outbound message)
// and a full-duplex WebSocket. Open picks one by URL scheme.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	apperrors "github.com/debugrelay/host/internal/errors"
	"github.com/debugrelay/host/internal/logging"
)

// ErrClosed is returned by Send after the transport has closed.
var ErrClosed = errors.New("transport closed")

// Transport is one logical connection to the dev server.
type Transport interface {
	// Send delivers one encoded message. It fails with ErrClosed once the
	// transport is closed.
	Send(ctx context.Context, message string) error

	// Incoming yields inbound messages. It is closed when the reader exits.
	Incoming() <-chan string

	// Done is closed when the transport closes for any reason.
	Done() <-chan struct{}

	// Err explains an unrequested close. It is nil after Close or a clean
	// close from the server.
	Err() error

	// Close shuts the transport down. Safe to call more than once.
	Close() error
}

// Defaults for Options.
const (
	DefaultSendAttempts = 3
	DefaultRetryDelay   = 200 * time.Millisecond

	incomingBufferSize = 256
)

// Options configures Open.
type Options struct {
	// HTTPClient is used by the SSE transport. Nil means a client without
	// an overall timeout, since the stream is long-lived.
	HTTPClient *http.Client

	// Dialer is used by the WebSocket transport. Nil means websocket.DefaultDialer.
	Dialer *websocket.Dialer

	// Header is sent with the stream request or WebSocket handshake.
	Header http.Header

	// SendAttempts bounds the POST attempts per SSE message.
	SendAttempts int

	// RetryDelay is the pause between SSE POST attempts.
	RetryDelay time.Duration

	Logger *zap.Logger
}

func (o Options) withDefaults() Options {
	if o.HTTPClient == nil {
		o.HTTPClient = &http.Client{}
	}
	if o.Dialer == nil {
		o.Dialer = websocket.DefaultDialer
	}
	if o.SendAttempts <= 0 {
		o.SendAttempts = DefaultSendAttempts
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = DefaultRetryDelay
	}
	o.Logger = logging.OrNop(o.Logger)
	return o
}

// Dialer opens a transport to a URL. Sessions take one so tests can swap in
// an in-memory transport.
type Dialer func(ctx context.Context, rawURL string) (Transport, error)

// NewDialer returns a Dialer that calls Open with opts.
func NewDialer(opts Options) Dialer {
	return func(ctx context.Context, rawURL string) (Transport, error) {
		return Open(ctx, rawURL, opts)
	}
}

// Open connects to rawURL: ws and wss use WebSocket, http and https use SSE.
func Open(ctx context.Context, rawURL string, opts Options) (Transport, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeTransportOpenFailed, fmt.Sprintf("invalid url %q", rawURL), err)
	}
	switch u.Scheme {
	case "ws", "wss":
		return OpenWebSocket(ctx, rawURL, opts)
	case "http", "https":
		return OpenSSE(ctx, rawURL, opts)
	}
	return nil, apperrors.New(apperrors.CodeTransportUnsupported, fmt.Sprintf("unsupported scheme %q", u.Scheme))
}

// closer tracks the single transition to closed.
type closer struct {
	once sync.Once
	done chan struct{}

	mu  sync.Mutex
	err error
}

func (c *closer) init() {
	c.done = make(chan struct{})
}

// closeWith records err and closes done. Only the first call has effect;
// it reports whether this call did the close.
func (c *closer) closeWith(err error) bool {
	first := false
	c.once.Do(func() {
		c.mu.Lock()
		c.err = err
		c.mu.Unlock()
		close(c.done)
		first = true
	})
	return first
}

func (c *closer) isClosed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// Done implements Transport.
func (c *closer) Done() <-chan struct{} { return c.done }

// Err implements Transport.
func (c *closer) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}
