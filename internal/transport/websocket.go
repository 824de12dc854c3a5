package transport

import (
	"context"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	apperrors "github.com/debugrelay/host/internal/errors"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
	maxMessageSize = 8 * 1024 * 1024

	// wsFailed is the user-facing text for any WebSocket failure.
	wsFailed = "WebSocket connection failed."
)

type outbound struct {
	data   []byte
	result chan error
}

// WebSocket is a full-duplex transport. A single writer goroutine owns all
// writes, including keepalive pings.
type WebSocket struct {
	closer

	conn     *websocket.Conn
	log      *zap.Logger
	incoming chan string
	send     chan outbound
}

// OpenWebSocket dials rawURL and starts the read and write pumps.
func OpenWebSocket(ctx context.Context, rawURL string, opts Options) (*WebSocket, error) {
	opts = opts.withDefaults()
	conn, _, err := opts.Dialer.DialContext(ctx, rawURL, opts.Header)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeTransportOpenFailed, wsFailed, err)
	}

	w := &WebSocket{
		conn:     conn,
		log:      opts.Logger.With(zap.String("transport", "websocket")),
		incoming: make(chan string, incomingBufferSize),
		send:     make(chan outbound),
	}
	w.closer.init()

	go w.writePump()
	go w.readPump()
	return w, nil
}

// Incoming implements Transport.
func (w *WebSocket) Incoming() <-chan string { return w.incoming }

// Send implements Transport.
func (w *WebSocket) Send(ctx context.Context, message string) error {
	out := outbound{data: []byte(message), result: make(chan error, 1)}
	select {
	case <-w.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	case w.send <- out:
	}

	select {
	case err := <-out.result:
		return err
	case <-w.done:
		// The writer may have finished the write just before closing.
		select {
		case err := <-out.result:
			return err
		default:
			return ErrClosed
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close implements Transport.
func (w *WebSocket) Close() error {
	w.closeWith(nil)
	return nil
}

// writePump sends queued messages and periodic pings. On close it sends a
// close frame and closes the connection, which also ends readPump.
func (w *WebSocket) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		w.conn.Close()
	}()

	for {
		select {
		case <-w.done:
			w.conn.SetWriteDeadline(time.Now().Add(writeWait))
			w.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return

		case out := <-w.send:
			w.conn.SetWriteDeadline(time.Now().Add(writeWait))
			err := w.conn.WriteMessage(websocket.TextMessage, out.data)
			if err != nil {
				err = apperrors.Wrap(apperrors.CodeTransportSendFailed, wsFailed, err)
				out.result <- err
				w.log.Warn("write failed", zap.Error(err))
				w.closeWith(err)
				return
			}
			out.result <- nil

		case <-ticker.C:
			w.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := w.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				w.closeWith(apperrors.Wrap(apperrors.CodeTransportSendFailed, wsFailed, err))
				return
			}
		}
	}
}

// readPump delivers text frames to Incoming until the connection ends.
func (w *WebSocket) readPump() {
	defer close(w.incoming)

	w.conn.SetReadLimit(maxMessageSize)
	w.conn.SetReadDeadline(time.Now().Add(pongWait))
	w.conn.SetPongHandler(func(string) error {
		w.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := w.conn.ReadMessage()
		if err != nil {
			if w.isClosed() {
				return
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				w.log.Debug("server closed connection")
				w.closeWith(nil)
				return
			}
			w.log.Debug("read failed", zap.Error(err))
			w.closeWith(apperrors.Wrap(apperrors.CodeTransportOpenFailed, wsFailed, err))
			return
		}
		w.conn.SetReadDeadline(time.Now().Add(pongWait))

		select {
		case w.incoming <- string(data):
		case <-w.done:
			return
		}
	}
}
