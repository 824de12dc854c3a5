package server

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	apperrors "github.com/debugrelay/host/internal/errors"
	"github.com/debugrelay/host/internal/events"
	"github.com/debugrelay/host/internal/router"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
	replyWait  = 5 * time.Second
)

// Listener is one connected /runtime/listen socket.
type Listener struct {
	id     string
	conn   *websocket.Conn
	server *Server
	log    *zap.Logger

	// recipient and tabID filter broadcasts. Zero values accept everything.
	recipient string
	tabID     int

	send     chan Frame
	done     chan struct{}
	doneOnce sync.Once

	// limiter bounds in-socket requests.
	limiter *rate.Limiter

	// ctx is cancelled when the socket goes away, abandoning in-flight
	// requests.
	ctx    context.Context
	cancel context.CancelFunc
}

// ID returns the listener id sent in the hello frame.
func (l *Listener) ID() string { return l.id }

// accepts reports whether msg is addressed to this listener. Messages without
// a recipient or tab go to everyone.
func (l *Listener) accepts(msg events.PanelMessage) bool {
	if l.recipient != "" && msg.Recipient != "" && msg.Recipient != l.recipient {
		return false
	}
	if l.tabID != 0 && msg.TabID != 0 && msg.TabID != l.tabID {
		return false
	}
	return true
}

// close signals both pumps to stop. Safe to call more than once.
func (l *Listener) close() {
	l.doneOnce.Do(func() {
		close(l.done)
		l.cancel()
	})
}

// writePump sends queued frames and periodic pings until the listener closes.
func (l *Listener) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		l.conn.Close()
	}()

	for {
		select {
		case <-l.done:
			l.conn.SetWriteDeadline(time.Now().Add(writeWait))
			l.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return

		case f := <-l.send:
			data, err := json.Marshal(f)
			if err != nil {
				l.log.Warn("marshal frame failed", zap.String("name", f.Name), zap.Error(err))
				continue
			}
			l.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := l.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				l.log.Debug("write failed", zap.Error(err))
				l.close()
				return
			}

		case <-ticker.C:
			l.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := l.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				l.close()
				return
			}
		}
	}
}

// readPump handles frames from the listener until the socket closes.
func (l *Listener) readPump() {
	defer func() {
		l.server.removeListener(l)
		l.close()
		l.log.Info("listener disconnected", zap.Int("remaining", l.server.ListenerCount()))
	}()

	l.conn.SetReadLimit(maxMessageSize)
	l.conn.SetReadDeadline(time.Now().Add(pongWait))
	l.conn.SetPongHandler(func(string) error {
		l.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := l.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseNormalClosure,
				websocket.CloseAbnormalClosure) {
				l.log.Debug("read error", zap.Error(err))
			}
			return
		}
		l.conn.SetReadDeadline(time.Now().Add(pongWait))

		var f Frame
		if err := json.Unmarshal(data, &f); err != nil {
			l.log.Debug("malformed frame", zap.Error(err))
			l.reply("", router.ErrorReply(apperrors.Wrap(apperrors.CodeRouterInvalidOptions, "malformed frame", err)))
			continue
		}
		if f.Type != FrameRequest {
			l.log.Debug("ignoring frame", zap.String("type", string(f.Type)))
			continue
		}
		l.handleRequest(f)
	}
}

// handleRequest dispatches a request frame. Handlers may block on the
// browser or the network, so each runs on its own goroutine and the reply
// is correlated by id.
func (l *Listener) handleRequest(f Frame) {
	if !l.limiter.Allow() {
		l.log.Warn("request rate limited", zap.String("name", f.Name))
		l.reply(f.ID, router.ErrorReply(apperrors.New(apperrors.CodeRouterRateLimited, "rate limit exceeded")))
		return
	}

	surface := f.Surface
	if surface == "" {
		surface = router.SurfaceRuntime
	}
	if surface != router.SurfaceRuntime && surface != router.SurfaceExternal {
		l.reply(f.ID, router.ErrorReply(apperrors.New(apperrors.CodeRouterForbidden,
			"surface "+string(surface)+" is not available to listeners")))
		return
	}

	msg := f.request().toRouter(surface)
	if msg.Sender.ID == "" {
		msg.Sender.ID = l.id
	}
	go func() {
		l.reply(f.ID, l.server.opts.Router.Dispatch(l.ctx, msg))
	}()
}

// reply queues a reply frame, waiting up to replyWait for buffer space.
func (l *Listener) reply(id string, result any) {
	f := Frame{Type: FrameReply, ID: id, Reply: result}
	timer := time.NewTimer(replyWait)
	defer timer.Stop()
	select {
	case <-l.done:
	case l.send <- f:
	case <-timer.C:
		l.log.Warn("timeout queueing reply", zap.String("id", id))
	}
}
