package chrome

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chromedp/cdproto"
	"github.com/gorilla/websocket"

	"github.com/debugrelay/host/internal/debugger"
)

const (
	writeWait      = 10 * time.Second
	maxMessageSize = 64 * 1024 * 1024
)

var errConnClosed = errors.New("cdp connection closed")

// frame is one CDP message: a command, a response, or an event.
type frame struct {
	ID     int64              `json:"id,omitempty"`
	Method cdproto.MethodType `json:"method,omitempty"`
	Params json.RawMessage    `json:"params,omitempty"`
	Result json.RawMessage    `json:"result,omitempty"`
	Error  *cdproto.Error     `json:"error,omitempty"`
}

// conn is a CDP session over one target WebSocket. Responses are matched to
// commands by id; frames without an id are events.
type conn struct {
	ws      *websocket.Conn
	writeMu sync.Mutex
	nextID  atomic.Int64

	mu      sync.Mutex
	pending map[int64]chan frame

	closed    chan struct{}
	closeOnce sync.Once
	requested atomic.Bool

	onEvent func(method string, params json.RawMessage)
	onClose func(requested bool)
}

func dialConn(ctx context.Context, dialer *websocket.Dialer, wsURL string,
	onEvent func(string, json.RawMessage), onClose func(bool)) (*conn, error) {
	ws, _, err := dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, err
	}
	ws.SetReadLimit(maxMessageSize)
	c := &conn{
		ws:      ws,
		pending: make(map[int64]chan frame),
		closed:  make(chan struct{}),
		onEvent: onEvent,
		onClose: onClose,
	}
	go c.readLoop()
	return c, nil
}

// call sends a command and waits for its response.
func (c *conn) call(ctx context.Context, method string, params json.RawMessage) (json.RawMessage, error) {
	if len(params) == 0 {
		params = debugger.EmptyParams
	}
	id := c.nextID.Add(1)
	reply := make(chan frame, 1)

	c.mu.Lock()
	select {
	case <-c.closed:
		c.mu.Unlock()
		return nil, errConnClosed
	default:
	}
	c.pending[id] = reply
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	data, err := json.Marshal(frame{ID: id, Method: cdproto.MethodType(method), Params: params})
	if err != nil {
		return nil, err
	}
	c.writeMu.Lock()
	c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	err = c.ws.WriteMessage(websocket.TextMessage, data)
	c.writeMu.Unlock()
	if err != nil {
		return nil, err
	}

	select {
	case f := <-reply:
		if f.Error != nil {
			return nil, &debugger.CommandError{Method: method, Code: f.Error.Code, Message: f.Error.Message}
		}
		if len(f.Result) == 0 {
			return debugger.EmptyParams, nil
		}
		return f.Result, nil
	case <-c.closed:
		return nil, errConnClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *conn) readLoop() {
	defer c.shutdown()
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			continue
		}
		if f.ID == 0 {
			if f.Method != "" && c.onEvent != nil {
				c.onEvent(string(f.Method), f.Params)
			}
			continue
		}
		c.mu.Lock()
		reply, ok := c.pending[f.ID]
		c.mu.Unlock()
		if ok {
			reply <- f
		}
	}
}

// close ends the connection on our request.
func (c *conn) close() {
	c.requested.Store(true)
	c.writeMu.Lock()
	c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	c.writeMu.Unlock()
	c.ws.Close()
	<-c.closed
}

func (c *conn) shutdown() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		close(c.closed)
		c.mu.Unlock()
		c.ws.Close()
		if c.onClose != nil {
			c.onClose(c.requested.Load())
		}
	})
}
