// Package session owns the per-tab debug relay: one Session binds an attached
// tab to one dev server connection, and the Registry keeps at most one
// Session per tab.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/chromedp/cdproto/runtime"
	"go.uber.org/zap"

	"github.com/debugrelay/host/internal/debugger"
	apperrors "github.com/debugrelay/host/internal/errors"
	"github.com/debugrelay/host/internal/events"
	"github.com/debugrelay/host/internal/reconnect"
	"github.com/debugrelay/host/internal/transport"
	"github.com/debugrelay/host/internal/wire"
)

// Server event methods the session consumes.
const (
	MethodEncodedURI  = "dwds.encodedUri"
	MethodDevToolsURI = "dwds.devtoolsUri"
	MethodDetached    = "DebugExtension.detached"
)

// LostConnectionNotice is surfaced when the dev server connection cannot be
// re-established.
const LostConnectionNotice = "Lost app connection."

const detachNoticeTimeout = 2 * time.Second

// Session relays between one attached tab and the dev server.
type Session struct {
	target  Target
	opts    Options
	log     *zap.Logger
	onEnd   func(*Session)
	batched map[string]bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	done   chan struct{}

	// sendMu orders writes to the transport, so a flush and an immediate
	// event never interleave.
	sendMu sync.Mutex

	mu          sync.Mutex
	transport   transport.Transport
	buffer      []wire.DebugEvent
	timer       *clock.Timer
	contextID   *int64
	encodedURI  string
	devToolsURI string
	unsubscribe func()
	closed      bool
}

func newSession(target Target, opts Options, onEnd func(*Session)) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		target: target,
		opts:   opts,
		log: opts.Logger.With(
			zap.Int("tab", target.TabID),
			zap.String("app", target.AppID)),
		onEnd:     onEnd,
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
		contextID: target.ContextID,
	}
	if len(opts.BatchedMethods) > 0 {
		s.batched = make(map[string]bool, len(opts.BatchedMethods))
		for _, m := range opts.BatchedMethods {
			s.batched[m] = true
		}
	}
	return s
}

// TabID returns the tab this session is attached to.
func (s *Session) TabID() int { return s.target.TabID }

// AppID returns the app id.
func (s *Session) AppID() string { return s.target.AppID }

// InstanceID returns the app instance id.
func (s *Session) InstanceID() string { return s.target.InstanceID }

// Target returns the identity the session was created with.
func (s *Session) Target() Target { return s.target }

// Done is closed once teardown has finished.
func (s *Session) Done() <-chan struct{} { return s.done }

// ContextID returns the page's default execution context, once known.
func (s *Session) ContextID() (int64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.contextID == nil {
		return 0, false
	}
	return *s.contextID, true
}

// EncodedURI returns the encoded URI last sent by the dev server.
func (s *Session) EncodedURI() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.encodedURI
}

// DevToolsURI returns the DevTools URI last sent by the dev server.
func (s *Session) DevToolsURI() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.devToolsURI
}

// Closed reports whether teardown has started.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Pending returns the number of buffered events.
func (s *Session) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buffer)
}

// start connects to the dev server and wires up CDP events. The caller has
// already attached the debugger to the tab.
func (s *Session) start(ctx context.Context) error {
	t, err := s.connect(ctx)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.transport = t
	s.mu.Unlock()

	if s.opts.LaunchDevTools {
		id, ok := s.ContextID()
		req := &wire.DevToolsRequest{
			AppID:      s.target.AppID,
			InstanceID: s.target.InstanceID,
			TabURL:     s.target.TabURL,
		}
		if ok {
			req.ContextID = &id
		}
		if err := s.send(ctx, req); err != nil {
			return err
		}
	}

	if s.opts.Hub != nil {
		sub := events.Subscribe(s.opts.Hub, events.TabTopic(s.target.TabID),
			func(ctx context.Context, ev events.CDPEvent) error {
				s.OnCDPEvent(ctx, ev.Method, ev.Params)
				return nil
			})
		s.mu.Lock()
		s.unsubscribe = sub.Unsubscribe
		s.mu.Unlock()
	}

	if _, err := s.opts.Debugger.SendCommand(ctx, s.target.TabID, runtime.CommandEnable, nil); err != nil {
		return err
	}

	s.wg.Add(1)
	go s.run(t)
	s.log.Info("debug session started", zap.String("server", s.target.ServerURL))
	return nil
}

// connect dials the dev server and sends the handshake.
func (s *Session) connect(ctx context.Context) (transport.Transport, error) {
	t, err := s.opts.Dial(ctx, s.target.ServerURL)
	if err != nil {
		return nil, err
	}
	hello := &wire.ConnectRequest{
		AppID:          s.target.AppID,
		InstanceID:     s.target.InstanceID,
		EntrypointPath: s.target.EntrypointPath,
	}
	if err := s.sendOn(ctx, t, hello); err != nil {
		t.Close()
		return nil, err
	}
	return t, nil
}

// run reads server messages until the session ends. An unrequested close
// gets one reconnect budget before the session gives up.
func (s *Session) run(t transport.Transport) {
	defer s.wg.Done()
	for {
		for raw := range t.Incoming() {
			s.handle(s.ctx, raw, true)
		}
		if s.ctx.Err() != nil {
			return
		}

		next, err := s.reconnect(t.Err())
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			s.log.Warn("app connection lost", zap.Error(err))
			s.opts.Observer.Notice(s.target.TabID, LostConnectionNotice)
			// Teardown waits for run to return.
			go s.Teardown(context.Background())
			return
		}
		t = next
	}
}

func (s *Session) reconnect(cause error) (transport.Transport, error) {
	s.log.Info("app connection closed, reconnecting", zap.Error(cause))

	var next transport.Transport
	err := reconnect.New(s.opts.Reconnect).Retry(s.ctx, func(ctx context.Context) error {
		t, err := s.connect(ctx)
		if err != nil {
			s.log.Debug("reconnect attempt failed", zap.Error(err))
			return err
		}
		next = t
		return nil
	})
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeSessionConnectionLost, LostConnectionNotice, err)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		next.Close()
		return nil, apperrors.New(apperrors.CodeSessionClosed, "session closed during reconnect")
	}
	s.transport = next
	s.mu.Unlock()
	s.log.Info("app connection re-established")
	return next, nil
}

// OnCDPEvent handles a debugger event for this tab. Batched methods are
// buffered until the next flush; others are sent at once.
func (s *Session) OnCDPEvent(ctx context.Context, method string, params json.RawMessage) {
	ev := wire.NewCDPEvent(method, params)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if method == debugger.MethodExecutionContextCreated && s.contextID == nil {
		if id, ok := debugger.DefaultContextID(params); ok {
			s.contextID = &id
		}
	}
	if s.batched != nil && !s.batched[method] {
		s.mu.Unlock()
		if err := s.send(ctx, &ev); err != nil {
			s.log.Debug("send event failed", zap.String("method", method), zap.Error(err))
		}
		return
	}
	s.appendLocked(ev)
	s.mu.Unlock()
}

// AddDebugEvent buffers an app-originated debug event.
func (s *Session) AddDebugEvent(ev wire.DebugEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.appendLocked(ev)
}

// SendRegisterEvent forwards an app registration event at once.
func (s *Session) SendRegisterEvent(ctx context.Context, ev wire.RegisterEvent) error {
	return s.send(ctx, &ev)
}

func (s *Session) appendLocked(ev wire.DebugEvent) {
	s.buffer = append(s.buffer, ev)
	if s.timer == nil {
		s.timer = s.opts.Clock.AfterFunc(s.opts.BatchInterval, func() {
			if err := s.Flush(s.ctx); err != nil {
				s.log.Debug("scheduled flush failed", zap.Error(err))
			}
		})
	}
}

// Flush sends every buffered event as one BatchedDebugEvents. An empty
// buffer sends nothing.
func (s *Session) Flush(ctx context.Context) error {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	s.mu.Lock()
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	if s.closed || len(s.buffer) == 0 {
		s.mu.Unlock()
		return nil
	}
	batch := &wire.BatchedDebugEvents{Events: s.buffer}
	s.buffer = nil
	t := s.transport
	s.mu.Unlock()

	return s.write(ctx, t, batch)
}

// HandleServerMessage decodes and handles one message from the dev server.
// Undecodable messages are answered with an ErrorResponse.
func (s *Session) HandleServerMessage(ctx context.Context, raw string) {
	s.handle(ctx, raw, false)
}

// handle decodes raw and dispatches it. With async set, command requests run
// on their own goroutine so a slow CDP round trip does not hold up other
// server messages.
func (s *Session) handle(ctx context.Context, raw string, async bool) {
	msg, err := s.opts.Codec.Decode(raw)
	if err != nil {
		s.log.Warn("invalid message from server", zap.Error(err))
		if err := s.send(ctx, &wire.ErrorResponse{Error: err.Error()}); err != nil {
			s.log.Debug("send error response failed", zap.Error(err))
		}
		return
	}

	switch m := msg.(type) {
	case *wire.ExtensionRequest:
		if !async {
			s.handleRequest(ctx, m)
			return
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleRequest(ctx, m)
		}()
	case *wire.ExtensionEvent:
		s.handleEvent(*m)
	case *wire.BatchedEvents:
		for _, ev := range m.Events {
			s.handleEvent(ev)
		}
	case *wire.DevToolsResponse:
		if !m.Success {
			s.log.Warn("dev server could not open DevTools", zap.String("error", m.Error))
			s.opts.Observer.Notice(s.target.TabID, "DevTools failed to open: "+m.Error)
		}
	case *wire.ErrorResponse:
		s.log.Warn("dev server reported an error",
			zap.String("error", m.Error),
			zap.String("stack", m.StackTrace))
	case *wire.RunRequest:
		if _, err := s.opts.Debugger.SendCommand(ctx, s.target.TabID, runtime.CommandRunIfWaitingForDebugger, nil); err != nil {
			s.log.Warn("run request failed", zap.Error(err))
		}
	case *wire.IsolateExit:
		s.mu.Lock()
		s.contextID = nil
		s.mu.Unlock()
		s.log.Debug("isolate exited")
	case *wire.IsolateStart:
		s.log.Debug("isolate started")
	case *wire.BuildResult:
		s.log.Debug("build result", zap.String("status", m.Status))
	default:
		s.log.Debug("ignoring server message", zap.String("type", string(msg.MessageType())))
	}
}

// handleRequest runs a CDP command for the dev server and always answers
// with an ExtensionResponse carrying the request id.
func (s *Session) handleRequest(ctx context.Context, req *wire.ExtensionRequest) {
	var params json.RawMessage
	if req.CommandParams != "" {
		params = json.RawMessage(req.CommandParams)
	}

	resp := &wire.ExtensionResponse{ID: req.ID}
	result, err := s.opts.Debugger.SendCommand(ctx, s.target.TabID, req.Command, params)
	if err != nil {
		resp.Error, resp.Result = describeCommandError(err)
		s.log.Debug("command failed", zap.String("command", req.Command), zap.Error(err))
	} else {
		resp.Success = true
		resp.Result = string(result)
	}

	if err := s.send(ctx, resp); err != nil {
		s.log.Warn("send response failed", zap.Int64("id", req.ID), zap.Error(err))
	}
}

// describeCommandError returns the message and the JSON form of a failed
// command's error.
func describeCommandError(err error) (message, result string) {
	var cmdErr *debugger.CommandError
	if errors.As(err, &cmdErr) {
		data, _ := json.Marshal(cmdErr)
		return cmdErr.Message, string(data)
	}
	data, _ := json.Marshal(map[string]string{"message": err.Error()})
	return err.Error(), string(data)
}

func (s *Session) handleEvent(ev wire.ExtensionEvent) {
	switch ev.Method {
	case MethodEncodedURI:
		s.mu.Lock()
		s.encodedURI = ev.Params
		s.mu.Unlock()
		s.opts.Observer.EncodedURI(s.target.TabID, ev.Params)
	case MethodDevToolsURI:
		s.mu.Lock()
		s.devToolsURI = ev.Params
		s.mu.Unlock()
	default:
		s.opts.Observer.ServerEvent(s.target.TabID, ev.Method, ev.Params)
	}
}

// send writes one message on the current transport.
func (s *Session) send(ctx context.Context, m wire.Message) error {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	s.mu.Lock()
	t, closed := s.transport, s.closed
	s.mu.Unlock()
	if closed {
		return apperrors.New(apperrors.CodeSessionClosed, "session closed")
	}
	return s.write(ctx, t, m)
}

func (s *Session) sendOn(ctx context.Context, t transport.Transport, m wire.Message) error {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	return s.write(ctx, t, m)
}

func (s *Session) write(ctx context.Context, t transport.Transport, m wire.Message) error {
	if t == nil {
		return apperrors.Wrap(apperrors.CodeTransportClosed, "no connection", transport.ErrClosed)
	}
	data, err := s.opts.Codec.Encode(m)
	if err != nil {
		return err
	}
	return t.Send(ctx, data)
}

// Teardown ends the session: it stops the batch timer, unsubscribes from CDP
// events, tells the server the debugger detached, closes the transport and
// detaches the debugger. Calling it again is a no-op.
func (s *Session) Teardown(ctx context.Context) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.buffer = nil
	t := s.transport
	unsubscribe := s.unsubscribe
	s.unsubscribe = nil
	s.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}

	if t != nil {
		select {
		case <-t.Done():
		default:
			sendCtx, cancel := context.WithTimeout(ctx, detachNoticeTimeout)
			if err := s.sendOn(sendCtx, t, &wire.ExtensionEvent{Method: MethodDetached, Params: "{}"}); err != nil {
				s.log.Debug("detach notice not sent", zap.Error(err))
			}
			cancel()
		}
	}

	s.cancel()
	if t != nil {
		t.Close()
	}
	if err := s.opts.Debugger.Detach(ctx, s.target.TabID); err != nil && !errors.Is(err, debugger.ErrNotAttached) {
		s.log.Debug("debugger detach failed", zap.Error(err))
	}

	s.wg.Wait()
	if s.onEnd != nil {
		s.onEnd(s)
	}
	s.log.Info("debug session ended")
	close(s.done)
}
