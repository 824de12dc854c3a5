package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/debugrelay/host/internal/debugger"
	"github.com/debugrelay/host/internal/debugger/debuggertest"
	apperrors "github.com/debugrelay/host/internal/errors"
	"github.com/debugrelay/host/internal/events"
	"github.com/debugrelay/host/internal/reconnect"
	"github.com/debugrelay/host/internal/router"
	"github.com/debugrelay/host/internal/session"
	"github.com/debugrelay/host/internal/transport/transporttest"
	"github.com/debugrelay/host/internal/wire"
)

type fakeNotifier struct {
	mu   sync.Mutex
	msgs []string
}

func (n *fakeNotifier) Notify(_ int, message string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.msgs = append(n.msgs, message)
}

func (n *fakeNotifier) messages() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.msgs...)
}

type env struct {
	bridge   *Bridge
	router   *router.Router
	browser  *debuggertest.Fake
	dialer   *transporttest.Dialer
	hub      *events.Subject
	notifier *fakeNotifier
	clock    *clock.Mock
}

func newEnv(t *testing.T) *env {
	t.Helper()
	e := &env{
		browser:  debuggertest.New(),
		dialer:   &transporttest.Dialer{},
		hub:      events.NewSubject(),
		notifier: &fakeNotifier{},
		clock:    clock.NewMock(),
	}
	e.bridge = New(Options{
		Browser:  e.browser,
		Hub:      e.hub,
		Notifier: e.notifier,
		Session: session.Options{
			Dial:           e.dialer.Dial,
			LaunchDevTools: true,
			Reconnect: reconnect.Policy{
				Initial:  10 * time.Millisecond,
				Ceiling:  50 * time.Millisecond,
				Attempts: 1,
				Jitter:   -1,
			},
			Clock: e.clock,
		},
		ForwardEvents: []string{"Overlay.inspectNodeRequested"},
	})
	e.router = router.New(router.Options{})
	e.bridge.Register(e.router)
	t.Cleanup(func() {
		e.bridge.Close(context.Background())
		events.Complete(e.hub)
	})
	return e
}

// page makes tabID look like a dwds app served from serverURL.
func (e *env) page(tabID int, serverURL, appID, dwdsVersion string) {
	value, _ := json.Marshal([]any{serverURL, appID, "inst-" + appID, dwdsVersion, "main.dart.js"})
	e.browser.Evaluations[tabID] = &debugger.Evaluation{ContextID: 3, Value: value}
	e.browser.Tabs[tabID] = debugger.Tab{ID: tabID, URL: fmt.Sprintf("http://localhost:8080/tab%d", tabID)}
}

func (e *env) runtime(kind string, tabID int, opts any) any {
	raw, _ := json.Marshal(opts)
	return e.router.Dispatch(context.Background(), router.Message{
		Surface: router.SurfaceRuntime,
		Kind:    kind,
		TabID:   tabID,
		Options: raw,
	})
}

func (e *env) external(kind string, opts any) any {
	raw, _ := json.Marshal(opts)
	return e.router.Dispatch(context.Background(), router.Message{
		Surface: router.SurfaceExternal,
		Kind:    kind,
		Sender:  router.Sender{ID: "other-extension"},
		Options: raw,
	})
}

func (e *env) panel(t *testing.T) <-chan events.PanelMessage {
	t.Helper()
	ch := make(chan events.PanelMessage, 16)
	sub := events.Subscribe(e.hub, events.TopicPanel, func(_ context.Context, m events.PanelMessage) error {
		ch <- m
		return nil
	})
	t.Cleanup(sub.Unsubscribe)
	return ch
}

func waitPanel(t *testing.T, ch <-chan events.PanelMessage, name string) events.PanelMessage {
	t.Helper()
	deadline := time.After(time.Second)
	for {
		select {
		case m := <-ch:
			if m.Name == name {
				return m
			}
		case <-deadline:
			t.Fatalf("no panel message %q", name)
		}
	}
}

func errorText(t *testing.T, reply any) string {
	t.Helper()
	errResp, ok := reply.(*wire.ErrorResponse)
	require.True(t, ok, "want ErrorResponse, got %#v", reply)
	return errResp.Error
}

func TestStartDebuggingHappyPath(t *testing.T) {
	e := newEnv(t)
	e.page(5, "http://localhost:8080/$debug", "app1", "9.0.0")
	pipe := transporttest.NewPipe()
	e.dialer.Queue(pipe)

	assert.Equal(t, true, e.runtime(KindDartAppDetected, 5, DetectedOptions{}))
	reply := e.runtime(KindStartDebugging, 5, nil)

	res, ok := reply.(*StartResult)
	require.True(t, ok, "got %#v", reply)
	assert.Equal(t, &StartResult{Success: true, TabID: 5, AppID: "app1", InstanceID: "inst-app1"}, res)

	s, ok := e.bridge.Registry().FindByTab(5)
	require.True(t, ok)
	assert.Equal(t, "app1", s.AppID())
	assert.Equal(t, []string{"http://localhost:8080/$debug"}, e.dialer.URLs())

	sent := pipe.Sent()
	require.Len(t, sent, 2)
	hello, err := wire.Decode(sent[0])
	require.NoError(t, err)
	assert.Equal(t, &wire.ConnectRequest{AppID: "app1", InstanceID: "inst-app1", EntrypointPath: "main.dart.js"}, hello)

	m, err := wire.Decode(sent[1])
	require.NoError(t, err)
	dt, ok := m.(*wire.DevToolsRequest)
	require.True(t, ok)
	require.NotNil(t, dt.ContextID)
	assert.Equal(t, int64(3), *dt.ContextID)
	assert.Equal(t, "http://localhost:8080/tab5", dt.TabURL)
	assert.Empty(t, e.notifier.messages())
}

func TestStartRefusedWithWarning(t *testing.T) {
	e := newEnv(t)
	e.page(5, "http://localhost:8080/$debug", "app1", "9.0.0")

	e.runtime(KindDartAppDetected, 5, DetectedOptions{Warning: "Multiple apps detected."})
	reply := e.runtime(KindStartDebugging, 5, nil)

	assert.Equal(t, "Multiple apps detected.", errorText(t, reply))
	assert.Equal(t, []string{"Multiple apps detected."}, e.notifier.messages())
	assert.Equal(t, 0, e.bridge.Registry().Len())
}

func TestStartWithoutDartGlobals(t *testing.T) {
	e := newEnv(t)
	e.browser.Evaluations[5] = &debugger.Evaluation{ContextID: 1, Value: json.RawMessage(`[null,null,null,null,null]`)}

	reply := e.runtime(KindStartDebugging, 5, nil)
	assert.Equal(t, MsgNotDetected, errorText(t, reply))

	e.runtime(KindDartAppDetected, 5, DetectedOptions{})
	reply = e.runtime(KindStartDebugging, 5, nil)
	assert.Equal(t, MsgMissingGlobals, errorText(t, reply))
}

func TestStartAttachFailures(t *testing.T) {
	e := newEnv(t)
	e.page(5, "http://localhost:8080/$debug", "app1", "9.0.0")

	e.browser.AttachErr = errors.New("Cannot access contents of url \"chrome://newtab/\"")
	reply := e.runtime(KindStartDebugging, 5, nil)
	assert.Equal(t, MsgNoDartApp, errorText(t, reply))

	e.browser.AttachErr = fmt.Errorf("tab 5: %w", debugger.ErrAlreadyAttached)
	reply = e.runtime(KindStartDebugging, 5, nil)
	assert.Equal(t, MsgAlreadyOpened, errorText(t, reply))
}

func TestStartOtherAppOnAttachedTab(t *testing.T) {
	e := newEnv(t)
	e.page(5, "http://localhost:8080/$debug", "app1", "9.0.0")
	e.dialer.Queue(transporttest.NewPipe())
	_, ok := e.runtime(KindStartDebugging, 5, nil).(*StartResult)
	require.True(t, ok)

	e.page(5, "http://localhost:8080/$debug", "app2", "9.0.0")
	reply := e.runtime(KindStartDebugging, 5, nil)
	assert.Equal(t, MsgAlreadyOpened, errorText(t, reply))

	s, ok := e.bridge.Registry().FindByTab(5)
	require.True(t, ok)
	assert.Equal(t, "app1", s.AppID())
}

func TestAuthentication(t *testing.T) {
	var authenticated bool
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/$dwdsExtensionAuthentication" {
			http.NotFound(w, r)
			return
		}
		mu.Lock()
		defer mu.Unlock()
		if authenticated {
			fmt.Fprint(w, "Dart Debug Authentication Success!\n\nYou can close this tab.")
			return
		}
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	e := newEnv(t)
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/$debug"
	e.page(5, wsURL, "app1", "9.1.0")

	reply := e.runtime(KindStartDebugging, 5, nil)
	assert.Equal(t, MsgNotAuthenticated, errorText(t, reply))
	notices := e.notifier.messages()
	require.NotEmpty(t, notices)
	assert.Contains(t, notices[0], srv.URL+"/$dwdsExtensionAuthentication")
	assert.Empty(t, e.dialer.URLs())

	mu.Lock()
	authenticated = true
	mu.Unlock()
	e.dialer.Queue(transporttest.NewPipe())

	_, ok := e.runtime(KindStartDebugging, 5, nil).(*StartResult)
	assert.True(t, ok)
	assert.Equal(t, []string{wsURL}, e.dialer.URLs())
}

func TestStopDebugging(t *testing.T) {
	e := newEnv(t)
	e.page(5, "http://localhost:8080/$debug", "app1", "9.0.0")
	pipe := transporttest.NewPipe()
	e.dialer.Queue(pipe)
	e.runtime(KindStartDebugging, 5, nil)

	assert.Equal(t, true, e.runtime(KindStopDebugging, 5, nil))
	assert.Equal(t, 0, e.bridge.Registry().Len())
	closed, _ := pipe.Closed()
	assert.True(t, closed)

	reply := e.runtime(KindStopDebugging, 5, nil)
	assert.Equal(t, "no session for tab 5", errorText(t, reply))
}

func TestDebugAndRegisterEvents(t *testing.T) {
	e := newEnv(t)
	ev := wire.DebugEvent{Kind: wire.DebugEventSucceeded, EventData: "hot-restart", Timestamp: 10}

	reply := e.runtime(KindDebugEvent, 5, ev)
	assert.Equal(t, "no session for tab 5", errorText(t, reply))

	e.page(5, "http://localhost:8080/$debug", "app1", "9.0.0")
	pipe := transporttest.NewPipe()
	e.dialer.Queue(pipe)
	e.runtime(KindStartDebugging, 5, nil)

	assert.Equal(t, true, e.runtime(KindDebugEvent, 5, ev))
	s, _ := e.bridge.Registry().FindByTab(5)
	assert.Equal(t, 1, s.Pending())

	assert.Equal(t, true, e.runtime(KindRegisterEvent, 5, wire.RegisterEvent{EventData: "reg", Timestamp: 11}))
	sent := pipe.Sent()
	m, err := wire.Decode(sent[len(sent)-1])
	require.NoError(t, err)
	assert.Equal(t, &wire.RegisterEvent{EventData: "reg", Timestamp: 11}, m)
}

func TestExternalSendCommand(t *testing.T) {
	e := newEnv(t)
	e.browser.SetAttached(7, true)
	e.browser.Results["Overlay.setInspectMode"] = json.RawMessage(`{"ok":true}`)

	opts := SendCommandOptions{TabID: 7}
	opts.Options.Method = "Overlay.setInspectMode"
	opts.Options.CommandParams = json.RawMessage(`{"mode":"none"}`)
	reply := e.external(KindSendCommand, opts)

	raw, ok := reply.(json.RawMessage)
	require.True(t, ok, "got %#v", reply)
	assert.JSONEq(t, `{"ok":true}`, string(raw))

	cmds := e.browser.Commands()
	assert.Equal(t, 7, cmds[0].TabID)
	assert.JSONEq(t, `{"mode":"none"}`, string(cmds[0].Params))

	reply = e.external(KindSendCommand, SendCommandOptions{TabID: 7})
	assert.Equal(t, "options.method is required", errorText(t, reply))
}

func TestExternalEncodedURIAndStart(t *testing.T) {
	e := newEnv(t)
	panel := e.panel(t)
	e.page(5, "http://localhost:8080/$debug", "app1", "9.0.0")
	e.dialer.Queue(transporttest.NewPipe())

	assert.Equal(t, "", e.external(KindEncodedURI, TabOptions{TabID: 5}))
	assert.Equal(t, true, e.external(KindExternalStartDebug, TabOptions{TabID: 5}))

	s, ok := e.bridge.Registry().FindByTab(5)
	require.True(t, ok)
	s.HandleServerMessage(context.Background(), `{"type":"ExtensionEvent","method":"dwds.encodedUri","params":"abc123"}`)

	assert.Equal(t, "abc123", e.external(KindEncodedURI, TabOptions{TabID: 5}))
	m := waitPanel(t, panel, session.MethodEncodedURI)
	assert.Equal(t, RecipientPanel, m.Recipient)
	assert.JSONEq(t, `"abc123"`, string(m.Options))

	s.HandleServerMessage(context.Background(), `{"type":"ExtensionEvent","method":"dwds.custom","params":"{\"a\":1}"}`)
	m = waitPanel(t, panel, "dwds.custom")
	assert.JSONEq(t, `{"a":1}`, string(m.Options))
}

func TestUnknownNames(t *testing.T) {
	e := newEnv(t)
	assert.Equal(t, "Unknown request name: nope", errorText(t, e.external("nope", nil)))
	assert.Equal(t, "Unknown request name: nope", errorText(t, e.runtime("nope", 1, nil)))
}

func TestCDPEventsReachSessionAndListeners(t *testing.T) {
	e := newEnv(t)
	panel := e.panel(t)
	e.page(5, "http://localhost:8080/$debug", "app1", "9.0.0")
	e.dialer.Queue(transporttest.NewPipe())
	e.runtime(KindStartDebugging, 5, nil)
	s, _ := e.bridge.Registry().FindByTab(5)

	e.router.OnEvent(5, "Debugger.paused", json.RawMessage(`{"reason":"other"}`))
	e.router.OnEvent(5, "Overlay.inspectNodeRequested", json.RawMessage(`{"backendNodeId":4}`))

	require.Eventually(t, func() bool { return s.Pending() == 2 }, time.Second, 5*time.Millisecond)

	m := waitPanel(t, panel, KindForwardedDebugEvent)
	assert.Equal(t, RecipientExternal, m.Recipient)
	assert.Equal(t, 5, m.TabID)
	assert.JSONEq(t, `{"method":"Overlay.inspectNodeRequested","params":{"backendNodeId":4}}`, string(m.Options))
}

func TestBrowserDetachAndTabRemoval(t *testing.T) {
	e := newEnv(t)
	e.page(5, "http://localhost:8080/$debug", "app1", "9.0.0")
	pipe := transporttest.NewPipe()
	e.dialer.Queue(pipe)
	e.runtime(KindDartAppDetected, 5, DetectedOptions{})
	e.runtime(KindStartDebugging, 5, nil)

	e.browser.SetAttached(5, false)
	e.router.OnDetach(5, debugger.ReasonCanceledByUser)
	assert.Equal(t, 0, e.bridge.Registry().Len())
	closed, _ := pipe.Closed()
	assert.True(t, closed)

	detected, _ := e.bridge.Detected(5)
	assert.True(t, detected)
	e.router.OnTabRemoved(5)
	detected, _ = e.bridge.Detected(5)
	assert.False(t, detected)
}

func TestLostConnectionNotifies(t *testing.T) {
	e := newEnv(t)
	e.page(5, "http://localhost:8080/$debug", "app1", "9.0.0")
	pipe := transporttest.NewPipe()
	e.dialer.Queue(pipe)
	e.runtime(KindStartDebugging, 5, nil)
	s, _ := e.bridge.Registry().FindByTab(5)

	pipe.Drop(errors.New("eof"))
	require.Eventually(t, func() bool {
		e.clock.Add(50 * time.Millisecond)
		return s.Closed()
	}, 2*time.Second, 5*time.Millisecond)

	<-s.Done()
	assert.Contains(t, e.notifier.messages(), session.LostConnectionNotice)
	assert.Equal(t, 0, e.bridge.Registry().Len())
}

func TestParseGlobals(t *testing.T) {
	p, err := parseGlobals(json.RawMessage(`["http://h/$debug","a","i",null]`))
	require.NoError(t, err)
	assert.Equal(t, "0.0.0", p.Version)
	assert.Equal(t, "", p.EntrypointPath)

	_, err = parseGlobals(json.RawMessage(`["http://h/$debug",null,"i","9.0.0"]`))
	assert.Equal(t, apperrors.CodeBridgeAppNotDetected, apperrors.GetCode(err))

	_, err = parseGlobals(json.RawMessage(`{}`))
	assert.Error(t, err)
}

func TestAuthURL(t *testing.T) {
	tests := map[string]string{
		"ws://localhost:8080/$debug":        "http://localhost:8080/$dwdsExtensionAuthentication",
		"wss://example.com/app/$debug":      "https://example.com/app/$dwdsExtensionAuthentication",
		"http://localhost:8080/$debug?x=1":  "http://localhost:8080/$dwdsExtensionAuthentication",
		"https://example.com/$sseHandler/x": "https://example.com/$sseHandler/$dwdsExtensionAuthentication",
	}
	for in, want := range tests {
		got, err := authURL(in)
		require.NoError(t, err)
		assert.Equal(t, want, got, in)
	}
}

func TestRequiresAuth(t *testing.T) {
	assert.False(t, requiresAuth("0.0.0"))
	assert.False(t, requiresAuth("9.0.9"))
	assert.True(t, requiresAuth("9.1.0"))
	assert.True(t, requiresAuth("13.1.0-dev"))
	assert.False(t, requiresAuth("not a version"))
}
