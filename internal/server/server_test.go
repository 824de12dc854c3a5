package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/debugrelay/host/internal/debugger/debuggertest"
	"github.com/debugrelay/host/internal/events"
	"github.com/debugrelay/host/internal/router"
	"github.com/debugrelay/host/internal/session"
	"github.com/debugrelay/host/internal/transport/transporttest"
	"github.com/debugrelay/host/internal/wire"
)

type echoOptions struct {
	Value string `json:"value"`
}

func newTestRouter(allowed ...string) *router.Router {
	r := router.New(router.Options{AllowedSenders: allowed})
	echo := func(_ context.Context, msg router.Message, opts echoOptions) (any, error) {
		return map[string]any{"value": opts.Value, "tab": msg.TabID, "sender": msg.Sender.ID}, nil
	}
	router.Register(r, router.SurfaceRuntime, "echo", echo)
	router.Register(r, router.SurfaceExternal, "echo", echo)
	router.Register(r, router.SurfaceRuntime, "fail", func(context.Context, router.Message, echoOptions) (any, error) {
		return nil, errors.New("handler failed")
	})
	return r
}

func newTestServer(t *testing.T, configure ...func(*Options)) (*Server, *httptest.Server, *events.Subject) {
	t.Helper()
	hub := events.NewSubject()
	opts := Options{Router: newTestRouter(), Hub: hub}
	for _, fn := range configure {
		fn(&opts)
	}
	s := New(opts)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		s.Stop(context.Background())
		ts.Close()
		events.Complete(hub)
	})
	return s, ts, hub
}

func post(t *testing.T, url, body string) (int, map[string]any) {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("post failed: %v", err)
	}
	defer resp.Body.Close()
	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	return resp.StatusCode, out
}

func listen(t *testing.T, ts *httptest.Server, query string) (*websocket.Conn, string) {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/runtime/listen" + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	hello := readFrame(t, conn)
	if hello.Type != FrameHello || hello.ID == "" {
		t.Fatalf("expected hello frame, got %+v", hello)
	}
	return conn, hello.ID
}

func readFrame(t *testing.T, conn *websocket.Conn) Frame {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var f Frame
	if err := conn.ReadJSON(&f); err != nil {
		t.Fatalf("read failed: %v", err)
	}
	return f
}

func waitListeners(t *testing.T, s *Server, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for s.ListenerCount() != n {
		if time.Now().After(deadline) {
			t.Fatalf("expected %d listeners, have %d", n, s.ListenerCount())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestHealth(t *testing.T) {
	_, ts, _ := newTestServer(t)

	resp, err := http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK || string(body) != "ok" {
		t.Fatalf("unexpected health response %d %q", resp.StatusCode, body)
	}
}

func TestRuntimeMessage(t *testing.T) {
	_, ts, _ := newTestServer(t)

	status, out := post(t, ts.URL+"/runtime/message",
		`{"name":"echo","tabId":4,"sender":{"id":"panel"},"options":{"value":"hi"}}`)
	if status != http.StatusOK {
		t.Fatalf("expected 200, got %d", status)
	}
	if out["value"] != "hi" || out["tab"] != float64(4) || out["sender"] != "panel" {
		t.Fatalf("unexpected reply %v", out)
	}
}

func TestHandlerErrorsAreReplies(t *testing.T) {
	_, ts, _ := newTestServer(t)

	tests := []struct {
		name string
		url  string
		body string
		want string
	}{
		{"unknown name", "/runtime/message", `{"name":"nope"}`, "Unknown request name: nope"},
		{"handler error", "/runtime/message", `{"name":"fail"}`, "handler failed"},
		{"runtime only kind", "/runtime/external", `{"name":"fail"}`, "Unknown request name: fail"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, out := post(t, ts.URL+tt.url, tt.body)
			if status != http.StatusOK {
				t.Fatalf("expected 200, got %d", status)
			}
			if out["error"] != tt.want {
				t.Fatalf("expected error %q, got %v", tt.want, out)
			}
		})
	}
}

func TestMalformedRequests(t *testing.T) {
	_, ts, _ := newTestServer(t)

	for _, body := range []string{`not json`, `{"options":{}}`} {
		status, out := post(t, ts.URL+"/runtime/message", body)
		if status != http.StatusBadRequest {
			t.Fatalf("%s: expected 400, got %d", body, status)
		}
		if msg, _ := out["error"].(string); !strings.HasPrefix(msg, "invalid message") {
			t.Fatalf("%s: unexpected error %v", body, out)
		}
	}

	resp, err := http.Get(ts.URL + "/runtime/message")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", resp.StatusCode)
	}
}

func TestExternalSenderFilter(t *testing.T) {
	_, ts, _ := newTestServer(t, func(o *Options) {
		o.Router = newTestRouter("trusted-extension")
	})

	_, out := post(t, ts.URL+"/runtime/external", `{"name":"echo","sender":{"id":"stranger"}}`)
	if msg, _ := out["error"].(string); !strings.Contains(msg, "not allowed") {
		t.Fatalf("expected forbidden reply, got %v", out)
	}

	_, out = post(t, ts.URL+"/runtime/external", `{"name":"echo","sender":{"id":"trusted-extension"},"options":{"value":"ok"}}`)
	if out["value"] != "ok" {
		t.Fatalf("expected echo reply, got %v", out)
	}
}

func TestListenerReceivesAddressedBroadcasts(t *testing.T) {
	s, ts, hub := newTestServer(t)
	panel, _ := listen(t, ts, "?recipient=panel-script&tabId=5")
	external, _ := listen(t, ts, "?recipient=external")
	waitListeners(t, s, 2)

	send := func(msg events.PanelMessage) {
		if err := events.Emit(hub, events.TopicPanel, msg); err != nil {
			t.Fatalf("emit failed: %v", err)
		}
	}
	send(events.PanelMessage{Name: "chrome.debugger.event", Recipient: "external", TabID: 5, Options: json.RawMessage(`{"method":"Overlay.inspectNodeRequested"}`)})
	send(events.PanelMessage{Name: "dwds.encodedUri", Recipient: "panel-script", TabID: 9, Options: json.RawMessage(`"other"`)})
	send(events.PanelMessage{Name: "dwds.encodedUri", Recipient: "panel-script", TabID: 5, Options: json.RawMessage(`"abc"`)})
	send(events.PanelMessage{Name: "notification", TabID: 0, Options: json.RawMessage(`{"message":"Lost app connection."}`)})

	// Delivery is ordered, so the first frame each listener reads is the
	// first message addressed to it.
	f := readFrame(t, panel)
	if f.Type != FrameMessage || f.Name != "dwds.encodedUri" || string(f.Options) != `"abc"` {
		t.Fatalf("panel got unexpected frame %+v", f)
	}
	f = readFrame(t, panel)
	if f.Name != "notification" {
		t.Fatalf("panel expected notification, got %+v", f)
	}

	f = readFrame(t, external)
	if f.Name != "chrome.debugger.event" || f.TabID != 5 {
		t.Fatalf("external got unexpected frame %+v", f)
	}
	f = readFrame(t, external)
	if f.Name != "notification" {
		t.Fatalf("external expected notification, got %+v", f)
	}
}

func TestListenerRequests(t *testing.T) {
	s, ts, _ := newTestServer(t)
	conn, id := listen(t, ts, "")
	waitListeners(t, s, 1)

	requests := []Frame{
		{Type: FrameRequest, ID: "1", Name: "echo", TabID: 3, Options: json.RawMessage(`{"value":"a"}`)},
		{Type: FrameRequest, ID: "2", Surface: router.SurfaceExternal, Name: "echo", Sender: &router.Sender{ID: "ext"}, Options: json.RawMessage(`{"value":"b"}`)},
		{Type: FrameRequest, ID: "3", Surface: router.SurfaceDebugger, Name: "cdp.event"},
		{Type: FrameRequest, ID: "4", Name: "nope"},
	}
	for _, f := range requests {
		if err := conn.WriteJSON(f); err != nil {
			t.Fatalf("write failed: %v", err)
		}
	}

	// Requests run concurrently; collect replies by id.
	replies := make(map[string]any)
	for len(replies) < len(requests) {
		f := readFrame(t, conn)
		if f.Type != FrameReply {
			t.Fatalf("expected reply, got %+v", f)
		}
		replies[f.ID] = f.Reply
	}

	one, _ := replies["1"].(map[string]any)
	if one["value"] != "a" || one["tab"] != float64(3) || one["sender"] != id {
		t.Fatalf("reply 1: %v", replies["1"])
	}
	two, _ := replies["2"].(map[string]any)
	if two["value"] != "b" || two["sender"] != "ext" {
		t.Fatalf("reply 2: %v", replies["2"])
	}
	three, _ := replies["3"].(map[string]any)
	if msg, _ := three["error"].(string); !strings.Contains(msg, "not available") {
		t.Fatalf("reply 3: %v", replies["3"])
	}
	four, _ := replies["4"].(map[string]any)
	if four["error"] != "Unknown request name: nope" {
		t.Fatalf("reply 4: %v", replies["4"])
	}
}

func TestListenerRateLimit(t *testing.T) {
	s, ts, _ := newTestServer(t, func(o *Options) {
		o.InputRate = rate.Limit(0.001)
		o.InputBurst = 1
	})
	conn, _ := listen(t, ts, "")
	waitListeners(t, s, 1)

	first := Frame{Type: FrameRequest, ID: "1", Name: "echo"}
	if err := conn.WriteJSON(first); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	if f := readFrame(t, conn); f.ID != "1" {
		t.Fatalf("expected reply 1, got %+v", f)
	}

	second := Frame{Type: FrameRequest, ID: "2", Name: "echo"}
	if err := conn.WriteJSON(second); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	f := readFrame(t, conn)
	reply, _ := f.Reply.(map[string]any)
	if f.ID != "2" || reply["error"] != "rate limit exceeded" {
		t.Fatalf("expected rate limit reply, got %+v", f)
	}
}

func TestListenerDisconnect(t *testing.T) {
	s, ts, _ := newTestServer(t)
	conn, _ := listen(t, ts, "")
	waitListeners(t, s, 1)

	conn.Close()
	waitListeners(t, s, 0)
}

func TestInvalidListenQuery(t *testing.T) {
	_, ts, _ := newTestServer(t)

	resp, err := http.Get(ts.URL + "/runtime/listen?tabId=abc")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

func TestLoopbackOnly(t *testing.T) {
	s := New(Options{Router: newTestRouter()})
	h := s.Handler()

	for _, remote := range []string{"10.0.0.7:5555", "[2001:db8::1]:5555", "garbage"} {
		req := httptest.NewRequest(http.MethodGet, "/health", nil)
		req.RemoteAddr = remote
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if rec.Code != http.StatusForbidden {
			t.Fatalf("%s: expected 403, got %d", remote, rec.Code)
		}
	}

	for _, remote := range []string{"127.0.0.1:5555", "[::1]:5555"} {
		req := httptest.NewRequest(http.MethodGet, "/health", nil)
		req.RemoteAddr = remote
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("%s: expected 200, got %d", remote, rec.Code)
		}
	}

	remote := New(Options{Router: newTestRouter(), AllowRemote: true}).Handler()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.RemoteAddr = "10.0.0.7:5555"
	rec := httptest.NewRecorder()
	remote.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("AllowRemote: expected 200, got %d", rec.Code)
	}
}

func TestStatus(t *testing.T) {
	dialer := &transporttest.Dialer{}
	dialer.Queue(transporttest.NewPipe())
	reg := session.NewRegistry(session.Options{
		Debugger: debuggertest.New(),
		Dial:     dialer.Dial,
		Clock:    clock.NewMock(),
	})
	defer reg.Close(context.Background())

	contextID := int64(7)
	sess, err := reg.Attach(context.Background(), session.Target{
		TabID:      5,
		AppID:      "app1",
		InstanceID: "inst1",
		ServerURL:  "http://localhost:8080/$debug",
		ContextID:  &contextID,
	})
	if err != nil {
		t.Fatalf("attach failed: %v", err)
	}
	sess.AddDebugEvent(wire.DebugEvent{Kind: wire.DebugEventStarted, EventData: "x", Timestamp: 1})

	s, ts, _ := newTestServer(t, func(o *Options) { o.Sessions = reg })
	listen(t, ts, "")
	waitListeners(t, s, 1)

	resp, err := http.Get(ts.URL + "/status")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	defer resp.Body.Close()
	var st StatusResponse
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		t.Fatalf("decode failed: %v", err)
	}

	if st.Listeners != 1 {
		t.Errorf("expected 1 listener, got %d", st.Listeners)
	}
	if len(st.Sessions) != 1 {
		t.Fatalf("expected 1 session, got %+v", st.Sessions)
	}
	got := st.Sessions[0]
	if got.TabID != 5 || got.AppID != "app1" || got.InstanceID != "inst1" || got.PendingEvents != 1 {
		t.Errorf("unexpected session status %+v", got)
	}
	if got.ContextID == nil || *got.ContextID != 7 {
		t.Errorf("expected context id 7, got %v", got.ContextID)
	}
}

func TestStartAsyncAndStop(t *testing.T) {
	hub := events.NewSubject()
	defer events.Complete(hub)
	s := New(Options{Addr: "127.0.0.1:0", Router: newTestRouter(), Hub: hub})

	if err := <-s.StartAsync(); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	if strings.HasSuffix(s.Addr(), ":0") {
		t.Fatalf("expected bound port, got %s", s.Addr())
	}

	base := "http://" + s.Addr()
	resp, err := http.Post(base+"/runtime/message", "application/json",
		bytes.NewBufferString(`{"name":"echo","options":{"value":"live"}}`))
	if err != nil {
		t.Fatalf("post failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	conn, _, err := websocket.DefaultDialer.Dial("ws://"+s.Addr()+"/runtime/listen", nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer conn.Close()
	readFrame(t, conn)
	waitListeners(t, s, 1)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Stop(ctx); err != nil {
		t.Fatalf("stop failed: %v", err)
	}
	if err := s.Stop(ctx); err != nil {
		t.Fatalf("second stop failed: %v", err)
	}
	if hub.Subscribers(events.TopicPanel) != 0 {
		t.Fatalf("expected panel subscription to be released")
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Fatalf("expected listener socket to close")
	}

	if _, err := http.Get(base + "/health"); err == nil {
		t.Fatalf("expected server to be down")
	}
}
