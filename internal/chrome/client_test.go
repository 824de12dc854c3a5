package chrome

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/debugrelay/host/internal/debugger"
	apperrors "github.com/debugrelay/host/internal/errors"
)

// fakeChrome serves the remote debugging HTTP endpoints and a minimal CDP
// WebSocket per target.
type fakeChrome struct {
	srv      *httptest.Server
	upgrader websocket.Upgrader

	mu       sync.Mutex
	targets  []target
	protocol string
	methods  []string
}

func newFakeChrome(t *testing.T) *fakeChrome {
	t.Helper()
	f := &fakeChrome{protocol: "1.3"}
	mux := http.NewServeMux()
	mux.HandleFunc("/json/version", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		json.NewEncoder(w).Encode(BrowserVersion{Browser: "Chrome/126.0", ProtocolVersion: f.protocol})
	})
	mux.HandleFunc("/json/list", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		json.NewEncoder(w).Encode(f.targets)
	})
	mux.HandleFunc("/devtools/page/", f.serveCDP)
	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeChrome) setTargets(ids ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.targets = nil
	base := "ws" + strings.TrimPrefix(f.srv.URL, "http")
	for _, id := range ids {
		typ := targetTypePage
		if strings.HasPrefix(id, "worker") {
			typ = "service_worker"
		}
		f.targets = append(f.targets, target{
			ID: id, Type: typ, Title: "title " + id, URL: "http://localhost:8080/" + id,
			WebSocketDebuggerURL: base + "/devtools/page/" + id,
		})
	}
}

func (f *fakeChrome) recordedMethods() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.methods...)
}

func (f *fakeChrome) serveCDP(w http.ResponseWriter, r *http.Request) {
	conn, err := f.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	for {
		var cmd frame
		if err := conn.ReadJSON(&cmd); err != nil {
			return
		}
		f.mu.Lock()
		f.methods = append(f.methods, string(cmd.Method))
		f.mu.Unlock()

		reply := map[string]any{"id": cmd.ID, "result": map[string]any{}}
		switch cmd.Method {
		case "Runtime.enable":
			conn.WriteJSON(map[string]any{
				"method": "Runtime.executionContextCreated",
				"params": map[string]any{"context": map[string]any{"id": 2, "auxData": map[string]any{"isDefault": false}}},
			})
			conn.WriteJSON(map[string]any{
				"method": "Runtime.executionContextCreated",
				"params": map[string]any{"context": map[string]any{"id": 7, "auxData": map[string]any{"isDefault": true}}},
			})
		case "Runtime.evaluate":
			var p struct {
				Expression    string `json:"expression"`
				ContextID     int64  `json:"contextId"`
				ReturnByValue bool   `json:"returnByValue"`
			}
			json.Unmarshal(cmd.Params, &p)
			if p.ContextID != 7 || !p.ReturnByValue {
				reply = map[string]any{"id": cmd.ID, "error": map[string]any{"code": -32000, "message": "wrong context"}}
				break
			}
			reply["result"] = map[string]any{"result": map[string]any{
				"type": "object", "value": []string{"ws://localhost:8080/$debug", "app1", "inst1", "9.1.0"},
			}}
		case "Fail.me":
			reply = map[string]any{"id": cmd.ID, "error": map[string]any{"code": -32601, "message": "'Fail.me' wasn't found"}}
		case "Test.emit":
			conn.WriteJSON(map[string]any{"method": "Debugger.paused", "params": map[string]any{"reason": "other"}})
		case "Test.crash":
			return
		}
		if err := conn.WriteJSON(reply); err != nil {
			return
		}
	}
}

type recordingSink struct {
	mu       sync.Mutex
	events   []string
	params   []json.RawMessage
	detaches []int
	removed  []int
}

func (s *recordingSink) OnEvent(tabID int, method string, params json.RawMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, method)
	s.params = append(s.params, params)
}

func (s *recordingSink) OnDetach(tabID int, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.detaches = append(s.detaches, tabID)
}

func (s *recordingSink) OnTabRemoved(tabID int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removed = append(s.removed, tabID)
}

func (s *recordingSink) snapshot() (events []string, detaches, removed []int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.events...), append([]int(nil), s.detaches...), append([]int(nil), s.removed...)
}

func newTestClient(t *testing.T, f *fakeChrome) (*Client, *recordingSink) {
	t.Helper()
	c := New(f.srv.URL, Options{})
	sink := &recordingSink{}
	c.SetSink(sink)
	t.Cleanup(c.Close)
	return c, sink
}

func TestTabsAssignsStableIDs(t *testing.T) {
	f := newFakeChrome(t)
	f.setTargets("A", "worker1", "B")
	c, sink := newTestClient(t, f)
	ctx := context.Background()

	tabs, err := c.Tabs(ctx)
	require.NoError(t, err)
	require.Len(t, tabs, 2)
	assert.Equal(t, 1, tabs[0].ID)
	assert.Equal(t, "A", tabs[0].TargetID)
	assert.Equal(t, 2, tabs[1].ID)
	assert.Equal(t, "http://localhost:8080/B", tabs[1].URL)

	f.setTargets("C", "B")
	tabs, err = c.Tabs(ctx)
	require.NoError(t, err)
	require.Len(t, tabs, 2)
	assert.Equal(t, 2, tabs[0].ID, "B keeps its id")
	assert.Equal(t, 3, tabs[1].ID, "C gets a new id")

	_, _, removed := sink.snapshot()
	assert.Equal(t, []int{1}, removed)
}

func TestAttachCommandAndEvents(t *testing.T) {
	f := newFakeChrome(t)
	f.setTargets("A")
	c, sink := newTestClient(t, f)
	ctx := context.Background()

	require.NoError(t, c.Attach(ctx, 1))

	res, err := c.SendCommand(ctx, 1, "Test.emit", nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{}`, string(res))

	events, _, _ := sink.snapshot()
	assert.Equal(t, []string{"Debugger.paused"}, events)

	require.NoError(t, c.Detach(ctx, 1))
	_, detaches, _ := sink.snapshot()
	assert.Empty(t, detaches, "requested detach is not reported")

	_, err = c.SendCommand(ctx, 1, "Runtime.enable", nil)
	assert.ErrorIs(t, err, debugger.ErrNotAttached)
}

func TestAttachTwiceFails(t *testing.T) {
	f := newFakeChrome(t)
	f.setTargets("A")
	c, _ := newTestClient(t, f)
	ctx := context.Background()

	require.NoError(t, c.Attach(ctx, 1))
	err := c.Attach(ctx, 1)
	require.Error(t, err)
	assert.ErrorIs(t, err, debugger.ErrAlreadyAttached)
	assert.Equal(t, apperrors.CodeDebuggerAttachFailed, apperrors.GetCode(err))
}

func TestAttachUnknownTab(t *testing.T) {
	f := newFakeChrome(t)
	f.setTargets("A")
	c, _ := newTestClient(t, f)

	err := c.Attach(context.Background(), 42)
	assert.ErrorIs(t, err, debugger.ErrTabNotFound)
	assert.Equal(t, apperrors.CodeDebuggerTabNotFound, apperrors.GetCode(err))
}

func TestAttachProtocolMismatch(t *testing.T) {
	f := newFakeChrome(t)
	f.setTargets("A")
	f.protocol = "2.0"
	c, _ := newTestClient(t, f)

	err := c.Attach(context.Background(), 1)
	assert.Equal(t, apperrors.CodeDebuggerProtocolVersion, apperrors.GetCode(err))
}

func TestCommandError(t *testing.T) {
	f := newFakeChrome(t)
	f.setTargets("A")
	c, _ := newTestClient(t, f)
	ctx := context.Background()
	require.NoError(t, c.Attach(ctx, 1))

	_, err := c.SendCommand(ctx, 1, "Fail.me", json.RawMessage(`{"x":1}`))
	require.Error(t, err)
	assert.Equal(t, apperrors.CodeDebuggerCommandFailed, apperrors.GetCode(err))

	var cmdErr *debugger.CommandError
	require.True(t, errors.As(err, &cmdErr))
	assert.Equal(t, int64(-32601), cmdErr.Code)
	assert.Equal(t, "Fail.me", cmdErr.Method)
}

func TestTargetCrashReportsDetach(t *testing.T) {
	f := newFakeChrome(t)
	f.setTargets("A")
	c, sink := newTestClient(t, f)
	ctx := context.Background()
	require.NoError(t, c.Attach(ctx, 1))

	_, err := c.SendCommand(ctx, 1, "Test.crash", nil)
	assert.ErrorIs(t, err, debugger.ErrNotAttached)

	require.Eventually(t, func() bool {
		_, detaches, _ := sink.snapshot()
		return len(detaches) == 1 && detaches[0] == 1
	}, 2*time.Second, 10*time.Millisecond)

	// The slot is free again.
	require.NoError(t, c.Attach(ctx, 1))
}

func TestEvaluateUsesDefaultContext(t *testing.T) {
	f := newFakeChrome(t)
	f.setTargets("A")
	c, _ := newTestClient(t, f)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	eval, err := c.Evaluate(ctx, 1, "[$dartExtensionUri, $dartAppId]")
	require.NoError(t, err)
	assert.Equal(t, int64(7), eval.ContextID)
	assert.JSONEq(t, `["ws://localhost:8080/$debug","app1","inst1","9.1.0"]`, string(eval.Value))
	assert.Equal(t, []string{"Runtime.enable", "Runtime.evaluate"}, f.recordedMethods())
}

func TestCheckProtocol(t *testing.T) {
	tests := []struct {
		required, actual string
		ok               bool
	}{
		{"1.3", "1.3", true},
		{"1.3", "1.4", true},
		{"1.3", "1.2", false},
		{"1.3", "2.0", false},
		{"1.3", "garbage", false},
	}
	for _, tt := range tests {
		t.Run(tt.required+"/"+tt.actual, func(t *testing.T) {
			err := checkProtocol(tt.required, tt.actual)
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}
