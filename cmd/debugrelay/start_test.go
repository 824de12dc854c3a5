package main

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/debugrelay/host/internal/config"
	"github.com/debugrelay/host/internal/debugger/debuggertest"
	"github.com/debugrelay/host/internal/server"
	"github.com/debugrelay/host/internal/session"
	"github.com/debugrelay/host/internal/transport/transporttest"
	"github.com/debugrelay/host/internal/wire"
)

func TestStartHostServesMessages(t *testing.T) {
	isolate(t)
	chrome := fakeChrome(t, "1.3", testTargets)

	cfg := &config.Config{Addr: "127.0.0.1:0", ChromeURL: chrome.URL}
	cfg.ApplyDefaults()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h, err := startHost(ctx, cfg, zap.NewNop())
	if err != nil {
		t.Fatalf("startHost: %v", err)
	}
	base := "http://" + h.Addr()

	resp, err := http.Post(base+"/runtime/message", "application/json",
		strings.NewReader(`{"name":"nope","tabId":1}`))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	var reply wire.ErrorResponse
	err = json.NewDecoder(resp.Body).Decode(&reply)
	resp.Body.Close()
	if err != nil {
		t.Fatalf("decode reply: %v", err)
	}
	if !strings.Contains(reply.Error, "Unknown request name: nope") {
		t.Fatalf("unexpected reply %+v", reply)
	}

	resp, err = http.Get(base + "/status")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	var st server.StatusResponse
	err = json.NewDecoder(resp.Body).Decode(&st)
	resp.Body.Close()
	if err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if st.ListeningAddress != h.Addr() || len(st.Sessions) != 0 {
		t.Fatalf("unexpected status %+v", st)
	}

	shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
	defer done()
	if err := h.Shutdown(shutdownCtx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if _, err := http.Get(base + "/health"); err == nil {
		t.Fatalf("server still answering after shutdown")
	}
}

func TestStartHostBadAddr(t *testing.T) {
	isolate(t)
	cfg := &config.Config{Addr: "256.0.0.1:99999", ChromeURL: "http://127.0.0.1:1"}
	cfg.ApplyDefaults()

	if _, err := startHost(context.Background(), cfg, zap.NewNop()); err == nil {
		t.Fatalf("expected listen error")
	}
}

func TestDefaultConfigBatchesEveryEvent(t *testing.T) {
	cfg := &config.Config{}
	cfg.ApplyDefaults()

	pipe := transporttest.NewPipe()
	dialer := &transporttest.Dialer{}
	dialer.Queue(pipe)

	opts := sessionOptions(cfg, wire.FormatObject, zap.NewNop())
	opts.Debugger = debuggertest.New()
	opts.Dial = dialer.Dial
	reg := session.NewRegistry(opts)
	defer reg.Close(context.Background())

	ctx := context.Background()
	s, err := reg.Attach(ctx, session.Target{
		TabID:      1,
		AppID:      "app1",
		InstanceID: "inst-app1",
		ServerURL:  "http://localhost:8080/$debug",
	})
	if err != nil {
		t.Fatalf("attach: %v", err)
	}
	before := len(pipe.Sent())

	s.OnCDPEvent(ctx, "Debugger.paused", json.RawMessage(`{"reason":"other"}`))
	if got := len(pipe.Sent()); got != before {
		t.Fatalf("event sent before flush: %d messages", got-before)
	}
	if err := s.Flush(ctx); err != nil {
		t.Fatalf("flush: %v", err)
	}

	sent := pipe.Sent()
	if len(sent) != before+1 {
		t.Fatalf("expected one batch, got %d messages", len(sent)-before)
	}
	m, err := wire.Decode(sent[len(sent)-1])
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	batch, ok := m.(*wire.BatchedDebugEvents)
	if !ok || len(batch.Events) != 1 || batch.Events[0].Method != "Debugger.paused" {
		t.Fatalf("unexpected message %#v", m)
	}
}
