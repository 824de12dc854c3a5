// Package chrome implements the browser debugger capability against Chrome's
// remote debugging endpoint (--remote-debugging-port).
//
// Page targets from /json/list get stable integer tab ids in the order they
// are first seen. Attaching opens a CDP WebSocket to the target; events on it
// are reported to the EventSink with the tab id. Tab removal is detected by
// polling the target list.
package chrome

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/hashicorp/go-version"
	"go.uber.org/zap"

	"github.com/debugrelay/host/internal/debugger"
	apperrors "github.com/debugrelay/host/internal/errors"
	"github.com/debugrelay/host/internal/logging"
)

// DefaultProtocolVersion is the CDP version requested by default.
const DefaultProtocolVersion = "1.3"

const targetTypePage = "page"

// Options configures a Client.
type Options struct {
	HTTPClient      *http.Client
	Dialer          *websocket.Dialer
	ProtocolVersion string
	Logger          *zap.Logger
}

// BrowserVersion is the /json/version document.
type BrowserVersion struct {
	Browser         string `json:"Browser"`
	ProtocolVersion string `json:"Protocol-Version"`
	UserAgent       string `json:"User-Agent"`
	V8Version       string `json:"V8-Version"`
	WebKitVersion   string `json:"WebKit-Version"`
	DebuggerURL     string `json:"webSocketDebuggerUrl"`
}

type target struct {
	ID                   string `json:"id"`
	Type                 string `json:"type"`
	Title                string `json:"title"`
	URL                  string `json:"url"`
	WebSocketDebuggerURL string `json:"webSocketDebuggerUrl"`
}

type tabEntry struct {
	tab   debugger.Tab
	wsURL string
}

// Client talks to one Chrome instance.
type Client struct {
	baseURL string
	http    *http.Client
	dialer  *websocket.Dialer
	version string
	log     *zap.Logger

	mu       sync.Mutex
	tabs     map[int]*tabEntry
	byTarget map[string]int
	nextTab  int
	conns    map[int]*conn
	sink     debugger.EventSink
	checked  bool
}

// New creates a client for the endpoint at baseURL, e.g. http://127.0.0.1:9222.
func New(baseURL string, opts Options) *Client {
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	if opts.ProtocolVersion == "" {
		opts.ProtocolVersion = DefaultProtocolVersion
	}
	return &Client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		http:     opts.HTTPClient,
		dialer:   opts.Dialer,
		version:  opts.ProtocolVersion,
		log:      logging.OrNop(opts.Logger).With(zap.String("component", "chrome")),
		tabs:     make(map[int]*tabEntry),
		byTarget: make(map[string]int),
		nextTab:  1,
		conns:    make(map[int]*conn),
	}
}

// SetSink registers the receiver of events, detaches and tab removals.
func (c *Client) SetSink(s debugger.EventSink) {
	c.mu.Lock()
	c.sink = s
	c.mu.Unlock()
}

func (c *Client) currentSink() debugger.EventSink {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sink
}

// Version fetches /json/version.
func (c *Client) Version(ctx context.Context) (*BrowserVersion, error) {
	var v BrowserVersion
	if err := c.getJSON(ctx, "/json/version", &v); err != nil {
		return nil, err
	}
	return &v, nil
}

// CheckProtocol verifies the browser speaks a protocol compatible with the
// requested version: same major, minor at least as high.
func (c *Client) CheckProtocol(ctx context.Context) error {
	v, err := c.Version(ctx)
	if err != nil {
		return err
	}
	return checkProtocol(c.version, v.ProtocolVersion)
}

func checkProtocol(required, actual string) error {
	want, err := version.NewVersion(required)
	if err != nil {
		return apperrors.Wrap(apperrors.CodeDebuggerProtocolVersion, fmt.Sprintf("invalid protocol version %q", required), err)
	}
	got, err := version.NewVersion(actual)
	if err != nil {
		return apperrors.Wrap(apperrors.CodeDebuggerProtocolVersion, fmt.Sprintf("browser reported protocol version %q", actual), err)
	}
	ws, gs := want.Segments(), got.Segments()
	if ws[0] != gs[0] || gs[1] < ws[1] {
		return apperrors.New(apperrors.CodeDebuggerProtocolVersion,
			fmt.Sprintf("Requested protocol version is not supported: %s (browser has %s)", required, actual))
	}
	return nil
}

// Tabs refreshes the page target list and returns it ordered by tab id.
// Tabs that disappeared since the last refresh are reported to the sink.
func (c *Client) Tabs(ctx context.Context) ([]debugger.Tab, error) {
	var targets []target
	if err := c.getJSON(ctx, "/json/list", &targets); err != nil {
		return nil, err
	}

	c.mu.Lock()
	seen := make(map[int]bool, len(targets))
	for _, t := range targets {
		if t.Type != targetTypePage {
			continue
		}
		id, ok := c.byTarget[t.ID]
		if !ok {
			id = c.nextTab
			c.nextTab++
			c.byTarget[t.ID] = id
		}
		c.tabs[id] = &tabEntry{
			tab:   debugger.Tab{ID: id, TargetID: t.ID, URL: t.URL, Title: t.Title},
			wsURL: t.WebSocketDebuggerURL,
		}
		seen[id] = true
	}

	var removed []int
	for id, entry := range c.tabs {
		if !seen[id] {
			removed = append(removed, id)
			delete(c.byTarget, entry.tab.TargetID)
			delete(c.tabs, id)
		}
	}

	out := make([]debugger.Tab, 0, len(c.tabs))
	for id := 1; id < c.nextTab; id++ {
		if entry, ok := c.tabs[id]; ok {
			out = append(out, entry.tab)
		}
	}
	sink := c.sink
	c.mu.Unlock()

	if sink != nil {
		for _, id := range removed {
			c.log.Debug("tab removed", zap.Int("tab", id))
			sink.OnTabRemoved(id)
		}
	}
	return out, nil
}

// Tab returns the tab with id, refreshing the list once if it is unknown.
func (c *Client) Tab(ctx context.Context, id int) (debugger.Tab, error) {
	if entry, ok := c.lookup(id); ok {
		return entry.tab, nil
	}
	if _, err := c.Tabs(ctx); err != nil {
		return debugger.Tab{}, err
	}
	if entry, ok := c.lookup(id); ok {
		return entry.tab, nil
	}
	return debugger.Tab{}, apperrors.Wrap(apperrors.CodeDebuggerTabNotFound,
		fmt.Sprintf("No tab with given id %d", id), debugger.ErrTabNotFound)
}

func (c *Client) lookup(id int) (tabEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.tabs[id]
	if !ok {
		return tabEntry{}, false
	}
	return *entry, true
}

func (c *Client) wsURL(ctx context.Context, tabID int) (string, error) {
	if _, err := c.Tab(ctx, tabID); err != nil {
		return "", err
	}
	entry, _ := c.lookup(tabID)
	if entry.wsURL == "" {
		// Chrome omits the URL while another client holds the target.
		return "", apperrors.Wrap(apperrors.CodeDebuggerAttachFailed,
			"Cannot attach to the target: no debugger url", debugger.ErrAlreadyAttached)
	}
	return entry.wsURL, nil
}

// Watch polls the tab list every interval until ctx ends, which reports
// closed tabs to the sink.
func (c *Client) Watch(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := c.Tabs(ctx); err != nil && ctx.Err() == nil {
				c.log.Debug("tab poll failed", zap.Error(err))
			}
		}
	}
}

// Attach opens a CDP session to the tab.
func (c *Client) Attach(ctx context.Context, tabID int) error {
	if err := c.ensureProtocol(ctx); err != nil {
		return err
	}
	wsURL, err := c.wsURL(ctx, tabID)
	if err != nil {
		return err
	}

	c.mu.Lock()
	if _, ok := c.conns[tabID]; ok {
		c.mu.Unlock()
		return apperrors.Wrap(apperrors.CodeDebuggerAttachFailed,
			fmt.Sprintf("tab %d", tabID), debugger.ErrAlreadyAttached)
	}
	// Reserve the slot while dialing.
	c.conns[tabID] = nil
	c.mu.Unlock()

	cn, err := dialConn(ctx, c.dialer, wsURL,
		func(method string, params json.RawMessage) {
			if sink := c.currentSink(); sink != nil {
				sink.OnEvent(tabID, method, params)
			}
		},
		func(requested bool) { c.connClosed(tabID, requested) },
	)
	if err != nil {
		c.mu.Lock()
		delete(c.conns, tabID)
		c.mu.Unlock()
		return apperrors.Wrap(apperrors.CodeDebuggerAttachFailed, "Cannot attach to the target", err)
	}

	c.mu.Lock()
	c.conns[tabID] = cn
	c.mu.Unlock()
	c.log.Debug("attached", zap.Int("tab", tabID))
	return nil
}

func (c *Client) ensureProtocol(ctx context.Context) error {
	c.mu.Lock()
	checked := c.checked
	c.mu.Unlock()
	if checked {
		return nil
	}
	if err := c.CheckProtocol(ctx); err != nil {
		return err
	}
	c.mu.Lock()
	c.checked = true
	c.mu.Unlock()
	return nil
}

// connClosed runs once per connection. An unrequested close is a detach
// initiated by the browser.
func (c *Client) connClosed(tabID int, requested bool) {
	if requested {
		return
	}
	c.mu.Lock()
	_, ok := c.conns[tabID]
	delete(c.conns, tabID)
	sink := c.sink
	c.mu.Unlock()

	if ok && sink != nil {
		c.log.Debug("target detached", zap.Int("tab", tabID))
		sink.OnDetach(tabID, debugger.ReasonTargetClosed)
	}
}

// Detach closes the CDP session to the tab.
func (c *Client) Detach(_ context.Context, tabID int) error {
	c.mu.Lock()
	cn := c.conns[tabID]
	if cn == nil {
		c.mu.Unlock()
		return apperrors.Wrap(apperrors.CodeDebuggerNotAttached, fmt.Sprintf("tab %d", tabID), debugger.ErrNotAttached)
	}
	delete(c.conns, tabID)
	c.mu.Unlock()

	cn.close()
	c.log.Debug("detached", zap.Int("tab", tabID))
	return nil
}

// SendCommand runs a CDP command against the attached tab.
func (c *Client) SendCommand(ctx context.Context, tabID int, method string, params json.RawMessage) (json.RawMessage, error) {
	c.mu.Lock()
	cn := c.conns[tabID]
	c.mu.Unlock()
	if cn == nil {
		return nil, apperrors.Wrap(apperrors.CodeDebuggerNotAttached, fmt.Sprintf("tab %d", tabID), debugger.ErrNotAttached)
	}

	res, err := cn.call(ctx, method, params)
	if err != nil {
		var cmdErr *debugger.CommandError
		if errors.As(err, &cmdErr) {
			return nil, apperrors.Wrap(apperrors.CodeDebuggerCommandFailed, cmdErr.Message, cmdErr)
		}
		if errors.Is(err, errConnClosed) {
			return nil, apperrors.Wrap(apperrors.CodeDebuggerNotAttached, fmt.Sprintf("tab %d", tabID), debugger.ErrNotAttached)
		}
		return nil, apperrors.Wrap(apperrors.CodeDebuggerCommandFailed, method, err)
	}
	return res, nil
}

// Close detaches from every tab.
func (c *Client) Close() {
	c.mu.Lock()
	conns := make([]*conn, 0, len(c.conns))
	for id, cn := range c.conns {
		if cn != nil {
			conns = append(conns, cn)
		}
		delete(c.conns, id)
	}
	c.mu.Unlock()

	for _, cn := range conns {
		cn.close()
	}
}

func (c *Client) getJSON(ctx context.Context, path string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("chrome %s: %w", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("chrome %s: %s", path, resp.Status)
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("chrome %s: %w", path, err)
	}
	return nil
}
