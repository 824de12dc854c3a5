// Package bridge is the relay's background service. It keeps per-tab app
// detection state, runs the start-debugging flow, and registers the runtime,
// external and debugger handlers on the router.
package bridge

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/debugrelay/host/internal/debugger"
	"github.com/debugrelay/host/internal/events"
	"github.com/debugrelay/host/internal/logging"
	"github.com/debugrelay/host/internal/session"
)

// Browser is the debugger capability plus the page evaluation the start flow
// needs.
type Browser interface {
	debugger.Debugger
	Evaluate(ctx context.Context, tabID int, expression string) (*debugger.Evaluation, error)
	Tab(ctx context.Context, tabID int) (debugger.Tab, error)
}

// Notifier shows user-visible messages.
type Notifier interface {
	Notify(tabID int, message string)
}

// Panel message recipients.
const (
	RecipientPanel    = "panel-script"
	RecipientExternal = "external"
)

// Options configures a Bridge.
type Options struct {
	Browser  Browser
	Hub      *events.Subject
	Notifier Notifier

	// Session configures the sessions the bridge's registry creates.
	// Debugger, Hub and Observer are filled in by New.
	Session session.Options

	// HTTPClient is used for the dwds authentication check.
	HTTPClient *http.Client

	// ForwardEvents lists CDP methods broadcast to external listeners as
	// chrome.debugger.event.
	ForwardEvents []string

	Logger *zap.Logger
}

// tabState is what the bridge knows about a tab outside of a session.
type tabState struct {
	detected    bool
	warning     string
	devToolsTab int
}

// Bridge wires the registry, router and browser together.
type Bridge struct {
	browser  Browser
	hub      *events.Subject
	notifier Notifier
	registry *session.Registry
	http     *http.Client
	forward  map[string]bool
	log      *zap.Logger

	mu          sync.Mutex
	tabs        map[int]*tabState
	encodedURIs map[int]string
}

// New creates a Bridge and its session registry.
func New(opts Options) *Bridge {
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}
	b := &Bridge{
		browser:     opts.Browser,
		hub:         opts.Hub,
		notifier:    opts.Notifier,
		http:        opts.HTTPClient,
		forward:     make(map[string]bool, len(opts.ForwardEvents)),
		log:         logging.OrNop(opts.Logger).With(zap.String("component", "bridge")),
		tabs:        make(map[int]*tabState),
		encodedURIs: make(map[int]string),
	}
	for _, m := range opts.ForwardEvents {
		b.forward[m] = true
	}

	sopts := opts.Session
	sopts.Debugger = opts.Browser
	sopts.Hub = opts.Hub
	sopts.Observer = b
	if sopts.Logger == nil {
		sopts.Logger = opts.Logger
	}
	b.registry = session.NewRegistry(sopts)
	return b
}

// Registry returns the session registry.
func (b *Bridge) Registry() *session.Registry { return b.registry }

// Close tears down every session.
func (b *Bridge) Close(ctx context.Context) {
	b.registry.Close(ctx)
}

func (b *Bridge) state(tabID int) *tabState {
	st, ok := b.tabs[tabID]
	if !ok {
		st = &tabState{}
		b.tabs[tabID] = st
	}
	return st
}

// Detected reports whether a detector script flagged tabID as a Dart app,
// and the warning it raised, if any.
func (b *Bridge) Detected(tabID int) (detected bool, warning string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if st, ok := b.tabs[tabID]; ok {
		return st.detected, st.warning
	}
	return false, ""
}

// LookupEncodedURI returns the encoded URI the dev server sent for tabID.
func (b *Bridge) LookupEncodedURI(tabID int) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.encodedURIs[tabID]
}

// forget drops everything known about a closed tab.
func (b *Bridge) forget(tabID int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.tabs, tabID)
	delete(b.encodedURIs, tabID)
	for _, st := range b.tabs {
		if st.devToolsTab == tabID {
			st.devToolsTab = 0
		}
	}
}

// broadcast sends a message to listener contexts.
func (b *Bridge) broadcast(msg events.PanelMessage) {
	if b.hub == nil {
		return
	}
	if err := events.Emit(b.hub, events.TopicPanel, msg); err != nil {
		b.log.Debug("broadcast failed", zap.String("name", msg.Name), zap.Error(err))
	}
}

func (b *Bridge) notify(tabID int, message string) {
	if b.notifier != nil {
		b.notifier.Notify(tabID, message)
	}
}

// ServerEvent implements session.Observer. Events the session does not
// consume go to the panel.
func (b *Bridge) ServerEvent(tabID int, method, params string) {
	b.broadcast(events.PanelMessage{
		Name:      method,
		Recipient: RecipientPanel,
		TabID:     tabID,
		Options:   rawOrString(params),
	})
}

// EncodedURI implements session.Observer.
func (b *Bridge) EncodedURI(tabID int, uri string) {
	b.mu.Lock()
	b.encodedURIs[tabID] = uri
	b.mu.Unlock()
	b.broadcast(events.PanelMessage{
		Name:      session.MethodEncodedURI,
		Recipient: RecipientPanel,
		TabID:     tabID,
		Options:   rawOrString(uri),
	})
}

// Notice implements session.Observer.
func (b *Bridge) Notice(tabID int, message string) {
	b.notify(tabID, message)
}

// rawOrString keeps valid JSON as is and quotes anything else.
func rawOrString(s string) json.RawMessage {
	if json.Valid([]byte(s)) {
		return json.RawMessage(s)
	}
	data, _ := json.Marshal(s)
	return data
}
