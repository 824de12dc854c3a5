package bridge

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	apperrors "github.com/debugrelay/host/internal/errors"
	"github.com/debugrelay/host/internal/events"
	"github.com/debugrelay/host/internal/router"
	"github.com/debugrelay/host/internal/wire"
)

// Runtime surface kinds.
const (
	KindDartAppDetected = "dart-app-detected"
	KindDevToolsOpen    = "devtools-open"
	KindStartDebugging  = "start-debugging"
	KindStopDebugging   = "stop-debugging"
	KindDebugEvent      = "debug-event"
	KindRegisterEvent   = "register-event"
)

// External surface kinds.
const (
	KindSendCommand         = "chrome.debugger.sendCommand"
	KindEncodedURI          = "dwds.encodedUri"
	KindExternalStartDebug  = "dwds.startDebugging"
	KindForwardedDebugEvent = "chrome.debugger.event"
)

// DetectedOptions is sent by the detector script.
type DetectedOptions struct {
	Warning string `json:"warning,omitempty"`
}

// DevToolsOpenOptions names the app tab a DevTools window belongs to.
type DevToolsOpenOptions struct {
	AppTabID int `json:"appTabId"`
}

// TabOptions carries an explicit tab id, used when the sender is not the tab.
type TabOptions struct {
	TabID int `json:"tabId,omitempty"`
}

// SendCommandOptions is the external sendCommand request.
type SendCommandOptions struct {
	TabID   int `json:"tabId"`
	Options struct {
		Method        string          `json:"method"`
		CommandParams json.RawMessage `json:"commandParams,omitempty"`
	} `json:"options"`
}

// StartResult answers a successful start.
type StartResult struct {
	Success    bool   `json:"success"`
	TabID      int    `json:"tabId"`
	AppID      string `json:"appId"`
	InstanceID string `json:"instanceId"`
}

// tabFor picks the tab a runtime message is about: an explicit tabId, the
// message tab, then the sender's tab.
func tabFor(msg router.Message, explicit int) int {
	switch {
	case explicit != 0:
		return explicit
	case msg.TabID != 0:
		return msg.TabID
	default:
		return msg.Sender.TabID
	}
}

// Register adds the bridge's handlers to r.
func (b *Bridge) Register(r *router.Router) {
	router.Register(r, router.SurfaceRuntime, KindDartAppDetected, b.handleDetected)
	router.Register(r, router.SurfaceRuntime, KindDevToolsOpen, b.handleDevToolsOpen)
	router.Register(r, router.SurfaceRuntime, KindStartDebugging, b.handleStart)
	router.Register(r, router.SurfaceRuntime, KindStopDebugging, b.handleStop)
	router.Register(r, router.SurfaceRuntime, KindDebugEvent, b.handleDebugEvent)
	router.Register(r, router.SurfaceRuntime, KindRegisterEvent, b.handleRegisterEvent)

	router.Register(r, router.SurfaceExternal, KindSendCommand, b.handleSendCommand)
	router.Register(r, router.SurfaceExternal, KindEncodedURI, b.handleEncodedURI)
	router.Register(r, router.SurfaceExternal, KindExternalStartDebug, b.handleExternalStart)

	router.Register(r, router.SurfaceDebugger, router.KindCDPEvent, b.handleCDPEvent)
	router.Register(r, router.SurfaceDebugger, router.KindCDPDetach, b.handleCDPDetach)
	r.Handle(router.SurfaceDebugger, router.KindTabRemoved, b.handleTabRemoved)
}

func (b *Bridge) handleDetected(_ context.Context, msg router.Message, opts DetectedOptions) (any, error) {
	tabID := tabFor(msg, 0)
	b.mu.Lock()
	st := b.state(tabID)
	st.detected = true
	st.warning = opts.Warning
	b.mu.Unlock()
	b.log.Debug("dart app detected", zap.Int("tab", tabID), zap.String("warning", opts.Warning))
	return true, nil
}

func (b *Bridge) handleDevToolsOpen(_ context.Context, msg router.Message, opts DevToolsOpenOptions) (any, error) {
	devToolsTab := tabFor(msg, 0)
	b.mu.Lock()
	b.state(opts.AppTabID).devToolsTab = devToolsTab
	b.mu.Unlock()
	return true, nil
}

func (b *Bridge) handleStart(ctx context.Context, msg router.Message, opts TabOptions) (any, error) {
	return b.start(ctx, tabFor(msg, opts.TabID))
}

func (b *Bridge) handleExternalStart(ctx context.Context, msg router.Message, opts TabOptions) (any, error) {
	if _, err := b.start(ctx, tabFor(msg, opts.TabID)); err != nil {
		return nil, err
	}
	return true, nil
}

func (b *Bridge) start(ctx context.Context, tabID int) (*StartResult, error) {
	s, err := b.StartDebugging(ctx, tabID)
	if err != nil {
		b.notify(tabID, apperrors.GetMessage(err))
		return nil, err
	}
	return &StartResult{Success: true, TabID: tabID, AppID: s.AppID(), InstanceID: s.InstanceID()}, nil
}

func (b *Bridge) handleStop(ctx context.Context, msg router.Message, opts TabOptions) (any, error) {
	if err := b.registry.Detach(ctx, tabFor(msg, opts.TabID)); err != nil {
		return nil, err
	}
	return true, nil
}

func (b *Bridge) handleDebugEvent(_ context.Context, msg router.Message, ev wire.DebugEvent) (any, error) {
	tabID := tabFor(msg, 0)
	s, ok := b.registry.FindByTab(tabID)
	if !ok {
		return nil, apperrors.SessionNotFound(tabID)
	}
	s.AddDebugEvent(ev)
	return true, nil
}

func (b *Bridge) handleRegisterEvent(ctx context.Context, msg router.Message, ev wire.RegisterEvent) (any, error) {
	tabID := tabFor(msg, 0)
	s, ok := b.registry.FindByTab(tabID)
	if !ok {
		return nil, apperrors.SessionNotFound(tabID)
	}
	if err := s.SendRegisterEvent(ctx, ev); err != nil {
		return nil, err
	}
	return true, nil
}

func (b *Bridge) handleSendCommand(ctx context.Context, msg router.Message, opts SendCommandOptions) (any, error) {
	if opts.Options.Method == "" {
		return nil, apperrors.New(apperrors.CodeRouterInvalidOptions, "options.method is required")
	}
	tabID := tabFor(msg, opts.TabID)
	return b.browser.SendCommand(ctx, tabID, opts.Options.Method, opts.Options.CommandParams)
}

func (b *Bridge) handleEncodedURI(_ context.Context, msg router.Message, opts TabOptions) (any, error) {
	return b.LookupEncodedURI(tabFor(msg, opts.TabID)), nil
}

func (b *Bridge) handleCDPEvent(_ context.Context, msg router.Message, ev router.CDPEvent) (any, error) {
	if b.hub != nil {
		err := events.Emit(b.hub, events.TabTopic(msg.TabID), events.CDPEvent{
			TabID:  msg.TabID,
			Method: ev.Method,
			Params: ev.Params,
		})
		if err != nil {
			return nil, err
		}
	}
	if b.forward[ev.Method] {
		opts, err := json.Marshal(ev)
		if err != nil {
			return nil, err
		}
		b.broadcast(events.PanelMessage{
			Name:      KindForwardedDebugEvent,
			Recipient: RecipientExternal,
			TabID:     msg.TabID,
			Options:   opts,
		})
	}
	return nil, nil
}

func (b *Bridge) handleCDPDetach(_ context.Context, msg router.Message, opts router.Detach) (any, error) {
	b.registry.HandleDetach(msg.TabID, opts.Reason)
	return nil, nil
}

func (b *Bridge) handleTabRemoved(_ context.Context, msg router.Message) (any, error) {
	b.registry.HandleTabRemoved(msg.TabID)
	b.forget(msg.TabID)
	return nil, nil
}
