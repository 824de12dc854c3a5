package router

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"github.com/debugrelay/host/internal/wire"
)

// Debugger surface kinds.
const (
	KindCDPEvent   = "cdp.event"
	KindCDPDetach  = "cdp.detach"
	KindTabRemoved = "tab.removed"
)

// CDPEvent is the options payload of a cdp.event message.
type CDPEvent struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Detach is the options payload of a cdp.detach message.
type Detach struct {
	Reason string `json:"reason"`
}

// OnEvent implements debugger.EventSink.
func (r *Router) OnEvent(tabID int, method string, params json.RawMessage) {
	r.dispatchDebugger(KindCDPEvent, tabID, CDPEvent{Method: method, Params: params})
}

// OnDetach implements debugger.EventSink.
func (r *Router) OnDetach(tabID int, reason string) {
	r.dispatchDebugger(KindCDPDetach, tabID, Detach{Reason: reason})
}

// OnTabRemoved implements debugger.EventSink.
func (r *Router) OnTabRemoved(tabID int) {
	r.dispatchDebugger(KindTabRemoved, tabID, nil)
}

func (r *Router) dispatchDebugger(kind string, tabID int, opts any) {
	var raw json.RawMessage
	if opts != nil {
		data, err := json.Marshal(opts)
		if err != nil {
			r.log.Warn("encode debugger callback", zap.String("kind", kind), zap.Error(err))
			return
		}
		raw = data
	}
	reply := r.Dispatch(context.Background(), Message{
		Surface: SurfaceDebugger,
		Kind:    kind,
		TabID:   tabID,
		Options: raw,
	})
	// Callbacks have no sender to answer, so failures end here.
	if errReply, ok := reply.(*wire.ErrorResponse); ok {
		r.log.Debug("debugger callback not handled",
			zap.String("kind", kind),
			zap.Int("tab", tabID),
			zap.String("error", errReply.Error))
	}
}
