// Package router dispatches inbound messages to handlers by surface and kind.
//
// Three surfaces feed it: extension-internal runtime messages, messages from
// other extensions, and debugger callbacks. All are normalized into Message
// before dispatch, and every failure comes back as a *wire.ErrorResponse so
// the sender always gets a reply.
package router

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	apperrors "github.com/debugrelay/host/internal/errors"
	"github.com/debugrelay/host/internal/logging"
	"github.com/debugrelay/host/internal/wire"
)

// Surface is the channel a message arrived on.
type Surface string

const (
	// SurfaceRuntime carries messages from the relay's own contexts:
	// detector scripts, the panel, the popup.
	SurfaceRuntime Surface = "runtime"

	// SurfaceExternal carries messages from other extensions and tools.
	SurfaceExternal Surface = "external"

	// SurfaceDebugger carries browser debugger callbacks.
	SurfaceDebugger Surface = "debugger"
)

// Sender identifies who sent a message.
type Sender struct {
	// ID is the sending extension or tool id.
	ID string `json:"id,omitempty"`

	// TabID is set when the sender runs inside a tab.
	TabID int `json:"tabId,omitempty"`

	URL string `json:"url,omitempty"`
}

// Message is the normalized inbound shape.
type Message struct {
	Surface Surface
	Kind    string
	TabID   int
	Sender  Sender
	Options json.RawMessage
}

// Handler handles one message. The returned value is the reply; nil means
// the message needs no answer.
type Handler func(ctx context.Context, msg Message) (any, error)

type key struct {
	surface Surface
	kind    string
}

// Options configures a Router.
type Options struct {
	// AllowedSenders restricts the external surface to these sender ids.
	// Empty allows every sender.
	AllowedSenders []string

	Logger *zap.Logger
}

// Router is the dispatch table.
type Router struct {
	log     *zap.Logger
	allowed map[string]bool

	mu       sync.RWMutex
	handlers map[key]Handler
}

// New creates an empty Router.
func New(opts Options) *Router {
	r := &Router{
		log:      logging.OrNop(opts.Logger).With(zap.String("component", "router")),
		handlers: make(map[key]Handler),
	}
	if len(opts.AllowedSenders) > 0 {
		r.allowed = make(map[string]bool, len(opts.AllowedSenders))
		for _, id := range opts.AllowedSenders {
			r.allowed[id] = true
		}
	}
	return r
}

// Handle registers h for kind on surface, replacing any earlier handler.
func (r *Router) Handle(surface Surface, kind string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[key{surface, kind}] = h
}

// Register adds a handler whose options are decoded into T first. Options
// that do not decode produce a router.invalid_options error reply.
func Register[T any](r *Router, surface Surface, kind string, h func(ctx context.Context, msg Message, opts T) (any, error)) {
	r.Handle(surface, kind, func(ctx context.Context, msg Message) (any, error) {
		var opts T
		if len(msg.Options) > 0 && string(msg.Options) != "null" {
			if err := json.Unmarshal(msg.Options, &opts); err != nil {
				return nil, apperrors.InvalidOptions(kind, err)
			}
		}
		return h(ctx, msg, opts)
	})
}

// Kinds lists the registered kinds for surface, sorted.
func (r *Router) Kinds(surface Surface) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var kinds []string
	for k := range r.handlers {
		if k.surface == surface {
			kinds = append(kinds, k.kind)
		}
	}
	sort.Strings(kinds)
	return kinds
}

// Dispatch runs the handler registered for msg. Unknown kinds, refused
// senders, handler errors and handler panics all come back as an
// *wire.ErrorResponse.
func (r *Router) Dispatch(ctx context.Context, msg Message) (reply any) {
	log := r.log.With(
		zap.String("surface", string(msg.Surface)),
		zap.String("kind", msg.Kind))

	if msg.Surface == SurfaceExternal && r.allowed != nil && !r.allowed[msg.Sender.ID] {
		log.Warn("sender not allowed", zap.String("sender", msg.Sender.ID))
		return ErrorReply(apperrors.New(apperrors.CodeRouterForbidden,
			fmt.Sprintf("Sender %q is not allowed", msg.Sender.ID)))
	}

	r.mu.RLock()
	h, ok := r.handlers[key{msg.Surface, msg.Kind}]
	r.mu.RUnlock()
	if !ok {
		log.Debug("no handler")
		return ErrorReply(apperrors.UnknownKind(msg.Kind))
	}

	defer func() {
		if p := recover(); p != nil {
			log.Error("handler panicked", zap.Any("panic", p), zap.Stack("stack"))
			reply = ErrorReply(apperrors.Internal(fmt.Sprintf("%s: %v", msg.Kind, p), nil))
		}
	}()

	result, err := h(ctx, msg)
	if err != nil {
		log.Debug("handler failed", zap.Error(err))
		return ErrorReply(err)
	}
	return result
}

// ErrorReply converts err into the reply sent back to a message's origin.
func ErrorReply(err error) *wire.ErrorResponse {
	return &wire.ErrorResponse{Error: apperrors.GetMessage(err)}
}
