package session

import (
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/debugrelay/host/internal/debugger"
	"github.com/debugrelay/host/internal/events"
	"github.com/debugrelay/host/internal/reconnect"
	"github.com/debugrelay/host/internal/transport"
	"github.com/debugrelay/host/internal/wire"
)

// DefaultBatchInterval is the batch flush window.
const DefaultBatchInterval = time.Second

// Target identifies the app a session relays for.
type Target struct {
	TabID          int
	AppID          string
	InstanceID     string
	EntrypointPath string

	// ServerURL is the dev server endpoint ($dartExtensionUri).
	ServerURL string

	// TabURL and ContextID are sent with the DevToolsRequest.
	TabURL    string
	ContextID *int64
}

// Observer receives what a session surfaces to the user and to listeners.
type Observer interface {
	// ServerEvent is an ExtensionEvent from the dev server that the session
	// does not consume itself.
	ServerEvent(tabID int, method, params string)

	// EncodedURI reports the app's encoded URI, sent by the dev server.
	EncodedURI(tabID int, uri string)

	// Notice is a user-visible message such as "Lost app connection.".
	Notice(tabID int, message string)
}

// NopObserver ignores everything.
type NopObserver struct{}

func (NopObserver) ServerEvent(int, string, string) {}
func (NopObserver) EncodedURI(int, string)          {}
func (NopObserver) Notice(int, string)              {}

// Options is shared by every session a registry creates.
type Options struct {
	Debugger debugger.Debugger
	Dial     transport.Dialer
	Hub      *events.Subject
	Observer Observer
	Codec    wire.Codec

	// BatchInterval is how long CDP events are coalesced before a flush.
	BatchInterval time.Duration

	// BatchedMethods lists the CDP methods that go through the batch
	// buffer. Other methods are sent at once. Empty batches everything.
	BatchedMethods []string

	// LaunchDevTools sends a DevToolsRequest after the handshake.
	LaunchDevTools bool

	Reconnect reconnect.Policy
	Clock     clock.Clock
	Logger    *zap.Logger
}

func (o Options) withDefaults() Options {
	if o.Observer == nil {
		o.Observer = NopObserver{}
	}
	if o.Codec.Format == "" {
		o.Codec = wire.DefaultCodec
	}
	if o.BatchInterval <= 0 {
		o.BatchInterval = DefaultBatchInterval
	}
	if o.Clock == nil {
		o.Clock = clock.New()
	}
	if o.Reconnect.Clock == nil {
		o.Reconnect.Clock = o.Clock
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	return o
}
