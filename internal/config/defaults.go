package config

import "time"

// DefaultAddr is the default listen address for the messaging server.
const DefaultAddr = "127.0.0.1:7071"

// DefaultChromeURL is Chrome's usual remote debugging endpoint.
const DefaultChromeURL = "http://127.0.0.1:9222"

// DefaultProtocolVersion is the CDP version requested on attach.
const DefaultProtocolVersion = "1.3"

const (
	DefaultBatchInterval     = time.Second
	DefaultReconnectCeiling  = 5 * time.Second
	DefaultReconnectAttempts = 1
	DefaultSendAttempts      = 3
	DefaultTabPollInterval   = time.Second
	DefaultLogLevel          = "info"
	DefaultLogFormat         = "console"
)

// DefaultForwardEvent is forwarded to external listeners out of the box.
const DefaultForwardEvent = "Overlay.inspectNodeRequested"
