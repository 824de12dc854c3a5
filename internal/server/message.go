// Package server exposes the extension messaging surface over local HTTP and
// WebSocket. One-shot requests are POSTed to /runtime/message and
// /runtime/external. Listener contexts such as the panel keep a WebSocket open
// on /runtime/listen, receive broadcasts addressed to them and may send
// requests over the same socket.
package server

import (
	"encoding/json"

	"github.com/debugrelay/host/internal/router"
)

// FrameType identifies a listener frame.
type FrameType string

const (
	// FrameHello is the first frame on a new listener socket. ID carries the
	// listener id.
	FrameHello FrameType = "hello"

	// FrameMessage is a broadcast from the host.
	FrameMessage FrameType = "message"

	// FrameRequest is sent by a listener to ask the host something. The
	// reply carries the same ID.
	FrameRequest FrameType = "request"

	// FrameReply answers a FrameRequest.
	FrameReply FrameType = "reply"
)

// RuntimeMessage is one request on the runtime or external surface.
type RuntimeMessage struct {
	// ID is echoed back by listener replies. Unused over HTTP.
	ID string `json:"id,omitempty"`

	// Name selects the handler, e.g. "start-debugging".
	Name string `json:"name"`

	// TabID is the tab the message is about, when the sender knows it.
	TabID int `json:"tabId,omitempty"`

	Sender  router.Sender   `json:"sender"`
	Options json.RawMessage `json:"options,omitempty"`
}

// toRouter converts m into a router message for surface.
func (m RuntimeMessage) toRouter(surface router.Surface) router.Message {
	return router.Message{
		Surface: surface,
		Kind:    m.Name,
		TabID:   m.TabID,
		Sender:  m.Sender,
		Options: m.Options,
	}
}

// Frame is one message on a listener socket.
type Frame struct {
	Type FrameType `json:"type"`
	ID   string    `json:"id,omitempty"`

	// Surface selects the router surface of a request. Empty means runtime.
	Surface router.Surface `json:"surface,omitempty"`

	Name      string          `json:"name,omitempty"`
	Recipient string          `json:"recipient,omitempty"`
	TabID     int             `json:"tabId,omitempty"`
	Sender    *router.Sender  `json:"sender,omitempty"`
	Options   json.RawMessage `json:"options,omitempty"`

	// Reply is the handler result of a FrameReply.
	Reply any `json:"reply,omitempty"`
}

// request converts a FrameRequest into a RuntimeMessage.
func (f Frame) request() RuntimeMessage {
	m := RuntimeMessage{
		ID:      f.ID,
		Name:    f.Name,
		TabID:   f.TabID,
		Options: f.Options,
	}
	if f.Sender != nil {
		m.Sender = *f.Sender
	}
	return m
}
