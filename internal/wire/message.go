// Package wire defines the closed set of messages exchanged with the dev
// server and the codec that moves them to and from JSON text.
//
// Every message is a tagged JSON object: {"type":"ExtensionRequest","id":1,...}.
// The codec also reads and writes the type-first list form used by the
// dev server's native serializer: ["ExtensionRequest","id",1,"command","x"].
//
// Decode(Encode(m)) equals m for every message built from compact JSON.
// Empty and nil event lists are the same message and decode as nil, and CDP
// events built with NewCDPEvent hold compacted params.
//
// No message in the set carries a floating-point field. Float is the encoding
// such a field must use, so NaN and the infinities survive the trip.
package wire

import (
	"bytes"
	"encoding/json"
)

// Type is the tag that identifies a message on the wire.
type Type string

// Message types.
const (
	// TypeExtensionRequest asks the relay to run a CDP command.
	// Payload: ExtensionRequest
	TypeExtensionRequest Type = "ExtensionRequest"

	// TypeExtensionResponse answers an ExtensionRequest with the same id.
	// Payload: ExtensionResponse
	TypeExtensionResponse Type = "ExtensionResponse"

	// TypeExtensionEvent carries a named event with a JSON-text payload.
	// Payload: ExtensionEvent
	TypeExtensionEvent Type = "ExtensionEvent"

	// TypeBatchedEvents groups ExtensionEvents.
	// Payload: BatchedEvents
	TypeBatchedEvents Type = "BatchedEvents"

	// TypeConnectRequest is the handshake sent once per session.
	// Payload: ConnectRequest
	TypeConnectRequest Type = "ConnectRequest"

	// TypeDebugEvent is a single app or CDP event.
	// Payload: DebugEvent
	TypeDebugEvent Type = "DebugEvent"

	// TypeBatchedDebugEvents groups DebugEvents flushed together.
	// Payload: BatchedDebugEvents
	TypeBatchedDebugEvents Type = "BatchedDebugEvents"

	// TypeDevToolsRequest asks the dev server to launch DevTools for the app.
	// Payload: DevToolsRequest
	TypeDevToolsRequest Type = "DevToolsRequest"

	// TypeDevToolsResponse answers a DevToolsRequest.
	// Payload: DevToolsResponse
	TypeDevToolsResponse Type = "DevToolsResponse"

	// TypeErrorResponse reports a failure back to a message's origin.
	// Payload: ErrorResponse
	TypeErrorResponse Type = "ErrorResponse"

	// TypeRegisterEvent carries a registration event from the app.
	// Payload: RegisterEvent
	TypeRegisterEvent Type = "RegisterEvent"

	// TypeRunRequest tells the app to start running main.
	TypeRunRequest Type = "RunRequest"

	// TypeIsolateStart signals that the app isolate started.
	TypeIsolateStart Type = "IsolateStart"

	// TypeIsolateExit signals that the app isolate exited.
	TypeIsolateExit Type = "IsolateExit"

	// TypeBuildResult reports the dev server's build status.
	// Payload: BuildResult
	TypeBuildResult Type = "BuildResult"
)

// Message is implemented by every wire message. The set is closed: only
// types in this package satisfy it.
type Message interface {
	MessageType() Type
	isMessage()
}

// Debug event kinds reported by the app.
const (
	DebugEventStarted   = "started"
	DebugEventSucceeded = "succeeded"
	DebugEventFailed    = "failed"
)

// ExtensionRequest asks the relay to run Command against the session's tab.
type ExtensionRequest struct {
	// ID correlates the ExtensionResponse with this request.
	ID int64 `json:"id"`

	// Command is the CDP method name, e.g. "Runtime.evaluate".
	Command string `json:"command"`

	// CommandParams is the JSON text of the CDP params. Empty means "{}".
	CommandParams string `json:"commandParams,omitempty"`
}

// ExtensionResponse answers an ExtensionRequest.
type ExtensionResponse struct {
	ID      int64  `json:"id"`
	Success bool   `json:"success"`
	Result  string `json:"result"`
	Error   string `json:"error,omitempty"`
}

// ExtensionEvent is a named event with a JSON-text payload.
type ExtensionEvent struct {
	Params string `json:"params"`
	Method string `json:"method"`
}

// BatchedEvents groups ExtensionEvents.
type BatchedEvents struct {
	Events []ExtensionEvent `json:"events"`
}

// ConnectRequest identifies the running app to the dev server.
type ConnectRequest struct {
	AppID          string `json:"appId"`
	InstanceID     string `json:"instanceId"`
	EntrypointPath string `json:"entrypointPath"`
}

// DebugEvent is either an app event (Kind, EventData, Timestamp) or a raw
// CDP event (Method, Params). A non-empty Method selects the CDP form.
type DebugEvent struct {
	Kind      string          `json:"kind,omitempty"`
	EventData string          `json:"eventData,omitempty"`
	Timestamp int64           `json:"timestamp,omitempty"`
	Method    string          `json:"method,omitempty"`
	Params    json.RawMessage `json:"params,omitempty"`
}

// IsCDP reports whether e carries a raw CDP event.
func (e DebugEvent) IsCDP() bool { return e.Method != "" }

// NewCDPEvent returns the CDP form of a DebugEvent. Params are compacted and
// null params are dropped.
func NewCDPEvent(method string, params json.RawMessage) DebugEvent {
	return DebugEvent{Method: method, Params: compactParams(params)}
}

// compactParams returns raw without insignificant space, or nil when raw is
// empty or null. Invalid JSON is returned as is for Encode to reject.
func compactParams(raw json.RawMessage) json.RawMessage {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, trimmed); err != nil {
		return raw
	}
	return json.RawMessage(buf.Bytes())
}

// MarshalJSON writes only the fields of the active variant. Required fields
// are always present, even when zero.
func (e DebugEvent) MarshalJSON() ([]byte, error) {
	if e.IsCDP() {
		return json.Marshal(struct {
			Method string          `json:"method"`
			Params json.RawMessage `json:"params,omitempty"`
		}{e.Method, compactParams(e.Params)})
	}
	return json.Marshal(struct {
		Kind      string `json:"kind"`
		EventData string `json:"eventData"`
		Timestamp int64  `json:"timestamp"`
	}{e.Kind, e.EventData, e.Timestamp})
}

// BatchedDebugEvents groups DebugEvents in the order they were recorded.
type BatchedDebugEvents struct {
	Events []DebugEvent `json:"events"`
}

// DevToolsRequest asks the dev server to open DevTools for the app.
type DevToolsRequest struct {
	AppID      string `json:"appId"`
	InstanceID string `json:"instanceId"`
	ContextID  *int64 `json:"contextId,omitempty"`
	TabURL     string `json:"tabUrl,omitempty"`
	URIOnly    bool   `json:"uriOnly,omitempty"`
}

// DevToolsResponse answers a DevToolsRequest.
type DevToolsResponse struct {
	Success         bool   `json:"success"`
	PromptExtension bool   `json:"promptExtension"`
	Error           string `json:"error,omitempty"`
}

// ErrorResponse reports a failure to the message's origin.
type ErrorResponse struct {
	Error      string `json:"error"`
	StackTrace string `json:"stackTrace"`
}

// RegisterEvent is forwarded to the dev server as soon as it arrives.
type RegisterEvent struct {
	EventData string `json:"eventData"`
	Timestamp int64  `json:"timestamp"`
}

// RunRequest tells the app to run.
type RunRequest struct{}

// IsolateStart signals isolate start.
type IsolateStart struct{}

// IsolateExit signals isolate exit.
type IsolateExit struct{}

// BuildResult reports the dev server's build status.
type BuildResult struct {
	Status string `json:"status"`
}

func (*ExtensionRequest) MessageType() Type   { return TypeExtensionRequest }
func (*ExtensionResponse) MessageType() Type  { return TypeExtensionResponse }
func (*ExtensionEvent) MessageType() Type     { return TypeExtensionEvent }
func (*BatchedEvents) MessageType() Type      { return TypeBatchedEvents }
func (*ConnectRequest) MessageType() Type     { return TypeConnectRequest }
func (*DebugEvent) MessageType() Type         { return TypeDebugEvent }
func (*BatchedDebugEvents) MessageType() Type { return TypeBatchedDebugEvents }
func (*DevToolsRequest) MessageType() Type    { return TypeDevToolsRequest }
func (*DevToolsResponse) MessageType() Type   { return TypeDevToolsResponse }
func (*ErrorResponse) MessageType() Type      { return TypeErrorResponse }
func (*RegisterEvent) MessageType() Type      { return TypeRegisterEvent }
func (*RunRequest) MessageType() Type         { return TypeRunRequest }
func (*IsolateStart) MessageType() Type       { return TypeIsolateStart }
func (*IsolateExit) MessageType() Type        { return TypeIsolateExit }
func (*BuildResult) MessageType() Type        { return TypeBuildResult }

func (*ExtensionRequest) isMessage()   {}
func (*ExtensionResponse) isMessage()  {}
func (*ExtensionEvent) isMessage()     {}
func (*BatchedEvents) isMessage()      {}
func (*ConnectRequest) isMessage()     {}
func (*DebugEvent) isMessage()         {}
func (*BatchedDebugEvents) isMessage() {}
func (*DevToolsRequest) isMessage()    {}
func (*DevToolsResponse) isMessage()   {}
func (*ErrorResponse) isMessage()      {}
func (*RegisterEvent) isMessage()      {}
func (*RunRequest) isMessage()         {}
func (*IsolateStart) isMessage()       {}
func (*IsolateExit) isMessage()        {}
func (*BuildResult) isMessage()        {}

// newMessage returns a zero value of the message type for t.
func newMessage(t Type) Message {
	switch t {
	case TypeExtensionRequest:
		return &ExtensionRequest{}
	case TypeExtensionResponse:
		return &ExtensionResponse{}
	case TypeExtensionEvent:
		return &ExtensionEvent{}
	case TypeBatchedEvents:
		return &BatchedEvents{}
	case TypeConnectRequest:
		return &ConnectRequest{}
	case TypeDebugEvent:
		return &DebugEvent{}
	case TypeBatchedDebugEvents:
		return &BatchedDebugEvents{}
	case TypeDevToolsRequest:
		return &DevToolsRequest{}
	case TypeDevToolsResponse:
		return &DevToolsResponse{}
	case TypeErrorResponse:
		return &ErrorResponse{}
	case TypeRegisterEvent:
		return &RegisterEvent{}
	case TypeRunRequest:
		return &RunRequest{}
	case TypeIsolateStart:
		return &IsolateStart{}
	case TypeIsolateExit:
		return &IsolateExit{}
	case TypeBuildResult:
		return &BuildResult{}
	}
	return nil
}

// MarshalJSON writes a nil event list as [] so the required field survives.
func (b BatchedEvents) MarshalJSON() ([]byte, error) {
	events := b.Events
	if events == nil {
		events = []ExtensionEvent{}
	}
	return json.Marshal(struct {
		Events []ExtensionEvent `json:"events"`
	}{events})
}

// UnmarshalJSON reads an empty event list as nil.
func (b *BatchedEvents) UnmarshalJSON(data []byte) error {
	var raw struct {
		Events []ExtensionEvent `json:"events"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	b.Events = nil
	if len(raw.Events) > 0 {
		b.Events = raw.Events
	}
	return nil
}

// MarshalJSON writes a nil event list as [] so the required field survives.
func (b BatchedDebugEvents) MarshalJSON() ([]byte, error) {
	events := b.Events
	if events == nil {
		events = []DebugEvent{}
	}
	return json.Marshal(struct {
		Events []DebugEvent `json:"events"`
	}{events})
}

// UnmarshalJSON reads an empty event list as nil.
func (b *BatchedDebugEvents) UnmarshalJSON(data []byte) error {
	var raw struct {
		Events []DebugEvent `json:"events"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	b.Events = nil
	if len(raw.Events) > 0 {
		b.Events = raw.Events
	}
	return nil
}
