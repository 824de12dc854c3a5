package wire

import (
	"bytes"
	"encoding/json"
)

type fieldKind int

const (
	kindString fieldKind = iota
	kindInt
	kindBool
	kindRaw
	kindList
)

func (k fieldKind) String() string {
	switch k {
	case kindString:
		return "string"
	case kindInt:
		return "integer"
	case kindBool:
		return "bool"
	case kindList:
		return "list"
	}
	return "value"
}

type field struct {
	name     string
	kind     fieldKind
	required bool
	// elem is the element type of a kindList field.
	elem Type
}

func req(name string, k fieldKind) field { return field{name: name, kind: k, required: true} }
func opt(name string, k fieldKind) field { return field{name: name, kind: k} }
func list(name string, elem Type) field {
	return field{name: name, kind: kindList, required: true, elem: elem}
}

var (
	appEventFields = []field{req("kind", kindString), req("eventData", kindString), req("timestamp", kindInt)}
	cdpEventFields = []field{req("method", kindString), opt("params", kindRaw)}
)

// schemas lists the fields of each type in wire order. DebugEvent is absent:
// its variant is chosen per value by fieldsFor.
var schemas = map[Type][]field{
	TypeExtensionRequest:   {req("id", kindInt), req("command", kindString), opt("commandParams", kindString)},
	TypeExtensionResponse:  {req("id", kindInt), req("success", kindBool), req("result", kindString), opt("error", kindString)},
	TypeExtensionEvent:     {req("params", kindString), req("method", kindString)},
	TypeBatchedEvents:      {list("events", TypeExtensionEvent)},
	TypeConnectRequest:     {req("appId", kindString), req("instanceId", kindString), req("entrypointPath", kindString)},
	TypeBatchedDebugEvents: {list("events", TypeDebugEvent)},
	TypeDevToolsRequest: {
		req("appId", kindString), req("instanceId", kindString),
		opt("contextId", kindInt), opt("tabUrl", kindString), opt("uriOnly", kindBool),
	},
	TypeDevToolsResponse: {req("success", kindBool), req("promptExtension", kindBool), opt("error", kindString)},
	TypeErrorResponse:    {req("error", kindString), req("stackTrace", kindString)},
	TypeRegisterEvent:    {req("eventData", kindString), req("timestamp", kindInt)},
	TypeRunRequest:       {},
	TypeIsolateStart:     {},
	TypeIsolateExit:      {},
	TypeBuildResult:      {req("status", kindString)},
}

// fieldsFor returns the schema for t given the object's fields.
func fieldsFor(t Type, obj map[string]json.RawMessage) []field {
	if t == TypeDebugEvent {
		if _, ok := obj["method"]; ok {
			return cdpEventFields
		}
		return appEventFields
	}
	return schemas[t]
}

// IsKnownType reports whether t names a supported message type.
func IsKnownType(t Type) bool {
	if t == TypeDebugEvent {
		return true
	}
	_, ok := schemas[t]
	return ok
}

func isNull(raw json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}

// validate checks presence and JSON kind of every field of t in obj.
// Nested list elements are validated against their element type.
func validate(t Type, obj map[string]json.RawMessage) error {
	for _, f := range fieldsFor(t, obj) {
		raw, ok := obj[f.name]
		if !ok || isNull(raw) {
			if f.required {
				return &MissingFieldError{Type: t, Field: f.name}
			}
			delete(obj, f.name)
			continue
		}
		if !hasKind(raw, f.kind) {
			return &InvalidFieldError{Type: t, Field: f.name, Want: f.kind.String()}
		}
		if f.kind != kindList {
			continue
		}
		var elems []json.RawMessage
		if err := json.Unmarshal(raw, &elems); err != nil {
			return &InvalidFieldError{Type: t, Field: f.name, Want: f.kind.String()}
		}
		for _, elem := range elems {
			var child map[string]json.RawMessage
			if err := json.Unmarshal(elem, &child); err != nil || child == nil {
				return &InvalidFieldError{Type: f.elem, Field: f.name, Want: "object"}
			}
			if err := validate(f.elem, child); err != nil {
				return err
			}
		}
	}
	return nil
}

func hasKind(raw json.RawMessage, k fieldKind) bool {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return false
	}
	switch k {
	case kindString:
		return raw[0] == '"'
	case kindInt:
		var n int64
		return json.Unmarshal(raw, &n) == nil
	case kindBool:
		return bytes.Equal(raw, []byte("true")) || bytes.Equal(raw, []byte("false"))
	case kindList:
		return raw[0] == '['
	}
	return true
}
