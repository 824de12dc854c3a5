package wire

import (
	"encoding/json"
	"fmt"
	"strings"

	apperrors "github.com/debugrelay/host/internal/errors"
)

// Format selects the text form produced by Encode.
type Format string

const (
	// FormatObject writes tagged JSON objects: {"type":"X",...}.
	FormatObject Format = "object"

	// FormatList writes type-first lists: ["X","field",value,...].
	FormatList Format = "list"
)

// ParseFormat validates a configured format name. Empty means FormatObject.
func ParseFormat(s string) (Format, error) {
	switch Format(s) {
	case "", FormatObject:
		return FormatObject, nil
	case FormatList:
		return FormatList, nil
	}
	return "", fmt.Errorf("unknown wire format %q (want %q or %q)", s, FormatObject, FormatList)
}

// Codec encodes and decodes wire messages. The zero value writes objects.
// Decode accepts both forms regardless of Format.
type Codec struct {
	Format Format
}

// DefaultCodec writes tagged objects.
var DefaultCodec = Codec{Format: FormatObject}

// Encode serializes m with DefaultCodec.
func Encode(m Message) (string, error) { return DefaultCodec.Encode(m) }

// Decode parses data with DefaultCodec.
func Decode(data string) (Message, error) { return DefaultCodec.Decode(data) }

// Encode serializes m. Raw JSON params are compacted.
func (c Codec) Encode(m Message) (string, error) {
	if m == nil {
		return "", apperrors.New(apperrors.CodeCodecUnknownType, "cannot encode nil message")
	}
	t := m.MessageType()
	body, err := json.Marshal(m)
	if err != nil {
		return "", apperrors.Wrap(apperrors.CodeCodecMalformed, fmt.Sprintf("encode %s", t), err)
	}
	if c.Format == FormatList {
		return toList(t, body)
	}
	return toObject(t, body), nil
}

// Decode parses data into a message, checking every required field of the
// detected type. Unknown fields are ignored.
func (c Codec) Decode(data string) (Message, error) {
	trimmed := strings.TrimSpace(data)
	if trimmed == "" {
		return nil, apperrors.New(apperrors.CodeCodecMalformed, "empty message")
	}

	var (
		t   Type
		obj map[string]json.RawMessage
		err error
	)
	if trimmed[0] == '[' {
		t, obj, err = fromList(trimmed)
	} else {
		t, obj, err = fromObject(trimmed)
	}
	if err != nil {
		return nil, err
	}

	if err := validate(t, obj); err != nil {
		return nil, err
	}

	normalized, err := json.Marshal(obj)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeCodecMalformed, "normalize message", err)
	}
	m := newMessage(t)
	if err := json.Unmarshal(normalized, m); err != nil {
		return nil, apperrors.Wrap(apperrors.CodeCodecMalformed, fmt.Sprintf("decode %s", t), err)
	}
	return m, nil
}

func toObject(t Type, body []byte) string {
	tag, _ := json.Marshal(string(t))
	var b strings.Builder
	b.WriteString(`{"type":`)
	b.Write(tag)
	if len(body) > 2 {
		b.WriteByte(',')
		b.Write(body[1:])
	} else {
		b.WriteByte('}')
	}
	return b.String()
}

func toList(t Type, body []byte) (string, error) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(body, &obj); err != nil {
		return "", apperrors.Wrap(apperrors.CodeCodecMalformed, fmt.Sprintf("encode %s", t), err)
	}
	items, err := objectToPairs(t, obj)
	if err != nil {
		return "", err
	}
	out, err := json.Marshal(append([]any{string(t)}, items...))
	if err != nil {
		return "", apperrors.Wrap(apperrors.CodeCodecMalformed, fmt.Sprintf("encode %s", t), err)
	}
	return string(out), nil
}

// objectToPairs flattens obj into key, value pairs in schema order. List
// elements become untagged pair lists of their element type.
func objectToPairs(t Type, obj map[string]json.RawMessage) ([]any, error) {
	var items []any
	for _, f := range fieldsFor(t, obj) {
		raw, ok := obj[f.name]
		if !ok {
			continue
		}
		if f.kind != kindList {
			items = append(items, f.name, raw)
			continue
		}
		var elems []map[string]json.RawMessage
		if err := json.Unmarshal(raw, &elems); err != nil {
			return nil, apperrors.Wrap(apperrors.CodeCodecMalformed, fmt.Sprintf("encode %s.%s", t, f.name), err)
		}
		nested := make([]any, 0, len(elems))
		for _, elem := range elems {
			pairs, err := objectToPairs(f.elem, elem)
			if err != nil {
				return nil, err
			}
			if pairs == nil {
				pairs = []any{}
			}
			nested = append(nested, pairs)
		}
		items = append(items, f.name, nested)
	}
	return items, nil
}

func fromObject(data string) (Type, map[string]json.RawMessage, error) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal([]byte(data), &obj); err != nil || obj == nil {
		return "", nil, apperrors.Wrap(apperrors.CodeCodecMalformed, "message is not a JSON object", err)
	}

	if raw, ok := obj["type"]; ok {
		var tag string
		if err := json.Unmarshal(raw, &tag); err != nil {
			return "", nil, &InvalidFieldError{Field: "type", Want: "string"}
		}
		if !IsKnownType(Type(tag)) {
			return "", nil, &UnknownTypeError{Tag: tag}
		}
		delete(obj, "type")
		return Type(tag), obj, nil
	}

	// Some producers tag with "kind". It only counts as a tag when it names
	// a message type, since DebugEvent has a "kind" field of its own.
	if raw, ok := obj["kind"]; ok {
		var tag string
		if json.Unmarshal(raw, &tag) == nil && IsKnownType(Type(tag)) {
			delete(obj, "kind")
			return Type(tag), obj, nil
		}
	}
	return "", nil, &UnknownTypeError{}
}

func fromList(data string) (Type, map[string]json.RawMessage, error) {
	var items []json.RawMessage
	if err := json.Unmarshal([]byte(data), &items); err != nil {
		return "", nil, apperrors.Wrap(apperrors.CodeCodecMalformed, "message is not a JSON list", err)
	}
	if len(items) == 0 {
		return "", nil, &UnknownTypeError{}
	}
	var tag string
	if err := json.Unmarshal(items[0], &tag); err != nil {
		return "", nil, &UnknownTypeError{}
	}
	t := Type(tag)
	if !IsKnownType(t) {
		return "", nil, &UnknownTypeError{Tag: tag}
	}
	obj, err := pairsToObject(t, items[1:])
	if err != nil {
		return "", nil, err
	}
	return t, obj, nil
}

// pairsToObject rebuilds an object from a flat key, value list. Nested list
// elements in pair form are converted recursively.
func pairsToObject(t Type, items []json.RawMessage) (map[string]json.RawMessage, error) {
	if len(items)%2 != 0 {
		return nil, apperrors.New(apperrors.CodeCodecMalformed, fmt.Sprintf("%s: odd number of list items", t))
	}
	obj := make(map[string]json.RawMessage, len(items)/2)
	for i := 0; i < len(items); i += 2 {
		var key string
		if err := json.Unmarshal(items[i], &key); err != nil {
			return nil, apperrors.Wrap(apperrors.CodeCodecMalformed, fmt.Sprintf("%s: field name at %d", t, i), err)
		}
		obj[key] = items[i+1]
	}

	for _, f := range fieldsFor(t, obj) {
		raw, ok := obj[f.name]
		if !ok || f.kind != kindList {
			continue
		}
		var elems []json.RawMessage
		if err := json.Unmarshal(raw, &elems); err != nil {
			continue
		}
		converted := make([]json.RawMessage, 0, len(elems))
		for _, elem := range elems {
			trimmed := strings.TrimSpace(string(elem))
			if !strings.HasPrefix(trimmed, "[") {
				converted = append(converted, elem)
				continue
			}
			var pairs []json.RawMessage
			if err := json.Unmarshal(elem, &pairs); err != nil {
				return nil, apperrors.Wrap(apperrors.CodeCodecMalformed, fmt.Sprintf("%s.%s element", t, f.name), err)
			}
			child, err := pairsToObject(f.elem, pairs)
			if err != nil {
				return nil, err
			}
			encoded, err := json.Marshal(child)
			if err != nil {
				return nil, apperrors.Wrap(apperrors.CodeCodecMalformed, fmt.Sprintf("%s.%s element", t, f.name), err)
			}
			converted = append(converted, encoded)
		}
		encoded, err := json.Marshal(converted)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.CodeCodecMalformed, fmt.Sprintf("%s.%s", t, f.name), err)
		}
		obj[f.name] = encoded
	}
	return obj, nil
}
