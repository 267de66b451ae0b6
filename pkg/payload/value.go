// Package payload decodes raw bus payloads into a typed JSON tree and
// applies approved key renames to it.
package payload

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

// Kind discriminates the variants of a decoded JSON value.
type Kind int

const (
	KindNull Kind = iota
	KindBool
	KindNumber
	KindString
	KindArray
	KindObject
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindBool:
		return "bool"
	case KindNumber:
		return "number"
	case KindString:
		return "string"
	case KindArray:
		return "array"
	case KindObject:
		return "object"
	default:
		return "invalid"
	}
}

// Value is a single JSON value represented as a tagged variant rather than an
// interface tree, so transforms switch on Kind instead of inspecting runtime
// types. Only the field matching Kind is meaningful.
type Value struct {
	Kind   Kind
	Bool   bool
	Number json.Number
	Str    string
	Items  []Value
	Fields map[string]Value
}

// WrapKey is the object key under which non-object payloads are preserved.
const WrapKey = "value"

// Decode parses raw payload bytes into a Value that is always a JSON object.
// Payloads that are not valid JSON become {"value": "<payload as text>"},
// with invalid UTF-8 sequences replaced rather than rejected, and valid JSON
// that is not an object is wrapped under the same key. A message is never
// dropped for lacking a JSON envelope.
func Decode(raw []byte) Value {
	parsed, err := decodeStrict(raw)
	if err != nil {
		return wrap(Value{Kind: KindString, Str: strings.ToValidUTF8(string(raw), "�")})
	}
	v := fromAny(parsed)
	if v.Kind != KindObject {
		return wrap(v)
	}
	return v
}

// decodeStrict parses exactly one JSON value and rejects trailing data, so a
// payload like `{"a":1} garbage` is treated as non-JSON rather than silently
// truncated. Numbers are kept as literals to preserve int64 precision.
func decodeStrict(raw []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, fmt.Errorf("trailing data after JSON value")
	}
	return v, nil
}

func wrap(v Value) Value {
	return Value{Kind: KindObject, Fields: map[string]Value{WrapKey: v}}
}

// fromAny converts a decoded interface tree into the tagged representation.
// This is the one place runtime type inspection happens; everything after it
// works on Kind.
func fromAny(v any) Value {
	switch t := v.(type) {
	case nil:
		return Value{Kind: KindNull}
	case bool:
		return Value{Kind: KindBool, Bool: t}
	case json.Number:
		return Value{Kind: KindNumber, Number: t}
	case string:
		return Value{Kind: KindString, Str: t}
	case []any:
		items := make([]Value, len(t))
		for i, item := range t {
			items[i] = fromAny(item)
		}
		return Value{Kind: KindArray, Items: items}
	case map[string]any:
		fields := make(map[string]Value, len(t))
		for name, field := range t {
			fields[name] = fromAny(field)
		}
		return Value{Kind: KindObject, Fields: fields}
	default:
		// Not reachable for decoder output; covers hand-built trees.
		return Value{Kind: KindString, Str: fmt.Sprint(t)}
	}
}

// MarshalJSON renders the variant the value actually holds. Empty containers
// marshal as [] and {} rather than null.
func (v Value) MarshalJSON() ([]byte, error) {
	switch v.Kind {
	case KindNull:
		return []byte("null"), nil
	case KindBool:
		return json.Marshal(v.Bool)
	case KindNumber:
		if v.Number == "" {
			return []byte("0"), nil
		}
		return json.Marshal(v.Number)
	case KindString:
		return json.Marshal(v.Str)
	case KindArray:
		if v.Items == nil {
			return []byte("[]"), nil
		}
		return json.Marshal(v.Items)
	case KindObject:
		if v.Fields == nil {
			return []byte("{}"), nil
		}
		return json.Marshal(v.Fields)
	default:
		return nil, fmt.Errorf("payload: cannot marshal kind %d", int(v.Kind))
	}
}

// JSON renders the value as compact JSON. Values produced by Decode always
// marshal; the fallback covers hand-built values carrying an invalid number
// literal.
func (v Value) JSON() []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return data
}
