// ABOUTME: Shared JSON codec backed by json-iterator in stdlib-compatible mode.
// ABOUTME: Every wire dialect in the relay encodes and decodes through here.

package jsonx

import (
	stdjson "encoding/json"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var (
	Marshal       = json.Marshal
	MarshalIndent = json.MarshalIndent
	Unmarshal     = json.Unmarshal
	NewDecoder    = json.NewDecoder
	NewEncoder    = json.NewEncoder
	Valid         = json.Valid
)

// RawMessage is the stdlib raw type so values cross package boundaries
// without conversion.
type RawMessage = stdjson.RawMessage

// Clone round-trips v through JSON into a fresh generic value. Used to take
// ownership of caller-supplied maps.
func Clone(v any) (any, error) {
	data, err := Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ToMap decodes v (a struct, RawMessage or map) into map[string]any.
func ToMap(v any) (map[string]any, error) {
	var data []byte
	switch t := v.(type) {
	case nil:
		return map[string]any{}, nil
	case RawMessage:
		data = t
	case []byte:
		data = t
	default:
		var err error
		data, err = Marshal(v)
		if err != nil {
			return nil, err
		}
	}
	if len(data) == 0 || string(data) == "null" {
		return map[string]any{}, nil
	}
	out := map[string]any{}
	if err := Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}
