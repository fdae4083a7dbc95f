package xjson

import (
	"bytes"
	stdjson "encoding/json"

	gojson "github.com/goccy/go-json"
)

// Marshal/Unmarshal wrappers keep a single import site for the JSON codec used
// by values, store records and events.

func Marshal(v interface{}) ([]byte, error) {
	return gojson.Marshal(v)
}

func MarshalIndent(v interface{}, prefix, indent string) ([]byte, error) {
	return gojson.MarshalIndent(v, prefix, indent)
}

func Unmarshal(data []byte, v interface{}) error {
	return gojson.Unmarshal(data, v)
}

// UnmarshalStrict rejects object keys that do not match a field of v.
func UnmarshalStrict(data []byte, v interface{}) error {
	dec := gojson.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// RawMessage is kept compatible with encoding/json's RawMessage type.
type RawMessage = stdjson.RawMessage
