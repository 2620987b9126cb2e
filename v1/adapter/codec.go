package adapter

import (
	"encoding/json"
)

// Codec defines methods for encoding and decoding values stored in buckets.
type Codec interface {
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

// JSONCodec implements Codec using encoding/json.
type JSONCodec struct{}

func (JSONCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (JSONCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }

// TextCodec stores strings verbatim and everything else as JSON, keeping
// plain string values readable with redis-cli.
type TextCodec struct{}

func (TextCodec) Marshal(v any) ([]byte, error) {
	if s, ok := v.(string); ok {
		return []byte(s), nil
	}
	return json.Marshal(v)
}

func (TextCodec) Unmarshal(data []byte, v any) error {
	if p, ok := v.(*string); ok {
		*p = string(data)
		return nil
	}
	return json.Unmarshal(data, v)
}
