package codec

import (
	"encoding/json"
)

// JSONCodec is the default codec. Parameters and values are already JSON, so they are
// embedded verbatim and a frame body stays readable in a packet capture.
type JSONCodec struct{}

func (c *JSONCodec) Encode(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (c *JSONCodec) Decode(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

func (c *JSONCodec) Type() CodecType {
	return CodecTypeJSON
}
