// Package codec serializes request and response messages for the frame body.
package codec

import "github.com/pkg/errors"

type CodecType byte

const (
	CodecTypeJSON   CodecType = 0
	CodecTypeBinary CodecType = 1
	CodecTypeGob    CodecType = 2
)

type Codec interface {
	Encode(v any) ([]byte, error)
	Decode(data []byte, v any) error
	Type() CodecType // 0=JSON, 1=Binary, 2=Gob
}

// GetCodec returns the codec for codecType.
func GetCodec(codecType CodecType) (Codec, error) {
	switch codecType {
	case CodecTypeJSON:
		return &JSONCodec{}, nil
	case CodecTypeBinary:
		return &BinaryCodec{}, nil
	case CodecTypeGob:
		return &GobCodec{}, nil
	default:
		return nil, errors.Errorf("unsupported codec type: %d", codecType)
	}
}

// ParseCodecType maps a configuration name (json, binary, gob) to its CodecType.
func ParseCodecType(name string) (CodecType, error) {
	switch name {
	case "", "json":
		return CodecTypeJSON, nil
	case "binary":
		return CodecTypeBinary, nil
	case "gob":
		return CodecTypeGob, nil
	default:
		return 0, errors.Errorf("invalid codec %q (expected json, binary or gob)", name)
	}
}
