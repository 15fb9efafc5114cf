package cache

import (
	"encoding/json"

	"github.com/vmihailenco/msgpack/v5"
)

// Codec encodes and decodes values crossing the boundary into a serialized
// backend. The in-process backend stores values by reference and never uses
// a codec.
type Codec interface {
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
	Name() string
}

// MsgpackCodec is the default codec for serialized backends. Most Go types
// work out of the box: primitives, structs with exported fields, maps,
// slices, and pointers. Functions and channels cannot be serialized.
type MsgpackCodec struct{}

func (MsgpackCodec) Marshal(v any) ([]byte, error)   { return msgpack.Marshal(v) }
func (MsgpackCodec) Unmarshal(d []byte, v any) error { return msgpack.Unmarshal(d, v) }
func (MsgpackCodec) Name() string                    { return "msgpack" }

// JSONCodec trades compactness for a wire format that is inspectable with
// standard tooling. Useful when another system reads the cached values.
type JSONCodec struct{}

func (JSONCodec) Marshal(v any) ([]byte, error)   { return json.Marshal(v) }
func (JSONCodec) Unmarshal(d []byte, v any) error { return json.Unmarshal(d, v) }
func (JSONCodec) Name() string                    { return "json" }

// CodecByName resolves a codec from its configuration name. A "+gzip"
// suffix wraps the base codec in CompressedCodec, e.g. "msgpack+gzip".
func CodecByName(name string) (Codec, error) {
	base, compressed := parseCompressedName(name)
	var codec Codec
	switch base {
	case "", "msgpack":
		codec = MsgpackCodec{}
	case "json":
		codec = JSONCodec{}
	default:
		return nil, errConfigf("unknown serializer %q", name)
	}
	if compressed {
		codec = CompressedCodec{Inner: codec}
	}
	return codec, nil
}
