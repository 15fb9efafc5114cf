package cache

import (
	"bytes"
	"compress/gzip"
	"io"
	"strings"
)

// Payload framing for CompressedCodec. The prefix byte tells Unmarshal
// whether the rest of the payload is raw or gzipped.
const (
	compressedFrameRaw  = 0x00
	compressedFrameGzip = 0x01
)

// CompressedCodec wraps another Codec and gzips payloads that reach the
// size threshold. Small payloads are stored raw since gzip overhead would
// grow them. A one-byte frame prefix keeps the two forms distinguishable.
type CompressedCodec struct {
	Inner Codec
	// Threshold is the minimum encoded size, in bytes, before compression
	// kicks in. Zero means DefaultCompressThreshold.
	Threshold int
}

// DefaultCompressThreshold is the payload size at which compression starts
// paying for itself for typical JSON and msgpack data.
const DefaultCompressThreshold = 1024

func (c CompressedCodec) threshold() int {
	if c.Threshold > 0 {
		return c.Threshold
	}
	return DefaultCompressThreshold
}

func (c CompressedCodec) Marshal(v any) ([]byte, error) {
	data, err := c.Inner.Marshal(v)
	if err != nil {
		return nil, err
	}
	if len(data) < c.threshold() {
		return append([]byte{compressedFrameRaw}, data...), nil
	}
	var buf bytes.Buffer
	buf.WriteByte(compressedFrameGzip)
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(data); err != nil {
		return nil, markSerialization(err, "compressing payload")
	}
	if err := zw.Close(); err != nil {
		return nil, markSerialization(err, "compressing payload")
	}
	// Incompressible data can come out larger; keep the raw form then.
	if buf.Len() >= len(data)+1 {
		return append([]byte{compressedFrameRaw}, data...), nil
	}
	return buf.Bytes(), nil
}

func (c CompressedCodec) Unmarshal(data []byte, v any) error {
	if len(data) == 0 {
		return markSerialization(io.ErrUnexpectedEOF, "empty payload")
	}
	frame, rest := data[0], data[1:]
	switch frame {
	case compressedFrameRaw:
		return c.Inner.Unmarshal(rest, v)
	case compressedFrameGzip:
		zr, err := gzip.NewReader(bytes.NewReader(rest))
		if err != nil {
			return markSerialization(err, "decompressing payload")
		}
		raw, err := io.ReadAll(zr)
		if err != nil {
			return markSerialization(err, "decompressing payload")
		}
		if err := zr.Close(); err != nil {
			return markSerialization(err, "decompressing payload")
		}
		return c.Inner.Unmarshal(raw, v)
	default:
		return markSerialization(io.ErrUnexpectedEOF, "unknown payload frame")
	}
}

func (c CompressedCodec) Name() string { return c.Inner.Name() + "+gzip" }

// parseCompressedName splits a "<codec>+gzip" serializer name, reporting
// whether the suffix was present.
func parseCompressedName(name string) (string, bool) {
	base, ok := strings.CutSuffix(name, "+gzip")
	return base, ok
}
