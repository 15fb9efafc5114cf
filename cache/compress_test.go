package cache

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompressedCodecRoundTrip(t *testing.T) {
	codec := CompressedCodec{Inner: JSONCodec{}, Threshold: 64}

	tests := []struct {
		name  string
		value any
	}{
		{name: "small payload stays raw", value: "tiny"},
		{name: "large payload compresses", value: strings.Repeat("compressible ", 200)},
		{name: "structured payload", value: map[string]any{"k": strings.Repeat("v", 500)}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := codec.Marshal(tt.value)
			require.NoError(t, err)

			var out any
			require.NoError(t, codec.Unmarshal(data, &out))
			assert.Equal(t, tt.value, out)
		})
	}
}

func TestCompressedCodecShrinksRepetitiveData(t *testing.T) {
	inner := JSONCodec{}
	codec := CompressedCodec{Inner: inner, Threshold: 64}
	value := strings.Repeat("abcdef", 1_000)

	raw, err := inner.Marshal(value)
	require.NoError(t, err)
	framed, err := codec.Marshal(value)
	require.NoError(t, err)
	assert.Less(t, len(framed), len(raw))
	assert.EqualValues(t, compressedFrameGzip, framed[0])
}

func TestCompressedCodecSmallPayloadFrame(t *testing.T) {
	codec := CompressedCodec{Inner: JSONCodec{}, Threshold: 1 << 20}
	framed, err := codec.Marshal("value")
	require.NoError(t, err)
	assert.EqualValues(t, compressedFrameRaw, framed[0])
}

func TestCompressedCodecRejectsGarbage(t *testing.T) {
	codec := CompressedCodec{Inner: JSONCodec{}}
	var out any
	assert.True(t, IsSerializationError(codec.Unmarshal(nil, &out)))
	assert.True(t, IsSerializationError(codec.Unmarshal([]byte{0xff, 1, 2}, &out)))
	assert.True(t, IsSerializationError(codec.Unmarshal([]byte{compressedFrameGzip, 1, 2}, &out)))
}

func TestCodecByName(t *testing.T) {
	tests := []struct {
		name     string
		expected string
		wantErr  bool
	}{
		{name: "", expected: "msgpack"},
		{name: "msgpack", expected: "msgpack"},
		{name: "json", expected: "json"},
		{name: "msgpack+gzip", expected: "msgpack+gzip"},
		{name: "json+gzip", expected: "json+gzip"},
		{name: "gob", wantErr: true},
	}
	for _, tt := range tests {
		codec, err := CodecByName(tt.name)
		if tt.wantErr {
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrConfiguration)
			continue
		}
		require.NoError(t, err)
		assert.Equal(t, tt.expected, codec.Name())
	}
}
