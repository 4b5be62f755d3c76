package checkpoint

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCodecRoundTrip(t *testing.T) {
	payloads := map[string][]byte{
		"empty":      {},
		"small":      []byte("model weights"),
		"binary":     {0x00, 0xff, 0x10, 0x80, 0x7f, 0x00, 0x01},
		"repetitive": bytes.Repeat([]byte("layer.0.weight "), 4096),
	}

	for _, name := range []string{CodecNone, CodecGzip, CodecZstd} {
		codec, err := CodecByName(name)
		require.NoError(t, err)
		require.Equal(t, name, codec.Name())

		for label, payload := range payloads {
			t.Run(name+"/"+label, func(t *testing.T) {
				encoded, err := codec.Encode(payload)
				require.NoError(t, err)
				decoded, err := codec.Decode(encoded)
				require.NoError(t, err)
				require.True(t, bytes.Equal(payload, decoded),
					"decode(encode(x)) must equal x")
			})
		}
	}
}

func TestCodecCompresses(t *testing.T) {
	payload := bytes.Repeat([]byte("0.018373 0.993021 -0.44810 "), 2048)
	for _, name := range []string{CodecGzip, CodecZstd} {
		codec, err := CodecByName(name)
		require.NoError(t, err)
		encoded, err := codec.Encode(payload)
		require.NoError(t, err)
		require.Less(t, len(encoded), len(payload), "%s should shrink repetitive data", name)
	}
}

func TestCodecByName(t *testing.T) {
	t.Run("empty name selects identity", func(t *testing.T) {
		codec, err := CodecByName("")
		require.NoError(t, err)
		require.Equal(t, CodecNone, codec.Name())
	})

	t.Run("unknown name fails", func(t *testing.T) {
		_, err := CodecByName("lz77")
		require.Error(t, err)
		require.Contains(t, err.Error(), "unknown codec")
	})

	t.Run("extensions are distinct", func(t *testing.T) {
		seen := map[string]string{}
		for _, name := range []string{CodecNone, CodecGzip, CodecZstd} {
			codec, err := CodecByName(name)
			require.NoError(t, err)
			ext := codec.Extension()
			require.NotEmpty(t, ext)
			require.NotContains(t, seen, ext)
			seen[ext] = name
		}
	})
}

func TestGzipDecodeRejectsGarbage(t *testing.T) {
	codec := NewGzipCodec()
	_, err := codec.Decode([]byte("definitely not gzip"))
	require.Error(t, err)
}

func TestZstdDecodeRejectsGarbage(t *testing.T) {
	codec := NewZstdCodec()
	_, err := codec.Decode([]byte("definitely not zstd"))
	require.Error(t, err)
}
