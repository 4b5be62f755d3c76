package checkpoint

import "fmt"

// Known codec names. Codec selection is resolved once per manager from
// configuration; the manifest records the codec used for every committed
// entry so a mismatch is detected before any decode is attempted.
const (
	CodecNone = "none"
	CodecGzip = "gzip"
	CodecZstd = "zstd"
)

// Codec is a reversible byte-stream transform applied to checkpoint payloads
// before they reach a backend. Implementations must guarantee
// Decode(Encode(x)) == x for every byte sequence, including the empty one.
type Codec interface {

	// Name identifies the codec in configuration and in manifest entries.
	Name() string

	// Extension is the file extension used for committed backend keys.
	Extension() string

	// Encode transforms a payload for storage.
	Encode(data []byte) ([]byte, error)

	// Decode reverses Encode.
	Decode(data []byte) ([]byte, error)
}

// CodecByName returns the codec registered under name. The empty string
// selects the identity codec, keeping compression opt-in.
func CodecByName(name string) (Codec, error) {
	switch name {
	case "", CodecNone:
		return NewNoneCodec(), nil
	case CodecGzip:
		return NewGzipCodec(), nil
	case CodecZstd:
		return NewZstdCodec(), nil
	default:
		return nil, fmt.Errorf("unknown codec %q", name)
	}
}
