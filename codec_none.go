package checkpoint

// NoneCodec is the identity codec: payloads are stored as-is.
type NoneCodec struct{}

func NewNoneCodec() *NoneCodec {
	return &NoneCodec{}
}

func (c *NoneCodec) Name() string {
	return CodecNone
}

func (c *NoneCodec) Extension() string {
	return "bin"
}

func (c *NoneCodec) Encode(data []byte) ([]byte, error) {
	return data, nil
}

func (c *NoneCodec) Decode(data []byte) ([]byte, error) {
	return data, nil
}
