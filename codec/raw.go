package codec

// Bytes is an identity codec for []byte values. Encode and Decode return
// the input unchanged, for callers whose payload is already serialized and
// who only want the snapshot envelope and store plumbing around it.
type Bytes struct{}

func (Bytes) Encode(b []byte) ([]byte, error) { return b, nil }
func (Bytes) Decode(b []byte) ([]byte, error) { return b, nil }

// String converts string values to bytes and back. Assumes UTF-8 and
// performs no validation.
type String struct{}

func (String) Encode(s string) ([]byte, error) { return []byte(s), nil }
func (String) Decode(b []byte) (string, error) { return string(b), nil }
