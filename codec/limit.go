package codec

import "fmt"

// LimitCodec wraps another codec and refuses to decode payloads larger
// than MaxDecode bytes. Encode passes through unchanged. Snapshots read
// from a shared store are untrusted input; cap them before handing the
// bytes to a real decoder. MaxDecode <= 0 disables the cap.
type LimitCodec[V any] struct {
	// Inner must be set.
	Inner Codec[V]
	// MaxDecode is the largest payload Decode will accept, in bytes.
	MaxDecode int
}

func (c LimitCodec[V]) Encode(v V) ([]byte, error) { return c.Inner.Encode(v) }

func (c LimitCodec[V]) Decode(b []byte) (V, error) {
	if c.MaxDecode > 0 && len(b) > c.MaxDecode {
		var zero V
		return zero, fmt.Errorf("codec: payload too large: %d > %d", len(b), c.MaxDecode)
	}
	return c.Inner.Decode(b)
}
