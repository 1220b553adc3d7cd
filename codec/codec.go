// Package codec provides payload codecs for persisted snapshots and other
// store-bound values. The persist package runs a client's dehydrated state
// through one of these before framing it for storage; JSON is the default,
// msgpack and CBOR are compact alternatives for large caches.
package codec

// Codec serializes values V to bytes and back.
type Codec[V any] interface {
	Encode(V) ([]byte, error)
	Decode([]byte) (V, error)
}
