package codec

import "google.golang.org/protobuf/proto"

// Protobuf serializes concrete proto messages. It does not fit the
// dehydrated-state snapshot (which is schemaless), but applications that
// cache proto-shaped payloads can run them through the same store and
// envelope plumbing with it.
type Protobuf[T proto.Message] struct {
	new func() T
}

// NewProtobuf constructs a Protobuf codec from a message constructor,
// e.g. NewProtobuf(func() *mypb.User { return &mypb.User{} }).
func NewProtobuf[T proto.Message](ctor func() T) Protobuf[T] {
	return Protobuf[T]{new: ctor}
}

func (c Protobuf[T]) Encode(v T) ([]byte, error) {
	return proto.Marshal(v)
}

func (c Protobuf[T]) Decode(b []byte) (T, error) {
	m := c.new()
	err := proto.Unmarshal(b, m)
	return m, err
}
