package codec

import "google.golang.org/protobuf/proto"

// Protobuf serializes proto.Message values. T is a pointer type, so Decode
// needs a constructor for a fresh message to unmarshal into, e.g.
//
//	codec.NewProtobuf(func() *pb.Member { return &pb.Member{} })
type Protobuf[T proto.Message] struct {
	ctor func() T
}

func NewProtobuf[T proto.Message](ctor func() T) Protobuf[T] {
	return Protobuf[T]{ctor: ctor}
}

func (c Protobuf[T]) Encode(v T) ([]byte, error) {
	return proto.Marshal(v)
}

func (c Protobuf[T]) Decode(b []byte) (T, error) {
	m := c.ctor()
	err := proto.Unmarshal(b, m)
	return m, err
}
