package codec

import "fmt"

// LimitCodec bounds the payload size accepted at Decode time; Encode is
// forwarded to Inner unchanged. A shared provider can hand back bytes written
// by a bigger (or buggier) writer, and decoding an oversized payload should
// fail fast instead of allocating.
//
// MaxDecode <= 0 disables the bound.
type LimitCodec[V any] struct {
	Inner     Codec[V]
	MaxDecode int
}

var _ Codec[int] = LimitCodec[int]{}

func (c LimitCodec[V]) Encode(v V) ([]byte, error) { return c.Inner.Encode(v) }

func (c LimitCodec[V]) Decode(b []byte) (V, error) {
	if c.MaxDecode > 0 && len(b) > c.MaxDecode {
		var zero V
		return zero, fmt.Errorf("payload too large: %d > %d", len(b), c.MaxDecode)
	}
	return c.Inner.Decode(b)
}
