// Package codec ships the value serializers used by tokencache entries.
// A codec only sees the value payload; the cache's wire framing and stamp
// validation happen outside it, so Decode can assume the bytes are exactly
// what Encode produced.
package codec

// Codec encodes and decodes values V for storage. Implementations must be
// stateless or safe for concurrent use; the cache calls them on hot paths.
type Codec[V any] interface {
	Encode(V) ([]byte, error)
	Decode([]byte) (V, error)
}
