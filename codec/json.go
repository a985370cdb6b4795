package codec

import "encoding/json"

// JSONCodec serializes values with encoding/json. The zero value is ready to
// use; it is the default choice when payloads must stay human-readable.
type JSONCodec[V any] struct{}

var _ Codec[int] = JSONCodec[int]{}

func (JSONCodec[V]) Encode(v V) ([]byte, error) { return json.Marshal(v) }
func (JSONCodec[V]) Decode(b []byte) (V, error) {
	var v V
	err := json.Unmarshal(b, &v)
	return v, err
}
