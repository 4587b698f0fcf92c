// Snapback caches page snapshots in a host-provided session store. This package bounds that store: every
// namespace holds at most a fixed number of entries and the oldest inserted / updated entry makes room for new
// ones. Values are encoded to text through a Codec before they reach the backend.

package cache

import "encoding/json"

// Codec converts cache values to the text form kept by the backend and back.
type Codec[V any] interface {
	Encode(value V) (string, error)
	Decode(raw string) (V, error)
}

var _ Codec[map[string]any] = JSONCodec[map[string]any]{}

// JSONCodec encodes any JSON-serializable value.
type JSONCodec[V any] struct{}

func (JSONCodec[V]) Encode(value V) (string, error) {
	encoded, err := json.Marshal(value)
	if err != nil {
		return "", err
	}
	return string(encoded), nil
}

func (JSONCodec[V]) Decode(raw string) (V, error) {
	var value V
	err := json.Unmarshal([]byte(raw), &value)
	return value, err
}
