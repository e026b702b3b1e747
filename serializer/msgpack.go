package serializer

import "github.com/vmihailenco/msgpack/v5"

type msgpackSerializer struct{}

// Msgpack returns the default Serializer, backed by
// github.com/vmihailenco/msgpack/v5 — compact and schema-free, fitting
// the arbitrary payload types bus.Publish[T] measures.
func Msgpack() Serializer { return msgpackSerializer{} }

func (msgpackSerializer) Serialize(value any) ([]byte, error) {
	return msgpack.Marshal(value)
}

func (msgpackSerializer) Deserialize(data []byte, out any) error {
	return msgpack.Unmarshal(data, out)
}
