// Package serializer is the wire-encoding capability (spec.md §6
// "Serializer capability"). In this module its only caller is bus, which
// serializes a payload to enforce Options.MaxMessageBytes; scheduler,
// lock and metricsbuf store their values in the cache without it.
package serializer

// Serializer converts values to and from a byte representation.
// Implementations must round-trip any value Deserialize's out points at
// the same concrete type Serialize was given.
type Serializer interface {
	Serialize(value any) ([]byte, error)
	Deserialize(data []byte, out any) error
}
