// Package marshaller provides typed serialization used by the persistent
// drivers to store stream configurations and records.
package marshaller

// TypedMarshaller is a generic interface for typed marshalling operations.
type TypedMarshaller[T any] interface {
	Marshal(data T) ([]byte, error)
	Unmarshal(data []byte) (T, error)
}
