package marshaller

import (
	"github.com/vmihailenco/msgpack/v5"
	"gopkg.in/yaml.v3"
)

const (
	formatYAML    = "yaml"
	formatMsgpack = "msgpack"
)

var (
	_ TypedMarshaller[struct{}] = TypedYamlMarshaller[struct{}]{}
	_ TypedMarshaller[struct{}] = TypedMsgpackMarshaller[struct{}]{}
)

func zero[T any]() T {
	var out T
	return out
}

// TypedYamlMarshaller is a generic YAML marshaller for typed objects.
// It is used for human readable metadata such as stream configurations.
type TypedYamlMarshaller[T any] struct{}

// NewTypedYamlMarshaller creates a new TypedYamlMarshaller for the specified type.
func NewTypedYamlMarshaller[T any]() TypedYamlMarshaller[T] {
	return TypedYamlMarshaller[T]{}
}

// Marshal serializes the typed data to YAML format.
func (m TypedYamlMarshaller[T]) Marshal(data T) ([]byte, error) {
	marshalled, err := yaml.Marshal(data)
	if err != nil {
		return nil, errMarshal(formatYAML, err)
	}

	return marshalled, nil
}

// Unmarshal deserializes YAML data into a typed object.
func (m TypedYamlMarshaller[T]) Unmarshal(data []byte) (T, error) {
	var out T

	err := yaml.Unmarshal(data, &out)
	if err != nil {
		return zero[T](), errUnmarshal(formatYAML, err)
	}

	return out, nil
}

// TypedMsgpackMarshaller is a generic MessagePack marshaller for typed objects.
// It is used for records, where compactness matters.
type TypedMsgpackMarshaller[T any] struct{}

// NewTypedMsgpackMarshaller creates a new TypedMsgpackMarshaller for the specified type.
func NewTypedMsgpackMarshaller[T any]() TypedMsgpackMarshaller[T] {
	return TypedMsgpackMarshaller[T]{}
}

// Marshal serializes the typed data to MessagePack format.
func (m TypedMsgpackMarshaller[T]) Marshal(data T) ([]byte, error) {
	marshalled, err := msgpack.Marshal(data)
	if err != nil {
		return nil, errMarshal(formatMsgpack, err)
	}

	return marshalled, nil
}

// Unmarshal deserializes MessagePack data into a typed object.
func (m TypedMsgpackMarshaller[T]) Unmarshal(data []byte) (T, error) {
	var out T

	err := msgpack.Unmarshal(data, &out)
	if err != nil {
		return zero[T](), errUnmarshal(formatMsgpack, err)
	}

	return out, nil
}
