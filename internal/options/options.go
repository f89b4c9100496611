// Package options implements functional options shared by the drivers and
// the bucket manager.
package options

// OptionConstructor returns the default settings before options are applied.
type OptionConstructor[T any] func() T

// OptionCallback mutates settings. Exported Option types of other packages
// are aliases of it.
type OptionCallback[T any] func(*T)

// ApplyOptions builds settings from the constructor's defaults and applies
// the callbacks in order. A nil constructor starts from the zero value.
func ApplyOptions[T any](constructor OptionConstructor[T], cbs []OptionCallback[T]) T {
	var opts T

	if constructor != nil {
		opts = constructor()
	}

	for _, cb := range cbs {
		if cb != nil {
			cb(&opts)
		}
	}

	return opts
}
