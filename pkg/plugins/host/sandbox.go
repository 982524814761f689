package host

import (
	"context"
)

// HostFunction is a host capability exposed to modules. Every parameter and
// the result are strings; Params is the number of string arguments.
type HostFunction struct {
	Name   string
	Params int
	Fn     func(ctx context.Context, args ...string) (string, error)
}

// Sandbox instantiates modules under a manifest.
type Sandbox interface {
	// Instantiate loads the module described by manifest and links the host
	// functions into it.
	Instantiate(ctx context.Context, manifest Manifest, functions []HostFunction) (Instance, error)
}

// Instance is one live module.
type Instance interface {
	// Call invokes an exported entry point with input and returns its output.
	Call(ctx context.Context, fn string, input []byte) ([]byte, error)

	// Exports reports whether the module exports fn.
	Exports(fn string) bool

	// Close releases the module.
	Close(ctx context.Context) error
}
