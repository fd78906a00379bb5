//go:build !(llamacpp && cgo)

// Package llamacpp binds the engine capability to llama.cpp through cgo.
// Build with -tags llamacpp and libllama on the linker path.
package llamacpp

import (
	"errors"

	"github.com/hansbala/how/engine"
)

// ErrUnavailable is returned by Init when the binary was built without llama.cpp.
var ErrUnavailable = errors.New("llama.cpp backend is not available in this build (rebuild with -tags llamacpp)")

// Available reports whether this build links llama.cpp.
func Available() bool { return false }

// Backend is never constructed in this build.
type Backend struct{}

// Init always fails in this build.
func Init(engine.Options) (*Backend, error) {
	return nil, ErrUnavailable
}

// LoadModel always fails in this build.
func (b *Backend) LoadModel(string) (engine.Model, error) {
	return nil, ErrUnavailable
}

// Close is a no-op.
func (b *Backend) Close() error { return nil }
