// Package engine defines the inference engine capability used by the
// generation pipeline: model loading, tokenization, and incremental decoding
// against a position-addressed KV cache.
//
// Implementations wrap native handles. Every value returned by a
// constructor owns its handle and must be released with Close.
package engine

import (
	"fmt"
	"strings"
)

// Token is a vocabulary id.
type Token int32

// Verbosity controls native engine logging.
type Verbosity int

const (
	// Silent suppresses all native log output.
	Silent Verbosity = iota
	// Normal passes native log output through to stderr.
	Normal
)

func (v Verbosity) String() string {
	if v == Normal {
		return "normal"
	}
	return "silent"
}

// ParseVerbosity maps "silent" or "normal" to a Verbosity.
func ParseVerbosity(s string) (Verbosity, error) {
	switch strings.ToLower(s) {
	case "", "silent":
		return Silent, nil
	case "normal":
		return Normal, nil
	default:
		return Silent, fmt.Errorf("unknown engine verbosity %q", s)
	}
}

// Options configures backend initialization.
type Options struct {
	Verbosity Verbosity
}

// SessionOptions configures a decode session.
type SessionOptions struct {
	// ContextSize is the number of positions the session can hold.
	ContextSize int
	// BatchSize is the largest batch Submit accepts.
	BatchSize int
	// Threads is the decode thread count. Zero selects the engine default.
	Threads int
}

// Backend is an initialized inference runtime.
type Backend interface {
	LoadModel(path string) (Model, error)
	Close() error
}

// Model is a loaded set of weights plus its vocabulary.
type Model interface {
	// Tokenize converts text to tokens, optionally prepending BOS.
	Tokenize(text string, addBOS bool) ([]Token, error)
	// Detokenize renders a single token, including special tokens.
	Detokenize(tok Token) (string, error)
	// EOS returns the end-of-generation token.
	EOS() Token
	NewSession(opts SessionOptions) (Session, error)
	Close() error
}

// Session holds the KV cache of a single decode context.
type Session interface {
	// Submit decodes every entry in b.
	Submit(b *Batch) error
	// Logits returns the logits of entry i of the last submitted batch.
	// The slice is only valid until the next Submit.
	Logits(i int) ([]float32, error)
	Close() error
}
