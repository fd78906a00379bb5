// Package enginetest provides a scripted in-memory engine for tests.
//
// The fake tokenizer maps every byte of the input to the token with the same
// id, so ScriptText("ls -la") is the token stream that detokenizes to
// "ls -la". Sessions emit one-hot logits that walk through Model.Script.
package enginetest

import (
	"errors"
	"fmt"

	"github.com/hansbala/how/engine"
)

const (
	// BOS is the beginning-of-sequence token.
	BOS engine.Token = 1000
	// EOS is the end-of-sequence token.
	EOS engine.Token = 1001
	// VocabSize is the logits width.
	VocabSize = 1024
)

// ScriptText returns the byte tokens that render as s.
func ScriptText(s string) []engine.Token {
	out := make([]engine.Token, len(s))
	for i := 0; i < len(s); i++ {
		out[i] = engine.Token(s[i])
	}
	return out
}

// Backend is a fake engine.Backend serving a single Model.
type Backend struct {
	Model   *Model
	LoadErr error

	Loaded []string
	Closed bool
}

func (b *Backend) LoadModel(path string) (engine.Model, error) {
	b.Loaded = append(b.Loaded, path)
	if b.LoadErr != nil {
		return nil, b.LoadErr
	}
	if b.Model == nil {
		b.Model = &Model{}
	}
	return b.Model, nil
}

func (b *Backend) Close() error {
	b.Closed = true
	return nil
}

// Model is a fake engine.Model.
type Model struct {
	// Script is the token stream sessions produce, one per submission.
	Script []engine.Token
	// After is produced once Script is exhausted. Zero means EOS.
	After engine.Token
	// Pieces overrides the rendering of individual tokens.
	Pieces map[engine.Token]string

	TokenizeErr   error
	DetokenizeErr error
	SessionErr    error
	// FailSubmitAt makes the n-th Submit (1-based) fail.
	FailSubmitAt int

	Sessions    []*Session
	Tokenized   []string
	Detokenized int
	Closed      bool
}

func (m *Model) Tokenize(text string, addBOS bool) ([]engine.Token, error) {
	m.Tokenized = append(m.Tokenized, text)
	if m.TokenizeErr != nil {
		return nil, m.TokenizeErr
	}
	toks := make([]engine.Token, 0, len(text)+1)
	if addBOS {
		toks = append(toks, BOS)
	}
	return append(toks, ScriptText(text)...), nil
}

func (m *Model) Detokenize(tok engine.Token) (string, error) {
	m.Detokenized++
	if m.DetokenizeErr != nil {
		return "", m.DetokenizeErr
	}
	if p, ok := m.Pieces[tok]; ok {
		return p, nil
	}
	switch {
	case tok == BOS || tok == EOS:
		return "", nil
	case tok >= 0 && tok < 256:
		return string([]byte{byte(tok)}), nil
	default:
		return "", fmt.Errorf("token %d out of vocabulary", tok)
	}
}

func (m *Model) EOS() engine.Token { return EOS }

func (m *Model) NewSession(opts engine.SessionOptions) (engine.Session, error) {
	if m.SessionErr != nil {
		return nil, m.SessionErr
	}
	s := &Session{model: m, opts: opts}
	m.Sessions = append(m.Sessions, s)
	return s, nil
}

func (m *Model) Close() error {
	m.Closed = true
	return nil
}

// Submissions returns the total number of batches submitted across sessions.
func (m *Model) Submissions() int {
	n := 0
	for _, s := range m.Sessions {
		n += len(s.Batches)
	}
	return n
}

func (m *Model) next(step int) engine.Token {
	if step < len(m.Script) {
		return m.Script[step]
	}
	if m.After != 0 {
		return m.After
	}
	return EOS
}

// Session is a fake engine.Session.
type Session struct {
	model *Model
	opts  engine.SessionOptions

	// Batches records a copy of every submitted batch.
	Batches [][]engine.Entry
	// LogitsCalls counts Logits invocations.
	LogitsCalls int
	Closed      bool

	kv     map[int]engine.Token
	last   []engine.Entry
	logits []float32
}

func (s *Session) Submit(b *engine.Batch) error {
	if s.Closed {
		return errors.New("session closed")
	}
	if err := b.Validate(); err != nil {
		return err
	}
	if s.opts.BatchSize > 0 && b.Len() > s.opts.BatchSize {
		return fmt.Errorf("batch of %d exceeds batch size %d", b.Len(), s.opts.BatchSize)
	}
	entries := append([]engine.Entry(nil), b.Entries()...)
	s.Batches = append(s.Batches, entries)
	if s.model.FailSubmitAt > 0 && s.model.Submissions() == s.model.FailSubmitAt {
		return errors.New("decode failed")
	}
	if s.kv == nil {
		s.kv = make(map[int]engine.Token)
	}
	for _, e := range entries {
		if _, ok := s.kv[e.Pos]; ok {
			return fmt.Errorf("position %d already decoded", e.Pos)
		}
		if s.opts.ContextSize > 0 && e.Pos >= s.opts.ContextSize {
			return fmt.Errorf("position %d outside context of %d", e.Pos, s.opts.ContextSize)
		}
		s.kv[e.Pos] = e.Token
	}
	s.last = entries
	s.logits = make([]float32, VocabSize)
	s.logits[s.model.next(len(s.Batches)-1)] = 1
	return nil
}

// Logits returns one-hot logits for the next scripted token. Only the
// entry that requested logits in the last batch is readable.
func (s *Session) Logits(i int) ([]float32, error) {
	s.LogitsCalls++
	if i < 0 || i >= len(s.last) {
		return nil, fmt.Errorf("logits index %d out of range", i)
	}
	if !s.last[i].Logits {
		return nil, fmt.Errorf("logits not requested for entry %d", i)
	}
	return s.logits, nil
}

func (s *Session) Close() error {
	s.Closed = true
	return nil
}
