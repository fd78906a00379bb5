//go:build llamacpp && cgo

// Package llamacpp binds the engine capability to llama.cpp through cgo.
// Build with -tags llamacpp and libllama on the linker path.
package llamacpp

/*
#cgo LDFLAGS: -lllama
#include <stdbool.h>
#include <stdlib.h>
#include <llama.h>

static void how_log_discard(enum ggml_log_level level, const char * text, void * user_data) {
	(void)level; (void)text; (void)user_data;
}

static void how_log_quiet(void) {
	llama_log_set(how_log_discard, NULL);
}

static void how_log_default(void) {
	llama_log_set(NULL, NULL);
}

static void how_batch_set(struct llama_batch * b, int32_t i, llama_token tok, llama_pos pos, llama_seq_id seq, bool logits) {
	b->token[i] = tok;
	b->pos[i] = pos;
	b->n_seq_id[i] = 1;
	b->seq_id[i][0] = seq;
	b->logits[i] = logits;
}
*/
import "C"

import (
	"errors"
	"fmt"
	"sync"
	"unsafe"

	"github.com/hansbala/how/engine"
)

// Available reports whether this build links llama.cpp.
func Available() bool { return true }

var initOnce sync.Once

var (
	_ engine.Backend = (*Backend)(nil)
	_ engine.Model   = (*model)(nil)
	_ engine.Session = (*session)(nil)
)

// Backend is the process-wide llama.cpp runtime.
type Backend struct {
	closeOnce sync.Once
}

// Init configures native logging and initializes the llama.cpp backend.
// Logging is configured before any other native call.
func Init(opts engine.Options) (*Backend, error) {
	if opts.Verbosity == engine.Silent {
		C.how_log_quiet()
	} else {
		C.how_log_default()
	}
	initOnce.Do(func() {
		C.llama_backend_init()
	})
	return &Backend{}, nil
}

// LoadModel loads GGUF weights from path.
func (b *Backend) LoadModel(path string) (engine.Model, error) {
	cpath := C.CString(path)
	defer C.free(unsafe.Pointer(cpath))

	params := C.llama_model_default_params()
	m := C.llama_model_load_from_file(cpath, params)
	if m == nil {
		return nil, fmt.Errorf("llama_model_load_from_file %s failed", path)
	}
	vocab := C.llama_model_get_vocab(m)
	return &model{
		ptr:    m,
		vocab:  vocab,
		nVocab: int(C.llama_vocab_n_tokens(vocab)),
	}, nil
}

// Close releases the backend.
func (b *Backend) Close() error {
	b.closeOnce.Do(func() {
		C.llama_backend_free()
	})
	return nil
}

type model struct {
	ptr    *C.struct_llama_model
	vocab  *C.struct_llama_vocab
	nVocab int
}

func (m *model) Tokenize(text string, addBOS bool) ([]engine.Token, error) {
	ctext := C.CString(text)
	defer C.free(unsafe.Pointer(ctext))

	buf := make([]C.llama_token, len(text)+2)
	n := m.tokenizeInto(ctext, len(text), buf, addBOS)
	if n < 0 {
		buf = make([]C.llama_token, -n)
		n = m.tokenizeInto(ctext, len(text), buf, addBOS)
	}
	if n < 0 {
		return nil, fmt.Errorf("llama_tokenize returned %d", n)
	}
	out := make([]engine.Token, n)
	for i := range out {
		out[i] = engine.Token(buf[i])
	}
	return out, nil
}

func (m *model) tokenizeInto(text *C.char, textLen int, buf []C.llama_token, addBOS bool) int {
	return int(C.llama_tokenize(
		m.vocab,
		text,
		C.int32_t(textLen),
		&buf[0],
		C.int32_t(len(buf)),
		C.bool(addBOS),
		C.bool(true),
	))
}

func (m *model) Detokenize(tok engine.Token) (string, error) {
	buf := make([]byte, 32)
	n := m.pieceInto(tok, buf)
	if n < 0 {
		buf = make([]byte, -n)
		n = m.pieceInto(tok, buf)
	}
	if n < 0 {
		return "", fmt.Errorf("llama_token_to_piece(%d) returned %d", tok, n)
	}
	return string(buf[:n]), nil
}

func (m *model) pieceInto(tok engine.Token, buf []byte) int {
	return int(C.llama_token_to_piece(
		m.vocab,
		C.llama_token(tok),
		(*C.char)(unsafe.Pointer(&buf[0])),
		C.int32_t(len(buf)),
		0,
		C.bool(true),
	))
}

func (m *model) EOS() engine.Token {
	return engine.Token(C.llama_vocab_eos(m.vocab))
}

func (m *model) NewSession(opts engine.SessionOptions) (engine.Session, error) {
	if opts.BatchSize <= 0 {
		return nil, errors.New("batch size must be positive")
	}
	params := C.llama_context_default_params()
	params.n_ctx = C.uint32_t(opts.ContextSize)
	params.n_batch = C.uint32_t(opts.BatchSize)
	params.n_ubatch = C.uint32_t(opts.BatchSize)
	if opts.Threads > 0 {
		params.n_threads = C.int32_t(opts.Threads)
		params.n_threads_batch = C.int32_t(opts.Threads)
	}
	ctx := C.llama_init_from_model(m.ptr, params)
	if ctx == nil {
		return nil, errors.New("llama_init_from_model failed")
	}
	return &session{
		ctx:      ctx,
		batch:    C.llama_batch_init(C.int32_t(opts.BatchSize), 0, 1),
		capacity: opts.BatchSize,
		nVocab:   m.nVocab,
	}, nil
}

func (m *model) Close() error {
	if m.ptr != nil {
		C.llama_model_free(m.ptr)
		m.ptr = nil
	}
	return nil
}

type session struct {
	ctx      *C.struct_llama_context
	batch    C.struct_llama_batch
	capacity int
	nVocab   int
	lastLen  int
}

func (s *session) Submit(b *engine.Batch) error {
	if err := b.Validate(); err != nil {
		return err
	}
	if b.Len() > s.capacity {
		return fmt.Errorf("batch of %d exceeds capacity %d", b.Len(), s.capacity)
	}
	for i, e := range b.Entries() {
		C.how_batch_set(&s.batch, C.int32_t(i), C.llama_token(e.Token), C.llama_pos(e.Pos), C.llama_seq_id(e.SeqID), C.bool(e.Logits))
	}
	s.batch.n_tokens = C.int32_t(b.Len())
	if rc := C.llama_decode(s.ctx, s.batch); rc != 0 {
		return fmt.Errorf("llama_decode returned %d", int(rc))
	}
	s.lastLen = b.Len()
	return nil
}

func (s *session) Logits(i int) ([]float32, error) {
	if i < 0 || i >= s.lastLen {
		return nil, fmt.Errorf("logits index %d out of range [0,%d)", i, s.lastLen)
	}
	p := C.llama_get_logits_ith(s.ctx, C.int32_t(i))
	if p == nil {
		return nil, fmt.Errorf("no logits for batch entry %d", i)
	}
	return unsafe.Slice((*float32)(unsafe.Pointer(p)), s.nVocab), nil
}

func (s *session) Close() error {
	if s.ctx != nil {
		C.llama_batch_free(s.batch)
		C.llama_free(s.ctx)
		s.ctx = nil
	}
	return nil
}
