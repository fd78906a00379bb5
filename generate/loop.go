package generate

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hansbala/how"
	"github.com/hansbala/how/engine"
	"github.com/hansbala/how/logger"
)

// StopReason records why generation ended.
type StopReason string

const (
	StopEOS       StopReason = "eos"
	StopMaxTokens StopReason = "max_tokens"
)

// seqID is the only sequence a loop decodes.
const seqID = 0

// LoopOptions bounds a generation loop.
type LoopOptions struct {
	// BatchSize is the prefill batch capacity.
	BatchSize int
	// MaxTokens caps output: generation stops once more than MaxTokens
	// tokens have been emitted.
	MaxTokens int
}

// Output is the raw result of a generation loop.
type Output struct {
	Text         string
	Tokens       int
	PromptTokens int
	StopReason   StopReason
	Duration     time.Duration
}

// Loop drives greedy decoding over a single session.
type Loop struct {
	model   engine.Model
	session engine.Session
	sampler Sampler
	opts    LoopOptions
	log     *logger.Logger
}

// NewLoop returns a loop decoding on session. A nil sampler selects Greedy.
func NewLoop(model engine.Model, session engine.Session, sampler Sampler, opts LoopOptions, log *logger.Logger) *Loop {
	if sampler == nil {
		sampler = Greedy{}
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Loop{model: model, session: session, sampler: sampler, opts: opts, log: log}
}

// Run prefills prompt and samples until EOS or the token cap. Partial
// output is discarded on error.
func (l *Loop) Run(ctx context.Context, prompt []engine.Token) (*Output, error) {
	if len(prompt) == 0 {
		return nil, how.NewError(how.CodeDecode, "empty prompt", nil)
	}
	start := time.Now()

	batch := engine.NewBatch(l.opts.BatchSize)
	last := len(prompt) - 1
	for i, tok := range prompt {
		if err := batch.Add(tok, i, seqID, i == last); err != nil {
			return nil, how.NewError(how.CodeDecode, "prefill", err)
		}
	}
	if err := l.session.Submit(batch); err != nil {
		return nil, how.NewError(how.CodeDecode, fmt.Sprintf("prefill %d tokens", len(prompt)), err)
	}
	l.log.Debug("prefilled prompt", "tokens", len(prompt))

	var (
		buf          strings.Builder
		nCur         = batch.Len()
		outputTokens = 0
		eos          = l.model.EOS()
		reason       StopReason
	)
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		logits, err := l.session.Logits(batch.Len() - 1)
		if err != nil {
			return nil, how.NewError(how.CodeDecode, fmt.Sprintf("logits at position %d", nCur-1), err)
		}
		next, err := l.sampler.Sample(logits)
		if err != nil {
			return nil, how.NewError(how.CodeDecode, fmt.Sprintf("sample at position %d", nCur), err)
		}

		if next == eos {
			reason = StopEOS
			break
		}
		if outputTokens > l.opts.MaxTokens {
			reason = StopMaxTokens
			break
		}

		piece, err := l.model.Detokenize(next)
		if err != nil {
			return nil, how.NewError(how.CodeDetokenization, fmt.Sprintf("detokenize token %d", next), err)
		}
		buf.WriteString(piece)

		batch.Clear()
		if err := batch.Add(next, nCur, seqID, true); err != nil {
			return nil, how.NewError(how.CodeDecode, "build batch", err)
		}
		if err := l.session.Submit(batch); err != nil {
			return nil, how.NewError(how.CodeDecode, fmt.Sprintf("decode at position %d", nCur), err)
		}
		nCur++
		outputTokens++
	}

	out := &Output{
		Text:         buf.String(),
		Tokens:       outputTokens,
		PromptTokens: len(prompt),
		StopReason:   reason,
		Duration:     time.Since(start),
	}
	l.log.Debug("generation finished", "tokens", out.Tokens, "stop", string(out.StopReason), "duration", out.Duration)
	return out, nil
}

// isCanceled reports whether err came from context cancellation.
func isCanceled(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
