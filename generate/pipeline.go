// Package generate turns a natural-language request into a shell command by
// prompting a local model and decoding greedily.
package generate

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/hansbala/how"
	"github.com/hansbala/how/engine"
	"github.com/hansbala/how/logger"
)

// Settings bounds a pipeline run.
type Settings struct {
	ContextSize int
	BatchSize   int
	MaxTokens   int
	Threads     int
}

// DefaultSettings match the model's 1024-token context.
var DefaultSettings = Settings{
	ContextSize: 1024,
	BatchSize:   1024,
	MaxTokens:   200,
}

// Result is the outcome of a successful run.
type Result struct {
	// Command is the sanitized shell command.
	Command string
	// Raw is the text exactly as generated.
	Raw             string
	PromptTokens    int
	GeneratedTokens int
	StopReason      StopReason
	Duration        time.Duration
}

// Pipeline builds prompts and runs generation against a loaded model.
type Pipeline struct {
	model    engine.Model
	prompts  *PromptBuilder
	sampler  Sampler
	settings Settings
	log      *logger.Logger
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithPromptBuilder overrides the default prompt builder.
func WithPromptBuilder(pb *PromptBuilder) Option {
	return func(p *Pipeline) { p.prompts = pb }
}

// WithSampler overrides greedy sampling.
func WithSampler(s Sampler) Option {
	return func(p *Pipeline) { p.sampler = s }
}

// WithLogger sets the pipeline logger.
func WithLogger(l *logger.Logger) Option {
	return func(p *Pipeline) { p.log = l }
}

// NewPipeline returns a pipeline over model. Zero settings fall back to
// DefaultSettings.
func NewPipeline(model engine.Model, settings Settings, opts ...Option) *Pipeline {
	if settings.ContextSize <= 0 {
		settings.ContextSize = DefaultSettings.ContextSize
	}
	if settings.BatchSize <= 0 {
		settings.BatchSize = DefaultSettings.BatchSize
	}
	if settings.MaxTokens <= 0 {
		settings.MaxTokens = DefaultSettings.MaxTokens
	}
	p := &Pipeline{
		model:    model,
		sampler:  Greedy{},
		settings: settings,
		log:      logger.Nop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.prompts == nil {
		p.prompts = NewPromptBuilder("", p.log)
	}
	return p
}

// Run generates a command for request. A prompt longer than the context
// window fails with how.ErrPromptTooLong before any decoding; the Result
// returned with it carries only PromptTokens.
func (p *Pipeline) Run(ctx context.Context, request string) (*Result, error) {
	prompt := p.prompts.Build(request)
	p.log.Debug("prompt built", "bytes", len(prompt))

	tokens, err := p.model.Tokenize(prompt, true)
	if err != nil {
		return nil, how.NewError(how.CodeTokenization, "tokenize prompt", err)
	}
	if len(tokens) > p.settings.ContextSize {
		return &Result{PromptTokens: len(tokens)}, how.Errorf(how.CodePromptTooLong, "prompt is %d tokens, context holds %d", len(tokens), p.settings.ContextSize)
	}

	session, err := p.model.NewSession(engine.SessionOptions{
		ContextSize: p.settings.ContextSize,
		BatchSize:   p.settings.BatchSize,
		Threads:     p.settings.Threads,
	})
	if err != nil {
		return nil, how.NewError(how.CodeSessionCreation, "create session", err)
	}
	defer session.Close()

	loop := NewLoop(p.model, session, p.sampler, LoopOptions{
		BatchSize: p.settings.BatchSize,
		MaxTokens: p.settings.MaxTokens,
	}, p.log)
	out, err := loop.Run(ctx, tokens)
	if err != nil {
		if isCanceled(err) {
			p.log.Info("generation canceled")
		}
		return nil, fmt.Errorf("generate: %w", err)
	}

	cmd := Sanitize(out.Text)
	if err := CheckSyntax(cmd); err != nil {
		p.log.Warn("generated command is not valid bash", "error", err)
	}
	if p.log.Enabled(zerolog.DebugLevel) {
		p.log.Debug("generated command",
			"command", RedactCommand(cmd),
			"prompt_tokens", out.PromptTokens,
			"tokens", out.Tokens,
			"stop", string(out.StopReason),
		)
	}

	return &Result{
		Command:         cmd,
		Raw:             out.Text,
		PromptTokens:    out.PromptTokens,
		GeneratedTokens: out.Tokens,
		StopReason:      out.StopReason,
		Duration:        out.Duration,
	}, nil
}
