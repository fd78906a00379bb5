package generate

import (
	"errors"
	"io/fs"
	"os"
	"strings"
	"text/template"

	defaults "github.com/hansbala/how/default"
	"github.com/hansbala/how/logger"
)

// PromptData holds the data passed to the prompt template.
type PromptData struct {
	Request string
}

// chatDelimiters are the ChatML control strings the tokenizer parses as
// special tokens.
var chatDelimiters = strings.NewReplacer(
	"<|im_start|>", "",
	"<|im_end|>", "",
	"<|endoftext|>", "",
)

// PromptBuilder renders the request into a chat prompt.
type PromptBuilder struct {
	tmpl     *template.Template
	fallback *template.Template
	log      *logger.Logger
}

// NewPromptBuilder parses custom as the prompt template. An empty or
// unparsable custom template selects the built-in default.
func NewPromptBuilder(custom string, log *logger.Logger) *PromptBuilder {
	if log == nil {
		log = logger.Nop()
	}
	fallback := template.Must(template.New("prompt").Parse(defaults.DefaultPrompt))
	pb := &PromptBuilder{tmpl: fallback, fallback: fallback, log: log}
	if custom == "" {
		return pb
	}
	t, err := template.New("prompt").Parse(custom)
	if err != nil {
		log.Warn("failed to parse prompt template, falling back to default", "error", err)
		return pb
	}
	pb.tmpl = t
	return pb
}

// LoadCustomPrompt loads a custom prompt template from path.
// Returns empty string if no custom prompt exists or it cannot be read.
func LoadCustomPrompt(path string, log *logger.Logger) string {
	if log == nil {
		log = logger.Nop()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			log.Warn("failed to read custom prompt, using default", "path", path, "error", err)
		}
		return ""
	}
	log.Info("loaded custom prompt", "path", path)
	return string(data)
}

// Build returns the prompt for request.
func (p *PromptBuilder) Build(request string) string {
	data := PromptData{Request: neutralize(request)}

	var buf strings.Builder
	if err := p.tmpl.Execute(&buf, data); err != nil {
		p.log.Warn("failed to execute prompt template, falling back to default", "error", err)
		buf.Reset()
		_ = p.fallback.Execute(&buf, data)
	}
	return buf.String()
}

// neutralize removes chat delimiters from s until none remain.
func neutralize(s string) string {
	for {
		out := chatDelimiters.Replace(s)
		if out == s {
			return out
		}
		s = out
	}
}
