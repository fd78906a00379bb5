package main

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/hansbala/how"
	"github.com/hansbala/how/engine"
	"github.com/hansbala/how/engine/enginetest"
)

type harness struct {
	stdout   bytes.Buffer
	stderr   bytes.Buffer
	backend  *enginetest.Backend
	initErr  error
	inits    []engine.Options
	cacheDir string
}

// ggufFile writes a file with a valid GGUF header followed by payload.
func ggufFile(t *testing.T, payload string) string {
	t.Helper()
	hdr := make([]byte, 24)
	copy(hdr, "GGUF")
	binary.LittleEndian.PutUint32(hdr[4:8], 3)
	path := filepath.Join(t.TempDir(), "model.gguf")
	if err := os.WriteFile(path, append(hdr, payload...), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func newHarness(t *testing.T, script string) *harness {
	t.Helper()
	dir := t.TempDir()
	src := ggufFile(t, "weights")

	h := &harness{
		backend:  &enginetest.Backend{Model: &enginetest.Model{Script: enginetest.ScriptText(script)}},
		cacheDir: filepath.Join(dir, "cache"),
	}
	t.Setenv("HOW_CONFIG_DIR", filepath.Join(dir, "config"))
	t.Setenv("HOW_CACHE_DIR", h.cacheDir)
	t.Setenv("HOW_MODEL", src)
	t.Setenv("HOW_MODEL_SHA256", "")
	t.Setenv("HOW_LOG_LEVEL", "")
	t.Setenv("HOW_STATS_TEXTFILE", "")
	return h
}

func (h *harness) run(args ...string) error {
	a := &app{
		stdout: &h.stdout,
		stderr: &h.stderr,
		newBackend: func(opts engine.Options) (engine.Backend, error) {
			h.inits = append(h.inits, opts)
			if h.initErr != nil {
				return nil, h.initErr
			}
			return h.backend, nil
		},
	}
	return a.Run(context.Background(), append([]string{"how"}, args...))
}

func TestNoArgsPrintsUsage(t *testing.T) {
	h := newHarness(t, "ls -la")
	if err := h.run(); err != nil {
		t.Fatal(err)
	}
	if got := h.stdout.String(); got != "Usage: how <your request>\n" {
		t.Errorf("stdout = %q", got)
	}
	if len(h.inits) != 0 {
		t.Errorf("backend initialized %d times, want 0", len(h.inits))
	}
}

func TestPrintsCommand(t *testing.T) {
	h := newHarness(t, "ls -la")
	if err := h.run("list", "all", "files", "in", "detail"); err != nil {
		t.Fatal(err)
	}
	if got := h.stdout.String(); got != "ls -la\n" {
		t.Errorf("stdout = %q, want %q", got, "ls -la\n")
	}
	if !strings.Contains(h.stderr.String(), "Model cached successfully.") {
		t.Errorf("stderr missing provisioning message: %q", h.stderr.String())
	}
	if len(h.backend.Loaded) != 1 || filepath.Dir(h.backend.Loaded[0]) != h.cacheDir {
		t.Errorf("loaded %v, want a file in %s", h.backend.Loaded, h.cacheDir)
	}
	if !h.backend.Closed || !h.backend.Model.Closed {
		t.Error("backend and model should be closed")
	}
}

func TestFencedOutputIsStripped(t *testing.T) {
	h := newHarness(t, "```bash\nfind . -name '*.go'\n```")
	if err := h.run("find", "go", "files"); err != nil {
		t.Fatal(err)
	}
	if got := h.stdout.String(); got != "find . -name '*.go'\n" {
		t.Errorf("stdout = %q", got)
	}
}

func TestRequestWordsAfterFirstAreNotFlags(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want string
	}{
		{"dash args", []string{"show", "-la", "output"}, "show -la output"},
		{"help word", []string{"help", "me", "find", "files"}, "help me find files"},
		{"long flag", []string{"list", "--all"}, "list --all"},
		{"leading short flag", []string{"-la", "explain", "this"}, "-la explain this"},
		{"leading unknown flag", []string{"-n", "lines"}, "-n lines"},
		{"help flag", []string{"-h"}, "-h"},
		{"version with words", []string{"--version", "of", "node"}, "--version of node"},
		{"flags then dash word", []string{"--verbose", "-la", "explain"}, "-la explain"},
		{"explicit terminator", []string{"--", "-x", "files"}, "-x files"},
		{"lone dash", []string{"-", "means", "stdin"}, "- means stdin"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, "ls")
			if err := h.run(tt.args...); err != nil {
				t.Fatal(err)
			}
			if got := h.stdout.String(); got != "ls\n" {
				t.Errorf("stdout = %q, want only the command", got)
			}
			tokenized := h.backend.Model.Tokenized
			if len(tokenized) != 1 {
				t.Fatalf("tokenized %d prompts, want 1", len(tokenized))
			}
			if !strings.Contains(tokenized[0], "<|im_start|>user\n"+tt.want+"<|im_end|>") {
				t.Errorf("prompt does not carry request %q:\n%s", tt.want, tokenized[0])
			}
		})
	}
}

func TestPromptTooLong(t *testing.T) {
	h := newHarness(t, "ls")
	if err := h.run(strings.Repeat("a", 1100)); err != nil {
		t.Fatalf("expected success exit, got %v", err)
	}
	if h.stdout.Len() != 0 {
		t.Errorf("stdout = %q, want empty", h.stdout.String())
	}
	if !strings.Contains(h.stderr.String(), "Prompt too long.") {
		t.Errorf("stderr = %q", h.stderr.String())
	}
	if n := h.backend.Model.Submissions(); n != 0 {
		t.Errorf("submissions = %d, want 0", n)
	}
}

func TestEngineInitFailure(t *testing.T) {
	h := newHarness(t, "ls")
	h.initErr = errors.New("no backend")
	err := h.run("list", "files")
	if !errors.Is(err, how.ErrEngineInit) {
		t.Fatalf("err = %v, want engine_init", err)
	}
	if h.stdout.Len() != 0 {
		t.Errorf("stdout = %q, want empty", h.stdout.String())
	}
}

func TestModelLoadFailure(t *testing.T) {
	h := newHarness(t, "ls")
	h.backend.LoadErr = errors.New("bad weights")
	err := h.run("list", "files")
	if !errors.Is(err, how.ErrModelLoad) {
		t.Fatalf("err = %v, want model_load", err)
	}
	if !h.backend.Closed {
		t.Error("backend should be closed after a load failure")
	}
}

func TestMissingModelSource(t *testing.T) {
	h := newHarness(t, "ls")
	t.Setenv("HOW_MODEL", "")
	err := h.run("list", "files")
	if !errors.Is(err, how.ErrModelExtraction) {
		t.Fatalf("err = %v, want model_extraction", err)
	}
}

func TestModelFlagOverridesEnv(t *testing.T) {
	h := newHarness(t, "ls")
	t.Setenv("HOW_MODEL", filepath.Join(t.TempDir(), "missing.gguf"))
	src := ggufFile(t, "")
	if err := h.run("--model", src, "list", "files"); err != nil {
		t.Fatal(err)
	}
	if got := h.stdout.String(); got != "ls\n" {
		t.Errorf("stdout = %q", got)
	}
}

func TestConfigFile(t *testing.T) {
	h := newHarness(t, strings.Repeat("x", 50))
	cfgPath := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(cfgPath, []byte("[generation]\nmax_tokens = 4\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := h.run("--config", cfgPath, "say", "x"); err != nil {
		t.Fatal(err)
	}
	if got := h.stdout.String(); got != "xxxxx\n" {
		t.Errorf("stdout = %q, want 5 tokens", got)
	}
}

func TestCustomPromptNextToConfig(t *testing.T) {
	h := newHarness(t, "pwd")
	dir := os.Getenv("HOW_CONFIG_DIR")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "prompt.tmpl"), []byte("Q: {{.Request}}\nA:"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := h.run("where", "am", "i"); err != nil {
		t.Fatal(err)
	}
	if got := h.backend.Model.Tokenized[0]; got != "Q: where am i\nA:" {
		t.Errorf("prompt = %q", got)
	}
}

func TestStatsTextfile(t *testing.T) {
	h := newHarness(t, "ls -la")
	path := filepath.Join(t.TempDir(), "how.prom")
	t.Setenv("HOW_STATS_TEXTFILE", path)
	if err := h.run("list", "all", "files"); err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{
		"how_last_run_success 1",
		"how_last_run_generated_tokens 6",
		`how_last_run_outcome{outcome="ok"} 1`,
	} {
		if !strings.Contains(string(data), want) {
			t.Errorf("stats missing %q:\n%s", want, data)
		}
	}
}

func TestStatsRecordFailureCode(t *testing.T) {
	h := newHarness(t, "ls")
	path := filepath.Join(t.TempDir(), "how.prom")
	t.Setenv("HOW_STATS_TEXTFILE", path)
	if err := h.run(strings.Repeat("a", 1100)); err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), `how_last_run_outcome{outcome="prompt_too_long"} 1`) {
		t.Errorf("stats:\n%s", data)
	}
	promptTokens := len(h.backend.Model.Tokenized[0]) + 1
	if want := fmt.Sprintf("how_last_run_prompt_tokens %d\n", promptTokens); !strings.Contains(string(data), want) {
		t.Errorf("stats missing %q:\n%s", want, data)
	}
}

func TestVersionFlag(t *testing.T) {
	h := newHarness(t, "ls")
	if err := h.run("--version"); err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(h.stdout.String(), "how version ") {
		t.Errorf("stdout = %q", h.stdout.String())
	}
	if len(h.inits) != 0 {
		t.Error("--version should not touch the engine")
	}
}

func TestSplitRequest(t *testing.T) {
	flags := (&app{}).command().Flags
	tests := []struct {
		name string
		args []string
		want []string
	}{
		{"no args", []string{"how"}, []string{"how"}},
		{"words", []string{"how", "list", "files"}, []string{"how", "--", "list", "files"}},
		{"flag value", []string{"how", "-m", "a.gguf", "list"}, []string{"how", "-m", "a.gguf", "--", "list"}},
		{"flag equals", []string{"how", "--model=a.gguf", "-la"}, []string{"how", "--model=a.gguf", "--", "-la"}},
		{"bool flag", []string{"how", "--verbose", "ls"}, []string{"how", "--verbose", "--", "ls"}},
		{"flags only", []string{"how", "--verbose"}, []string{"how", "--verbose"}},
		{"version alone", []string{"how", "--version"}, []string{"how", "--version"}},
		{"short version alone", []string{"how", "-v"}, []string{"how", "-v"}},
		{"version with words", []string{"how", "-v", "of", "go"}, []string{"how", "--", "-v", "of", "go"}},
		{"unknown flag", []string{"how", "-la", "x"}, []string{"how", "--", "-la", "x"}},
		{"terminator kept", []string{"how", "--", "-x"}, []string{"how", "--", "-x"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if diff := cmp.Diff(tt.want, splitRequest(flags, tt.args)); diff != "" {
				t.Errorf("splitRequest mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestModelSwitchAfterCaching(t *testing.T) {
	h := newHarness(t, "ls")
	if err := h.run("list", "files"); err != nil {
		t.Fatal(err)
	}

	other := ggufFile(t, "a different model")
	if err := h.run("--model", other, "list", "files"); err != nil {
		t.Fatal(err)
	}
	want, _ := os.ReadFile(other)
	got, err := os.ReadFile(h.backend.Loaded[len(h.backend.Loaded)-1])
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, want) {
		t.Error("loaded model is still the first source")
	}

	t.Setenv("HOW_MODEL_SHA256", strings.Repeat("0", 64))
	if err := h.run("--model", other, "list", "files"); !errors.Is(err, how.ErrModelExtraction) {
		t.Fatalf("err = %v, want model_extraction on digest mismatch", err)
	}
}

func TestEngineVerbosity(t *testing.T) {
	tests := []struct {
		name   string
		config string
		args   []string
		want   engine.Verbosity
	}{
		{"default", "", nil, engine.Silent},
		{"verbose flag", "", []string{"--verbose"}, engine.Normal},
		{"config", "[log]\nengine = \"normal\"\n", nil, engine.Normal},
		{"config silent", "[log]\nengine = \"silent\"\n", nil, engine.Silent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, "ls")
			if tt.config != "" {
				dir := os.Getenv("HOW_CONFIG_DIR")
				if err := os.MkdirAll(dir, 0o755); err != nil {
					t.Fatal(err)
				}
				if err := os.WriteFile(filepath.Join(dir, "config.toml"), []byte(tt.config), 0o644); err != nil {
					t.Fatal(err)
				}
			}
			if err := h.run(append(tt.args, "list", "files")...); err != nil {
				t.Fatal(err)
			}
			if len(h.inits) != 1 || h.inits[0].Verbosity != tt.want {
				t.Errorf("backend options = %+v, want verbosity %v", h.inits, tt.want)
			}
		})
	}
}
