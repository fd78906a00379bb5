// Package provision makes the model weights available in a local cache
// directory before the engine loads them.
package provision

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/hansbala/how"
	"github.com/hansbala/how/logger"
)

// DefaultFileName is the cached model file name.
const DefaultFileName = "qwen2.5-coder-0.5b-instruct-q4_k_m.gguf"

// Options configures a Provisioner.
type Options struct {
	// Source is a GGUF path or "ollama:<name[:tag]>".
	Source string
	// SHA256 is the expected hex digest of the model. Empty skips verification.
	SHA256 string
	// FileName is the name of the cached file.
	FileName string
	// CacheDir overrides the OS user cache directory.
	CacheDir string
	// Progress receives human-readable extraction messages.
	Progress io.Writer
	Log      *logger.Logger
}

// Provisioner resolves the configured model source into the cache.
type Provisioner struct {
	opts Options
}

// New returns a Provisioner.
func New(opts Options) *Provisioner {
	if opts.FileName == "" {
		opts.FileName = DefaultFileName
	}
	if opts.Progress == nil {
		opts.Progress = io.Discard
	}
	if opts.Log == nil {
		opts.Log = logger.Nop()
	}
	opts.SHA256 = strings.ToLower(opts.SHA256)
	return &Provisioner{opts: opts}
}

// CacheDir returns the directory holding the cached model.
func (p *Provisioner) CacheDir() (string, error) {
	if p.opts.CacheDir != "" {
		return p.opts.CacheDir, nil
	}
	base, err := os.UserCacheDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, "how"), nil
}

// EnsureAvailable returns the path of a valid cached model, copying it from
// the configured source when the cache is missing, was extracted from a
// different source, or does not match the configured digest.
func (p *Provisioner) EnsureAvailable(ctx context.Context) (string, error) {
	dir, err := p.CacheDir()
	if err != nil {
		return "", how.NewError(how.CodeCacheDirUnavailable, "resolve cache directory", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", how.NewError(how.CodeCacheDirUnavailable, "create cache directory", err)
	}
	dst := filepath.Join(dir, p.opts.FileName)

	src, sum, err := p.resolveSource()
	if err != nil {
		return "", how.NewError(how.CodeModelExtraction, "resolve model source", err)
	}
	if p.fresh(dst, src, sum) {
		return dst, nil
	}
	if src == "" {
		return "", how.Errorf(how.CodeModelExtraction,
			"no model source configured (set HOW_MODEL or model.source in %s)", how.ConfigPath())
	}

	unlock, err := lockFile(dst + ".lock")
	if err != nil {
		return "", how.NewError(how.CodeModelExtraction, "lock model cache", err)
	}
	defer unlock()

	// another process may have finished while we waited for the lock
	if p.fresh(dst, src, sum) {
		return dst, nil
	}

	fmt.Fprintln(p.opts.Progress, "Extracting model to cache...")
	st, err := p.copy(ctx, src, dst, sum)
	if err != nil {
		return "", how.NewError(how.CodeModelExtraction, "extract model to "+dst, err)
	}
	if err := writeStamp(stampPath(dst), st); err != nil {
		p.opts.Log.Warn("failed to record model source", "path", dst, "error", err)
	}
	fmt.Fprintln(p.opts.Progress, "Model cached successfully.")
	p.opts.Log.Info("model cached", "path", dst, "source", src)
	return dst, nil
}

// fresh reports whether dst holds a valid model extracted from src and
// matching sum. An empty src or sum skips that check.
func (p *Provisioner) fresh(dst, src, sum string) bool {
	if _, err := os.Stat(dst); err != nil {
		return false
	}
	if _, err := CheckFile(dst); err != nil {
		p.opts.Log.Warn("cached model is invalid, extracting again", "path", dst, "error", err)
		return false
	}

	st, stErr := readStamp(stampPath(dst))
	if src != "" {
		fi, err := os.Stat(src)
		switch {
		case stErr != nil:
			p.opts.Log.Info("cached model has no source record, extracting again", "path", dst)
			return false
		case err != nil:
			// an unreadable source keeps the cache it was extracted to
			if st.Source != src {
				return false
			}
		case !st.sameSource(statStamp(src, fi)):
			p.opts.Log.Info("model source changed, extracting again", "was", st.Source, "now", src)
			return false
		}
	}

	if sum == "" {
		return true
	}
	got := st.SHA256
	if stErr != nil || got == "" {
		h, err := hashFile(dst)
		if err != nil {
			p.opts.Log.Warn("failed to hash cached model", "path", dst, "error", err)
			return false
		}
		got = h
	}
	if got != sum {
		p.opts.Log.Warn("cached model does not match sha256", "path", dst, "got", got, "want", sum)
		return false
	}
	return true
}

// resolveSource returns the source file and the digest to verify it against.
// path is empty when no source is configured.
func (p *Provisioner) resolveSource() (path, sum string, err error) {
	src := p.opts.Source
	sum = p.opts.SHA256
	if src == "" {
		return "", sum, nil
	}
	if name, ok := strings.CutPrefix(src, OllamaPrefix); ok {
		blob, err := ResolveOllamaModel(name)
		if err != nil {
			return "", "", err
		}
		if sum == "" {
			sum = strings.TrimPrefix(filepath.Base(blob), "sha256-")
		}
		return blob, sum, nil
	}
	abs, err := filepath.Abs(src)
	if err != nil {
		return "", "", err
	}
	return abs, sum, nil
}

func (p *Provisioner) copy(ctx context.Context, src, dst, sum string) (stamp, error) {
	f, err := os.Open(src)
	if err != nil {
		return stamp{}, err
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return stamp{}, err
	}
	if _, err := ReadHeader(f); err != nil {
		return stamp{}, fmt.Errorf("%s: %w", src, err)
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return stamp{}, err
	}

	st := statStamp(src, fi)
	err = writeAtomic(dst, func(w io.Writer) error {
		h := sha256.New()
		if _, err := io.Copy(io.MultiWriter(w, h), &ctxReader{ctx: ctx, r: f}); err != nil {
			return err
		}
		st.SHA256 = hex.EncodeToString(h.Sum(nil))
		if sum != "" && st.SHA256 != sum {
			return fmt.Errorf("sha256 mismatch: got %s, want %s", st.SHA256, sum)
		}
		return nil
	})
	return st, err
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
