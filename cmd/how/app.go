package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/urfave/cli/v3"

	"github.com/hansbala/how"
	"github.com/hansbala/how/engine"
	"github.com/hansbala/how/generate"
	"github.com/hansbala/how/logger"
	"github.com/hansbala/how/metrics"
	"github.com/hansbala/how/provision"
	"github.com/hansbala/how/version"
)

const usageLine = "Usage: how <your request>"

type app struct {
	stdout     io.Writer
	stderr     io.Writer
	newBackend func(engine.Options) (engine.Backend, error)
}

// Run parses args and runs the command. Every word from the first one that
// is not a how flag onwards belongs to the request.
func (a *app) Run(ctx context.Context, args []string) error {
	cmd := a.command()
	return cmd.Run(ctx, splitRequest(cmd.Flags, args))
}

func (a *app) command() *cli.Command {
	return &cli.Command{
		Name:            "how",
		Usage:           "Turn a request into a shell command using a local model",
		ArgsUsage:       "<your request>",
		Version:         version.String(),
		HideHelp:        true,
		HideHelpCommand: true,
		Writer:          a.stdout,
		ErrWriter:       a.stderr,
		OnUsageError: func(_ context.Context, _ *cli.Command, err error, _ bool) error {
			return err
		},
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "path to config.toml",
			},
			&cli.StringFlag{
				Name:    "model",
				Aliases: []string{"m"},
				Usage:   "model source: GGUF path or ollama:<name[:tag]>",
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "log level (debug, info, warn, error)",
			},
			&cli.StringFlag{
				Name:  "log-format",
				Usage: "log format (console, json)",
			},
			&cli.BoolFlag{
				Name:  "verbose",
				Usage: "show native engine logs",
			},
		},
		Action: a.run,
	}
}

// splitRequest inserts "--" before the first request word so cli never
// parses request words as flags. The version flag only counts when nothing
// follows it.
func splitRequest(flags []cli.Flag, args []string) []string {
	if len(args) == 0 {
		return args
	}
	takesValue := make(map[string]bool)
	for _, f := range flags {
		_, isBool := f.(*cli.BoolFlag)
		for _, name := range f.Names() {
			takesValue[name] = !isBool
		}
	}

	out := []string{args[0]}
	i := 1
	for i < len(args) {
		arg := args[i]
		if arg == "--" {
			return append(out, args[i:]...)
		}
		if len(arg) < 2 || arg[0] != '-' {
			break
		}
		name, _, hasValue := strings.Cut(strings.TrimPrefix(arg[1:], "-"), "=")
		needsValue, known := takesValue[name]
		if !known && (name == "version" || name == "v") && i == len(args)-1 {
			known = true
		}
		if !known {
			break
		}
		out = append(out, arg)
		i++
		if needsValue && !hasValue && i < len(args) {
			out = append(out, args[i])
			i++
		}
	}
	if i == len(args) {
		return out
	}
	out = append(out, "--")
	return append(out, args[i:]...)
}

func (a *app) run(ctx context.Context, cmd *cli.Command) error {
	words := cmd.Args().Slice()
	if len(words) == 0 {
		_, _ = fmt.Fprintln(a.stdout, usageLine)
		return nil
	}
	request := strings.Join(words, " ")

	var (
		cfg        *how.Config
		err        error
		promptPath = how.PromptPath()
	)
	if cmd.IsSet("config") {
		configPath := cmd.String("config")
		cfg, err = how.LoadConfigFrom(configPath)
		promptPath = filepath.Join(filepath.Dir(configPath), "prompt.tmpl")
	} else {
		cfg, err = how.LoadConfig()
	}
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	opts := resolveRunOptions(cmd, cfg, promptPath)

	log := logger.New(a.stderr, opts.logLevel, opts.logFormat).With("run", uuid.NewString())
	for _, w := range how.ValidateConfig(cfg) {
		log.Warn("config: " + w)
	}

	start := time.Now()
	res, err := a.generate(logger.WithContext(ctx, log), opts, request)
	a.recordStats(opts.statsFile, res, err, time.Since(start), log)

	if err != nil {
		if how.IsSoft(err) {
			log.Debug("prompt rejected", "error", err)
			_, _ = fmt.Fprintln(a.stderr, "Prompt too long.")
			return nil
		}
		return err
	}
	_, _ = fmt.Fprintln(a.stdout, res.Command)
	return nil
}

type runOptions struct {
	cfg        *how.Config
	source     string
	sha256     string
	cacheDir   string
	promptPath string
	logLevel   string
	logFormat  string
	statsFile  string
	verbosity  engine.Verbosity
}

// resolveRunOptions applies flag > env > config precedence.
func resolveRunOptions(cmd *cli.Command, cfg *how.Config, promptPath string) runOptions {
	opts := runOptions{
		cfg:        cfg,
		source:     how.ResolveModelSource(cfg),
		sha256:     how.ResolveModelSHA256(cfg),
		cacheDir:   how.ResolveCacheDir(cfg),
		promptPath: promptPath,
		logLevel:   how.ResolveLogLevel(cfg),
		logFormat:  cfg.Log.Format,
		statsFile:  how.ResolveStatsTextfile(cfg),
	}
	if cmd.IsSet("model") {
		opts.source = cmd.String("model")
	}
	if cmd.IsSet("log-level") {
		opts.logLevel = cmd.String("log-level")
	}
	if cmd.IsSet("log-format") {
		opts.logFormat = cmd.String("log-format")
	}
	opts.verbosity, _ = engine.ParseVerbosity(cfg.Log.Engine)
	if cmd.Bool("verbose") {
		opts.verbosity = engine.Normal
	}
	return opts
}

func (a *app) generate(ctx context.Context, opts runOptions, request string) (*generate.Result, error) {
	log := logger.FromContext(ctx)
	gen := opts.cfg.Generation

	backend, err := a.newBackend(engine.Options{Verbosity: opts.verbosity})
	if err != nil {
		return nil, how.NewError(how.CodeEngineInit, "initialize inference backend", err)
	}
	defer backend.Close()

	path, err := provision.New(provision.Options{
		Source:   opts.source,
		SHA256:   opts.sha256,
		FileName: opts.cfg.Model.FileName,
		CacheDir: opts.cacheDir,
		Progress: a.stderr,
		Log:      log,
	}).EnsureAvailable(ctx)
	if err != nil {
		return nil, err
	}

	model, err := backend.LoadModel(path)
	if err != nil {
		return nil, how.Wrap(how.CodeModelLoad, fmt.Errorf("load model %s: %w", path, err))
	}
	if gen.PieceCacheSize > 0 {
		model = engine.WithPieceCache(model, uint64(gen.PieceCacheSize))
	}
	defer model.Close()
	log.Debug("model loaded", "path", path)

	prompts := generate.NewPromptBuilder(generate.LoadCustomPrompt(opts.promptPath, log), log)
	pipeline := generate.NewPipeline(model, generate.Settings{
		ContextSize: gen.ContextSize,
		BatchSize:   gen.BatchSize,
		MaxTokens:   gen.MaxTokens,
		Threads:     gen.Threads,
	}, generate.WithPromptBuilder(prompts), generate.WithLogger(log))

	res, err := pipeline.Run(ctx, request)
	if cm, ok := model.(*engine.CachedModel); ok {
		m := cm.Metrics()
		log.Debug("piece cache", "hits", m.Hits, "misses", m.Misses, "evictions", m.Evictions)
	}
	return res, err
}

func (a *app) recordStats(path string, res *generate.Result, err error, elapsed time.Duration, log *logger.Logger) {
	if path == "" {
		return
	}
	run := metrics.Run{Duration: elapsed, Outcome: "ok", Time: time.Now()}
	if res != nil {
		run.PromptTokens = res.PromptTokens
		run.GeneratedTokens = res.GeneratedTokens
		if res.Duration > 0 {
			run.Duration = res.Duration
		}
	}
	switch {
	case err == nil:
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		run.Outcome = "canceled"
	case how.CodeOf(err) != "":
		run.Outcome = how.CodeOf(err)
	default:
		run.Outcome = "error"
	}
	stats := metrics.New()
	stats.Observe(run)
	if werr := stats.WriteTextfile(path); werr != nil {
		log.Warn("failed to write stats textfile", "path", path, "error", werr)
	}
}
