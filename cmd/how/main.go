package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/hansbala/how/engine"
	"github.com/hansbala/how/engine/llamacpp"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	a := &app{
		stdout:     os.Stdout,
		stderr:     os.Stderr,
		newBackend: newLlamaBackend,
	}
	err := a.Run(ctx, os.Args)
	stop()
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, "how:", err)
		os.Exit(1)
	}
}

func newLlamaBackend(opts engine.Options) (engine.Backend, error) {
	b, err := llamacpp.Init(opts)
	if err != nil {
		return nil, err
	}
	return b, nil
}
