package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/duckask/duckask/internal/cli/duckask"
)

func main() {
	// Interrupts are handled per command so that Ctrl-C in chat only cancels
	// the running question.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM)
	code := duckask.Run(ctx, os.Args[1:], duckask.Options{
		Stdout: os.Stdout,
		Stderr: os.Stderr,
		Stdin:  os.Stdin,
	})
	stop()
	os.Exit(code)
}
