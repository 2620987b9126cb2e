// Command keylock inspects key partitioning and drives locks from the shell.
package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
)

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func main() {
	ctx, stop := signalContext()
	defer stop()
	if err := execute(ctx, os.Args[1:]); err != nil && !errors.Is(err, context.Canceled) {
		stop()
		os.Exit(1)
	}
}
