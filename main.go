// ./main.go
package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/kestrelworks/sitewright/cmd"
)

// main is the entry point for the sitewright CLI. Commands run under a
// signal-aware context so an interrupt releases browser leases and flushes
// session state instead of killing Chrome mid-operation.
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cmd.Execute(ctx)
}
