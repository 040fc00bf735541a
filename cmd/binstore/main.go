// Command binstore is the content-addressed binary store CLI.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/kilupskalvis/binstore/internal/cli"
)

func main() {
	// Cancelling stops an in-flight gc sweep between deletions.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := cli.ExecuteContext(ctx); err != nil {
		stop()
		os.Exit(1)
	}
}
