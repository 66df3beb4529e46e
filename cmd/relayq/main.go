// Command relayq runs the work-queue and stream consumers, the prune job and
// the producer/admin commands against one relational backing store.
//
// Usage:
//
//	relayq [--config path/to/config.yaml] <command>
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/snehjoshi/relayq/internal/cli"
)

func main() {
	os.Exit(run())
}

func run() int {
	// Cancelled on SIGINT / SIGTERM; every long-running command treats that
	// as a clean stop.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := cli.NewRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "relayq: %v\n", err)
		return cli.GetExitCode(err)
	}
	return cli.ExitSuccess
}
