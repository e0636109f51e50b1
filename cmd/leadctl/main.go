// Command leadctl is the operator command line for sources,
// configurations, worker assignment and search.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"leadwatch/internal/cli"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := cli.Execute(ctx, nil); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		cancel()
		os.Exit(1)
	}
}
