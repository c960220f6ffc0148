// Command chorus is the command line for the CI specialist registry: it lists,
// resolves, probes and messages specialists, manages pipeline routes and runs the
// long-lived health monitor.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := execute(ctx, os.Args[1:], os.Stdin, os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}
