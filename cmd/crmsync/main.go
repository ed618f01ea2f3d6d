package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/chatwoot/crmsync/internal/cmd"
)

var (
	executeCmd  = cmd.Execute
	mapExitCode = cmd.ExitCode
	terminate   = os.Exit
)

// run executes the CLI until it finishes or the process is interrupted.
// Interrupting a follow ends it cleanly; pending sends are still awaited.
func run(args []string) int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return mapExitCode(executeCmd(ctx, args))
}

func main() {
	terminate(run(os.Args[1:]))
}
