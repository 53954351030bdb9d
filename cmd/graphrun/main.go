package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/aristath/graphrun/internal/backend"
)

func main() {
	// Create signal-aware context for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Every worker process is tracked so a second signal can still reap it
	pm := backend.NewProcessManager()
	go func() {
		<-ctx.Done()
		// Restore default handling: a second Ctrl+C exits immediately
		stop()
	}()

	a := &app{pm: pm, out: os.Stdout, errOut: os.Stderr}
	err := newRootCmd(a).ExecuteContext(ctx)

	if ctx.Err() != nil {
		if killErr := pm.KillAll(); killErr != nil {
			log.Printf("Error killing subprocesses: %v", killErr)
		}
	}

	var exit *exitError
	switch {
	case err == nil:
	case errors.As(err, &exit):
		os.Exit(exit.code)
	default:
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// exitError carries a process exit status for a run that finished without
// an operational error but did not succeed.
type exitError struct {
	code   int
	status string
}

func (e *exitError) Error() string {
	return fmt.Sprintf("run finished with status %s", e.status)
}
