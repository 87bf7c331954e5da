// Command swarmsim drives a swarm scheduler with a synthetic mix of CPU-bound
// and blocking work items and reports how the thread goal reacts.
//
// Usage:
//
//	swarmsim --duration=30s --blocking-ratio=0.5 --block-for=10ms --metrics-addr=:9090
//
// Every flag can also be set in swarmsim.yaml or through SWARM_* environment
// variables, e.g. SWARM_WORKLOAD_BLOCKING_RATIO=0.5.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}
