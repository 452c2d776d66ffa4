// busvisor-test-service runs a minimal supervised service for testing
// activation and restarts.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nikicat/busvisor/internal/daemon"
	"github.com/nikicat/busvisor/internal/endpoint"
	"github.com/nikicat/busvisor/internal/logging"
)

func main() {
	var (
		name     = flag.String("name", "org.busvisor.TestService", "Well-known bus name to own")
		version  = flag.Uint("version", 0, "Interface version to answer Watch with")
		address  = flag.String("bus-address", "", "D-Bus address (default: session bus)")
		timeout  = flag.Duration("timeout", 0, "Idle timeout (default: 500ms)")
		crashIn  = flag.Duration("crash-after", 0, "Exit with status 1 after this long, to exercise restarts")
		replace  = flag.Bool("replace", false, "Take the name over from a running instance")
		logLevel = flag.String("log-level", "debug", "Log level")
	)
	flag.Parse()

	logging.Setup("text", *logLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if *crashIn > 0 {
		time.AfterFunc(*crashIn, func() {
			fmt.Fprintln(os.Stderr, "crashing on purpose")
			os.Exit(1)
		})
	}

	err := daemon.Run(ctx, daemon.Config{
		BusAddress: *address,
		Name:       *name,
		Endpoint: endpoint.Options{
			InterfaceVersion: uint32(*version),
			Timeout:          *timeout,
			ReplaceMode:      *replace,
		},
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
