// Package daemon runs the supervision protocol as a long-lived process: a
// service endpoint for `busvisor serve` and a watching manager for
// `busvisor watch`.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/nikicat/busvisor/internal/bus"
	"github.com/nikicat/busvisor/internal/endpoint"
	"github.com/nikicat/busvisor/internal/logging"
	"github.com/nikicat/busvisor/internal/protocol"
)

// Config holds serve parameters.
type Config struct {
	// BusAddress is the D-Bus address to connect to.
	// Empty means the session bus. Integration tests set it to a private
	// dbus-daemon.
	BusAddress string

	// Name is the well-known name to own.
	Name string

	Endpoint endpoint.Options
}

// ErrNameLost is returned by Run when the endpoint could not keep its name.
var ErrNameLost = errors.New("bus name lost")

// Run serves name on the bus, sends READY=1 via sd-notify, and blocks until
// the endpoint raises its Shutdown event or ctx is cancelled. Losing the
// name is reported as an error wrapping ErrNameLost; every other shutdown
// returns nil.
func Run(ctx context.Context, cfg Config) error {
	if cfg.Name == "" {
		return errors.New("no bus name configured")
	}

	conn, err := bus.Dial(cfg.BusAddress)
	if err != nil {
		return err
	}
	defer conn.Close()

	opts := cfg.Endpoint
	if opts.Calls == nil {
		opts.Calls = logging.NewCallLogger(nil, cfg.Name)
	}

	ep, err := endpoint.New(conn, cfg.Name, opts)
	if err != nil {
		return fmt.Errorf("start endpoint: %w", err)
	}

	slog.Info("serving",
		"name", cfg.Name,
		"unique_name", conn.UniqueName(),
		"interface_version", opts.InterfaceVersion,
		"replace", opts.ReplaceMode)

	// Notify systemd that startup is complete.
	notify(sdReady)

	var runErr error
	select {
	case <-ctx.Done():
		slog.Info("shutting down", "name", cfg.Name, "reason", "signal")
	case <-ep.Done():
		reason := ep.Reason()
		slog.Info("shutting down", "name", cfg.Name, "reason", reason)
		if reason == endpoint.ShutdownNameLost {
			runErr = fmt.Errorf("%w: %s: %w", ErrNameLost, cfg.Name, protocol.ErrNameAcquisition)
		}
	}

	notify(sdStopping)
	if err := ep.Close(); err != nil {
		slog.Warn("failed to close endpoint", "name", cfg.Name, "error", err)
	}
	return runErr
}
