package daemon

import (
	"context"
	"log/slog"

	"github.com/nikicat/busvisor/internal/bus"
	"github.com/nikicat/busvisor/internal/logging"
	"github.com/nikicat/busvisor/internal/manager"
)

// WatchConfig holds watch parameters.
type WatchConfig struct {
	BusAddress string
	Name       string
	Manager    manager.Options
}

// changeLogger logs connection changes and forwards them to a channel.
type changeLogger struct {
	changes chan<- bool
}

func (l changeLogger) OnConnectionChange(name string, connected bool) {
	if connected {
		slog.Info("service connected", "name", name)
	} else {
		slog.Warn("service disconnected", "name", name)
	}
	if l.changes != nil {
		select {
		case l.changes <- connected:
		default:
		}
	}
}

// Watch keeps a manager for cfg.Name running until ctx is cancelled. If
// changes is non-nil, connection changes are also sent there without
// blocking.
func Watch(ctx context.Context, cfg WatchConfig, changes chan<- bool) error {
	conn, err := bus.Dial(cfg.BusAddress)
	if err != nil {
		return err
	}
	defer conn.Close()

	opts := cfg.Manager
	opts.Observers = append(opts.Observers, changeLogger{changes: changes})
	if opts.Calls == nil {
		opts.Calls = logging.NewCallLogger(nil, cfg.Name)
	}

	m := manager.New(conn, cfg.Name, opts)
	notify(sdReady)
	slog.Info("watching service", "name", cfg.Name)

	<-ctx.Done()

	notify(sdStopping)
	m.Close()
	return nil
}
