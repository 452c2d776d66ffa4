package config

import (
	"log/slog"
	"math"
	"os"
	"strconv"
	"time"

	"github.com/nikicat/busvisor/internal/protocol"
)

// Knobs are the environment toggles understood by endpoints and managers.
// A toggle is on when its variable is set, whatever the value.
type Knobs struct {
	RestartDisabled bool
	// ShutdownTimeout is zero unless overridden.
	ShutdownTimeout time.Duration
	ReplaceMode     bool
	AllowNoWatchers bool
}

// LoadKnobs reads the knobs from the process environment.
func LoadKnobs() Knobs {
	return knobsFrom(os.LookupEnv)
}

// maxTimeoutMillis is the largest timeout a time.Duration can hold.
const maxTimeoutMillis = float64(math.MaxInt64 / int64(time.Millisecond))

func knobsFrom(lookup func(string) (string, bool)) Knobs {
	var k Knobs
	_, k.RestartDisabled = lookup(protocol.EnvRestartDisable)
	_, k.ReplaceMode = lookup(protocol.EnvReplaceMode)
	_, k.AllowNoWatchers = lookup(protocol.EnvAllowNoWatchers)

	if v, ok := lookup(protocol.EnvShutdownTimeout); ok {
		ms, err := strconv.ParseFloat(v, 64)
		switch {
		case err != nil:
			slog.Warn("ignoring unparsable shutdown timeout", "env", protocol.EnvShutdownTimeout, "value", v)
		case math.IsNaN(ms) || math.IsInf(ms, 0) || ms > maxTimeoutMillis:
			slog.Warn("ignoring out of range shutdown timeout", "env", protocol.EnvShutdownTimeout, "value", v)
		case ms < 1:
			slog.Warn("ignoring shutdown timeout below 1ms", "env", protocol.EnvShutdownTimeout, "value", v)
		default:
			k.ShutdownTimeout = time.Duration(ms * float64(time.Millisecond))
		}
	}
	return k
}
