package manager

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/nikicat/busvisor/internal/protocol"
)

// RestartPolicy decides when a lost or failed connection is retried.
// Its methods are called on the manager's loop only.
type RestartPolicy interface {
	// Next returns the delay before the next attempt, or ok=false to give up
	// on this failure.
	Next(now time.Time) (delay time.Duration, ok bool)
	// Fired is called when a scheduled restart runs.
	Fired()
	// Reset is called after a fully validated connection.
	Reset()
	// Mismatch is called after a protocol or interface version mismatch.
	Mismatch()
}

// Policy names accepted by ParsePolicy.
const (
	PolicyBackoff    = "backoff"
	PolicyCrashGuard = "crash-guard"
)

// Backoff retries with exponentially increasing delays: immediately after
// the first failure, then (1 << min(n, 16)) * 100ms.
type Backoff struct {
	littleWhile uint
	count       uint
}

// NewBackoff returns a Backoff that forces the restart count to littleWhile
// after a version mismatch. Zero means protocol.DefaultLittleWhile.
func NewBackoff(littleWhile uint) *Backoff {
	if littleWhile == 0 {
		littleWhile = protocol.DefaultLittleWhile
	}
	return &Backoff{littleWhile: littleWhile}
}

func (b *Backoff) Next(time.Time) (time.Duration, bool) {
	return protocol.RestartDelay(b.count), true
}

func (b *Backoff) Fired()    { b.count++ }
func (b *Backoff) Reset()    { b.count = 0 }
func (b *Backoff) Mismatch() { b.count = b.littleWhile }

// Count returns the current restart count.
func (b *Backoff) Count() uint {
	return b.count
}

// CrashLoopGuard restarts immediately, but refuses to restart again within
// Threshold of the previous restart. It stops services that crash right
// after start from being respawned in a tight loop.
type CrashLoopGuard struct {
	Threshold time.Duration

	lastRestartAt time.Time
}

// NewCrashLoopGuard returns a guard with the given threshold. Zero means
// protocol.DefaultCrashThreshold.
func NewCrashLoopGuard(threshold time.Duration) *CrashLoopGuard {
	if threshold <= 0 {
		threshold = protocol.DefaultCrashThreshold
	}
	return &CrashLoopGuard{Threshold: threshold}
}

func (g *CrashLoopGuard) Next(now time.Time) (time.Duration, bool) {
	if !g.lastRestartAt.IsZero() {
		if since := now.Sub(g.lastRestartAt); since < g.Threshold {
			slog.Warn("service restarted too recently, not respawning",
				"since_last", since,
				"threshold", g.Threshold)
			return 0, false
		}
	}
	g.lastRestartAt = now
	return 0, true
}

func (g *CrashLoopGuard) Fired()    {}
func (g *CrashLoopGuard) Reset()    {}
func (g *CrashLoopGuard) Mismatch() {}

// LastRestart returns when the guard last allowed a restart.
func (g *CrashLoopGuard) LastRestart() time.Time {
	return g.lastRestartAt
}

// ParsePolicy builds a fresh policy by name. An empty name means backoff.
func ParsePolicy(name string, littleWhile uint, threshold time.Duration) (RestartPolicy, error) {
	switch name {
	case "", PolicyBackoff:
		return NewBackoff(littleWhile), nil
	case PolicyCrashGuard:
		return NewCrashLoopGuard(threshold), nil
	default:
		return nil, fmt.Errorf("unknown restart policy %q (want %q or %q)", name, PolicyBackoff, PolicyCrashGuard)
	}
}
