// Package protocol defines the wire constants of the service supervision
// protocol shared by endpoints and managers.
package protocol

import (
	"time"

	"github.com/godbus/dbus/v5"
)

// D-Bus object and interface exposed by every supervised service.
// The values match the ayatana indicator service so existing services can
// be watched unchanged.
const (
	Interface  = "org.ayatana.indicator.service"
	ObjectPath = dbus.ObjectPath("/org/ayatana/indicator/service")

	MethodWatch    = Interface + ".Watch"
	MethodUnWatch  = Interface + ".UnWatch"
	MethodShutdown = Interface + ".Shutdown"
)

// APIVersion is the version of the supervision protocol itself. It is
// returned as the first value of every Watch reply.
const APIVersion uint32 = 1

// Timing constants.
const (
	// DefaultShutdownTimeout is how long an endpoint stays up with no watchers.
	DefaultShutdownTimeout = 500 * time.Millisecond

	// TimeoutMultiplier is the unit of the manager's exponential backoff.
	TimeoutMultiplier = 100 * time.Millisecond

	// MaxBackoffExponent caps the backoff at 2^16 multipliers.
	MaxBackoffExponent = 16

	// DefaultLittleWhile is the restart count forced after a version
	// mismatch; 5 gives a 3.2s wait.
	DefaultLittleWhile = 5

	// DefaultCrashThreshold is the minimum time between two respawns
	// under the crash-loop guard.
	DefaultCrashThreshold = time.Second
)

// Environment variables recognized by endpoints and managers.
const (
	EnvRestartDisable  = "INDICATOR_SERVICE_RESTART_DISABLE"
	EnvShutdownTimeout = "INDICATOR_SERVICE_SHUTDOWN_TIMEOUT"
	EnvReplaceMode     = "INDICATOR_SERVICE_REPLACE_MODE"
	EnvAllowNoWatchers = "INDICATOR_ALLOW_NO_WATCHERS"
)

// Well-known names and members of the message bus itself.
const (
	BusDaemonName      = "org.freedesktop.DBus"
	BusDaemonPath      = dbus.ObjectPath("/org/freedesktop/DBus")
	BusDaemonInterface = "org.freedesktop.DBus"

	SignalNameOwnerChanged = BusDaemonInterface + ".NameOwnerChanged"
	SignalNameLost         = BusDaemonInterface + ".NameLost"
	SignalNameAcquired     = BusDaemonInterface + ".NameAcquired"

	ErrNameHasNoOwner = "org.freedesktop.DBus.Error.NameHasNoOwner"
	ErrServiceUnknown = "org.freedesktop.DBus.Error.ServiceUnknown"
	ErrUnknownMethod  = "org.freedesktop.DBus.Error.UnknownMethod"
	ErrFailed         = "org.freedesktop.DBus.Error.Failed"
	ErrNoReply        = "org.freedesktop.DBus.Error.NoReply"
)

// VersionPair is the reply of a Watch call.
type VersionPair struct {
	API       uint32 `json:"api"`
	Interface uint32 `json:"interface"`
}

// RestartDelay returns the backoff delay for the given restart count:
// zero for the first retry, then (1 << min(count, 16)) * TimeoutMultiplier.
func RestartDelay(count uint) time.Duration {
	if count == 0 {
		return 0
	}
	if count > MaxBackoffExponent {
		count = MaxBackoffExponent
	}
	return time.Duration(1<<count) * TimeoutMultiplier
}

// NewDBusError creates a D-Bus error with the given name and message.
func NewDBusError(name, message string) *dbus.Error {
	return &dbus.Error{
		Name: name,
		Body: []interface{}{message},
	}
}
