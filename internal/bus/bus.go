// Package bus is the message-bus surface used by the supervision protocol.
//
// Conn wraps a godbus connection. The bustest package provides an in-memory
// broker implementing the same Bus interface for tests.
package bus

import (
	"context"

	"github.com/godbus/dbus/v5"
)

// NameChange is a NameOwnerChanged notification for a watched name.
// An empty NewOwner means the name vanished.
type NameChange struct {
	Name     string
	OldOwner string
	NewOwner string
}

// Vanished reports whether the name lost its owner.
func (c NameChange) Vanished() bool {
	return c.NewOwner == ""
}

// OwnershipEvent reports that this connection acquired or lost a name.
type OwnershipEvent struct {
	Name     string
	Acquired bool
}

// Bus is what endpoints and managers need from the message bus.
//
// Callbacks passed to WatchName and WatchOwnership run on the bus's
// dispatch goroutine and must not block.
type Bus interface {
	// UniqueName returns the connection's unique address (":1.42").
	UniqueName() string

	Export(obj any, path dbus.ObjectPath, iface string) error
	Unexport(path dbus.ObjectPath, iface string)

	RequestName(ctx context.Context, name string, flags dbus.RequestNameFlags) (dbus.RequestNameReply, error)
	ReleaseName(ctx context.Context, name string) error

	// NameOwner returns the unique name owning name, or "" if it has none.
	NameOwner(ctx context.Context, name string) (string, error)

	// StartService asks the bus to activate the owner of name.
	StartService(ctx context.Context, name string) error

	// Call invokes method ("iface.Member") on dest and stores the reply
	// values into reply.
	Call(ctx context.Context, dest string, path dbus.ObjectPath, method string, reply ...any) error

	// Send invokes method without waiting for a reply.
	Send(dest string, path dbus.ObjectPath, method string) error

	WatchName(name string, fn func(NameChange)) (cancel func())
	WatchOwnership(fn func(OwnershipEvent)) (cancel func())

	Close() error
}
