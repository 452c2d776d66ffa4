package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/godbus/dbus/v5"

	"github.com/nikicat/busvisor/internal/protocol"
)

// Conn implements Bus on top of a godbus connection.
type Conn struct {
	conn      *dbus.Conn
	signals   chan *dbus.Signal
	done      chan struct{}
	closeOnce sync.Once

	mu        sync.Mutex
	nextID    int
	names     map[string]map[int]func(NameChange)
	ownership map[int]func(OwnershipEvent)
}

var _ Bus = (*Conn)(nil)

// Dial connects to the bus at address; an empty address means the session bus.
func Dial(address string) (*Conn, error) {
	var conn *dbus.Conn
	var err error
	if address == "" {
		conn, err = dbus.ConnectSessionBus()
	} else {
		conn, err = dbus.Connect(address)
	}
	if err != nil {
		return nil, fmt.Errorf("connect to D-Bus: %w", err)
	}
	c, err := New(conn)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return c, nil
}

// New wraps an established connection and starts dispatching
// NameOwnerChanged, NameLost and NameAcquired signals.
func New(conn *dbus.Conn) (*Conn, error) {
	c := &Conn{
		conn:      conn,
		signals:   make(chan *dbus.Signal, 64),
		done:      make(chan struct{}),
		names:     make(map[string]map[int]func(NameChange)),
		ownership: make(map[int]func(OwnershipEvent)),
	}

	// One broad match: per-name rules would need a bus round trip on every
	// Watch, and a sender could vanish before its rule is installed.
	if err := conn.AddMatchSignal(
		dbus.WithMatchInterface(protocol.BusDaemonInterface),
		dbus.WithMatchMember("NameOwnerChanged"),
		dbus.WithMatchSender(protocol.BusDaemonName),
	); err != nil {
		return nil, fmt.Errorf("subscribe to NameOwnerChanged: %w", err)
	}

	conn.Signal(c.signals)
	go c.processSignals()

	return c, nil
}

// Raw returns the underlying godbus connection.
func (c *Conn) Raw() *dbus.Conn {
	return c.conn
}

func (c *Conn) UniqueName() string {
	names := c.conn.Names()
	if len(names) == 0 {
		return ""
	}
	return names[0]
}

func (c *Conn) Export(obj any, path dbus.ObjectPath, iface string) error {
	return c.conn.Export(obj, path, iface)
}

func (c *Conn) Unexport(path dbus.ObjectPath, iface string) {
	c.conn.Export(nil, path, iface) //nolint:errcheck
}

func (c *Conn) RequestName(ctx context.Context, name string, flags dbus.RequestNameFlags) (dbus.RequestNameReply, error) {
	var reply uint32
	err := c.conn.BusObject().CallWithContext(ctx, protocol.BusDaemonInterface+".RequestName", 0, name, uint32(flags)).Store(&reply)
	if err != nil {
		return 0, fmt.Errorf("request name %q: %w", name, err)
	}
	return dbus.RequestNameReply(reply), nil
}

func (c *Conn) ReleaseName(ctx context.Context, name string) error {
	var reply uint32
	err := c.conn.BusObject().CallWithContext(ctx, protocol.BusDaemonInterface+".ReleaseName", 0, name).Store(&reply)
	if err != nil {
		return fmt.Errorf("release name %q: %w", name, err)
	}
	return nil
}

func (c *Conn) NameOwner(ctx context.Context, name string) (string, error) {
	var owner string
	err := c.conn.BusObject().CallWithContext(ctx, protocol.BusDaemonInterface+".GetNameOwner", 0, name).Store(&owner)
	if err != nil {
		if ErrorName(err) == protocol.ErrNameHasNoOwner {
			return "", nil
		}
		return "", fmt.Errorf("get owner of %q: %w", name, err)
	}
	return owner, nil
}

func (c *Conn) StartService(ctx context.Context, name string) error {
	var reply uint32
	err := c.conn.BusObject().CallWithContext(ctx, protocol.BusDaemonInterface+".StartServiceByName", 0, name, uint32(0)).Store(&reply)
	if err != nil {
		return fmt.Errorf("start service %q: %w", name, err)
	}
	return nil
}

func (c *Conn) Call(ctx context.Context, dest string, path dbus.ObjectPath, method string, reply ...any) error {
	return c.conn.Object(dest, path).CallWithContext(ctx, method, 0).Store(reply...)
}

func (c *Conn) Send(dest string, path dbus.ObjectPath, method string) error {
	return c.conn.Object(dest, path).Go(method, dbus.FlagNoReplyExpected, nil).Err
}

func (c *Conn) WatchName(name string, fn func(NameChange)) (cancel func()) {
	c.mu.Lock()
	defer c.mu.Unlock()

	id := c.nextID
	c.nextID++
	if c.names[name] == nil {
		c.names[name] = make(map[int]func(NameChange))
	}
	c.names[name][id] = fn

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.names[name], id)
		if len(c.names[name]) == 0 {
			delete(c.names, name)
		}
	}
}

func (c *Conn) WatchOwnership(fn func(OwnershipEvent)) (cancel func()) {
	c.mu.Lock()
	defer c.mu.Unlock()

	id := c.nextID
	c.nextID++
	c.ownership[id] = fn

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.ownership, id)
	}
}

// Close stops signal dispatch and closes the connection.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		// Don't close signals: godbus may have closed it already.
		c.conn.RemoveSignal(c.signals)
		err = c.conn.Close()
	})
	return err
}

func (c *Conn) processSignals() {
	for {
		select {
		case <-c.done:
			return
		case signal, ok := <-c.signals:
			if !ok {
				// Channel closed by godbus when the connection closes.
				return
			}
			c.dispatch(signal)
		}
	}
}

func (c *Conn) dispatch(signal *dbus.Signal) {
	switch signal.Name {
	case protocol.SignalNameOwnerChanged:
		// NameOwnerChanged(name string, old_owner string, new_owner string)
		if len(signal.Body) != 3 {
			return
		}
		name, ok1 := signal.Body[0].(string)
		oldOwner, ok2 := signal.Body[1].(string)
		newOwner, ok3 := signal.Body[2].(string)
		if !ok1 || !ok2 || !ok3 {
			return
		}

		c.mu.Lock()
		fns := make([]func(NameChange), 0, len(c.names[name]))
		for _, fn := range c.names[name] {
			fns = append(fns, fn)
		}
		c.mu.Unlock()

		change := NameChange{Name: name, OldOwner: oldOwner, NewOwner: newOwner}
		for _, fn := range fns {
			fn(change)
		}

	case protocol.SignalNameLost, protocol.SignalNameAcquired:
		if len(signal.Body) != 1 {
			return
		}
		name, ok := signal.Body[0].(string)
		if !ok {
			return
		}

		c.mu.Lock()
		fns := make([]func(OwnershipEvent), 0, len(c.ownership))
		for _, fn := range c.ownership {
			fns = append(fns, fn)
		}
		c.mu.Unlock()

		ev := OwnershipEvent{Name: name, Acquired: signal.Name == protocol.SignalNameAcquired}
		for _, fn := range fns {
			fn(ev)
		}
	}
}

// ErrorName returns the D-Bus error name carried by err, or "".
func ErrorName(err error) string {
	var v dbus.Error
	if errors.As(err, &v) {
		return v.Name
	}
	var p *dbus.Error
	if errors.As(err, &p) && p != nil {
		return p.Name
	}
	return ""
}
