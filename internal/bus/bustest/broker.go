// Package bustest provides an in-memory message bus for tests.
//
// A Broker hands out connections implementing bus.Bus. It models unique
// and well-known names with queued ownership, NameOwnerChanged/NameLost/
// NameAcquired notifications, method calls on exported objects (with the
// caller passed as dbus.Sender) and activation through registered
// activator functions.
package bustest

import (
	"context"
	"fmt"
	"reflect"
	"strings"
	"sync"

	"github.com/godbus/dbus/v5"

	"github.com/nikicat/busvisor/internal/bus"
	"github.com/nikicat/busvisor/internal/protocol"
)

// Activator starts the owner of a name. It is expected to connect to the
// broker and request the name before returning.
type Activator func(ctx context.Context) error

// Broker is an in-memory bus daemon.
type Broker struct {
	mu         sync.Mutex
	next       int
	conns      map[string]*Conn
	queues     map[string][]*Conn // owner first, then queued requesters
	activators map[string]Activator
	starts     map[string]int
}

// NewBroker creates an empty broker.
func NewBroker() *Broker {
	return &Broker{
		conns:      make(map[string]*Conn),
		queues:     make(map[string][]*Conn),
		activators: make(map[string]Activator),
		starts:     make(map[string]int),
	}
}

// Connect opens a new connection with a fresh unique name.
func (b *Broker) Connect() *Conn {
	b.mu.Lock()
	b.next++
	c := &Conn{
		broker:    b,
		unique:    fmt.Sprintf(":1.%d", b.next),
		objects:   make(map[objectKey]any),
		names:     make(map[string]map[int]func(bus.NameChange)),
		ownership: make(map[int]func(bus.OwnershipEvent)),
	}
	b.conns[c.unique] = c
	notes := b.ownerChangedLocked(c.unique, "", c.unique)
	b.mu.Unlock()

	deliver(notes)
	return c
}

// SetActivator registers fn to run when StartService is called for name
// and the name has no owner.
func (b *Broker) SetActivator(name string, fn Activator) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.activators[name] = fn
}

// Owner returns the unique name owning name, or "".
func (b *Broker) Owner(name string) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.ownerLocked(name)
}

// Starts returns how many times activation of name was requested.
func (b *Broker) Starts(name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.starts[name]
}

func (b *Broker) ownerLocked(name string) string {
	if strings.HasPrefix(name, ":") {
		if _, ok := b.conns[name]; ok {
			return name
		}
		return ""
	}
	if q := b.queues[name]; len(q) > 0 {
		return q[0].unique
	}
	return ""
}

func (b *Broker) resolveLocked(dest string) *Conn {
	owner := b.ownerLocked(dest)
	if owner == "" {
		return nil
	}
	return b.conns[owner]
}

// ownerChangedLocked collects NameOwnerChanged deliveries for every
// connection watching name.
func (b *Broker) ownerChangedLocked(name, oldOwner, newOwner string) []func() {
	change := bus.NameChange{Name: name, OldOwner: oldOwner, NewOwner: newOwner}
	var notes []func()
	for _, c := range b.conns {
		for _, fn := range c.names[name] {
			notes = append(notes, func() { fn(change) })
		}
	}
	return notes
}

func (b *Broker) ownershipLocked(c *Conn, name string, acquired bool) []func() {
	ev := bus.OwnershipEvent{Name: name, Acquired: acquired}
	var notes []func()
	for _, fn := range c.ownership {
		notes = append(notes, func() { fn(ev) })
	}
	return notes
}

// dropLocked removes c from the queue of name, handing ownership to the
// next queued connection if c was the owner.
func (b *Broker) dropLocked(c *Conn, name string) []func() {
	q := b.queues[name]
	idx := -1
	for i, qc := range q {
		if qc == c {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil
	}
	q = append(q[:idx:idx], q[idx+1:]...)
	if len(q) == 0 {
		delete(b.queues, name)
	} else {
		b.queues[name] = q
	}
	if idx != 0 {
		return nil
	}

	notes := b.ownershipLocked(c, name, false)
	newOwner := ""
	if len(q) > 0 {
		newOwner = q[0].unique
		notes = append(notes, b.ownershipLocked(q[0], name, true)...)
	}
	return append(notes, b.ownerChangedLocked(name, c.unique, newOwner)...)
}

func deliver(notes []func()) {
	for _, fn := range notes {
		fn()
	}
}

type objectKey struct {
	path  dbus.ObjectPath
	iface string
}

// Conn is a broker connection. It implements bus.Bus.
type Conn struct {
	broker *Broker
	unique string

	// Guarded by broker.mu.
	closed    bool
	nextID    int
	objects   map[objectKey]any
	names     map[string]map[int]func(bus.NameChange)
	ownership map[int]func(bus.OwnershipEvent)
}

var _ bus.Bus = (*Conn)(nil)

func (c *Conn) UniqueName() string {
	return c.unique
}

func (c *Conn) Export(obj any, path dbus.ObjectPath, iface string) error {
	b := c.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if c.closed {
		return errClosed
	}
	c.objects[objectKey{path, iface}] = obj
	return nil
}

func (c *Conn) Unexport(path dbus.ObjectPath, iface string) {
	b := c.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(c.objects, objectKey{path, iface})
}

func (c *Conn) RequestName(ctx context.Context, name string, flags dbus.RequestNameFlags) (dbus.RequestNameReply, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	b := c.broker
	b.mu.Lock()
	if c.closed {
		b.mu.Unlock()
		return 0, errClosed
	}

	q := b.queues[name]
	var notes []func()
	var reply dbus.RequestNameReply
	switch {
	case len(q) == 0:
		b.queues[name] = []*Conn{c}
		notes = append(b.ownershipLocked(c, name, true), b.ownerChangedLocked(name, "", c.unique)...)
		reply = dbus.RequestNameReplyPrimaryOwner
	case q[0] == c:
		reply = dbus.RequestNameReplyAlreadyOwner
	case flags&dbus.NameFlagDoNotQueue != 0:
		reply = dbus.RequestNameReplyExists
	default:
		queued := false
		for _, qc := range q {
			if qc == c {
				queued = true
			}
		}
		if !queued {
			b.queues[name] = append(q, c)
		}
		reply = dbus.RequestNameReplyInQueue
	}
	b.mu.Unlock()

	deliver(notes)
	return reply, nil
}

func (c *Conn) ReleaseName(ctx context.Context, name string) error {
	b := c.broker
	b.mu.Lock()
	notes := b.dropLocked(c, name)
	b.mu.Unlock()

	deliver(notes)
	return nil
}

func (c *Conn) NameOwner(ctx context.Context, name string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	b := c.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if c.closed {
		return "", errClosed
	}
	return b.ownerLocked(name), nil
}

func (c *Conn) StartService(ctx context.Context, name string) error {
	b := c.broker
	b.mu.Lock()
	if c.closed {
		b.mu.Unlock()
		return errClosed
	}
	b.starts[name]++
	if b.ownerLocked(name) != "" {
		b.mu.Unlock()
		return nil
	}
	activate := b.activators[name]
	b.mu.Unlock()

	if activate == nil {
		return dbus.Error{
			Name: protocol.ErrServiceUnknown,
			Body: []any{"The name " + name + " was not provided by any .service files"},
		}
	}
	if err := activate(ctx); err != nil {
		return dbus.Error{Name: protocol.ErrFailed, Body: []any{err.Error()}}
	}
	if b.Owner(name) == "" {
		return dbus.Error{Name: protocol.ErrFailed, Body: []any{"activated service did not take the name " + name}}
	}
	return nil
}

func (c *Conn) Call(ctx context.Context, dest string, path dbus.ObjectPath, method string, reply ...any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	vals, err := c.invoke(dest, path, method)
	if err != nil {
		return err
	}
	return dbus.Store(vals, reply...)
}

func (c *Conn) Send(dest string, path dbus.ObjectPath, method string) error {
	b := c.broker
	b.mu.Lock()
	closed := c.closed
	b.mu.Unlock()
	if closed {
		return errClosed
	}
	go c.invoke(dest, path, method) //nolint:errcheck
	return nil
}

func (c *Conn) invoke(dest string, path dbus.ObjectPath, method string) ([]any, error) {
	i := strings.LastIndexByte(method, '.')
	if i < 0 {
		return nil, dbus.Error{Name: protocol.ErrUnknownMethod, Body: []any{"bad method " + method}}
	}
	iface, member := method[:i], method[i+1:]

	b := c.broker
	b.mu.Lock()
	if c.closed {
		b.mu.Unlock()
		return nil, errClosed
	}
	target := b.resolveLocked(dest)
	var obj any
	if target != nil {
		obj = target.objects[objectKey{path, iface}]
	}
	b.mu.Unlock()

	if target == nil {
		return nil, dbus.Error{Name: protocol.ErrServiceUnknown, Body: []any{"The name " + dest + " is not activatable"}}
	}
	if obj == nil {
		return nil, dbus.Error{Name: protocol.ErrUnknownMethod, Body: []any{"No such interface " + iface + " at " + string(path)}}
	}
	return invokeMethod(obj, member, c.unique)
}

var senderType = reflect.TypeOf(dbus.Sender(""))

func invokeMethod(obj any, member, sender string) ([]any, error) {
	m := reflect.ValueOf(obj).MethodByName(member)
	if !m.IsValid() {
		return nil, dbus.Error{Name: protocol.ErrUnknownMethod, Body: []any{"No such method " + member}}
	}
	mt := m.Type()
	in := make([]reflect.Value, mt.NumIn())
	for i := range in {
		if mt.In(i) == senderType {
			in[i] = reflect.ValueOf(dbus.Sender(sender))
		} else {
			in[i] = reflect.Zero(mt.In(i))
		}
	}

	outs := m.Call(in)
	if len(outs) == 0 {
		return nil, nil
	}
	if derr, ok := outs[len(outs)-1].Interface().(*dbus.Error); ok {
		if derr != nil {
			return nil, *derr
		}
		outs = outs[:len(outs)-1]
	}
	vals := make([]any, len(outs))
	for i, v := range outs {
		vals[i] = v.Interface()
	}
	return vals, nil
}

func (c *Conn) WatchName(name string, fn func(bus.NameChange)) (cancel func()) {
	b := c.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	id := c.nextID
	c.nextID++
	if c.names[name] == nil {
		c.names[name] = make(map[int]func(bus.NameChange))
	}
	c.names[name][id] = fn

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(c.names[name], id)
		if len(c.names[name]) == 0 {
			delete(c.names, name)
		}
	}
}

func (c *Conn) WatchOwnership(fn func(bus.OwnershipEvent)) (cancel func()) {
	b := c.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	id := c.nextID
	c.nextID++
	c.ownership[id] = fn

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(c.ownership, id)
	}
}

// Close disconnects c, releasing all of its names. Watchers of those names
// and of c's unique name are notified.
func (c *Conn) Close() error {
	b := c.broker
	b.mu.Lock()
	if c.closed {
		b.mu.Unlock()
		return nil
	}
	c.closed = true

	var notes []func()
	for name := range b.queues {
		notes = append(notes, b.dropLocked(c, name)...)
	}
	delete(b.conns, c.unique)
	notes = append(notes, b.ownerChangedLocked(c.unique, c.unique, "")...)
	c.names = make(map[string]map[int]func(bus.NameChange))
	c.ownership = make(map[int]func(bus.OwnershipEvent))
	b.mu.Unlock()

	deliver(notes)
	return nil
}

var errClosed = dbus.Error{Name: "org.freedesktop.DBus.Error.Disconnected", Body: []any{"connection is closed"}}
