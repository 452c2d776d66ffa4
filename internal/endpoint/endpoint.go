// Package endpoint implements the service side of the supervision protocol.
//
// An Endpoint owns a well-known bus name, answers Watch, UnWatch and
// Shutdown, tracks the watchers that are alive and raises a Shutdown event
// when it has been unwatched for too long or has lost its name.
package endpoint

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/godbus/dbus/v5/introspect"
	"k8s.io/utils/clock"

	"github.com/nikicat/busvisor/internal/bus"
	"github.com/nikicat/busvisor/internal/logging"
	"github.com/nikicat/busvisor/internal/protocol"
	"github.com/nikicat/busvisor/internal/reactor"
)

// ShutdownReason says why the Shutdown event was raised.
type ShutdownReason int

const (
	// ShutdownRequested means a peer called Shutdown.
	ShutdownRequested ShutdownReason = iota
	// ShutdownIdle means nobody watched the endpoint for the idle timeout.
	ShutdownIdle
	// ShutdownNameLost means the name could not be acquired or was taken.
	ShutdownNameLost
)

func (r ShutdownReason) String() string {
	switch r {
	case ShutdownRequested:
		return "requested"
	case ShutdownIdle:
		return "idle"
	case ShutdownNameLost:
		return "name-lost"
	default:
		return fmt.Sprintf("ShutdownReason(%d)", int(r))
	}
}

// ShutdownObserver is told when the endpoint wants its process to exit.
// It is called on the endpoint's loop and must not call Close.
type ShutdownObserver interface {
	OnShutdown(reason ShutdownReason)
}

// Options configure an Endpoint.
type Options struct {
	// InterfaceVersion is returned to watchers next to protocol.APIVersion.
	InterfaceVersion uint32

	// Timeout is the idle shutdown delay. Zero means
	// protocol.DefaultShutdownTimeout.
	Timeout time.Duration

	// ReplaceMode asks the current owner to step down instead of shutting
	// down when the name is taken.
	ReplaceMode bool

	// AllowNoWatchers keeps the endpoint running when the idle timer fires.
	AllowNoWatchers bool

	// Clock defaults to the real clock.
	Clock clock.WithDelayedExecution

	// Calls records protocol calls. Nil disables call logging.
	Calls *logging.CallLogger
}

// Endpoint is the service-side half of the supervision protocol.
type Endpoint struct {
	conn bus.Bus
	name string
	opts Options
	loop *reactor.Loop

	ctx    context.Context
	cancel context.CancelFunc

	observersMu sync.RWMutex
	observers   []ShutdownObserver

	done      chan struct{}
	reason    ShutdownReason
	closeOnce sync.Once

	// Owned by the loop.
	watchers      map[string]func()
	timer         *reactor.Timer
	owned         bool
	acquiredOnce  bool
	shutdown      bool
	closed        bool
	stopOwnership func()
}

// New exports the protocol object on conn and starts acquiring name.
// The name result arrives asynchronously; failures are reported through the
// Shutdown event.
func New(conn bus.Bus, name string, opts Options) (*Endpoint, error) {
	if opts.Timeout <= 0 {
		opts.Timeout = protocol.DefaultShutdownTimeout
	}
	if opts.Clock == nil {
		opts.Clock = clock.RealClock{}
	}

	ctx, cancel := context.WithCancel(context.Background())
	e := &Endpoint{
		conn:     conn,
		name:     name,
		opts:     opts,
		loop:     reactor.New(),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
		watchers: make(map[string]func()),
	}

	obj := &object{e: e}
	if err := conn.Export(obj, protocol.ObjectPath, protocol.Interface); err != nil {
		e.loop.Stop()
		cancel()
		return nil, fmt.Errorf("export %s: %w", protocol.Interface, err)
	}

	// Always export Introspectable so busctl and d-feet can see the methods.
	node := &introspect.Node{
		Name: string(protocol.ObjectPath),
		Interfaces: []introspect.Interface{
			introspect.IntrospectData,
			{
				Name:    protocol.Interface,
				Methods: introspect.Methods(obj),
			},
		},
	}
	if err := conn.Export(introspect.NewIntrospectable(node), protocol.ObjectPath, "org.freedesktop.DBus.Introspectable"); err != nil {
		conn.Unexport(protocol.ObjectPath, protocol.Interface)
		e.loop.Stop()
		cancel()
		return nil, fmt.Errorf("export introspectable: %w", err)
	}

	e.loop.Do(func() {
		e.stopOwnership = conn.WatchOwnership(func(ev bus.OwnershipEvent) {
			if ev.Name != name {
				return
			}
			e.loop.Post(func() {
				if ev.Acquired {
					e.nameAcquired()
				} else {
					e.nameLost()
				}
			})
		})
	})

	go e.register()

	return e, nil
}

// Name returns the well-known name this endpoint serves.
func (e *Endpoint) Name() string {
	return e.name
}

// Subscribe adds an observer for the Shutdown event.
func (e *Endpoint) Subscribe(obs ShutdownObserver) {
	e.observersMu.Lock()
	defer e.observersMu.Unlock()
	e.observers = append(e.observers, obs)
}

// Unsubscribe removes an observer.
func (e *Endpoint) Unsubscribe(obs ShutdownObserver) {
	e.observersMu.Lock()
	defer e.observersMu.Unlock()
	for i, o := range e.observers {
		if o == obs {
			e.observers = append(e.observers[:i], e.observers[i+1:]...)
			return
		}
	}
}

// Done is closed when the Shutdown event is raised for the first time.
func (e *Endpoint) Done() <-chan struct{} {
	return e.done
}

// Reason returns why the Shutdown event was raised. It is only meaningful
// once Done is closed.
func (e *Endpoint) Reason() ShutdownReason {
	select {
	case <-e.done:
		return e.reason
	default:
		return ShutdownRequested
	}
}

// Watchers returns the unique names of the current watchers, sorted.
func (e *Endpoint) Watchers() []string {
	var out []string
	e.loop.Do(func() {
		out = make([]string, 0, len(e.watchers))
		for s := range e.watchers {
			out = append(out, s)
		}
	})
	sort.Strings(out)
	return out
}

// Owned reports whether the endpoint currently owns its name.
func (e *Endpoint) Owned() bool {
	var owned bool
	e.loop.Do(func() { owned = e.owned })
	return owned
}

// IdleTimerArmed reports whether the idle (or grace) timer is running, and
// for how long it was armed.
func (e *Endpoint) IdleTimerArmed() (bool, time.Duration) {
	var armed bool
	var d time.Duration
	e.loop.Do(func() {
		armed = e.timer.Active()
		d = e.timer.Duration()
	})
	return armed, d
}

// Close drops all watchers and timers, unexports the protocol object and
// releases the name. It must not be called from an observer.
func (e *Endpoint) Close() error {
	var err error
	e.closeOnce.Do(func() {
		e.loop.Do(func() {
			e.closed = true
			e.timer.Stop()
			e.timer = nil
			for sender, stop := range e.watchers {
				stop()
				delete(e.watchers, sender)
			}
			if e.stopOwnership != nil {
				e.stopOwnership()
			}
		})
		e.cancel()
		e.loop.Stop()

		e.conn.Unexport(protocol.ObjectPath, protocol.Interface)
		e.conn.Unexport(protocol.ObjectPath, "org.freedesktop.DBus.Introspectable")

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if rerr := e.conn.ReleaseName(ctx, e.name); rerr != nil {
			err = fmt.Errorf("release name %q: %w", e.name, rerr)
		}
	})
	return err
}

func (e *Endpoint) register() {
	flags := dbus.NameFlagDoNotQueue
	if e.opts.ReplaceMode {
		// Stay queued so the bus hands the name over once the owner quits.
		flags = 0
	}
	reply, err := e.conn.RequestName(e.ctx, e.name, flags)

	e.loop.Post(func() {
		if e.closed {
			return
		}
		if err != nil {
			if e.ctx.Err() != nil {
				return
			}
			slog.Error("failed to request name", "name", e.name,
				"error", fmt.Errorf("%w: %w", protocol.ErrNameAcquisition, err))
			e.nameLost()
			return
		}

		switch reply {
		case dbus.RequestNameReplyPrimaryOwner, dbus.RequestNameReplyAlreadyOwner:
			e.nameAcquired()
		default:
			if e.owned {
				// NameAcquired overtook the reply.
				return
			}
			slog.Info("name is owned by another process", "name", e.name, "reply", reply)
			e.nameLost()
		}
	})
}

func (e *Endpoint) nameAcquired() {
	if e.closed || e.owned {
		return
	}
	e.owned = true
	slog.Info("acquired name", "name", e.name)

	e.timer.Stop()
	e.timer = nil
	if len(e.watchers) > 0 {
		return
	}

	d := e.opts.Timeout
	if !e.acquiredOnce {
		// Give clients time to find a freshly started service.
		d *= 2
	}
	e.acquiredOnce = true
	e.armTimer(d)
}

func (e *Endpoint) nameLost() {
	if e.closed || e.shutdown {
		return
	}
	e.owned = false

	if !e.opts.ReplaceMode {
		slog.Warn("lost name, shutting down", "name", e.name)
		e.raiseShutdown(ShutdownNameLost)
		return
	}

	slog.Info("name taken, asking current owner to shut down", "name", e.name)
	err := e.conn.Send(e.name, protocol.ObjectPath, protocol.MethodShutdown)
	if err != nil {
		err = fmt.Errorf("%w: %w", protocol.ErrPeerCall, err)
	}
	e.opts.Calls.LogShutdown(e.ctx, logging.Sent, e.name, err)

	e.timer.Stop()
	e.timer = nil
	e.armTimer(4 * e.opts.Timeout)
}

// watch registers sender and returns the version pair.
func (e *Endpoint) watch(sender string) (uint32, uint32) {
	if _, ok := e.watchers[sender]; !ok {
		stop := e.conn.WatchName(sender, func(c bus.NameChange) {
			if c.Vanished() {
				e.loop.Post(func() { e.vanished(sender) })
			}
		})
		e.watchers[sender] = stop
		slog.Debug("watcher added", "name", e.name, "sender", sender, "watchers", len(e.watchers))

		// The sender may have gone away before its vanish callback was in place.
		go e.checkAlive(sender)

		// A queued endpoint keeps its grace timer until the name is handed over.
		if e.owned && e.timer.Active() {
			e.timer.Stop()
			e.timer = nil
		}
	}
	return protocol.APIVersion, e.opts.InterfaceVersion
}

func (e *Endpoint) checkAlive(sender string) {
	owner, err := e.conn.NameOwner(e.ctx, sender)
	if err != nil || owner != "" {
		return
	}
	e.loop.Post(func() { e.vanished(sender) })
}

func (e *Endpoint) unwatch(sender string) {
	stop, ok := e.watchers[sender]
	if ok {
		stop()
		delete(e.watchers, sender)
		slog.Debug("watcher removed", "name", e.name, "sender", sender, "watchers", len(e.watchers))
	} else {
		slog.Warn("UnWatch from a sender that is not watching", "name", e.name, "sender", sender)
	}
	e.maybeIdle()
}

func (e *Endpoint) vanished(sender string) {
	stop, ok := e.watchers[sender]
	if !ok {
		return
	}
	stop()
	delete(e.watchers, sender)
	slog.Debug("watcher vanished", "name", e.name, "sender", sender, "watchers", len(e.watchers))
	e.maybeIdle()
}

func (e *Endpoint) maybeIdle() {
	if e.closed || len(e.watchers) > 0 {
		return
	}
	if e.timer.Active() {
		slog.Debug("idle timer already armed", "name", e.name)
		return
	}
	e.armTimer(e.opts.Timeout)
}

func (e *Endpoint) armTimer(d time.Duration) {
	e.timer = e.loop.AfterFunc(e.opts.Clock, d, e.idleTimeout)
}

func (e *Endpoint) idleTimeout() {
	e.timer = nil
	if e.opts.AllowNoWatchers {
		slog.Info("idle timeout reached, staying up without watchers", "name", e.name)
		return
	}
	slog.Info("no watchers, shutting down", "name", e.name, "owned", e.owned)
	e.raiseShutdown(ShutdownIdle)
}

func (e *Endpoint) raiseShutdown(reason ShutdownReason) {
	if e.shutdown {
		return
	}
	e.shutdown = true
	e.reason = reason
	e.timer.Stop()
	e.timer = nil

	e.observersMu.RLock()
	observers := append([]ShutdownObserver(nil), e.observers...)
	e.observersMu.RUnlock()
	for _, obs := range observers {
		obs.OnShutdown(reason)
	}
	close(e.done)
}

var errStopped = errors.New("endpoint is closed")

// object is exported on the bus. godbus fills the sender argument and
// introspect.Methods leaves it out of the signature.
type object struct {
	e *Endpoint
}

func (o *object) Watch(sender dbus.Sender) (uint32, uint32, *dbus.Error) {
	e := o.e
	var api, iface uint32
	if !e.loop.Do(func() { api, iface = e.watch(string(sender)) }) {
		e.opts.Calls.LogWatch(e.ctx, logging.Received, string(sender), 0, 0, errStopped)
		return 0, 0, protocol.NewDBusError(protocol.ErrFailed, errStopped.Error())
	}
	e.opts.Calls.LogWatch(e.ctx, logging.Received, string(sender), api, iface, nil)
	return api, iface, nil
}

func (o *object) UnWatch(sender dbus.Sender) *dbus.Error {
	e := o.e
	if !e.loop.Do(func() { e.unwatch(string(sender)) }) {
		e.opts.Calls.LogUnWatch(e.ctx, logging.Received, string(sender), errStopped)
		return protocol.NewDBusError(protocol.ErrFailed, errStopped.Error())
	}
	e.opts.Calls.LogUnWatch(e.ctx, logging.Received, string(sender), nil)
	return nil
}

func (o *object) Shutdown(sender dbus.Sender) *dbus.Error {
	e := o.e
	if !e.loop.Do(func() {
		slog.Info("shutdown requested", "name", e.name, "sender", string(sender))
		e.raiseShutdown(ShutdownRequested)
	}) {
		e.opts.Calls.LogShutdown(e.ctx, logging.Received, string(sender), errStopped)
		return protocol.NewDBusError(protocol.ErrFailed, errStopped.Error())
	}
	e.opts.Calls.LogShutdown(e.ctx, logging.Received, string(sender), nil)
	return nil
}
