// Package manager implements the client side of the supervision protocol.
//
// A Manager finds (or activates) the owner of a well-known name, calls Watch
// on it, checks the versions it answers with and keeps doing so whenever the
// service goes away, with delays chosen by a RestartPolicy. Its owner only
// sees ConnectionChange notifications.
package manager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"k8s.io/utils/clock"

	"github.com/nikicat/busvisor/internal/bus"
	"github.com/nikicat/busvisor/internal/logging"
	"github.com/nikicat/busvisor/internal/protocol"
	"github.com/nikicat/busvisor/internal/reactor"
)

// State is the connection state of a Manager.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// ConnectionObserver receives connectivity changes. Calls for one manager
// strictly alternate between true and false, starting with true. They run
// on the manager's loop and must not call Close.
type ConnectionObserver interface {
	OnConnectionChange(name string, connected bool)
}

// Options configure a Manager.
type Options struct {
	// InterfaceVersion is the version the service must answer Watch with.
	InterfaceVersion uint32

	// Policy defaults to NewBackoff(protocol.DefaultLittleWhile).
	Policy RestartPolicy

	// RestartDisabled turns off automatic restarts.
	RestartDisabled bool

	// Clock defaults to the real clock.
	Clock clock.WithDelayedExecution

	// Observers are subscribed before the first connect attempt.
	Observers []ConnectionObserver

	// Calls records protocol calls. Nil disables call logging.
	Calls *logging.CallLogger
}

// Manager is the client-side half of the supervision protocol.
type Manager struct {
	conn bus.Bus
	name string
	opts Options
	loop *reactor.Loop

	ctx    context.Context
	cancel context.CancelFunc

	observersMu sync.RWMutex
	observers   []ConnectionObserver

	connected atomic.Bool
	closeOnce sync.Once

	// Owned by the loop.
	state         State
	peer          string
	attempt       uint64
	attemptCancel context.CancelFunc
	restartSeq    uint64
	restartQueued bool
	restartTimer  *reactor.Timer
	closed        bool
	stopWatch     func()
}

// New creates a manager for name and starts connecting right away.
func New(conn bus.Bus, name string, opts Options) *Manager {
	if opts.Policy == nil {
		opts.Policy = NewBackoff(protocol.DefaultLittleWhile)
	}
	if opts.Clock == nil {
		opts.Clock = clock.RealClock{}
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		conn:      conn,
		name:      name,
		opts:      opts,
		loop:      reactor.New(),
		ctx:       ctx,
		cancel:    cancel,
		observers: append([]ConnectionObserver(nil), opts.Observers...),
	}

	m.loop.Do(func() {
		m.stopWatch = conn.WatchName(name, func(c bus.NameChange) {
			m.loop.Post(func() { m.ownerChanged(c) })
		})
		m.connect()
	})
	return m
}

// Name returns the well-known name this manager watches.
func (m *Manager) Name() string {
	return m.name
}

// Subscribe adds an observer to receive connection changes.
func (m *Manager) Subscribe(obs ConnectionObserver) {
	m.observersMu.Lock()
	defer m.observersMu.Unlock()
	m.observers = append(m.observers, obs)
}

// Unsubscribe removes an observer.
func (m *Manager) Unsubscribe(obs ConnectionObserver) {
	m.observersMu.Lock()
	defer m.observersMu.Unlock()
	for i, o := range m.observers {
		if o == obs {
			m.observers = append(m.observers[:i], m.observers[i+1:]...)
			return
		}
	}
}

// Connected reports whether the service is connected and validated.
func (m *Manager) Connected() bool {
	return m.connected.Load()
}

// State returns the current connection state.
func (m *Manager) State() State {
	s := Disconnected
	m.loop.Do(func() { s = m.state })
	return s
}

// Peer returns the unique name of the service being watched, or "".
func (m *Manager) Peer() string {
	var p string
	m.loop.Do(func() { p = m.peer })
	return p
}

// PendingRestart reports whether a restart is scheduled and its delay.
func (m *Manager) PendingRestart() (bool, time.Duration) {
	var pending bool
	var d time.Duration
	m.loop.Do(func() {
		switch {
		case m.restartTimer.Active():
			pending, d = true, m.restartTimer.Duration()
		case m.restartQueued:
			pending = true
		}
	})
	return pending, d
}

// Close stops the manager. A connected service is sent UnWatch and
// observers get a final false. It must not be called from an observer.
func (m *Manager) Close() {
	m.closeOnce.Do(func() {
		var peer string
		m.loop.Do(func() {
			if m.state == Connected {
				peer = m.peer
			}
			m.cancelAttempt()
			m.cancelRestart()
			if m.stopWatch != nil {
				m.stopWatch()
			}
			m.setState(Disconnected)
			m.peer = ""
			m.closed = true
		})
		m.cancel()
		m.loop.Stop()

		if peer != "" {
			m.unwatch(peer)
		}
	})
}

// connect starts a fresh attempt: resolve the owner, activating it if
// needed, then Watch it.
func (m *Manager) connect() {
	if m.closed {
		return
	}
	gen, ctx := m.newAttempt()
	m.peer = ""
	m.setState(Connecting)

	go func() {
		peer, err := m.resolve(ctx)
		m.loop.Post(func() {
			if m.closed || gen != m.attempt {
				return
			}
			if err != nil {
				m.fail(err)
				return
			}
			m.watchPeer(ctx, gen, peer)
		})
	}()
}

func (m *Manager) resolve(ctx context.Context) (string, error) {
	owner, err := m.conn.NameOwner(ctx, m.name)
	if err != nil {
		return "", fmt.Errorf("%w: %w", protocol.ErrActivation, err)
	}
	if owner != "" {
		return owner, nil
	}

	slog.Debug("service not running, activating", "name", m.name)
	if err := m.conn.StartService(ctx, m.name); err != nil {
		return "", fmt.Errorf("%w: %w", protocol.ErrActivation, err)
	}
	owner, err = m.conn.NameOwner(ctx, m.name)
	if err != nil {
		return "", fmt.Errorf("%w: %w", protocol.ErrActivation, err)
	}
	if owner == "" {
		return "", fmt.Errorf("%w: %s has no owner after activation", protocol.ErrActivation, m.name)
	}
	return owner, nil
}

// watchPeer calls Watch on peer within attempt gen.
func (m *Manager) watchPeer(ctx context.Context, gen uint64, peer string) {
	m.peer = peer
	go func() {
		var vp protocol.VersionPair
		err := m.conn.Call(ctx, peer, protocol.ObjectPath, protocol.MethodWatch, &vp.API, &vp.Interface)
		m.opts.Calls.LogWatch(ctx, logging.Sent, peer, vp.API, vp.Interface, err)
		m.loop.Post(func() {
			if m.closed || gen != m.attempt {
				return
			}
			m.watched(peer, vp, err)
		})
	}()
}

func (m *Manager) watched(peer string, vp protocol.VersionPair, err error) {
	if err != nil {
		m.fail(fmt.Errorf("%w: Watch %s: %w", protocol.ErrPeerCall, peer, err))
		return
	}
	if vp.API != protocol.APIVersion {
		m.mismatch(peer, fmt.Errorf("%w: service speaks %d, want %d",
			protocol.ErrProtocolVersionMismatch, vp.API, protocol.APIVersion))
		return
	}
	if vp.Interface != m.opts.InterfaceVersion {
		m.mismatch(peer, fmt.Errorf("%w: service has %d, want %d",
			protocol.ErrInterfaceVersionMismatch, vp.Interface, m.opts.InterfaceVersion))
		return
	}

	m.cancelRestart()
	m.opts.Policy.Reset()
	slog.Info("connected to service", "name", m.name, "peer", peer)
	m.setState(Connected)
}

func (m *Manager) mismatch(peer string, err error) {
	slog.Warn("service version mismatch", "name", m.name, "peer", peer, "error", err)
	m.unwatch(peer)
	m.opts.Policy.Mismatch()
	m.peer = ""
	m.setState(Disconnected)
	m.schedule()
}

func (m *Manager) fail(err error) {
	if errors.Is(err, context.Canceled) {
		slog.Debug("connect attempt cancelled", "name", m.name,
			"error", fmt.Errorf("%w: %w", protocol.ErrCancelled, err))
	} else {
		slog.Warn("could not connect to service", "name", m.name, "error", err)
	}
	m.cancelAttempt()
	m.peer = ""
	m.setState(Disconnected)
	m.schedule()
}

func (m *Manager) ownerChanged(c bus.NameChange) {
	if m.closed {
		return
	}
	if m.peer == "" {
		if m.state == Disconnected && c.NewOwner != "" {
			m.appeared(c.NewOwner)
		}
		return
	}
	if c.OldOwner != m.peer {
		return
	}

	if c.Vanished() {
		err := fmt.Errorf("%w: %s left the bus", protocol.ErrPeerVanished, c.OldOwner)
		slog.Info("service vanished", "name", m.name, "error", err)
		m.cancelAttempt()
		m.peer = ""
		m.setState(Disconnected)
		m.schedule()
		return
	}

	slog.Info("service owner changed, watching new owner",
		"name", m.name, "old_peer", c.OldOwner, "new_peer", c.NewOwner)
	gen, ctx := m.newAttempt()
	m.setState(Connecting)
	m.watchPeer(ctx, gen, c.NewOwner)
}

// appeared watches a service that took the name on its own while the
// manager was disconnected. Any pending restart is dropped.
func (m *Manager) appeared(owner string) {
	slog.Info("service appeared, watching it", "name", m.name, "peer", owner)
	m.cancelRestart()
	gen, ctx := m.newAttempt()
	m.setState(Connecting)
	m.watchPeer(ctx, gen, owner)
}

// schedule arranges for a restart unless one is already pending.
func (m *Manager) schedule() {
	if m.closed {
		return
	}
	if m.opts.RestartDisabled {
		slog.Info("automatic restart disabled", "name", m.name, "env", protocol.EnvRestartDisable)
		return
	}
	if m.restartQueued || m.restartTimer.Active() {
		return
	}

	delay, ok := m.opts.Policy.Next(m.opts.Clock.Now())
	if !ok {
		slog.Warn("restart refused by policy", "name", m.name)
		return
	}

	m.restartSeq++
	seq := m.restartSeq
	if delay == 0 {
		slog.Debug("restarting on next turn", "name", m.name)
		m.restartQueued = true
		m.loop.Post(func() { m.restart(seq) })
		return
	}
	slog.Debug("restart scheduled", "name", m.name, "delay", delay)
	m.restartTimer = m.loop.AfterFunc(m.opts.Clock, delay, func() { m.restart(seq) })
}

func (m *Manager) restart(seq uint64) {
	if m.closed || seq != m.restartSeq {
		return
	}
	m.restartQueued = false
	m.restartTimer = nil
	m.opts.Policy.Fired()
	m.connect()
}

func (m *Manager) cancelRestart() {
	m.restartSeq++
	m.restartQueued = false
	m.restartTimer.Stop()
	m.restartTimer = nil
}

func (m *Manager) newAttempt() (uint64, context.Context) {
	m.cancelAttempt()
	m.attempt++
	ctx, cancel := context.WithCancel(m.ctx)
	m.attemptCancel = cancel
	return m.attempt, ctx
}

func (m *Manager) cancelAttempt() {
	if m.attemptCancel != nil {
		m.attemptCancel()
		m.attemptCancel = nil
	}
	m.attempt++
}

func (m *Manager) unwatch(peer string) {
	err := m.conn.Send(peer, protocol.ObjectPath, protocol.MethodUnWatch)
	if err != nil {
		err = fmt.Errorf("%w: %w", protocol.ErrPeerCall, err)
	}
	m.opts.Calls.LogUnWatch(m.ctx, logging.Sent, peer, err)
}

func (m *Manager) setState(s State) {
	prev := m.state
	m.state = s
	m.connected.Store(s == Connected)
	if (prev == Connected) == (s == Connected) {
		return
	}

	m.observersMu.RLock()
	observers := append([]ConnectionObserver(nil), m.observers...)
	m.observersMu.RUnlock()
	for _, obs := range observers {
		obs.OnConnectionChange(m.name, s == Connected)
	}
}
