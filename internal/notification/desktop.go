// Package notification shows desktop notifications when supervised services
// drop off the bus.
package notification

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/godbus/dbus/v5"

	"github.com/nikicat/busvisor/internal/supervisor"
)

const (
	notifyDest      = "org.freedesktop.Notifications"
	notifyPath      = "/org/freedesktop/Notifications"
	notifyInterface = "org.freedesktop.Notifications"
)

const (
	actionMute    = "mute"
	actionDismiss = "dismiss"
)

// Notifier defines the interface for sending desktop notifications.
type Notifier interface {
	// Notify sends a notification and returns its ID.
	// The actions parameter takes alternating (id, label) pairs.
	Notify(summary, body, icon string, actions []string) (uint32, error)
	// Close closes a notification by ID.
	Close(id uint32) error
}

// Action represents a user interaction with a notification button.
type Action struct {
	NotificationID uint32
	ActionKey      string
}

// DBusNotifier sends notifications via D-Bus and listens for action button clicks.
// It automatically reconnects if the session bus connection drops.
type DBusNotifier struct {
	mu      sync.Mutex
	conn    *dbus.Conn
	signals chan *dbus.Signal
	actions chan Action
	done    chan struct{}
}

// NewDBusNotifier creates a notifier using a private session bus connection and
// starts listening for ActionInvoked signals.
func NewDBusNotifier() (*DBusNotifier, error) {
	n := &DBusNotifier{
		signals: make(chan *dbus.Signal, 16),
		actions: make(chan Action, 16),
		done:    make(chan struct{}),
	}

	if err := n.connect(); err != nil {
		return nil, err
	}

	go n.processSignals(n.signals)

	return n, nil
}

// connect must be called with n.mu held (or during construction).
func (n *DBusNotifier) connect() error {
	conn, err := dbus.ConnectSessionBus()
	if err != nil {
		return fmt.Errorf("connect to session bus: %w", err)
	}

	if err := conn.AddMatchSignal(
		dbus.WithMatchInterface(notifyInterface),
		dbus.WithMatchMember("ActionInvoked"),
	); err != nil {
		conn.Close()
		return fmt.Errorf("subscribe to ActionInvoked: %w", err)
	}

	conn.Signal(n.signals)
	n.conn = conn
	return nil
}

// reconnect replaces a dead connection. The old processSignals goroutine
// exits when godbus closes its channel. Must be called with n.mu held.
func (n *DBusNotifier) reconnect() error {
	if n.conn != nil {
		n.conn.Close()
	}
	n.signals = make(chan *dbus.Signal, 16)
	if err := n.connect(); err != nil {
		return fmt.Errorf("reconnect: %w", err)
	}
	go n.processSignals(n.signals)
	slog.Info("reconnected to D-Bus session bus")
	return nil
}

// Actions returns a channel that receives action button clicks.
func (n *DBusNotifier) Actions() <-chan Action {
	return n.actions
}

// Stop stops the signal listener goroutine and closes the D-Bus connection.
func (n *DBusNotifier) Stop() {
	close(n.done)
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.conn != nil {
		n.conn.Close()
	}
}

func (n *DBusNotifier) processSignals(ch <-chan *dbus.Signal) {
	for {
		select {
		case <-n.done:
			return
		case sig, ok := <-ch:
			if !ok {
				return
			}
			action, ok := parseAction(sig)
			if !ok {
				continue
			}
			select {
			case n.actions <- action:
			case <-n.done:
				return
			}
		}
	}
}

func parseAction(sig *dbus.Signal) (Action, bool) {
	if sig.Name != notifyInterface+".ActionInvoked" {
		return Action{}, false
	}
	var a Action
	if err := dbus.Store(sig.Body, &a.NotificationID, &a.ActionKey); err != nil {
		return Action{}, false
	}
	return a, true
}

// Notify sends a desktop notification with optional action buttons.
// If the D-Bus connection is dead, it reconnects and retries once.
func (n *DBusNotifier) Notify(summary, body, icon string, actions []string) (uint32, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	id, err := n.doNotify(summary, body, icon, actions)
	if err != nil && errors.Is(err, dbus.ErrClosed) {
		if reconnErr := n.reconnect(); reconnErr != nil {
			return 0, fmt.Errorf("notify call: %w (reconnect failed: %v)", err, reconnErr)
		}
		id, err = n.doNotify(summary, body, icon, actions)
	}
	return id, err
}

func (n *DBusNotifier) doNotify(summary, body, icon string, actions []string) (uint32, error) {
	obj := n.conn.Object(notifyDest, notifyPath)
	call := obj.Call(
		notifyInterface+".Notify",
		0,
		"busvisor", // app_name
		uint32(0),  // replaces_id
		icon,
		summary,
		body,
		actions,
		map[string]dbus.Variant{
			"urgency": dbus.MakeVariant(byte(1)), // normal
		},
		int32(-1), // server default expiry
	)
	if call.Err != nil {
		return 0, fmt.Errorf("notify call: %w", call.Err)
	}

	var id uint32
	if err := call.Store(&id); err != nil {
		return 0, fmt.Errorf("store notify result: %w", err)
	}
	return id, nil
}

// Close closes a notification by ID.
// If the D-Bus connection is dead, it reconnects and retries once.
func (n *DBusNotifier) Close(id uint32) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	err := n.doClose(id)
	if err != nil && errors.Is(err, dbus.ErrClosed) {
		if reconnErr := n.reconnect(); reconnErr != nil {
			return fmt.Errorf("close notification: %w (reconnect failed: %v)", err, reconnErr)
		}
		err = n.doClose(id)
	}
	return err
}

func (n *DBusNotifier) doClose(id uint32) error {
	obj := n.conn.Object(notifyDest, notifyPath)
	call := obj.Call(notifyInterface+".CloseNotification", 0, id)
	if call.Err != nil {
		return fmt.Errorf("close notification: %w", call.Err)
	}
	return nil
}

// Handler receives supervision events and shows a notification while a
// service is disconnected. The "mute" action silences a service until its
// descriptor is removed.
type Handler struct {
	notifier Notifier

	mu            sync.Mutex
	notifications map[string]uint32 // service -> notification ID
	services      map[uint32]string // notification ID -> service
	muted         map[string]bool
}

// NewHandler creates a notification handler.
func NewHandler(notifier Notifier) *Handler {
	return &Handler{
		notifier:      notifier,
		notifications: make(map[string]uint32),
		services:      make(map[uint32]string),
		muted:         make(map[string]bool),
	}
}

// ListenActions reads from the actions channel until it is closed or ctx is
// cancelled.
func (h *Handler) ListenActions(ctx context.Context, actions <-chan Action) {
	for {
		select {
		case <-ctx.Done():
			return
		case action, ok := <-actions:
			if !ok {
				return
			}
			h.handleAction(action)
		}
	}
}

func (h *Handler) handleAction(action Action) {
	h.mu.Lock()
	defer h.mu.Unlock()

	service, ok := h.services[action.NotificationID]
	if !ok {
		return
	}
	// Clicking a button already dismissed the notification.
	delete(h.services, action.NotificationID)
	delete(h.notifications, service)

	switch action.ActionKey {
	case actionMute:
		h.muted[service] = true
		slog.Info("muted service notifications", "service", service)
	case actionDismiss:
	default:
		slog.Debug("unknown action key", "action", action.ActionKey, "service", service)
	}
}

// OnEvent implements supervisor.Observer.
func (h *Handler) OnEvent(event supervisor.Event) {
	switch event.Type {
	case supervisor.EventDisconnected:
		h.handleDisconnected(event.Service)
	case supervisor.EventConnected:
		h.closeFor(event.Service)
	case supervisor.EventServiceRemoved:
		h.closeFor(event.Service)
		h.mu.Lock()
		delete(h.muted, event.Service)
		h.mu.Unlock()
	}
}

func (h *Handler) handleDisconnected(service string) {
	h.mu.Lock()
	_, shown := h.notifications[service]
	muted := h.muted[service]
	h.mu.Unlock()
	if shown || muted {
		return
	}

	body := fmt.Sprintf("<b>%s</b> left the bus. It will be restarted.", service)
	actions := []string{actionMute, "Mute", actionDismiss, "Dismiss"}
	id, err := h.notifier.Notify("Service disconnected", body, "dialog-warning", actions)
	if err != nil {
		slog.Error("failed to send notification", "error", err, "service", service)
		return
	}

	h.mu.Lock()
	h.notifications[service] = id
	h.services[id] = service
	h.mu.Unlock()

	slog.Debug("sent desktop notification", "service", service, "notification_id", id)
}

func (h *Handler) closeFor(service string) {
	h.mu.Lock()
	id, ok := h.notifications[service]
	if ok {
		delete(h.notifications, service)
		delete(h.services, id)
	}
	h.mu.Unlock()

	if !ok {
		return
	}
	if err := h.notifier.Close(id); err != nil {
		slog.Debug("failed to close notification", "error", err, "notification_id", id)
		return
	}
	slog.Debug("closed desktop notification", "service", service, "notification_id", id)
}
