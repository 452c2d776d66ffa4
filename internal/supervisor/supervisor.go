// Package supervisor keeps a ServiceManager running for every service
// descriptor found in a directory and records their connection history.
package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"k8s.io/utils/clock"

	"github.com/nikicat/busvisor/internal/bus"
	"github.com/nikicat/busvisor/internal/logging"
	"github.com/nikicat/busvisor/internal/manager"
)

// EventType identifies what happened to a supervised service.
type EventType string

const (
	EventServiceAdded   EventType = "service_added"
	EventServiceRemoved EventType = "service_removed"
	EventConnected      EventType = "connected"
	EventDisconnected   EventType = "disconnected"
)

// Event is one entry of the supervision history.
type Event struct {
	ID      string    `json:"id"`
	Type    EventType `json:"type"`
	Service string    `json:"service"`
	Time    time.Time `json:"time"`
}

// Observer receives supervision events.
type Observer interface {
	OnEvent(Event)
}

// ServiceStatus is a snapshot of one supervised service.
type ServiceStatus struct {
	Name             string        `json:"name"`
	File             string        `json:"file"`
	Policy           string        `json:"policy"`
	InterfaceVersion uint32        `json:"interface_version"`
	State            string        `json:"state"`
	Connected        bool          `json:"connected"`
	Peer             string        `json:"peer,omitempty"`
	Since            time.Time     `json:"since"`
	RestartPending   bool          `json:"restart_pending"`
	RestartDelay     time.Duration `json:"restart_delay,omitempty"`
}

// Options configure a Supervisor.
type Options struct {
	// HistoryLimit bounds the event history. Zero means 100.
	HistoryLimit int

	// RestartDisabled is passed to every manager.
	RestartDisabled bool

	// Clock defaults to the real clock.
	Clock clock.WithDelayedExecution
}

type supervised struct {
	desc  Descriptor
	file  string
	m     *manager.Manager
	since time.Time
}

// Supervisor watches a directory of service descriptors.
type Supervisor struct {
	dir     string
	conn    bus.Bus
	opts    Options
	watcher *fsnotify.Watcher

	mu       sync.RWMutex
	services map[string]*supervised // descriptor path -> service
	history  []Event

	observersMu sync.RWMutex
	observers   []Observer
}

// New creates a supervisor for the descriptors in dir. Managers use conn.
func New(conn bus.Bus, dir string, opts Options) (*Supervisor, error) {
	// Create the services directory if it doesn't exist
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create services directory: %w", err)
	}
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = 100
	}
	if opts.Clock == nil {
		opts.Clock = clock.RealClock{}
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	return &Supervisor{
		dir:      dir,
		conn:     conn,
		opts:     opts,
		watcher:  watcher,
		services: make(map[string]*supervised),
	}, nil
}

// Run starts watching for descriptors and managing services.
// It blocks until the context is cancelled.
func (s *Supervisor) Run(ctx context.Context) error {
	defer s.watcher.Close()

	// Start watching the directory
	if err := s.watcher.Add(s.dir); err != nil {
		return err
	}

	// Initial scan of existing descriptors
	if err := s.scan(); err != nil {
		return err
	}

	// Watch for changes
	for {
		select {
		case <-ctx.Done():
			s.stopAll()
			return ctx.Err()

		case event, ok := <-s.watcher.Events:
			if !ok {
				s.stopAll()
				return nil
			}
			s.handleEvent(event)

		case err, ok := <-s.watcher.Errors:
			if !ok {
				s.stopAll()
				return nil
			}
			slog.Error("watcher error", "error", err)
		}
	}
}

// Services returns the status of every supervised service, sorted by name.
func (s *Supervisor) Services() []ServiceStatus {
	s.mu.RLock()
	list := make([]*supervised, 0, len(s.services))
	since := make(map[*supervised]time.Time, len(s.services))
	for _, svc := range s.services {
		list = append(list, svc)
		since[svc] = svc.since
	}
	s.mu.RUnlock()

	out := make([]ServiceStatus, 0, len(list))
	for _, svc := range list {
		st := ServiceStatus{
			Name:             svc.desc.Name,
			File:             svc.file,
			Policy:           svc.desc.Policy,
			InterfaceVersion: svc.desc.InterfaceVersion,
			State:            svc.m.State().String(),
			Connected:        svc.m.Connected(),
			Peer:             svc.m.Peer(),
			Since:            since[svc],
		}
		if st.Policy == "" {
			st.Policy = manager.PolicyBackoff
		}
		st.RestartPending, st.RestartDelay = svc.m.PendingRestart()
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// History returns the recorded events, oldest first.
func (s *Supervisor) History() []Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Event(nil), s.history...)
}

// Subscribe adds an observer to receive supervision events.
func (s *Supervisor) Subscribe(obs Observer) {
	s.observersMu.Lock()
	defer s.observersMu.Unlock()
	s.observers = append(s.observers, obs)
}

// Unsubscribe removes an observer.
func (s *Supervisor) Unsubscribe(obs Observer) {
	s.observersMu.Lock()
	defer s.observersMu.Unlock()
	for i, o := range s.observers {
		if o == obs {
			s.observers = append(s.observers[:i], s.observers[i+1:]...)
			return
		}
	}
}

func (s *Supervisor) record(typ EventType, service string) {
	ev := Event{
		ID:      uuid.NewString(),
		Type:    typ,
		Service: service,
		Time:    s.opts.Clock.Now(),
	}

	s.mu.Lock()
	s.history = append(s.history, ev)
	if over := len(s.history) - s.opts.HistoryLimit; over > 0 {
		s.history = append([]Event(nil), s.history[over:]...)
	}
	s.mu.Unlock()

	s.observersMu.RLock()
	observers := append([]Observer(nil), s.observers...)
	s.observersMu.RUnlock()
	for _, obs := range observers {
		obs.OnEvent(ev)
	}
}

// scan starts managers for all existing descriptor files in the directory.
func (s *Supervisor) scan() error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return err
	}

	for _, entry := range entries {
		if entry.IsDir() || !isDescriptorFile(entry.Name()) {
			continue
		}
		s.start(filepath.Join(s.dir, entry.Name()))
	}
	return nil
}

// handleEvent handles fsnotify events.
func (s *Supervisor) handleEvent(event fsnotify.Event) {
	if !isDescriptorFile(event.Name) {
		return
	}

	switch {
	case event.Has(fsnotify.Create), event.Has(fsnotify.Write):
		s.start(event.Name)

	case event.Has(fsnotify.Remove):
		s.stop(event.Name)

	case event.Has(fsnotify.Rename):
		// Rename shows up as the old name; treat as removal
		s.stop(event.Name)
	}
}

// start starts supervising the service described by file. An already
// running service is restarted if its descriptor changed.
func (s *Supervisor) start(file string) {
	desc, err := LoadDescriptor(file)
	if err != nil {
		slog.Warn("ignoring service descriptor", "file", file, "error", err)
		return
	}

	s.mu.RLock()
	current, exists := s.services[file]
	var clash string
	for path, svc := range s.services {
		if path != file && svc.desc.Name == desc.Name {
			clash = path
		}
	}
	s.mu.RUnlock()

	if clash != "" {
		slog.Warn("service already supervised from another descriptor",
			"name", desc.Name, "file", file, "other", clash)
		return
	}
	if exists {
		if current.desc == desc {
			return
		}
		s.stop(file)
	}

	policy, err := desc.NewPolicy()
	if err != nil {
		slog.Warn("ignoring service descriptor", "file", file, "error", err)
		return
	}

	slog.Info("supervising service",
		"name", desc.Name,
		"file", file,
		"policy", desc.Policy)
	s.record(EventServiceAdded, desc.Name)

	svc := &supervised{desc: desc, file: file, since: s.opts.Clock.Now()}
	svc.m = manager.New(s.conn, desc.Name, manager.Options{
		InterfaceVersion: desc.InterfaceVersion,
		Policy:           policy,
		RestartDisabled:  s.opts.RestartDisabled,
		Clock:            s.opts.Clock,
		Observers:        []manager.ConnectionObserver{&relay{s: s, svc: svc}},
		Calls:            logging.NewCallLogger(nil, desc.Name),
	})

	s.mu.Lock()
	s.services[file] = svc
	s.mu.Unlock()
}

// stop stops supervising the service described by file.
func (s *Supervisor) stop(file string) {
	s.mu.Lock()
	svc, exists := s.services[file]
	if exists {
		delete(s.services, file)
	}
	s.mu.Unlock()

	if !exists {
		return
	}
	svc.m.Close()
	slog.Info("stopped supervising service", "name", svc.desc.Name, "file", file)
	s.record(EventServiceRemoved, svc.desc.Name)
}

// stopAll stops all managers.
func (s *Supervisor) stopAll() {
	s.mu.RLock()
	files := make([]string, 0, len(s.services))
	for file := range s.services {
		files = append(files, file)
	}
	s.mu.RUnlock()

	for _, file := range files {
		s.stop(file)
	}
}

// relay turns manager connection changes into supervision events.
type relay struct {
	s   *Supervisor
	svc *supervised
}

func (r *relay) OnConnectionChange(name string, connected bool) {
	r.s.mu.Lock()
	r.svc.since = r.s.opts.Clock.Now()
	r.s.mu.Unlock()

	if connected {
		r.s.record(EventConnected, name)
	} else {
		r.s.record(EventDisconnected, name)
	}
}
