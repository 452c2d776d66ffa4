package supervisor

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	testingclock "k8s.io/utils/clock/testing"

	"github.com/nikicat/busvisor/internal/bus/bustest"
	"github.com/nikicat/busvisor/internal/endpoint"
)

type eventRecorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *eventRecorder) OnEvent(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *eventRecorder) types(service string) []EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []EventType
	for _, ev := range r.events {
		if ev.Service == service {
			out = append(out, ev.Type)
		}
	}
	return out
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func writeDescriptor(t *testing.T, dir, file, body string) string {
	t.Helper()
	path := filepath.Join(dir, file)
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write descriptor: %v", err)
	}
	return path
}

func startService(t *testing.T, broker *bustest.Broker, name string, iface uint32) *endpoint.Endpoint {
	t.Helper()
	conn := broker.Connect()
	ep, err := endpoint.New(conn, name, endpoint.Options{
		InterfaceVersion: iface,
		AllowNoWatchers:  true,
		Clock:            testingclock.NewFakeClock(time.Now()),
	})
	if err != nil {
		t.Fatalf("endpoint.New: %v", err)
	}
	t.Cleanup(func() {
		ep.Close()
		conn.Close()
	})
	waitFor(t, name+" owned", ep.Owned)
	return ep
}

func runSupervisor(t *testing.T, broker *bustest.Broker, dir string, opts Options) (*Supervisor, *eventRecorder) {
	t.Helper()
	s, err := New(broker.Connect(), dir, opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	rec := &eventRecorder{}
	s.Subscribe(rec)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return s, rec
}

func TestSupervisorPicksUpExistingDescriptors(t *testing.T) {
	broker := bustest.NewBroker()
	startService(t, broker, "org.test.One", 2)

	dir := t.TempDir()
	writeDescriptor(t, dir, "one.yaml", "name: org.test.One\ninterface_version: 2\n")
	writeDescriptor(t, dir, "notes.txt", "name: org.test.Ignored\n")

	s, rec := runSupervisor(t, broker, dir, Options{})

	waitFor(t, "connected event", func() bool {
		return len(rec.types("org.test.One")) == 2
	})
	if diff := cmp.Diff([]EventType{EventServiceAdded, EventConnected}, rec.types("org.test.One")); diff != "" {
		t.Errorf("events (-want +got):\n%s", diff)
	}

	services := s.Services()
	if len(services) != 1 {
		t.Fatalf("Services() = %+v, want one entry", services)
	}
	st := services[0]
	if st.Name != "org.test.One" || !st.Connected || st.State != "connected" || st.Policy != "backoff" {
		t.Errorf("unexpected status %+v", st)
	}
	if st.Peer == "" {
		t.Error("status has no peer")
	}
}

func TestSupervisorFollowsDirectoryChanges(t *testing.T) {
	broker := bustest.NewBroker()
	svc := startService(t, broker, "org.test.Two", 0)

	dir := t.TempDir()
	s, rec := runSupervisor(t, broker, dir, Options{})

	// Whether the scan or the watcher sees the file first, it is picked up once.
	path := writeDescriptor(t, dir, "two.yaml", "name: org.test.Two\npolicy: crash-guard\ncrash_threshold: 2s\n")
	waitFor(t, "service connected", func() bool {
		st := s.Services()
		return len(st) == 1 && st[0].Connected
	})
	if got := s.Services()[0].Policy; got != "crash-guard" {
		t.Errorf("policy = %q, want crash-guard", got)
	}
	waitFor(t, "service watched", func() bool { return len(svc.Watchers()) == 1 })

	if err := os.Remove(path); err != nil {
		t.Fatalf("remove descriptor: %v", err)
	}
	waitFor(t, "service dropped", func() bool { return len(s.Services()) == 0 })
	waitFor(t, "service unwatched", func() bool { return len(svc.Watchers()) == 0 })

	want := []EventType{EventServiceAdded, EventConnected, EventDisconnected, EventServiceRemoved}
	if diff := cmp.Diff(want, rec.types("org.test.Two")); diff != "" {
		t.Errorf("events (-want +got):\n%s", diff)
	}
}

func TestSupervisorRejectsDuplicateNames(t *testing.T) {
	broker := bustest.NewBroker()
	dir := t.TempDir()
	writeDescriptor(t, dir, "a.yaml", "name: org.test.Dup\n")
	writeDescriptor(t, dir, "b.yaml", "name: org.test.Dup\n")

	s, _ := runSupervisor(t, broker, dir, Options{RestartDisabled: true})
	waitFor(t, "scan", func() bool { return len(s.Services()) > 0 })
	time.Sleep(50 * time.Millisecond)

	services := s.Services()
	if len(services) != 1 {
		t.Fatalf("Services() = %+v, want exactly one", services)
	}
	if !strings.HasSuffix(services[0].File, "a.yaml") {
		t.Errorf("kept %s, want the first descriptor", services[0].File)
	}
}

func TestHistoryLimit(t *testing.T) {
	clk := testingclock.NewFakeClock(time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC))
	s, err := New(bustest.NewBroker().Connect(), t.TempDir(), Options{HistoryLimit: 3, Clock: clk})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	for _, name := range []string{"a", "b", "c", "d", "e"} {
		s.record(EventConnected, name)
	}

	history := s.History()
	var names []string
	ids := make(map[string]bool)
	for _, ev := range history {
		names = append(names, ev.Service)
		ids[ev.ID] = true
		if !ev.Time.Equal(clk.Now()) {
			t.Errorf("event time = %v, want %v", ev.Time, clk.Now())
		}
	}
	if diff := cmp.Diff([]string{"c", "d", "e"}, names); diff != "" {
		t.Errorf("history (-want +got):\n%s", diff)
	}
	if len(ids) != 3 {
		t.Errorf("event IDs are not unique: %v", ids)
	}
}

func TestLoadDescriptor(t *testing.T) {
	dir := t.TempDir()
	tests := []struct {
		name    string
		body    string
		want    Descriptor
		wantErr string
	}{
		{
			name: "full",
			body: "name: org.test.Full\ninterface_version: 4\npolicy: backoff\nlittle_while: 3\n",
			want: Descriptor{Name: "org.test.Full", InterfaceVersion: 4, Policy: "backoff", LittleWhile: 3},
		},
		{
			name:    "missing name",
			body:    "interface_version: 1\n",
			wantErr: "missing service name",
		},
		{
			name:    "unknown policy",
			body:    "name: org.test.X\npolicy: yolo\n",
			wantErr: "unknown restart policy",
		},
		{
			name:    "bad threshold",
			body:    "name: org.test.X\ncrash_threshold: later\n",
			wantErr: "invalid duration",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeDescriptor(t, dir, strings.ReplaceAll(tt.name, " ", "-")+".yaml", tt.body)
			got, err := LoadDescriptor(path)
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("LoadDescriptor() error = %v, want %q", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("LoadDescriptor: %v", err)
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("descriptor (-want +got):\n%s", diff)
			}
		})
	}
}

func TestIsDescriptorFile(t *testing.T) {
	for name, want := range map[string]bool{
		"svc.yaml":        true,
		"svc.yml":         true,
		"/etc/x/svc.yaml": true,
		".svc.yaml":       false,
		"svc.yaml~":       false,
		"svc.json":        false,
	} {
		if got := isDescriptorFile(name); got != want {
			t.Errorf("isDescriptorFile(%q) = %v, want %v", name, got, want)
		}
	}
}
