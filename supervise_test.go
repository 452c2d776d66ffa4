package main

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/nikicat/busvisor/internal/api"
	"github.com/nikicat/busvisor/internal/bus"
	"github.com/nikicat/busvisor/internal/cli"
	"github.com/nikicat/busvisor/internal/daemon"
	"github.com/nikicat/busvisor/internal/endpoint"
	"github.com/nikicat/busvisor/internal/supervisor"
)

// startDBusDaemon starts a dbus-daemon on the given socket path.
func startDBusDaemon(t *testing.T, socketPath string) string {
	t.Helper()

	if _, err := exec.LookPath("dbus-daemon"); err != nil {
		t.Skip("dbus-daemon not installed")
	}

	addr := "unix:path=" + socketPath

	cmd := exec.Command("dbus-daemon",
		"--session",
		"--nofork",
		"--address="+addr,
	)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		t.Fatalf("start dbus-daemon: %v", err)
	}
	t.Cleanup(func() {
		cmd.Process.Kill()
		cmd.Wait()
	})

	// Wait for socket to be created
	for i := 0; i < 50; i++ {
		if _, err := os.Stat(socketPath); err == nil {
			return addr
		}
		time.Sleep(100 * time.Millisecond)
	}

	t.Fatalf("dbus-daemon socket not created: %s", socketPath)
	return ""
}

func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(50 * time.Millisecond)
	}
}

func TestSuperviseEndToEnd(t *testing.T) {
	tmpDir := t.TempDir()
	addr := startDBusDaemon(t, filepath.Join(tmpDir, "bus.sock"))
	const name = "org.busvisor.EndToEnd"

	// The service under supervision.
	svcCtx, stopService := context.WithCancel(context.Background())
	svcDone := make(chan error, 1)
	go func() {
		svcDone <- daemon.Run(svcCtx, daemon.Config{
			BusAddress: addr,
			Name:       name,
			Endpoint:   endpoint.Options{InterfaceVersion: 2, AllowNoWatchers: true},
		})
	}()
	defer stopService()

	// The supervisor with its status API.
	servicesDir := filepath.Join(tmpDir, "services.d")
	if err := os.MkdirAll(servicesDir, 0o755); err != nil {
		t.Fatal(err)
	}
	descriptor := "name: " + name + "\ninterface_version: 2\n"
	if err := os.WriteFile(filepath.Join(servicesDir, "e2e.yaml"), []byte(descriptor), 0o644); err != nil {
		t.Fatal(err)
	}

	conn, err := bus.Dial(addr)
	if err != nil {
		t.Fatalf("dial bus: %v", err)
	}
	defer conn.Close()

	// Restarts are off, so the service must be up before the first attempt.
	waitUntil(t, "service owns its name", func() bool {
		owner, err := conn.NameOwner(context.Background(), name)
		return err == nil && owner != ""
	})

	sup, err := supervisor.New(conn, servicesDir, supervisor.Options{RestartDisabled: true})
	if err != nil {
		t.Fatalf("supervisor.New: %v", err)
	}
	socketPath := filepath.Join(tmpDir, "api.sock")
	apiServer, err := api.NewServer(socketPath, sup)
	if err != nil {
		t.Fatalf("api.NewServer: %v", err)
	}
	apiServer.Start()
	defer apiServer.Shutdown(context.Background())

	ctx, cancel := context.WithCancel(context.Background())
	supDone := make(chan struct{})
	go func() {
		sup.Run(ctx)
		close(supDone)
	}()
	defer func() {
		cancel()
		<-supDone
	}()

	client := cli.NewClient(socketPath)
	waitUntil(t, "service connected", func() bool {
		services, err := client.Status()
		return err == nil && len(services) == 1 && services[0].Connected
	})

	// Stopping the service is seen as a disconnect.
	stopService()
	select {
	case err := <-svcDone:
		if err != nil {
			t.Errorf("service Run() = %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("service did not stop")
	}

	waitUntil(t, "service disconnected", func() bool {
		services, err := client.Status()
		return err == nil && len(services) == 1 && !services[0].Connected
	})

	events, err := client.History(0)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	var types []string
	for _, ev := range events {
		types = append(types, ev.Type)
	}
	want := []string{"service_added", "connected", "disconnected"}
	if len(types) != len(want) {
		t.Fatalf("history = %v, want %v", types, want)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Errorf("history = %v, want %v", types, want)
			break
		}
	}
}
