package daemon_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/godbus/dbus/v5"

	. "github.com/nikicat/busvisor/internal/daemon"
	"github.com/nikicat/busvisor/internal/endpoint"
	"github.com/nikicat/busvisor/internal/manager"
	"github.com/nikicat/busvisor/internal/protocol"
)

// sessionConfigTemplate is a permissive session bus config for integration
// tests. Args: sockPath.
const sessionConfigTemplate = `<?xml version="1.0"?>
<!DOCTYPE busconfig PUBLIC "-//freedesktop//DTD D-BUS Bus Configuration 1.0//EN"
 "http://www.freedesktop.org/standards/dbus/1.0/busconfig.dtd">
<busconfig>
  <type>session</type>
  <listen>unix:path=%s</listen>
  <policy context="default">
    <allow send_destination="*" eavesdrop="true"/>
    <allow eavesdrop="true"/>
    <allow own="*"/>
  </policy>
</busconfig>`

// startDBusDaemon starts a private dbus-daemon and returns its address.
// Uses filesystem sockets (NOT abstract) to avoid cross-test collisions.
func startDBusDaemon(t *testing.T) string {
	t.Helper()

	if _, err := exec.LookPath("dbus-daemon"); err != nil {
		t.Skip("dbus-daemon not installed")
	}

	tmpDir := t.TempDir()
	sockPath := filepath.Join(tmpDir, "test.sock")
	confPath := filepath.Join(tmpDir, "session.conf")

	if err := os.WriteFile(confPath, []byte(fmt.Sprintf(sessionConfigTemplate, sockPath)), 0600); err != nil {
		t.Fatalf("write bus config: %v", err)
	}

	cmd := exec.Command("dbus-daemon", "--config-file="+confPath, "--nofork")
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		t.Fatalf("start dbus-daemon: %v", err)
	}
	t.Cleanup(func() {
		cmd.Process.Kill() //nolint:errcheck
		cmd.Wait()         //nolint:errcheck
	})

	// Wait for socket file to appear (50 * 100ms = 5s max).
	for range 50 {
		if _, err := os.Stat(sockPath); err == nil {
			return "unix:path=" + sockPath
		}
		time.Sleep(100 * time.Millisecond)
	}

	t.Fatal("dbus-daemon socket not created in time")
	return ""
}

// waitForName polls until the bus name is registered or timeout.
func waitForName(t *testing.T, addr, name string) {
	t.Helper()
	for range 50 {
		conn, err := dbus.Connect(addr)
		if err != nil {
			time.Sleep(100 * time.Millisecond)
			continue
		}
		obj := conn.BusObject()
		var owners []string
		if err := obj.Call("org.freedesktop.DBus.ListNames", 0).Store(&owners); err != nil {
			conn.Close()
			time.Sleep(100 * time.Millisecond)
			continue
		}
		conn.Close()
		for _, n := range owners {
			if n == name {
				return
			}
		}
		time.Sleep(100 * time.Millisecond)
	}
	t.Fatalf("bus name %q not registered in time", name)
}

func startRun(ctx context.Context, cfg Config) <-chan error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- Run(ctx, cfg)
	}()
	return errCh
}

func waitRun(t *testing.T, errCh <-chan error) error {
	t.Helper()
	select {
	case err := <-errCh:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return within 5s")
		return nil
	}
}

// TestRun_WatchUnWatchIdle drives a served endpoint with raw D-Bus calls and
// checks that it exits once unwatched.
func TestRun_WatchUnWatchIdle(t *testing.T) {
	addr := startDBusDaemon(t)
	const name = "org.busvisor.Test.Idle"

	errCh := startRun(context.Background(), Config{
		BusAddress: addr,
		Name:       name,
		Endpoint: endpoint.Options{
			InterfaceVersion: 2,
			Timeout:          300 * time.Millisecond,
		},
	})
	waitForName(t, addr, name)

	client, err := dbus.Connect(addr)
	if err != nil {
		t.Fatalf("connect client: %v", err)
	}
	defer client.Close()
	obj := client.Object(name, protocol.ObjectPath)

	var api, iface uint32
	if err := obj.Call(protocol.MethodWatch, 0).Store(&api, &iface); err != nil {
		t.Fatalf("Watch: %v", err)
	}
	if api != protocol.APIVersion || iface != 2 {
		t.Errorf("Watch = (%d, %d), want (%d, 2)", api, iface, protocol.APIVersion)
	}

	// Watched: the endpoint outlives several idle timeouts.
	select {
	case err := <-errCh:
		t.Fatalf("Run returned while watched: %v", err)
	case <-time.After(time.Second):
	}

	if call := obj.Call(protocol.MethodUnWatch, 0); call.Err != nil {
		t.Fatalf("UnWatch: %v", call.Err)
	}
	if err := waitRun(t, errCh); err != nil {
		t.Errorf("Run() after idle returned error: %v", err)
	}
}

// TestRun_ShutdownMethod verifies a Shutdown call stops the service.
func TestRun_ShutdownMethod(t *testing.T) {
	addr := startDBusDaemon(t)
	const name = "org.busvisor.Test.Shutdown"

	errCh := startRun(context.Background(), Config{
		BusAddress: addr,
		Name:       name,
		Endpoint:   endpoint.Options{AllowNoWatchers: true},
	})
	waitForName(t, addr, name)

	client, err := dbus.Connect(addr)
	if err != nil {
		t.Fatalf("connect client: %v", err)
	}
	defer client.Close()

	if call := client.Object(name, protocol.ObjectPath).Call(protocol.MethodShutdown, 0); call.Err != nil {
		t.Fatalf("Shutdown: %v", call.Err)
	}
	if err := waitRun(t, errCh); err != nil {
		t.Errorf("Run() after Shutdown returned error: %v", err)
	}
}

// TestRun_NameAlreadyTaken verifies Run() reports a lost name when the bus
// name is already owned by another connection.
func TestRun_NameAlreadyTaken(t *testing.T) {
	addr := startDBusDaemon(t)
	const name = "org.busvisor.Test.Taken"

	owner, err := dbus.Connect(addr)
	if err != nil {
		t.Fatalf("connect owner: %v", err)
	}
	defer owner.Close()

	reply, err := owner.RequestName(name, dbus.NameFlagDoNotQueue)
	if err != nil {
		t.Fatalf("pre-claim RequestName: %v", err)
	}
	if reply != dbus.RequestNameReplyPrimaryOwner {
		t.Fatalf("expected to become primary owner, got reply=%d", reply)
	}

	err = waitRun(t, startRun(context.Background(), Config{BusAddress: addr, Name: name}))
	if !errors.Is(err, ErrNameLost) {
		t.Fatalf("Run() = %v, want ErrNameLost", err)
	}
	if !errors.Is(err, protocol.ErrNameAcquisition) {
		t.Errorf("Run() = %v, want it to wrap ErrNameAcquisition", err)
	}
}

// TestRun_Introspectable verifies that the introspection XML lists the
// protocol methods.
func TestRun_Introspectable(t *testing.T) {
	addr := startDBusDaemon(t)
	const name = "org.busvisor.Test.Introspect"

	ctx, cancel := context.WithCancel(context.Background())
	errCh := startRun(ctx, Config{
		BusAddress: addr,
		Name:       name,
		Endpoint:   endpoint.Options{AllowNoWatchers: true},
	})
	t.Cleanup(func() {
		cancel()
		<-errCh
	})
	waitForName(t, addr, name)

	client, err := dbus.Connect(addr)
	if err != nil {
		t.Fatalf("connect client: %v", err)
	}
	defer client.Close()

	var xml string
	if err := client.Object(name, protocol.ObjectPath).Call("org.freedesktop.DBus.Introspectable.Introspect", 0).Store(&xml); err != nil {
		t.Fatalf("Introspect: %v", err)
	}
	for _, method := range []string{"Watch", "UnWatch", "Shutdown", protocol.Interface} {
		if !strings.Contains(xml, method) {
			t.Errorf("introspection XML does not mention %s; got:\n%s", method, xml)
		}
	}
}

// TestWatch_FollowsServiceRestarts runs a manager against a real bus while
// the service goes away and comes back.
func TestWatch_FollowsServiceRestarts(t *testing.T) {
	addr := startDBusDaemon(t)
	const name = "org.busvisor.Test.Watch"

	serve := func(ctx context.Context) <-chan error {
		return startRun(ctx, Config{
			BusAddress: addr,
			Name:       name,
			Endpoint:   endpoint.Options{InterfaceVersion: 5, AllowNoWatchers: true},
		})
	}

	svcCtx, stopSvc := context.WithCancel(context.Background())
	svcErr := serve(svcCtx)
	waitForName(t, addr, name)

	watchCtx, stopWatch := context.WithCancel(context.Background())
	changes := make(chan bool, 8)
	watchErr := make(chan error, 1)
	go func() {
		watchErr <- Watch(watchCtx, WatchConfig{
			BusAddress: addr,
			Name:       name,
			Manager:    manager.Options{InterfaceVersion: 5},
		}, changes)
	}()
	t.Cleanup(func() {
		stopWatch()
		<-watchErr
	})

	expect := func(want bool) {
		t.Helper()
		select {
		case got := <-changes:
			if got != want {
				t.Fatalf("connection change = %v, want %v", got, want)
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("no connection change %v", want)
		}
	}

	expect(true)

	stopSvc()
	waitRun(t, svcErr)
	expect(false)

	ctx2, stop2 := context.WithCancel(context.Background())
	svcErr2 := serve(ctx2)
	t.Cleanup(func() {
		stop2()
		<-svcErr2
	})
	expect(true)
}
