// busvisor runs and supervises D-Bus services that speak the indicator
// service protocol.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nikicat/busvisor/internal/api"
	"github.com/nikicat/busvisor/internal/bus"
	"github.com/nikicat/busvisor/internal/cli"
	"github.com/nikicat/busvisor/internal/config"
	"github.com/nikicat/busvisor/internal/daemon"
	"github.com/nikicat/busvisor/internal/endpoint"
	"github.com/nikicat/busvisor/internal/logging"
	"github.com/nikicat/busvisor/internal/manager"
	"github.com/nikicat/busvisor/internal/notification"
	"github.com/nikicat/busvisor/internal/service"
	"github.com/nikicat/busvisor/internal/supervisor"
)

const defaultHistoryLimit = 100

var progName = filepath.Base(os.Args[0])

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		runServe(os.Args[2:])
	case "watch":
		runWatch(os.Args[2:])
	case "supervise":
		runSupervise(os.Args[2:])
	case "status":
		runCLI("status", os.Args[2:])
	case "history":
		runCLI("history", os.Args[2:])
	case "service":
		runService(os.Args[2:])
	case "-h", "--help", "help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage: %s <command> [options]

Commands:
  serve         Own a bus name and answer Watch/UnWatch/Shutdown
  watch         Keep one service running and report its connection state
  supervise     Keep every service in the services directory running
  status        Show supervised services
  history       Show supervision events
  service       Install D-Bus activation for an endpoint

Run '%s <command> -h' for command-specific help.
`, progName, progName)
}

// commonFlags are accepted by every long-running command.
type commonFlags struct {
	configPath *string
	logLevel   *string
	logFormat  *string
	busAddress *string
}

func addCommonFlags(fs *flag.FlagSet) commonFlags {
	return commonFlags{
		configPath: fs.String("config", "", "Path to config file (default: $XDG_CONFIG_HOME/busvisor/config.yaml)"),
		logLevel:   fs.String("log-level", "info", "Log level: debug, info, warn, error"),
		logFormat:  fs.String("log-format", "text", "Log format: text (colored) or json"),
		busAddress: fs.String("bus-address", "", "D-Bus address (default: session bus)"),
	}
}

// load reads the config file, applies it to the common flags that were not
// set explicitly and installs the log handler.
func (c commonFlags) load(fs *flag.FlagSet) (*config.Config, map[string]bool) {
	cfg, err := loadConfig(*c.configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	set := setFlags(fs)
	if !set["log-level"] && cfg.LogLevel != "" {
		*c.logLevel = cfg.LogLevel
	}
	if !set["log-format"] && cfg.LogFormat != "" {
		*c.logFormat = cfg.LogFormat
	}
	if !set["bus-address"] && cfg.BusAddress != "" {
		*c.busAddress = cfg.BusAddress
	}
	logging.Setup(*c.logFormat, *c.logLevel)
	return cfg, set
}

func runServe(args []string) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	common := addCommonFlags(fs)
	name := fs.String("name", "", "Well-known bus name to own")
	ifaceVersion := fs.Uint("interface-version", 0, "Interface version reported to watchers")
	timeout := fs.Duration("timeout", 0, "Idle shutdown timeout (default: 500ms)")
	replace := fs.Bool("replace", false, "Take the name over from a running instance")
	allowNoWatchers := fs.Bool("allow-no-watchers", false, "Keep running when nobody watches")
	fs.Parse(args)

	cfg, set := common.load(fs)
	if !set["name"] && cfg.Serve.Name != "" {
		*name = cfg.Serve.Name
	}
	if !set["interface-version"] && cfg.Serve.InterfaceVersion != 0 {
		*ifaceVersion = uint(cfg.Serve.InterfaceVersion)
	}
	if !set["timeout"] && cfg.Serve.Timeout != 0 {
		*timeout = time.Duration(cfg.Serve.Timeout)
	}
	if !set["replace"] && cfg.Serve.Replace != nil {
		*replace = *cfg.Serve.Replace
	}
	if !set["allow-no-watchers"] && cfg.Serve.AllowNoWatchers != nil {
		*allowNoWatchers = *cfg.Serve.AllowNoWatchers
	}

	// The environment wins over the file, explicit flags win over both.
	knobs := config.LoadKnobs()
	if !set["timeout"] && knobs.ShutdownTimeout != 0 {
		*timeout = knobs.ShutdownTimeout
	}
	if !set["replace"] && knobs.ReplaceMode {
		*replace = true
	}
	if !set["allow-no-watchers"] && knobs.AllowNoWatchers {
		*allowNoWatchers = true
	}

	if *name == "" {
		fmt.Fprintln(os.Stderr, "error: --name is required")
		fs.Usage()
		os.Exit(1)
	}

	ctx, cancel := signalContext()
	defer cancel()

	err := daemon.Run(ctx, daemon.Config{
		BusAddress: *common.busAddress,
		Name:       *name,
		Endpoint: endpoint.Options{
			InterfaceVersion: uint32(*ifaceVersion),
			Timeout:          *timeout,
			ReplaceMode:      *replace,
			AllowNoWatchers:  *allowNoWatchers,
		},
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func runWatch(args []string) {
	fs := flag.NewFlagSet("watch", flag.ExitOnError)
	common := addCommonFlags(fs)
	name := fs.String("name", "", "Well-known bus name of the service")
	ifaceVersion := fs.Uint("interface-version", 0, "Interface version the service must report")
	policyName := fs.String("policy", manager.PolicyBackoff, "Restart policy: backoff or crash-guard")
	littleWhile := fs.Uint("little-while", 0, "Backoff restart count after a version mismatch (default: 5)")
	crashThreshold := fs.Duration("crash-threshold", 0, "Minimum time between crash-guard restarts (default: 1s)")
	fs.Parse(args)
	common.load(fs)

	if *name == "" {
		fmt.Fprintln(os.Stderr, "error: --name is required")
		fs.Usage()
		os.Exit(1)
	}
	policy, err := manager.ParsePolicy(*policyName, *littleWhile, *crashThreshold)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := signalContext()
	defer cancel()

	err = daemon.Watch(ctx, daemon.WatchConfig{
		BusAddress: *common.busAddress,
		Name:       *name,
		Manager: manager.Options{
			InterfaceVersion: uint32(*ifaceVersion),
			Policy:           policy,
			RestartDisabled:  config.LoadKnobs().RestartDisabled,
		},
	}, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func runSupervise(args []string) {
	fs := flag.NewFlagSet("supervise", flag.ExitOnError)
	common := addCommonFlags(fs)
	servicesDir := fs.String("services-dir", "", "Directory of service descriptors (default: $XDG_CONFIG_HOME/busvisor/services.d)")
	socketPath := fs.String("socket", "", "Status API socket (default: $XDG_RUNTIME_DIR/busvisor/api.sock)")
	historyLimit := fs.Int("history-limit", defaultHistoryLimit, "Maximum number of events to keep in history")
	notifications := fs.Bool("notifications", true, "Show a desktop notification when a service goes down")
	fs.Parse(args)

	cfg, set := common.load(fs)
	if !set["services-dir"] && cfg.Supervise.ServicesDir != "" {
		*servicesDir = cfg.Supervise.ServicesDir
	}
	if !set["socket"] && cfg.Supervise.Socket != "" {
		*socketPath = cfg.Supervise.Socket
	}
	if !set["history-limit"] && cfg.Supervise.HistoryLimit != 0 {
		*historyLimit = cfg.Supervise.HistoryLimit
	}
	if !set["notifications"] && cfg.Supervise.Notifications != nil {
		*notifications = *cfg.Supervise.Notifications
	}
	if *servicesDir == "" {
		*servicesDir = config.DefaultServicesDir()
	}
	if *socketPath == "" {
		*socketPath = config.DefaultSocketPath()
	}

	conn, err := bus.Dial(*common.busAddress)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	defer conn.Close()

	sup, err := supervisor.New(conn, *servicesDir, supervisor.Options{
		HistoryLimit:    *historyLimit,
		RestartDisabled: config.LoadKnobs().RestartDisabled,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "error creating supervisor: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := signalContext()
	defer cancel()

	if *notifications {
		notifier, err := notification.NewDBusNotifier()
		if err != nil {
			slog.Warn("failed to create desktop notifier, notifications disabled", "error", err)
		} else {
			defer notifier.Stop()
			handler := notification.NewHandler(notifier)
			sup.Subscribe(handler)
			go handler.ListenActions(ctx, notifier.Actions())
			slog.Debug("desktop notifications enabled")
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := sup.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("supervisor: %w", err)
		}
		return nil
	})

	if *socketPath == "" {
		slog.Warn("XDG_RUNTIME_DIR is not set; status API disabled")
	} else {
		apiServer, err := api.NewServer(*socketPath, sup)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error creating API server: %v\n", err)
			os.Exit(1)
		}
		g.Go(func() error {
			if err := apiServer.Start(); err != nil {
				return err
			}
			slog.Info("API server started", "socket", apiServer.Addr())
			<-gctx.Done()

			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutdownCancel()
			return apiServer.Shutdown(shutdownCtx)
		})
	}

	slog.Info("supervising services", "services_dir", *servicesDir)
	if err := g.Wait(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func runCLI(cmd string, args []string) {
	fs := flag.NewFlagSet(cmd, flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file (default: $XDG_CONFIG_HOME/busvisor/config.yaml)")
	socketPath := fs.String("socket", "", "Status API socket (default: $XDG_RUNTIME_DIR/busvisor/api.sock)")
	jsonOutput := fs.Bool("json", false, "Output as JSON")
	var follow *bool
	var limit *int
	switch cmd {
	case "status":
		follow = fs.Bool("follow", false, "Keep running and print events as they happen")
	case "history":
		limit = fs.Int("limit", 0, "Show only the newest N events")
	}
	fs.Parse(args)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	set := setFlags(fs)
	if !set["socket"] && cfg.Supervise.Socket != "" {
		*socketPath = cfg.Supervise.Socket
	}
	if *socketPath == "" {
		*socketPath = config.DefaultSocketPath()
	}
	if *socketPath == "" {
		fmt.Fprintln(os.Stderr, "error: XDG_RUNTIME_DIR is not set; pass --socket")
		os.Exit(1)
	}
	if _, err := os.Stat(*socketPath); err != nil {
		fmt.Fprintf(os.Stderr, "error: %s supervise is not running (no socket at %s)\n", progName, *socketPath)
		os.Exit(1)
	}

	client := cli.NewClient(*socketPath)
	formatter := cli.NewFormatter(os.Stdout, *jsonOutput)

	switch cmd {
	case "status":
		if *follow {
			ctx, cancel := signalContext()
			defer cancel()
			err := client.Follow(ctx, formatter.FormatMessage)
			if err != nil && !errors.Is(err, context.Canceled) {
				fmt.Fprintf(os.Stderr, "error: %v\n", err)
				os.Exit(1)
			}
			return
		}
		services, err := client.Status()
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		formatter.FormatServices(services)

	case "history":
		events, err := client.History(*limit)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		formatter.FormatHistory(events)
	}
}

// runService handles the "service" subcommand group (install/uninstall/status).
func runService(args []string) {
	if len(args) == 0 {
		printServiceUsage()
		os.Exit(1)
	}

	switch args[0] {
	case "install":
		runServiceInstall(args[1:])
	case "uninstall", "status":
		fs := flag.NewFlagSet("service "+args[0], flag.ExitOnError)
		name := fs.String("name", "", "Well-known bus name of the endpoint")
		fs.Parse(args[1:])

		var err error
		if args[0] == "uninstall" {
			err = service.Uninstall(*name)
		} else {
			err = service.Status(*name)
		}
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
	case "-h", "--help", "help":
		printServiceUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown service command: %s\n\n", args[0])
		printServiceUsage()
		os.Exit(1)
	}
}

func runServiceInstall(args []string) {
	fs := flag.NewFlagSet("service install", flag.ExitOnError)
	name := fs.String("name", "", "Well-known bus name of the endpoint")
	ifaceVersion := fs.Uint("interface-version", 0, "Interface version to pass to serve")
	configPath := fs.String("config", "", "Config file path to embed in the unit file")
	fs.Parse(args)

	if err := service.Install(service.Options{
		Name:             *name,
		ConfigPath:       *configPath,
		InterfaceVersion: uint32(*ifaceVersion),
	}); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func printServiceUsage() {
	fmt.Fprintf(os.Stderr, `Usage: %s service <command> --name <bus name> [options]

Commands:
  install       Write the D-Bus activation file and systemd user unit
  uninstall     Stop the unit and remove both files
  status        Show the unit status

Install options:
  --interface-version  Interface version passed to serve
  --config             Config file path to embed in the unit file's ExecStart
`, progName)
}

// signalContext returns a context cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-sigCh:
			slog.Info("received signal, shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigCh)
	}()
	return ctx, cancel
}

// loadConfig loads a config file. An explicit path that doesn't exist is an error.
// A missing default path is silently ignored (returns empty config).
func loadConfig(explicitPath string) (*config.Config, error) {
	if explicitPath != "" {
		if _, statErr := os.Stat(explicitPath); statErr != nil {
			return nil, fmt.Errorf("config file not found: %s", explicitPath)
		}
		cfg, err := config.Load(explicitPath)
		if err != nil {
			return nil, fmt.Errorf("load config %s: %w", explicitPath, err)
		}
		return cfg, nil
	}

	defaultPath := config.DefaultPath()
	if defaultPath == "" {
		return &config.Config{}, nil
	}
	cfg, err := config.Load(defaultPath)
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", defaultPath, err)
	}
	return cfg, nil
}

// setFlags returns the set of flag names that were explicitly provided on the command line.
func setFlags(fs *flag.FlagSet) map[string]bool {
	m := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { m[f.Name] = true })
	return m
}
