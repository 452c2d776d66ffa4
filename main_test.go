package main

import (
	"flag"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoadConfig(t *testing.T) {
	t.Run("explicit path missing", func(t *testing.T) {
		_, err := loadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
		if err == nil || !strings.Contains(err.Error(), "config file not found") {
			t.Errorf("loadConfig() error = %v", err)
		}
	})

	t.Run("explicit path", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "config.yaml")
		os.WriteFile(path, []byte("log_level: debug\nserve:\n  name: org.test.X\n"), 0o644)
		cfg, err := loadConfig(path)
		if err != nil {
			t.Fatalf("loadConfig: %v", err)
		}
		if cfg.LogLevel != "debug" || cfg.Serve.Name != "org.test.X" {
			t.Errorf("unexpected config: %+v", cfg)
		}
	})

	t.Run("default path missing", func(t *testing.T) {
		t.Setenv("XDG_CONFIG_HOME", t.TempDir())
		cfg, err := loadConfig("")
		if err != nil {
			t.Fatalf("loadConfig: %v", err)
		}
		if cfg.LogLevel != "" {
			t.Errorf("expected empty config, got %+v", cfg)
		}
	})
}

func TestSetFlags(t *testing.T) {
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	fs.String("name", "", "")
	fs.Bool("replace", false, "")
	fs.Duration("timeout", 0, "")
	if err := fs.Parse([]string{"--name", "org.test.X", "--replace=false"}); err != nil {
		t.Fatal(err)
	}

	set := setFlags(fs)
	if !set["name"] || !set["replace"] {
		t.Errorf("explicit flags not reported: %v", set)
	}
	if set["timeout"] {
		t.Error("timeout reported as set")
	}
}

func TestCommonFlagsLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	os.WriteFile(path, []byte("log_level: warn\nlog_format: json\nbus_address: unix:path=/tmp/x\n"), 0o644)

	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	common := addCommonFlags(fs)
	if err := fs.Parse([]string{"--config", path, "--log-level", "error"}); err != nil {
		t.Fatal(err)
	}
	common.load(fs)

	if *common.logLevel != "error" {
		t.Errorf("log level = %q, explicit flag should win", *common.logLevel)
	}
	if *common.logFormat != "json" {
		t.Errorf("log format = %q, want json from config", *common.logFormat)
	}
	if *common.busAddress != "unix:path=/tmp/x" {
		t.Errorf("bus address = %q", *common.busAddress)
	}
}
