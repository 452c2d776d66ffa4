package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration with YAML unmarshalling for human-readable strings.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// ServeConfig holds serve-subcommand settings.
type ServeConfig struct {
	Name             string   `yaml:"name"`
	InterfaceVersion uint32   `yaml:"interface_version"`
	Timeout          Duration `yaml:"timeout"`
	Replace          *bool    `yaml:"replace"`
	AllowNoWatchers  *bool    `yaml:"allow_no_watchers"`
}

// SuperviseConfig holds supervise-subcommand settings.
type SuperviseConfig struct {
	ServicesDir   string `yaml:"services_dir"`
	Socket        string `yaml:"socket"`
	HistoryLimit  int    `yaml:"history_limit"`
	Notifications *bool  `yaml:"notifications"`
}

// Config is the top-level configuration file structure.
type Config struct {
	LogLevel   string          `yaml:"log_level"`
	LogFormat  string          `yaml:"log_format"`
	BusAddress string          `yaml:"bus_address"`
	Serve      ServeConfig     `yaml:"serve"`
	Supervise  SuperviseConfig `yaml:"supervise"`
}

// DefaultPath returns the default config file path using XDG_CONFIG_HOME.
func DefaultPath() string {
	configHome := os.Getenv("XDG_CONFIG_HOME")
	if configHome == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return ""
		}
		configHome = filepath.Join(home, ".config")
	}
	return filepath.Join(configHome, "busvisor", "config.yaml")
}

// DefaultServicesDir returns the directory the supervisor watches for
// service descriptors.
func DefaultServicesDir() string {
	return filepath.Join(filepath.Dir(DefaultPath()), "services.d")
}

// DefaultSocketPath returns the status API socket path under XDG_RUNTIME_DIR,
// or "" if it is not set.
func DefaultSocketPath() string {
	runtimeDir := os.Getenv("XDG_RUNTIME_DIR")
	if runtimeDir == "" {
		return ""
	}
	return filepath.Join(runtimeDir, "busvisor", "api.sock")
}

// Load reads and parses a YAML config file. If the file does not exist,
// it returns an empty Config and a nil error.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Config{}, nil
		}
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	return &cfg, nil
}
