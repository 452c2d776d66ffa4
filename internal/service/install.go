// Package service installs D-Bus activation for busvisor endpoints: a
// session bus service file and the systemd user unit it points to.
package service

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

const activationTemplate = `[D-BUS Service]
Name=%s
Exec=/bin/false
SystemdService=%s
`

const unitTemplate = `[Unit]
Description=busvisor endpoint for %s
Documentation=https://github.com/nikicat/busvisor

[Service]
Type=dbus
BusName=%s
ExecStart=%s
`

// Options configures service installation.
type Options struct {
	// Name is the well-known bus name the endpoint owns.
	Name string
	// ConfigPath, if set, adds --config <path> to ExecStart.
	ConfigPath string
	// InterfaceVersion, if non-zero, adds --interface-version to ExecStart.
	InterfaceVersion uint32
}

// UnitName returns the systemd unit name for a bus name.
func UnitName(name string) string {
	return "busvisor-" + name + ".service"
}

func validName(name string) error {
	if name == "" {
		return errors.New("missing bus name")
	}
	if strings.ContainsAny(name, "/ \t\n") || strings.HasPrefix(name, ".") {
		return fmt.Errorf("invalid bus name %q", name)
	}
	return nil
}

// unitDir returns $XDG_CONFIG_HOME/systemd/user, falling back to
// ~/.config/systemd/user.
func unitDir() (string, error) {
	configHome := os.Getenv("XDG_CONFIG_HOME")
	if configHome == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("get home dir: %w", err)
		}
		configHome = filepath.Join(home, ".config")
	}
	return filepath.Join(configHome, "systemd", "user"), nil
}

// activationDir returns $XDG_DATA_HOME/dbus-1/services, falling back to
// ~/.local/share/dbus-1/services.
func activationDir() (string, error) {
	dataHome := os.Getenv("XDG_DATA_HOME")
	if dataHome == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("get home dir: %w", err)
		}
		dataHome = filepath.Join(home, ".local", "share")
	}
	return filepath.Join(dataHome, "dbus-1", "services"), nil
}

// Paths returns where the unit file and the activation file for name are
// (or would be) installed.
func Paths(name string) (unitPath, activationPath string, err error) {
	udir, err := unitDir()
	if err != nil {
		return "", "", err
	}
	adir, err := activationDir()
	if err != nil {
		return "", "", err
	}
	return filepath.Join(udir, UnitName(name)), filepath.Join(adir, name+".service"), nil
}

// Install writes the unit and activation files and reloads systemd. The
// endpoint then starts on the first call to its bus name.
func Install(opts Options) error {
	if err := validName(opts.Name); err != nil {
		return err
	}

	self, err := executableFunc()
	if err != nil {
		return fmt.Errorf("find executable: %w", err)
	}

	execStart := self + " serve --name " + opts.Name
	if opts.InterfaceVersion != 0 {
		execStart += fmt.Sprintf(" --interface-version %d", opts.InterfaceVersion)
	}
	if opts.ConfigPath != "" {
		execStart += " --config " + opts.ConfigPath
	}

	unitPath, activationPath, err := Paths(opts.Name)
	if err != nil {
		return err
	}
	unit := UnitName(opts.Name)

	if err := writeFile(unitPath, fmt.Sprintf(unitTemplate, opts.Name, opts.Name, execStart)); err != nil {
		return fmt.Errorf("write unit file: %w", err)
	}
	fmt.Printf("Wrote unit file: %s\n", unitPath)

	if err := writeFile(activationPath, fmt.Sprintf(activationTemplate, opts.Name, unit)); err != nil {
		return fmt.Errorf("write activation file: %w", err)
	}
	fmt.Printf("Wrote activation file: %s\n", activationPath)

	return systemctlFunc("daemon-reload")
}

func writeFile(path, content string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(content), 0644)
}

// Uninstall stops the unit, removes both files and reloads systemd.
func Uninstall(name string) error {
	if err := validName(name); err != nil {
		return err
	}

	// May not be running.
	_ = systemctlFunc("stop", UnitName(name))

	unitPath, activationPath, err := Paths(name)
	if err != nil {
		return err
	}
	for _, path := range []string{activationPath, unitPath} {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove %s: %w", path, err)
		}
		fmt.Printf("Removed %s\n", path)
	}

	return systemctlFunc("daemon-reload")
}

// Status runs systemctl --user status for the unit, printing output directly.
func Status(name string) error {
	if err := validName(name); err != nil {
		return err
	}
	cmd := exec.Command("systemctl", "--user", "status", UnitName(name))
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	// Exits non-zero when inactive.
	cmd.Run()
	return nil
}

// Replaced in tests.
var (
	systemctlFunc  = systemctlExec
	executableFunc = executable
)

func executable() (string, error) {
	self, err := os.Executable()
	if err != nil {
		return "", err
	}
	return filepath.EvalSymlinks(self)
}

func systemctlExec(args ...string) error {
	fullArgs := append([]string{"--user"}, args...)
	cmd := exec.Command("systemctl", fullArgs...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("systemctl %s: %w", args[0], err)
	}
	return nil
}
