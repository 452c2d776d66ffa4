package supervisor

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/nikicat/busvisor/internal/config"
	"github.com/nikicat/busvisor/internal/manager"
)

// Descriptor describes one supervised service. It is read from a YAML file
// in the services directory.
type Descriptor struct {
	Name             string          `yaml:"name"`
	InterfaceVersion uint32          `yaml:"interface_version"`
	Policy           string          `yaml:"policy"`
	LittleWhile      uint            `yaml:"little_while"`
	CrashThreshold   config.Duration `yaml:"crash_threshold"`
}

// NewPolicy builds a fresh restart policy for the descriptor.
func (d Descriptor) NewPolicy() (manager.RestartPolicy, error) {
	return manager.ParsePolicy(d.Policy, d.LittleWhile, time.Duration(d.CrashThreshold))
}

// LoadDescriptor reads and validates a descriptor file.
func LoadDescriptor(path string) (Descriptor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Descriptor{}, err
	}

	var d Descriptor
	if err := yaml.Unmarshal(data, &d); err != nil {
		return Descriptor{}, fmt.Errorf("parsing descriptor %s: %w", path, err)
	}
	if d.Name == "" {
		return Descriptor{}, fmt.Errorf("descriptor %s: %w", path, errNoName)
	}
	if _, err := d.NewPolicy(); err != nil {
		return Descriptor{}, fmt.Errorf("descriptor %s: %w", path, err)
	}
	return d, nil
}

var errNoName = errors.New("missing service name")

// isDescriptorFile checks if a filename looks like a descriptor.
func isDescriptorFile(name string) bool {
	base := filepath.Base(name)
	if strings.HasPrefix(base, ".") {
		return false
	}
	return strings.HasSuffix(base, ".yaml") || strings.HasSuffix(base, ".yml")
}
