// Package manifest implements the plugin manifest watcher of spec §4.?
// (C18): YAML plugin manifests are parsed, integrity-checked, and
// hot-swapped as files under the manifest directory change.
//
// Grounded on internal/vcs/watcher.go's fsnotify-driven run loop (the
// stopCh/doneCh shutdown handshake and events/errors select are kept),
// generalized from watching one file (.git/HEAD) for a single boolean
// condition (branch changed) to watching a directory of manifest files
// and debouncing bursts of filesystem events per path before each is
// reconciled against the currently loaded manifest set.
package manifest

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// Manifest describes one plugin to load, as parsed from a YAML file
// under the plugin manifest directory.
type Manifest struct {
	ID         string            `yaml:"id"`
	Type       string            `yaml:"type"` // "wasm"|"subprocess"
	Path       string            `yaml:"path,omitempty"`
	Command    []string          `yaml:"command,omitempty"`
	Env        map[string]string `yaml:"env,omitempty"`
	SHA256     string            `yaml:"sha256,omitempty"`
	Config     map[string]string `yaml:"config,omitempty"`
	Connectors []string          `yaml:"connectors,omitempty"`
	Disabled   bool              `yaml:"disabled,omitempty"`
}

const (
	TypeWASM       = "wasm"
	TypeSubprocess = "subprocess"
)

// Parse decodes one YAML manifest document.
func Parse(data []byte) (Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return Manifest{}, fmt.Errorf("manifest: parse: %w", err)
	}
	return m, nil
}

// Validate checks the manifest carries enough information to load,
// without touching the filesystem (integrity verification is separate,
// see VerifyIntegrity).
func (m Manifest) Validate() error {
	if m.ID == "" {
		return fmt.Errorf("manifest: missing id")
	}
	switch m.Type {
	case TypeWASM:
		if m.Path == "" {
			return fmt.Errorf("manifest %s: wasm plugin requires path", m.ID)
		}
	case TypeSubprocess:
		if len(m.Command) == 0 {
			return fmt.Errorf("manifest %s: subprocess plugin requires command", m.ID)
		}
	default:
		return fmt.Errorf("manifest %s: unknown type %q", m.ID, m.Type)
	}
	return nil
}

// BinaryPath returns the file VerifyIntegrity should hash: the WASM
// module path, or the subprocess's executable.
func (m Manifest) BinaryPath() string {
	if m.Type == TypeWASM {
		return m.Path
	}
	if len(m.Command) > 0 {
		return m.Command[0]
	}
	return ""
}

// Equal reports whether two manifests describe the same load (used to
// skip a reload when a file-change event fires but nothing meaningful
// changed, e.g. an editor rewriting the file with identical content).
func (m Manifest) Equal(other Manifest) bool {
	if m.ID != other.ID || m.Type != other.Type || m.Path != other.Path ||
		m.SHA256 != other.SHA256 || m.Disabled != other.Disabled {
		return false
	}
	if len(m.Command) != len(other.Command) {
		return false
	}
	for i := range m.Command {
		if m.Command[i] != other.Command[i] {
			return false
		}
	}
	if len(m.Connectors) != len(other.Connectors) {
		return false
	}
	for i := range m.Connectors {
		if m.Connectors[i] != other.Connectors[i] {
			return false
		}
	}
	if len(m.Env) != len(other.Env) || len(m.Config) != len(other.Config) {
		return false
	}
	for k, v := range m.Env {
		if other.Env[k] != v {
			return false
		}
	}
	for k, v := range m.Config {
		if other.Config[k] != v {
			return false
		}
	}
	return true
}
