package plugin

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Capability names the host functions a plugin manifest may unlock (spec
// §4.7).
type Capability string

const (
	CapFS      Capability = "fs"
	CapNetwork Capability = "network"
	CapEnv     Capability = "env"
)

// Manifest is a plugin's declared identity and capability allowlist
// (spec §6 "Plugin manifest").
type Manifest struct {
	Name         string       `json:"name"`
	Version      string       `json:"version"`
	Capabilities []Capability `json:"capabilities"`
	Entry        string       `json:"entry"`

	// dir is the directory the manifest was loaded from; Entry is resolved
	// relative to it.
	dir string
}

// LoadManifest reads a plugin.json file.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading plugin manifest: %w", err)
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parsing plugin manifest: %w", err)
	}
	m.dir = filepath.Dir(path)
	return &m, nil
}

// EntryPath resolves the manifest's wasm entry path.
func (m *Manifest) EntryPath() string {
	if filepath.IsAbs(m.Entry) {
		return m.Entry
	}
	return filepath.Join(m.dir, m.Entry)
}

// Has reports whether the manifest declares a capability.
func (m *Manifest) Has(cap Capability) bool {
	for _, c := range m.Capabilities {
		if c == cap {
			return true
		}
	}
	return false
}
