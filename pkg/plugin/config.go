package plugin

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Manifest is the on-disk description shipped next to a plugin artifact.
type Manifest struct {
	Descriptor `yaml:",inline"`
	Location   string         `yaml:"location"`
	Config     map[string]any `yaml:"config"`
}

// ParseManifest decodes a YAML (or JSON) manifest document.
func ParseManifest(raw []byte) (Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(raw, &m); err != nil {
		return m, fmt.Errorf("unmarshal plugin manifest: %w", err)
	}
	m.Descriptor = m.Descriptor.Normalize()
	if m.Config == nil {
		m.Config = map[string]any{}
	}
	return m, m.Validate()
}

// LoadManifest reads a manifest file from disk.
func LoadManifest(path string) (Manifest, error) {
	if path == "" {
		return Manifest{}, errors.New("manifest path cannot be empty")
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return Manifest{}, fmt.Errorf("read plugin manifest: %w", err)
	}
	return ParseManifest(raw)
}

// Validate checks the fields every descriptor must carry.
func (d Descriptor) Validate() error {
	if !ValidName(d.Name) {
		return fmt.Errorf("invalid plugin name %q", d.Name)
	}
	if d.Version == "" {
		return fmt.Errorf("plugin %s: version cannot be empty", d.Name)
	}
	switch d.Type {
	case TypeInternal, TypeExternal:
	default:
		return fmt.Errorf("plugin %s: unknown type %q", d.Name, d.Type)
	}
	switch d.Runtime {
	case RuntimeJAR, RuntimeGRPC, RuntimeREST:
	default:
		return fmt.Errorf("plugin %s: unknown runtime %q", d.Name, d.Runtime)
	}
	if d.Type == TypeInternal && d.Runtime != RuntimeJAR {
		return fmt.Errorf("plugin %s: internal plugins must use the %s runtime", d.Name, RuntimeJAR)
	}
	return nil
}
