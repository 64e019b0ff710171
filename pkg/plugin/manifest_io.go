package plugin

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// ManifestFileNames are the conventional manifest filenames looked for in a
// plugin's directory, in preference order.
var ManifestFileNames = []string{"plugin.yaml", "plugin.yml", "plugin.json"}

// DefaultHostCapability is the host capability every template manifest
// requires: the event channel plugins publish onto.
const DefaultHostCapability = "event.bus"

// LoadManifest reads a manifest from path, choosing the codec by file
// extension (.yaml/.yml or .json), and normalizes it. Unsupported
// extensions and structural violations are errors.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("manifest %s: %w", path, err)
	}
	return ParseManifest(data, path)
}

// ParseManifest decodes manifest bytes, choosing the codec by the extension
// of name. It exists so bundle inspectors can decode a manifest without
// writing it to disk first.
func ParseManifest(data []byte, name string) (*Manifest, error) {
	var m Manifest
	switch ext := strings.ToLower(filepath.Ext(name)); ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("manifest %s: %w", name, err)
		}
	case ".json":
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("manifest %s: %w", name, err)
		}
	default:
		return nil, fmt.Errorf("manifest %s: unsupported extension %q", name, ext)
	}
	if err := m.Normalize(); err != nil {
		return nil, fmt.Errorf("manifest %s: %w", name, err)
	}
	return &m, nil
}

// Save writes the manifest to path, choosing the codec by file extension.
// The manifest is normalized first so an invalid one is never written out.
func (m *Manifest) Save(path string) error {
	if err := m.Normalize(); err != nil {
		return err
	}
	var (
		data []byte
		err  error
	)
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		data, err = yaml.Marshal(m)
	case ".json":
		data, err = json.MarshalIndent(m, "", "  ")
	default:
		return fmt.Errorf("manifest %s: unsupported extension %q", path, ext)
	}
	if err != nil {
		return fmt.Errorf("manifest %s: %w", path, err)
	}
	return os.WriteFile(path, data, 0o644)
}

// FindManifest locates the conventional manifest file in dir.
func FindManifest(dir string) (string, bool) {
	for _, name := range ManifestFileNames {
		path := filepath.Join(dir, name)
		if fi, err := os.Stat(path); err == nil && !fi.IsDir() {
			return path, true
		}
	}
	return "", false
}

// NewTemplate builds a minimally valid manifest for a new plugin: version
// 0.1.0, the default license, a generated description and entry point, and
// the default required host capability.
func NewTemplate(name string, category Category) (*Manifest, error) {
	m := &Manifest{
		Name:        name,
		Version:     "0.1.0",
		Description: fmt.Sprintf("A %s plugin.", category),
		License:     DefaultLicense,
		Category:    category,
		EntryPoint:  name,
		Requires:    []string{DefaultHostCapability},
	}
	if err := m.Normalize(); err != nil {
		return nil, err
	}
	return m, nil
}
