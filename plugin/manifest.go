// Package plugin implements the out-of-process module runtime: subprocess
// lifecycle, newline-delimited JSON-RPC 2.0 over stdio, health monitoring
// and hot reload.
package plugin

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/GoCodeAlone/stepflow/module"
)

// ManifestFileName is looked up inside each plugin directory.
const ManifestFileName = "plugin.yaml"

// Runtime describes how to launch a plugin process.
type Runtime struct {
	Language         string   `yaml:"language" json:"language"`
	Entry            string   `yaml:"entry" json:"entry"`
	Args             []string `yaml:"args,omitempty" json:"args,omitempty"`
	MinEngineVersion string   `yaml:"min_engine_version,omitempty" json:"min_engine_version,omitempty"`
}

// ModuleDef declares one module served by the plugin.
type ModuleDef struct {
	ID          string                       `yaml:"id" json:"id"`
	Label       string                       `yaml:"label,omitempty" json:"label,omitempty"`
	Description string                       `yaml:"description,omitempty" json:"description,omitempty"`
	Category    string                       `yaml:"category,omitempty" json:"category,omitempty"`
	Params      map[string]module.ParamSpec  `yaml:"params_schema,omitempty" json:"params_schema,omitempty"`
	Outputs     map[string]module.OutputSpec `yaml:"output_schema,omitempty" json:"output_schema,omitempty"`
	InputTypes  []module.DataType            `yaml:"input_types,omitempty" json:"input_types,omitempty"`
	OutputTypes []module.DataType            `yaml:"output_types,omitempty" json:"output_types,omitempty"`
	Timeout     int                          `yaml:"timeout_ms,omitempty" json:"timeout_ms,omitempty"`
	Retryable   bool                         `yaml:"retryable,omitempty" json:"retryable,omitempty"`
}

// Manifest is the per-plugin-directory descriptor.
type Manifest struct {
	Name        string            `yaml:"name" json:"name"`
	Version     string            `yaml:"version" json:"version"`
	Runtime     Runtime           `yaml:"runtime" json:"runtime"`
	Modules     []ModuleDef       `yaml:"modules" json:"modules"`
	Permissions []string          `yaml:"permissions,omitempty" json:"permissions,omitempty"`
	Env         map[string]string `yaml:"env,omitempty" json:"env,omitempty"`

	// Dir is the plugin's working directory, set at load time.
	Dir string `yaml:"-" json:"-"`
}

// LoadManifest reads and validates the manifest in a plugin directory.
func LoadManifest(dir string) (*Manifest, error) {
	data, err := os.ReadFile(filepath.Join(dir, ManifestFileName))
	if err != nil {
		return nil, fmt.Errorf("read plugin manifest: %w", err)
	}
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse plugin manifest in %s: %w", dir, err)
	}
	if m.Name == "" {
		return nil, fmt.Errorf("plugin manifest in %s missing 'name'", dir)
	}
	if m.Runtime.Entry == "" {
		return nil, fmt.Errorf("plugin %q manifest missing runtime.entry", m.Name)
	}
	if len(m.Modules) == 0 {
		return nil, fmt.Errorf("plugin %q declares no modules", m.Name)
	}
	for _, p := range m.Permissions {
		if !module.Capabilities[p] {
			return nil, fmt.Errorf("plugin %q declares unknown permission %q", m.Name, p)
		}
	}
	m.Dir = dir
	return &m, nil
}

// ScanManifests loads every plugin manifest found one level under root.
func ScanManifests(root string) ([]*Manifest, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("scan plugin directory: %w", err)
	}
	var out []*Manifest
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		dir := filepath.Join(root, e.Name())
		if _, err := os.Stat(filepath.Join(dir, ManifestFileName)); err != nil {
			continue
		}
		m, err := LoadManifest(dir)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

// Metadata converts a module declaration into its registry entry. Plugin
// permissions become the module's capabilities.
func (m *Manifest) Metadata(def ModuleDef) *module.Metadata {
	version := m.Version
	if version == "" {
		version = "0.0.0"
	}
	category := def.Category
	meta := &module.Metadata{
		ID:                 def.ID,
		Version:            version,
		Category:           category,
		Tier:               module.TierStandard,
		Stability:          module.StabilityBeta,
		Label:              def.Label,
		Description:        def.Description,
		Params:             def.Params,
		Outputs:            def.Outputs,
		InputTypes:         def.InputTypes,
		OutputTypes:        def.OutputTypes,
		TimeoutMS:          def.Timeout,
		Retryable:          def.Retryable,
		ModuleCapabilities: append([]string(nil), m.Permissions...),
	}
	return meta
}
