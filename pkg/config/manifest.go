package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/openfroyo/froyo-acs/pkg/engine"
	"github.com/openfroyo/froyo-acs/pkg/provisions"
	"github.com/openfroyo/froyo-acs/pkg/script"
)

// Manifest is an ordered list of rule units loaded from YAML.
type Manifest struct {
	// Name names the rule script built from the manifest.
	Name string `yaml:"name" json:"name"`

	// Units run in this order on every pass.
	Units []UnitSpec `yaml:"units" json:"units"`

	// Path is the file the manifest was loaded from.
	Path string `yaml:"-" json:"-"`
}

// UnitSpec describes one rule unit.
type UnitSpec struct {
	// Name is unique within the manifest.
	Name string `yaml:"name" json:"name"`

	// Kind is builtin or starlark.
	Kind string `yaml:"kind" json:"kind"`

	// Builtin names a unit from the provisions package.
	Builtin string `yaml:"builtin,omitempty" json:"builtin,omitempty"`

	// Source is the Starlark file, relative to the manifest.
	Source string `yaml:"source,omitempty" json:"source,omitempty"`

	// Match restricts the unit to some devices.
	Match *MatchSpec `yaml:"match,omitempty" json:"match,omitempty"`

	// Params are passed to the builtin factory or exposed to the script.
	Params map[string]interface{} `yaml:"params,omitempty" json:"params,omitempty"`
}

// MatchSpec lists case-insensitive glob patterns. Each non-empty list must
// match.
type MatchSpec struct {
	Manufacturer []string `yaml:"manufacturer,omitempty" json:"manufacturer,omitempty"`
	ProductClass []string `yaml:"productClass,omitempty" json:"productClass,omitempty"`
}

// BuildOptions control how units are instantiated.
type BuildOptions struct {
	// MaxScriptSteps bounds every Starlark evaluation. Zero uses the default.
	MaxScriptSteps uint64
}

// ManifestLoader loads and validates rule manifests.
type ManifestLoader struct {
	schemas *SchemaRegistry
}

// NewManifestLoader creates a new manifest loader.
func NewManifestLoader() *ManifestLoader {
	return &ManifestLoader{schemas: NewSchemaRegistry()}
}

// LoadFromFile loads a manifest from a YAML file.
func (m *ManifestLoader) LoadFromFile(ctx context.Context, path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest file: %w", err)
	}

	manifest, err := m.LoadFromBytes(ctx, data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	manifest.Path = path
	if manifest.Name == "" {
		manifest.Name = stem(path)
	}
	return manifest, nil
}

// LoadFromBytes parses and validates a manifest.
func (m *ManifestLoader) LoadFromBytes(ctx context.Context, data []byte) (*Manifest, error) {
	var manifest Manifest
	if err := yaml.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("failed to parse manifest YAML: %w", err)
	}

	if err := m.validateManifest(ctx, &manifest); err != nil {
		return nil, fmt.Errorf("invalid manifest: %w", err)
	}
	return &manifest, nil
}

// validateManifest validates every unit against the #RuleUnit schema.
func (m *ManifestLoader) validateManifest(ctx context.Context, manifest *Manifest) error {
	if len(manifest.Units) == 0 {
		return fmt.Errorf("at least one unit is required")
	}

	seen := make(map[string]bool, len(manifest.Units))
	for i, u := range manifest.Units {
		if err := m.schemas.ValidateAgainstSchema(ctx, "rule-unit", u); err != nil {
			return fmt.Errorf("unit %d (%s): %w", i, u.Name, err)
		}
		if seen[u.Name] {
			return fmt.Errorf("duplicate unit name %s", u.Name)
		}
		seen[u.Name] = true
	}

	return nil
}

// Build instantiates the units of the manifest as a rule script.
func (m *Manifest) Build(opts BuildOptions) (*engine.RuleScript, error) {
	rs := engine.NewRuleScript(m.Name)

	for _, spec := range m.Units {
		unit, err := m.buildUnit(spec, opts)
		if err != nil {
			return nil, fmt.Errorf("unit %s: %w", spec.Name, err)
		}
		rs.Append(unit)
	}

	if err := rs.Validate(); err != nil {
		return nil, err
	}
	return rs, nil
}

func (m *Manifest) buildUnit(spec UnitSpec, opts BuildOptions) (engine.RuleUnit, error) {
	var (
		unit engine.RuleUnit
		err  error
	)

	switch spec.Kind {
	case "builtin":
		unit, err = provisions.New(spec.Builtin, spec.Params)
		if err == nil {
			unit = named{name: spec.Name, RuleUnit: unit}
		}
	case "starlark":
		unit, err = script.LoadFile(spec.Name, m.resolve(spec.Source), script.Options{
			MaxSteps: opts.MaxScriptSteps,
			Params:   spec.Params,
		})
	default:
		err = fmt.Errorf("unknown unit kind %q", spec.Kind)
	}
	if err != nil {
		return nil, err
	}

	if pred := spec.Match.predicate(); pred != nil {
		unit = engine.When(pred, unit)
	}
	return unit, nil
}

// resolve resolves source relative to the manifest file.
func (m *Manifest) resolve(source string) string {
	if filepath.IsAbs(source) || m.Path == "" {
		return source
	}
	return filepath.Join(filepath.Dir(m.Path), source)
}

func (s *MatchSpec) predicate() engine.Predicate {
	if s == nil {
		return nil
	}
	var preds []engine.Predicate
	if len(s.Manufacturer) > 0 {
		preds = append(preds, engine.ManufacturerIs(s.Manufacturer...))
	}
	if len(s.ProductClass) > 0 {
		preds = append(preds, engine.ProductClassIs(s.ProductClass...))
	}
	if len(preds) == 0 {
		return nil
	}
	return engine.All(preds...)
}

// named gives a builtin unit the name it has in the manifest.
type named struct {
	name string
	engine.RuleUnit
}

func (n named) Name() string { return n.name }

// LoadRuleScript loads the manifest at path and builds its rule script.
func LoadRuleScript(ctx context.Context, path string, opts BuildOptions) (*engine.RuleScript, error) {
	manifest, err := NewManifestLoader().LoadFromFile(ctx, path)
	if err != nil {
		return nil, err
	}
	return manifest.Build(opts)
}

func stem(path string) string {
	base := filepath.Base(path)
	return base[:len(base)-len(filepath.Ext(base))]
}
