package simulated

import (
	"fmt"
	"io"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/openfroyo/froyo-acs/pkg/engine"
)

// Fixture is the YAML description of a simulated device.
//
//	device:
//	  manufacturer: TP-Link
//	  serialNumber: ABC123
//	dataModel: tr098
//	parameters:
//	  InternetGatewayDevice.ManagementServer.PeriodicInformInterval: 600
//	  InternetGatewayDevice.DeviceInfo.UpTime: {type: unsignedInt, value: "3600", writable: false}
//	faults:
//	  InternetGatewayDevice.X_VENDOR.Broken: "9002 Internal error"
type Fixture struct {
	Device        engine.DeviceIdentity    `yaml:"device"`
	DataModel     engine.DataModel         `yaml:"dataModel"`
	Parameters    map[string]ParameterSpec `yaml:"parameters"`
	Faults        map[string]string        `yaml:"faults,omitempty"`
	SessionFaults map[string]string        `yaml:"sessionFaults,omitempty"`
}

// ParameterSpec is one parameter of a fixture. A bare scalar is accepted as
// the value, with the type taken from the YAML tag.
type ParameterSpec struct {
	Type     string `yaml:"type"`
	Value    string `yaml:"value"`
	Writable *bool  `yaml:"writable,omitempty"`
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (p *ParameterSpec) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		p.Value = node.Value
		switch node.ShortTag() {
		case "!!bool":
			p.Type = string(engine.TypeBoolean)
		case "!!int":
			p.Type = string(engine.TypeUnsignedInt)
			if len(node.Value) > 0 && node.Value[0] == '-' {
				p.Type = string(engine.TypeInt)
			}
		default:
			p.Type = string(engine.TypeString)
		}
		return nil
	}
	type plain ParameterSpec
	return node.Decode((*plain)(p))
}

// LoadFixture reads a fixture and builds the device it describes.
func LoadFixture(r io.Reader) (*Device, error) {
	var f Fixture
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("failed to parse device fixture: %w", err)
	}
	return f.Build()
}

// LoadFixtureFile reads the fixture at path.
func LoadFixtureFile(path string) (*Device, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open device fixture: %w", err)
	}
	defer file.Close()
	return LoadFixture(file)
}

// Build creates the device described by the fixture.
func (f *Fixture) Build() (*Device, error) {
	if err := f.Device.Validate(); err != nil {
		return nil, err
	}
	model := f.DataModel
	if model == "" {
		model = engine.DataModelTR098
	}
	if err := model.Validate(); err != nil {
		return nil, err
	}

	d := NewDevice(f.Device, model)
	paths := make([]string, 0, len(f.Parameters))
	for p := range f.Parameters {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	for _, p := range paths {
		spec := f.Parameters[p]
		t, err := engine.ParseValueType(spec.Type)
		if err != nil {
			return nil, fmt.Errorf("parameter %s: %w", p, err)
		}
		v, err := engine.NewValue(t, spec.Value)
		if err != nil {
			return nil, fmt.Errorf("parameter %s: %w", p, err)
		}
		writable := spec.Writable == nil || *spec.Writable
		d.Set(p, v, writable)
	}
	for p, fault := range f.Faults {
		d.FailPath(p, fault)
	}
	for op, reason := range f.SessionFaults {
		d.FailSession(op, reason)
	}
	return d, nil
}
