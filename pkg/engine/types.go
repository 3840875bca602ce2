package engine

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// DeviceIdentity is the natural composite key of a CPE.
type DeviceIdentity struct {
	// Manufacturer is the device vendor (DeviceInfo.Manufacturer).
	Manufacturer string `json:"manufacturer" yaml:"manufacturer"`

	// OUI is the vendor organizationally unique identifier, if known.
	OUI string `json:"oui,omitempty" yaml:"oui,omitempty"`

	// ProductClass is the device model family.
	ProductClass string `json:"product_class,omitempty" yaml:"productClass,omitempty"`

	// SerialNumber is the vendor serial number.
	SerialNumber string `json:"serial_number" yaml:"serialNumber"`
}

// ID returns the stable device ID used as the repository key.
// Parts are joined with "-"; a literal "-" or "%" inside a part is percent-encoded
// and an empty product class is omitted.
func (d DeviceIdentity) ID() string {
	parts := []string{escapeIDPart(d.Manufacturer)}
	if d.ProductClass != "" {
		parts = append(parts, escapeIDPart(d.ProductClass))
	}
	parts = append(parts, escapeIDPart(d.SerialNumber))
	return strings.Join(parts, "-")
}

func escapeIDPart(s string) string {
	s = strings.ReplaceAll(s, "%", "%25")
	return strings.ReplaceAll(s, "-", "%2D")
}

// String implements fmt.Stringer.
func (d DeviceIdentity) String() string {
	return d.ID()
}

// Validate checks that the identity can key a session.
func (d DeviceIdentity) Validate() error {
	if strings.TrimSpace(d.Manufacturer) == "" {
		return NewPermanentError("device manufacturer is required", nil).WithCode(ErrCodeValidation)
	}
	if strings.TrimSpace(d.SerialNumber) == "" {
		return NewPermanentError("device serial number is required", nil).WithCode(ErrCodeValidation)
	}
	return nil
}

// Contact is one device contact as reported by the identity source.
type Contact struct {
	// Device is the identity of the contacting CPE.
	Device DeviceIdentity `json:"device" yaml:"device"`

	// Timestamp is the session clock. Every freshness comparison in the session uses it.
	Timestamp time.Time `json:"timestamp" yaml:"timestamp"`

	// DataModel selects the parameter tree root. Defaults to tr098.
	DataModel DataModel `json:"data_model,omitempty" yaml:"dataModel,omitempty"`

	// Events are the inform event codes carried by the contact (e.g. "0 BOOTSTRAP").
	Events []string `json:"events,omitempty" yaml:"events,omitempty"`
}

// HasEvent reports whether the contact carries the given inform event code.
func (c Contact) HasEvent(code string) bool {
	for _, e := range c.Events {
		if e == code {
			return true
		}
	}
	return false
}

// ValueType is the XML schema type of a parameter value.
type ValueType string

const (
	TypeBoolean     ValueType = "xsd:boolean"
	TypeInt         ValueType = "xsd:int"
	TypeUnsignedInt ValueType = "xsd:unsignedInt"
	TypeString      ValueType = "xsd:string"
	TypeDateTime    ValueType = "xsd:dateTime"
)

// Validate checks if the value type is supported.
func (t ValueType) Validate() error {
	switch t {
	case TypeBoolean, TypeInt, TypeUnsignedInt, TypeString, TypeDateTime:
		return nil
	default:
		return fmt.Errorf("invalid value type: %s", t)
	}
}

// ParseValueType accepts both the "xsd:" form and the short form ("boolean", "int").
func ParseValueType(s string) (ValueType, error) {
	if s == "" {
		return TypeString, nil
	}
	t := ValueType(s)
	if !strings.HasPrefix(s, "xsd:") {
		t = ValueType("xsd:" + s)
	}
	if t == "xsd:bool" {
		t = TypeBoolean
	}
	if t == "xsd:uint" {
		t = TypeUnsignedInt
	}
	if err := t.Validate(); err != nil {
		return "", err
	}
	return t, nil
}

// Value is a typed parameter value held in its canonical lexical form.
type Value struct {
	Type ValueType `json:"type" yaml:"type"`
	Raw  string    `json:"value" yaml:"value"`
}

// Bool returns a boolean value.
func Bool(b bool) Value {
	return Value{Type: TypeBoolean, Raw: strconv.FormatBool(b)}
}

// Int returns a signed integer value.
func Int(i int64) Value {
	return Value{Type: TypeInt, Raw: strconv.FormatInt(i, 10)}
}

// Uint returns an unsigned integer value.
func Uint(u uint64) Value {
	return Value{Type: TypeUnsignedInt, Raw: strconv.FormatUint(u, 10)}
}

// String returns a string value.
func String(s string) Value {
	return Value{Type: TypeString, Raw: s}
}

// DateTime returns a dateTime value normalized to UTC.
func DateTime(t time.Time) Value {
	return Value{Type: TypeDateTime, Raw: t.UTC().Format(time.RFC3339)}
}

// NewValue parses raw as type t and returns the canonical value.
func NewValue(t ValueType, raw string) (Value, error) {
	return Value{Type: TypeString, Raw: raw}.Coerce(t)
}

// ValueOf converts a native Go scalar to a Value.
func ValueOf(x interface{}) (Value, error) {
	switch v := x.(type) {
	case Value:
		return v, nil
	case bool:
		return Bool(v), nil
	case int:
		return Int(int64(v)), nil
	case int32:
		return Int(int64(v)), nil
	case int64:
		return Int(v), nil
	case uint:
		return Uint(uint64(v)), nil
	case uint32:
		return Uint(uint64(v)), nil
	case uint64:
		return Uint(v), nil
	case float64:
		if v != math.Trunc(v) {
			return Value{}, fmt.Errorf("non-integral number %v has no parameter type", v)
		}
		return Int(int64(v)), nil
	case string:
		return String(v), nil
	case time.Time:
		return DateTime(v), nil
	default:
		return Value{}, fmt.Errorf("unsupported value of type %T", x)
	}
}

// IsZero reports whether the value is unset.
func (v Value) IsZero() bool {
	return v.Type == "" && v.Raw == ""
}

// String implements fmt.Stringer.
func (v Value) String() string {
	return v.Raw
}

// Coerce converts v to type t. Devices report booleans as 1/0 and numbers as
// strings, so the lexical form is reparsed rather than trusted.
func (v Value) Coerce(t ValueType) (Value, error) {
	if t == "" {
		t = TypeString
	}
	raw := v.Raw
	switch t {
	case TypeString:
		return Value{Type: t, Raw: raw}, nil
	case TypeBoolean:
		switch strings.ToLower(strings.TrimSpace(raw)) {
		case "1", "true":
			return Bool(true), nil
		case "0", "false":
			return Bool(false), nil
		}
	case TypeInt:
		if i, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64); err == nil {
			return Int(i), nil
		}
	case TypeUnsignedInt:
		if u, err := strconv.ParseUint(strings.TrimSpace(raw), 10, 64); err == nil {
			return Uint(u), nil
		}
	case TypeDateTime:
		if ts, err := time.Parse(time.RFC3339, strings.TrimSpace(raw)); err == nil {
			return DateTime(ts), nil
		}
	default:
		return Value{}, fmt.Errorf("invalid value type: %s", t)
	}
	return Value{}, NewPermanentError(fmt.Sprintf("cannot convert %q to %s", raw, t), nil).
		WithCode(ErrCodeTypeMismatch)
}

// Equal compares other against v after coercing other to v's type.
func (v Value) Equal(other Value) bool {
	want, err := v.Coerce(v.Type)
	if err != nil {
		return v == other
	}
	got, err := other.Coerce(want.Type)
	if err != nil {
		return false
	}
	return want.Raw == got.Raw
}

// Native returns the value as a Go scalar: bool, int64, uint64, time.Time or string.
func (v Value) Native() interface{} {
	c, err := v.Coerce(v.Type)
	if err != nil {
		return v.Raw
	}
	switch c.Type {
	case TypeBoolean:
		return c.Raw == "true"
	case TypeInt:
		i, _ := strconv.ParseInt(c.Raw, 10, 64)
		return i
	case TypeUnsignedInt:
		u, _ := strconv.ParseUint(c.Raw, 10, 64)
		return u
	case TypeDateTime:
		ts, _ := time.Parse(time.RFC3339, c.Raw)
		return ts
	default:
		return c.Raw
	}
}

// Entry is a cached parameter value.
type Entry struct {
	Value Value `json:"value"`

	// Timestamp is the time the value is known to be correct as of.
	Timestamp time.Time `json:"timestamp"`

	// Pass is the session pass that fetched the value; zero for seeded entries.
	Pass int `json:"pass,omitempty"`
}

// InstanceEntry is the known instance list of a multi-instance object.
type InstanceEntry struct {
	Indices   []int     `json:"indices"`
	Timestamp time.Time `json:"timestamp"`
	Pass      int       `json:"pass,omitempty"`
}

// Snapshot is the persisted parameter state of one device.
type Snapshot struct {
	Values    map[Path]Entry         `json:"values"`
	Instances map[Path]InstanceEntry `json:"instances"`
}

// NewSnapshot returns an empty snapshot.
func NewSnapshot() *Snapshot {
	return &Snapshot{
		Values:    make(map[Path]Entry),
		Instances: make(map[Path]InstanceEntry),
	}
}

// ReadResult is the value a transport returns for one path, or the per-path error.
type ReadResult struct {
	Value Value
	Err   error
}

// PlannedWrite is a write queued in the current pass, as seen by the write guard.
type PlannedWrite struct {
	Path     Path   `json:"path"`
	Value    Value  `json:"value"`
	Previous *Value `json:"previous,omitempty"`
}

// AppliedWrite is a write the device confirmed.
type AppliedWrite struct {
	Path     Path   `json:"path"`
	Value    Value  `json:"value"`
	Previous *Value `json:"previous,omitempty"`
	Pass     int    `json:"pass"`
}

// FailedWrite is a write the device rejected or the guard denied.
type FailedWrite struct {
	Path   Path   `json:"path"`
	Value  Value  `json:"value"`
	Reason string `json:"reason"`
	Pass   int    `json:"pass"`
}

// RuleFault records a rule unit that failed during a pass.
type RuleFault struct {
	Rule  string `json:"rule"`
	Pass  int    `json:"pass"`
	Error string `json:"error"`
}

// LogEntry is a structured log line emitted by a rule unit or the engine.
type LogEntry struct {
	Time    time.Time              `json:"time"`
	Level   LogLevel               `json:"level"`
	Message string                 `json:"message"`
	Rule    string                 `json:"rule,omitempty"`
	Fields  map[string]interface{} `json:"fields,omitempty"`
}
