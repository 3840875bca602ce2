package engine

import (
	"testing"
	"time"
)

func TestDeviceIdentity_ID(t *testing.T) {
	tests := []struct {
		name string
		id   DeviceIdentity
		want string
	}{
		{
			name: "full identity",
			id:   DeviceIdentity{Manufacturer: "Huawei", ProductClass: "HG8245H", SerialNumber: "4857544312345678"},
			want: "Huawei-HG8245H-4857544312345678",
		},
		{
			name: "no product class",
			id:   DeviceIdentity{Manufacturer: "TP-Link", SerialNumber: "ABC123"},
			want: "TP%2DLink-ABC123",
		},
		{
			name: "percent in serial",
			id:   DeviceIdentity{Manufacturer: "ZTE", ProductClass: "F660", SerialNumber: "10%"},
			want: "ZTE-F660-10%25",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.id.ID(); got != tt.want {
				t.Errorf("Expected %s, got %s", tt.want, got)
			}
		})
	}
}

func TestValue_Coerce(t *testing.T) {
	tests := []struct {
		name    string
		in      Value
		to      ValueType
		want    Value
		wantErr bool
	}{
		{name: "bool from 1", in: String("1"), to: TypeBoolean, want: Bool(true)},
		{name: "bool from FALSE", in: String("FALSE"), to: TypeBoolean, want: Bool(false)},
		{name: "int from string", in: String(" -42 "), to: TypeInt, want: Int(-42)},
		{name: "uint from int", in: Int(300), to: TypeUnsignedInt, want: Uint(300)},
		{name: "uint rejects negative", in: Int(-1), to: TypeUnsignedInt, wantErr: true},
		{name: "datetime normalized to UTC", in: String("2024-03-01T14:00:00+02:00"), to: TypeDateTime, want: DateTime(testClock)},
		{name: "string keeps raw", in: Bool(true), to: TypeString, want: String("true")},
		{name: "bool rejects word", in: String("yes"), to: TypeBoolean, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.in.Coerce(tt.to)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("Expected error, got %v", got)
				}
				if !HasCode(err, ErrCodeTypeMismatch) {
					t.Errorf("Expected code %s, got %v", ErrCodeTypeMismatch, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("Expected %+v, got %+v", tt.want, got)
			}
		})
	}
}

func TestValue_Equal(t *testing.T) {
	tests := []struct {
		name     string
		desired  Value
		observed Value
		want     bool
	}{
		{name: "device boolean as digit", desired: Bool(true), observed: Value{Type: TypeBoolean, Raw: "1"}, want: true},
		{name: "integer reported as string", desired: Uint(300), observed: String("300"), want: true},
		{name: "different integers", desired: Uint(300), observed: Uint(600), want: false},
		{name: "unparseable observed", desired: Int(1), observed: String("n/a"), want: false},
		{name: "strings are exact", desired: String("Home"), observed: String("home"), want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.desired.Equal(tt.observed); got != tt.want {
				t.Errorf("Expected %v, got %v", tt.want, got)
			}
		})
	}
}

func TestValueOf(t *testing.T) {
	ts := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	tests := []struct {
		in   interface{}
		want Value
	}{
		{in: true, want: Bool(true)},
		{in: 42, want: Int(42)},
		{in: float64(7), want: Int(7)},
		{in: uint32(9), want: Uint(9)},
		{in: "ssid", want: String("ssid")},
		{in: ts, want: DateTime(ts)},
	}

	for _, tt := range tests {
		got, err := ValueOf(tt.in)
		if err != nil {
			t.Fatalf("ValueOf(%v) failed: %v", tt.in, err)
		}
		if got != tt.want {
			t.Errorf("ValueOf(%v): expected %+v, got %+v", tt.in, tt.want, got)
		}
	}

	if _, err := ValueOf(1.5); err == nil {
		t.Error("Expected error for non-integral number")
	}
	if _, err := ValueOf([]int{1}); err == nil {
		t.Error("Expected error for slice")
	}
}

func TestParseValueType(t *testing.T) {
	for input, want := range map[string]ValueType{
		"":             TypeString,
		"boolean":      TypeBoolean,
		"bool":         TypeBoolean,
		"xsd:int":      TypeInt,
		"unsignedInt":  TypeUnsignedInt,
		"uint":         TypeUnsignedInt,
		"xsd:dateTime": TypeDateTime,
	} {
		got, err := ParseValueType(input)
		if err != nil {
			t.Fatalf("ParseValueType(%q) failed: %v", input, err)
		}
		if got != want {
			t.Errorf("ParseValueType(%q): expected %s, got %s", input, want, got)
		}
	}
	if _, err := ParseValueType("base64"); err == nil {
		t.Error("Expected error for unsupported type")
	}
}

func TestSessionState_Transitions(t *testing.T) {
	allowed := []struct{ from, to SessionState }{
		{SessionStateOpen, SessionStateResolving},
		{SessionStateResolving, SessionStateApplying},
		{SessionStateApplying, SessionStateResolving},
		{SessionStateApplying, SessionStateDone},
		{SessionStateApplying, SessionStateAborted},
	}
	for _, tr := range allowed {
		if !tr.from.CanTransitionTo(tr.to) {
			t.Errorf("Expected %s -> %s to be allowed", tr.from, tr.to)
		}
	}

	denied := []struct{ from, to SessionState }{
		{SessionStateOpen, SessionStateApplying},
		{SessionStateResolving, SessionStateDone},
		{SessionStateDone, SessionStateResolving},
		{SessionStateAborted, SessionStateResolving},
	}
	for _, tr := range denied {
		if tr.from.CanTransitionTo(tr.to) {
			t.Errorf("Expected %s -> %s to be rejected", tr.from, tr.to)
		}
	}

	s := NewSession("s1", testContact())
	if err := s.transition(SessionStateDone); err == nil {
		t.Error("Expected invalid transition to fail")
	}
	if s.Contact.DataModel != DataModelTR098 {
		t.Errorf("Expected default data model tr098, got %s", s.Contact.DataModel)
	}
}
