package config

import (
	"context"
	"testing"
)

func TestSchemaRegistry_RegisterAndGet(t *testing.T) {
	sr := NewSchemaRegistry()

	customSchema := `
#Fixture: {
	device: string
	dataModel: "tr098" | "tr181"
}
`

	if err := sr.RegisterSchema("fixture", customSchema); err != nil {
		t.Fatalf("failed to register schema: %v", err)
	}

	schema, ok := sr.GetSchema("fixture")
	if !ok {
		t.Fatal("expected to find fixture schema")
	}
	if schema.Err() != nil {
		t.Errorf("schema has errors: %v", schema.Err())
	}

	if err := sr.RegisterSchema("two", "#A: int\n#B: string\n"); err == nil {
		t.Error("expected error for schema with two definitions")
	}
	if err := sr.RegisterSchema("broken", "#A: {"); err == nil {
		t.Error("expected error for invalid schema")
	}
}

func TestSchemaRegistry_BuiltInSchemas(t *testing.T) {
	sr := NewSchemaRegistry()

	names := sr.ListSchemas()
	if len(names) != 2 || names[0] != "acs" || names[1] != "rule-unit" {
		t.Fatalf("Expected [acs rule-unit], got %v", names)
	}

	for _, name := range names {
		t.Run(name, func(t *testing.T) {
			schema, ok := sr.GetSchema(name)
			if !ok {
				t.Fatalf("built-in schema %s not found", name)
			}
			if schema.Err() != nil {
				t.Errorf("built-in schema %s has errors: %v", name, schema.Err())
			}
		})
	}
}

func TestSchemaRegistry_ValidateRuleUnit(t *testing.T) {
	sr := NewSchemaRegistry()
	ctx := context.Background()

	tests := []struct {
		name    string
		unit    UnitSpec
		wantErr bool
	}{
		{
			name:    "builtin",
			unit:    UnitSpec{Name: "bootstrap", Kind: "builtin", Builtin: "bootstrap"},
			wantErr: false,
		},
		{
			name: "starlark with match",
			unit: UnitSpec{
				Name:   "tplink-wifi",
				Kind:   "starlark",
				Source: "wifi.star",
				Match:  &MatchSpec{Manufacturer: []string{"tp-link*"}},
				Params: map[string]interface{}{"ssid": "home", "channel": 6},
			},
			wantErr: false,
		},
		{
			name:    "builtin without builtin name",
			unit:    UnitSpec{Name: "bootstrap", Kind: "builtin"},
			wantErr: true,
		},
		{
			name:    "starlark without source",
			unit:    UnitSpec{Name: "wifi", Kind: "starlark"},
			wantErr: true,
		},
		{
			name:    "unknown kind",
			unit:    UnitSpec{Name: "wifi", Kind: "lua", Source: "wifi.lua"},
			wantErr: true,
		},
		{
			name:    "bad name",
			unit:    UnitSpec{Name: "wifi settings", Kind: "builtin", Builtin: "wifi"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := sr.ValidateAgainstSchema(ctx, "rule-unit", tt.unit)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateAgainstSchema() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}

	if err := sr.ValidateAgainstSchema(ctx, "missing", UnitSpec{}); err == nil {
		t.Error("expected error for unknown schema")
	}
}
