package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/froyo-acs/pkg/engine"
)

const ssidPrefixRego = `# Guest SSIDs must carry the guest prefix
package acme.ssid

import rego.v1

deny contains violation if {
	some w in input.writes
	endswith(w.path, ".SSID.2.SSID")
	not startswith(w.value, "guest-")
	violation := {"message": "guest SSID needs the guest- prefix", "path": w.path}
}
`

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write test file: %v", err)
	}
}

func TestLoadFromFile_Rego(t *testing.T) {
	logger := zerolog.New(nil).Level(zerolog.Disabled)
	loader := NewLoader(logger)

	policyFile := filepath.Join(t.TempDir(), "guest-ssid.rego")
	writeFile(t, policyFile, ssidPrefixRego)

	policy, err := loader.loadFromFile(context.Background(), policyFile)
	if err != nil {
		t.Fatalf("Failed to load policy: %v", err)
	}

	if policy.Name != "guest-ssid" {
		t.Errorf("Expected name 'guest-ssid', got '%s'", policy.Name)
	}
	if policy.Description != "Guest SSIDs must carry the guest prefix" {
		t.Errorf("Unexpected description '%s'", policy.Description)
	}
	if policy.Severity != SeverityError {
		t.Errorf("Expected default severity error, got %s", policy.Severity)
	}
	if !policy.Enabled {
		t.Error("Policy should be enabled by default")
	}
}

const scopedRego = `# METADATA
# description: Huawei guest networks stay disabled
# custom:
#   severity: warning
#   tags: [wifi]
#   paths:
#     - Device.WiFi.SSID.
#   data_models: [TR181]
#   manufacturers: ["Huawei*"]
package acme.huawei_guest

import rego.v1

deny contains violation if {
	some w in input.writes
	endswith(w.path, ".SSID.2.Enable")
	w.value == "true"
	violation := {"message": "guest network must stay disabled", "path": w.path}
}
`

func TestLoadFromFile_Annotations(t *testing.T) {
	logger := zerolog.New(nil).Level(zerolog.Disabled)
	loader := NewLoader(logger)

	policyFile := filepath.Join(t.TempDir(), "huawei-guest.rego")
	writeFile(t, policyFile, scopedRego)

	policy, err := loader.loadFromFile(context.Background(), policyFile)
	if err != nil {
		t.Fatalf("Failed to load policy: %v", err)
	}

	if policy.Name != "huawei-guest" {
		t.Errorf("Expected name 'huawei-guest', got '%s'", policy.Name)
	}
	if policy.Description != "Huawei guest networks stay disabled" {
		t.Errorf("Unexpected description '%s'", policy.Description)
	}
	if policy.Severity != SeverityWarning {
		t.Errorf("Expected severity warning, got %s", policy.Severity)
	}
	if policy.Source != policyFile {
		t.Errorf("Expected source %s, got %s", policyFile, policy.Source)
	}
	want := Scope{
		Paths:         []string{"Device.WiFi.SSID."},
		DataModels:    []engine.DataModel{engine.DataModelTR181},
		Manufacturers: []string{"Huawei*"},
	}
	if !reflect.DeepEqual(policy.Scope, want) {
		t.Errorf("Expected scope %+v, got %+v", want, policy.Scope)
	}
	if !reflect.DeepEqual(policy.Tags, []string{"wifi"}) {
		t.Errorf("Expected tags [wifi], got %v", policy.Tags)
	}
}

func TestLoadFromFile_InvalidAnnotations(t *testing.T) {
	logger := zerolog.New(nil).Level(zerolog.Disabled)
	loader := NewLoader(logger)
	dir := t.TempDir()

	tests := []struct {
		name   string
		custom string
	}{
		{name: "numeric paths", custom: "#   paths: 42\n"},
		{name: "unknown data model", custom: "#   data_models: [tr999]\n"},
		{name: "bad severity type", custom: "#   severity: [high]\n"},
	}

	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(dir, fmt.Sprintf("p%d.rego", i))
			writeFile(t, path, "# METADATA\n# custom:\n"+tt.custom+"package p\n\nimport rego.v1\n\ndeny contains \"x\" if false\n")
			if _, err := loader.loadFromFile(context.Background(), path); err == nil {
				t.Error("Expected error, got nil")
			}
		})
	}
}

func TestLoadFromPaths_DuplicateNames(t *testing.T) {
	logger := zerolog.New(nil).Level(zerolog.Disabled)
	loader := NewLoader(logger)

	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "guest-ssid.rego"), ssidPrefixRego)
	data, err := json.Marshal(Policy{Name: "guest-ssid", Rego: ssidPrefixRego, Enabled: true})
	if err != nil {
		t.Fatalf("Failed to marshal policy: %v", err)
	}
	writeFile(t, filepath.Join(dir, "guest-ssid.json"), string(data))

	if _, err := loader.LoadFromPaths(context.Background(), []string{dir}); err == nil {
		t.Error("Expected error for a policy defined twice")
	}
}

func TestLoadFromFile_JSON(t *testing.T) {
	logger := zerolog.New(nil).Level(zerolog.Disabled)
	loader := NewLoader(logger)

	policyFile := filepath.Join(t.TempDir(), "guest.json")
	policy := Policy{
		Name:        "guest-ssid-json",
		Description: "A test policy",
		Rego:        ssidPrefixRego,
		Severity:    SeverityWarning,
		Enabled:     true,
		Tags:        []string{"wifi"},
	}
	data, err := json.Marshal(policy)
	if err != nil {
		t.Fatalf("Failed to marshal policy: %v", err)
	}
	writeFile(t, policyFile, string(data))

	loaded, err := loader.loadFromFile(context.Background(), policyFile)
	if err != nil {
		t.Fatalf("Failed to load policy: %v", err)
	}

	if loaded.Name != policy.Name {
		t.Errorf("Expected name '%s', got '%s'", policy.Name, loaded.Name)
	}
	if loaded.Severity != SeverityWarning {
		t.Errorf("Expected severity '%s', got '%s'", SeverityWarning, loaded.Severity)
	}
}

func TestLoadFromFile_Invalid(t *testing.T) {
	logger := zerolog.New(nil).Level(zerolog.Disabled)
	loader := NewLoader(logger)
	dir := t.TempDir()

	tests := []struct {
		name    string
		file    string
		content string
	}{
		{name: "unsupported type", file: "test.txt", content: "not a policy"},
		{name: "invalid json", file: "bad.json", content: "invalid json"},
		{name: "json without name", file: "noname.json", content: `{"rego": "package x"}`},
		{name: "json without rego", file: "norego.json", content: `{"name": "x"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(dir, tt.file)
			writeFile(t, path, tt.content)
			if _, err := loader.loadFromFile(context.Background(), path); err == nil {
				t.Error("Expected error, got nil")
			}
		})
	}
}

func TestLoadFromDirectory_Recursive(t *testing.T) {
	logger := zerolog.New(nil).Level(zerolog.Disabled)
	loader := NewLoader(logger)

	tmpDir := t.TempDir()
	subDir := filepath.Join(tmpDir, "vendor")
	if err := os.Mkdir(subDir, 0755); err != nil {
		t.Fatalf("Failed to create subdirectory: %v", err)
	}

	writeFile(t, filepath.Join(tmpDir, "p1.rego"), "package p1\n\nimport rego.v1\n\ndeny contains \"x\" if false\n")
	writeFile(t, filepath.Join(subDir, "p2.rego"), "package p2\n\nimport rego.v1\n\ndeny contains \"x\" if false\n")
	writeFile(t, filepath.Join(tmpDir, "README.md"), "# Policies")
	writeFile(t, filepath.Join(tmpDir, "broken.json"), "{")

	loaded, err := loader.LoadFromPaths(context.Background(), []string{tmpDir})
	if err != nil {
		t.Fatalf("Failed to load directory: %v", err)
	}

	if len(loaded) != 2 {
		t.Errorf("Expected 2 policies (broken file skipped), got %d", len(loaded))
	}
}

func TestLoadFromPath_NonExistent(t *testing.T) {
	logger := zerolog.New(nil).Level(zerolog.Disabled)
	loader := NewLoader(logger)

	if _, err := loader.LoadFromPaths(context.Background(), []string{"/nonexistent/path"}); err == nil {
		t.Error("Expected error for non-existent path")
	}
}

func TestExtractDescription(t *testing.T) {
	tests := []struct {
		name     string
		content  string
		expected string
	}{
		{name: "single line", content: "# Guard the ACS URL\npackage test", expected: "Guard the ACS URL"},
		{name: "multi line", content: "# Guard the\n# ACS URL\npackage test", expected: "Guard the ACS URL"},
		{name: "no comments", content: "package test\n", expected: ""},
		{name: "empty comment lines", content: "# First\n#\n# Second\npackage test", expected: "First Second"},
		{name: "stops at metadata", content: "# First\n# METADATA\n# description: x\npackage test", expected: "First"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := extractDescription(tt.content); got != tt.expected {
				t.Errorf("Expected description '%s', got '%s'", tt.expected, got)
			}
		})
	}
}

func TestClearCache(t *testing.T) {
	logger := zerolog.New(nil).Level(zerolog.Disabled)
	loader := NewLoader(logger)

	policyFile := filepath.Join(t.TempDir(), "test.rego")
	writeFile(t, policyFile, ssidPrefixRego)

	if _, err := loader.loadFromFile(context.Background(), policyFile); err != nil {
		t.Fatalf("Failed to load policy: %v", err)
	}
	if len(loader.cache) != 1 {
		t.Errorf("Expected 1 cache entry, got %d", len(loader.cache))
	}

	loader.ClearCache()
	if len(loader.cache) != 0 {
		t.Errorf("Expected 0 cache entries after clear, got %d", len(loader.cache))
	}
}

func TestGuard_LoadPolicies(t *testing.T) {
	g := newTestGuard(t, ModeEnforcing)

	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "guest-ssid.rego"), ssidPrefixRego)

	if err := g.LoadPolicies(context.Background(), []string{dir}); err != nil {
		t.Fatalf("LoadPolicies failed: %v", err)
	}

	denied, err := g.Review(context.Background(), testContact, []engine.PlannedWrite{
		write("Device.WiFi.SSID.2.SSID", engine.String("visitors")),
		write("Device.WiFi.SSID.1.SSID", engine.String("home")),
	})
	if err != nil {
		t.Fatalf("Review failed: %v", err)
	}
	if len(denied) != 1 {
		t.Fatalf("Expected 1 denial, got %v", denied)
	}
	if _, ok := denied["Device.WiFi.SSID.2.SSID"]; !ok {
		t.Errorf("Expected guest SSID denied, got %v", denied)
	}
}

func TestGuard_WatchReloadsPolicies(t *testing.T) {
	g := newTestGuard(t, ModeEnforcing)

	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "placeholder.rego"), "package placeholder\n\nimport rego.v1\n\ndeny contains \"x\" if false\n")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := g.Watch(ctx, []string{dir}); err != nil {
		t.Fatalf("Watch failed: %v", err)
	}

	writeFile(t, filepath.Join(dir, "guest-ssid.rego"), ssidPrefixRego)

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := g.GetPolicy("guest-ssid"); err == nil {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatal("Expected watched policy to be loaded")
}

func TestGuard_WatchUninstallsRemovedPolicies(t *testing.T) {
	g := newTestGuard(t, ModeEnforcing)

	dir := t.TempDir()
	guest := filepath.Join(dir, "guest-ssid.rego")
	writeFile(t, guest, ssidPrefixRego)
	override := filepath.Join(dir, "inform-interval.rego")
	writeFile(t, override, "package acme.inform\n\nimport rego.v1\n\ndeny contains \"x\" if false\n")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := g.LoadPolicies(ctx, []string{dir}); err != nil {
		t.Fatalf("LoadPolicies failed: %v", err)
	}
	if err := g.Watch(ctx, []string{dir}); err != nil {
		t.Fatalf("Watch failed: %v", err)
	}

	if err := os.Remove(guest); err != nil {
		t.Fatalf("Failed to remove policy: %v", err)
	}
	if err := os.Remove(override); err != nil {
		t.Fatalf("Failed to remove policy: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		_, err := g.GetPolicy("guest-ssid")
		builtin, _ := g.GetPolicy("inform-interval")
		if err != nil && builtin != nil && builtin.Source == "" {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatal("Expected removed policy uninstalled and the shadowed built-in restored")
}
